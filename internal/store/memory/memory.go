// Package memory implements the store boundary fully in process. It backs
// the test suite and serves as the zero-configuration embedded driver.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kailas-cloud/geowatch/internal/store"
)

// Compile-time check: Store implements store.Store.
var _ store.Store = (*Store)(nil)

// Store is an in-process ordered document store with watcher fan-out.
type Store struct {
	mu       sync.Mutex
	closed   bool
	docs     map[string]store.Document
	watchers map[*watcher]struct{}
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		docs:     make(map[string]store.Document),
		watchers: make(map[*watcher]struct{}),
	}
}

// Put inserts or replaces a document and notifies watchers whose range the
// old or new geohash falls into.
func (s *Store) Put(_ context.Context, doc store.Document) error {
	if doc.Key == "" {
		return &store.Error{Op: store.OpPut, Err: fmt.Errorf("document key is required")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &store.Error{Op: store.OpPut, Err: store.ErrClosed}
	}

	old, existed := s.docs[doc.Key]
	s.docs[doc.Key] = doc

	for w := range s.watchers {
		oldIn := existed && w.inRange(old.GeoHash)
		newIn := w.inRange(doc.GeoHash)
		switch {
		case !oldIn && newIn:
			w.enqueue(store.Events{Changes: []store.Change{{Kind: store.Added, Doc: doc}}})
		case oldIn && newIn:
			w.enqueue(store.Events{Changes: []store.Change{{Kind: store.Modified, Doc: doc}}})
		case oldIn && !newIn:
			w.enqueue(store.Events{Changes: []store.Change{{Kind: store.Removed, Doc: old}}})
		}
	}
	return nil
}

// Get returns the document for a key, or store.ErrKeyNotFound.
func (s *Store) Get(_ context.Context, key string) (store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.Document{}, &store.Error{Op: store.OpGet, Err: store.ErrClosed}
	}
	doc, ok := s.docs[key]
	if !ok {
		return store.Document{}, store.ErrKeyNotFound
	}
	return doc, nil
}

// Delete removes a document and notifies watchers covering its geohash.
// Deleting an absent key is a no-op.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &store.Error{Op: store.OpDelete, Err: store.ErrClosed}
	}

	old, existed := s.docs[key]
	if !existed {
		return nil
	}
	delete(s.docs, key)

	for w := range s.watchers {
		if w.inRange(old.GeoHash) {
			w.enqueue(store.Events{Changes: []store.Change{{Kind: store.Removed, Doc: old}}})
		}
	}
	return nil
}

// Watch registers a range subscription. The snapshot of the current range
// contents is enqueued before registration completes, so every incremental
// change is delivered strictly after it.
func (s *Store) Watch(_ context.Context, start, end string, fn func(store.Events)) (store.Subscription, error) {
	if fn == nil {
		return nil, &store.Error{Op: store.OpWatch, Err: fmt.Errorf("callback is required")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, &store.Error{Op: store.OpWatch, Err: store.ErrClosed}
	}

	w := newWatcher(s, start, end, fn)

	var snapshot []store.Change
	for _, doc := range s.docs {
		if w.inRange(doc.GeoHash) {
			snapshot = append(snapshot, store.Change{Kind: store.Added, Doc: doc})
		}
	}
	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].Doc.GeoHash < snapshot[j].Doc.GeoHash
	})

	w.enqueue(store.Events{Snapshot: true, Changes: snapshot})
	s.watchers[w] = struct{}{}
	go w.run()
	return w, nil
}

// Close cancels all watchers and rejects further operations.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for w := range s.watchers {
		w.stop()
	}
	s.watchers = make(map[*watcher]struct{})
	return nil
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

// watcher delivers events for one range subscription through a private FIFO
// so deliveries never run under the store lock and always stay ordered.
type watcher struct {
	s          *Store
	start, end string
	fn         func(store.Events)

	mu    sync.Mutex
	cond  *sync.Cond
	queue []store.Events
	done  bool
}

func newWatcher(s *Store, start, end string, fn func(store.Events)) *watcher {
	w := &watcher{s: s, start: start, end: end, fn: fn}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *watcher) inRange(hash string) bool {
	return w.start <= hash && hash < w.end
}

func (w *watcher) enqueue(ev store.Events) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.queue = append(w.queue, ev)
	w.cond.Signal()
}

func (w *watcher) run() {
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.done {
			w.cond.Wait()
		}
		if w.done {
			w.mu.Unlock()
			return
		}
		ev := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.fn(ev)
	}
}

// Cancel deregisters the watcher. Idempotent.
func (w *watcher) Cancel() {
	w.s.mu.Lock()
	delete(w.s.watchers, w)
	w.s.mu.Unlock()
	w.stop()
}

func (w *watcher) stop() {
	w.mu.Lock()
	w.done = true
	w.queue = nil
	w.cond.Signal()
	w.mu.Unlock()
}
