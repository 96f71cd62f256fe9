package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/rueidis"

	"github.com/kailas-cloud/geowatch/internal/store"
)

// Watch registers a range subscription. The shared events subscriber is
// started on first use; the initial range contents are fetched with
// ZRANGEBYLEX and delivered as a snapshot before any live change. Feed
// messages arriving while the snapshot is in flight are buffered and
// flushed after it, so the snapshot is always the watcher's first event.
func (s *Store) Watch(ctx context.Context, start, end string, fn func(store.Events)) (store.Subscription, error) {
	if fn == nil {
		return nil, &store.Error{Op: store.OpWatch, Err: fmt.Errorf("callback is required")}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &store.Error{Op: store.OpWatch, Err: store.ErrClosed}
	}
	s.ensureSubscriberLocked()

	w := newWatcher(s, start, end, fn)
	s.nextID++
	w.id = s.nextID
	s.watchers[w.id] = w
	s.mu.Unlock()

	go w.run()
	go s.loadSnapshot(ctx, w)
	return w, nil
}

// loadSnapshot reads the current range contents and promotes the watcher to
// live delivery. Changes buffered during the read are flushed right after
// the snapshot; a change may then repeat a snapshot document, which
// consumers treat as a modification.
func (s *Store) loadSnapshot(ctx context.Context, w *watcher) {
	changes, err := s.rangeContents(ctx, w.start, w.end)

	s.mu.Lock()
	if _, active := s.watchers[w.id]; !active {
		s.mu.Unlock()
		return
	}
	if err != nil {
		delete(s.watchers, w.id)
		s.mu.Unlock()
		w.enqueue(store.Events{Err: &store.Error{Op: store.OpWatch, Err: err}})
		w.shutdown()
		return
	}
	w.enqueue(store.Events{Snapshot: true, Changes: changes})
	for _, ev := range w.pending {
		w.enqueue(ev)
	}
	w.pending = nil
	w.live = true
	s.mu.Unlock()
}

// rangeContents scans the index for members in [start, end) and fetches the
// matching documents in one DoMulti round-trip.
func (s *Store) rangeContents(ctx context.Context, start, end string) ([]store.Change, error) {
	cmd := s.b().Zrangebylex().Key(s.indexKey()).
		Min("[" + start).Max("(" + end).Build()
	members, err := s.do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("scan range index: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(members))
	for _, m := range members {
		_, key, ok := splitIndexMember(m)
		if !ok {
			continue
		}
		keys = append(keys, key)
	}

	cmds := make([]rueidis.Completed, len(keys))
	for i, key := range keys {
		cmds[i] = s.b().Hgetall().Key(s.docKey(key)).Build()
	}

	var changes []store.Change
	for i, res := range s.client.DoMulti(ctx, cmds...) {
		fields, err := res.AsStrMap()
		if err != nil {
			return nil, fmt.Errorf("fetch document %q: %w", keys[i], err)
		}
		if len(fields) == 0 {
			continue // deleted between scan and fetch
		}
		doc, err := docFromFields(keys[i], fields)
		if err != nil {
			return nil, err
		}
		changes = append(changes, store.Change{Kind: store.Added, Doc: doc})
	}
	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Doc.GeoHash < changes[j].Doc.GeoHash
	})
	return changes, nil
}

// ensureSubscriberLocked starts the shared pub/sub consumer once.
func (s *Store) ensureSubscriberLocked() {
	if s.subCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.subCancel = cancel
	s.subDone = done
	go s.consumeFeed(ctx, done)
}

// consumeFeed subscribes to the events channel and dispatches messages to
// watchers. On subscription failure every watcher gets the error and the
// subscription is retried until the store closes.
func (s *Store) consumeFeed(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		cmd := s.client.B().Subscribe().Channel(s.eventsChannel()).Build()
		err := s.client.Receive(ctx, cmd, func(msg rueidis.PubSubMessage) {
			s.dispatch(msg.Message)
		})
		if ctx.Err() != nil {
			return
		}
		s.broadcastError(&store.Error{Op: store.OpWatch, Err: err})
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// dispatch folds one feed message into per-watcher changes. Containment of
// the old and new geohash in the watcher's range decides the change kind,
// so a document moving across a range bound surfaces as removed on one
// side and added on the other.
func (s *Store) dispatch(payload string) {
	var msg changeMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return // foreign message on the channel
	}

	doc := store.Document{
		Key:     msg.Key,
		GeoHash: msg.Hash,
		Coords:  []float64{msg.Lat, msg.Lng},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.watchers {
		var change store.Change
		switch msg.Op {
		case "put":
			oldIn := msg.PrevHash != "" && w.inRange(msg.PrevHash)
			newIn := w.inRange(msg.Hash)
			switch {
			case !oldIn && newIn:
				change = store.Change{Kind: store.Added, Doc: doc}
			case oldIn && newIn:
				change = store.Change{Kind: store.Modified, Doc: doc}
			case oldIn && !newIn:
				prev := doc
				prev.GeoHash = msg.PrevHash
				change = store.Change{Kind: store.Removed, Doc: prev}
			default:
				continue
			}
		case "del":
			if !w.inRange(msg.Hash) {
				continue
			}
			change = store.Change{Kind: store.Removed, Doc: doc}
		default:
			continue
		}

		ev := store.Events{Changes: []store.Change{change}}
		if !w.live {
			w.pending = append(w.pending, ev)
			continue
		}
		w.enqueue(ev)
	}
}

func (s *Store) broadcastError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.watchers {
		ev := store.Events{Err: err}
		if !w.live {
			w.pending = append(w.pending, ev)
			continue
		}
		w.enqueue(ev)
	}
}

// watcher delivers events for one range subscription through a private FIFO
// so deliveries never run under the store lock and always stay ordered.
type watcher struct {
	s          *Store
	id         int
	start, end string
	fn         func(store.Events)

	// guarded by s.mu
	live    bool
	pending []store.Events

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
	delete(w.s.watchers, w.id)
	w.s.mu.Unlock()
	w.shutdown()
}

func (w *watcher) shutdown() {
	w.mu.Lock()
	w.done = true
	w.queue = nil
	w.cond.Signal()
	w.mu.Unlock()
}
