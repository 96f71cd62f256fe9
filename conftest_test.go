package geowatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kailas-cloud/geowatch/internal/geohash"
	"github.com/kailas-cloud/geowatch/internal/store"
)

// recorder is a DataEventListener that funnels every callback into a
// channel so tests can assert on event order with timeouts.
type recorder struct {
	ch chan recEvent
}

type recEvent struct {
	kind string
	doc  Document
	err  error
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan recEvent, 64)}
}

func (r *recorder) OnDocumentEntered(doc Document) { r.ch <- recEvent{kind: "entered", doc: doc} }
func (r *recorder) OnDocumentExited(doc Document)  { r.ch <- recEvent{kind: "exited", doc: doc} }
func (r *recorder) OnDocumentMoved(doc Document)   { r.ch <- recEvent{kind: "moved", doc: doc} }
func (r *recorder) OnDocumentChanged(doc Document) { r.ch <- recEvent{kind: "changed", doc: doc} }
func (r *recorder) OnQueryReady()                  { r.ch <- recEvent{kind: "ready"} }
func (r *recorder) OnQueryError(err error)         { r.ch <- recEvent{kind: "error", err: err} }

func (r *recorder) next(t *testing.T) recEvent {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return recEvent{}
	}
}

// expect asserts the next event kind and, for document events, the key.
func (r *recorder) expect(t *testing.T, kind, key string) recEvent {
	t.Helper()
	ev := r.next(t)
	if ev.kind != kind {
		t.Fatalf("expected %s event, got %s (%+v)", kind, ev.kind, ev)
	}
	if key != "" && ev.doc.Key != key {
		t.Fatalf("expected %s for key %q, got %q", kind, key, ev.doc.Key)
	}
	return ev
}

// expectSet asserts that the next len(kinds) events match kinds in any
// order, keyed by "kind:key". Store fan-out across ranges makes some
// orderings nondeterministic.
func (r *recorder) expectSet(t *testing.T, want ...string) {
	t.Helper()
	pending := make(map[string]int, len(want))
	for _, w := range want {
		pending[w]++
	}
	for i := 0; i < len(want); i++ {
		ev := r.next(t)
		label := ev.kind
		if ev.doc.Key != "" {
			label = ev.kind + ":" + ev.doc.Key
		}
		if pending[label] == 0 {
			t.Fatalf("unexpected event %q, still waiting for %v", label, pending)
		}
		pending[label]--
	}
}

func (r *recorder) expectNone(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(150 * time.Millisecond):
	}
}

// keyRecorder is the EventListener counterpart of recorder.
type keyRecorder struct {
	ch chan recEvent
}

func newKeyRecorder() *keyRecorder {
	return &keyRecorder{ch: make(chan recEvent, 64)}
}

func (r *keyRecorder) OnKeyEntered(key string, loc Point) {
	r.ch <- recEvent{kind: "entered", doc: Document{Key: key, Location: loc}}
}
func (r *keyRecorder) OnKeyExited(key string) {
	r.ch <- recEvent{kind: "exited", doc: Document{Key: key}}
}
func (r *keyRecorder) OnKeyMoved(key string, loc Point) {
	r.ch <- recEvent{kind: "moved", doc: Document{Key: key, Location: loc}}
}
func (r *keyRecorder) OnQueryReady()          { r.ch <- recEvent{kind: "ready"} }
func (r *keyRecorder) OnQueryError(err error) { r.ch <- recEvent{kind: "error", err: err} }

func (r *keyRecorder) expect(t *testing.T, kind, key string) {
	t.Helper()
	select {
	case ev := <-r.ch:
		if ev.kind != kind || (key != "" && ev.doc.Key != key) {
			t.Fatalf("expected %s/%s, got %+v", kind, key, ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s event", kind)
	}
}

// fakeStore is a hand-driven store.Store. Watches never deliver anything on
// their own; tests push events through the registered callbacks to pin down
// engine behavior under partial snapshots and backend failures.
type fakeStore struct {
	mu       sync.Mutex
	docs     map[string]store.Document
	watches  []*fakeWatch
	watchErr error
	getErr   error
}

type fakeWatch struct {
	fs         *fakeStore
	start, end string
	fn         func(store.Events)
	cancelled  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string]store.Document)}
}

func (f *fakeStore) Put(_ context.Context, doc store.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[doc.Key] = doc
	return nil
}

func (f *fakeStore) Get(_ context.Context, key string) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return store.Document{}, f.getErr
	}
	doc, ok := f.docs[key]
	if !ok {
		return store.Document{}, store.ErrKeyNotFound
	}
	return doc, nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, key)
	return nil
}

func (f *fakeStore) Watch(_ context.Context, start, end string, fn func(store.Events)) (store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	w := &fakeWatch{fs: f, start: start, end: end, fn: fn}
	f.watches = append(f.watches, w)
	return w, nil
}

func (f *fakeStore) Close() error { return nil }

func (w *fakeWatch) Cancel() {
	w.fs.mu.Lock()
	w.cancelled = true
	w.fs.mu.Unlock()
}

// activeWatches returns the not-yet-cancelled watches.
func (f *fakeStore) activeWatches() []*fakeWatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeWatch
	for _, w := range f.watches {
		if !w.cancelled {
			out = append(out, w)
		}
	}
	return out
}

// watchFor finds the active watch whose range covers the geohash.
func (f *fakeStore) watchFor(t *testing.T, hash string) *fakeWatch {
	t.Helper()
	for _, w := range f.activeWatches() {
		if w.start <= hash && hash < w.end {
			return w
		}
	}
	t.Fatalf("no active watch covers %q", hash)
	return nil
}

// snapshotAll sends an empty snapshot to every active watch.
func (f *fakeStore) snapshotAll() {
	for _, w := range f.activeWatches() {
		w.fn(store.Events{Snapshot: true})
	}
}

func (w *fakeWatch) send(ev store.Events) {
	w.fn(ev)
}

func mustPoint(t *testing.T, lat, lng float64) Point {
	t.Helper()
	p, err := NewPoint(lat, lng)
	if err != nil {
		t.Fatalf("NewPoint(%v, %v): %v", lat, lng, err)
	}
	return p
}

// storeDoc builds a store document the way the client write path would.
func storeDoc(t *testing.T, key string, lat, lng float64) store.Document {
	t.Helper()
	hash, err := geohash.Encode(lat, lng, geohash.DefaultPrecision)
	if err != nil {
		t.Fatalf("encode (%v, %v): %v", lat, lng, err)
	}
	return store.Document{Key: key, GeoHash: hash, Coords: []float64{lat, lng}}
}
