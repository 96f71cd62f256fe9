package geowatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/geowatch/internal/store"
)

func noplog() *zap.Logger {
	return zap.NewNop()
}

func newMemoryClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(WithMemory())
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGeoQuery_EnteredThenReady(t *testing.T) {
	c := newMemoryClient(t)
	ctx := context.Background()

	if err := c.SetLocation(ctx, "a", mustPoint(t, 0, 0)); err != nil {
		t.Fatalf("set a: %v", err)
	}
	if err := c.SetLocation(ctx, "b", mustPoint(t, 10, 10)); err != nil {
		t.Fatalf("set b: %v", err)
	}

	q, err := c.Query(mustPoint(t, 0, 0), 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	r := newRecorder()
	if err := q.AddDataListener(r); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	defer q.RemoveAllListeners()

	r.expect(t, "entered", "a")
	r.expect(t, "ready", "")
	r.expectNone(t)
}

func TestGeoQuery_ExitOnMoveOut(t *testing.T) {
	c := newMemoryClient(t)
	ctx := context.Background()

	if err := c.SetLocation(ctx, "a", mustPoint(t, 0, 0)); err != nil {
		t.Fatalf("set a: %v", err)
	}

	q, err := c.Query(mustPoint(t, 0, 0), 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	r := newRecorder()
	if err := q.AddDataListener(r); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	defer q.RemoveAllListeners()

	r.expect(t, "entered", "a")
	r.expect(t, "ready", "")

	if err := c.SetLocation(ctx, "a", mustPoint(t, 20, 20)); err != nil {
		t.Fatalf("move a: %v", err)
	}
	r.expect(t, "exited", "a")
	r.expectNone(t)
}

func TestGeoQuery_RadiusGrowthPicksUpDistantKeys(t *testing.T) {
	c := newMemoryClient(t)
	ctx := context.Background()

	if err := c.SetLocation(ctx, "a", mustPoint(t, 20, 20)); err != nil {
		t.Fatalf("set a: %v", err)
	}
	if err := c.SetLocation(ctx, "b", mustPoint(t, 10, 10)); err != nil {
		t.Fatalf("set b: %v", err)
	}

	q, err := c.Query(mustPoint(t, 0, 0), 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	r := newRecorder()
	if err := q.AddDataListener(r); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	defer q.RemoveAllListeners()

	r.expect(t, "ready", "")

	// (10,10) is about 1570 km from the origin, (20,20) about 3100 km.
	if err := q.SetRadius(2000); err != nil {
		t.Fatalf("set radius: %v", err)
	}
	r.expectSet(t, "entered:b", "ready")
	r.expectNone(t)
}

func TestGeoQuery_MovedAndChangedOrdering(t *testing.T) {
	c := newMemoryClient(t)
	ctx := context.Background()

	if err := c.SetLocation(ctx, "a", mustPoint(t, 37.7853, -122.4056)); err != nil {
		t.Fatalf("set a: %v", err)
	}

	q, err := c.Query(mustPoint(t, 37.7853, -122.4056), 5)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	r := newRecorder()
	if err := q.AddDataListener(r); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	defer q.RemoveAllListeners()

	r.expect(t, "entered", "a")
	r.expect(t, "ready", "")

	// A small in-region move fires moved then changed, in that order.
	if err := c.SetLocation(ctx, "a", mustPoint(t, 37.7854, -122.4056)); err != nil {
		t.Fatalf("move a: %v", err)
	}
	r.expect(t, "moved", "a")
	r.expect(t, "changed", "a")

	// Re-writing the same location is a change without a move.
	if err := c.SetLocation(ctx, "a", mustPoint(t, 37.7854, -122.4056)); err != nil {
		t.Fatalf("rewrite a: %v", err)
	}
	r.expect(t, "changed", "a")
	r.expectNone(t)
}

func TestGeoQuery_DeleteFiresExit(t *testing.T) {
	c := newMemoryClient(t)
	ctx := context.Background()

	if err := c.SetLocation(ctx, "a", mustPoint(t, 0, 0)); err != nil {
		t.Fatalf("set a: %v", err)
	}

	q, err := c.Query(mustPoint(t, 0, 0), 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	r := newRecorder()
	if err := q.AddDataListener(r); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	defer q.RemoveAllListeners()

	r.expect(t, "entered", "a")
	r.expect(t, "ready", "")

	if err := c.RemoveLocation(ctx, "a"); err != nil {
		t.Fatalf("remove a: %v", err)
	}
	r.expect(t, "exited", "a")
	r.expectNone(t)
}

func TestGeoQuery_DuplicateListener(t *testing.T) {
	c := newMemoryClient(t)

	q, err := c.Query(mustPoint(t, 0, 0), 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	r := newRecorder()
	if err := q.AddDataListener(r); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	defer q.RemoveAllListeners()

	if err := q.AddDataListener(r); !errors.Is(err, ErrDuplicateListener) {
		t.Errorf("expected ErrDuplicateListener, got %v", err)
	}
}

func TestGeoQuery_RemoveUnknownListener(t *testing.T) {
	c := newMemoryClient(t)

	q, err := c.Query(mustPoint(t, 0, 0), 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if err := q.RemoveDataListener(newRecorder()); !errors.Is(err, ErrUnknownListener) {
		t.Errorf("expected ErrUnknownListener, got %v", err)
	}
}

func TestGeoQuery_LateListenerCatchUp(t *testing.T) {
	c := newMemoryClient(t)
	ctx := context.Background()

	if err := c.SetLocation(ctx, "a", mustPoint(t, 0, 0)); err != nil {
		t.Fatalf("set a: %v", err)
	}

	q, err := c.Query(mustPoint(t, 0, 0), 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	first := newRecorder()
	if err := q.AddDataListener(first); err != nil {
		t.Fatalf("add first: %v", err)
	}
	defer q.RemoveAllListeners()

	first.expect(t, "entered", "a")
	first.expect(t, "ready", "")

	// The late listener sees the current inside set and a ready, without
	// disturbing the first listener.
	late := newRecorder()
	if err := q.AddDataListener(late); err != nil {
		t.Fatalf("add late: %v", err)
	}
	late.expect(t, "entered", "a")
	late.expect(t, "ready", "")
	first.expectNone(t)
}

func TestGeoQuery_KeyListenerBridge(t *testing.T) {
	c := newMemoryClient(t)
	ctx := context.Background()

	if err := c.SetLocation(ctx, "a", mustPoint(t, 0, 0)); err != nil {
		t.Fatalf("set a: %v", err)
	}

	q, err := c.Query(mustPoint(t, 0, 0), 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	r := newKeyRecorder()
	if err := q.AddListener(r); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	defer q.RemoveAllListeners()

	r.expect(t, "entered", "a")
	r.expect(t, "ready", "")

	// Removing through the same EventListener value must find the bridge.
	if err := q.RemoveListener(r); err != nil {
		t.Fatalf("remove listener: %v", err)
	}
	if err := q.RemoveListener(r); !errors.Is(err, ErrUnknownListener) {
		t.Errorf("expected ErrUnknownListener, got %v", err)
	}
}

func TestGeoQuery_NoEventsAfterRemoveAll(t *testing.T) {
	c := newMemoryClient(t)
	ctx := context.Background()

	q, err := c.Query(mustPoint(t, 0, 0), 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	r := newRecorder()
	if err := q.AddDataListener(r); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	r.expect(t, "ready", "")

	q.RemoveAllListeners()

	if err := c.SetLocation(ctx, "a", mustPoint(t, 0, 0)); err != nil {
		t.Fatalf("set a: %v", err)
	}
	r.expectNone(t)
}

func TestGeoQuery_SetCenterMovesRegion(t *testing.T) {
	c := newMemoryClient(t)
	ctx := context.Background()

	if err := c.SetLocation(ctx, "a", mustPoint(t, 0, 0)); err != nil {
		t.Fatalf("set a: %v", err)
	}
	if err := c.SetLocation(ctx, "b", mustPoint(t, 10, 10)); err != nil {
		t.Fatalf("set b: %v", err)
	}

	q, err := c.Query(mustPoint(t, 0, 0), 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	r := newRecorder()
	if err := q.AddDataListener(r); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	defer q.RemoveAllListeners()

	r.expect(t, "entered", "a")
	r.expect(t, "ready", "")

	if err := q.SetCenter(mustPoint(t, 10, 10)); err != nil {
		t.Fatalf("set center: %v", err)
	}
	r.expectSet(t, "exited:a", "entered:b", "ready")
	r.expectNone(t)
}

func TestGeoQuery_RadiusCapped(t *testing.T) {
	c := newMemoryClient(t)

	q, err := c.Query(mustPoint(t, 0, 0), MaxRadiusKm*2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if got := q.Radius(); got != MaxRadiusKm {
		t.Errorf("expected radius capped at %v, got %v", MaxRadiusKm, got)
	}
}

func TestGeoQuery_InvalidInputs(t *testing.T) {
	c := newMemoryClient(t)

	if _, err := c.Query(Point{Latitude: 91}, 1); !errors.Is(err, ErrInvalidCoordinates) {
		t.Errorf("expected ErrInvalidCoordinates, got %v", err)
	}
	if _, err := c.Query(mustPoint(t, 0, 0), -1); err == nil {
		t.Error("expected error for negative radius")
	}

	q, err := c.Query(mustPoint(t, 0, 0), 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if err := q.SetCenter(Point{Longitude: 181}); !errors.Is(err, ErrInvalidCoordinates) {
		t.Errorf("expected ErrInvalidCoordinates, got %v", err)
	}
	if err := q.SetRadius(-5); err == nil {
		t.Error("expected error for negative radius")
	}
}

// --- fake-store tests: error paths and removal races ---

func TestGeoQuery_ReadyWaitsForAllRanges(t *testing.T) {
	fs := newFakeStore()
	q := newGeoQuery(fs, noplog(), mustPoint(t, 37.7853, -122.4056), 5)

	r := newRecorder()
	if err := q.AddDataListener(r); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	defer q.RemoveAllListeners()

	watches := fs.activeWatches()
	if len(watches) < 2 {
		t.Fatalf("expected multiple range watches, got %d", len(watches))
	}

	// All but one snapshot: not ready yet.
	for _, w := range watches[:len(watches)-1] {
		w.send(store.Events{Snapshot: true})
	}
	r.expectNone(t)

	watches[len(watches)-1].send(store.Events{Snapshot: true})
	r.expect(t, "ready", "")
}

func TestGeoQuery_RangeErrorSuppressesReady(t *testing.T) {
	fs := newFakeStore()
	q := newGeoQuery(fs, noplog(), mustPoint(t, 37.7853, -122.4056), 5)

	r := newRecorder()
	if err := q.AddDataListener(r); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	defer q.RemoveAllListeners()

	watches := fs.activeWatches()
	backendErr := errors.New("backend down")
	watches[0].send(store.Events{Err: backendErr})

	ev := r.expect(t, "error", "")
	var qerr *QueryError
	if !errors.As(ev.err, &qerr) {
		t.Fatalf("expected QueryError, got %T", ev.err)
	}
	if !errors.Is(ev.err, backendErr) {
		t.Errorf("expected wrapped backend error, got %v", ev.err)
	}

	// The failed range never snapshotted, so the query must not settle.
	for _, w := range watches[1:] {
		w.send(store.Events{Snapshot: true})
	}
	r.expectNone(t)
}

func TestGeoQuery_WatchSetupFailure(t *testing.T) {
	fs := newFakeStore()
	fs.watchErr = errors.New("no connection")
	q := newGeoQuery(fs, noplog(), mustPoint(t, 0, 0), 1)

	r := newRecorder()
	if err := q.AddDataListener(r); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	defer q.RemoveAllListeners()

	// Every failing range reports its own error. None of them established
	// coverage, so the query must not claim to have settled.
	sawError := false
	for {
		select {
		case ev := <-r.ch:
			if ev.kind == "ready" {
				t.Fatal("ready fired even though every range failed to subscribe")
			}
			if ev.kind != "error" {
				t.Fatalf("unexpected event: %+v", ev)
			}
			if !errors.Is(ev.err, fs.watchErr) {
				t.Errorf("expected wrapped watch error, got %v", ev.err)
			}
			sawError = true
		case <-time.After(300 * time.Millisecond):
			if !sawError {
				t.Fatal("expected at least one subscription error")
			}
			return
		}
	}
}

func TestGeoQuery_ReadyAfterRetriedSetup(t *testing.T) {
	fs := newFakeStore()
	fs.watchErr = errors.New("no connection")
	q := newGeoQuery(fs, noplog(), mustPoint(t, 0, 0), 1)

	r := newRecorder()
	if err := q.AddDataListener(r); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	defer q.RemoveAllListeners()

drain:
	for {
		select {
		case ev := <-r.ch:
			if ev.kind != "error" {
				t.Fatalf("unexpected event before recovery: %+v", ev)
			}
		case <-time.After(300 * time.Millisecond):
			break drain
		}
	}

	// Backend recovers; the next range diff retries the failed ranges and
	// ready fires once their snapshots land.
	fs.mu.Lock()
	fs.watchErr = nil
	fs.mu.Unlock()
	if err := q.SetRadius(1); err != nil {
		t.Fatalf("set radius: %v", err)
	}
	if len(fs.activeWatches()) == 0 {
		t.Fatal("expected retried range watches")
	}
	fs.snapshotAll()
	r.expect(t, "ready", "")
}

func TestGeoQuery_StaleRemovalIgnored(t *testing.T) {
	fs := newFakeStore()
	q := newGeoQuery(fs, noplog(), mustPoint(t, 37.7853, -122.4056), 5)

	r := newRecorder()
	if err := q.AddDataListener(r); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	defer q.RemoveAllListeners()
	fs.snapshotAll()
	r.expect(t, "ready", "")

	doc := storeDoc(t, "a", 37.7853, -122.4056)
	fs.Put(context.Background(), doc)
	owner := fs.watchFor(t, doc.GeoHash)
	owner.send(store.Events{Changes: []store.Change{{Kind: store.Added, Doc: doc}}})
	r.expect(t, "entered", "a")

	// A removal from a range that does not cover the current hash is a
	// leftover from an earlier position and must not produce an exit.
	var other *fakeWatch
	for _, w := range fs.activeWatches() {
		if w != owner {
			other = w
			break
		}
	}
	if other == nil {
		t.Fatal("expected a second range watch")
	}
	other.send(store.Events{Changes: []store.Change{{Kind: store.Removed, Doc: doc}}})
	r.expectNone(t)
}

func TestGeoQuery_RemovalConfirmedByReread(t *testing.T) {
	fs := newFakeStore()
	q := newGeoQuery(fs, noplog(), mustPoint(t, 37.7853, -122.4056), 5)

	r := newRecorder()
	if err := q.AddDataListener(r); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	defer q.RemoveAllListeners()
	fs.snapshotAll()
	r.expect(t, "ready", "")

	doc := storeDoc(t, "a", 37.7853, -122.4056)
	fs.Put(context.Background(), doc)
	owner := fs.watchFor(t, doc.GeoHash)
	owner.send(store.Events{Changes: []store.Change{{Kind: store.Added, Doc: doc}}})
	r.expect(t, "entered", "a")

	// Document still present at an unchanged position: the removal is a
	// cross-range artifact, the re-read keeps the document tracked and
	// nothing fires.
	owner.send(store.Events{Changes: []store.Change{{Kind: store.Removed, Doc: doc}}})
	r.expectNone(t)

	// Still present but moved since: the re-read folds into the normal
	// update path.
	shifted := storeDoc(t, "a", 37.7860, -122.4056)
	if err := fs.Put(context.Background(), shifted); err != nil {
		t.Fatalf("put shifted: %v", err)
	}
	owner.send(store.Events{Changes: []store.Change{{Kind: store.Removed, Doc: doc}}})
	r.expect(t, "moved", "a")
	r.expect(t, "changed", "a")

	// Now genuinely gone: the re-read confirms and the exit fires.
	fs.Delete(context.Background(), "a")
	owner.send(store.Events{Changes: []store.Change{{Kind: store.Removed, Doc: doc}}})
	r.expect(t, "exited", "a")
	r.expectNone(t)
}

func TestGeoQuery_ShrinkRadiusExitsOutliers(t *testing.T) {
	c := newMemoryClient(t)
	ctx := context.Background()

	if err := c.SetLocation(ctx, "near", mustPoint(t, 0, 0)); err != nil {
		t.Fatalf("set near: %v", err)
	}
	if err := c.SetLocation(ctx, "far", mustPoint(t, 0, 0.05)); err != nil {
		t.Fatalf("set far: %v", err)
	}

	// 0.05 degrees of longitude at the equator is about 5.6 km.
	q, err := c.Query(mustPoint(t, 0, 0), 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	r := newRecorder()
	if err := q.AddDataListener(r); err != nil {
		t.Fatalf("add listener: %v", err)
	}
	defer q.RemoveAllListeners()

	r.expectSet(t, "entered:near", "entered:far", "ready")

	if err := q.SetRadius(1); err != nil {
		t.Fatalf("set radius: %v", err)
	}
	r.expectSet(t, "exited:far", "ready")
	r.expectNone(t)
}
