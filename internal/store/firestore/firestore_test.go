package firestore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/kailas-cloud/geowatch/internal/store"
)

// Integration tests run against a real project (or the emulator via
// FIRESTORE_EMULATOR_HOST) and are skipped otherwise.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	projectID := os.Getenv("GEOWATCH_FIRESTORE_PROJECT")
	if projectID == "" {
		t.Skip("GEOWATCH_FIRESTORE_PROJECT not set")
	}
	s, err := NewStore(context.Background(), Config{
		ProjectID:  projectID,
		Collection: "geowatch_test",
	})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewStore_Validation(t *testing.T) {
	ctx := context.Background()

	if _, err := NewStore(ctx, Config{Collection: "c"}); err == nil {
		t.Error("expected error for missing project id")
	}
	if _, err := NewStore(ctx, Config{ProjectID: "p"}); err == nil {
		t.Error("expected error for missing collection")
	}
}

func TestPutGetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := store.Document{
		Key:     "it-rider-1",
		GeoHash: "9q8yyk8ytp",
		Coords:  []float64{37.7853, -122.4056},
	}
	if err := s.Put(ctx, doc); err != nil {
		t.Fatalf("put: %v", err)
	}
	defer s.Delete(ctx, doc.Key)

	got, err := s.Get(ctx, doc.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.GeoHash != doc.GeoHash || got.Coords[0] != doc.Coords[0] {
		t.Errorf("got %+v, want %+v", got, doc)
	}

	if err := s.Delete(ctx, doc.Key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, doc.Key); !errors.Is(err, store.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound after delete, got %v", err)
	}
}

func TestWatch_SnapshotThenChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	events := make(chan store.Events, 8)
	sub, err := s.Watch(ctx, "9q8", "9q9", func(ev store.Events) {
		events <- ev
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer sub.Cancel()

	select {
	case ev := <-events:
		if !ev.Snapshot {
			t.Fatalf("expected snapshot first, got %+v", ev)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}

	doc := store.Document{
		Key:     "it-rider-2",
		GeoHash: "9q8yyk8ytp",
		Coords:  []float64{37.7853, -122.4056},
	}
	if err := s.Put(ctx, doc); err != nil {
		t.Fatalf("put: %v", err)
	}
	defer s.Delete(ctx, doc.Key)

	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-events:
			for _, c := range ev.Changes {
				if c.Doc.Key == doc.Key && c.Kind == store.Added {
					return
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for added change")
		}
	}
}
