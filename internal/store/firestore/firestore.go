// Package firestore implements the location store on Cloud Firestore.
//
// Each document lives in one collection under its key, with the geohash in
// field g and the coordinate pair in field l. Geohash ranges map to ordered
// g >= start, g < end queries, and watches ride on Firestore snapshot
// listeners, which already deliver an initial snapshot followed by
// incremental document changes.
package firestore

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kailas-cloud/geowatch/internal/store"
)

// Compile-time check: Store implements store.Store.
var _ store.Store = (*Store)(nil)

// Config holds connection parameters for a Firestore store.
type Config struct {
	ProjectID  string
	Collection string
	// CredentialsFile may be empty to use application default credentials.
	CredentialsFile string
}

// Store implements store.Store on a single Firestore collection.
type Store struct {
	client     *firestore.Client
	collection string

	mu     sync.Mutex
	closed bool
	subs   map[*subscription]struct{}
}

// locationDoc is the stored document shape, shared with the mobile
// GeoFire-style SDKs that read the same collection.
type locationDoc struct {
	G string    `firestore:"g"`
	L []float64 `firestore:"l"`
}

// NewStore creates a Firestore store.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	return &Store{
		client:     client,
		collection: cfg.Collection,
		subs:       make(map[*subscription]struct{}),
	}, nil
}

func (s *Store) col() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

// Put writes or overwrites a location document.
func (s *Store) Put(ctx context.Context, doc store.Document) error {
	if doc.Key == "" {
		return &store.Error{Op: store.OpPut, Err: fmt.Errorf("key must not be empty")}
	}
	_, err := s.col().Doc(doc.Key).Set(ctx, locationDoc{G: doc.GeoHash, L: doc.Coords})
	if err != nil {
		return &store.Error{Op: store.OpPut, Err: err}
	}
	return nil
}

// Get reads a location document. Returns store.ErrKeyNotFound for missing
// keys.
func (s *Store) Get(ctx context.Context, key string) (store.Document, error) {
	snap, err := s.col().Doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return store.Document{}, store.ErrKeyNotFound
		}
		return store.Document{}, &store.Error{Op: store.OpGet, Err: err}
	}
	doc, err := docFromSnapshot(snap)
	if err != nil {
		return store.Document{}, &store.Error{Op: store.OpGet, Err: err}
	}
	return doc, nil
}

// Delete removes a location document. Deleting an absent key is a no-op,
// matching Firestore semantics.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.col().Doc(key).Delete(ctx); err != nil {
		return &store.Error{Op: store.OpDelete, Err: err}
	}
	return nil
}

// Watch opens a snapshot listener over the geohash range [start, end). The
// listener's own initial snapshot becomes the first Events batch; document
// changes after it arrive as incremental batches in listener order.
func (s *Store) Watch(ctx context.Context, start, end string, fn func(store.Events)) (store.Subscription, error) {
	if fn == nil {
		return nil, &store.Error{Op: store.OpWatch, Err: fmt.Errorf("callback is required")}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, &store.Error{Op: store.OpWatch, Err: store.ErrClosed}
	}
	watchCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{store: s, cancel: cancel}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	query := s.col().
		Where("g", ">=", start).
		Where("g", "<", end).
		OrderBy("g", firestore.Asc)

	go s.consume(watchCtx, query, fn, sub)
	return sub, nil
}

// consume drains the snapshot iterator. It runs on its own goroutine, one
// per subscription, so deliveries for a range stay strictly ordered.
func (s *Store) consume(ctx context.Context, query firestore.Query, fn func(store.Events), sub *subscription) {
	iter := query.Snapshots(ctx)
	defer iter.Stop()

	first := true
	for {
		snap, err := iter.Next()
		if err != nil {
			if ctx.Err() != nil || status.Code(err) == codes.Canceled {
				return
			}
			// Includes permission failures on restricted ranges; the
			// subscription is dead after an iterator error.
			fn(store.Events{Err: &store.Error{Op: store.OpWatch, Err: err}})
			return
		}

		var changes []store.Change
		for _, dc := range snap.Changes {
			doc, err := docFromSnapshot(dc.Doc)
			if err != nil {
				fn(store.Events{Err: &store.Error{Op: store.OpWatch, Err: err}})
				continue
			}
			switch dc.Kind {
			case firestore.DocumentAdded:
				changes = append(changes, store.Change{Kind: store.Added, Doc: doc})
			case firestore.DocumentModified:
				changes = append(changes, store.Change{Kind: store.Modified, Doc: doc})
			case firestore.DocumentRemoved:
				changes = append(changes, store.Change{Kind: store.Removed, Doc: doc})
			}
		}

		if first {
			fn(store.Events{Snapshot: true, Changes: changes})
			first = false
			continue
		}
		if len(changes) > 0 {
			fn(store.Events{Changes: changes})
		}
	}
}

// Close cancels all subscriptions and releases the client.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[*subscription]struct{})
	s.mu.Unlock()

	for sub := range subs {
		sub.cancel()
	}
	if err := s.client.Close(); err != nil {
		return &store.Error{Op: store.OpClose, Err: err}
	}
	return nil
}

func docFromSnapshot(snap *firestore.DocumentSnapshot) (store.Document, error) {
	var data locationDoc
	if err := snap.DataTo(&data); err != nil {
		return store.Document{}, fmt.Errorf("document %q: %w", snap.Ref.ID, err)
	}
	return store.Document{
		Key:     snap.Ref.ID,
		GeoHash: data.G,
		Coords:  data.L,
	}, nil
}

// subscription cancels one snapshot listener.
type subscription struct {
	store  *Store
	cancel context.CancelFunc
	once   sync.Once
}

var _ store.Subscription = (*subscription)(nil)

// Cancel stops the listener. Idempotent.
func (s *subscription) Cancel() {
	s.once.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs, s)
		s.store.mu.Unlock()
		s.cancel()
	})
}
