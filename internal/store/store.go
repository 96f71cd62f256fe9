// Package store defines the ordered document store boundary the live query
// engine depends on: range-scoped change subscriptions over documents sorted
// by their geohash field, plus the write path that feeds them.
package store

import "context"

// Document is a stored location record. Coords is the [lat, lng] pair;
// GeoHash is the encoded form the store orders and ranges by.
type Document struct {
	Key     string
	GeoHash string
	Coords  []float64
}

// ChangeKind discriminates entries of a change batch.
type ChangeKind int

const (
	// Added means the document entered the watched range.
	Added ChangeKind = iota
	// Modified means a document already in the range was updated.
	Modified
	// Removed means the document left the watched range or was deleted.
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is a single document transition within a batch.
type Change struct {
	Kind ChangeKind
	Doc  Document
}

// Events is one delivery from a watch: either a batch of changes or a
// terminal error. The first successful delivery for a watch carries
// Snapshot=true and the full current contents of the range.
type Events struct {
	Snapshot bool
	Changes  []Change
	Err      error
}

// Subscription is a handle to an active watch. Cancel is idempotent and
// stops further deliveries; it never blocks on in-flight callbacks.
type Subscription interface {
	Cancel()
}

// Store is the ordered document store facade.
//
// Watch registers interest in documents whose geohash lies in [start, end),
// ascending. Registration is non-blocking: the initial snapshot and all
// subsequent change batches arrive asynchronously through fn, which is
// invoked sequentially per subscription. A terminal failure is delivered as
// Events{Err: ...} after which no further deliveries occur.
type Store interface {
	Put(ctx context.Context, doc Document) error
	Get(ctx context.Context, key string) (Document, error)
	Delete(ctx context.Context, key string) error
	Watch(ctx context.Context, start, end string, fn func(Events)) (Subscription, error)
	Close() error
}
