package geowatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/kailas-cloud/geowatch/internal/geohash"
	"github.com/kailas-cloud/geowatch/internal/metrics"
	"github.com/kailas-cloud/geowatch/internal/store"
)

// MaxRadiusKm is the largest supported query radius. Beyond it the range
// decomposition degenerates to a single global range, so larger values are
// capped rather than rejected.
const MaxRadiusKm = 8587.0

// GeoQuery is a live view of the documents inside a circular region.
//
// It holds one store subscription per geohash range covering the circle,
// folds all their change streams into a single per-key containment table,
// and emits semantic events to registered listeners. All methods are safe
// for concurrent use; listener callbacks run on a dedicated delivery
// goroutine outside the engine lock.
type GeoQuery struct {
	store store.Store
	log   *zap.Logger

	mu           sync.Mutex
	center       Point
	radiusMeters float64
	listeners    []DataEventListener
	subs         map[geohash.Query]store.Subscription
	outstanding  map[geohash.Query]struct{}
	locations    map[string]*locationInfo
	events       *eventLoop
}

// locationInfo is the cached per-document containment state. Owned by the
// query that observes the document; destroyed when the document leaves all
// active ranges or the query is torn down.
type locationInfo struct {
	point   Point
	hash    string
	inQuery bool
}

func newGeoQuery(st store.Store, log *zap.Logger, center Point, radiusKm float64) *GeoQuery {
	return &GeoQuery{
		store:        st,
		log:          log,
		center:       center,
		radiusMeters: capRadiusKm(radiusKm) * 1000,
		locations:    make(map[string]*locationInfo),
	}
}

func capRadiusKm(km float64) float64 {
	return math.Min(km, MaxRadiusKm)
}

// Center returns the current query center.
func (q *GeoQuery) Center() Point {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.center
}

// Radius returns the current query radius in kilometers.
func (q *GeoQuery) Radius() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.radiusMeters / 1000
}

// SetCenter moves the query circle. Active range subscriptions are diffed
// against the new decomposition and cached documents are re-evaluated
// immediately, without waiting for new snapshots.
func (q *GeoQuery) SetCenter(center Point) error {
	if !center.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidCoordinates, center)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.center = center
	if len(q.listeners) > 0 {
		q.setupQueriesLocked()
	}
	return nil
}

// SetRadius resizes the query circle. The radius is given in kilometers and
// capped at MaxRadiusKm.
func (q *GeoQuery) SetRadius(radiusKm float64) error {
	if radiusKm < 0 || math.IsNaN(radiusKm) {
		return fmt.Errorf("geowatch: radius must be non-negative, got %v", radiusKm)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.radiusMeters = capRadiusKm(radiusKm) * 1000
	if len(q.listeners) > 0 {
		q.setupQueriesLocked()
	}
	return nil
}

// SetLocation moves and resizes the circle in one range-diff pass.
func (q *GeoQuery) SetLocation(center Point, radiusKm float64) error {
	if !center.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidCoordinates, center)
	}
	if radiusKm < 0 || math.IsNaN(radiusKm) {
		return fmt.Errorf("geowatch: radius must be non-negative, got %v", radiusKm)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.center = center
	q.radiusMeters = capRadiusKm(radiusKm) * 1000
	if len(q.listeners) > 0 {
		q.setupQueriesLocked()
	}
	return nil
}

// AddDataListener registers a document-level listener. The first listener
// starts the range subscriptions; listeners added later are caught up with
// a synthetic entered event per currently-inside document, followed by
// ready if the query has already settled. Registering the same listener
// twice fails with ErrDuplicateListener.
func (q *GeoQuery) AddDataListener(l DataEventListener) error {
	if l == nil {
		return errors.New("geowatch: listener is nil")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.listeners {
		if sameListener(existing, l) {
			return ErrDuplicateListener
		}
	}
	q.listeners = append(q.listeners, l)
	if q.events == nil {
		q.events = newEventLoop()
	}

	if q.subs == nil {
		q.setupQueriesLocked()
		return nil
	}

	// Catch-up: replay the current inside set to the new listener only.
	for key, info := range q.locations {
		if !info.inQuery {
			continue
		}
		doc := Document{Key: key, GeoHash: info.hash, Location: info.point}
		q.events.post(func() {
			metrics.QueryEventsTotal.WithLabelValues("entered").Inc()
			l.OnDocumentEntered(doc)
		})
	}
	if len(q.outstanding) == 0 {
		q.events.post(func() {
			metrics.QueryEventsTotal.WithLabelValues("ready").Inc()
			l.OnQueryReady()
		})
	}
	return nil
}

// AddListener registers a simplified key-level listener.
func (q *GeoQuery) AddListener(l EventListener) error {
	if l == nil {
		return errors.New("geowatch: listener is nil")
	}
	return q.AddDataListener(&listenerBridge{inner: l})
}

// RemoveDataListener deregisters a listener. Removing one that was never
// added fails with ErrUnknownListener. When the last listener is removed
// the query cancels every store subscription and drops all cached state.
func (q *GeoQuery) RemoveDataListener(l DataEventListener) error {
	if l == nil {
		return errors.New("geowatch: listener is nil")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, existing := range q.listeners {
		if sameListener(existing, l) {
			q.listeners = append(q.listeners[:i], q.listeners[i+1:]...)
			if len(q.listeners) == 0 {
				q.resetLocked()
			}
			return nil
		}
	}
	return ErrUnknownListener
}

// RemoveListener deregisters a simplified listener.
func (q *GeoQuery) RemoveListener(l EventListener) error {
	if l == nil {
		return errors.New("geowatch: listener is nil")
	}
	return q.RemoveDataListener(&listenerBridge{inner: l})
}

// RemoveAllListeners deregisters every listener and tears down all store
// subscriptions and cached state.
func (q *GeoQuery) RemoveAllListeners() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = nil
	q.resetLocked()
}

// resetLocked releases every backend resource; an idle query holds none.
func (q *GeoQuery) resetLocked() {
	for _, sub := range q.subs {
		sub.Cancel()
		metrics.RangeSubscriptions.Dec()
	}
	q.subs = nil
	q.outstanding = nil
	metrics.TrackedDocuments.Sub(float64(len(q.locations)))
	q.locations = make(map[string]*locationInfo)
	if q.events != nil {
		q.events.stop()
		q.events = nil
	}
}

// setupQueriesLocked recomputes the range decomposition for the current
// circle and diffs it against the active subscription set: stale ranges are
// cancelled, new ones opened and marked outstanding. Cached documents are
// re-evaluated against the new circle and entries no longer covered by any
// range are purged.
func (q *GeoQuery) setupQueriesLocked() {
	queries, err := geohash.QueriesAtLocation(q.center.Latitude, q.center.Longitude, q.radiusMeters)
	if err != nil {
		// Center and radius are validated at every entry point.
		q.log.Error("range decomposition failed", zap.Error(err))
		return
	}

	wanted := make(map[geohash.Query]struct{}, len(queries))
	for _, query := range queries {
		wanted[query] = struct{}{}
	}

	if q.subs == nil {
		q.subs = make(map[geohash.Query]store.Subscription)
		q.outstanding = make(map[geohash.Query]struct{})
	}

	for query, sub := range q.subs {
		if _, keep := wanted[query]; keep {
			continue
		}
		sub.Cancel()
		metrics.RangeSubscriptions.Dec()
		delete(q.subs, query)
	}
	// Ranges that failed to subscribe have no entry in q.subs but may still
	// be outstanding; drop those too once the circle moves away from them.
	for query := range q.outstanding {
		if _, keep := wanted[query]; !keep {
			delete(q.outstanding, query)
		}
	}

	for query := range wanted {
		if _, open := q.subs[query]; open {
			continue
		}
		q.outstanding[query] = struct{}{}
		query := query
		sub, err := q.store.Watch(context.Background(), query.Start, query.End, func(ev store.Events) {
			q.handleEvents(query, ev)
		})
		if err != nil {
			// The failed range stays outstanding: part of the circle has no
			// coverage, so ready is deferred until a later range diff
			// manages to open it.
			q.log.Warn("range subscription failed",
				zap.String("start", query.Start),
				zap.String("end", query.End),
				zap.Error(err),
			)
			q.postErrorLocked(&QueryError{Start: query.Start, End: query.End, Err: err})
			continue
		}
		q.subs[query] = sub
		metrics.RangeSubscriptions.Inc()
	}

	// Containment may have flipped for any cached document; re-evaluate
	// without waiting for fresh snapshots. Only the inside/outside
	// transition matters here, the documents themselves did not change.
	for key, info := range q.locations {
		q.reevaluateLocked(key, info)
	}

	for key, info := range q.locations {
		if !q.coveredLocked(info.hash) {
			delete(q.locations, key)
			metrics.TrackedDocuments.Dec()
		}
	}

	q.checkReadyLocked()
}

// coveredLocked reports whether any active range covers the hash.
func (q *GeoQuery) coveredLocked(hash string) bool {
	for query := range q.subs {
		if query.Contains(hash) {
			return true
		}
	}
	return false
}

// handleEvents is the single entry point for all store deliveries.
func (q *GeoQuery) handleEvents(query geohash.Query, ev store.Events) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, active := q.subs[query]; !active {
		return // range was cancelled while the delivery was in flight
	}

	if ev.Err != nil {
		metrics.WatchBatchesTotal.WithLabelValues("error").Inc()
		q.log.Warn("range subscription error",
			zap.String("start", query.Start),
			zap.String("end", query.End),
			zap.Error(ev.Err),
		)
		// The range stays outstanding: a failed range never contributes a
		// ready signal.
		q.postErrorLocked(&QueryError{Start: query.Start, End: query.End, Err: ev.Err})
		return
	}

	metrics.WatchBatchesTotal.WithLabelValues("ok").Inc()
	for _, c := range ev.Changes {
		q.handleChangeLocked(query, c)
	}

	if ev.Snapshot {
		delete(q.outstanding, query)
		q.checkReadyLocked()
	}
}

func (q *GeoQuery) handleChangeLocked(query geohash.Query, c store.Change) {
	switch c.Kind {
	case store.Added, store.Modified:
		point, err := pointFromCoords(c.Doc.Coords)
		if err != nil {
			q.log.Warn("skipping document with undecodable location",
				zap.String("key", c.Doc.Key),
				zap.Error(err),
			)
			q.dropLocationLocked(c.Doc.Key)
			return
		}
		hash := c.Doc.GeoHash
		if hash == "" {
			hash, _ = geohash.Encode(point.Latitude, point.Longitude, geohash.DefaultPrecision)
		}
		q.updateLocationLocked(c.Doc.Key, point, hash)
	case store.Removed:
		q.removeLocationLocked(query, c.Doc.Key)
	}
}

// updateLocationLocked runs the containment state machine for one observed
// document position and emits the corresponding events.
func (q *GeoQuery) updateLocationLocked(key string, point Point, hash string) {
	info, exists := q.locations[key]
	wasIn := exists && info.inQuery
	movedLocation := exists && info.point != point
	isIn := point.DistanceMeters(q.center) <= q.radiusMeters
	doc := Document{Key: key, GeoHash: hash, Location: point}

	switch {
	case isIn && !wasIn:
		q.postEventLocked("entered", func(l DataEventListener) { l.OnDocumentEntered(doc) })
	case isIn && wasIn:
		if movedLocation {
			q.postEventLocked("moved", func(l DataEventListener) { l.OnDocumentMoved(doc) })
		}
		// Every update to an in-region document is a change; moved is the
		// strict subset flag for location updates.
		q.postEventLocked("changed", func(l DataEventListener) { l.OnDocumentChanged(doc) })
	case !isIn && wasIn:
		q.postEventLocked("exited", func(l DataEventListener) { l.OnDocumentExited(doc) })
	}

	if !exists {
		metrics.TrackedDocuments.Inc()
	}
	q.locations[key] = &locationInfo{point: point, hash: hash, inQuery: isIn}
}

// reevaluateLocked re-checks a cached document against the current circle
// after a center or radius change and emits the entered/exited transition.
func (q *GeoQuery) reevaluateLocked(key string, info *locationInfo) {
	isIn := info.point.DistanceMeters(q.center) <= q.radiusMeters
	if isIn == info.inQuery {
		return
	}
	info.inQuery = isIn
	doc := Document{Key: key, GeoHash: info.hash, Location: info.point}
	if isIn {
		q.postEventLocked("entered", func(l DataEventListener) { l.OnDocumentEntered(doc) })
	} else {
		q.postEventLocked("exited", func(l DataEventListener) { l.OnDocumentExited(doc) })
	}
}

// removeLocationLocked handles a removal reported by one range. A removal is
// stale if the document has since been observed at a hash outside that
// range; otherwise the store is re-read to distinguish a genuine delete from
// the document racing into a sibling range.
func (q *GeoQuery) removeLocationLocked(from geohash.Query, key string) {
	info, ok := q.locations[key]
	if !ok {
		return
	}
	if !from.Contains(info.hash) {
		return
	}
	go q.confirmRemoval(key)
}

// confirmRemoval re-reads a removed key. If it is gone, or now lives at a
// hash no range covers, the cache entry is purged, with an exited event if
// it was inside the circle. If it still exists at a covered hash and an
// unchanged position the removal was noise and nothing fires; a changed
// position goes through the normal update path.
func (q *GeoQuery) confirmRemoval(key string) {
	doc, err := q.store.Get(context.Background(), key)

	q.mu.Lock()
	defer q.mu.Unlock()

	info, tracked := q.locations[key]
	if !tracked {
		return
	}

	if err == nil {
		if point, perr := pointFromCoords(doc.Coords); perr == nil && q.coveredLocked(doc.GeoHash) {
			if point == info.point {
				// Same position: the removal was a cross-range artifact and
				// the document did not actually update. No event.
				info.hash = doc.GeoHash
				return
			}
			q.updateLocationLocked(key, point, doc.GeoHash)
			return
		}
	} else if !errors.Is(err, store.ErrKeyNotFound) {
		q.log.Warn("removal re-read failed, treating as deleted",
			zap.String("key", key),
			zap.Error(err),
		)
	}

	q.dropLocationLocked(key)
}

// dropLocationLocked purges a cache entry, emitting exited if the document
// was inside the circle.
func (q *GeoQuery) dropLocationLocked(key string) {
	info, ok := q.locations[key]
	if !ok {
		return
	}
	if info.inQuery {
		doc := Document{Key: key, GeoHash: info.hash, Location: info.point}
		q.postEventLocked("exited", func(l DataEventListener) { l.OnDocumentExited(doc) })
	}
	delete(q.locations, key)
	metrics.TrackedDocuments.Dec()
}

// checkReadyLocked fires ready when no range is awaiting its first
// snapshot. Called after every snapshot arrival and at the end of each
// range diff, so each settling generation reports exactly once.
func (q *GeoQuery) checkReadyLocked() {
	if q.subs == nil || len(q.outstanding) > 0 {
		return
	}
	q.postEventLocked("ready", func(l DataEventListener) { l.OnQueryReady() })
}

func (q *GeoQuery) postErrorLocked(qerr *QueryError) {
	q.postEventLocked("error", func(l DataEventListener) { l.OnQueryError(qerr) })
}

// postEventLocked captures the current listener set and schedules delivery
// on the event loop, outside the engine lock.
func (q *GeoQuery) postEventLocked(event string, fire func(DataEventListener)) {
	if q.events == nil || len(q.listeners) == 0 {
		return
	}
	targets := append([]DataEventListener(nil), q.listeners...)
	q.events.post(func() {
		metrics.QueryEventsTotal.WithLabelValues(event).Inc()
		for _, l := range targets {
			fire(l)
		}
	})
}
