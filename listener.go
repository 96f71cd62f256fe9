package geowatch

// Document is the tracked form of a stored location record as seen by
// data listeners.
type Document struct {
	Key      string
	GeoHash  string
	Location Point
}

// DataEventListener receives the full document-level event stream of a
// GeoQuery.
//
// Entered fires when a document's location first falls inside the query
// circle, and again whenever it re-enters after an exit. Moved fires when an
// inside document's location changes; Changed fires on every update to an
// inside document, after Moved when both apply. Exited fires when a tracked
// inside document leaves the circle or is deleted.
//
// Ready fires once all active ranges have delivered their initial snapshot,
// and again after each center/radius change once the new ranges settle.
// QueryError reports a backend failure for one range; the query keeps
// running on its remaining ranges.
type DataEventListener interface {
	OnDocumentEntered(doc Document)
	OnDocumentExited(doc Document)
	OnDocumentMoved(doc Document)
	OnDocumentChanged(doc Document)
	OnQueryReady()
	OnQueryError(err error)
}

// EventListener is the simplified key-level event surface. It observes the
// same stream as DataEventListener minus the Changed events.
type EventListener interface {
	OnKeyEntered(key string, location Point)
	OnKeyExited(key string)
	OnKeyMoved(key string, location Point)
	OnQueryReady()
	OnQueryError(err error)
}

// listenerBridge adapts an EventListener onto the document-level interface
// so the engine has a single event-producing path.
type listenerBridge struct {
	inner EventListener
}

var _ DataEventListener = (*listenerBridge)(nil)

func (b *listenerBridge) OnDocumentEntered(doc Document) {
	b.inner.OnKeyEntered(doc.Key, doc.Location)
}

func (b *listenerBridge) OnDocumentExited(doc Document) {
	b.inner.OnKeyExited(doc.Key)
}

func (b *listenerBridge) OnDocumentMoved(doc Document) {
	b.inner.OnKeyMoved(doc.Key, doc.Location)
}

func (b *listenerBridge) OnDocumentChanged(Document) {
	// The simplified surface has no changed notion; moved already fired.
}

func (b *listenerBridge) OnQueryReady() {
	b.inner.OnQueryReady()
}

func (b *listenerBridge) OnQueryError(err error) {
	b.inner.OnQueryError(err)
}

// sameListener compares listener identities, unwrapping bridges so the same
// EventListener registered through the simplified surface is recognized.
func sameListener(a, b DataEventListener) bool {
	ba, aIsBridge := a.(*listenerBridge)
	bb, bIsBridge := b.(*listenerBridge)
	if aIsBridge != bIsBridge {
		return false
	}
	if aIsBridge {
		return ba.inner == bb.inner
	}
	return a == b
}
