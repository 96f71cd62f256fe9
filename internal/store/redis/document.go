package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/rueidis"

	"github.com/kailas-cloud/geowatch/internal/store"
)

// changeMessage is the wire form of one mutation on the events channel.
// PrevHash lets subscribers detect a document leaving their range without
// a second lookup.
type changeMessage struct {
	Op       string  `json:"op"` // "put" or "del"
	Key      string  `json:"key"`
	Hash     string  `json:"g"`
	PrevHash string  `json:"prev_g,omitempty"`
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
}

// Put writes a document hash, maintains the range index and publishes the
// change. The previous geohash is read first so a moved document drops its
// old index member in the same round-trip.
func (s *Store) Put(ctx context.Context, doc store.Document) error {
	if doc.Key == "" {
		return &store.Error{Op: store.OpPut, Err: fmt.Errorf("key must not be empty")}
	}
	if len(doc.Coords) != 2 {
		return &store.Error{Op: store.OpPut, Err: fmt.Errorf("coords must be [lat, lng]")}
	}

	prevHash, err := s.currentHash(ctx, doc.Key)
	if err != nil {
		return &store.Error{Op: store.OpPut, Err: err}
	}

	msg := changeMessage{
		Op:       "put",
		Key:      doc.Key,
		Hash:     doc.GeoHash,
		PrevHash: prevHash,
		Lat:      doc.Coords[0],
		Lng:      doc.Coords[1],
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return &store.Error{Op: store.OpPut, Err: err}
	}

	cmds := []rueidis.Completed{
		s.b().Hset().Key(s.docKey(doc.Key)).FieldValue().
			FieldValue("g", doc.GeoHash).
			FieldValue("lat", formatFloat(doc.Coords[0])).
			FieldValue("lng", formatFloat(doc.Coords[1])).
			Build(),
		s.b().Zadd().Key(s.indexKey()).ScoreMember().
			ScoreMember(0, indexMember(doc.GeoHash, doc.Key)).
			Build(),
	}
	if prevHash != "" && prevHash != doc.GeoHash {
		cmds = append(cmds, s.b().Zrem().Key(s.indexKey()).
			Member(indexMember(prevHash, doc.Key)).Build())
	}
	cmds = append(cmds, s.b().Publish().
		Channel(s.eventsChannel()).Message(string(payload)).Build())

	for _, res := range s.client.DoMulti(ctx, cmds...) {
		if err := res.Error(); err != nil {
			return &store.Error{Op: store.OpPut, Err: err}
		}
	}
	return nil
}

// Get reads a document hash. Returns store.ErrKeyNotFound for missing keys.
func (s *Store) Get(ctx context.Context, key string) (store.Document, error) {
	cmd := s.b().Hgetall().Key(s.docKey(key)).Build()
	fields, err := s.do(ctx, cmd).AsStrMap()
	if err != nil {
		return store.Document{}, &store.Error{Op: store.OpGet, Err: err}
	}
	if len(fields) == 0 {
		return store.Document{}, store.ErrKeyNotFound
	}
	return docFromFields(key, fields)
}

// Delete removes a document, its index member and publishes the removal.
// Returns store.ErrKeyNotFound when the key has no document.
func (s *Store) Delete(ctx context.Context, key string) error {
	cmd := s.b().Hgetall().Key(s.docKey(key)).Build()
	fields, err := s.do(ctx, cmd).AsStrMap()
	if err != nil {
		return &store.Error{Op: store.OpDelete, Err: err}
	}
	if len(fields) == 0 {
		return store.ErrKeyNotFound
	}
	doc, err := docFromFields(key, fields)
	if err != nil {
		return &store.Error{Op: store.OpDelete, Err: err}
	}

	msg := changeMessage{
		Op:   "del",
		Key:  key,
		Hash: doc.GeoHash,
		Lat:  doc.Coords[0],
		Lng:  doc.Coords[1],
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return &store.Error{Op: store.OpDelete, Err: err}
	}

	cmds := []rueidis.Completed{
		s.b().Del().Key(s.docKey(key)).Build(),
		s.b().Zrem().Key(s.indexKey()).Member(indexMember(doc.GeoHash, key)).Build(),
		s.b().Publish().Channel(s.eventsChannel()).Message(string(payload)).Build(),
	}
	for _, res := range s.client.DoMulti(ctx, cmds...) {
		if err := res.Error(); err != nil {
			return &store.Error{Op: store.OpDelete, Err: err}
		}
	}
	return nil
}

// currentHash returns the stored geohash of a key, or "" when absent.
func (s *Store) currentHash(ctx context.Context, key string) (string, error) {
	cmd := s.b().Hget().Key(s.docKey(key)).Field("g").Build()
	hash, err := s.do(ctx, cmd).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return "", nil
		}
		return "", err
	}
	return hash, nil
}

func docFromFields(key string, fields map[string]string) (store.Document, error) {
	lat, err := strconv.ParseFloat(fields["lat"], 64)
	if err != nil {
		return store.Document{}, fmt.Errorf("document %q: bad lat %q", key, fields["lat"])
	}
	lng, err := strconv.ParseFloat(fields["lng"], 64)
	if err != nil {
		return store.Document{}, fmt.Errorf("document %q: bad lng %q", key, fields["lng"])
	}
	return store.Document{
		Key:     key,
		GeoHash: fields["g"],
		Coords:  []float64{lat, lng},
	}, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
