package geowatch

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/kailas-cloud/geowatch/internal/geohash"
	"github.com/kailas-cloud/geowatch/internal/store"
	storefirestore "github.com/kailas-cloud/geowatch/internal/store/firestore"
	storememory "github.com/kailas-cloud/geowatch/internal/store/memory"
	storeredis "github.com/kailas-cloud/geowatch/internal/store/redis"
)

// Client is the geowatch entry point. It owns the storage backend, writes
// location documents, and spawns live proximity queries over them.
type Client struct {
	store     store.Store
	precision int
	log       *zap.Logger
}

// New creates a geowatch Client and connects to the configured backend.
func New(opts ...Option) (*Client, error) {
	cfg := &clientConfig{
		precision: geohash.DefaultPrecision,
	}
	for _, o := range opts {
		o(cfg)
	}

	if cfg.precision < 1 || cfg.precision > geohash.MaxPrecision {
		return nil, fmt.Errorf("geowatch: precision must be in [1, %d], got %d",
			geohash.MaxPrecision, cfg.precision)
	}

	st, err := createStore(cfg)
	if err != nil {
		return nil, err
	}

	log := cfg.logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Client{store: st, precision: cfg.precision, log: log}, nil
}

func createStore(cfg *clientConfig) (store.Store, error) {
	if cfg.custom != nil {
		return cfg.custom, nil
	}
	switch cfg.driver {
	case "memory":
		return storememory.New(), nil
	case "redis":
		s, err := storeredis.NewStore(storeredis.Config{
			Addr:      cfg.addr,
			Password:  cfg.password,
			KeyPrefix: cfg.keyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("geowatch: create redis store: %w", err)
		}
		return s, nil
	case "firestore":
		s, err := storefirestore.NewStore(context.Background(), storefirestore.Config{
			ProjectID:       cfg.projectID,
			Collection:      cfg.collection,
			CredentialsFile: cfg.credentialsFile,
		})
		if err != nil {
			return nil, fmt.Errorf("geowatch: create firestore store: %w", err)
		}
		return s, nil
	case "":
		return nil, errors.New("geowatch: backend required (use WithMemory, WithRedis, WithFirestore or WithStore)")
	default:
		return nil, fmt.Errorf("geowatch: unknown driver %q", cfg.driver)
	}
}

// Close releases the backend connection. Queries spawned by this client
// stop receiving events; remove their listeners before closing.
func (c *Client) Close() error {
	return c.store.Close()
}

// SetLocation writes or overwrites the location document for a key. The
// geohash is computed at the client's configured precision.
func (c *Client) SetLocation(ctx context.Context, key string, location Point) error {
	if key == "" {
		return errors.New("geowatch: key must not be empty")
	}
	hash, err := geohash.Encode(location.Latitude, location.Longitude, c.precision)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCoordinates, location)
	}
	doc := store.Document{
		Key:     key,
		GeoHash: hash,
		Coords:  []float64{location.Latitude, location.Longitude},
	}
	if err := c.store.Put(ctx, doc); err != nil {
		return fmt.Errorf("set location %q: %w", key, err)
	}
	return nil
}

// GetLocation reads the stored location of a key. Returns
// store.ErrKeyNotFound (wrapped) when the key has no location.
func (c *Client) GetLocation(ctx context.Context, key string) (Point, error) {
	doc, err := c.store.Get(ctx, key)
	if err != nil {
		return Point{}, fmt.Errorf("get location %q: %w", key, err)
	}
	point, err := pointFromCoords(doc.Coords)
	if err != nil {
		return Point{}, fmt.Errorf("get location %q: %w", key, err)
	}
	return point, nil
}

// RemoveLocation deletes the location document for a key. Removing a key
// without a location is not an error.
func (c *Client) RemoveLocation(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, key); err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("remove location %q: %w", key, err)
	}
	return nil
}

// Query creates a live proximity query centered on the given point with the
// radius in kilometers. The query is idle until a listener is added.
func (c *Client) Query(center Point, radiusKm float64) (*GeoQuery, error) {
	if !center.Valid() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCoordinates, center)
	}
	if radiusKm < 0 || math.IsNaN(radiusKm) {
		return nil, fmt.Errorf("geowatch: radius must be non-negative, got %v", radiusKm)
	}
	return newGeoQuery(c.store, c.log, center, radiusKm), nil
}
