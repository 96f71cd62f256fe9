package geowatch

import (
	"go.uber.org/zap"

	"github.com/kailas-cloud/geowatch/internal/store"
)

// Option configures the Client.
type Option func(*clientConfig)

type clientConfig struct {
	driver string // "memory", "redis" or "firestore"

	// redis
	addr     string
	password string

	// firestore
	projectID       string
	collection      string
	credentialsFile string

	custom    store.Store
	keyPrefix string
	precision int
	logger    *zap.Logger
}

// WithMemory configures the client to use the in-process store. Useful for
// tests and single-binary deployments; data does not survive a restart.
func WithMemory() Option {
	return func(c *clientConfig) {
		c.driver = "memory"
	}
}

// WithRedis configures the client to connect to a Redis instance.
func WithRedis(addr, password string) Option {
	return func(c *clientConfig) {
		c.driver = "redis"
		c.addr = addr
		c.password = password
	}
}

// WithFirestore configures the client to use a Cloud Firestore collection.
// credentialsFile may be empty to use application default credentials.
func WithFirestore(projectID, collection, credentialsFile string) Option {
	return func(c *clientConfig) {
		c.driver = "firestore"
		c.projectID = projectID
		c.collection = collection
		c.credentialsFile = credentialsFile
	}
}

// WithStore plugs in a custom storage backend. The client takes ownership
// and closes it on Close.
func WithStore(s store.Store) Option {
	return func(c *clientConfig) {
		c.custom = s
	}
}

// WithKeyPrefix namespaces all keys written by this client. Applies to the
// redis driver only; other drivers ignore it.
func WithKeyPrefix(prefix string) Option {
	return func(c *clientConfig) {
		c.keyPrefix = prefix
	}
}

// WithPrecision sets the geohash precision used when writing locations.
// Defaults to 10 characters (about half a meter of cell error).
func WithPrecision(chars int) Option {
	return func(c *clientConfig) {
		c.precision = chars
	}
}

// WithLogger enables structured logging for client and query operations.
// Pass nil to disable (default).
func WithLogger(l *zap.Logger) Option {
	return func(c *clientConfig) {
		c.logger = l
	}
}
