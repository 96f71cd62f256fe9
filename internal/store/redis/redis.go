// Package redis implements the location store on Redis via rueidis.
//
// Layout: each document is a hash at <prefix>geo:doc:<key> with fields g,
// lat and lng. A sorted set at <prefix>geo:index holds one member
// "<geohash>#<key>" per document at score 0, so geohash ranges map to
// ZRANGEBYLEX scans. Every mutation is published as JSON on
// <prefix>geo:events; watchers fold the feed into per-range change streams.
package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/rueidis"

	"github.com/kailas-cloud/geowatch/internal/store"
)

// Compile-time check: Store implements store.Store.
var _ store.Store = (*Store)(nil)

// Config holds connection parameters for a Redis store.
type Config struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

// Store implements store.Store via rueidis for Redis 6+.
type Store struct {
	client rueidis.Client
	prefix string

	mu       sync.Mutex
	closed   bool
	nextID   int
	watchers map[int]*watcher

	subCancel context.CancelFunc
	subDone   chan struct{}
}

// NewStore creates a Redis store via rueidis.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("addr is required")
	}

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{cfg.Addr},
		Username:     cfg.Username,
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	return &Store{
		client:   client,
		prefix:   cfg.KeyPrefix,
		watchers: make(map[int]*watcher),
	}, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	cmd := s.b().Ping().Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// WaitForReady polls Ping until the store responds or timeout expires.
func (s *Store) WaitForReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for database: %w", ctx.Err())
		case <-ticker.C:
			if err := s.Ping(ctx); err == nil {
				return nil
			}
		}
	}
}

// Close cancels all watchers and shuts down the client.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	watchers := s.watchers
	s.watchers = make(map[int]*watcher)
	cancel := s.subCancel
	done := s.subDone
	s.subCancel = nil
	s.subDone = nil
	s.mu.Unlock()

	for _, w := range watchers {
		w.shutdown()
	}
	if cancel != nil {
		cancel()
		<-done
	}
	s.client.Close()
	return nil
}

func (s *Store) do(ctx context.Context, cmd rueidis.Completed) rueidis.RedisResult {
	return s.client.Do(ctx, cmd)
}

func (s *Store) b() rueidis.Builder {
	return s.client.B()
}

func (s *Store) docKey(key string) string {
	return s.prefix + "geo:doc:" + key
}

func (s *Store) indexKey() string {
	return s.prefix + "geo:index"
}

func (s *Store) eventsChannel() string {
	return s.prefix + "geo:events"
}

// indexMember builds the sorted-set member for a document. The separator
// sorts below every geohash character, so a member never outsorts a range
// bound that its geohash is a strict prefix of.
func indexMember(hash, key string) string {
	return hash + "#" + key
}

func splitIndexMember(member string) (hash, key string, ok bool) {
	i := strings.IndexByte(member, '#')
	if i < 0 {
		return "", "", false
	}
	return member[:i], member[i+1:], true
}
