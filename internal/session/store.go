package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/opencorpora/researchd/internal/metrics"
	"github.com/opencorpora/researchd/internal/research"
)

// ErrNotFound indicates no transcript exists for the requested session.
var ErrNotFound = errors.New("transcript not found")

// Store persists finished research transcripts in Redis with a local
// read cache. Transcripts are write-once: Save overwrites are allowed
// only because retries may re-deliver the same terminal session.
type Store struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration

	mu       sync.RWMutex
	cache    map[string]*research.Session
	access   map[string]time.Time
	maxCache int
}

// NewStore connects to Redis and verifies the connection.
func NewStore(redisAddr string, ttl time.Duration, logger *zap.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	if ttl == 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Store{
		client:   client,
		logger:   logger,
		ttl:      ttl,
		cache:    make(map[string]*research.Session),
		access:   make(map[string]time.Time),
		maxCache: 1000,
	}, nil
}

// NewStoreWithClient wraps an existing client. Used by tests.
func NewStoreWithClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl == 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Store{
		client:   client,
		logger:   logger,
		ttl:      ttl,
		cache:    make(map[string]*research.Session),
		access:   make(map[string]time.Time),
		maxCache: 1000,
	}
}

// Save writes the transcript to Redis and refreshes the local cache.
func (s *Store) Save(ctx context.Context, sess *research.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sess.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store transcript: %w", err)
	}

	s.mu.Lock()
	s.cache[sess.ID] = sess.Clone()
	s.access[sess.ID] = time.Now()
	s.evictStale()
	metrics.TranscriptCacheSize.Set(float64(len(s.cache)))
	s.mu.Unlock()

	s.logger.Debug("transcript saved",
		zap.String("session_id", sess.ID),
		zap.String("status", string(sess.Status)),
	)
	return nil
}

// Get returns the transcript for a session, from cache when warm.
func (s *Store) Get(ctx context.Context, sessionID string) (*research.Session, error) {
	s.mu.RLock()
	cached, ok := s.cache[sessionID]
	s.mu.RUnlock()
	if ok {
		s.mu.Lock()
		s.access[sessionID] = time.Now()
		s.mu.Unlock()
		// Clone so concurrent readers never share mutable state.
		return cached.Clone(), nil
	}

	data, err := s.client.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load transcript: %w", err)
	}

	var sess research.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}

	s.mu.Lock()
	s.cache[sessionID] = sess.Clone()
	s.access[sessionID] = time.Now()
	s.evictStale()
	metrics.TranscriptCacheSize.Set(float64(len(s.cache)))
	s.mu.Unlock()
	return &sess, nil
}

// Delete removes a transcript from Redis and the cache.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete transcript: %w", err)
	}
	s.mu.Lock()
	delete(s.cache, sessionID)
	delete(s.access, sessionID)
	metrics.TranscriptCacheSize.Set(float64(len(s.cache)))
	s.mu.Unlock()
	return nil
}

// Ping verifies the Redis connection, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(sessionID string) string {
	return "transcript:" + sessionID
}

// evictStale drops the least recently read half of the cache when it
// grows past maxCache. Caller holds the write lock.
func (s *Store) evictStale() {
	if len(s.cache) <= s.maxCache {
		return
	}
	type entry struct {
		id string
		at time.Time
	}
	entries := make([]entry, 0, len(s.cache))
	for id := range s.cache {
		entries = append(entries, entry{id: id, at: s.access[id]})
	}
	for i := 0; i < len(entries)-1; i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].at.Before(entries[i].at) {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	for i := 0; i < s.maxCache/2 && i < len(entries); i++ {
		delete(s.cache, entries[i].id)
		delete(s.access, entries[i].id)
	}
}
