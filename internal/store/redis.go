package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"copytrade-engine/internal/logging"
)

// dedupKeyPrefix namespaces notification dedup keys.
// Format: copytrade:notified:{dedup_key}
const dedupKeyPrefix = "copytrade:notified"

// DefaultDedupTTL keeps dedup keys for a week; completed signals never
// notify again within that window even across restarts.
const DefaultDedupTTL = 7 * 24 * time.Hour

// maxFallbackKeys bounds the in-memory set used when Redis is absent or
// unreachable; oldest claims are evicted once the cap is exceeded.
const maxFallbackKeys = 10000

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// NewRedisClient connects to Redis and verifies with a ping.
func NewRedisClient(cfg RedisConfig, logger *logging.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("unable to ping redis: %w", err)
	}

	if logger != nil {
		logger.Info("Connected to Redis", "addr", cfg.Addr)
	}
	return client, nil
}

// DedupStore records notification keys at most once. With a Redis client
// the claim is durable across restarts; without one it degrades to an
// in-memory set for the process lifetime.
type DedupStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

// NewDedupStore creates a dedup store. client may be nil.
func NewDedupStore(client *redis.Client, ttl time.Duration, logger *logging.Logger) *DedupStore {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DedupStore{
		client: client,
		ttl:    ttl,
		logger: logger.WithComponent("dedup"),
		seen:   make(map[string]struct{}),
	}
}

// Claim atomically marks a key as notified. It returns true exactly once
// per key; subsequent claims return false.
func (s *DedupStore) Claim(ctx context.Context, key string) (bool, error) {
	if s.client != nil {
		redisKey := dedupKeyPrefix + ":" + key
		ok, err := s.client.SetNX(ctx, redisKey, time.Now().UTC().Format(time.RFC3339), s.ttl).Result()
		if err == nil {
			return ok, nil
		}
		// Redis down, fall through to the local set so alerts still
		// dedup within this process.
		s.logger.Warn("Redis dedup unavailable, using in-memory fallback", "error", err)
	}

	return s.claimLocal(key), nil
}

// claimLocal claims a key in the bounded in-memory set, evicting the
// oldest claims once the cap is reached
func (s *DedupStore) claimLocal(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.seen[key]; exists {
		return false
	}
	for len(s.order) >= maxFallbackKeys {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.seen, oldest)
	}
	s.seen[key] = struct{}{}
	s.order = append(s.order, key)
	return true
}

// Seen reports whether a key was already claimed, without claiming it.
func (s *DedupStore) Seen(ctx context.Context, key string) (bool, error) {
	if s.client != nil {
		n, err := s.client.Exists(ctx, dedupKeyPrefix+":"+key).Result()
		if err == nil {
			return n > 0, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.seen[key]
	return exists, nil
}

// Preload marks keys as already claimed, used when restoring persisted
// signals whose targets were hit before a restart.
func (s *DedupStore) Preload(ctx context.Context, keys []string) {
	for _, key := range keys {
		if _, err := s.Claim(ctx, key); err != nil {
			s.logger.Warn("Failed to preload dedup key", "key", key, "error", err)
		}
	}
}
