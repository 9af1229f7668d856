package tlsclient

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStore is a Store backed by Redis, letting a fleet of processes share
// learned configurations: once one instance has probed a URL, the rest skip
// straight to the working backend.
//
// Failure policy follows the Store contract: a Redis error on Lookup is a
// cache miss (the caller re-probes), a Redis error on write is logged and
// dropped. The cache converges as long as writes eventually succeed.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithRedisKeyPrefix overrides the key namespace (default "adaptls").
func WithRedisKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithRedisTTL sets an expiry on stored entries. Zero (the default) stores
// them without expiry; eviction is then entirely Redis policy.
func WithRedisTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithRedisLogger sets the logger for write/read failures.
func WithRedisLogger(logger zerolog.Logger) RedisStoreOption {
	return func(s *RedisStore) {
		s.logger = logger
	}
}

// NewRedisStore creates a Store backed by the given Redis client.
//
//	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"localhost:6379"}})
//	sel := tlsclient.New(tlsclient.WithStore(tlsclient.NewRedisStore(rdb)))
func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "adaptls",
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) backendKey(key string) string {
	return s.prefix + ":backend:" + key
}

func (s *RedisStore) certModeKey(key string) string {
	return s.prefix + ":certmode:" + key
}

// Lookup implements Store.
func (s *RedisStore) Lookup(ctx context.Context, key string) (Entry, bool) {
	vals, err := s.client.MGet(ctx, s.backendKey(key), s.certModeKey(key)).Result()
	if err != nil {
		s.logger.Warn().Err(err).Str("url", key).Msg("redis lookup failed, treating as cache miss")
		return Entry{}, false
	}

	var e Entry
	ok := false
	if v, isString := vals[0].(string); isString {
		e.Backend = parseBackend(v)
		ok = ok || e.Backend != BackendUnknown
	}
	if v, isString := vals[1].(string); isString {
		e.CertMode = parseCertMode(v)
		ok = ok || e.CertMode.Known()
	}
	return e, ok
}

// StoreBackend implements Store.
func (s *RedisStore) StoreBackend(ctx context.Context, key string, backend Backend) {
	if err := s.client.Set(ctx, s.backendKey(key), backend.String(), s.ttl).Err(); err != nil {
		s.logger.Warn().Err(err).Str("url", key).Msg("redis write failed, backend not recorded")
	}
}

// StoreCertMode implements Store.
func (s *RedisStore) StoreCertMode(ctx context.Context, key string, insecure bool) {
	if err := s.client.Set(ctx, s.certModeKey(key), certModeOf(insecure).String(), s.ttl).Err(); err != nil {
		s.logger.Warn().Err(err).Str("url", key).Msg("redis write failed, cert mode not recorded")
	}
}
