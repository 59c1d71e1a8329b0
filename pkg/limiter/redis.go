package limiter

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed fixed_window.lua
var fixedWindowScript string

//go:embed sliding_window.lua
var slidingWindowScript string

// RedisStore implements Store on top of Redis. The two window checks run as
// Lua scripts so the read/compute/write cycle is atomic per key; the risk
// increment runs as a MULTI/EXEC transaction.
type RedisStore struct {
	client  redis.UniversalClient
	fixed   *redis.Script
	sliding *redis.Script
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore pings Redis and preloads both scripts. Script.Run falls back
// to EVAL on NOSCRIPT, so a Redis restart that flushes the script cache does
// not break the store.
//
// The client must be built with ContextTimeoutEnabled: without it go-redis
// bounds socket I/O by ReadTimeout/WriteTimeout and ignores the per-call
// deadline the engine sets with WithTimeout. A *redis.Client or
// *redis.ClusterClient without it is rejected with ErrInvalidConfig.
func NewRedisStore(client redis.UniversalClient) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is nil: %w", ErrInvalidConfig)
	}
	if !contextTimeoutEnabled(client) {
		return nil, fmt.Errorf("redis client must set ContextTimeoutEnabled: %w", ErrInvalidConfig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, storeErr("ping", "", err)
	}

	s := &RedisStore{
		client:  client,
		fixed:   redis.NewScript(fixedWindowScript),
		sliding: redis.NewScript(slidingWindowScript),
	}
	for _, script := range []*redis.Script{s.fixed, s.sliding} {
		if err := script.Load(ctx, client).Err(); err != nil {
			return nil, storeErr("script load", "", err)
		}
	}
	return s, nil
}

func (s *RedisStore) IncrementCheck(ctx context.Context, key string, limit int64, window time.Duration) (int64, error) {
	res, err := s.fixed.Run(ctx, s.client, []string{key}, limit, millis(window)).Int64()
	if err != nil {
		return 0, storeErr("increment check", key, err)
	}
	return res, nil
}

func (s *RedisStore) SlidingWindowCheck(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (int64, error) {
	nowMs := now.UnixMilli()
	cutoff := nowMs - millis(window)
	// Two requests in the same millisecond must not collapse into one member.
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	res, err := s.sliding.Run(ctx, s.client, []string{key},
		limit,          // ARGV[1]
		millis(window), // ARGV[2]
		cutoff,         // ARGV[3]
		nowMs,          // ARGV[4]
		member,         // ARGV[5]
	).Int64()
	if err != nil {
		return 0, storeErr("sliding window check", key, err)
	}
	return res, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (int64, bool, error) {
	v, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storeErr("get", key, err)
	}
	return v, true, nil
}

func (s *RedisStore) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, storeErr("increment", key, err)
	}
	return incr.Val(), nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// contextTimeoutEnabled reports whether client honours context deadlines.
// Client types that do not expose their options are trusted.
func contextTimeoutEnabled(client redis.UniversalClient) bool {
	switch c := client.(type) {
	case *redis.Client:
		return c.Options().ContextTimeoutEnabled
	case *redis.ClusterClient:
		return c.Options().ContextTimeoutEnabled
	default:
		return true
	}
}

// millis rounds d down to milliseconds, never below 1 so PEXPIRE does not
// delete the key outright.
func millis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < 1 {
		return 1
	}
	return ms
}
