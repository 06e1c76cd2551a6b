package app

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisRateLimiter implements distributed fixed-window rate limiting using Redis.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "rewards:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisRateLimiter{
		client: client,
		prefix: trimmedPrefix,
	}
}

func (r *RedisRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, normalizedScope, normalizedSubject)
	rawResult, err := fixedWindowScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}

	currentCount, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}

	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(currentCount), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	return int(currentCount), ceilSeconds(time.Duration(ttlMs) * time.Millisecond), nil
}

const maxLocalLimiters = 10000

type localBucket struct {
	limiter  *rate.Limiter
	window   time.Duration
	lastSeen time.Time
}

// LocalRateLimiter is an in-process token bucket per subject. It is used when
// Redis is not configured and as the fallback when Redis is unreachable.
type LocalRateLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*localBucket
	maxBuckets int
	now        func() time.Time
}

func NewLocalRateLimiter() *LocalRateLimiter {
	return &LocalRateLimiter{
		buckets:    make(map[string]*localBucket),
		maxBuckets: maxLocalLimiters,
		now:        time.Now,
	}
}

// ConsumeRateLimit takes one token. When the bucket is empty it reports a
// count above limit so callers treat both limiters alike.
func (l *LocalRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if limit <= 0 || window <= 0 {
		return 0, 0, nil
	}
	key := strings.TrimSpace(scope) + ":" + strings.TrimSpace(subject)
	now := l.now()

	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxBuckets {
			l.evictLocked(now)
		}
		bucket = &localBucket{
			limiter: rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit),
			window:  window,
		}
		l.buckets[key] = bucket
	}
	bucket.lastSeen = now
	limiter := bucket.limiter
	l.mu.Unlock()

	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return limit + 1, ceilSeconds(window), nil
	}
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		return limit + 1, ceilSeconds(delay), nil
	}
	return 1, 0, nil
}

// evictLocked drops buckets idle for a full window, which have refilled and
// behave like fresh ones. If every bucket is still active the least recently
// used one goes.
func (l *LocalRateLimiter) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for key, bucket := range l.buckets {
		if now.Sub(bucket.lastSeen) >= bucket.window {
			delete(l.buckets, key)
			continue
		}
		if oldestKey == "" || bucket.lastSeen.Before(oldest) {
			oldestKey, oldest = key, bucket.lastSeen
		}
	}
	if len(l.buckets) >= l.maxBuckets && oldestKey != "" {
		delete(l.buckets, oldestKey)
	}
}

// FallbackRateLimiter consults primary and switches to fallback for any call
// where primary fails.
type FallbackRateLimiter struct {
	primary  RateLimiter
	fallback RateLimiter
}

func NewFallbackRateLimiter(primary, fallback RateLimiter) *FallbackRateLimiter {
	return &FallbackRateLimiter{primary: primary, fallback: fallback}
}

func (f *FallbackRateLimiter) ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (int, int, error) {
	count, retryAfter, err := f.primary.ConsumeRateLimit(ctx, scope, subject, limit, window)
	if err == nil {
		return count, retryAfter, nil
	}
	log.Printf("level=warn component=rate_limiter msg=\"primary limiter failed; using local fallback\" scope=%s err=%v", scope, err)
	return f.fallback.ConsumeRateLimit(ctx, scope, subject, limit, window)
}

func ceilSeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
