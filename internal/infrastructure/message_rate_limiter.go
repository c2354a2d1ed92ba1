package infrastructure

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// slidingWindowScript prunes stale markers, counts the rest and adds a
// marker only when the subject is under its limit, in one round trip.
// KEYS[1] subject key; ARGV: now ms, cutoff ms, limit, member, ttl ms.
var slidingWindowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
if count < tonumber(ARGV[3]) then
	redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
	redis.call('PEXPIRE', KEYS[1], ARGV[5])
	return 1
end
return 0
`)

// SlidingWindowLimiter admits at most limit requests per subject within
// the trailing window. Store errors admit the request.
type SlidingWindowLimiter struct {
	rdb    redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
	logger logrus.FieldLogger
}

func NewSlidingWindowLimiter(rdb redis.UniversalClient, prefix string, limit int, window time.Duration, logger logrus.FieldLogger) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		rdb:    rdb,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    time.Now,
		logger: logger,
	}
}

// Allow records the request when it is admitted.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string) bool {
	now := l.now()
	cutoff := now.Add(-l.window).UnixMilli()
	member := strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString()

	res, err := slidingWindowScript.Run(ctx, l.rdb, []string{l.prefix + key},
		now.UnixMilli(), cutoff, l.limit, member, l.window.Milliseconds()).Int()
	if err != nil {
		l.logger.WithError(err).WithField("key", l.prefix+key).Warn("rate limiter unavailable, allowing request")
		return true
	}
	return res == 1
}

func (l *SlidingWindowLimiter) Limit() int             { return l.limit }
func (l *SlidingWindowLimiter) Window() time.Duration { return l.window }

// LockoutTracker locks a subject out once it has MaxAttempts recorded
// attempts within the trailing lockout duration.
type LockoutTracker struct {
	rdb         redis.UniversalClient
	prefix      string
	maxAttempts int
	duration    time.Duration
	now         func() time.Time
	logger      logrus.FieldLogger
}

func NewLockoutTracker(rdb redis.UniversalClient, prefix string, maxAttempts int, duration time.Duration, logger logrus.FieldLogger) *LockoutTracker {
	return &LockoutTracker{
		rdb:         rdb,
		prefix:      prefix,
		maxAttempts: maxAttempts,
		duration:    duration,
		now:         time.Now,
		logger:      logger,
	}
}

// Allow reports whether key is not locked out. Expired attempts are pruned here.
func (t *LockoutTracker) Allow(ctx context.Context, key string) bool {
	k := t.prefix + key
	cutoff := t.now().Add(-t.duration).UnixMilli()

	var card *redis.IntCmd
	_, err := t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(cutoff, 10))
		card = pipe.ZCard(ctx, k)
		return nil
	})
	if err != nil {
		t.logger.WithError(err).WithField("key", k).Warn("lockout store unavailable, allowing attempt")
		return true
	}
	return card.Val() < int64(t.maxAttempts)
}

// Record stores one failed attempt for key.
func (t *LockoutTracker) Record(ctx context.Context, key string) {
	k := t.prefix + key
	now := t.now()
	_, err := t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, k, redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()),
		})
		pipe.PExpire(ctx, k, t.duration)
		return nil
	})
	if err != nil {
		t.logger.WithError(err).WithField("key", k).Warn("failed to record lockout attempt")
	}
}

// Reset clears recorded attempts, e.g. after a successful login.
func (t *LockoutTracker) Reset(ctx context.Context, key string) {
	if err := t.rdb.Del(ctx, t.prefix+key).Err(); err != nil {
		t.logger.WithError(err).Warn("failed to reset lockout")
	}
}

func (t *LockoutTracker) Duration() time.Duration { return t.duration }
