package infrastructure

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// RedisBreakerStore shares breaker state between processes. Each transition
// runs under a short redislock lock so read-modify-write is atomic.
type RedisBreakerStore struct {
	rdb      redis.UniversalClient
	locker   *redislock.Client
	prefix   string
	lockTTL  time.Duration
	lockWait time.Duration
	ttl      time.Duration
}

func NewRedisBreakerStore(rdb redis.UniversalClient, prefix string) *RedisBreakerStore {
	return &RedisBreakerStore{
		rdb:      rdb,
		locker:   redislock.New(rdb),
		prefix:   prefix,
		lockTTL:  2 * time.Second,
		lockWait: 500 * time.Millisecond,
		ttl:      24 * time.Hour,
	}
}

func (s *RedisBreakerStore) key(name string) string {
	return s.prefix + name
}

func (s *RedisBreakerStore) Load(ctx context.Context, name string) (BreakerStatus, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key(name)).Result()
	if err != nil {
		return BreakerStatus{}, fmt.Errorf("load breaker %s: %w", name, err)
	}
	st := BreakerStatus{State: BreakerState(fields["state"])}
	st.Failures, _ = strconv.Atoi(fields["failures"])
	st.Successes, _ = strconv.Atoi(fields["successes"])
	st.LastFailure = parseMillis(fields["last_failure_ms"])
	st.ProbeUntil = parseMillis(fields["probe_until_ms"])
	st.normalize()
	return st, nil
}

func (s *RedisBreakerStore) Update(ctx context.Context, name string, fn func(*BreakerStatus) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()

	lock, err := s.locker.Obtain(lockCtx, s.key(name)+":lock", s.lockTTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(5 * time.Millisecond),
	})
	if err != nil {
		return fmt.Errorf("obtain breaker lock %s: %w", name, err)
	}
	defer lock.Release(context.WithoutCancel(ctx))

	st, err := s.Load(ctx, name)
	if err != nil {
		return err
	}
	if err := fn(&st); err != nil {
		return err
	}

	key := s.key(name)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"state":           string(st.State),
			"failures":        st.Failures,
			"successes":       st.Successes,
			"last_failure_ms": formatMillis(st.LastFailure),
			"probe_until_ms":  formatMillis(st.ProbeUntil),
		})
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save breaker %s: %w", name, err)
	}
	return nil
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func formatMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
