package infrastructure

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// SessionStore keeps short-lived per-sender processing state in Redis:
// a best-effort processing lock and the set of already-answered message ids.
type SessionStore struct {
	rdb          redis.UniversalClient
	locker       *redislock.Client
	prefix       string
	lockTTL      time.Duration
	lockWait     time.Duration
	processedTTL time.Duration
	logger       logrus.FieldLogger
}

// NewSessionStore holds sender locks for lockTTL, which should cover the
// longest time one message may take to process.
func NewSessionStore(rdb redis.UniversalClient, prefix string, lockTTL time.Duration, logger logrus.FieldLogger) *SessionStore {
	return &SessionStore{
		rdb:          rdb,
		locker:       redislock.New(rdb),
		prefix:       prefix,
		lockTTL:      lockTTL,
		lockWait:     5 * time.Second,
		processedTTL: 24 * time.Hour,
		logger:       logger,
	}
}

// Lock waits briefly for the sender's processing lock. When the lock can't
// be obtained processing continues without it; the release func is never nil.
func (s *SessionStore) Lock(ctx context.Context, sender string) func() {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()

	lock, err := s.locker.Obtain(lockCtx, s.prefix+"lock:"+sender, s.lockTTL, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(100 * time.Millisecond),
	})
	if err != nil {
		if !errors.Is(err, redislock.ErrNotObtained) && !errors.Is(err, context.DeadlineExceeded) {
			s.logger.WithError(err).WithField("phone", sender).Warn("sender lock unavailable")
		}
		return func() {}
	}
	return func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			s.logger.WithError(err).WithField("phone", sender).Warn("failed to release sender lock")
		}
	}
}

// Seen reports whether a reply to messageID was already delivered.
// Store errors report false so the message is processed.
func (s *SessionStore) Seen(ctx context.Context, messageID string) bool {
	if messageID == "" {
		return false
	}
	n, err := s.rdb.Exists(ctx, s.prefix+"processed:"+messageID).Result()
	if err != nil {
		s.logger.WithError(err).Warn("processed-id lookup failed")
		return false
	}
	return n > 0
}

func (s *SessionStore) MarkProcessed(ctx context.Context, messageID string) {
	if messageID == "" {
		return
	}
	if err := s.rdb.SetNX(ctx, s.prefix+"processed:"+messageID, 1, s.processedTTL).Err(); err != nil {
		s.logger.WithError(err).Warn("failed to mark message processed")
	}
}
