package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// NewRedisClient connects to the counting store, retrying with capped
// exponential backoff until maxAttempts is exhausted or ctx ends.
func NewRedisClient(ctx context.Context, redisURL string, maxAttempts int, logger *logrus.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse redis url: %w", err)
	}
	if opts.PoolSize == 0 {
		opts.PoolSize = 100
	}

	var attempt int
	for {
		attempt++
		rdb := redis.NewClient(opts)
		pingErr := rdb.Ping(ctx).Err()
		if pingErr == nil {
			logger.WithFields(logrus.Fields{"attempt": attempt, "addr": opts.Addr}).Info("connected to redis")
			return rdb, nil
		}
		_ = rdb.Close()
		if attempt >= maxAttempts {
			return nil, fmt.Errorf("unable to reach redis at %s after %d attempts: %w", opts.Addr, attempt, pingErr)
		}

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{"attempt": attempt, "addr": opts.Addr, "retry_in": sleep.String()}).
			Warnf("failed to connect redis: %v", pingErr)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}
