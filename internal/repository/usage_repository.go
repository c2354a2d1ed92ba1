package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const usageRetention = 35 * 24 * time.Hour

// UsageRepository counts relayed messages per day in Redis hashes.
type UsageRepository struct {
	rdb    *redis.Client
	prefix string
	logger logrus.FieldLogger
	now    func() time.Time
}

type DailyUsage struct {
	Date             string `json:"date"`
	MessagesSent     int64  `json:"messages_sent"`
	MessagesReceived int64  `json:"messages_received"`
}

func NewUsageRepository(rdb *redis.Client, prefix string, logger logrus.FieldLogger) *UsageRepository {
	return &UsageRepository{rdb: rdb, prefix: prefix, logger: logger, now: time.Now}
}

// IncrementSent increments messages_sent for today
func (r *UsageRepository) IncrementSent(ctx context.Context) {
	r.increment(ctx, "sent")
}

// IncrementReceived increments messages_received for today
func (r *UsageRepository) IncrementReceived(ctx context.Context) {
	r.increment(ctx, "received")
}

func (r *UsageRepository) increment(ctx context.Context, field string) {
	key := r.key(r.now())
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, field, 1)
		pipe.Expire(ctx, key, usageRetention)
		return nil
	})
	if err != nil {
		r.logger.WithFields(logrus.Fields{"module": "usage", "field": field}).WithError(err).Warn("usage counter not updated")
	}
}

// GetUsageHistory returns the last n days of usage, oldest first. Missing days read as zero.
func (r *UsageRepository) GetUsageHistory(ctx context.Context, days int) ([]DailyUsage, error) {
	if days <= 0 {
		days = 1
	}
	today := r.now()
	cmds := make([]*redis.MapStringStringCmd, days)
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := 0; i < days; i++ {
			cmds[i] = pipe.HGetAll(ctx, r.key(today.AddDate(0, 0, -(days-1-i))))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	usage := make([]DailyUsage, 0, days)
	for i, cmd := range cmds {
		fields := cmd.Val()
		usage = append(usage, DailyUsage{
			Date:             today.AddDate(0, 0, -(days - 1 - i)).Format("2006-01-02"),
			MessagesSent:     parseCount(fields["sent"]),
			MessagesReceived: parseCount(fields["received"]),
		})
	}
	return usage, nil
}

// GetTodayUsage returns today's message count
func (r *UsageRepository) GetTodayUsage(ctx context.Context) (DailyUsage, error) {
	history, err := r.GetUsageHistory(ctx, 1)
	if err != nil {
		return DailyUsage{}, err
	}
	return history[0], nil
}

func (r *UsageRepository) key(day time.Time) string {
	return r.prefix + "usage:" + day.UTC().Format("2006-01-02")
}

func parseCount(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}
