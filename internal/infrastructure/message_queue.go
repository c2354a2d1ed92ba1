package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/shanayatunk/feelori-whatsapp-chat/internal/entities"
)

const payloadField = "payload"

// RedisMessageQueue is a Redis Stream read through one consumer group.
// Entries not acknowledged within the visibility timeout are reclaimed by
// the next consumer that dequeues.
type RedisMessageQueue struct {
	rdb        redis.UniversalClient
	stream     string
	group      string
	maxLen     int64
	visibility time.Duration
	now        func() time.Time
	logger     logrus.FieldLogger
}

type QueueOptions struct {
	Stream            string
	Group             string
	MaxLen            int64
	VisibilityTimeout time.Duration
}

func NewRedisMessageQueue(rdb redis.UniversalClient, opts QueueOptions, logger logrus.FieldLogger) *RedisMessageQueue {
	if opts.MaxLen <= 0 {
		opts.MaxLen = 10000
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = time.Minute
	}
	return &RedisMessageQueue{
		rdb:        rdb,
		stream:     opts.Stream,
		group:      opts.Group,
		maxLen:     opts.MaxLen,
		visibility: opts.VisibilityTimeout,
		now:        time.Now,
		logger:     logger.WithField("stream", opts.Stream),
	}
}

// EnsureGroup creates the stream and consumer group if missing.
func (q *RedisMessageQueue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", q.group, err)
	}
	return nil
}

func isNoGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}

// Enqueue appends msg, trimming the stream to roughly maxLen entries.
func (q *RedisMessageQueue) Enqueue(ctx context.Context, msg entities.InboundMessage) (string, error) {
	body, err := json.Marshal(entities.QueueEntry{Message: msg, EnqueuedAt: q.now().UTC()})
	if err != nil {
		return "", fmt.Errorf("encode queue entry: %w", err)
	}
	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]interface{}{payloadField: body},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// Dequeue claims at most one entry for consumer. Stale entries from other
// consumers are reclaimed first; otherwise it waits up to block for a new
// one. It returns nil, nil when nothing is available.
func (q *RedisMessageQueue) Dequeue(ctx context.Context, consumer string, block time.Duration) (*entities.QueueEntry, error) {
	entry, err := q.dequeue(ctx, consumer, block)
	if isNoGroup(err) {
		q.logger.Warn("consumer group missing, recreating")
		if gerr := q.EnsureGroup(ctx); gerr != nil {
			return nil, gerr
		}
		entry, err = q.dequeue(ctx, consumer, block)
	}
	return entry, err
}

func (q *RedisMessageQueue) dequeue(ctx context.Context, consumer string, block time.Duration) (*entities.QueueEntry, error) {
	claimed, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(claimed) > 0 {
		q.logger.WithFields(logrus.Fields{"entry_id": claimed[0].ID, "consumer": consumer}).
			Info("reclaimed unacknowledged entry")
		return q.decode(ctx, claimed[0])
	}

	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, s := range streams {
		if len(s.Messages) > 0 {
			return q.decode(ctx, s.Messages[0])
		}
	}
	return nil, nil
}

// decode drops entries that can never be processed.
func (q *RedisMessageQueue) decode(ctx context.Context, msg redis.XMessage) (*entities.QueueEntry, error) {
	raw, ok := msg.Values[payloadField].(string)
	var entry entities.QueueEntry
	if !ok || json.Unmarshal([]byte(raw), &entry) != nil {
		q.logger.WithField("entry_id", msg.ID).Error("dropping undecodable queue entry")
		if err := q.Acknowledge(ctx, msg.ID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	entry.EntryID = msg.ID
	return &entry, nil
}

func (q *RedisMessageQueue) Acknowledge(ctx context.Context, entryID string) error {
	if err := q.rdb.XAck(ctx, q.stream, q.group, entryID).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", entryID, err)
	}
	return nil
}

func (q *RedisMessageQueue) Length(ctx context.Context) (int64, error) {
	return q.rdb.XLen(ctx, q.stream).Result()
}

// Pending counts entries delivered but not yet acknowledged.
func (q *RedisMessageQueue) Pending(ctx context.Context) (int64, error) {
	p, err := q.rdb.XPending(ctx, q.stream, q.group).Result()
	if isNoGroup(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return p.Count, nil
}
