package usecases

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shanayatunk/feelori-whatsapp-chat/internal/entities"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/infrastructure"
)

// sliceQueue hands out queued entries and records acks.
type sliceQueue struct {
	mu        sync.Mutex
	entries   []*entities.QueueEntry
	acked     []string
	failFirst int
	dequeues  int
}

func (q *sliceQueue) Enqueue(_ context.Context, msg entities.InboundMessage) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := fmt.Sprintf("%d-0", len(q.entries)+len(q.acked)+1)
	q.entries = append(q.entries, &entities.QueueEntry{EntryID: id, Message: msg})
	return id, nil
}

func (q *sliceQueue) Dequeue(ctx context.Context, _ string, block time.Duration) (*entities.QueueEntry, error) {
	q.mu.Lock()
	q.dequeues++
	if q.failFirst > 0 {
		q.failFirst--
		q.mu.Unlock()
		return nil, errors.New("redis: connection refused")
	}
	if len(q.entries) > 0 {
		e := q.entries[0]
		q.entries = q.entries[1:]
		q.mu.Unlock()
		return e, nil
	}
	q.mu.Unlock()
	select {
	case <-ctx.Done():
	case <-time.After(min(block, 10*time.Millisecond)):
	}
	return nil, nil
}

func (q *sliceQueue) Acknowledge(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, id)
	return nil
}

func (q *sliceQueue) Length(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.entries)), nil
}

func (q *sliceQueue) Acked() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acked...)
}

type funcProcessor func(ctx context.Context, entry *entities.QueueEntry) error

func (f funcProcessor) Process(ctx context.Context, entry *entities.QueueEntry) error {
	return f(ctx, entry)
}

func TestWorkerPool_AcksEveryEntryEvenOnFailure(t *testing.T) {
	queue := &sliceQueue{}
	for i := 0; i < 6; i++ {
		_, _ = queue.Enqueue(context.Background(), entities.InboundMessage{ID: fmt.Sprintf("m%d", i)})
	}

	var processed atomic.Int32
	pool := NewWorkerPool(queue, funcProcessor(func(_ context.Context, e *entities.QueueEntry) error {
		processed.Add(1)
		switch e.Message.ID {
		case "m1":
			return errors.New("delivery failed")
		case "m2":
			panic("handler bug")
		}
		return nil
	}), 50*time.Millisecond, quietLogger())

	pool.Start(context.Background(), 3)
	require.Eventually(t, func() bool { return len(queue.Acked()) == 6 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, int32(6), processed.Load())
}

func TestWorkerPool_BacksOffOnDequeueErrors(t *testing.T) {
	queue := &sliceQueue{failFirst: 2}
	_, _ = queue.Enqueue(context.Background(), entities.InboundMessage{ID: "late"})

	pool := NewWorkerPool(queue, funcProcessor(func(context.Context, *entities.QueueEntry) error { return nil }),
		10*time.Millisecond, quietLogger())

	start := time.Now()
	pool.Start(context.Background(), 1)
	require.Eventually(t, func() bool { return len(queue.Acked()) == 1 }, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Stop(time.Second))

	// 200ms then 400ms
	assert.GreaterOrEqual(t, time.Since(start), 600*time.Millisecond)
}

func TestWorkerPool_StopFinishesInFlightEntry(t *testing.T) {
	queue := &sliceQueue{}
	_, _ = queue.Enqueue(context.Background(), entities.InboundMessage{ID: "slow"})

	started := make(chan struct{})
	var ctxErr atomic.Value
	pool := NewWorkerPool(queue, funcProcessor(func(ctx context.Context, _ *entities.QueueEntry) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		if err := ctx.Err(); err != nil {
			ctxErr.Store(err)
		}
		return nil
	}), 10*time.Millisecond, quietLogger())

	pool.Start(context.Background(), 1)
	<-started
	require.NoError(t, pool.Stop(2*time.Second))

	assert.Equal(t, []string{"1-0"}, queue.Acked())
	assert.Nil(t, ctxErr.Load(), "processing context must survive shutdown")
}

func TestWorkerPool_StopTimesOut(t *testing.T) {
	queue := &sliceQueue{}
	_, _ = queue.Enqueue(context.Background(), entities.InboundMessage{ID: "stuck"})

	release := make(chan struct{})
	started := make(chan struct{})
	pool := NewWorkerPool(queue, funcProcessor(func(context.Context, *entities.QueueEntry) error {
		close(started)
		<-release
		return nil
	}), 10*time.Millisecond, quietLogger())

	pool.Start(context.Background(), 1)
	<-started
	assert.Error(t, pool.Stop(20*time.Millisecond))
	close(release)
}

func TestWorkerPool_WithRedisStream(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()

	queue := infrastructure.NewRedisMessageQueue(rdb, infrastructure.QueueOptions{
		Stream: "test:messages", Group: "workers", MaxLen: 1000, VisibilityTimeout: time.Minute,
	}, quietLogger())
	require.NoError(t, queue.EnsureGroup(ctx))

	f := newServiceFixture()
	for i := 0; i < 3; i++ {
		_, err := queue.Enqueue(ctx, entities.InboundMessage{
			ID: fmt.Sprintf("wamid.%d", i), SenderID: sender, Text: "thanks", Kind: entities.KindText,
		})
		require.NoError(t, err)
	}

	pool := NewWorkerPool(queue, f.svc, 20*time.Millisecond, quietLogger())
	pool.Start(ctx, 2)
	require.Eventually(t, func() bool {
		pending, err := queue.Pending(ctx)
		return err == nil && pending == 0 && len(f.messenger.Sent()) == 3
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, pool.Stop(time.Second))

	for _, m := range f.messenger.Sent() {
		assert.Equal(t, thanksReply, m.Text)
	}
}
