package usecases

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shanayatunk/feelori-whatsapp-chat/internal/config"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/entities"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/interfaces"
)

const (
	minDequeueBackoff = 200 * time.Millisecond
	maxDequeueBackoff = 5 * time.Second
	processTimeout    = config.ProcessingTimeout
)

// Processor handles one dequeued entry.
type Processor interface {
	Process(ctx context.Context, entry *entities.QueueEntry) error
}

// WorkerPool runs independent consumer loops over the message queue.
// Every dequeued entry is acknowledged once processing returns, success or not.
type WorkerPool struct {
	queue     interfaces.MessageQueue
	processor Processor
	block     time.Duration
	consumer  string
	logger    logrus.FieldLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorkerPool(queue interfaces.MessageQueue, processor Processor, block time.Duration, logger logrus.FieldLogger) *WorkerPool {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}
	return &WorkerPool{
		queue:     queue,
		processor: processor,
		block:     block,
		consumer:  fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		logger:    logger.WithField("module", "workers"),
	}
}

// Start launches n consumer loops. Calling Start on a running pool is a no-op.
func (p *WorkerPool) Start(ctx context.Context, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.loop(ctx, fmt.Sprintf("%s-%d", p.consumer, i))
	}
	p.logger.WithField("workers", n).Info("worker pool started")
}

// Stop cancels the loops and waits for in-flight entries until timeout.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-time.After(timeout):
		return errors.New("timed out waiting for workers to finish")
	}
}

func (p *WorkerPool) loop(ctx context.Context, consumer string) {
	defer p.wg.Done()
	log := p.logger.WithField("consumer", consumer)
	backoff := minDequeueBackoff

	for ctx.Err() == nil {
		entry, err := p.queue.Dequeue(ctx, consumer, p.block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).WithField("retry_in", backoff.String()).Warn("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxDequeueBackoff)
			continue
		}
		backoff = minDequeueBackoff
		if entry == nil {
			continue
		}
		p.handle(ctx, log, entry)
	}
}

// handle processes and acks one entry on a context that survives shutdown,
// so an entry picked up before Stop is still finished.
func (p *WorkerPool) handle(ctx context.Context, log logrus.FieldLogger, entry *entities.QueueEntry) {
	workCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), processTimeout)
	defer cancel()
	log = log.WithField("entry_id", entry.EntryID)

	if err := p.safeProcess(workCtx, entry); err != nil {
		config.LogError(log, "workers", "handle", "processing failed, acknowledging anyway",
			logrus.Fields{"message_id": entry.Message.ID}, err)
	}
	if err := p.queue.Acknowledge(workCtx, entry.EntryID); err != nil {
		config.LogError(log, "workers", "handle", "ack failed, entry will be redelivered", nil, err)
	}
}

func (p *WorkerPool) safeProcess(ctx context.Context, entry *entities.QueueEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing: %v", r)
		}
	}()
	return p.processor.Process(ctx, entry)
}
