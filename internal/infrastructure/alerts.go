package infrastructure

import (
	"context"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// LogAlerter writes alerts to the log only.
type LogAlerter struct {
	logger logrus.FieldLogger
}

func NewLogAlerter(logger logrus.FieldLogger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

func (a *LogAlerter) Alert(_ context.Context, severity, title, detail string) {
	a.logger.WithFields(logrus.Fields{
		"alert":    true,
		"severity": severity,
		"detail":   detail,
	}).Error(title)
}

func (a *LogAlerter) Close(time.Duration) error { return nil }

type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type alert struct {
	severity string
	title    string
	detail   string
	at       time.Time
}

// TelegramAlerter forwards alerts to an operator chat from a background
// goroutine so callers never wait on Telegram.
type TelegramAlerter struct {
	bot    telegramSender
	chatID int64
	log    *LogAlerter
	queue  chan alert
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	logger logrus.FieldLogger
}

func NewTelegramAlerter(token string, chatID int64, logger logrus.FieldLogger) (*TelegramAlerter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return newTelegramAlerter(bot, chatID, logger), nil
}

func newTelegramAlerter(bot telegramSender, chatID int64, logger logrus.FieldLogger) *TelegramAlerter {
	a := &TelegramAlerter{
		bot:    bot,
		chatID: chatID,
		log:    NewLogAlerter(logger),
		queue:  make(chan alert, 64),
		logger: logger,
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Alert logs immediately and queues the Telegram message; a full queue drops it.
func (a *TelegramAlerter) Alert(ctx context.Context, severity, title, detail string) {
	a.log.Alert(ctx, severity, title, detail)
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- alert{severity: severity, title: title, detail: detail, at: time.Now().UTC()}:
	default:
		a.logger.Warn("alert queue full, telegram alert dropped")
	}
}

func (a *TelegramAlerter) run() {
	defer a.wg.Done()
	for al := range a.queue {
		text := fmt.Sprintf("[%s] %s\n%s\n%s", al.severity, al.title, al.detail, al.at.Format(time.RFC3339))
		msg := tgbotapi.NewMessage(a.chatID, text)
		if _, err := a.bot.Send(msg); err != nil {
			a.logger.WithError(err).Warn("failed to deliver telegram alert")
		}
	}
}

// Close flushes queued alerts, waiting at most timeout.
func (a *TelegramAlerter) Close(timeout time.Duration) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("alert flush timed out after %s", timeout)
	}
}
