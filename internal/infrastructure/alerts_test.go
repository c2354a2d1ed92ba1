package infrastructure

import (
	"context"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBot struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
}

func (b *recordingBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		b.sent = append(b.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func TestTelegramAlerterFlushesOnClose(t *testing.T) {
	bot := &recordingBot{}
	a := newTelegramAlerter(bot, 4242, quietLogger())

	a.Alert(context.Background(), "critical", "WhatsApp authentication failed", "status 401")
	a.Alert(context.Background(), "error", "handler panic", "nil map")
	require.NoError(t, a.Close(time.Second))

	bot.mu.Lock()
	defer bot.mu.Unlock()
	require.Len(t, bot.sent, 2)
	assert.Equal(t, int64(4242), bot.sent[0].ChatID)
	assert.Contains(t, bot.sent[0].Text, "[critical] WhatsApp authentication failed")

	// alerts after close are logged only
	a.Alert(context.Background(), "critical", "late", "")
	assert.Len(t, bot.sent, 2)
}
