package infrastructure

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionStoreProcessedIDs(t *testing.T) {
	_, rdb := newMiniRedis(t)
	s := NewSessionStore(rdb, "test:session:", time.Minute, quietLogger())
	ctx := context.Background()

	assert.False(t, s.Seen(ctx, "wamid.1"))
	s.MarkProcessed(ctx, "wamid.1")
	assert.True(t, s.Seen(ctx, "wamid.1"))
	assert.False(t, s.Seen(ctx, "wamid.2"))
	assert.False(t, s.Seen(ctx, ""))
}

func TestSessionStoreLockSerializesSender(t *testing.T) {
	_, rdb := newMiniRedis(t)
	s := NewSessionStore(rdb, "test:session:", time.Minute, quietLogger())
	s.lockWait = 50 * time.Millisecond
	ctx := context.Background()

	release := s.Lock(ctx, "+15558675309")
	exists, err := rdb.Exists(ctx, "test:session:lock:+15558675309").Result()
	assert.NoError(t, err)
	assert.EqualValues(t, 1, exists)

	// a second caller gives up after lockWait and proceeds unlocked
	start := time.Now()
	second := s.Lock(ctx, "+15558675309")
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	second()

	release()
	exists, _ = rdb.Exists(ctx, "test:session:lock:+15558675309").Result()
	assert.Zero(t, exists)
}
