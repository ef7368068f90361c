package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJitteredDelayStaysInBounds(t *testing.T) {
	base := time.Second
	for range 200 {
		wait := jitteredDelay(base, 30*time.Second, 25)
		assert.GreaterOrEqual(t, wait, 750*time.Millisecond)
		assert.LessOrEqual(t, wait, 1250*time.Millisecond)
	}
}

func TestJitteredDelayCapped(t *testing.T) {
	for range 50 {
		assert.LessOrEqual(t, jitteredDelay(time.Minute, 10*time.Second, 50), 10*time.Second)
	}
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, nextBackoff(time.Second, 30*time.Second))
	assert.Equal(t, 30*time.Second, nextBackoff(20*time.Second, 30*time.Second))
}

func TestSleepCtxCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepCtx(ctx, time.Hour))
	assert.True(t, sleepCtx(context.Background(), time.Millisecond))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, "raasel.fanout", cfg.Exchange)
	assert.Equal(t, "raasel.fanout.node-1", cfg.queueName("node-1"))
	assert.Equal(t, 16, cfg.PublishPoolSize)
	assert.Equal(t, uint(5), cfg.DialAttempts)

	custom := Config{Exchange: "x", PublishPoolSize: 2}.withDefaults()
	assert.Equal(t, "x", custom.Exchange)
	assert.Equal(t, 2, custom.PublishPoolSize)
}
