package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raasel/backend/internal/model/chat"
	"github.com/raasel/backend/internal/model/event"
)

// gatedPublisher blocks every publish until gate is closed.
type gatedPublisher struct {
	gate chan struct{}
	fail bool

	mu     sync.Mutex
	events []event.Event
}

func (p *gatedPublisher) Publish(ctx context.Context, ev event.Event, _ ...event.Room) error {
	select {
	case <-p.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	if p.fail {
		return errors.New("relay down")
	}
	return nil
}

func (p *gatedPublisher) contents() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		if msg, ok := ev.Payload.(event.NewMessage); ok {
			out = append(out, msg.Content)
		}
	}
	return out
}

func TestDispatcherDoesNotWaitForDelivery(t *testing.T) {
	next := &gatedPublisher{gate: make(chan struct{})}
	d := NewDispatcher(next, nil)

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	for _, content := range []string{"one", "two", "three"} {
		require.NoError(t, d.Publish(ctx, newMessage("acme", "s1", content), event.SessionRoom("s1")))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 1, d.Pending())

	// A finished request must not cancel what it queued.
	cancel()
	close(next.gate)

	flushCtx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	require.NoError(t, d.Flush(flushCtx))
	assert.Equal(t, []string{"one", "two", "three"}, next.contents())
}

func TestDispatcherOrdersPerSessionOnly(t *testing.T) {
	next := &gatedPublisher{gate: make(chan struct{})}
	d := NewDispatcher(next, nil)
	ctx := context.Background()

	require.NoError(t, d.Publish(ctx, newMessage("acme", "s1", "a"), event.SessionRoom("s1")))
	require.NoError(t, d.Publish(ctx, newMessage("acme", "s2", "b"), event.SessionRoom("s2")))
	require.NoError(t, d.Publish(ctx, event.New("acme", base, event.SessionStatusUpdated{SessionID: "s1", Status: chat.StatusClosed}), event.SessionRoom("s1")))
	assert.Equal(t, 2, d.Pending(), "one lane per session")

	close(next.gate)
	require.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, time.Millisecond)

	next.mu.Lock()
	defer next.mu.Unlock()
	var s1 []event.Type
	for _, ev := range next.events {
		if ev.SessionID() == "s1" {
			s1 = append(s1, ev.Type())
		}
	}
	assert.Equal(t, []event.Type{event.TypeNewMessage, event.TypeSessionStatusUpdated}, s1)
}

func TestDispatcherSwallowsDeliveryErrors(t *testing.T) {
	next := &gatedPublisher{gate: make(chan struct{}), fail: true}
	close(next.gate)
	d := NewDispatcher(next, nil)

	require.NoError(t, d.Publish(context.Background(), newMessage("acme", "s1", "x"), event.SessionRoom("s1")))
	require.Eventually(t, func() bool { return d.Pending() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"x"}, next.contents())
}

func TestDispatcherFlushHonoursContext(t *testing.T) {
	next := &gatedPublisher{gate: make(chan struct{})}
	defer close(next.gate)
	d := NewDispatcher(next, nil)
	require.NoError(t, d.Publish(context.Background(), newMessage("acme", "s1", "x"), event.SessionRoom("s1")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Flush(ctx), context.DeadlineExceeded)
}
