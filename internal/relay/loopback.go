package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/raasel/backend/internal/model/event"
)

// Loopback is an in-process bus shared by every hub of a single binary.
// Envelopes cross it through the same CBOR encoding the network relay uses.
type Loopback struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewLoopback returns an empty bus.
func NewLoopback() *Loopback {
	return &Loopback{handlers: make(map[string]Handler)}
}

// Attach registers h for nodeID and returns a function that removes it.
func (l *Loopback) Attach(nodeID string, h Handler) (detach func()) {
	l.mu.Lock()
	l.handlers[nodeID] = h
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.handlers, nodeID)
		l.mu.Unlock()
	}
}

func (l *Loopback) Send(ctx context.Context, nodeID string, env event.Envelope) error {
	l.mu.RLock()
	h, ok := l.handlers[nodeID]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnreachable, nodeID)
	}

	body, err := event.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope %s: %w", env.Meta.ID, err)
	}
	var decoded event.Envelope
	if err := event.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("decode envelope %s: %w", env.Meta.ID, err)
	}
	return h(ctx, decoded)
}

func (l *Loopback) Listen(ctx context.Context, nodeID string, h Handler) error {
	detach := l.Attach(nodeID, h)
	defer detach()
	<-ctx.Done()
	return ctx.Err()
}

var _ Relay = (*Loopback)(nil)
