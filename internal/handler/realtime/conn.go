package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/raasel/backend/internal/model/chat"
	"github.com/raasel/backend/internal/model/event"
	"github.com/raasel/backend/internal/service/fanout"
)

var (
	errConnClosed   = errors.New("connection closed")
	errSlowConsumer = errors.New("subscriber too slow")
)

const outboundBuffer = 64

// Hub is the fan-out surface used by subscriber transports.
type Hub interface {
	Subscribe(ctx context.Context, conn fanout.Conn, actor chat.Actor, sessionID string) ([]event.Room, error)
	Unsubscribe(ctx context.Context, conn fanout.Conn) error
}

// queueConn buffers events for one subscriber. A subscriber that falls
// outboundBuffer events behind is disconnected and must resync.
type queueConn struct {
	id   string
	out  chan event.Event
	done chan struct{}
	once sync.Once
	slow atomic.Bool
}

func newQueueConn() *queueConn {
	return &queueConn{
		id:   uuid.NewString(),
		out:  make(chan event.Event, outboundBuffer),
		done: make(chan struct{}),
	}
}

func (c *queueConn) ID() string { return c.id }

func (c *queueConn) Send(ev event.Event) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.out <- ev:
		return nil
	default:
		c.slow.Store(true)
		c.close()
		return errSlowConsumer
	}
}

// overflowed reports whether the connection was closed for falling behind.
func (c *queueConn) overflowed() bool { return c.slow.Load() }

func (c *queueConn) close() {
	c.once.Do(func() { close(c.done) })
}
