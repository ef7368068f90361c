package amqp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	errPoolClosed = errors.New("channel pool closed")
	errConnClosed = errors.New("amqp connection closed")
)

// channelPool keeps a bounded number of publish channels alive.
// len(permits) == total channels (idle + borrowed) <= capacity.
type channelPool struct {
	conn    *amqp.Connection
	idle    chan *amqp.Channel
	permits chan struct{}
	delay   time.Duration

	closed  atomic.Bool
	newChMu sync.Mutex
}

func newChannelPool(conn *amqp.Connection, capacity int, delay time.Duration) *channelPool {
	return &channelPool{
		conn:    conn,
		idle:    make(chan *amqp.Channel, capacity),
		permits: make(chan struct{}, capacity),
		delay:   delay,
	}
}

func (p *channelPool) borrow(ctx context.Context) (*amqp.Channel, error) {
	for {
		if p.closed.Load() {
			return nil, errPoolClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case ch, ok := <-p.idle:
			if !ok {
				return nil, errPoolClosed
			}
			if !ch.IsClosed() {
				return ch, nil
			}
			safeClose(ch)
			fresh, err := p.open()
			if err != nil {
				<-p.permits
				if errors.Is(err, errConnClosed) {
					return nil, err
				}
				continue
			}
			return fresh, nil

		default:
			if p.conn.IsClosed() {
				return nil, errConnClosed
			}
			select {
			case p.permits <- struct{}{}:
				ch, err := p.open()
				if err != nil {
					<-p.permits
					if errors.Is(err, errConnClosed) {
						return nil, err
					}
					if !sleepCtx(ctx, p.delay) {
						return nil, ctx.Err()
					}
					continue
				}
				return ch, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.delay):
			}
		}
	}
}

func (p *channelPool) give(ch *amqp.Channel) {
	if ch == nil {
		return
	}
	if p.closed.Load() || p.conn.IsClosed() || ch.IsClosed() {
		safeClose(ch)
		p.release()
		return
	}
	select {
	case p.idle <- ch:
	default:
		safeClose(ch)
		p.release()
	}
}

func (p *channelPool) release() {
	select {
	case <-p.permits:
	default:
	}
}

func (p *channelPool) close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.idle)
	for ch := range p.idle {
		safeClose(ch)
		p.release()
	}
}

func (p *channelPool) open() (*amqp.Channel, error) {
	p.newChMu.Lock()
	defer p.newChMu.Unlock()
	if p.conn.IsClosed() {
		return nil, errConnClosed
	}
	return p.conn.Channel()
}
