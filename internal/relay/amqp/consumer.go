package amqp

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/raasel/backend/internal/model/event"
	"github.com/raasel/backend/internal/relay"
)

// Listen consumes the queue of nodeID and hands every envelope to h. It
// reconnects with jittered backoff when the connection drops and returns
// only when ctx is done.
func (c *Client) Listen(ctx context.Context, nodeID string, h relay.Handler) error {
	c.listeners.Add(1)
	defer c.listeners.Done()

	wait := c.cfg.ReconnectBase
	for {
		err := c.consume(ctx, nodeID, h)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Error("relay consumer stopped", slog.String("node_id", nodeID), slog.Any("error", err))

		for {
			delay := jitteredDelay(wait, c.cfg.ReconnectCap, c.cfg.JitterPercent)
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
			conn, _ := c.current()
			if conn != nil && !conn.IsClosed() {
				break
			}
			if rerr := c.reconnect(ctx); rerr != nil {
				c.logger.Error("reconnect failed", slog.Any("error", rerr), slog.Duration("retry_in", delay))
				wait = nextBackoff(wait, c.cfg.ReconnectCap)
				continue
			}
			break
		}
		wait = c.cfg.ReconnectBase
	}
}

// consume runs one consumer session; it returns when the channel closes.
func (c *Client) consume(ctx context.Context, nodeID string, h relay.Handler) error {
	conn, _ := c.current()
	if conn == nil || conn.IsClosed() {
		return errConnClosed
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer safeClose(ch)

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	queue := c.cfg.queueName(nodeID)
	args := amqp.Table{"x-expires": int32(c.cfg.QueueExpiry.Milliseconds())}
	if _, err := ch.QueueDeclare(queue, false, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, nodeID, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	c.logger.Info("relay consumer started", slog.String("queue", queue), slog.Int("prefetch", c.cfg.Prefetch))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return errConnClosed
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return errConnClosed
			}
			c.handle(ctx, d, h)
		}
	}
}

// handle acks every delivery. Undecodable bodies are dropped; handler
// failures are logged because redelivery would duplicate frames.
func (c *Client) handle(ctx context.Context, d amqp.Delivery, h relay.Handler) {
	defer func() { _ = d.Ack(false) }()

	var env event.Envelope
	if err := event.Unmarshal(d.Body, &env); err != nil {
		c.logger.Warn("drop undecodable envelope", slog.String("message_id", d.MessageId), slog.Any("error", err))
		return
	}
	if err := h(ctx, env); err != nil {
		c.logger.Error("deliver relayed event", slog.String("event_id", env.Meta.ID), slog.Any("error", err))
	}
}
