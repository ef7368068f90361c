package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/raasel/backend/internal/model/event"
	"github.com/raasel/backend/internal/relay"
)

// Client implements relay.Relay on a RabbitMQ connection.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.RWMutex
	conn *amqp.Connection
	pool *channelPool

	listeners sync.WaitGroup
}

// NewClient dials RabbitMQ with retry and declares the relay exchange.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	const op = "relay.amqp.NewClient"

	if cfg.URL == "" {
		return nil, fmt.Errorf("amqp URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	c := &Client{cfg: cfg, logger: logger.With("component", "relay")}

	host := ""
	if u, err := url.Parse(cfg.URL); err == nil {
		host = u.Host
	}
	c.logger.Info("connecting to rabbitmq", slog.String("op", op), slog.String("host", host))

	conn, err := c.dialWithRetry(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.declareExchange(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.conn = conn
	c.pool = newChannelPool(conn, cfg.PublishPoolSize, cfg.PoolRetryDelay)
	c.logger.Info("relay ready", slog.String("op", op), slog.String("exchange", cfg.Exchange))
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*amqp.Connection, error) {
	if c.cfg.Dialer != nil {
		return c.cfg.Dialer(ctx, c.cfg.URL)
	}
	return amqp.DialConfig(c.cfg.URL, amqp.Config{
		Dial: amqp.DefaultDial(c.cfg.ConnTimeout),
	})
}

func (c *Client) dialWithRetry(ctx context.Context) (*amqp.Connection, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.ReconnectBase
	policy.MaxInterval = c.cfg.ReconnectCap

	conn, err := backoff.Retry(ctx, func() (*amqp.Connection, error) {
		return c.dial(ctx)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(c.cfg.DialAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("rabbit dial failed", slog.Duration("retry_in", next), slog.Any("error", err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq after %d attempts: %w", c.cfg.DialAttempts, err)
	}
	return conn, nil
}

func (c *Client) declareExchange(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer safeClose(ch)
	if err := ch.ExchangeDeclare(c.cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
	}
	return nil
}

func (c *Client) current() (*amqp.Connection, *channelPool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn, c.pool
}

// Send publishes env to the queue of nodeID. Events are transient: a node
// that is down loses them, and clients recover through message history.
func (c *Client) Send(ctx context.Context, nodeID string, env event.Envelope) error {
	if env.Meta.ID == "" {
		return fmt.Errorf("envelope meta id is required")
	}
	body, err := event.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope %s: %w", env.Meta.ID, err)
	}

	_, pool := c.current()
	ch, err := pool.borrow(ctx)
	if err != nil {
		return fmt.Errorf("borrow channel: %w", err)
	}
	defer pool.give(ch)

	return ch.PublishWithContext(ctx, c.cfg.Exchange, nodeID, false, false, amqp.Publishing{
		ContentType:  event.ContentType,
		Body:         body,
		DeliveryMode: amqp.Transient,
		MessageId:    env.Meta.ID,
		Type:         string(env.Meta.Type),
		Timestamp:    env.Meta.Time,
		AppId:        env.Meta.Producer,
	})
}

// Close waits briefly for listeners, then closes the pool and connection.
func (c *Client) Close() {
	done := make(chan struct{})
	go func() {
		c.listeners.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	conn, pool := c.current()
	if pool != nil {
		pool.close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// reconnect replaces the connection and the publish pool.
func (c *Client) reconnect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if err := c.declareExchange(conn); err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	oldConn, oldPool := c.conn, c.pool
	c.conn = conn
	c.pool = newChannelPool(conn, c.cfg.PublishPoolSize, c.cfg.PoolRetryDelay)
	c.mu.Unlock()

	if oldPool != nil {
		oldPool.close()
	}
	if oldConn != nil && !oldConn.IsClosed() {
		_ = oldConn.Close()
	}
	c.logger.Info("relay reconnected")
	return nil
}

var _ relay.Relay = (*Client)(nil)
