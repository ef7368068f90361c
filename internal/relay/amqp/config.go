// Package amqp relays events between API processes through RabbitMQ. Every
// node owns one queue bound to a direct exchange under its node id.
package amqp

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config defines the connection and topology of the relay.
type Config struct {
	URL             string
	Exchange        string
	QueuePrefix     string
	PublishPoolSize int
	Prefetch        int
	ConnTimeout     time.Duration
	PoolRetryDelay  time.Duration
	DialAttempts    uint
	ReconnectBase   time.Duration
	ReconnectCap    time.Duration
	JitterPercent   int
	// QueueExpiry removes the queue of a node that stopped consuming.
	QueueExpiry time.Duration
	Dialer      func(ctx context.Context, url string) (*amqp.Connection, error)
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = "raasel.fanout"
	}
	if c.QueuePrefix == "" {
		c.QueuePrefix = "raasel.fanout."
	}
	if c.PublishPoolSize <= 0 {
		c.PublishPoolSize = 16
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 64
	}
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = 30 * time.Second
	}
	if c.PoolRetryDelay <= 0 {
		c.PoolRetryDelay = 50 * time.Millisecond
	}
	if c.DialAttempts == 0 {
		c.DialAttempts = 5
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 30 * time.Second
	}
	if c.JitterPercent <= 0 {
		c.JitterPercent = 25
	}
	if c.QueueExpiry <= 0 {
		c.QueueExpiry = 5 * time.Minute
	}
	return c
}

func (c Config) queueName(nodeID string) string {
	return c.QueuePrefix + nodeID
}
