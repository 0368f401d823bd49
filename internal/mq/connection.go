// Package mq carries launch wakeups between the API and the launcher over
// RabbitMQ. The queue is a nudge, not the source of truth: every message is
// just a run id, and the launcher re-reads the run record before acting.
package mq

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sarahmk125/dagster/internal/platform/env"
)

const (
	ExchangeRuns     = "dagster.runs"
	QueueRunsLaunch  = "runs.launch"
	RoutingKeyLaunch = "launch"
)

// URLFromEnv reads the broker URL, empty meaning the queue is disabled.
func URLFromEnv() string {
	return env.String("LAUNCHER_AMQP_URL", "")
}

// Connection wraps one AMQP connection plus channel and redials on broker
// loss with capped exponential backoff.
type Connection struct {
	url    string
	logger *slog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool

	closedCh    chan struct{}
	reconnectCh chan struct{}
}

func NewConnection(url string, logger *slog.Logger) (*Connection, error) {
	if url == "" {
		return nil, errors.New("amqp url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		url:         url,
		logger:      logger.With("component", "mq"),
		closedCh:    make(chan struct{}),
		reconnectCh: make(chan struct{}, 1),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	go c.watch()
	return c, nil
}

func (c *Connection) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	c.conn = conn
	c.channel = ch
	c.logger.Info("connected to message broker")
	return nil
}

func (c *Connection) watch() {
	for {
		c.mu.RLock()
		if c.closed {
			c.mu.RUnlock()
			return
		}
		conn := c.conn
		c.mu.RUnlock()

		if conn == nil {
			time.Sleep(time.Second)
			continue
		}

		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-c.closedCh:
			return
		case err := <-notifyClose:
			if err != nil {
				c.logger.Warn("broker connection lost", "error", err)
			}
			c.redial()
		}
	}
}

func (c *Connection) redial() {
	delay := time.Second
	for {
		c.mu.RLock()
		if c.closed {
			c.mu.RUnlock()
			return
		}
		c.mu.RUnlock()

		time.Sleep(delay)
		if err := c.connect(); err != nil {
			c.logger.Warn("broker reconnect failed", "error", err, "next_delay", delay)
			delay = min(delay*2, 30*time.Second)
			continue
		}

		select {
		case c.reconnectCh <- struct{}{}:
		default:
		}
		return
	}
}

func (c *Connection) Channel() *amqp.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// ReconnectNotify signals consumers to re-establish their subscription.
func (c *Connection) ReconnectNotify() <-chan struct{} {
	return c.reconnectCh
}

func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closedCh)

	var firstErr error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close channel: %w", err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close connection: %w", err)
		}
	}
	return firstErr
}

// SetupTopology declares the launch exchange and queue. Idempotent.
func SetupTopology(conn *Connection) error {
	ch := conn.Channel()
	if ch == nil {
		return errors.New("no channel available")
	}
	if err := ch.ExchangeDeclare(ExchangeRuns, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", ExchangeRuns, err)
	}
	if _, err := ch.QueueDeclare(QueueRunsLaunch, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", QueueRunsLaunch, err)
	}
	if err := ch.QueueBind(QueueRunsLaunch, RoutingKeyLaunch, ExchangeRuns, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", QueueRunsLaunch, err)
	}
	return nil
}
