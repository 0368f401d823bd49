package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// LaunchHandler processes one launch wakeup. An error requeues the message;
// a nil return acks it.
type LaunchHandler func(ctx context.Context, msg LaunchMessage) error

// Consumer drains the launch queue and hands each wakeup to the handler.
// Survives broker loss by re-subscribing after the connection redials.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	handler  LaunchHandler
	prefetch int
}

func NewConsumer(conn *Connection, logger *slog.Logger, handler LaunchHandler, prefetch int) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Consumer{
		conn:     conn,
		logger:   logger.With("component", "mq_consumer"),
		handler:  handler,
		prefetch: prefetch,
	}
}

// Start consumes until the context is canceled. Blocks; run it in its own
// goroutine.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		deliveries, err := c.subscribe()
		if err != nil {
			c.logger.Error("subscribe to launch queue", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.conn.ReconnectNotify():
				continue
			}
		}

		c.logger.Info("consuming launch queue", "queue", QueueRunsLaunch)

		if err := c.drain(ctx, deliveries); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("launch queue subscription lost; waiting for reconnect")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.conn.ReconnectNotify():
			}
		}
	}
}

func (c *Consumer) subscribe() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, errors.New("no channel available")
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(QueueRunsLaunch, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", QueueRunsLaunch, err)
	}
	return deliveries, nil
}

func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.handle(ctx, raw)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, raw amqp.Delivery) {
	var msg LaunchMessage
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		c.logger.Error("malformed launch message dropped", "error", err, "body", string(raw.Body))
		raw.Nack(false, false)
		return
	}
	if strings.TrimSpace(msg.RunID) == "" {
		c.logger.Error("launch message without run id dropped")
		raw.Nack(false, false)
		return
	}

	if err := c.handler(ctx, msg); err != nil {
		c.logger.Error("launch handler failed", "run_id", msg.RunID, "error", err)
		raw.Nack(false, true)
		return
	}
	raw.Ack(false)
}
