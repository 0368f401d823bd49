package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// LaunchMessage asks the launcher to pick up a run. Redelivery is harmless:
// launch is idempotent per run id.
type LaunchMessage struct {
	RunID       string    `json:"run_id"`
	RequestedAt time.Time `json:"requested_at"`
}

type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, logger: logger.With("component", "mq_publisher")}
}

// PublishLaunch enqueues a launch wakeup for the run.
func (p *Publisher) PublishLaunch(ctx context.Context, runID string) error {
	if p == nil || p.conn == nil {
		return nil
	}
	ch := p.conn.Channel()
	if ch == nil {
		return errors.New("no channel available")
	}

	msg := LaunchMessage{RunID: runID, RequestedAt: time.Now().UTC()}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal launch message: %w", err)
	}

	err = ch.PublishWithContext(ctx, ExchangeRuns, RoutingKeyLaunch, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.New().String(),
		Timestamp:    msg.RequestedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish launch for run %s: %w", runID, err)
	}

	p.logger.Debug("published launch wakeup", "run_id", runID)
	return nil
}
