package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"tuition-service/common/metrics"
	"tuition-service/internal/intake"

	"github.com/nats-io/nats.go"
)

// Consumer subscribes to bank payment notifications and hands them to the
// intake processor. When a message carries a reply subject the outcome is
// sent back to the bank.
type Consumer struct {
	conn      *nats.Conn
	sub       *nats.Subscription
	subject   string
	processor *intake.Processor
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func NewConsumer(url string, subject string, processor *intake.Processor, logger *slog.Logger, m *metrics.Metrics) (*Consumer, error) {
	nc, err := nats.Connect(url, nats.Name("tuition-service-bank-consumer"))
	if err != nil {
		return nil, err
	}

	return &Consumer{
		conn:      nc,
		subject:   subject,
		processor: processor,
		logger:    logger,
		metrics:   m,
	}, nil
}

// Start subscribes and blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.conn.Subscribe(c.subject, func(msg *nats.Msg) {
		c.handle(ctx, msg)
	})
	if err != nil {
		return err
	}

	c.sub = sub
	c.logger.Info("NATS consumer started", "subject", c.subject)

	<-ctx.Done()
	return ctx.Err()
}

func (c *Consumer) handle(ctx context.Context, msg *nats.Msg) {
	start := time.Now()

	reply, err := c.processor.Process(ctx, msg.Data)
	c.metrics.Messaging.RecordConsume(ctx, msg.Subject, time.Since(start), err)

	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		c.logger.Error("failed to marshal reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		c.logger.Warn("failed to send reply", "error", err)
	}
}

func (c *Consumer) Close() error {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	c.conn.Close()
	return nil
}

// HealthCheck verifies NATS connection is healthy
func (c *Consumer) HealthCheck() error {
	if c.conn == nil {
		return nats.ErrConnectionClosed
	}

	if !c.conn.IsConnected() {
		return nats.ErrDisconnected
	}

	return nil
}
