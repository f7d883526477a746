package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"tuition-service/common/metrics"
	"tuition-service/internal/events"

	"github.com/nats-io/nats.go"
)

// Producer publishes ledger events to a NATS subject. The event type is
// appended to the base subject, e.g. tuition.ledger.events.payment.applied.
type Producer struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewProducer(url string, subject string, logger *slog.Logger, m *metrics.Metrics) (*Producer, error) {
	nc, err := nats.Connect(url, nats.Name("tuition-service-producer"))
	if err != nil {
		return nil, err
	}

	logger.Info("NATS producer initialized", "url", url, "subject", subject)

	return &Producer{
		conn:    nc,
		subject: subject,
		logger:  logger,
		metrics: m,
	}, nil
}

func (p *Producer) Subject(t events.Type) string {
	return p.subject + "." + string(t)
}

func (p *Producer) Publish(ctx context.Context, event events.Envelope) error {
	start := time.Now()
	subject := p.Subject(event.Type)

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to marshal event", "type", event.Type, "error", err)
		p.metrics.Messaging.RecordPublish(ctx, subject, string(event.Type), time.Since(start), err)
		return err
	}

	msg := nats.NewMsg(subject)
	msg.Data = payload
	msg.Header.Set("Event-Id", event.ID)
	msg.Header.Set("Event-Key", event.Key)

	err = p.conn.PublishMsg(msg)
	p.metrics.Messaging.RecordPublish(ctx, subject, string(event.Type), time.Since(start), err)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to send event to NATS", "subject", subject, "error", err)
		return err
	}

	p.logger.DebugContext(ctx, "event sent to NATS", "subject", subject, "id", event.ID)
	return nil
}

func (p *Producer) Close() error {
	return p.conn.Drain()
}
