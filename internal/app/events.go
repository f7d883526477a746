package app

import (
	"context"
	"fmt"
	"log/slog"

	"tuition-service/common/metrics"
	"tuition-service/internal/config"
	"tuition-service/internal/events"
	"tuition-service/internal/intake"
	"tuition-service/internal/kafka"
	"tuition-service/internal/messaging"
)

// newPublisher picks the ledger event transport named by events.driver. An
// unreachable broker degrades to dropping events rather than failing startup.
func newPublisher(cfg config.EventsConfig, logger *slog.Logger, m *metrics.Metrics) events.Publisher {
	var (
		publisher events.Publisher
		err       error
	)

	switch cfg.Driver {
	case "nats":
		publisher, err = messaging.NewProducer(cfg.NATS.URL, cfg.NATS.Subject, logger, m)
	case "kafka":
		publisher, err = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger, m)
	case "", "none":
		logger.Info("ledger events disabled")
		return events.Nop{}
	default:
		err = fmt.Errorf("unknown events driver %q", cfg.Driver)
	}

	if err != nil {
		logger.Warn("failed to initialize event publisher, events will be dropped", "driver", cfg.Driver, "error", err)
		return events.Nop{}
	}
	return publisher
}

// paymentConsumer feeds bank payment notifications into the ledger until its
// context is cancelled.
type paymentConsumer interface {
	Start(ctx context.Context) error
	Close() error
}

// newIntake builds the bank payment consumer named by events.intake. It
// returns nil when intake is disabled or the broker cannot be reached.
func newIntake(cfg config.EventsConfig, processor *intake.Processor, logger *slog.Logger, m *metrics.Metrics) paymentConsumer {
	var (
		consumer paymentConsumer
		err      error
	)

	switch cfg.Intake {
	case "nats":
		consumer, err = messaging.NewConsumer(cfg.NATS.URL, cfg.NATS.PaymentsSubject, processor, logger, m)
	case "kafka":
		consumer, err = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.PaymentsTopic, cfg.Kafka.GroupID, processor, logger, m)
	case "", "none":
		logger.Info("bank payment intake disabled")
		return nil
	default:
		err = fmt.Errorf("unknown intake %q", cfg.Intake)
	}

	if err != nil {
		logger.Warn("failed to initialize bank payment consumer", "intake", cfg.Intake, "error", err)
		return nil
	}
	return consumer
}
