package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"tuition-service/common/metrics"
	"tuition-service/internal/events"

	"github.com/IBM/sarama"
)

// Producer writes ledger events to a single topic keyed by student number, so
// every event for one student lands on the same partition in commit order.
type Producer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = "tuition-service"
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	config.Version = sarama.V2_8_0_0
	return config
}

func NewProducer(brokers []string, topic string, logger *slog.Logger, m *metrics.Metrics) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewConfig())
	if err != nil {
		return nil, err
	}

	logger.Info("kafka producer initialized", "brokers", brokers, "topic", topic)

	return NewProducerFromSync(producer, topic, logger, m), nil
}

// NewProducerFromSync wraps an existing sarama producer.
func NewProducerFromSync(producer sarama.SyncProducer, topic string, logger *slog.Logger, m *metrics.Metrics) *Producer {
	return &Producer{
		producer: producer,
		topic:    topic,
		logger:   logger,
		metrics:  m,
	}
}

func (p *Producer) Publish(ctx context.Context, event events.Envelope) error {
	start := time.Now()

	valueBytes, err := json.Marshal(event)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to marshal event", "type", event.Type, "error", err)
		p.metrics.Messaging.RecordPublish(ctx, p.topic, string(event.Type), time.Since(start), err)
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.Key),
		Value: sarama.ByteEncoder(valueBytes),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-type"), Value: []byte(event.Type)},
			{Key: []byte("event-id"), Value: []byte(event.ID)},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	p.metrics.Messaging.RecordPublish(ctx, p.topic, string(event.Type), time.Since(start), err)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to send event to kafka", "topic", p.topic, "error", err)
		return err
	}

	p.logger.DebugContext(ctx, "event sent to kafka", "topic", p.topic, "partition", partition, "offset", offset, "key", event.Key)
	return nil
}

func (p *Producer) Close() error {
	return p.producer.Close()
}
