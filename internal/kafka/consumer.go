package kafka

import (
	"context"
	"log/slog"
	"time"

	"tuition-service/common/metrics"
	"tuition-service/internal/intake"

	"github.com/IBM/sarama"
)

// Consumer reads bank payment notifications from a topic as part of a
// consumer group.
type Consumer struct {
	consumer sarama.ConsumerGroup
	topic    string
	handler  *ConsumerGroupHandler
	logger   *slog.Logger
}

func NewConsumer(brokers []string, topic, groupID string, processor *intake.Processor, logger *slog.Logger, m *metrics.Metrics) (*Consumer, error) {
	config := sarama.NewConfig()
	config.ClientID = "tuition-service"
	config.Version = sarama.V2_8_0_0
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetNewest

	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, err
	}

	logger.Info("kafka consumer initialized", "brokers", brokers, "topic", topic, "group", groupID)

	return &Consumer{
		consumer: consumerGroup,
		topic:    topic,
		handler: &ConsumerGroupHandler{
			Processor: processor,
			Logger:    logger,
			Metrics:   m,
		},
		logger: logger,
	}, nil
}

// Start joins the group and blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		if err := c.consumer.Consume(ctx, []string{c.topic}, c.handler); err != nil {
			c.logger.Error("error consuming messages", "error", err)
			return err
		}

		// Consume returns on every rebalance
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	return c.consumer.Close()
}

// ConsumerGroupHandler implements sarama.ConsumerGroupHandler interface
type ConsumerGroupHandler struct {
	Processor *intake.Processor
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

func (h *ConsumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *ConsumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim marks every message, including rejected and failed ones.
// A failed payment is logged and counted; the bank is expected to reconcile
// it against the payments listing.
func (h *ConsumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()

	for msg := range claim.Messages() {
		h.Logger.Debug("received message from Kafka",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)

		start := time.Now()
		reply, err := h.Processor.Process(ctx, msg.Value)
		h.Metrics.Messaging.RecordConsume(ctx, msg.Topic, time.Since(start), err)

		if reply.Status != intake.StatusApplied {
			h.Logger.Warn("bank payment not applied",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"status", reply.Status,
			)
		}

		session.MarkMessage(msg, "")
	}

	return nil
}
