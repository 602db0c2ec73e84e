package worker

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/openlearn/commerce/internal/events"
)

// Consumer runs the consumer group over both side-effect topics.
type Consumer struct {
	group   sarama.ConsumerGroup
	service *Service
	topics  []string
	groupID string
}

// NewConsumer joins the consumer group on the brokers.
func NewConsumer(brokers []string, groupID string, service *Service) (*Consumer, error) {
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create consumer group")
	}
	return &Consumer{
		group:   group,
		service: service,
		topics:  []string{events.TopicOrderFulfilled, events.TopicUnenroll},
		groupID: groupID,
	}, nil
}

// Consume joins the group and processes claims until the context ends.
// Consume returns after each rebalance, hence the loop.
func (c *Consumer) Consume(ctx context.Context) error {
	handler := &groupHandler{service: c.service}

	zctx.From(ctx).Info("Starting consumer",
		zap.String("group_id", c.groupID),
		zap.Strings("topics", c.topics),
	)
	for {
		if err := c.group.Consume(ctx, c.topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return errors.Wrap(err, "consume")
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close leaves the consumer group.
func (c *Consumer) Close() error {
	return c.group.Close()
}

type groupHandler struct {
	service *Service
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for msg := range claim.Messages() {
		// ProcessMessage owns failures; poison goes to the DLQ so the
		// offset always advances.
		h.service.ProcessMessage(ctx, msg.Topic, msg.Value)
		session.MarkMessage(msg, "")
	}
	return nil
}
