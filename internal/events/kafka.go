package events

import (
	"context"
	"encoding/json"

	"github.com/IBM/sarama"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// KafkaPublisher publishes events to Kafka with a synchronous producer, so
// a publish error is observable to the caller instead of lost in a buffer.
type KafkaPublisher struct {
	producer sarama.SyncProducer
}

// NewKafkaPublisher connects a sync producer to the brokers.
func NewKafkaPublisher(brokers []string) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create kafka producer")
	}
	return &KafkaPublisher{producer: producer}, nil
}

// Close shuts the producer down.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// PublishOrderFulfilled publishes the fulfillment event keyed by order id,
// keeping all events for one order on one partition.
func (p *KafkaPublisher) PublishOrderFulfilled(ctx context.Context, ev OrderFulfilled) error {
	return p.publish(ctx, TopicOrderFulfilled, ev.OrderID, ev)
}

// PublishUnenrollRequested publishes the unenrollment request keyed by
// order id.
func (p *KafkaPublisher) PublishUnenrollRequested(ctx context.Context, ev UnenrollRequested) error {
	return p.publish(ctx, TopicUnenroll, ev.OrderID, ev)
}

func (p *KafkaPublisher) publish(ctx context.Context, topic, key string, ev any) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return errors.Wrapf(err, "publish to %s", topic)
	}

	zctx.From(ctx).Debug("Event published",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}
