package worker

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/go-faster/errors"
)

// DLQProducer forwards poisoned messages to the dead letter topic with the
// original topic and final error attached as headers.
type DLQProducer struct {
	producer sarama.SyncProducer
	topic    string
	metrics  *Metrics
}

// NewDLQProducer connects a producer for the dead letter topic.
func NewDLQProducer(brokers []string, topic string, metrics *Metrics) (*DLQProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create dlq producer")
	}
	return &DLQProducer{producer: producer, topic: topic, metrics: metrics}, nil
}

// Send forwards the message to the dead letter topic.
func (p *DLQProducer) Send(_ context.Context, originalTopic string, message []byte, cause error) error {
	_, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Value: sarama.ByteEncoder(message),
		Headers: []sarama.RecordHeader{
			{Key: []byte("Original-Topic"), Value: []byte(originalTopic)},
			{Key: []byte("Error"), Value: []byte(cause.Error())},
		},
	})
	if err != nil {
		return errors.Wrap(err, "send to dlq")
	}
	p.metrics.DLQMessages.Inc()
	return nil
}

// Close shuts the producer down.
func (p *DLQProducer) Close() error {
	return p.producer.Close()
}
