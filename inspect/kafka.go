package inspect

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
)

// Kafka sink errors
var (
	ErrKafkaClientRequired = errors.New("kafka client is required")
	ErrProducerFailed      = errors.New("failed to create kafka producer")
)

// KafkaSink publishes entries to a Kafka topic, keyed by container name so
// one container's entries preserve order within a partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	codec    Codec
	topic    string
}

// NewKafkaSink creates a sink over a pre-initialized sarama client. The
// client's config must have Producer.Return.Successes = true, which sarama
// requires for sync producers.
//
// Example:
//
//	config := sarama.NewConfig()
//	config.Producer.Return.Successes = true
//	client, _ := sarama.NewClient([]string{"localhost:9092"}, config)
//	sink, _ := inspect.NewKafkaSink(client, inspect.WithTopic("myapp.inspect"))
func NewKafkaSink(client sarama.Client, opts ...Option) (*KafkaSink, error) {
	if client == nil {
		return nil, ErrKafkaClientRequired
	}
	o := newOptions(opts...)
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, errors.Join(ErrProducerFailed, err)
	}
	return &KafkaSink{
		producer: producer,
		codec:    o.codec,
		topic:    o.topic,
	}, nil
}

// Record encodes and publishes one entry.
func (s *KafkaSink) Record(_ context.Context, e *Entry) error {
	data, err := s.codec.Encode(e)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(e.Container),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(e.Kind)},
			{Key: []byte("content-type"), Value: []byte(s.codec.ContentType())},
		},
	}
	if _, _, err := s.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("send entry: %w", err)
	}
	return nil
}

// Close shuts down the producer. The underlying client stays open; the
// caller owns it.
func (s *KafkaSink) Close() error {
	return s.producer.Close()
}

// Compile-time interface check
var _ Sink = (*KafkaSink)(nil)
