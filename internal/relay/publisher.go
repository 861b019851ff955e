package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/segmentio/kafka-go"

	xerrors "NUMA-Market/internal/errors"
	"NUMA-Market/pkg/logger"
)

// Publisher drivers.
const (
	DriverKafkaGo = "kafka-go"
	DriverSarama  = "sarama"
	DriverLog     = "log"
)

// NewPublisher builds the publisher for driver.
func NewPublisher(driver string, brokers []string, topic string) (Publisher, error) {
	switch driver {
	case DriverKafkaGo, "":
		if len(brokers) == 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "kafka brokers are required")
		}
		return NewKafkaPublisher(brokers, topic), nil
	case DriverSarama:
		return NewSaramaPublisher(brokers, topic)
	case DriverLog:
		return NewLogPublisher(logger.Named("relay"), topic), nil
	default:
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "unknown relay driver %q", driver)
	}
}

// KafkaPublisher writes through a kafka-go writer.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, key, value []byte) error {
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value}); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "kafka write")
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// SaramaPublisher writes through a sarama sync producer.
type SaramaPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewSaramaPublisher connects a sync producer that waits for all in-sync replicas.
func NewSaramaPublisher(brokers []string, topic string) (*SaramaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "create sarama producer")
	}
	return NewSaramaPublisherWithProducer(producer, topic), nil
}

// NewSaramaPublisherWithProducer wraps an existing producer.
func NewSaramaPublisherWithProducer(producer sarama.SyncProducer, topic string) *SaramaPublisher {
	return &SaramaPublisher{producer: producer, topic: topic}
}

func (p *SaramaPublisher) Publish(ctx context.Context, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.ByteEncoder(key),
		Value: sarama.ByteEncoder(value),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "sarama send")
	}
	return nil
}

func (p *SaramaPublisher) Close() error {
	return p.producer.Close()
}

// LogPublisher writes records to a logger. Used when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
	topic  string
}

func NewLogPublisher(l *slog.Logger, topic string) *LogPublisher {
	return &LogPublisher{logger: l, topic: topic}
}

func (p *LogPublisher) Publish(_ context.Context, key, value []byte) error {
	p.logger.Info("settlement record",
		slog.String("topic", p.topic),
		slog.String("key", string(key)),
		slog.String("value", string(value)),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
