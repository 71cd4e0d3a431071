package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// MultiSender delivers to every sender in order. The attempt fails if any
// sender fails; consumers dedupe on the event's dedupe key, so a retry that
// reaches an already-served sender is harmless.
type MultiSender []Sender

func (m MultiSender) Send(ctx context.Context, e *Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSender only logs events. Used when no partner sink is configured.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, e *Event) error {
	s.logger.Info().
		Str("event_id", e.ID.String()).
		Str("event_type", e.Type).
		Str("dedupe_key", e.DedupeKey).
		Str("business_id", e.BusinessID.String()).
		Msg("outbox event")
	return nil
}

// MessageWriter is the subset of *kafka.Writer used by KafkaSender.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig holds Kafka producer configuration.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	RequiredAcks int
}

// KafkaSender publishes the event envelope to a topic keyed by dedupe key so
// that redeliveries land on the same partition.
type KafkaSender struct {
	writer MessageWriter
	topic  string
	logger zerolog.Logger
}

// NewKafkaSender creates a sender backed by a kafka-go writer.
func NewKafkaSender(cfg KafkaConfig, logger zerolog.Logger) *KafkaSender {
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	acks := kafka.RequireAll
	if cfg.RequiredAcks != 0 {
		acks = kafka.RequiredAcks(cfg.RequiredAcks)
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batchTimeout,
		RequiredAcks:           acks,
		AllowAutoTopicCreation: true,
	}
	return NewKafkaSenderWithWriter(writer, cfg.Topic, logger)
}

// NewKafkaSenderWithWriter wraps an existing writer.
func NewKafkaSenderWithWriter(w MessageWriter, topic string, logger zerolog.Logger) *KafkaSender {
	return &KafkaSender{writer: w, topic: topic, logger: logger}
}

func (k *KafkaSender) Send(ctx context.Context, e *Event) error {
	data, err := json.Marshal(e.Envelope())
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := kafka.Message{
		Topic: k.topic,
		Key:   []byte(e.DedupeKey),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "business_id", Value: []byte(e.BusinessID.String())},
			{Key: "dedupe_key", Value: []byte(e.DedupeKey)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	k.logger.Debug().Str("event_id", e.ID.String()).Str("topic", k.topic).Msg("published outbox event")
	return nil
}

func (k *KafkaSender) Close() error {
	return k.writer.Close()
}
