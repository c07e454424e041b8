package producer

import (
	"context"
	"encoding/json"
	"time"

	"cdr.dev/slog/v3"
	"github.com/segmentio/kafka-go"
	"golang.org/x/xerrors"

	"campus-telemetry/internal/telemetry/domain"
)

const writeTimeout = 5 * time.Second

// MessageWriter is the subset of *kafka.Writer used by KafkaProducer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer implements Producer using segmentio/kafka-go. Messages are
// keyed by session id so one session's events stay on one partition.
type KafkaProducer struct {
	writer MessageWriter
	logger slog.Logger
}

// NewKafkaProducer returns a producer writing to topic. It returns nil when
// brokers or topic are empty, which callers treat as "fan-out disabled".
func NewKafkaProducer(logger slog.Logger, brokers []string, topic string) *KafkaProducer {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return NewWithWriter(logger, &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	})
}

// NewWithWriter wraps an existing writer.
func NewWithWriter(logger slog.Logger, w MessageWriter) *KafkaProducer {
	return &KafkaProducer{writer: w, logger: logger.Named("kafka")}
}

// Encode returns the key and value written for t.
func Encode(t *domain.Telemetry) (key, value []byte, err error) {
	value, err = json.Marshal(Message{
		ID:         t.ID,
		Event:      t.Event,
		ReceivedAt: t.ReceivedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, nil, xerrors.Errorf("encode telemetry %d: %w", t.ID, err)
	}
	if t.Event.SessionID != "" {
		key = []byte(t.Event.SessionID)
	}
	return key, value, nil
}

// Emit writes t to the topic with a short timeout so a slow broker does not
// hold the caller.
func (p *KafkaProducer) Emit(ctx context.Context, t *domain.Telemetry) error {
	if p == nil || p.writer == nil || t == nil {
		return nil
	}
	key, value, err := Encode(t)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := p.writer.WriteMessages(writeCtx, kafka.Message{Key: key, Value: value}); err != nil {
		p.logger.Warn(ctx, "kafka emit failed", slog.F("telemetry_id", t.ID), slog.Error(err))
		return xerrors.Errorf("write telemetry %d: %w", t.ID, err)
	}
	return nil
}

// Close closes the writer.
func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
