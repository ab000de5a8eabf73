package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	readerMaxBytes    = 10e6
	readerMaxWait     = 100 * time.Millisecond
	subscribeRetryMin = time.Second
	subscribeRetryMax = 30 * time.Second
)

// KafkaBus talks to a single broker endpoint. One shared writer handles all
// outbound topics; each Subscribe call owns its reader.
type KafkaBus struct {
	endpoint string
	writer   *kafka.Writer
	logger   *slog.Logger
}

// KafkaOption mutates bus construction.
type KafkaOption func(*KafkaBus)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) KafkaOption {
	return func(b *KafkaBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewKafka constructs a bus against the supplied broker endpoint.
func NewKafka(endpoint string, opts ...KafkaOption) (*KafkaBus, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("bus: broker endpoint required")
	}
	b := &KafkaBus{
		endpoint: endpoint,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(endpoint),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Publish writes one record and waits for the broker acknowledgement. Keyed
// messages land on a stable partition so per-key ordering survives the hop.
func (b *KafkaBus) Publish(ctx context.Context, msg Message) error {
	if msg.Topic == "" {
		return errors.New("bus: message topic required")
	}
	record := kafka.Message{
		Topic: msg.Topic,
		Key:   msg.Key,
		Value: msg.Value,
		Time:  msg.Time,
	}
	if err := b.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("bus: publish to %s: %w", msg.Topic, err)
	}
	return nil
}

// Subscribe consumes the topic from the latest offset until ctx is
// cancelled. Read errors are logged and retried with growing delay; the
// handler only ever sees complete records.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string, fn Handler) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("bus: topic required")
	}
	if fn == nil {
		return errors.New("bus: handler required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{b.endpoint},
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: readerMaxBytes,
		MaxWait:  readerMaxWait,
	})
	if err := reader.SetOffset(kafka.LastOffset); err != nil {
		reader.Close()
		return fmt.Errorf("bus: seek %s: %w", topic, err)
	}
	defer reader.Close()

	delay := subscribeRetryMin
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("bus read failed", "topic", topic, "error", err.Error())
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			if delay *= 2; delay > subscribeRetryMax {
				delay = subscribeRetryMax
			}
			continue
		}
		delay = subscribeRetryMin
		fn(ctx, Message{Topic: msg.Topic, Key: msg.Key, Value: msg.Value, Time: msg.Time})
	}
}

// Close flushes and tears down the shared writer.
func (b *KafkaBus) Close() error {
	return b.writer.Close()
}
