package events

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/joelmbaka/pygrade/internal/metrics"
)

// PublisherConfig configures the Kafka-based event publisher.
type PublisherConfig struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher writes graded-submission events to Kafka. A nil *Publisher
// no-ops, so callers never branch on whether eventing is configured.
type Publisher struct {
	writer messageWriter
	log    *zerolog.Logger
}

// NewPublisher constructs a Publisher using the supplied configuration.
func NewPublisher(cfg PublisherConfig, log *zerolog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker must be provided")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic must be provided")
	}

	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		AllowAutoTopicCreation: true,
		Balancer:               &kafkago.LeastBytes{},
		RequiredAcks:           kafkago.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
	}

	return newPublisher(writer, log), nil
}

func newPublisher(writer messageWriter, log *zerolog.Logger) *Publisher {
	return &Publisher{writer: writer, log: log}
}

// Publish writes the event, keyed by lesson so attempts for one lesson
// stay ordered. Failures are logged and counted, never returned: grading
// must not depend on the broker.
func (p *Publisher) Publish(ctx context.Context, event GradedSubmission) {
	if p == nil {
		return
	}

	payload, err := encodeGradedSubmission(event)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to encode graded submission")
		metrics.EventsPublished.WithLabelValues("error").Inc()
		return
	}

	msg := kafkago.Message{
		Key:   []byte(event.LessonID),
		Value: payload,
		Time:  time.Now(),
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error().Err(err).Str("lesson_id", event.LessonID).Msg("failed to publish graded submission")
		metrics.EventsPublished.WithLabelValues("error").Inc()
		return
	}

	metrics.EventsPublished.WithLabelValues("ok").Inc()
}

// Close releases the underlying Kafka writer.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
