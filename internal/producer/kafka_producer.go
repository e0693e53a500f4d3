package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/skillbridge254/eventsync/internal/config"
	"github.com/skillbridge254/eventsync/internal/event"
)

const defaultEventsTopic = "skillbridge.research.events"

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer messageWriter
	topic  string
}

// NewKafkaProducer writes synchronously so that a failed publish can be
// reported back to the client for that record.
func NewKafkaProducer(cfg config.KafkaConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	topic := cfg.Topics["events"]
	if topic == "" {
		topic = defaultEventsTopic
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}

	return &KafkaProducer{writer: w, topic: topic}, nil
}

// Publish writes envs keyed by user id, keeping each learner's events on one
// partition. The returned slice holds one error per envelope, nil on success.
func (p *KafkaProducer) Publish(ctx context.Context, envs []*event.Envelope) []error {
	errs := make([]error, len(envs))
	msgs := make([]kafka.Message, 0, len(envs))
	idx := make([]int, 0, len(envs))

	for i, env := range envs {
		data, err := json.Marshal(env)
		if err != nil {
			errs[i] = fmt.Errorf("encode event %s: %w", env.EventID, err)
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(env.UserID),
			Value: data,
			Time:  env.ReceivedAt,
		})
		idx = append(idx, i)
	}
	if len(msgs) == 0 {
		return errs
	}

	err := p.writer.WriteMessages(ctx, msgs...)
	if err == nil {
		return errs
	}

	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) && len(werrs) == len(msgs) {
		for j, werr := range werrs {
			if werr != nil {
				errs[idx[j]] = fmt.Errorf("publish to %s: %w", p.topic, werr)
			}
		}
		return errs
	}

	for _, i := range idx {
		errs[i] = fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	return errs
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}
