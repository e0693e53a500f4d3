package consumer

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/skillbridge254/eventsync/internal/config"
	"github.com/skillbridge254/eventsync/internal/event"
)

const defaultEventsTopic = "skillbridge.research.events"

// MessageProcessor interface for processing messages
type MessageProcessor interface {
	Process(ctx context.Context, env *event.Envelope) error
	Flush()
}

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Config() kafka.ReaderConfig
	Close() error
}

// KafkaConsumer consumes messages from Kafka
type KafkaConsumer struct {
	reader    messageReader
	processor MessageProcessor
}

// NewKafkaConsumer creates a new Kafka consumer
func NewKafkaConsumer(cfg config.KafkaConfig, processor MessageProcessor) (*KafkaConsumer, error) {
	topic := cfg.Topics["events"]
	if topic == "" {
		topic = defaultEventsTopic
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1e3,  // 1KB
		MaxBytes:       10e6, // 10MB
		CommitInterval: 1000,
		StartOffset:    kafka.FirstOffset,
	})

	return &KafkaConsumer{
		reader:    reader,
		processor: processor,
	}, nil
}

// Start consumes until ctx is cancelled. Messages are committed once
// handed to the processor, including ones that fail to decode.
func (c *KafkaConsumer) Start(ctx context.Context) {
	cfg := c.reader.Config()
	log.Info().
		Str("topic", cfg.Topic).
		Str("group", cfg.GroupID).
		Msg("Starting Kafka consumer")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("Kafka consumer stopped")
				return
			}
			log.Error().Err(err).Msg("Failed to fetch message")
			continue
		}

		var env event.Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			log.Error().
				Err(err).
				Int64("offset", msg.Offset).
				Int("partition", msg.Partition).
				Msg("Failed to parse message")
		} else if err := c.processor.Process(ctx, &env); err != nil {
			log.Error().
				Err(err).
				Str("event_id", env.EventID).
				Msg("Failed to process event")
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Failed to commit message")
		}
	}
}

// Close closes the consumer
func (c *KafkaConsumer) Close() error {
	log.Info().Msg("Closing Kafka consumer")
	// Flush remaining events before closing
	c.processor.Flush()
	return c.reader.Close()
}
