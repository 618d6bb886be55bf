package reporter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/bilal/hubtiming-agent/internal/config"
)

// KafkaProducer is responsible ONLY for Kafka interactions
type KafkaProducer struct {
	writer *kafka.Writer
}

var _ Sink = (*KafkaProducer)(nil)

// NewKafkaProducer initializes the report writer
func NewKafkaProducer(cfg config.KafkaConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic not configured")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}

	log.Info().Strs("brokers", cfg.Brokers).Str("topic", cfg.Topic).Msg("kafka producer initialized")

	return &KafkaProducer{writer: writer}, nil
}

// Deliver publishes each report keyed by its correlation id
func (p *KafkaProducer) Deliver(ctx context.Context, items []Report) (bool, error) {
	msgs := make([]kafka.Message, 0, len(items))
	for _, r := range items {
		data, err := json.Marshal(r)
		if err != nil {
			return false, fmt.Errorf("marshal report: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(r.CorrelationID),
			Value: data,
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return true, fmt.Errorf("kafka write: %w", err)
	}
	return false, nil
}

// Close shuts down the Kafka writer gracefully
func (p *KafkaProducer) Close() error {
	log.Info().Msg("closing kafka producer")
	return p.writer.Close()
}
