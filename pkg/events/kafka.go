// Package events publishes session outcomes to Kafka for downstream
// consumers (reporting, access reviews).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"breakglass/pkg/session"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	// WriteTimeout bounds each Emit.
	WriteTimeout time.Duration
	Logger       zerolog.Logger
}

type Producer struct {
	writer  kafkaWriter
	timeout time.Duration
	log     zerolog.Logger
}

func NewProducer(cfg KafkaConfig) (*Producer, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: false,
	}
	return newProducer(w, cfg), nil
}

func newProducer(w kafkaWriter, cfg KafkaConfig) *Producer {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Producer{writer: w, timeout: timeout, log: cfg.Logger.With().Str("component", "events").Logger()}
}

// Publish writes one update keyed by team, so a team's updates stay
// ordered within a partition.
func (p *Producer) Publish(ctx context.Context, u session.Update) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("kafka producer not initialized")
	}
	value, err := json.Marshal(u)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(u.Team),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(u.Type)},
		},
		Time: u.At,
	})
}

// Emit publishes outcome and approval updates; state changes stay local.
// It satisfies session.Sink.
func (p *Producer) Emit(ctx context.Context, u session.Update) {
	if u.Type == session.UpdateState {
		return
	}
	if err := p.Publish(ctx, u); err != nil {
		p.log.Error().Err(err).Str("type", u.Type).Str("team", u.Team).Msg("publishing event failed")
	}
}

func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
