package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pankaj-dahiya-devops/sgdrift/internal/models"
)

// messageWriter is the subset of *kafka.Writer the channel uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaChannel appends a JSON audit record per report to a topic, keyed by
// security group id so one group's records stay ordered.
type KafkaChannel struct {
	writer messageWriter
	topic  string
}

// NewKafkaChannel returns a channel writing to topic on brokers.
func NewKafkaChannel(brokers []string, topic string) *KafkaChannel {
	return &KafkaChannel{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			WriteTimeout: 10 * time.Second,
		},
		topic: topic,
	}
}

func (c *KafkaChannel) Name() string { return "kafka" }

// auditRecord is the value written to the topic.
type auditRecord struct {
	Kind    Kind                 `json:"kind"`
	Subject string               `json:"subject"`
	Finding *models.DriftFinding `json:"finding,omitempty"`
	Fault   *models.FaultNotice  `json:"fault,omitempty"`
	SentAt  time.Time            `json:"sent_at"`
}

func (c *KafkaChannel) Send(ctx context.Context, msg Message) error {
	rec := auditRecord{
		Kind:    msg.Kind,
		Subject: msg.Subject,
		Finding: msg.Finding,
		Fault:   msg.Fault,
		SentAt:  time.Now().UTC(),
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	var key string
	switch {
	case msg.Finding != nil:
		key = msg.Finding.ObjectID
	case msg.Fault != nil:
		key = msg.Fault.ObjectID
	}

	err = c.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(msg.Kind)},
		},
	})
	if err != nil {
		return fmt.Errorf("write to kafka topic %s: %w", c.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (c *KafkaChannel) Close() error { return c.writer.Close() }
