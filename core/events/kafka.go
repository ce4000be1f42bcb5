package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"
)

type KafkaPublisher struct {
	writer *kafkago.Writer
	topic  string
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	var addrs []string
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(addrs...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: false,
	}
	return &KafkaPublisher{writer: w, topic: topic}, nil
}

// Publish keys messages by incident so one incident's events stay ordered within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, evt StateChanged) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode state changed: %w", err)
	}
	msg := kafkago.Message{
		Key:   []byte(evt.IncidentID),
		Value: payload,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte("incident.state_changed")},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", p.topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
