package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haibanh/checkout-service/models"
	aws_pkg "github.com/haibanh/checkout-service/pkg/aws"
	"github.com/segmentio/kafka-go"
)

// Publisher sends cart-changed events to other services.
type Publisher interface {
	Publish(ctx context.Context, evt models.CartChangedEvent) error
	Close() error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, models.CartChangedEvent) error { return nil }
func (NopPublisher) Close() error                                          { return nil }

// SNSPublisher publishes events to an SNS topic with an event_type attribute.
type SNSPublisher struct {
	client   aws_pkg.SNSPublisher
	topicArn string
}

func NewSNSPublisher(client aws_pkg.SNSPublisher, topicArn string) *SNSPublisher {
	return &SNSPublisher{client: client, topicArn: topicArn}
}

func (p *SNSPublisher) Publish(ctx context.Context, evt models.CartChangedEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.topicArn, data, map[string]string{
		"event_type": evt.EventType,
		"reason":     evt.Reason,
	})
}

func (p *SNSPublisher) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by user id so one user's events stay
// ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt models.CartChangedEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(evt.UserID), Value: data}); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
