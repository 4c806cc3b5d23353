// Package ingest publishes dispatch facts to Kafka: driver location pings,
// the order audit trail and payment intents.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
)

type Topics struct {
	Locations string
	Audit     string
	Intents   string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer  messageWriter
	topics  Topics
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topics Topics) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newProducer(w, topics)
}

func newProducer(w messageWriter, topics Topics) *KafkaProducer {
	return &KafkaProducer{writer: w, topics: topics, timeout: 2 * time.Second}
}

func (k *KafkaProducer) publish(ctx context.Context, topic, key string, v any) error {
	if topic == "" {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: b}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// PublishLocation keys pings by driver so one driver's pings stay ordered.
func (k *KafkaProducer) PublishLocation(ctx context.Context, p models.LocationPing) error {
	return k.publish(ctx, k.topics.Locations, p.DriverID, p)
}

// Record appends to the audit trail, keyed by order.
func (k *KafkaProducer) Record(ctx context.Context, r models.AuditRecord) error {
	return k.publish(ctx, k.topics.Audit, r.OrderID, r)
}

// Submit makes the producer a payments.Sink for a downstream billing service.
func (k *KafkaProducer) Submit(ctx context.Context, in payments.Intent) error {
	return k.publish(ctx, k.topics.Intents, in.OrderID, in)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeLocation parses a location ping from the ingest topic.
func DecodeLocation(m kafka.Message) (models.LocationPing, error) {
	var p models.LocationPing
	if err := json.Unmarshal(m.Value, &p); err != nil {
		return p, err
	}
	if p.DriverID == "" && len(m.Key) > 0 {
		p.DriverID = string(m.Key)
	}
	if p.DriverID == "" {
		return p, fmt.Errorf("location ping without driver id")
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = m.Time
	}
	return p, nil
}
