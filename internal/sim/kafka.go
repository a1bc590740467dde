package sim

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ridesync/internal/events"
)

// LocationMirror publishes driver location events to kafka so downstream
// consumers (see cmd/locations-consumer) can maintain a shared geo index.
type LocationMirror struct {
	writer *kafka.Writer
}

func NewLocationMirror(brokers []string, topic string) *LocationMirror {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &LocationMirror{writer: w}
}

func (m *LocationMirror) Publish(p events.LocationPayload) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(p)
	return m.writer.WriteMessages(ctx, kafka.Message{Key: []byte(p.DriverID), Value: b})
}

func (m *LocationMirror) Close() error {
	if m.writer == nil {
		return nil
	}
	return m.writer.Close()
}
