package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/carpool-settlement/internal/models"
)

// SettlementProducer publishes settlement events. The incentive engine and
// the enterprise telework logger consume the topic downstream.
type SettlementProducer struct {
	writer *kafka.Writer
}

func NewSettlementProducer(brokers []string, topic string) *SettlementProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
	return &SettlementProducer{writer: w}
}

func (p *SettlementProducer) PublishSettlement(ev models.SettlementEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, _ := json.Marshal(ev)
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.OfferID), Value: b})
}

func (p *SettlementProducer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
