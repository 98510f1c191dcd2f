// Package events publishes incident change notifications for downstream
// consumers. Publishing is optional wiring; callers hold a nil Publisher when
// no broker is configured and must treat that as "don't publish".
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Change types carried on the event stream.
const (
	TypeIncidentCreated  = "incident.created"
	TypeIncidentUpdated  = "incident.updated"
	TypeIncidentClosed   = "incident.closed"
	TypeIncidentGrouped  = "incident.grouped"
	TypeIncidentMerged   = "incident.merged"
	TypeIncidentUnlinked = "incident.unlinked"
)

// ChangeEvent is one incident change notification.
type ChangeEvent struct {
	Type       string    `json:"type"`
	TenantID   string    `json:"tenant_id"`
	IncidentID string    `json:"incident_id"`
	ExternalID string    `json:"external_id,omitempty"`
	GroupID    string    `json:"group_id,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher emits change events. Implementations must be safe for concurrent
// use.
type Publisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}

// KafkaPublisher writes change events to a Kafka topic, keyed by tenant so a
// tenant's events stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
		logger: logger,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev ChangeEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.TenantID),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write change event: %w", err)
	}
	p.logger.Debug("published change event",
		"type", ev.Type, "tenant_id", ev.TenantID, "incident_id", ev.IncidentID)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
