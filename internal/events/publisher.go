// Package events publishes faucet domain events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/OmarB97/trynano-server/internal/util"
)

const (
	TypeWalletCreated = "wallet.created"
	TypeFaucetPayout  = "faucet.payout"
	TypeSweepFinished = "sweep.finished"
)

type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Address    string    `json:"address,omitempty"`
	Amount     uint64    `json:"amount,omitempty"`
	Balance    uint64    `json:"balance,omitempty"`
	SourceIP   string    `json:"source_ip,omitempty"`
	Count      int       `json:"count,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func New(eventType string, occurredAt time.Time) Event {
	return Event{ID: uuid.NewString(), Type: eventType, OccurredAt: occurredAt.UTC()}
}

// Producer writes raw messages; client.KafkaProducer satisfies it.
type Producer interface {
	ProduceMessage(ctx context.Context, key, value []byte, headers map[string]string) error
}

type KafkaPublisher struct {
	producer Producer
}

func NewKafkaPublisher(p Producer) *KafkaPublisher {
	return &KafkaPublisher{producer: p}
}

// Publish keys messages by address so one wallet's events stay ordered.
func (k *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	key := e.Address
	if key == "" {
		key = e.Type
	}
	return k.producer.ProduceMessage(ctx, []byte(key), value, map[string]string{
		"event-type": e.Type,
		"event-id":   e.ID,
	})
}

// Noop drops events. It is used when no brokers are configured.
type Noop struct{}

func (Noop) Publish(_ context.Context, e Event) error {
	util.Debug("Event dropped (no publisher)", util.String("type", e.Type))
	return nil
}
