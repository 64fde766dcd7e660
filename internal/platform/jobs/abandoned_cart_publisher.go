package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/warrantyfunnel/api/internal/domain"
	"github.com/warrantyfunnel/api/internal/services"
)

const abandonedCartSchemaVersion = "1"

// PubSubAbandonedCartPublisher publishes abandoned cart signals for the follow-up email worker.
type PubSubAbandonedCartPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubAbandonedCartPublisher constructs a Pub/Sub backed abandoned cart publisher.
func NewPubSubAbandonedCartPublisher(topic *pubsub.Topic) (*PubSubAbandonedCartPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub abandoned cart publisher: topic is required")
	}
	return &PubSubAbandonedCartPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

type abandonedCartMessage struct {
	Trigger    string                 `json:"trigger"`
	QuoteID    string                 `json:"quoteId,omitempty"`
	Contact    domain.ContactDetails  `json:"contact"`
	Vehicle    *domain.VehicleProfile `json:"vehicle,omitempty"`
	Plan       *domain.PlanQuote      `json:"plan,omitempty"`
	OccurredAt time.Time              `json:"occurredAt"`
}

// PublishAbandonedCart enqueues the signal on the configured topic and returns the server message id.
func (p *PubSubAbandonedCartPublisher) PublishAbandonedCart(ctx context.Context, signal services.AbandonedCartSignal) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub abandoned cart publisher: not initialised")
	}

	data, err := p.marshal(abandonedCartMessage{
		Trigger:    string(signal.Trigger),
		QuoteID:    signal.QuoteID,
		Contact:    signal.Contact,
		Vehicle:    signal.Vehicle,
		Plan:       signal.Plan,
		OccurredAt: signal.OccurredAt.UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal abandoned cart: %w", err)
	}

	attrs := map[string]string{"schemaVersion": abandonedCartSchemaVersion}
	setAttr(attrs, "trigger", string(signal.Trigger))
	setAttr(attrs, "quoteId", signal.QuoteID)
	if signal.Vehicle != nil {
		setAttr(attrs, "vehicleCategory", string(signal.Vehicle.Category))
	}
	if signal.Plan != nil {
		setAttr(attrs, "planId", signal.Plan.PlanID)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish abandoned cart: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
