package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"treasury/events"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
)

// MessagePublisher publishes raw payloads; implemented by NATSClient
type MessagePublisher interface {
	Publish(ctx context.Context, subject string, data []byte, msgID string) error
}

// EventEnvelope is the wire format of every event published to NATS
type EventEnvelope struct {
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	AggregateKey string          `json:"aggregate_key"`
	PublishedAt  time.Time       `json:"published_at"`
	Payload      json.RawMessage `json:"payload"`
}

// NATSEventPublisher delivers outbox events to NATS behind a circuit breaker
type NATSEventPublisher struct {
	client        MessagePublisher
	subjectMapper *EventSubjectMapper
	breaker       *gobreaker.CircuitBreaker[struct{}]
	maxRetries    uint64
	retryInterval time.Duration
}

// NewNATSEventPublisher creates a new NATS event publisher
func NewNATSEventPublisher(client MessagePublisher, subjectMapper *EventSubjectMapper) *NATSEventPublisher {
	settings := gobreaker.Settings{
		Name:        "nats-publish",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(log.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}

	return &NATSEventPublisher{
		client:        client,
		subjectMapper: subjectMapper,
		breaker:       gobreaker.NewCircuitBreaker[struct{}](settings),
		maxRetries:    2,
		retryInterval: 200 * time.Millisecond,
	}
}

// Deliver publishes the event under its outbox ID, which JetStream uses for deduplication
func (p *NATSEventPublisher) Deliver(ctx context.Context, eventID string, event events.Event) error {
	if eventID == "" {
		eventID = uuid.New().String()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	data, err := json.Marshal(EventEnvelope{
		EventID:      eventID,
		EventType:    string(event.Type()),
		AggregateKey: event.Key(),
		PublishedAt:  time.Now().UTC(),
		Payload:      payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event envelope: %w", err)
	}

	subject := p.subjectMapper.MapEventToSubject(event)

	_, err = p.breaker.Execute(func() (struct{}, error) {
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(p.retryInterval), p.maxRetries),
			ctx,
		)
		return struct{}{}, backoff.Retry(func() error {
			return p.client.Publish(ctx, subject, data, eventID)
		}, policy)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("nats publishing suspended: %w", err)
	}
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"eventID":   eventID,
		"eventType": event.Type(),
		"subject":   subject,
	}).Debug("Published event to NATS")
	return nil
}

// State reports the circuit breaker state
func (p *NATSEventPublisher) State() gobreaker.State {
	return p.breaker.State()
}
