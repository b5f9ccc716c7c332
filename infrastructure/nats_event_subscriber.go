package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"

	"treasury/events"

	log "github.com/sirupsen/logrus"
)

// MessageSubscriber registers raw message handlers; implemented by NATSClient
type MessageSubscriber interface {
	Subscribe(subject string, handler func([]byte) error) error
}

// NATSEventSubscriber subscribes to NATS subjects and decodes envelopes for application handlers.
// It implements events.Subscriber.
type NATSEventSubscriber struct {
	client        MessageSubscriber
	subjectMapper *EventSubjectMapper
}

// NewNATSEventSubscriber creates a new NATS event subscriber
func NewNATSEventSubscriber(client MessageSubscriber, subjectMapper *EventSubjectMapper) *NATSEventSubscriber {
	return &NATSEventSubscriber{
		client:        client,
		subjectMapper: subjectMapper,
	}
}

// Subscribe registers a handler for every event of eventType
func (s *NATSEventSubscriber) Subscribe(eventType events.EventType, handler events.Handler) error {
	subject := s.subjectMapper.SubscriptionSubject(eventType)

	log.WithFields(log.Fields{
		"eventType": eventType,
		"subject":   subject,
	}).Info("Registering event handler for subject")

	return s.client.Subscribe(subject, func(data []byte) error {
		return s.handleMessage(subject, data, handler)
	})
}

// handleMessage decodes an envelope and routes it to handler
func (s *NATSEventSubscriber) handleMessage(subject string, data []byte, handler events.Handler) error {
	var envelope EventEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		log.WithFields(log.Fields{
			"subject": subject,
			"error":   err,
		}).Error("Failed to unmarshal event envelope")
		return fmt.Errorf("failed to unmarshal event envelope: %w", err)
	}

	event, err := events.Decode(events.EventType(envelope.EventType), envelope.Payload)
	if err != nil {
		log.WithFields(log.Fields{
			"subject":     subject,
			"eventType":   envelope.EventType,
			"eventId":     envelope.EventID,
			"payloadSize": len(envelope.Payload),
			"error":       err,
		}).Error("Failed to decode event payload")
		return fmt.Errorf("failed to decode event payload: %w", err)
	}

	if err := handler(context.Background(), event); err != nil {
		log.WithFields(log.Fields{
			"subject":   subject,
			"eventType": envelope.EventType,
			"eventId":   envelope.EventID,
			"error":     err,
		}).Error("Event handler failed")
		return err
	}

	log.WithFields(log.Fields{
		"subject":   subject,
		"eventType": envelope.EventType,
		"eventId":   envelope.EventID,
	}).Debug("Successfully processed NATS event")
	return nil
}
