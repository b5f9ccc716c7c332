package infrastructure

import (
	"fmt"
	"strings"

	"treasury/events"
)

const subjectRoot = "treasury"

var subjectsByType = map[events.EventType]string{
	events.EventTypeTransactionRecorded:    subjectRoot + ".ledger.transaction_recorded",
	events.EventTypePendingTransferChanged: subjectRoot + ".pending_transfers.changed",
	events.EventTypeProposalStatusChanged:  subjectRoot + ".proposals.status_changed",
	events.EventTypeProposalVoteCast:       subjectRoot + ".proposals.vote_cast",
	events.EventTypeProposalReminder:       subjectRoot + ".proposals.reminder",
}

// EventSubjectMapper handles mapping between domain events and NATS subjects.
// Published subjects end with the event's entity key.
type EventSubjectMapper struct{}

// NewEventSubjectMapper creates a new event subject mapper
func NewEventSubjectMapper() *EventSubjectMapper {
	return &EventSubjectMapper{}
}

// MapEventToSubject returns the subject an event is published on
func (m *EventSubjectMapper) MapEventToSubject(event events.Event) string {
	return fmt.Sprintf("%s.%s", m.baseSubject(event.Type()), event.Key())
}

// SubscriptionSubject returns the wildcard subject matching every event of eventType
func (m *EventSubjectMapper) SubscriptionSubject(eventType events.EventType) string {
	return m.baseSubject(eventType) + ".*"
}

// MapSubjectToEventType converts a published subject back to its event type
func (m *EventSubjectMapper) MapSubjectToEventType(subject string) events.EventType {
	base := subject
	if i := strings.LastIndex(subject, "."); i > 0 {
		base = subject[:i]
	}
	for eventType, candidate := range subjectsByType {
		if candidate == base {
			return eventType
		}
	}
	return events.EventType(subject)
}

// GetAllSubjects returns the stream subjects covering every event type
func (m *EventSubjectMapper) GetAllSubjects() []string {
	subjects := make([]string, 0, len(subjectsByType))
	for _, eventType := range events.AllEventTypes() {
		subjects = append(subjects, m.SubscriptionSubject(eventType))
	}
	return subjects
}

func (m *EventSubjectMapper) baseSubject(eventType events.EventType) string {
	if subject, ok := subjectsByType[eventType]; ok {
		return subject
	}
	return fmt.Sprintf("%s.unknown.%s", subjectRoot, eventType)
}
