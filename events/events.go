package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventTypeTransactionRecorded    EventType = "transaction_recorded"
	EventTypePendingTransferChanged EventType = "pending_transfer_changed"
	EventTypeProposalStatusChanged  EventType = "proposal_status_changed"
	EventTypeProposalVoteCast       EventType = "proposal_vote_cast"
	EventTypeProposalReminder       EventType = "proposal_reminder"
)

// Event is the base interface for all events.
// Key identifies the entity the event is about.
type Event interface {
	Type() EventType
	Key() string
}

// TransactionRecordedEvent is emitted for every ledger transaction written
type TransactionRecordedEvent struct {
	GuildID               int64  `json:"guild_id"`
	TransactionID         int64  `json:"transaction_id"`
	InitiatorID           int64  `json:"initiator_id"`
	TargetID              *int64 `json:"target_id,omitempty"`
	Amount                int64  `json:"amount"`
	Direction             string `json:"direction"`
	Reason                string `json:"reason"`
	BalanceAfterInitiator int64  `json:"balance_after_initiator"`
	BalanceAfterTarget    *int64 `json:"balance_after_target,omitempty"`
}

func (e TransactionRecordedEvent) Type() EventType {
	return EventTypeTransactionRecorded
}

func (e TransactionRecordedEvent) Key() string {
	return strconv.FormatInt(e.TransactionID, 10)
}

// PendingTransferChangedEvent is emitted whenever a pending transfer is written
type PendingTransferChangedEvent struct {
	GuildID           int64  `json:"guild_id"`
	PendingTransferID int64  `json:"pending_transfer_id"`
	InitiatorID       int64  `json:"initiator_id"`
	TargetID          int64  `json:"target_id"`
	Amount            int64  `json:"amount"`
	OldStatus         string `json:"old_status"`
	NewStatus         string `json:"new_status"`
	Reason            string `json:"reason,omitempty"`
}

func (e PendingTransferChangedEvent) Type() EventType {
	return EventTypePendingTransferChanged
}

func (e PendingTransferChangedEvent) Key() string {
	return strconv.FormatInt(e.PendingTransferID, 10)
}

// ProposalStatusChangedEvent represents a proposal state transition
type ProposalStatusChangedEvent struct {
	GuildID        int64  `json:"guild_id"`
	ProposalID     int64  `json:"proposal_id"`
	OldStatus      string `json:"old_status"`
	NewStatus      string `json:"new_status"`
	Amount         int64  `json:"amount"`
	ExecutionTxID  *int64 `json:"execution_tx_id,omitempty"`
	ExecutionError string `json:"execution_error,omitempty"`
}

func (e ProposalStatusChangedEvent) Type() EventType {
	return EventTypeProposalStatusChanged
}

func (e ProposalStatusChangedEvent) Key() string {
	return strconv.FormatInt(e.ProposalID, 10)
}

// ProposalVoteCastEvent represents a vote being cast or replaced
type ProposalVoteCastEvent struct {
	GuildID    int64  `json:"guild_id"`
	ProposalID int64  `json:"proposal_id"`
	VoterID    int64  `json:"voter_id"`
	Choice     string `json:"choice"`
	Approve    int    `json:"approve"`
	Voted      int    `json:"voted"`
	SnapshotN  int    `json:"snapshot_n"`
	ThresholdT int    `json:"threshold_t"`
}

func (e ProposalVoteCastEvent) Type() EventType {
	return EventTypeProposalVoteCast
}

func (e ProposalVoteCastEvent) Key() string {
	return strconv.FormatInt(e.ProposalID, 10)
}

// ProposalReminderEvent asks the members who have not voted to do so before the deadline
type ProposalReminderEvent struct {
	GuildID       int64     `json:"guild_id"`
	ProposalID    int64     `json:"proposal_id"`
	DeadlineAt    time.Time `json:"deadline_at"`
	PendingVoters []int64   `json:"pending_voters"`
}

func (e ProposalReminderEvent) Type() EventType {
	return EventTypeProposalReminder
}

func (e ProposalReminderEvent) Key() string {
	return strconv.FormatInt(e.ProposalID, 10)
}

// ErrUnknownEventType is returned by Decode for unregistered event types
var ErrUnknownEventType = errors.New("unknown event type")

// Decode rebuilds a typed event from its type name and JSON payload
func Decode(eventType EventType, payload []byte) (Event, error) {
	switch eventType {
	case EventTypeTransactionRecorded:
		return decodeAs[TransactionRecordedEvent](payload)
	case EventTypePendingTransferChanged:
		return decodeAs[PendingTransferChangedEvent](payload)
	case EventTypeProposalStatusChanged:
		return decodeAs[ProposalStatusChangedEvent](payload)
	case EventTypeProposalVoteCast:
		return decodeAs[ProposalVoteCastEvent](payload)
	case EventTypeProposalReminder:
		return decodeAs[ProposalReminderEvent](payload)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
}

func decodeAs[T Event](payload []byte) (Event, error) {
	var event T
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to decode %T: %w", event, err)
	}
	return event, nil
}

// AllEventTypes lists every event type the system emits
func AllEventTypes() []EventType {
	return []EventType{
		EventTypeTransactionRecorded,
		EventTypePendingTransferChanged,
		EventTypeProposalStatusChanged,
		EventTypeProposalVoteCast,
		EventTypeProposalReminder,
	}
}

// Handler is a function that handles events
type Handler func(ctx context.Context, event Event) error

// Subscriber registers handlers for event types
type Subscriber interface {
	Subscribe(eventType EventType, handler Handler) error
}

// Bus manages in-process event subscriptions and dispatching
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	wg       sync.WaitGroup
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe adds a handler for a specific event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)

	log.WithFields(log.Fields{
		"eventType":    eventType,
		"handlerCount": len(b.handlers[eventType]),
	}).Debug("Subscribed handler to event type on in-process bus")
	return nil
}

// Emit dispatches an event to all registered handlers asynchronously
func (b *Bus) Emit(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event.Type()]))
	copy(handlers, b.handlers[event.Type()])
	b.mu.RUnlock()

	log.WithFields(log.Fields{
		"eventType":    event.Type(),
		"key":          event.Key(),
		"handlerCount": len(handlers),
	}).Debug("Emitting event to handlers on in-process bus")

	for i, handler := range handlers {
		b.wg.Add(1)
		go func(h Handler, handlerIndex int) {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(log.Fields{
						"eventType":    event.Type(),
						"key":          event.Key(),
						"handlerIndex": handlerIndex,
						"panic":        r,
					}).Error("Event handler panicked")
				}
			}()
			if err := h(ctx, event); err != nil {
				log.WithFields(log.Fields{
					"eventType":    event.Type(),
					"key":          event.Key(),
					"handlerIndex": handlerIndex,
					"error":        err,
				}).Error("Event handler failed")
			}
		}(handler, i)
	}
}

// Deliver hands an outbox event to the subscribers. Handlers run detached from
// ctx so a finished dispatch cycle does not cancel them.
func (b *Bus) Deliver(ctx context.Context, eventID string, event Event) error {
	b.Emit(context.WithoutCancel(ctx), event)
	return nil
}

// Wait blocks until every handler started so far has returned
func (b *Bus) Wait() {
	b.wg.Wait()
}
