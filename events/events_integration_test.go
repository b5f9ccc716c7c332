package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEventDeliveryIntegration tests delivery from the bus to a subscribed handler
func TestEventDeliveryIntegration(t *testing.T) {
	bus := NewBus()

	eventReceived := make(chan PendingTransferChangedEvent, 1)
	err := bus.Subscribe(EventTypePendingTransferChanged, func(ctx context.Context, event Event) error {
		changed, ok := event.(PendingTransferChangedEvent)
		if !ok {
			t.Errorf("Expected PendingTransferChangedEvent, got %T", event)
			return nil
		}
		eventReceived <- changed
		return nil
	})
	require.NoError(t, err)

	testEvent := PendingTransferChangedEvent{
		GuildID:           789,
		PendingTransferID: 42,
		InitiatorID:       1,
		TargetID:          2,
		Amount:            500,
		OldStatus:         "pending",
		NewStatus:         "checking",
	}

	require.NoError(t, bus.Deliver(context.Background(), "evt-1", testEvent))

	select {
	case received := <-eventReceived:
		assert.Equal(t, testEvent, received)
		assert.Equal(t, "42", received.Key())
	case <-time.After(2 * time.Second):
		t.Fatal("Event was not received within timeout")
	}
}

// TestMultipleHandlersDelivery tests that every handler of a type sees the event
func TestMultipleHandlersDelivery(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	calls := 0
	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Subscribe(EventTypeProposalStatusChanged, func(ctx context.Context, event Event) error {
			mu.Lock()
			defer mu.Unlock()
			calls++
			return nil
		}))
	}

	bus.Emit(context.Background(), ProposalStatusChangedEvent{ProposalID: 1, OldStatus: "open", NewStatus: "approved"})
	bus.Wait()

	assert.Equal(t, 3, calls)
}

// TestHandlerFailureIsolation tests that a panicking or failing handler does not block others
func TestHandlerFailureIsolation(t *testing.T) {
	bus := NewBus()

	delivered := make(chan struct{}, 1)
	require.NoError(t, bus.Subscribe(EventTypeProposalReminder, func(ctx context.Context, event Event) error {
		panic("boom")
	}))
	require.NoError(t, bus.Subscribe(EventTypeProposalReminder, func(ctx context.Context, event Event) error {
		return errors.New("handler failed")
	}))
	require.NoError(t, bus.Subscribe(EventTypeProposalReminder, func(ctx context.Context, event Event) error {
		delivered <- struct{}{}
		return nil
	}))

	bus.Emit(context.Background(), ProposalReminderEvent{ProposalID: 9})
	bus.Wait()

	select {
	case <-delivered:
	default:
		t.Fatal("healthy handler did not receive the event")
	}
}

// TestUnsubscribedTypeIsIgnored tests that events of other types are not delivered
func TestUnsubscribedTypeIsIgnored(t *testing.T) {
	bus := NewBus()

	eventReceived := make(chan bool, 1)
	require.NoError(t, bus.Subscribe(EventTypeTransactionRecorded, func(ctx context.Context, event Event) error {
		eventReceived <- true
		return nil
	}))

	bus.Emit(context.Background(), ProposalVoteCastEvent{ProposalID: 3})
	bus.Wait()

	select {
	case <-eventReceived:
		t.Fatal("Event of another type was delivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDecode(t *testing.T) {
	target := int64(2)
	original := TransactionRecordedEvent{
		GuildID:               1,
		TransactionID:         10,
		InitiatorID:           1,
		TargetID:              &target,
		Amount:                50,
		Direction:             "transfer",
		BalanceAfterInitiator: 50,
	}
	payload, err := json.Marshal(original)
	require.NoError(t, err)

	decoded, err := Decode(original.Type(), payload)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)

	_, err = Decode(EventType("nope"), payload)
	assert.ErrorIs(t, err, ErrUnknownEventType)

	_, err = Decode(EventTypeTransactionRecorded, []byte("{"))
	assert.Error(t, err)
}
