package application

import (
	"context"
	"errors"
	"fmt"

	"treasury/events"
	"treasury/models"
	"treasury/service"

	log "github.com/sirupsen/logrus"
)

// RegisterSubscriptions wires the event handlers: pending transfers are evaluated
// as they change, and outcomes are relayed through notifier when it is non-nil.
// Handlers for one event type share a single subscription.
func RegisterSubscriptions(subscriber events.Subscriber, evaluator PendingTransferEvaluator, notifier EventNotifier) error {
	handlers := map[events.EventType][]events.Handler{
		events.EventTypePendingTransferChanged: {newPendingTransferEvaluationHandler(evaluator)},
	}

	if notifier != nil {
		notify := func(ctx context.Context, event events.Event) error {
			if !shouldNotify(event) {
				return nil
			}
			return notifier.Notify(ctx, event)
		}
		for _, eventType := range []events.EventType{
			events.EventTypePendingTransferChanged,
			events.EventTypeProposalStatusChanged,
			events.EventTypeProposalReminder,
		} {
			handlers[eventType] = append(handlers[eventType], notify)
		}
	}

	for _, eventType := range events.AllEventTypes() {
		typeHandlers, ok := handlers[eventType]
		if !ok {
			continue
		}
		if err := subscriber.Subscribe(eventType, fanOut(typeHandlers)); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", eventType, err)
		}
	}
	return nil
}

func newPendingTransferEvaluationHandler(evaluator PendingTransferEvaluator) events.Handler {
	return func(ctx context.Context, event events.Event) error {
		changed, ok := event.(events.PendingTransferChangedEvent)
		if !ok {
			return fmt.Errorf("unexpected event %T", event)
		}
		if models.PendingTransferStatus(changed.NewStatus).IsTerminal() {
			return nil
		}

		err := evaluator.Evaluate(ctx, changed.GuildID, changed.PendingTransferID)
		if errors.Is(err, service.ErrPendingTransferNotFound) {
			log.WithFields(log.Fields{
				"guild_id":            changed.GuildID,
				"pending_transfer_id": changed.PendingTransferID,
			}).Warn("Pending transfer vanished before evaluation")
			return nil
		}
		return err
	}
}

// shouldNotify filters out intermediate pending transfer steps
func shouldNotify(event events.Event) bool {
	if changed, ok := event.(events.PendingTransferChangedEvent); ok {
		return models.PendingTransferStatus(changed.NewStatus).IsTerminal()
	}
	return true
}

// fanOut runs every handler and joins their errors
func fanOut(handlers []events.Handler) events.Handler {
	if len(handlers) == 1 {
		return handlers[0]
	}
	return func(ctx context.Context, event events.Event) error {
		var errs []error
		for _, h := range handlers {
			if err := h(ctx, event); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
