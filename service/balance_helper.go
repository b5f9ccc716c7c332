package service

import (
	"context"
	"fmt"

	"treasury/events"
	"treasury/models"
)

// RecordTransaction writes a ledger transaction and enqueues its event in the same unit of work.
// This is the single entry point for all transaction writes in the system.
func RecordTransaction(ctx context.Context, uow UnitOfWork, txn *models.Transaction) error {
	if !txn.Direction.IsValid() {
		return fmt.Errorf("invalid transaction direction %q", txn.Direction)
	}
	if err := uow.TransactionRepository().Record(ctx, txn); err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}

	event := events.TransactionRecordedEvent{
		GuildID:               txn.GuildID,
		TransactionID:         txn.ID,
		InitiatorID:           txn.InitiatorID,
		TargetID:              txn.TargetID,
		Amount:                txn.Amount,
		Direction:             string(txn.Direction),
		Reason:                txn.Reason,
		BalanceAfterInitiator: txn.BalanceAfterInitiator,
		BalanceAfterTarget:    txn.BalanceAfterTarget,
	}
	if err := uow.EventBus().Publish(event); err != nil {
		return fmt.Errorf("failed to publish transaction event: %w", err)
	}
	return nil
}
