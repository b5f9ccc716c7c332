package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"treasury/metrics"
	"treasury/models"

	log "github.com/sirupsen/logrus"
)

// BalanceLedger owns member balances and administrative adjustments
type BalanceLedger struct {
	uowFactory UnitOfWorkFactory
}

// NewBalanceLedger creates a new balance ledger
func NewBalanceLedger(uowFactory UnitOfWorkFactory) *BalanceLedger {
	return &BalanceLedger{uowFactory: uowFactory}
}

// GetOrCreate returns the member's balance, materialising a zero balance on first reference
func (l *BalanceLedger) GetOrCreate(ctx context.Context, guildID, memberID int64) (*models.Balance, error) {
	if memberID <= 0 {
		return nil, ErrUnknownAccount
	}

	uow := l.uowFactory.CreateForGuild(guildID)
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	balance, err := uow.BalanceRepository().GetOrCreate(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create balance: %w", err)
	}

	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return balance, nil
}

// Adjust applies delta to the member's balance under a row lock and records an
// adjustment transaction. A result below zero fails with ErrInsufficientFunds and changes nothing.
func (l *BalanceLedger) Adjust(ctx context.Context, guildID, memberID, delta int64, reason string) (*models.Balance, error) {
	if memberID <= 0 {
		return nil, ErrUnknownAccount
	}
	if delta == 0 {
		return nil, ErrInvalidAmount
	}

	direction := models.DirectionAdjustmentGrant
	amount := delta
	if delta < 0 {
		direction = models.DirectionAdjustmentDeduct
		amount = -delta
	}

	uow := l.uowFactory.CreateForGuild(guildID)
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	balance, err := uow.BalanceRepository().GetOrCreateForUpdate(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock balance: %w", err)
	}

	if delta > 0 && balance.CurrentBalance > math.MaxInt64-delta {
		metrics.RecordAdjustment(string(direction), "overflow")
		return nil, ErrBalanceOverflow
	}
	newBalance := balance.CurrentBalance + delta
	if newBalance < 0 {
		metrics.RecordAdjustment(string(direction), "insufficient_funds")
		return nil, ErrInsufficientFunds
	}

	if err := uow.BalanceRepository().UpdateBalance(ctx, memberID, newBalance); err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	txn := &models.Transaction{
		GuildID:               guildID,
		InitiatorID:           memberID,
		Amount:                amount,
		Direction:             direction,
		Reason:                reason,
		BalanceAfterInitiator: newBalance,
		Metadata:              map[string]any{"delta": delta},
	}
	if err := RecordTransaction(ctx, uow, txn); err != nil {
		return nil, err
	}

	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	metrics.RecordAdjustment(string(direction), "applied")
	log.WithFields(log.Fields{
		"guild_id":   guildID,
		"member_id":  memberID,
		"delta":      delta,
		"newBalance": newBalance,
		"reason":     reason,
	}).Info("Applied balance adjustment")

	balance.CurrentBalance = newBalance
	balance.LastModifiedAt = txn.CreatedAt
	return balance, nil
}

// SetThrottle sets the member's cooldown end, or clears it when until is nil
func (l *BalanceLedger) SetThrottle(ctx context.Context, guildID, memberID int64, until *time.Time) error {
	if memberID <= 0 {
		return ErrUnknownAccount
	}

	uow := l.uowFactory.CreateForGuild(guildID)
	if err := uow.Begin(ctx); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	if _, err := uow.BalanceRepository().GetOrCreateForUpdate(ctx, memberID); err != nil {
		return fmt.Errorf("failed to lock balance: %w", err)
	}
	if err := uow.BalanceRepository().SetThrottle(ctx, memberID, until); err != nil {
		return fmt.Errorf("failed to set throttle: %w", err)
	}

	return uow.Commit()
}

// History returns the member's most recent transactions, newest first
func (l *BalanceLedger) History(ctx context.Context, guildID, memberID int64, limit int) ([]*models.Transaction, error) {
	if limit <= 0 {
		limit = 25
	}

	uow := l.uowFactory.CreateForGuild(guildID)
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	txns, err := uow.TransactionRepository().GetByMember(ctx, memberID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	return txns, nil
}
