package service

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"treasury/metrics"
	"treasury/models"

	log "github.com/sirupsen/logrus"
)

// SettleFunc runs inside the transfer's unit of work after the transaction is written.
// Returning an error rolls the whole transfer back.
type SettleFunc func(ctx context.Context, uow UnitOfWork, txn *models.Transaction) error

// TransferRequest is a direct member-to-member transfer
type TransferRequest struct {
	GuildID     int64
	InitiatorID int64
	TargetID    int64
	Amount      int64
	Reason      string
	Metadata    map[string]any
	Settle      SettleFunc
}

// TransferExecutor settles one transfer atomically against the ledger
type TransferExecutor struct {
	uowFactory UnitOfWorkFactory
	checks     *CheckRegistry
	defaults   models.LedgerPolicy
	now        func() time.Time
}

// NewTransferExecutor creates a new transfer executor
func NewTransferExecutor(uowFactory UnitOfWorkFactory, checks *CheckRegistry, defaults models.LedgerPolicy) *TransferExecutor {
	return &TransferExecutor{
		uowFactory: uowFactory,
		checks:     checks,
		defaults:   defaults,
		now:        utcNow,
	}
}

func validateTransfer(initiatorID, targetID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if initiatorID <= 0 || targetID <= 0 {
		return ErrUnknownAccount
	}
	if initiatorID == targetID {
		return ErrSelfTransfer
	}
	return nil
}

// Execute runs the transfer. Cooldown and daily limit violations commit a
// throttle_block record and return *ThrottledError or *DailyLimitError;
// insufficient funds rolls back with nothing written.
func (e *TransferExecutor) Execute(ctx context.Context, req TransferRequest) (*models.Transaction, error) {
	start := time.Now()
	outcome := "error"
	defer func() {
		metrics.RecordTransfer(outcome, time.Since(start))
	}()

	if err := validateTransfer(req.InitiatorID, req.TargetID, req.Amount); err != nil {
		outcome = "invalid"
		return nil, err
	}

	uow := e.uowFactory.CreateForGuild(req.GuildID)
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback() // No-op if already committed

	policy, err := resolvePolicy(ctx, uow, req.GuildID, e.defaults)
	if err != nil {
		return nil, err
	}
	now := e.now()

	balances, err := lockBalances(ctx, uow, req.InitiatorID, req.TargetID)
	if err != nil {
		return nil, err
	}
	initiator := balances[req.InitiatorID]
	target := balances[req.TargetID]

	checkReq := CheckRequest{
		GuildID:     req.GuildID,
		InitiatorID: req.InitiatorID,
		TargetID:    req.TargetID,
		Amount:      req.Amount,
		Policy:      policy,
		Now:         now,
	}
	reader := uowLedgerReader{uow: uow}

	if !policy.IsExempt(req.InitiatorID) {
		for _, name := range []models.CheckName{models.CheckCooldown, models.CheckDailyLimit} {
			check, ok := e.checks.Get(name)
			if !ok {
				continue
			}
			result := check.Evaluate(ctx, reader, checkReq)
			switch result.Outcome {
			case models.CheckOutcomeInconclusive:
				return nil, result.Err
			case models.CheckOutcomeFail:
				blockErr, err := e.recordThrottleBlock(ctx, uow, req, initiator, target, policy, now, name, result.Err)
				if err != nil {
					return nil, err
				}
				if err := uow.Commit(); err != nil {
					return nil, fmt.Errorf("failed to commit throttle block: %w", err)
				}
				outcome = string(name)
				log.WithFields(log.Fields{
					"guild_id":     req.GuildID,
					"initiator_id": req.InitiatorID,
					"target_id":    req.TargetID,
					"amount":       req.Amount,
					"check":        name,
				}).Info("Transfer blocked by throttle policy")
				return nil, blockErr
			}
		}
	}

	balanceCheck, ok := e.checks.Get(models.CheckBalance)
	if !ok {
		balanceCheck = BalanceCheck()
	}
	result := balanceCheck.Evaluate(ctx, reader, checkReq)
	switch result.Outcome {
	case models.CheckOutcomeInconclusive:
		return nil, result.Err
	case models.CheckOutcomeFail:
		outcome = "insufficient_funds"
		return nil, result.Err
	}

	if target.CurrentBalance > math.MaxInt64-req.Amount {
		outcome = "overflow"
		return nil, ErrBalanceOverflow
	}
	newInitiatorBalance := initiator.CurrentBalance - req.Amount
	newTargetBalance := target.CurrentBalance + req.Amount

	if err := uow.BalanceRepository().UpdateBalance(ctx, req.InitiatorID, newInitiatorBalance); err != nil {
		return nil, fmt.Errorf("failed to debit initiator: %w", err)
	}
	if err := uow.BalanceRepository().UpdateBalance(ctx, req.TargetID, newTargetBalance); err != nil {
		return nil, fmt.Errorf("failed to credit target: %w", err)
	}

	targetID := req.TargetID
	txn := &models.Transaction{
		GuildID:               req.GuildID,
		InitiatorID:           req.InitiatorID,
		TargetID:              &targetID,
		Amount:                req.Amount,
		Direction:             models.DirectionTransfer,
		Reason:                req.Reason,
		BalanceAfterInitiator: newInitiatorBalance,
		BalanceAfterTarget:    &newTargetBalance,
		Metadata:              req.Metadata,
	}
	if err := RecordTransaction(ctx, uow, txn); err != nil {
		return nil, err
	}

	if req.Settle != nil {
		if err := req.Settle(ctx, uow, txn); err != nil {
			outcome = "settle_failed"
			return nil, err
		}
	}

	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	outcome = "completed"
	log.WithFields(log.Fields{
		"guild_id":       req.GuildID,
		"transaction_id": txn.ID,
		"initiator_id":   req.InitiatorID,
		"target_id":      req.TargetID,
		"amount":         req.Amount,
	}).Info("Transfer executed")

	return txn, nil
}

// recordThrottleBlock writes the throttle_block record for a failed policy check.
// A cooldown violation also pushes throttled_until out by the backoff window.
func (e *TransferExecutor) recordThrottleBlock(
	ctx context.Context,
	uow UnitOfWork,
	req TransferRequest,
	initiator, target *models.Balance,
	policy models.LedgerPolicy,
	now time.Time,
	check models.CheckName,
	checkErr error,
) (blockErr error, err error) {
	blockErr = checkErr
	if check == models.CheckCooldown {
		until := initiator.ExtendThrottle(now, policy.ThrottleBackoff)
		if err := uow.BalanceRepository().SetThrottle(ctx, req.InitiatorID, &until); err != nil {
			return nil, fmt.Errorf("failed to extend throttle: %w", err)
		}
		blockErr = &ThrottledError{MemberID: req.InitiatorID, Until: until}
	}

	targetID := req.TargetID
	targetBalance := target.CurrentBalance
	txn := &models.Transaction{
		GuildID:               req.GuildID,
		InitiatorID:           req.InitiatorID,
		TargetID:              &targetID,
		Amount:                req.Amount,
		Direction:             models.DirectionThrottleBlock,
		Reason:                blockErr.Error(),
		BalanceAfterInitiator: initiator.CurrentBalance,
		BalanceAfterTarget:    &targetBalance,
		Metadata: map[string]any{
			"check":            string(check),
			"requested_reason": req.Reason,
		},
	}
	if err := RecordTransaction(ctx, uow, txn); err != nil {
		return nil, err
	}
	return blockErr, nil
}

// lockBalances locks the given accounts in ascending member id order,
// so reciprocal transfers always acquire row locks in the same sequence
func lockBalances(ctx context.Context, uow UnitOfWork, memberIDs ...int64) (map[int64]*models.Balance, error) {
	ordered := slices.Clone(memberIDs)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	locked := make(map[int64]*models.Balance, len(ordered))
	for _, id := range ordered {
		balance, err := uow.BalanceRepository().GetOrCreateForUpdate(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to lock balance for %d: %w", id, err)
		}
		locked[id] = balance
	}
	return locked, nil
}
