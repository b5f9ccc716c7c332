package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"treasury/events"
	"treasury/metrics"
	"treasury/models"

	log "github.com/sirupsen/logrus"
)

// RetryPolicy bounds retries of inconclusive checks and failed execution attempts
type RetryPolicy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	ExecutionLease time.Duration // how long a claimed execution blocks other evaluators
	StallAfter     time.Duration // unscheduled records idle this long are redriven
	SweepBatchSize int
}

// DefaultRetryPolicy returns the retry policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     5,
		BaseDelay:      2 * time.Second,
		MaxDelay:       time.Minute,
		ExecutionLease: 30 * time.Second,
		StallAfter:     time.Minute,
		SweepBatchSize: 100,
	}
}

// AsyncTransferRequest is a transfer gated behind asynchronous checks
type AsyncTransferRequest struct {
	GuildID     int64
	InitiatorID int64
	TargetID    int64
	Amount      int64
	Metadata    map[string]any
	ExpiresAt   *time.Time
}

// PendingTransferCoordinator drives pending transfers through their checks and into execution.
// Each Evaluate call performs one step and publishes the change, which schedules the next step.
type PendingTransferCoordinator struct {
	uowFactory UnitOfWorkFactory
	checks     *CheckRegistry
	executor   TransferService
	defaults   models.LedgerPolicy
	retry      RetryPolicy
	now        func() time.Time
}

// NewPendingTransferCoordinator creates a new pending transfer coordinator
func NewPendingTransferCoordinator(
	uowFactory UnitOfWorkFactory,
	checks *CheckRegistry,
	executor TransferService,
	defaults models.LedgerPolicy,
	retry RetryPolicy,
) *PendingTransferCoordinator {
	return &PendingTransferCoordinator{
		uowFactory: uowFactory,
		checks:     checks,
		executor:   executor,
		defaults:   defaults,
		retry:      retry,
		now:        utcNow,
	}
}

// Create records a pending transfer with every registered check unknown
func (c *PendingTransferCoordinator) Create(ctx context.Context, req AsyncTransferRequest) (*models.PendingTransfer, error) {
	if err := validateTransfer(req.InitiatorID, req.TargetID, req.Amount); err != nil {
		return nil, err
	}

	uow := c.uowFactory.CreateForGuild(req.GuildID)
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	policy, err := resolvePolicy(ctx, uow, req.GuildID, c.defaults)
	if err != nil {
		return nil, err
	}

	now := c.now()
	expiresAt := req.ExpiresAt
	if expiresAt == nil && policy.PendingTransferExpiry > 0 {
		t := now.Add(policy.PendingTransferExpiry)
		expiresAt = &t
	}
	if expiresAt != nil && !expiresAt.After(now) {
		return nil, fmt.Errorf("expiry %s is not in the future", expiresAt.Format(time.RFC3339))
	}

	pt := &models.PendingTransfer{
		GuildID:     req.GuildID,
		InitiatorID: req.InitiatorID,
		TargetID:    req.TargetID,
		Amount:      req.Amount,
		Status:      models.PendingTransferStatusPending,
		Checks:      models.NewCheckStates(c.checks.Names()),
		ExpiresAt:   expiresAt,
		Metadata:    req.Metadata,
	}
	if err := uow.PendingTransferRepository().Create(ctx, pt); err != nil {
		return nil, fmt.Errorf("failed to create pending transfer: %w", err)
	}
	if err := publishPendingChange(uow, pt, ""); err != nil {
		return nil, err
	}

	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.WithFields(log.Fields{
		"guild_id":            req.GuildID,
		"pending_transfer_id": pt.ID,
		"initiator_id":        req.InitiatorID,
		"target_id":           req.TargetID,
		"amount":              req.Amount,
	}).Info("Created pending transfer")

	return pt, nil
}

// Get returns a pending transfer by id
func (c *PendingTransferCoordinator) Get(ctx context.Context, guildID, id int64) (*models.PendingTransfer, error) {
	uow := c.uowFactory.CreateForGuild(guildID)
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	pt, err := uow.PendingTransferRepository().GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending transfer: %w", err)
	}
	if pt == nil {
		return nil, ErrPendingTransferNotFound
	}
	return pt, nil
}

// Evaluate advances the pending transfer by one step under its row lock.
// Terminal and not-yet-due records are left untouched.
func (c *PendingTransferCoordinator) Evaluate(ctx context.Context, guildID, id int64) error {
	uow := c.uowFactory.CreateForGuild(guildID)
	if err := uow.Begin(ctx); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	pt, err := uow.PendingTransferRepository().GetByIDForUpdate(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to lock pending transfer: %w", err)
	}
	if pt == nil {
		return ErrPendingTransferNotFound
	}
	if pt.Status.IsTerminal() {
		return nil
	}

	now := c.now()
	if pt.IsExpired(now) {
		reason := "expired"
		return c.advance(ctx, uow, pt, models.PendingTransferStatusRejected, &reason)
	}
	if !pt.IsDue(now) {
		log.WithFields(log.Fields{
			"pending_transfer_id": pt.ID,
			"next_attempt_at":     pt.NextAttemptAt,
		}).Debug("Pending transfer not due yet")
		return nil
	}

	if pt.Status == models.PendingTransferStatusApproved {
		return c.execute(ctx, uow, pt, now)
	}
	return c.runNextCheck(ctx, uow, pt, now)
}

func (c *PendingTransferCoordinator) runNextCheck(ctx context.Context, uow UnitOfWork, pt *models.PendingTransfer, now time.Time) error {
	order := c.checks.Names()
	name, ok := pt.NextUnresolvedCheck(order)
	if !ok {
		next := models.PendingTransferStatusApproved
		if pt.Status == models.PendingTransferStatusPending {
			next = models.PendingTransferStatusChecking
		}
		return c.advance(ctx, uow, pt, next, nil)
	}
	check, ok := c.checks.Get(name)
	if !ok {
		return fmt.Errorf("check %q is not registered", name)
	}

	policy, err := resolvePolicy(ctx, uow, pt.GuildID, c.defaults)
	if err != nil {
		return c.retryAfterFailedRead(ctx, uow, pt, now, err)
	}

	result := check.Evaluate(ctx, uowLedgerReader{uow: uow}, CheckRequest{
		GuildID:     pt.GuildID,
		InitiatorID: pt.InitiatorID,
		TargetID:    pt.TargetID,
		Amount:      pt.Amount,
		Policy:      policy,
		Now:         now,
	})
	metrics.RecordCheckOutcome(string(name), string(result.Outcome))

	switch result.Outcome {
	case models.CheckOutcomePass:
		pt.Checks[name] = models.CheckStatePass
		pt.NextAttemptAt = nil
		next := models.PendingTransferStatusChecking
		if pt.AllChecksPassed(order) && pt.Status == models.PendingTransferStatusChecking {
			next = models.PendingTransferStatusApproved
		}
		return c.advance(ctx, uow, pt, next, nil)
	case models.CheckOutcomeFail:
		pt.Checks[name] = models.CheckStateFail
		reason := result.Err.Error()
		return c.advance(ctx, uow, pt, models.PendingTransferStatusRejected, &reason)
	default:
		return c.retryAfterFailedRead(ctx, uow, pt, now, result.Err)
	}
}

// retryAfterFailedRead abandons the step's transaction, which a failed statement leaves
// aborted, and records the retry in a fresh one.
func (c *PendingTransferCoordinator) retryAfterFailedRead(ctx context.Context, uow UnitOfWork, pt *models.PendingTransfer, now time.Time, cause error) error {
	if err := uow.Rollback(); err != nil {
		log.WithFields(log.Fields{
			"pending_transfer_id": pt.ID,
			"error":               err,
		}).Warn("Failed to roll back inconclusive step")
	}

	retryUow := c.uowFactory.CreateForGuild(pt.GuildID)
	if err := retryUow.Begin(ctx); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer retryUow.Rollback()

	current, err := retryUow.PendingTransferRepository().GetByIDForUpdate(ctx, pt.ID)
	if err != nil {
		return fmt.Errorf("failed to lock pending transfer: %w", err)
	}
	// Another evaluator moved the record on while the lock was released
	if current == nil || current.Version != pt.Version || current.Status != pt.Status {
		return nil
	}
	return c.scheduleRetry(ctx, retryUow, current, now, cause)
}

// execute claims the approved transfer and hands it to the executor.
// The claim is committed before execution so the row lock is not held across the transfer.
func (c *PendingTransferCoordinator) execute(ctx context.Context, uow UnitOfWork, pt *models.PendingTransfer, now time.Time) error {
	claimed, err := uow.PendingTransferRepository().ClaimForExecution(ctx, pt.ID, now, now.Add(c.retry.ExecutionLease))
	if err != nil {
		return fmt.Errorf("failed to claim pending transfer: %w", err)
	}
	if !claimed {
		return nil
	}
	if err := uow.Commit(); err != nil {
		return fmt.Errorf("failed to commit execution claim: %w", err)
	}

	metadata := make(map[string]any, len(pt.Metadata)+1)
	maps.Copy(metadata, pt.Metadata)
	metadata["pending_transfer_id"] = pt.ID

	txn, err := c.executor.Execute(ctx, TransferRequest{
		GuildID:     pt.GuildID,
		InitiatorID: pt.InitiatorID,
		TargetID:    pt.TargetID,
		Amount:      pt.Amount,
		Reason:      fmt.Sprintf("pending transfer #%d", pt.ID),
		Metadata:    metadata,
		Settle: func(ctx context.Context, txUow UnitOfWork, txn *models.Transaction) error {
			completed, err := txUow.PendingTransferRepository().Complete(ctx, pt.ID, txn.ID)
			if err != nil {
				return fmt.Errorf("failed to complete pending transfer: %w", err)
			}
			if !completed {
				return ErrStaleTransition
			}
			done := *pt
			done.Status = models.PendingTransferStatusCompleted
			done.TransactionID = &txn.ID
			return publishPendingChange(txUow, &done, models.PendingTransferStatusApproved)
		},
	})
	if err == nil {
		metrics.RecordPendingTransition(string(models.PendingTransferStatusApproved), string(models.PendingTransferStatusCompleted))
		log.WithFields(log.Fields{
			"guild_id":            pt.GuildID,
			"pending_transfer_id": pt.ID,
			"transaction_id":      txn.ID,
		}).Info("Pending transfer completed")
		return nil
	}
	if errors.Is(err, ErrStaleTransition) {
		log.WithField("pending_transfer_id", pt.ID).Debug("Pending transfer settled by another evaluator")
		return nil
	}
	return c.handleExecutionFailure(ctx, pt.GuildID, pt.ID, err)
}

func (c *PendingTransferCoordinator) handleExecutionFailure(ctx context.Context, guildID, id int64, execErr error) error {
	uow := c.uowFactory.CreateForGuild(guildID)
	if err := uow.Begin(ctx); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	pt, err := uow.PendingTransferRepository().GetByIDForUpdate(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to lock pending transfer: %w", err)
	}
	if pt == nil || pt.Status != models.PendingTransferStatusApproved {
		return nil
	}

	if IsValidationError(execErr) {
		if name, ok := failedCheckFor(execErr); ok {
			pt.Checks[name] = models.CheckStateFail
		}
		reason := execErr.Error()
		return c.advance(ctx, uow, pt, models.PendingTransferStatusRejected, &reason)
	}

	log.WithFields(log.Fields{
		"pending_transfer_id": id,
		"error":               execErr,
	}).Warn("Pending transfer execution failed, scheduling retry")
	return c.scheduleRetry(ctx, uow, pt, c.now(), execErr)
}

// scheduleRetry records an infrastructure failure. Past the retry cap the transfer is rejected.
func (c *PendingTransferCoordinator) scheduleRetry(ctx context.Context, uow UnitOfWork, pt *models.PendingTransfer, now time.Time, cause error) error {
	pt.RetryCount++
	if pt.RetryCount > c.retry.MaxRetries {
		reason := fmt.Sprintf("retries exhausted: %v", cause)
		return c.advance(ctx, uow, pt, models.PendingTransferStatusRejected, &reason)
	}

	next := now.Add(RetryDelay(pt.RetryCount, c.retry.BaseDelay, c.retry.MaxDelay))
	pt.NextAttemptAt = &next

	written, err := uow.PendingTransferRepository().Update(ctx, pt, pt.Status)
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	if !written {
		return ErrStaleTransition
	}
	if err := uow.Commit(); err != nil {
		return fmt.Errorf("failed to commit retry: %w", err)
	}

	log.WithFields(log.Fields{
		"pending_transfer_id": pt.ID,
		"retry_count":         pt.RetryCount,
		"next_attempt_at":     next,
		"cause":               cause,
	}).Warn("Pending transfer step inconclusive, retry scheduled")
	return nil
}

// advance moves the transfer forward with a compare-and-set on its current status,
// publishes the change and commits.
func (c *PendingTransferCoordinator) advance(
	ctx context.Context,
	uow UnitOfWork,
	pt *models.PendingTransfer,
	next models.PendingTransferStatus,
	reason *string,
) error {
	old := pt.Status
	if !old.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrStaleTransition, old, next)
	}

	pt.Status = next
	pt.RejectionReason = reason
	written, err := uow.PendingTransferRepository().Update(ctx, pt, old)
	if err != nil {
		return fmt.Errorf("failed to update pending transfer: %w", err)
	}
	if !written {
		return ErrStaleTransition
	}
	if err := publishPendingChange(uow, pt, old); err != nil {
		return err
	}
	if err := uow.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	metrics.RecordPendingTransition(string(old), string(next))
	fields := log.Fields{
		"guild_id":            pt.GuildID,
		"pending_transfer_id": pt.ID,
		"old_status":          old,
		"new_status":          next,
	}
	if reason != nil {
		fields["reason"] = *reason
	}
	log.WithFields(fields).Info("Pending transfer status changed")
	return nil
}

// ExpireStale rejects every non-terminal pending transfer past its expiry
func (c *PendingTransferCoordinator) ExpireStale(ctx context.Context) (int, error) {
	now := c.now()
	candidates, err := c.findAcrossGuilds(ctx, func(repo PendingTransferRepository) ([]*models.PendingTransfer, error) {
		return repo.FindExpired(ctx, now, c.retry.SweepBatchSize)
	})
	if err != nil {
		return 0, err
	}

	var errs []error
	expired := 0
	for _, candidate := range candidates {
		ok, err := c.expireOne(ctx, candidate.GuildID, candidate.ID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("pending transfer %d: %w", candidate.ID, err))
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

func (c *PendingTransferCoordinator) expireOne(ctx context.Context, guildID, id int64, now time.Time) (bool, error) {
	uow := c.uowFactory.CreateForGuild(guildID)
	if err := uow.Begin(ctx); err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	pt, err := uow.PendingTransferRepository().GetByIDForUpdate(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to lock pending transfer: %w", err)
	}
	if pt == nil || pt.Status.IsTerminal() || !pt.IsExpired(now) {
		return false, nil
	}

	reason := "expired"
	if err := c.advance(ctx, uow, pt, models.PendingTransferStatusRejected, &reason); err != nil {
		return false, err
	}
	return true, nil
}

// RedriveDue republishes non-terminal transfers whose retry is due or whose
// evaluation stalled, so a lost wake-up or a crash never strands a record
func (c *PendingTransferCoordinator) RedriveDue(ctx context.Context) (int, error) {
	now := c.now()
	stalledBefore := now.Add(-c.retry.StallAfter)
	candidates, err := c.findAcrossGuilds(ctx, func(repo PendingTransferRepository) ([]*models.PendingTransfer, error) {
		return repo.FindDue(ctx, now, stalledBefore, c.retry.SweepBatchSize)
	})
	if err != nil {
		return 0, err
	}

	var errs []error
	redriven := 0
	for _, pt := range candidates {
		if err := c.republish(ctx, pt); err != nil {
			errs = append(errs, fmt.Errorf("pending transfer %d: %w", pt.ID, err))
			continue
		}
		redriven++
	}
	return redriven, errors.Join(errs...)
}

func (c *PendingTransferCoordinator) republish(ctx context.Context, pt *models.PendingTransfer) error {
	uow := c.uowFactory.CreateForGuild(pt.GuildID)
	if err := uow.Begin(ctx); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	if err := publishPendingChange(uow, pt, pt.Status); err != nil {
		return err
	}
	return uow.Commit()
}

func (c *PendingTransferCoordinator) findAcrossGuilds(
	ctx context.Context,
	find func(repo PendingTransferRepository) ([]*models.PendingTransfer, error),
) ([]*models.PendingTransfer, error) {
	uow := c.uowFactory.CreateForGuild(0)
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	found, err := find(uow.PendingTransferRepository())
	if err != nil {
		return nil, fmt.Errorf("failed to find pending transfers: %w", err)
	}
	return found, nil
}

func publishPendingChange(uow UnitOfWork, pt *models.PendingTransfer, old models.PendingTransferStatus) error {
	event := events.PendingTransferChangedEvent{
		GuildID:           pt.GuildID,
		PendingTransferID: pt.ID,
		InitiatorID:       pt.InitiatorID,
		TargetID:          pt.TargetID,
		Amount:            pt.Amount,
		OldStatus:         string(old),
		NewStatus:         string(pt.Status),
	}
	if pt.RejectionReason != nil {
		event.Reason = *pt.RejectionReason
	}
	if err := uow.EventBus().Publish(event); err != nil {
		return fmt.Errorf("failed to publish pending transfer event: %w", err)
	}
	return nil
}
