package models

import (
	"time"
)

// PendingTransferStatus represents the lifecycle state of an asynchronous transfer
type PendingTransferStatus string

const (
	PendingTransferStatusPending   PendingTransferStatus = "pending"
	PendingTransferStatusChecking  PendingTransferStatus = "checking"
	PendingTransferStatusApproved  PendingTransferStatus = "approved"
	PendingTransferStatusCompleted PendingTransferStatus = "completed"
	PendingTransferStatusRejected  PendingTransferStatus = "rejected"
)

// NonTerminalPendingTransferStatuses lists the statuses a sweep may still act on
var NonTerminalPendingTransferStatuses = []PendingTransferStatus{
	PendingTransferStatusPending,
	PendingTransferStatusChecking,
	PendingTransferStatusApproved,
}

// IsValid reports whether s is a known status
func (s PendingTransferStatus) IsValid() bool {
	switch s {
	case PendingTransferStatusPending, PendingTransferStatusChecking, PendingTransferStatusApproved,
		PendingTransferStatusCompleted, PendingTransferStatusRejected:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s PendingTransferStatus) IsTerminal() bool {
	return s == PendingTransferStatusCompleted || s == PendingTransferStatusRejected
}

// CanTransitionTo reports whether moving from s to next only advances the state machine
func (s PendingTransferStatus) CanTransitionTo(next PendingTransferStatus) bool {
	switch s {
	case PendingTransferStatusPending:
		return next == PendingTransferStatusChecking || next == PendingTransferStatusRejected
	case PendingTransferStatusChecking:
		return next == PendingTransferStatusChecking || next == PendingTransferStatusApproved || next == PendingTransferStatusRejected
	case PendingTransferStatusApproved:
		return next == PendingTransferStatusCompleted || next == PendingTransferStatusRejected
	default:
		return false
	}
}

// CheckName identifies a registered validation check
type CheckName string

const (
	CheckBalance    CheckName = "balance"
	CheckCooldown   CheckName = "cooldown"
	CheckDailyLimit CheckName = "daily_limit"
)

// CheckState is the recorded tri-state result of one check
type CheckState string

const (
	CheckStateUnknown CheckState = "unknown"
	CheckStatePass    CheckState = "pass"
	CheckStateFail    CheckState = "fail"
)

// CheckOutcome is what a single evaluation of a check returns
type CheckOutcome string

const (
	CheckOutcomePass         CheckOutcome = "pass"
	CheckOutcomeFail         CheckOutcome = "fail"
	CheckOutcomeInconclusive CheckOutcome = "inconclusive"
)

// PendingTransfer is a transfer awaiting asynchronous validation before execution
type PendingTransfer struct {
	ID              int64                    `db:"id"`
	GuildID         int64                    `db:"guild_id"`
	InitiatorID     int64                    `db:"initiator_id"`
	TargetID        int64                    `db:"target_id"`
	Amount          int64                    `db:"amount"`
	Status          PendingTransferStatus    `db:"status"`
	Checks          map[CheckName]CheckState `db:"checks"`
	RetryCount      int                      `db:"retry_count"`
	NextAttemptAt   *time.Time               `db:"next_attempt_at"`
	ExpiresAt       *time.Time               `db:"expires_at"`
	RejectionReason *string                  `db:"rejection_reason"`
	TransactionID   *int64                   `db:"transaction_id"`
	Metadata        map[string]any           `db:"metadata"`
	Version         int                      `db:"version"`
	CreatedAt       time.Time                `db:"created_at"`
	UpdatedAt       time.Time                `db:"updated_at"`
}

// IsExpired reports whether the transfer is past its expiry at now
func (p *PendingTransfer) IsExpired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

// NextUnresolvedCheck returns the first check in order whose state is still unknown
func (p *PendingTransfer) NextUnresolvedCheck(order []CheckName) (CheckName, bool) {
	for _, name := range order {
		if state, ok := p.Checks[name]; !ok || state == CheckStateUnknown {
			return name, true
		}
	}
	return "", false
}

// AllChecksPassed reports whether every check in order has passed
func (p *PendingTransfer) AllChecksPassed(order []CheckName) bool {
	for _, name := range order {
		if p.Checks[name] != CheckStatePass {
			return false
		}
	}
	return true
}

// IsDue reports whether a scheduled retry or lease has elapsed at now
func (p *PendingTransfer) IsDue(now time.Time) bool {
	return p.NextAttemptAt == nil || !p.NextAttemptAt.After(now)
}

// NewCheckStates initialises every named check as unknown
func NewCheckStates(order []CheckName) map[CheckName]CheckState {
	states := make(map[CheckName]CheckState, len(order))
	for _, name := range order {
		states[name] = CheckStateUnknown
	}
	return states
}
