package service

import (
	"errors"
	"fmt"
	"time"

	"treasury/models"
)

var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrThrottled          = errors.New("account is throttled")
	ErrDailyLimitExceeded = errors.New("daily transfer limit exceeded")
	ErrUnknownAccount     = errors.New("unknown account")
	ErrInvalidAmount      = errors.New("amount must be greater than zero")
	ErrSelfTransfer       = errors.New("cannot transfer to yourself")
	ErrBalanceOverflow    = errors.New("balance would exceed the maximum representable amount")

	// ErrStaleTransition is returned when a compare-and-set lost to a concurrent writer
	ErrStaleTransition = errors.New("state changed concurrently")

	ErrPendingTransferNotFound = errors.New("pending transfer not found")
	ErrProposalNotFound        = errors.New("proposal not found")
	ErrNotEligibleVoter        = errors.New("voter is not in the proposal snapshot")
	ErrVotingClosed            = errors.New("proposal is not open for voting")
	ErrNotAuthorized           = errors.New("not authorized")
	ErrNoEligibleVoters        = errors.New("no eligible voters")
	ErrInvalidTarget           = errors.New("exactly one target member or department is required")
)

// ThrottledError reports a cooldown violation and when the cooldown ends
type ThrottledError struct {
	MemberID int64
	Until    time.Time
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("account %d is throttled until %s", e.MemberID, e.Until.UTC().Format(time.RFC3339))
}

func (e *ThrottledError) Is(target error) bool {
	return target == ErrThrottled
}

// DailyLimitError reports a transfer that would push trailing 24h volume past the limit
type DailyLimitError struct {
	MemberID  int64
	Limit     int64
	Used      int64
	Requested int64
}

func (e *DailyLimitError) Error() string {
	remaining := e.Limit - e.Used
	if remaining < 0 {
		remaining = 0
	}
	return fmt.Sprintf("daily transfer limit exceeded: %d of %d used, %d requested, %d remaining",
		e.Used, e.Limit, e.Requested, remaining)
}

func (e *DailyLimitError) Is(target error) bool {
	return target == ErrDailyLimitExceeded
}

// IsValidationError reports whether err is a terminal business-rule failure
// rather than an infrastructure error worth retrying.
func IsValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrThrottled),
		errors.Is(err, ErrDailyLimitExceeded),
		errors.Is(err, ErrUnknownAccount),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrSelfTransfer),
		errors.Is(err, ErrBalanceOverflow):
		return true
	}
	return false
}

// failedCheckFor maps a validation error back to the check that produces it
func failedCheckFor(err error) (models.CheckName, bool) {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return models.CheckBalance, true
	case errors.Is(err, ErrThrottled):
		return models.CheckCooldown, true
	case errors.Is(err, ErrDailyLimitExceeded):
		return models.CheckDailyLimit, true
	}
	return "", false
}
