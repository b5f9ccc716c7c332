package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"treasury/models"
)

// DailyLimitWindow is the trailing window the daily transfer limit applies to
const DailyLimitWindow = 24 * time.Hour

// LedgerReader is the read-only ledger view checks evaluate against
type LedgerReader interface {
	// GetBalance returns the member's balance, or nil if the account does not exist yet
	GetBalance(ctx context.Context, memberID int64) (*models.Balance, error)
	SumTransfersSince(ctx context.Context, memberID int64, since time.Time) (int64, error)
}

// CheckRequest is the transfer a check is evaluated for
type CheckRequest struct {
	GuildID     int64
	InitiatorID int64
	TargetID    int64
	Amount      int64
	Policy      models.LedgerPolicy
	Now         time.Time
}

// CheckResult is the outcome of one evaluation. Err carries the domain error
// on fail and the underlying cause when inconclusive.
type CheckResult struct {
	Outcome models.CheckOutcome
	Err     error
}

func passed() CheckResult { return CheckResult{Outcome: models.CheckOutcomePass} }

func failed(err error) CheckResult {
	return CheckResult{Outcome: models.CheckOutcomeFail, Err: err}
}

func inconclusive(err error) CheckResult {
	return CheckResult{Outcome: models.CheckOutcomeInconclusive, Err: err}
}

// Check is a named, read-only validation predicate
type Check interface {
	Name() models.CheckName
	Evaluate(ctx context.Context, ledger LedgerReader, req CheckRequest) CheckResult
}

type balanceCheck struct{}

func (balanceCheck) Name() models.CheckName { return models.CheckBalance }

func (balanceCheck) Evaluate(ctx context.Context, ledger LedgerReader, req CheckRequest) CheckResult {
	balance, err := ledger.GetBalance(ctx, req.InitiatorID)
	if err != nil {
		return inconclusive(fmt.Errorf("failed to get balance: %w", err))
	}
	if balance == nil || !balance.CanCover(req.Amount) {
		return failed(ErrInsufficientFunds)
	}
	return passed()
}

type cooldownCheck struct{}

func (cooldownCheck) Name() models.CheckName { return models.CheckCooldown }

func (cooldownCheck) Evaluate(ctx context.Context, ledger LedgerReader, req CheckRequest) CheckResult {
	if req.Policy.IsExempt(req.InitiatorID) {
		return passed()
	}
	balance, err := ledger.GetBalance(ctx, req.InitiatorID)
	if err != nil {
		return inconclusive(fmt.Errorf("failed to get balance: %w", err))
	}
	if balance != nil && balance.IsThrottled(req.Now) {
		return failed(&ThrottledError{MemberID: req.InitiatorID, Until: *balance.ThrottledUntil})
	}
	return passed()
}

type dailyLimitCheck struct{}

func (dailyLimitCheck) Name() models.CheckName { return models.CheckDailyLimit }

func (dailyLimitCheck) Evaluate(ctx context.Context, ledger LedgerReader, req CheckRequest) CheckResult {
	if !req.Policy.HasDailyLimit() || req.Policy.IsExempt(req.InitiatorID) {
		return passed()
	}
	used, err := ledger.SumTransfersSince(ctx, req.InitiatorID, req.Now.Add(-DailyLimitWindow))
	if err != nil {
		return inconclusive(fmt.Errorf("failed to sum recent transfers: %w", err))
	}
	if req.Amount > req.Policy.DailyTransferLimit-used {
		return failed(&DailyLimitError{
			MemberID:  req.InitiatorID,
			Limit:     req.Policy.DailyTransferLimit,
			Used:      used,
			Requested: req.Amount,
		})
	}
	return passed()
}

// BalanceCheck, CooldownCheck and DailyLimitCheck return the built-in checks
func BalanceCheck() Check    { return balanceCheck{} }
func CooldownCheck() Check   { return cooldownCheck{} }
func DailyLimitCheck() Check { return dailyLimitCheck{} }

// CheckRegistry holds the checks every pending transfer must pass, in evaluation order
type CheckRegistry struct {
	mu     sync.RWMutex
	checks map[models.CheckName]Check
	order  []models.CheckName
}

// NewCheckRegistry creates a registry with the given checks in order
func NewCheckRegistry(checks ...Check) (*CheckRegistry, error) {
	r := &CheckRegistry{checks: make(map[models.CheckName]Check)}
	for _, c := range checks {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultCheckRegistry returns the built-in balance, cooldown and daily_limit checks
func DefaultCheckRegistry() *CheckRegistry {
	r, err := NewCheckRegistry(BalanceCheck(), CooldownCheck(), DailyLimitCheck())
	if err != nil {
		panic(fmt.Sprintf("default check registry: %v", err))
	}
	return r
}

// Register appends a check; names must be unique
func (r *CheckRegistry) Register(check Check) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := check.Name()
	if _, exists := r.checks[name]; exists {
		return fmt.Errorf("check %q already registered", name)
	}
	r.checks[name] = check
	r.order = append(r.order, name)
	return nil
}

// Get returns the named check
func (r *CheckRegistry) Get(name models.CheckName) (Check, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.checks[name]
	return c, ok
}

// Names returns the registered check names in evaluation order
func (r *CheckRegistry) Names() []models.CheckName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.CheckName(nil), r.order...)
}

// uowLedgerReader reads the ledger through an open unit of work
type uowLedgerReader struct {
	uow UnitOfWork
}

func (r uowLedgerReader) GetBalance(ctx context.Context, memberID int64) (*models.Balance, error) {
	return r.uow.BalanceRepository().Get(ctx, memberID)
}

func (r uowLedgerReader) SumTransfersSince(ctx context.Context, memberID int64, since time.Time) (int64, error) {
	return r.uow.TransactionRepository().SumTransfersSince(ctx, memberID, since)
}
