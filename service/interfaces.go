package service

import (
	"context"
	"time"

	"treasury/events"
	"treasury/models"
)

// BalanceRepository defines the interface for guild-scoped balance access
type BalanceRepository interface {
	// Get returns the member's balance, or nil if the account was never materialised
	Get(ctx context.Context, memberID int64) (*models.Balance, error)

	// GetOrCreate returns the member's balance, materialising it at zero
	GetOrCreate(ctx context.Context, memberID int64) (*models.Balance, error)

	// GetOrCreateForUpdate materialises the account if needed and locks its row
	GetOrCreateForUpdate(ctx context.Context, memberID int64) (*models.Balance, error)

	// UpdateBalance writes a new balance and touches last_modified_at
	UpdateBalance(ctx context.Context, memberID int64, newBalance int64) error

	// SetThrottle sets or clears (nil) the member's cooldown end
	SetThrottle(ctx context.Context, memberID int64, until *time.Time) error
}

// TransactionRepository defines the interface for the append-only transaction log
type TransactionRepository interface {
	// Record inserts the transaction and fills its ID and CreatedAt
	Record(ctx context.Context, txn *models.Transaction) error

	// GetByID retrieves a transaction by its ID
	GetByID(ctx context.Context, id int64) (*models.Transaction, error)

	// GetByMember returns the newest transactions the member initiated or received
	GetByMember(ctx context.Context, memberID int64, limit int) ([]*models.Transaction, error)

	// SumTransfersSince totals the member's outgoing transfer amounts created after since
	SumTransfersSince(ctx context.Context, memberID int64, since time.Time) (int64, error)
}

// PendingTransferRepository defines the interface for pending transfer persistence.
// Every status write is a compare-and-set on the expected status.
type PendingTransferRepository interface {
	Create(ctx context.Context, pt *models.PendingTransfer) error
	GetByID(ctx context.Context, id int64) (*models.PendingTransfer, error)
	GetByIDForUpdate(ctx context.Context, id int64) (*models.PendingTransfer, error)

	// Update persists status, checks and retry fields when the row is still in
	// expected status at pt.Version. It reports whether the row was written.
	Update(ctx context.Context, pt *models.PendingTransfer, expected models.PendingTransferStatus) (bool, error)

	// ClaimForExecution leases an approved row whose next attempt is due
	ClaimForExecution(ctx context.Context, id int64, now, leaseUntil time.Time) (bool, error)

	// Complete moves an approved row to completed with its transaction
	Complete(ctx context.Context, id int64, transactionID int64) (bool, error)

	// FindExpired lists non-terminal rows past expires_at across all guilds
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*models.PendingTransfer, error)

	// FindDue lists non-terminal rows across all guilds whose scheduled attempt
	// elapsed, or which have no schedule and were last written before stalledBefore
	FindDue(ctx context.Context, now, stalledBefore time.Time, limit int) ([]*models.PendingTransfer, error)
}

// ProposalRepository defines the interface for proposals, snapshots and votes
type ProposalRepository interface {
	// Create inserts the proposal together with its frozen voter snapshot
	Create(ctx context.Context, proposal *models.Proposal, snapshot []int64) error
	GetByID(ctx context.Context, id int64) (*models.Proposal, error)
	GetByIDForUpdate(ctx context.Context, id int64) (*models.Proposal, error)
	GetSnapshot(ctx context.Context, proposalID int64) ([]int64, error)

	// UpsertVote stores the voter's latest choice, replacing any earlier one
	UpsertVote(ctx context.Context, vote *models.Vote) error
	GetVotes(ctx context.Context, proposalID int64) ([]*models.Vote, error)

	// UpdateStatus moves a proposal from one status to another; false if it was no longer in from
	UpdateStatus(ctx context.Context, id int64, from, to models.ProposalStatus) (bool, error)
	MarkExecuted(ctx context.Context, id int64, transactionID int64) (bool, error)
	MarkExecutionFailed(ctx context.Context, id int64, reason string) (bool, error)
	MarkReminderSent(ctx context.Context, id int64) (bool, error)

	// Cross-guild sweep queries
	FindPastDeadline(ctx context.Context, now time.Time, limit int) ([]*models.Proposal, error)
	FindReminderDue(ctx context.Context, now time.Time, defaultOffset time.Duration, limit int) ([]*models.Proposal, error)
	FindApprovedBefore(ctx context.Context, before time.Time, limit int) ([]*models.Proposal, error)
}

// CouncilRepository defines the interface for the guild's voting council
type CouncilRepository interface {
	AddMember(ctx context.Context, memberID int64) (bool, error)
	RemoveMember(ctx context.Context, memberID int64) (bool, error)
	ListMembers(ctx context.Context) ([]int64, error)
}

// DepartmentRepository defines the interface for government departments
type DepartmentRepository interface {
	Create(ctx context.Context, department *models.Department) error
	GetByID(ctx context.Context, id int64) (*models.Department, error)
	List(ctx context.Context) ([]*models.Department, error)
}

// GuildSettingsRepository defines the interface for per-guild overrides
type GuildSettingsRepository interface {
	// Get returns the guild's settings, or nil when none are stored
	Get(ctx context.Context) (*models.GuildSettings, error)

	// Upsert stores the guild's settings
	Upsert(ctx context.Context, settings *models.GuildSettings) error
}

// EventPublisher defines the interface for publishing events.
// Within a unit of work the event is enqueued in the same transaction as the state change.
type EventPublisher interface {
	Publish(event events.Event) error
}

// UnitOfWork manages a database transaction and the guild-scoped repositories bound to it
type UnitOfWork interface {
	Begin(ctx context.Context) error
	Commit() error
	Rollback() error

	BalanceRepository() BalanceRepository
	TransactionRepository() TransactionRepository
	PendingTransferRepository() PendingTransferRepository
	ProposalRepository() ProposalRepository
	CouncilRepository() CouncilRepository
	DepartmentRepository() DepartmentRepository
	GuildSettingsRepository() GuildSettingsRepository
	EventBus() EventPublisher
}

// UnitOfWorkFactory creates units of work scoped to one guild.
// Guild 0 is used by sweeps whose queries span every guild.
type UnitOfWorkFactory interface {
	CreateForGuild(guildID int64) UnitOfWork
}

// TransferService executes direct transfers; implemented by TransferExecutor
type TransferService interface {
	Execute(ctx context.Context, req TransferRequest) (*models.Transaction, error)
}
