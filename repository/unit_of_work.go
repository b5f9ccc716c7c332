package repository

import (
	"context"
	"errors"
	"fmt"

	"treasury/database"
	"treasury/events"
	"treasury/service"

	"github.com/jackc/pgx/v5"
	log "github.com/sirupsen/logrus"
)

// unitOfWork implements the UnitOfWork interface
type unitOfWork struct {
	db                  *database.DB
	guildID             int64
	notify              func()
	tx                  pgx.Tx
	ctx                 context.Context
	outbox              *outboxPublisher
	balanceRepo         service.BalanceRepository
	transactionRepo     service.TransactionRepository
	pendingTransferRepo service.PendingTransferRepository
	proposalRepo        service.ProposalRepository
	councilRepo         service.CouncilRepository
	departmentRepo      service.DepartmentRepository
	guildSettingsRepo   service.GuildSettingsRepository
}

// NewUnitOfWorkFactory creates a new UnitOfWork factory.
// notify is called after every commit that enqueued outbox events; it may be nil.
func NewUnitOfWorkFactory(db *database.DB, notify func()) service.UnitOfWorkFactory {
	return &unitOfWorkFactory{
		db:     db,
		notify: notify,
	}
}

type unitOfWorkFactory struct {
	db     *database.DB
	notify func()
}

func (f *unitOfWorkFactory) CreateForGuild(guildID int64) service.UnitOfWork {
	return &unitOfWork{
		db:      f.db,
		guildID: guildID,
		notify:  f.notify,
	}
}

// Begin starts a new transaction
func (u *unitOfWork) Begin(ctx context.Context) error {
	if u.tx != nil {
		return fmt.Errorf("transaction already started")
	}

	tx, err := u.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	u.tx = tx
	u.ctx = ctx

	// Create guild-scoped repositories with the transaction
	u.balanceRepo = NewBalanceRepositoryScoped(tx, u.guildID)
	u.transactionRepo = NewTransactionRepositoryScoped(tx, u.guildID)
	u.pendingTransferRepo = NewPendingTransferRepositoryScoped(tx, u.guildID)
	u.proposalRepo = NewProposalRepositoryScoped(tx, u.guildID)
	u.councilRepo = NewCouncilRepositoryScoped(tx, u.guildID)
	u.departmentRepo = NewDepartmentRepositoryScoped(tx, u.guildID)
	u.guildSettingsRepo = NewGuildSettingsRepositoryScoped(tx, u.guildID)
	u.outbox = &outboxPublisher{ctx: ctx, repo: NewOutboxRepository(tx), guildID: u.guildID}

	return nil
}

// Commit commits the transaction
func (u *unitOfWork) Commit() error {
	if u.tx == nil {
		return fmt.Errorf("no transaction to commit")
	}

	err := u.tx.Commit(u.ctx)
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	u.tx = nil

	// Wake the dispatcher once the rows are visible
	if u.outbox.enqueued > 0 && u.notify != nil {
		u.notify()
	}

	return nil
}

// Rollback rolls back the transaction
func (u *unitOfWork) Rollback() error {
	if u.tx == nil {
		return nil // Nothing to rollback
	}

	err := u.tx.Rollback(u.ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}

	u.tx = nil
	return nil
}

// BalanceRepository returns the balance repository for this unit of work
func (u *unitOfWork) BalanceRepository() service.BalanceRepository {
	if u.balanceRepo == nil {
		panic("unit of work not started - call Begin() first")
	}
	return u.balanceRepo
}

// TransactionRepository returns the transaction repository for this unit of work
func (u *unitOfWork) TransactionRepository() service.TransactionRepository {
	if u.transactionRepo == nil {
		panic("unit of work not started - call Begin() first")
	}
	return u.transactionRepo
}

// PendingTransferRepository returns the pending transfer repository for this unit of work
func (u *unitOfWork) PendingTransferRepository() service.PendingTransferRepository {
	if u.pendingTransferRepo == nil {
		panic("unit of work not started - call Begin() first")
	}
	return u.pendingTransferRepo
}

// ProposalRepository returns the proposal repository for this unit of work
func (u *unitOfWork) ProposalRepository() service.ProposalRepository {
	if u.proposalRepo == nil {
		panic("unit of work not started - call Begin() first")
	}
	return u.proposalRepo
}

// CouncilRepository returns the council repository for this unit of work
func (u *unitOfWork) CouncilRepository() service.CouncilRepository {
	if u.councilRepo == nil {
		panic("unit of work not started - call Begin() first")
	}
	return u.councilRepo
}

// DepartmentRepository returns the department repository for this unit of work
func (u *unitOfWork) DepartmentRepository() service.DepartmentRepository {
	if u.departmentRepo == nil {
		panic("unit of work not started - call Begin() first")
	}
	return u.departmentRepo
}

// GuildSettingsRepository returns the guild settings repository for this unit of work
func (u *unitOfWork) GuildSettingsRepository() service.GuildSettingsRepository {
	if u.guildSettingsRepo == nil {
		panic("unit of work not started - call Begin() first")
	}
	return u.guildSettingsRepo
}

// EventBus returns the outbox publisher for this unit of work
func (u *unitOfWork) EventBus() service.EventPublisher {
	if u.outbox == nil {
		panic("unit of work not started - call Begin() first")
	}
	return u.outbox
}

// outboxPublisher writes events into outbox_events inside the unit of work's transaction
type outboxPublisher struct {
	ctx      context.Context
	repo     *OutboxRepository
	guildID  int64
	enqueued int
}

func (p *outboxPublisher) Publish(event events.Event) error {
	id, err := p.repo.Enqueue(p.ctx, p.guildID, event)
	if err != nil {
		return err
	}
	p.enqueued++

	log.WithFields(log.Fields{
		"eventID":   id,
		"eventType": event.Type(),
		"key":       event.Key(),
		"guildID":   p.guildID,
	}).Debug("Enqueued event in outbox")
	return nil
}
