package service

import (
	"context"
	"time"

	"treasury/events"
	"treasury/models"

	"github.com/stretchr/testify/mock"
)

// MockBalanceRepository is a mock implementation of BalanceRepository
type MockBalanceRepository struct {
	mock.Mock
}

func (m *MockBalanceRepository) Get(ctx context.Context, memberID int64) (*models.Balance, error) {
	args := m.Called(ctx, memberID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Balance), args.Error(1)
}

func (m *MockBalanceRepository) GetOrCreate(ctx context.Context, memberID int64) (*models.Balance, error) {
	args := m.Called(ctx, memberID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Balance), args.Error(1)
}

func (m *MockBalanceRepository) GetOrCreateForUpdate(ctx context.Context, memberID int64) (*models.Balance, error) {
	args := m.Called(ctx, memberID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Balance), args.Error(1)
}

func (m *MockBalanceRepository) UpdateBalance(ctx context.Context, memberID int64, newBalance int64) error {
	args := m.Called(ctx, memberID, newBalance)
	return args.Error(0)
}

func (m *MockBalanceRepository) SetThrottle(ctx context.Context, memberID int64, until *time.Time) error {
	args := m.Called(ctx, memberID, until)
	return args.Error(0)
}

// MockTransactionRepository is a mock implementation of TransactionRepository
type MockTransactionRepository struct {
	mock.Mock
}

func (m *MockTransactionRepository) Record(ctx context.Context, txn *models.Transaction) error {
	args := m.Called(ctx, txn)
	return args.Error(0)
}

func (m *MockTransactionRepository) GetByID(ctx context.Context, id int64) (*models.Transaction, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Transaction), args.Error(1)
}

func (m *MockTransactionRepository) GetByMember(ctx context.Context, memberID int64, limit int) ([]*models.Transaction, error) {
	args := m.Called(ctx, memberID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Transaction), args.Error(1)
}

func (m *MockTransactionRepository) SumTransfersSince(ctx context.Context, memberID int64, since time.Time) (int64, error) {
	args := m.Called(ctx, memberID, since)
	return args.Get(0).(int64), args.Error(1)
}

// MockPendingTransferRepository is a mock implementation of PendingTransferRepository
type MockPendingTransferRepository struct {
	mock.Mock
}

func (m *MockPendingTransferRepository) Create(ctx context.Context, pt *models.PendingTransfer) error {
	args := m.Called(ctx, pt)
	return args.Error(0)
}

func (m *MockPendingTransferRepository) GetByID(ctx context.Context, id int64) (*models.PendingTransfer, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PendingTransfer), args.Error(1)
}

func (m *MockPendingTransferRepository) GetByIDForUpdate(ctx context.Context, id int64) (*models.PendingTransfer, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PendingTransfer), args.Error(1)
}

func (m *MockPendingTransferRepository) Update(ctx context.Context, pt *models.PendingTransfer, expected models.PendingTransferStatus) (bool, error) {
	args := m.Called(ctx, pt, expected)
	return args.Bool(0), args.Error(1)
}

func (m *MockPendingTransferRepository) ClaimForExecution(ctx context.Context, id int64, now, leaseUntil time.Time) (bool, error) {
	args := m.Called(ctx, id, now, leaseUntil)
	return args.Bool(0), args.Error(1)
}

func (m *MockPendingTransferRepository) Complete(ctx context.Context, id int64, transactionID int64) (bool, error) {
	args := m.Called(ctx, id, transactionID)
	return args.Bool(0), args.Error(1)
}

func (m *MockPendingTransferRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]*models.PendingTransfer, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.PendingTransfer), args.Error(1)
}

func (m *MockPendingTransferRepository) FindDue(ctx context.Context, now, stalledBefore time.Time, limit int) ([]*models.PendingTransfer, error) {
	args := m.Called(ctx, now, stalledBefore, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.PendingTransfer), args.Error(1)
}

// MockProposalRepository is a mock implementation of ProposalRepository
type MockProposalRepository struct {
	mock.Mock
}

func (m *MockProposalRepository) Create(ctx context.Context, proposal *models.Proposal, snapshot []int64) error {
	args := m.Called(ctx, proposal, snapshot)
	return args.Error(0)
}

func (m *MockProposalRepository) GetByID(ctx context.Context, id int64) (*models.Proposal, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Proposal), args.Error(1)
}

func (m *MockProposalRepository) GetByIDForUpdate(ctx context.Context, id int64) (*models.Proposal, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Proposal), args.Error(1)
}

func (m *MockProposalRepository) GetSnapshot(ctx context.Context, proposalID int64) ([]int64, error) {
	args := m.Called(ctx, proposalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

func (m *MockProposalRepository) UpsertVote(ctx context.Context, vote *models.Vote) error {
	args := m.Called(ctx, vote)
	return args.Error(0)
}

func (m *MockProposalRepository) GetVotes(ctx context.Context, proposalID int64) ([]*models.Vote, error) {
	args := m.Called(ctx, proposalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Vote), args.Error(1)
}

func (m *MockProposalRepository) UpdateStatus(ctx context.Context, id int64, from, to models.ProposalStatus) (bool, error) {
	args := m.Called(ctx, id, from, to)
	return args.Bool(0), args.Error(1)
}

func (m *MockProposalRepository) MarkExecuted(ctx context.Context, id int64, transactionID int64) (bool, error) {
	args := m.Called(ctx, id, transactionID)
	return args.Bool(0), args.Error(1)
}

func (m *MockProposalRepository) MarkExecutionFailed(ctx context.Context, id int64, reason string) (bool, error) {
	args := m.Called(ctx, id, reason)
	return args.Bool(0), args.Error(1)
}

func (m *MockProposalRepository) MarkReminderSent(ctx context.Context, id int64) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockProposalRepository) FindPastDeadline(ctx context.Context, now time.Time, limit int) ([]*models.Proposal, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Proposal), args.Error(1)
}

func (m *MockProposalRepository) FindReminderDue(ctx context.Context, now time.Time, defaultOffset time.Duration, limit int) ([]*models.Proposal, error) {
	args := m.Called(ctx, now, defaultOffset, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Proposal), args.Error(1)
}

func (m *MockProposalRepository) FindApprovedBefore(ctx context.Context, before time.Time, limit int) ([]*models.Proposal, error) {
	args := m.Called(ctx, before, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Proposal), args.Error(1)
}

// MockCouncilRepository is a mock implementation of CouncilRepository
type MockCouncilRepository struct {
	mock.Mock
}

func (m *MockCouncilRepository) AddMember(ctx context.Context, memberID int64) (bool, error) {
	args := m.Called(ctx, memberID)
	return args.Bool(0), args.Error(1)
}

func (m *MockCouncilRepository) RemoveMember(ctx context.Context, memberID int64) (bool, error) {
	args := m.Called(ctx, memberID)
	return args.Bool(0), args.Error(1)
}

func (m *MockCouncilRepository) ListMembers(ctx context.Context) ([]int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

// MockDepartmentRepository is a mock implementation of DepartmentRepository
type MockDepartmentRepository struct {
	mock.Mock
}

func (m *MockDepartmentRepository) Create(ctx context.Context, department *models.Department) error {
	args := m.Called(ctx, department)
	return args.Error(0)
}

func (m *MockDepartmentRepository) GetByID(ctx context.Context, id int64) (*models.Department, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Department), args.Error(1)
}

func (m *MockDepartmentRepository) List(ctx context.Context) ([]*models.Department, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Department), args.Error(1)
}

// MockGuildSettingsRepository is a mock implementation of GuildSettingsRepository
type MockGuildSettingsRepository struct {
	mock.Mock
}

func (m *MockGuildSettingsRepository) Get(ctx context.Context) (*models.GuildSettings, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.GuildSettings), args.Error(1)
}

func (m *MockGuildSettingsRepository) Upsert(ctx context.Context, settings *models.GuildSettings) error {
	args := m.Called(ctx, settings)
	return args.Error(0)
}

// MockEventPublisher is a mock implementation of EventPublisher for testing
type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) Publish(event events.Event) error {
	args := m.Called(event)
	return args.Error(0)
}

// MockTransferService is a mock implementation of TransferService
type MockTransferService struct {
	mock.Mock
}

func (m *MockTransferService) Execute(ctx context.Context, req TransferRequest) (*models.Transaction, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Transaction), args.Error(1)
}

// MockUnitOfWork is a mock implementation of UnitOfWork.
// Repository getters return whatever SetRepositories installed.
type MockUnitOfWork struct {
	mock.Mock

	BalanceRepo         *MockBalanceRepository
	TransactionRepo     *MockTransactionRepository
	PendingTransferRepo *MockPendingTransferRepository
	ProposalRepo        *MockProposalRepository
	CouncilRepo         *MockCouncilRepository
	DepartmentRepo      *MockDepartmentRepository
	GuildSettingsRepo   *MockGuildSettingsRepository
	Events              *MockEventPublisher
}

// NewMockUnitOfWork creates a mock unit of work with a fresh mock for every repository
func NewMockUnitOfWork() *MockUnitOfWork {
	return &MockUnitOfWork{
		BalanceRepo:         new(MockBalanceRepository),
		TransactionRepo:     new(MockTransactionRepository),
		PendingTransferRepo: new(MockPendingTransferRepository),
		ProposalRepo:        new(MockProposalRepository),
		CouncilRepo:         new(MockCouncilRepository),
		DepartmentRepo:      new(MockDepartmentRepository),
		GuildSettingsRepo:   new(MockGuildSettingsRepository),
		Events:              new(MockEventPublisher),
	}
}

func (m *MockUnitOfWork) Begin(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockUnitOfWork) Commit() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockUnitOfWork) Rollback() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockUnitOfWork) BalanceRepository() BalanceRepository         { return m.BalanceRepo }
func (m *MockUnitOfWork) TransactionRepository() TransactionRepository { return m.TransactionRepo }
func (m *MockUnitOfWork) PendingTransferRepository() PendingTransferRepository {
	return m.PendingTransferRepo
}
func (m *MockUnitOfWork) ProposalRepository() ProposalRepository     { return m.ProposalRepo }
func (m *MockUnitOfWork) CouncilRepository() CouncilRepository       { return m.CouncilRepo }
func (m *MockUnitOfWork) DepartmentRepository() DepartmentRepository { return m.DepartmentRepo }
func (m *MockUnitOfWork) GuildSettingsRepository() GuildSettingsRepository {
	return m.GuildSettingsRepo
}
func (m *MockUnitOfWork) EventBus() EventPublisher { return m.Events }

// AssertAllExpectations asserts the unit of work and every repository mock
func (m *MockUnitOfWork) AssertAllExpectations(t mock.TestingT) {
	m.AssertExpectations(t)
	m.BalanceRepo.AssertExpectations(t)
	m.TransactionRepo.AssertExpectations(t)
	m.PendingTransferRepo.AssertExpectations(t)
	m.ProposalRepo.AssertExpectations(t)
	m.CouncilRepo.AssertExpectations(t)
	m.DepartmentRepo.AssertExpectations(t)
	m.GuildSettingsRepo.AssertExpectations(t)
	m.Events.AssertExpectations(t)
}

// MockUnitOfWorkFactory is a mock implementation of UnitOfWorkFactory
type MockUnitOfWorkFactory struct {
	mock.Mock
}

func (m *MockUnitOfWorkFactory) CreateForGuild(guildID int64) UnitOfWork {
	args := m.Called(guildID)
	return args.Get(0).(UnitOfWork)
}
