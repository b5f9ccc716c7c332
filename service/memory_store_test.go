package service

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"treasury/events"
	"treasury/models"
)

// memoryStore is an in-memory ledger with serialised, all-or-nothing units of work.
// Begin takes the store lock and works on a copy that Commit swaps in.
type memoryStore struct {
	mu    sync.Mutex
	state *memState
	clock *fakeClock

	// Injected failures. A failed read aborts its unit of work like a Postgres transaction.
	beginErr    error
	sumErr      error
	settingsErr error
}

type balanceKey struct{ guildID, memberID int64 }
type councilKey struct{ guildID, memberID int64 }
type voteKey struct{ proposalID, voterID int64 }

type memState struct {
	nextID       int64
	balances     map[balanceKey]models.Balance
	transactions []models.Transaction
	pending      map[int64]models.PendingTransfer
	proposals    map[int64]models.Proposal
	snapshots    map[int64][]int64
	votes        map[voteKey]models.Vote
	council      map[councilKey]time.Time
	departments  map[int64]models.Department
	settings     map[int64]models.GuildSettings
	outbox       []events.Event
}

func (s *memState) clone() *memState {
	pending := make(map[int64]models.PendingTransfer, len(s.pending))
	for id, pt := range s.pending {
		pt.Checks = maps.Clone(pt.Checks)
		pending[id] = pt
	}
	return &memState{
		nextID:       s.nextID,
		balances:     maps.Clone(s.balances),
		transactions: slices.Clone(s.transactions),
		pending:      pending,
		proposals:    maps.Clone(s.proposals),
		snapshots:    maps.Clone(s.snapshots),
		votes:        maps.Clone(s.votes),
		council:      maps.Clone(s.council),
		departments:  maps.Clone(s.departments),
		settings:     maps.Clone(s.settings),
		outbox:       slices.Clone(s.outbox),
	}
}

func (s *memState) id() int64 {
	s.nextID++
	return s.nextID
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		clock: newFakeClock(),
		state: &memState{
			balances:    make(map[balanceKey]models.Balance),
			pending:     make(map[int64]models.PendingTransfer),
			proposals:   make(map[int64]models.Proposal),
			snapshots:   make(map[int64][]int64),
			votes:       make(map[voteKey]models.Vote),
			council:     make(map[councilKey]time.Time),
			departments: make(map[int64]models.Department),
			settings:    make(map[int64]models.GuildSettings),
		},
	}
}

// CreateForGuild implements UnitOfWorkFactory
func (s *memoryStore) CreateForGuild(guildID int64) UnitOfWork {
	return &memoryUoW{store: s, guildID: guildID}
}

// Test setup helpers write straight to committed state

func (s *memoryStore) seedBalance(guildID, memberID, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.state.balances[balanceKey{guildID, memberID}] = models.Balance{
		GuildID: guildID, MemberID: memberID, CurrentBalance: amount, CreatedAt: now, LastModifiedAt: now,
	}
}

func (s *memoryStore) seedCouncil(guildID int64, members ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range members {
		s.state.council[councilKey{guildID, id}] = s.clock.Now()
	}
}

func (s *memoryStore) seedSettings(settings models.GuildSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.settings[settings.GuildID] = settings
}

func (s *memoryStore) seedDepartment(department models.Department) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	department.ID = s.state.id()
	s.state.departments[department.ID] = department
	return department.ID
}

func (s *memoryStore) balance(guildID, memberID int64) (models.Balance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.state.balances[balanceKey{guildID, memberID}]
	return b, ok
}

func (s *memoryStore) transactions() []models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.state.transactions)
}

func (s *memoryStore) transactionsOf(direction models.TransactionDirection) []models.Transaction {
	var out []models.Transaction
	for _, txn := range s.transactions() {
		if txn.Direction == direction {
			out = append(out, txn)
		}
	}
	return out
}

func (s *memoryStore) pendingTransfer(id int64) models.PendingTransfer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.pending[id]
}

func (s *memoryStore) proposal(id int64) models.Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.proposals[id]
}

func (s *memoryStore) events() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.state.outbox)
}

func (s *memoryStore) setProposal(p models.Proposal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.proposals[p.ID] = p
}

func (s *memoryStore) setPendingTransfer(pt models.PendingTransfer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.pending[pt.ID] = pt
}

type memoryUoW struct {
	store   *memoryStore
	guildID int64
	work    *memState
	open    bool
	aborted bool
}

var errTxAborted = errors.New("current transaction is aborted, commands ignored until end of transaction block")

// fail marks the unit of work aborted and returns err
func (u *memoryUoW) fail(err error) error {
	u.aborted = true
	return err
}

func (u *memoryUoW) usable() error {
	if u.aborted {
		return errTxAborted
	}
	return nil
}

func (u *memoryUoW) Begin(ctx context.Context) error {
	if u.store.beginErr != nil {
		return u.store.beginErr
	}
	u.store.mu.Lock()
	u.work = u.store.state.clone()
	u.open = true
	u.aborted = false
	return nil
}

func (u *memoryUoW) Commit() error {
	if !u.open {
		return nil
	}
	if u.aborted {
		u.open = false
		u.store.mu.Unlock()
		return errTxAborted
	}
	u.store.state = u.work
	u.open = false
	u.store.mu.Unlock()
	return nil
}

func (u *memoryUoW) Rollback() error {
	if !u.open {
		return nil
	}
	u.open = false
	u.store.mu.Unlock()
	return nil
}

func (u *memoryUoW) now() time.Time { return u.store.clock.Now() }

func (u *memoryUoW) BalanceRepository() BalanceRepository { return memBalanceRepo{u} }
func (u *memoryUoW) TransactionRepository() TransactionRepository {
	return memTransactionRepo{u}
}
func (u *memoryUoW) PendingTransferRepository() PendingTransferRepository {
	return memPendingRepo{u}
}
func (u *memoryUoW) ProposalRepository() ProposalRepository     { return memProposalRepo{u} }
func (u *memoryUoW) CouncilRepository() CouncilRepository       { return memCouncilRepo{u} }
func (u *memoryUoW) DepartmentRepository() DepartmentRepository { return memDepartmentRepo{u} }
func (u *memoryUoW) GuildSettingsRepository() GuildSettingsRepository {
	return memSettingsRepo{u}
}
func (u *memoryUoW) EventBus() EventPublisher { return memPublisher{u} }

type memPublisher struct{ u *memoryUoW }

func (p memPublisher) Publish(event events.Event) error {
	if err := p.u.usable(); err != nil {
		return err
	}
	p.u.work.outbox = append(p.u.work.outbox, event)
	return nil
}

type memBalanceRepo struct{ u *memoryUoW }

func (r memBalanceRepo) Get(ctx context.Context, memberID int64) (*models.Balance, error) {
	if err := r.u.usable(); err != nil {
		return nil, err
	}
	b, ok := r.u.work.balances[balanceKey{r.u.guildID, memberID}]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (r memBalanceRepo) GetOrCreate(ctx context.Context, memberID int64) (*models.Balance, error) {
	key := balanceKey{r.u.guildID, memberID}
	if _, ok := r.u.work.balances[key]; !ok {
		now := r.u.now()
		r.u.work.balances[key] = models.Balance{GuildID: r.u.guildID, MemberID: memberID, CreatedAt: now, LastModifiedAt: now}
	}
	return r.Get(ctx, memberID)
}

func (r memBalanceRepo) GetOrCreateForUpdate(ctx context.Context, memberID int64) (*models.Balance, error) {
	return r.GetOrCreate(ctx, memberID)
}

func (r memBalanceRepo) UpdateBalance(ctx context.Context, memberID int64, newBalance int64) error {
	if err := r.u.usable(); err != nil {
		return err
	}
	key := balanceKey{r.u.guildID, memberID}
	b := r.u.work.balances[key]
	b.CurrentBalance = newBalance
	b.LastModifiedAt = r.u.now()
	r.u.work.balances[key] = b
	return nil
}

func (r memBalanceRepo) SetThrottle(ctx context.Context, memberID int64, until *time.Time) error {
	key := balanceKey{r.u.guildID, memberID}
	b := r.u.work.balances[key]
	b.ThrottledUntil = until
	r.u.work.balances[key] = b
	return nil
}

type memTransactionRepo struct{ u *memoryUoW }

func (r memTransactionRepo) Record(ctx context.Context, txn *models.Transaction) error {
	if err := r.u.usable(); err != nil {
		return err
	}
	txn.ID = r.u.work.id()
	txn.CreatedAt = r.u.now()
	r.u.work.transactions = append(r.u.work.transactions, *txn)
	return nil
}

func (r memTransactionRepo) GetByID(ctx context.Context, id int64) (*models.Transaction, error) {
	for _, txn := range r.u.work.transactions {
		if txn.ID == id && txn.GuildID == r.u.guildID {
			return &txn, nil
		}
	}
	return nil, nil
}

func (r memTransactionRepo) GetByMember(ctx context.Context, memberID int64, limit int) ([]*models.Transaction, error) {
	var out []*models.Transaction
	for i := len(r.u.work.transactions) - 1; i >= 0 && len(out) < limit; i-- {
		txn := r.u.work.transactions[i]
		if txn.GuildID != r.u.guildID {
			continue
		}
		if txn.InitiatorID == memberID || (txn.TargetID != nil && *txn.TargetID == memberID) {
			out = append(out, &txn)
		}
	}
	return out, nil
}

func (r memTransactionRepo) SumTransfersSince(ctx context.Context, memberID int64, since time.Time) (int64, error) {
	if err := r.u.usable(); err != nil {
		return 0, err
	}
	if r.u.store.sumErr != nil {
		return 0, r.u.fail(r.u.store.sumErr)
	}
	var sum int64
	for _, txn := range r.u.work.transactions {
		if txn.GuildID == r.u.guildID && txn.InitiatorID == memberID &&
			txn.Direction == models.DirectionTransfer && txn.CreatedAt.After(since) {
			sum += txn.Amount
		}
	}
	return sum, nil
}

type memPendingRepo struct{ u *memoryUoW }

func (r memPendingRepo) Create(ctx context.Context, pt *models.PendingTransfer) error {
	if err := r.u.usable(); err != nil {
		return err
	}
	now := r.u.now()
	pt.ID = r.u.work.id()
	pt.Version = 1
	pt.CreatedAt = now
	pt.UpdatedAt = now
	stored := *pt
	stored.Checks = maps.Clone(pt.Checks)
	r.u.work.pending[pt.ID] = stored
	return nil
}

func (r memPendingRepo) GetByID(ctx context.Context, id int64) (*models.PendingTransfer, error) {
	if err := r.u.usable(); err != nil {
		return nil, err
	}
	pt, ok := r.u.work.pending[id]
	if !ok || (r.u.guildID != 0 && pt.GuildID != r.u.guildID) {
		return nil, nil
	}
	pt.Checks = maps.Clone(pt.Checks)
	return &pt, nil
}

func (r memPendingRepo) GetByIDForUpdate(ctx context.Context, id int64) (*models.PendingTransfer, error) {
	return r.GetByID(ctx, id)
}

func (r memPendingRepo) Update(ctx context.Context, pt *models.PendingTransfer, expected models.PendingTransferStatus) (bool, error) {
	if err := r.u.usable(); err != nil {
		return false, err
	}
	current, ok := r.u.work.pending[pt.ID]
	if !ok || current.Status != expected || current.Version != pt.Version {
		return false, nil
	}
	pt.Version++
	pt.UpdatedAt = r.u.now()
	stored := *pt
	stored.Checks = maps.Clone(pt.Checks)
	r.u.work.pending[pt.ID] = stored
	return true, nil
}

func (r memPendingRepo) ClaimForExecution(ctx context.Context, id int64, now, leaseUntil time.Time) (bool, error) {
	if err := r.u.usable(); err != nil {
		return false, err
	}
	current, ok := r.u.work.pending[id]
	if !ok || current.Status != models.PendingTransferStatusApproved || !current.IsDue(now) {
		return false, nil
	}
	current.NextAttemptAt = &leaseUntil
	current.Version++
	current.UpdatedAt = r.u.now()
	r.u.work.pending[id] = current
	return true, nil
}

func (r memPendingRepo) Complete(ctx context.Context, id int64, transactionID int64) (bool, error) {
	if err := r.u.usable(); err != nil {
		return false, err
	}
	current, ok := r.u.work.pending[id]
	if !ok || current.Status != models.PendingTransferStatusApproved {
		return false, nil
	}
	current.Status = models.PendingTransferStatusCompleted
	current.TransactionID = &transactionID
	current.NextAttemptAt = nil
	current.Version++
	current.UpdatedAt = r.u.now()
	r.u.work.pending[id] = current
	return true, nil
}

func (r memPendingRepo) FindExpired(ctx context.Context, now time.Time, limit int) ([]*models.PendingTransfer, error) {
	return r.find(limit, func(pt models.PendingTransfer) bool {
		return !pt.Status.IsTerminal() && pt.IsExpired(now)
	}), nil
}

func (r memPendingRepo) FindDue(ctx context.Context, now, stalledBefore time.Time, limit int) ([]*models.PendingTransfer, error) {
	return r.find(limit, func(pt models.PendingTransfer) bool {
		if pt.Status.IsTerminal() {
			return false
		}
		if pt.NextAttemptAt != nil {
			return !pt.NextAttemptAt.After(now)
		}
		return pt.UpdatedAt.Before(stalledBefore)
	}), nil
}

func (r memPendingRepo) find(limit int, match func(models.PendingTransfer) bool) []*models.PendingTransfer {
	var out []*models.PendingTransfer
	for _, id := range sortedKeys(r.u.work.pending) {
		pt := r.u.work.pending[id]
		if match(pt) && len(out) < limit {
			pt.Checks = maps.Clone(pt.Checks)
			out = append(out, &pt)
		}
	}
	return out
}

type memProposalRepo struct{ u *memoryUoW }

func (r memProposalRepo) Create(ctx context.Context, proposal *models.Proposal, snapshot []int64) error {
	now := r.u.now()
	proposal.ID = r.u.work.id()
	proposal.CreatedAt = now
	proposal.UpdatedAt = now
	r.u.work.proposals[proposal.ID] = *proposal
	r.u.work.snapshots[proposal.ID] = slices.Clone(snapshot)
	return nil
}

func (r memProposalRepo) GetByID(ctx context.Context, id int64) (*models.Proposal, error) {
	p, ok := r.u.work.proposals[id]
	if !ok || (r.u.guildID != 0 && p.GuildID != r.u.guildID) {
		return nil, nil
	}
	return &p, nil
}

func (r memProposalRepo) GetByIDForUpdate(ctx context.Context, id int64) (*models.Proposal, error) {
	return r.GetByID(ctx, id)
}

func (r memProposalRepo) GetSnapshot(ctx context.Context, proposalID int64) ([]int64, error) {
	return slices.Clone(r.u.work.snapshots[proposalID]), nil
}

func (r memProposalRepo) UpsertVote(ctx context.Context, vote *models.Vote) error {
	key := voteKey{vote.ProposalID, vote.VoterID}
	now := r.u.now()
	if existing, ok := r.u.work.votes[key]; ok {
		vote.CreatedAt = existing.CreatedAt
	} else {
		vote.CreatedAt = now
	}
	vote.UpdatedAt = now
	r.u.work.votes[key] = *vote
	return nil
}

func (r memProposalRepo) GetVotes(ctx context.Context, proposalID int64) ([]*models.Vote, error) {
	var out []*models.Vote
	for key, vote := range r.u.work.votes {
		if key.proposalID == proposalID {
			out = append(out, &vote)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VoterID < out[j].VoterID })
	return out, nil
}

func (r memProposalRepo) modify(id int64, from models.ProposalStatus, apply func(*models.Proposal)) bool {
	p, ok := r.u.work.proposals[id]
	if !ok || p.Status != from {
		return false
	}
	apply(&p)
	p.UpdatedAt = r.u.now()
	r.u.work.proposals[id] = p
	return true
}

func (r memProposalRepo) UpdateStatus(ctx context.Context, id int64, from, to models.ProposalStatus) (bool, error) {
	return r.modify(id, from, func(p *models.Proposal) { p.Status = to }), nil
}

func (r memProposalRepo) MarkExecuted(ctx context.Context, id int64, transactionID int64) (bool, error) {
	return r.modify(id, models.ProposalStatusApproved, func(p *models.Proposal) {
		p.Status = models.ProposalStatusExecuted
		p.ExecutionTxID = &transactionID
	}), nil
}

func (r memProposalRepo) MarkExecutionFailed(ctx context.Context, id int64, reason string) (bool, error) {
	return r.modify(id, models.ProposalStatusApproved, func(p *models.Proposal) {
		p.Status = models.ProposalStatusExecutionFailed
		p.ExecutionError = &reason
	}), nil
}

func (r memProposalRepo) MarkReminderSent(ctx context.Context, id int64) (bool, error) {
	p, ok := r.u.work.proposals[id]
	if !ok || p.ReminderSent {
		return false, nil
	}
	return r.modify(id, models.ProposalStatusOpen, func(p *models.Proposal) { p.ReminderSent = true }), nil
}

func (r memProposalRepo) FindPastDeadline(ctx context.Context, now time.Time, limit int) ([]*models.Proposal, error) {
	return r.find(limit, func(p models.Proposal) bool { return p.IsDeadlinePassed(now) }), nil
}

func (r memProposalRepo) FindReminderDue(ctx context.Context, now time.Time, defaultOffset time.Duration, limit int) ([]*models.Proposal, error) {
	return r.find(limit, func(p models.Proposal) bool {
		offset := defaultOffset
		if gs, ok := r.u.work.settings[p.GuildID]; ok && gs.ReminderOffsetSeconds != nil {
			offset = time.Duration(*gs.ReminderOffsetSeconds) * time.Second
		}
		return p.IsReminderDue(now, offset)
	}), nil
}

func (r memProposalRepo) FindApprovedBefore(ctx context.Context, before time.Time, limit int) ([]*models.Proposal, error) {
	return r.find(limit, func(p models.Proposal) bool {
		return p.IsApproved() && p.UpdatedAt.Before(before)
	}), nil
}

func (r memProposalRepo) find(limit int, match func(models.Proposal) bool) []*models.Proposal {
	var out []*models.Proposal
	for _, id := range sortedKeys(r.u.work.proposals) {
		p := r.u.work.proposals[id]
		if match(p) && len(out) < limit {
			out = append(out, &p)
		}
	}
	return out
}

type memCouncilRepo struct{ u *memoryUoW }

func (r memCouncilRepo) AddMember(ctx context.Context, memberID int64) (bool, error) {
	key := councilKey{r.u.guildID, memberID}
	if _, ok := r.u.work.council[key]; ok {
		return false, nil
	}
	r.u.work.council[key] = r.u.now()
	return true, nil
}

func (r memCouncilRepo) RemoveMember(ctx context.Context, memberID int64) (bool, error) {
	key := councilKey{r.u.guildID, memberID}
	if _, ok := r.u.work.council[key]; !ok {
		return false, nil
	}
	delete(r.u.work.council, key)
	return true, nil
}

func (r memCouncilRepo) ListMembers(ctx context.Context) ([]int64, error) {
	var members []int64
	for key := range r.u.work.council {
		if key.guildID == r.u.guildID {
			members = append(members, key.memberID)
		}
	}
	slices.Sort(members)
	return members, nil
}

type memDepartmentRepo struct{ u *memoryUoW }

func (r memDepartmentRepo) Create(ctx context.Context, department *models.Department) error {
	department.ID = r.u.work.id()
	department.GuildID = r.u.guildID
	department.CreatedAt = r.u.now()
	r.u.work.departments[department.ID] = *department
	return nil
}

func (r memDepartmentRepo) GetByID(ctx context.Context, id int64) (*models.Department, error) {
	d, ok := r.u.work.departments[id]
	if !ok || d.GuildID != r.u.guildID {
		return nil, nil
	}
	return &d, nil
}

func (r memDepartmentRepo) List(ctx context.Context) ([]*models.Department, error) {
	var out []*models.Department
	for _, id := range sortedKeys(r.u.work.departments) {
		d := r.u.work.departments[id]
		if d.GuildID == r.u.guildID {
			out = append(out, &d)
		}
	}
	return out, nil
}

type memSettingsRepo struct{ u *memoryUoW }

func (r memSettingsRepo) Get(ctx context.Context) (*models.GuildSettings, error) {
	if err := r.u.usable(); err != nil {
		return nil, err
	}
	if r.u.store.settingsErr != nil {
		return nil, r.u.fail(r.u.store.settingsErr)
	}
	gs, ok := r.u.work.settings[r.u.guildID]
	if !ok {
		return nil, nil
	}
	return &gs, nil
}

func (r memSettingsRepo) Upsert(ctx context.Context, settings *models.GuildSettings) error {
	if err := r.u.usable(); err != nil {
		return err
	}
	r.u.work.settings[r.u.guildID] = *settings
	return nil
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := slices.Collect(maps.Keys(m))
	slices.Sort(keys)
	return keys
}
