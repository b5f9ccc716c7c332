package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"treasury/events"
	"treasury/metrics"
	"treasury/models"

	log "github.com/sirupsen/logrus"
)

// CreateProposalRequest asks the council to move treasury funds to a member or a department
type CreateProposalRequest struct {
	GuildID            int64
	ProposerID         int64
	TargetID           *int64
	TargetDepartmentID *int64
	Amount             int64
	Description        *string
	AttachmentURL      *string
	DeadlineAt         *time.Time
}

// ProposalEngine runs council proposals from creation through voting to execution
type ProposalEngine struct {
	uowFactory  UnitOfWorkFactory
	executor    TransferService
	defaults    models.LedgerPolicy
	resumeGrace time.Duration
	batchSize   int
	now         func() time.Time
}

// NewProposalEngine creates a new proposal engine
func NewProposalEngine(uowFactory UnitOfWorkFactory, executor TransferService, defaults models.LedgerPolicy) *ProposalEngine {
	return &ProposalEngine{
		uowFactory:  uowFactory,
		executor:    executor,
		defaults:    defaults,
		resumeGrace: time.Minute,
		batchSize:   100,
		now:         utcNow,
	}
}

// Create opens a proposal and freezes the current council as its voters
func (e *ProposalEngine) Create(ctx context.Context, req CreateProposalRequest) (*models.Proposal, error) {
	if (req.TargetID == nil) == (req.TargetDepartmentID == nil) {
		return nil, ErrInvalidTarget
	}
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.ProposerID <= 0 || (req.TargetID != nil && *req.TargetID <= 0) {
		return nil, ErrUnknownAccount
	}

	uow := e.uowFactory.CreateForGuild(req.GuildID)
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	policy, err := resolvePolicy(ctx, uow, req.GuildID, e.defaults)
	if err != nil {
		return nil, err
	}
	if policy.TreasuryAccountID <= 0 {
		return nil, fmt.Errorf("%w: guild has no treasury account", ErrUnknownAccount)
	}

	if req.TargetDepartmentID != nil {
		department, err := uow.DepartmentRepository().GetByID(ctx, *req.TargetDepartmentID)
		if err != nil {
			return nil, fmt.Errorf("failed to get department: %w", err)
		}
		if department == nil {
			return nil, fmt.Errorf("%w: department %d not found", ErrInvalidTarget, *req.TargetDepartmentID)
		}
	}

	snapshot, err := uow.CouncilRepository().ListMembers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list council members: %w", err)
	}
	if len(snapshot) == 0 {
		return nil, ErrNoEligibleVoters
	}

	now := e.now()
	deadline := now.Add(policy.VotingPeriod)
	if req.DeadlineAt != nil {
		deadline = req.DeadlineAt.UTC()
	}
	if !deadline.After(now) {
		return nil, fmt.Errorf("deadline %s is not in the future", deadline.Format(time.RFC3339))
	}

	proposal := &models.Proposal{
		GuildID:            req.GuildID,
		ProposerID:         req.ProposerID,
		TargetID:           req.TargetID,
		TargetDepartmentID: req.TargetDepartmentID,
		Amount:             req.Amount,
		Description:        req.Description,
		AttachmentURL:      req.AttachmentURL,
		SnapshotN:          len(snapshot),
		ThresholdT:         models.Threshold(len(snapshot)),
		DeadlineAt:         deadline,
		Status:             models.ProposalStatusOpen,
	}
	if err := uow.ProposalRepository().Create(ctx, proposal, snapshot); err != nil {
		return nil, fmt.Errorf("failed to create proposal: %w", err)
	}
	if err := publishProposalChange(uow, proposal, ""); err != nil {
		return nil, err
	}

	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.WithFields(log.Fields{
		"guild_id":    req.GuildID,
		"proposal_id": proposal.ID,
		"proposer_id": req.ProposerID,
		"amount":      req.Amount,
		"snapshot_n":  proposal.SnapshotN,
		"threshold_t": proposal.ThresholdT,
		"deadline_at": deadline,
	}).Info("Created proposal")

	return proposal, nil
}

// Get returns the proposal with its snapshot, votes and tally
func (e *ProposalEngine) Get(ctx context.Context, guildID, proposalID int64) (*models.ProposalDetail, error) {
	uow := e.uowFactory.CreateForGuild(guildID)
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	proposal, err := uow.ProposalRepository().GetByID(ctx, proposalID)
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal: %w", err)
	}
	if proposal == nil {
		return nil, ErrProposalNotFound
	}
	return loadDetail(ctx, uow, proposal)
}

// CastVote records the voter's choice, replacing any earlier vote, then resolves the proposal.
// An approved proposal is executed once the vote is committed.
func (e *ProposalEngine) CastVote(ctx context.Context, guildID, proposalID, voterID int64, choice models.VoteChoice) (*models.ProposalDetail, error) {
	if !choice.IsValid() {
		return nil, fmt.Errorf("invalid vote choice %q", choice)
	}

	uow := e.uowFactory.CreateForGuild(guildID)
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	proposal, err := uow.ProposalRepository().GetByIDForUpdate(ctx, proposalID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock proposal: %w", err)
	}
	if proposal == nil {
		return nil, ErrProposalNotFound
	}
	if !proposal.IsVotingPeriodActive(e.now()) {
		return nil, ErrVotingClosed
	}

	snapshot, err := uow.ProposalRepository().GetSnapshot(ctx, proposalID)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	detail := &models.ProposalDetail{Proposal: proposal, Snapshot: snapshot}
	if !detail.InSnapshot(voterID) {
		return nil, ErrNotEligibleVoter
	}

	vote := &models.Vote{ProposalID: proposalID, VoterID: voterID, Choice: choice}
	if err := uow.ProposalRepository().UpsertVote(ctx, vote); err != nil {
		return nil, fmt.Errorf("failed to record vote: %w", err)
	}

	votes, err := uow.ProposalRepository().GetVotes(ctx, proposalID)
	if err != nil {
		return nil, fmt.Errorf("failed to get votes: %w", err)
	}
	detail.Votes = votes
	detail.Tally = models.TallyVotes(votes)

	if err := uow.EventBus().Publish(events.ProposalVoteCastEvent{
		GuildID:    guildID,
		ProposalID: proposalID,
		VoterID:    voterID,
		Choice:     string(choice),
		Approve:    detail.Tally.Approve,
		Voted:      detail.Tally.Voted(),
		SnapshotN:  proposal.SnapshotN,
		ThresholdT: proposal.ThresholdT,
	}); err != nil {
		return nil, fmt.Errorf("failed to publish vote event: %w", err)
	}

	switch detail.Tally.Resolve(proposal.SnapshotN, proposal.ThresholdT) {
	case models.ResolutionApproved:
		err = transitionProposal(ctx, uow, proposal, models.ProposalStatusApproved)
	case models.ResolutionRejected:
		err = transitionProposal(ctx, uow, proposal, models.ProposalStatusRejected)
	}
	if err != nil {
		return nil, err
	}

	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	metrics.RecordVote(string(choice))
	log.WithFields(log.Fields{
		"guild_id":    guildID,
		"proposal_id": proposalID,
		"voter_id":    voterID,
		"choice":      choice,
		"approve":     detail.Tally.Approve,
		"voted":       detail.Tally.Voted(),
		"status":      proposal.Status,
	}).Info("Vote recorded")

	if proposal.IsApproved() {
		executed, err := e.Execute(ctx, guildID, proposalID)
		if err != nil {
			log.WithFields(log.Fields{
				"proposal_id": proposalID,
				"error":       err,
			}).Error("Approved proposal did not execute")
		}
		if executed != nil {
			detail.Proposal = executed
		}
	}

	return detail, nil
}

// Execute settles an approved proposal through the transfer executor, treasury to target.
// Success marks it executed; any execution failure marks it execution_failed, which is final.
func (e *ProposalEngine) Execute(ctx context.Context, guildID, proposalID int64) (*models.Proposal, error) {
	proposal, policy, targetID, err := e.loadForExecution(ctx, guildID, proposalID)
	if err != nil {
		return proposal, err
	}

	txn, execErr := e.executor.Execute(ctx, TransferRequest{
		GuildID:     guildID,
		InitiatorID: policy.TreasuryAccountID,
		TargetID:    targetID,
		Amount:      proposal.Amount,
		Reason:      fmt.Sprintf("proposal #%d", proposal.ID),
		Metadata:    executionMetadata(proposal),
		Settle: func(ctx context.Context, txUow UnitOfWork, txn *models.Transaction) error {
			executed, err := txUow.ProposalRepository().MarkExecuted(ctx, proposal.ID, txn.ID)
			if err != nil {
				return fmt.Errorf("failed to mark proposal executed: %w", err)
			}
			if !executed {
				return ErrStaleTransition
			}
			done := *proposal
			done.Status = models.ProposalStatusExecuted
			done.ExecutionTxID = &txn.ID
			return publishProposalChange(txUow, &done, models.ProposalStatusApproved)
		},
	})
	if execErr == nil {
		proposal.Status = models.ProposalStatusExecuted
		proposal.ExecutionTxID = &txn.ID
		metrics.RecordProposalTransition(string(models.ProposalStatusApproved), string(models.ProposalStatusExecuted))
		log.WithFields(log.Fields{
			"guild_id":       guildID,
			"proposal_id":    proposal.ID,
			"transaction_id": txn.ID,
		}).Info("Proposal executed")
		return proposal, nil
	}
	if errors.Is(execErr, ErrStaleTransition) {
		return proposal, fmt.Errorf("proposal %d already settled: %w", proposal.ID, execErr)
	}

	if err := e.markExecutionFailed(ctx, proposal, execErr); err != nil {
		return proposal, err
	}
	return proposal, fmt.Errorf("proposal execution failed: %w", execErr)
}

func (e *ProposalEngine) loadForExecution(ctx context.Context, guildID, proposalID int64) (*models.Proposal, models.LedgerPolicy, int64, error) {
	uow := e.uowFactory.CreateForGuild(guildID)
	if err := uow.Begin(ctx); err != nil {
		return nil, models.LedgerPolicy{}, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	proposal, err := uow.ProposalRepository().GetByID(ctx, proposalID)
	if err != nil {
		return nil, models.LedgerPolicy{}, 0, fmt.Errorf("failed to get proposal: %w", err)
	}
	if proposal == nil {
		return nil, models.LedgerPolicy{}, 0, ErrProposalNotFound
	}
	if !proposal.IsApproved() {
		return proposal, models.LedgerPolicy{}, 0, fmt.Errorf("%w: proposal is %s", ErrStaleTransition, proposal.Status)
	}

	policy, err := resolvePolicy(ctx, uow, guildID, e.defaults)
	if err != nil {
		return proposal, models.LedgerPolicy{}, 0, err
	}

	if proposal.TargetID != nil {
		return proposal, policy, *proposal.TargetID, nil
	}
	department, err := uow.DepartmentRepository().GetByID(ctx, *proposal.TargetDepartmentID)
	if err != nil {
		return proposal, models.LedgerPolicy{}, 0, fmt.Errorf("failed to get department: %w", err)
	}
	if department == nil {
		// Unresolvable target: the executor reports it and the proposal fails terminally
		return proposal, policy, 0, nil
	}
	return proposal, policy, department.AccountID, nil
}

func (e *ProposalEngine) markExecutionFailed(ctx context.Context, proposal *models.Proposal, execErr error) error {
	reason := execErr.Error()

	uow := e.uowFactory.CreateForGuild(proposal.GuildID)
	if err := uow.Begin(ctx); err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	failed, err := uow.ProposalRepository().MarkExecutionFailed(ctx, proposal.ID, reason)
	if err != nil {
		return fmt.Errorf("failed to mark proposal execution failed: %w", err)
	}
	if !failed {
		return nil
	}

	proposal.Status = models.ProposalStatusExecutionFailed
	proposal.ExecutionError = &reason
	if err := publishProposalChange(uow, proposal, models.ProposalStatusApproved); err != nil {
		return err
	}
	if err := uow.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	metrics.RecordProposalTransition(string(models.ProposalStatusApproved), string(models.ProposalStatusExecutionFailed))
	log.WithFields(log.Fields{
		"guild_id":    proposal.GuildID,
		"proposal_id": proposal.ID,
		"error":       reason,
	}).Error("Proposal execution failed; operator action required")
	return nil
}

// Withdraw cancels an open proposal on behalf of its proposer or a proposal admin
func (e *ProposalEngine) Withdraw(ctx context.Context, guildID, proposalID, requesterID int64) (*models.Proposal, error) {
	uow := e.uowFactory.CreateForGuild(guildID)
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	proposal, err := uow.ProposalRepository().GetByIDForUpdate(ctx, proposalID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock proposal: %w", err)
	}
	if proposal == nil {
		return nil, ErrProposalNotFound
	}

	policy, err := resolvePolicy(ctx, uow, guildID, e.defaults)
	if err != nil {
		return nil, err
	}
	if requesterID != proposal.ProposerID && !policy.IsProposalAdmin(requesterID) {
		return nil, ErrNotAuthorized
	}
	if !proposal.IsOpen() {
		return nil, ErrVotingClosed
	}

	if err := transitionProposal(ctx, uow, proposal, models.ProposalStatusWithdrawn); err != nil {
		return nil, err
	}
	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.WithFields(log.Fields{
		"guild_id":     guildID,
		"proposal_id":  proposalID,
		"requester_id": requesterID,
	}).Info("Proposal withdrawn")
	return proposal, nil
}

// SweepDeadlines expires open proposals whose deadline has passed
func (e *ProposalEngine) SweepDeadlines(ctx context.Context) (int, error) {
	now := e.now()
	candidates, err := e.findAcrossGuilds(ctx, func(repo ProposalRepository) ([]*models.Proposal, error) {
		return repo.FindPastDeadline(ctx, now, e.batchSize)
	})
	if err != nil {
		return 0, err
	}

	var errs []error
	expired := 0
	for _, candidate := range candidates {
		ok, err := e.expireOne(ctx, candidate.GuildID, candidate.ID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("proposal %d: %w", candidate.ID, err))
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, errors.Join(errs...)
}

func (e *ProposalEngine) expireOne(ctx context.Context, guildID, proposalID int64, now time.Time) (bool, error) {
	uow := e.uowFactory.CreateForGuild(guildID)
	if err := uow.Begin(ctx); err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	proposal, err := uow.ProposalRepository().GetByIDForUpdate(ctx, proposalID)
	if err != nil {
		return false, fmt.Errorf("failed to lock proposal: %w", err)
	}
	if proposal == nil || !proposal.IsDeadlinePassed(now) {
		return false, nil
	}

	if err := transitionProposal(ctx, uow, proposal, models.ProposalStatusExpired); err != nil {
		return false, err
	}
	if err := uow.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// SendReminders emits a single reminder per open proposal once it enters its reminder window
func (e *ProposalEngine) SendReminders(ctx context.Context) (int, error) {
	now := e.now()
	candidates, err := e.findAcrossGuilds(ctx, func(repo ProposalRepository) ([]*models.Proposal, error) {
		return repo.FindReminderDue(ctx, now, e.defaults.ReminderOffset, e.batchSize)
	})
	if err != nil {
		return 0, err
	}

	var errs []error
	sent := 0
	for _, candidate := range candidates {
		ok, err := e.remindOne(ctx, candidate.GuildID, candidate.ID, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("proposal %d: %w", candidate.ID, err))
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, errors.Join(errs...)
}

func (e *ProposalEngine) remindOne(ctx context.Context, guildID, proposalID int64, now time.Time) (bool, error) {
	uow := e.uowFactory.CreateForGuild(guildID)
	if err := uow.Begin(ctx); err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	proposal, err := uow.ProposalRepository().GetByIDForUpdate(ctx, proposalID)
	if err != nil {
		return false, fmt.Errorf("failed to lock proposal: %w", err)
	}
	if proposal == nil {
		return false, nil
	}
	policy, err := resolvePolicy(ctx, uow, guildID, e.defaults)
	if err != nil {
		return false, err
	}
	if !proposal.IsReminderDue(now, policy.ReminderOffset) {
		return false, nil
	}

	marked, err := uow.ProposalRepository().MarkReminderSent(ctx, proposalID)
	if err != nil {
		return false, fmt.Errorf("failed to mark reminder sent: %w", err)
	}
	if !marked {
		return false, nil
	}

	detail, err := loadDetail(ctx, uow, proposal)
	if err != nil {
		return false, err
	}
	if err := uow.EventBus().Publish(events.ProposalReminderEvent{
		GuildID:       guildID,
		ProposalID:    proposalID,
		DeadlineAt:    proposal.DeadlineAt,
		PendingVoters: detail.PendingVoters(),
	}); err != nil {
		return false, fmt.Errorf("failed to publish reminder: %w", err)
	}

	if err := uow.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// ResumeApproved executes proposals left approved past the grace period,
// e.g. after a crash between approval and execution
func (e *ProposalEngine) ResumeApproved(ctx context.Context) (int, error) {
	before := e.now().Add(-e.resumeGrace)
	candidates, err := e.findAcrossGuilds(ctx, func(repo ProposalRepository) ([]*models.Proposal, error) {
		return repo.FindApprovedBefore(ctx, before, e.batchSize)
	})
	if err != nil {
		return 0, err
	}

	var errs []error
	resumed := 0
	for _, candidate := range candidates {
		proposal, err := e.Execute(ctx, candidate.GuildID, candidate.ID)
		if err != nil && !errors.Is(err, ErrStaleTransition) {
			errs = append(errs, fmt.Errorf("proposal %d: %w", candidate.ID, err))
		}
		if proposal != nil && proposal.Status == models.ProposalStatusExecuted {
			resumed++
		}
	}
	return resumed, errors.Join(errs...)
}

func (e *ProposalEngine) findAcrossGuilds(
	ctx context.Context,
	find func(repo ProposalRepository) ([]*models.Proposal, error),
) ([]*models.Proposal, error) {
	uow := e.uowFactory.CreateForGuild(0)
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	found, err := find(uow.ProposalRepository())
	if err != nil {
		return nil, fmt.Errorf("failed to find proposals: %w", err)
	}
	return found, nil
}

// transitionProposal moves the proposal with a compare-and-set on its current status
func transitionProposal(ctx context.Context, uow UnitOfWork, proposal *models.Proposal, to models.ProposalStatus) error {
	from := proposal.Status
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrStaleTransition, from, to)
	}

	updated, err := uow.ProposalRepository().UpdateStatus(ctx, proposal.ID, from, to)
	if err != nil {
		return fmt.Errorf("failed to update proposal status: %w", err)
	}
	if !updated {
		return ErrStaleTransition
	}

	proposal.Status = to
	if err := publishProposalChange(uow, proposal, from); err != nil {
		return err
	}
	metrics.RecordProposalTransition(string(from), string(to))
	return nil
}

func loadDetail(ctx context.Context, uow UnitOfWork, proposal *models.Proposal) (*models.ProposalDetail, error) {
	snapshot, err := uow.ProposalRepository().GetSnapshot(ctx, proposal.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	votes, err := uow.ProposalRepository().GetVotes(ctx, proposal.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to get votes: %w", err)
	}
	return &models.ProposalDetail{
		Proposal: proposal,
		Snapshot: snapshot,
		Votes:    votes,
		Tally:    models.TallyVotes(votes),
	}, nil
}

func executionMetadata(proposal *models.Proposal) map[string]any {
	metadata := map[string]any{"proposal_id": proposal.ID}
	if proposal.TargetDepartmentID != nil {
		metadata["target_department_id"] = *proposal.TargetDepartmentID
	}
	return metadata
}

func publishProposalChange(uow UnitOfWork, proposal *models.Proposal, old models.ProposalStatus) error {
	event := events.ProposalStatusChangedEvent{
		GuildID:       proposal.GuildID,
		ProposalID:    proposal.ID,
		OldStatus:     string(old),
		NewStatus:     string(proposal.Status),
		Amount:        proposal.Amount,
		ExecutionTxID: proposal.ExecutionTxID,
	}
	if proposal.ExecutionError != nil {
		event.ExecutionError = *proposal.ExecutionError
	}
	if err := uow.EventBus().Publish(event); err != nil {
		return fmt.Errorf("failed to publish proposal event: %w", err)
	}
	return nil
}
