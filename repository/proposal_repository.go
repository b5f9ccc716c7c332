package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"treasury/models"

	"github.com/jackc/pgx/v5"
)

// ProposalRepository implements service.ProposalRepository
type ProposalRepository struct {
	q       Queryable
	guildID int64
}

// NewProposalRepositoryScoped creates a new proposal repository with a transaction and guild scope.
// A zero guildID makes lookups and sweeps span every guild.
func NewProposalRepositoryScoped(tx Queryable, guildID int64) *ProposalRepository {
	return &ProposalRepository{q: tx, guildID: guildID}
}

const proposalColumns = `p.id, p.guild_id, p.proposer_id, p.target_id, p.target_department_id, p.amount,
	p.description, p.attachment_url, p.snapshot_n, p.threshold_t, p.deadline_at, p.status,
	p.reminder_sent, p.execution_tx_id, p.execution_error, p.created_at, p.updated_at`

func scanProposal(row pgx.Row) (*models.Proposal, error) {
	var p models.Proposal
	err := row.Scan(
		&p.ID,
		&p.GuildID,
		&p.ProposerID,
		&p.TargetID,
		&p.TargetDepartmentID,
		&p.Amount,
		&p.Description,
		&p.AttachmentURL,
		&p.SnapshotN,
		&p.ThresholdT,
		&p.DeadlineAt,
		&p.Status,
		&p.ReminderSent,
		&p.ExecutionTxID,
		&p.ExecutionError,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts the proposal and its frozen voter snapshot
func (r *ProposalRepository) Create(ctx context.Context, proposal *models.Proposal, snapshot []int64) error {
	query := `
		INSERT INTO proposals (
			guild_id, proposer_id, target_id, target_department_id, amount,
			description, attachment_url, snapshot_n, threshold_t, deadline_at, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`

	proposal.GuildID = r.guildID
	err := r.q.QueryRow(ctx, query,
		r.guildID,
		proposal.ProposerID,
		proposal.TargetID,
		proposal.TargetDepartmentID,
		proposal.Amount,
		proposal.Description,
		proposal.AttachmentURL,
		proposal.SnapshotN,
		proposal.ThresholdT,
		proposal.DeadlineAt,
		proposal.Status,
	).Scan(&proposal.ID, &proposal.CreatedAt, &proposal.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create proposal: %w", err)
	}

	snapshotQuery := `
		INSERT INTO proposal_snapshots (proposal_id, member_id)
		SELECT $1, unnest($2::BIGINT[])
	`
	if _, err := r.q.Exec(ctx, snapshotQuery, proposal.ID, snapshot); err != nil {
		return fmt.Errorf("failed to store snapshot for proposal %d: %w", proposal.ID, err)
	}
	return nil
}

// GetByID retrieves a proposal by ID
func (r *ProposalRepository) GetByID(ctx context.Context, id int64) (*models.Proposal, error) {
	return r.get(ctx, id, "")
}

// GetByIDForUpdate retrieves a proposal and locks its row
func (r *ProposalRepository) GetByIDForUpdate(ctx context.Context, id int64) (*models.Proposal, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *ProposalRepository) get(ctx context.Context, id int64, lock string) (*models.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals p WHERE p.id = $1`
	args := []any{id}
	if r.guildID != 0 {
		query += ` AND p.guild_id = $2`
		args = append(args, r.guildID)
	}

	p, err := scanProposal(r.q.QueryRow(ctx, query+lock, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get proposal %d: %w", id, err)
	}
	return p, nil
}

// GetSnapshot returns the member IDs frozen at creation, ordered by ID
func (r *ProposalRepository) GetSnapshot(ctx context.Context, proposalID int64) ([]int64, error) {
	query := `SELECT member_id FROM proposal_snapshots WHERE proposal_id = $1 ORDER BY member_id`

	rows, err := r.q.Query(ctx, query, proposalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot for proposal %d: %w", proposalID, err)
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to scan snapshot for proposal %d: %w", proposalID, err)
	}
	return members, nil
}

// UpsertVote stores the voter's latest choice
func (r *ProposalRepository) UpsertVote(ctx context.Context, vote *models.Vote) error {
	query := `
		INSERT INTO proposal_votes (proposal_id, voter_id, choice)
		VALUES ($1, $2, $3)
		ON CONFLICT (proposal_id, voter_id)
		DO UPDATE SET choice = EXCLUDED.choice, updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err := r.q.QueryRow(ctx, query, vote.ProposalID, vote.VoterID, vote.Choice).Scan(&vote.CreatedAt, &vote.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to record vote on proposal %d: %w", vote.ProposalID, err)
	}
	return nil
}

// GetVotes returns every voter's current choice on the proposal
func (r *ProposalRepository) GetVotes(ctx context.Context, proposalID int64) ([]*models.Vote, error) {
	query := `
		SELECT proposal_id, voter_id, choice, created_at, updated_at
		FROM proposal_votes
		WHERE proposal_id = $1
		ORDER BY created_at ASC, voter_id ASC
	`

	rows, err := r.q.Query(ctx, query, proposalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query votes for proposal %d: %w", proposalID, err)
	}
	defer rows.Close()

	var votes []*models.Vote
	for rows.Next() {
		var v models.Vote
		if err := rows.Scan(&v.ProposalID, &v.VoterID, &v.Choice, &v.CreatedAt, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan vote: %w", err)
		}
		votes = append(votes, &v)
	}
	return votes, rows.Err()
}

// UpdateStatus moves a proposal from one status to another
func (r *ProposalRepository) UpdateStatus(ctx context.Context, id int64, from, to models.ProposalStatus) (bool, error) {
	query := `UPDATE proposals SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`
	return r.exec(ctx, "update status of", id, query, id, from, to)
}

// MarkExecuted records the transfer that settled an approved proposal
func (r *ProposalRepository) MarkExecuted(ctx context.Context, id int64, transactionID int64) (bool, error) {
	query := `
		UPDATE proposals
		SET status = $3, execution_tx_id = $4, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	return r.exec(ctx, "mark executed", id, query, id, models.ProposalStatusApproved, models.ProposalStatusExecuted, transactionID)
}

// MarkExecutionFailed records why an approved proposal could not be settled
func (r *ProposalRepository) MarkExecutionFailed(ctx context.Context, id int64, reason string) (bool, error) {
	query := `
		UPDATE proposals
		SET status = $3, execution_error = $4, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	return r.exec(ctx, "mark execution failed for", id, query, id, models.ProposalStatusApproved, models.ProposalStatusExecutionFailed, reason)
}

// MarkReminderSent flags the single reminder of an open proposal
func (r *ProposalRepository) MarkReminderSent(ctx context.Context, id int64) (bool, error) {
	query := `
		UPDATE proposals
		SET reminder_sent = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = $2 AND NOT reminder_sent
	`
	return r.exec(ctx, "mark reminder sent for", id, query, id, models.ProposalStatusOpen)
}

func (r *ProposalRepository) exec(ctx context.Context, action string, id int64, query string, args ...any) (bool, error) {
	result, err := r.q.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to %s proposal %d: %w", action, id, err)
	}
	return result.RowsAffected() == 1, nil
}

// FindPastDeadline lists open proposals whose deadline has been reached
func (r *ProposalRepository) FindPastDeadline(ctx context.Context, now time.Time, limit int) ([]*models.Proposal, error) {
	query := `
		SELECT ` + proposalColumns + `
		FROM proposals p
		WHERE p.status = 'open' AND p.deadline_at <= $1
		ORDER BY p.deadline_at ASC
		LIMIT $2
	`
	return r.list(ctx, query, now, limit)
}

// FindReminderDue lists open, unreminded proposals inside their guild's reminder window
func (r *ProposalRepository) FindReminderDue(ctx context.Context, now time.Time, defaultOffset time.Duration, limit int) ([]*models.Proposal, error) {
	query := `
		SELECT ` + proposalColumns + `
		FROM proposals p
		LEFT JOIN guild_settings gs ON gs.guild_id = p.guild_id
		WHERE p.status = 'open'
		  AND NOT p.reminder_sent
		  AND p.deadline_at > $1
		  AND p.deadline_at - COALESCE(gs.reminder_offset_seconds, $2::INTEGER) * INTERVAL '1 second' <= $1
		ORDER BY p.deadline_at ASC
		LIMIT $3
	`
	return r.list(ctx, query, now, int64(defaultOffset/time.Second), limit)
}

// FindApprovedBefore lists approved proposals last written before the cutoff
func (r *ProposalRepository) FindApprovedBefore(ctx context.Context, before time.Time, limit int) ([]*models.Proposal, error) {
	query := `
		SELECT ` + proposalColumns + `
		FROM proposals p
		WHERE p.status = 'approved' AND p.updated_at < $1
		ORDER BY p.updated_at ASC
		LIMIT $2
	`
	return r.list(ctx, query, before, limit)
}

func (r *ProposalRepository) list(ctx context.Context, query string, args ...any) ([]*models.Proposal, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query proposals: %w", err)
	}
	defer rows.Close()

	var proposals []*models.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan proposal: %w", err)
		}
		proposals = append(proposals, p)
	}
	return proposals, rows.Err()
}
