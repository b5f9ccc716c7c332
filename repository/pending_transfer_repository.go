package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"treasury/models"

	"github.com/jackc/pgx/v5"
)

// PendingTransferRepository implements service.PendingTransferRepository.
// Status writes are compare-and-set on the expected status and row version.
type PendingTransferRepository struct {
	q       Queryable
	guildID int64
}

// NewPendingTransferRepositoryScoped creates a new pending transfer repository with a transaction and guild scope.
// A zero guildID makes lookups and sweeps span every guild.
func NewPendingTransferRepositoryScoped(tx Queryable, guildID int64) *PendingTransferRepository {
	return &PendingTransferRepository{q: tx, guildID: guildID}
}

const pendingTransferColumns = `id, guild_id, initiator_id, target_id, amount, status, checks, retry_count,
	next_attempt_at, expires_at, rejection_reason, transaction_id, metadata, version, created_at, updated_at`

const openPendingStatuses = `('pending', 'checking', 'approved')`

func scanPendingTransfer(row pgx.Row) (*models.PendingTransfer, error) {
	var pt models.PendingTransfer
	var checksJSON, metadataJSON []byte
	err := row.Scan(
		&pt.ID,
		&pt.GuildID,
		&pt.InitiatorID,
		&pt.TargetID,
		&pt.Amount,
		&pt.Status,
		&checksJSON,
		&pt.RetryCount,
		&pt.NextAttemptAt,
		&pt.ExpiresAt,
		&pt.RejectionReason,
		&pt.TransactionID,
		&metadataJSON,
		&pt.Version,
		&pt.CreatedAt,
		&pt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(checksJSON, &pt.Checks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checks: %w", err)
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &pt.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &pt, nil
}

func marshalChecks(checks map[models.CheckName]models.CheckState) ([]byte, error) {
	if checks == nil {
		checks = map[models.CheckName]models.CheckState{}
	}
	return json.Marshal(checks)
}

// Create inserts a pending transfer and fills its ID, version and timestamps
func (r *PendingTransferRepository) Create(ctx context.Context, pt *models.PendingTransfer) error {
	checksJSON, err := marshalChecks(pt.Checks)
	if err != nil {
		return fmt.Errorf("failed to marshal checks: %w", err)
	}
	metadata := pt.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO pending_transfers (
			guild_id, initiator_id, target_id, amount, status, checks, expires_at, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, version, created_at, updated_at
	`

	pt.GuildID = r.guildID
	err = r.q.QueryRow(ctx, query,
		r.guildID,
		pt.InitiatorID,
		pt.TargetID,
		pt.Amount,
		pt.Status,
		checksJSON,
		pt.ExpiresAt,
		metadataJSON,
	).Scan(&pt.ID, &pt.Version, &pt.CreatedAt, &pt.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create pending transfer: %w", err)
	}
	return nil
}

// GetByID retrieves a pending transfer by ID
func (r *PendingTransferRepository) GetByID(ctx context.Context, id int64) (*models.PendingTransfer, error) {
	return r.get(ctx, id, "")
}

// GetByIDForUpdate retrieves a pending transfer and locks its row
func (r *PendingTransferRepository) GetByIDForUpdate(ctx context.Context, id int64) (*models.PendingTransfer, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *PendingTransferRepository) get(ctx context.Context, id int64, lock string) (*models.PendingTransfer, error) {
	query := `SELECT ` + pendingTransferColumns + ` FROM pending_transfers WHERE id = $1`
	args := []any{id}
	if r.guildID != 0 {
		query += ` AND guild_id = $2`
		args = append(args, r.guildID)
	}

	pt, err := scanPendingTransfer(r.q.QueryRow(ctx, query+lock, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending transfer %d: %w", id, err)
	}
	return pt, nil
}

// Update writes status, checks and retry fields when the row is still in expected
// status at pt.Version. On success pt.Version is advanced.
func (r *PendingTransferRepository) Update(ctx context.Context, pt *models.PendingTransfer, expected models.PendingTransferStatus) (bool, error) {
	checksJSON, err := marshalChecks(pt.Checks)
	if err != nil {
		return false, fmt.Errorf("failed to marshal checks: %w", err)
	}

	query := `
		UPDATE pending_transfers
		SET status = $1,
		    checks = $2,
		    retry_count = $3,
		    next_attempt_at = $4,
		    rejection_reason = $5,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $6 AND status = $7 AND version = $8
		RETURNING version, updated_at
	`

	err = r.q.QueryRow(ctx, query,
		pt.Status,
		checksJSON,
		pt.RetryCount,
		pt.NextAttemptAt,
		pt.RejectionReason,
		pt.ID,
		expected,
		pt.Version,
	).Scan(&pt.Version, &pt.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to update pending transfer %d: %w", pt.ID, err)
	}
	return true, nil
}

// ClaimForExecution leases an approved row whose next attempt is due
func (r *PendingTransferRepository) ClaimForExecution(ctx context.Context, id int64, now, leaseUntil time.Time) (bool, error) {
	query := `
		UPDATE pending_transfers
		SET next_attempt_at = $3, version = version + 1, updated_at = NOW()
		WHERE id = $1
		  AND status = $2
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $4)
	`

	result, err := r.q.Exec(ctx, query, id, models.PendingTransferStatusApproved, leaseUntil, now)
	if err != nil {
		return false, fmt.Errorf("failed to claim pending transfer %d: %w", id, err)
	}
	return result.RowsAffected() == 1, nil
}

// Complete moves an approved row to completed and links its transaction
func (r *PendingTransferRepository) Complete(ctx context.Context, id int64, transactionID int64) (bool, error) {
	query := `
		UPDATE pending_transfers
		SET status = $2,
		    transaction_id = $3,
		    next_attempt_at = NULL,
		    version = version + 1,
		    updated_at = NOW()
		WHERE id = $1 AND status = $4
	`

	result, err := r.q.Exec(ctx, query, id, models.PendingTransferStatusCompleted, transactionID, models.PendingTransferStatusApproved)
	if err != nil {
		return false, fmt.Errorf("failed to complete pending transfer %d: %w", id, err)
	}
	return result.RowsAffected() == 1, nil
}

// FindExpired lists non-terminal rows past their expiry
func (r *PendingTransferRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]*models.PendingTransfer, error) {
	query := `
		SELECT ` + pendingTransferColumns + `
		FROM pending_transfers
		WHERE status IN ` + openPendingStatuses + `
		  AND expires_at IS NOT NULL
		  AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2
	`
	return r.list(ctx, query, now, limit)
}

// FindDue lists non-terminal rows whose scheduled attempt elapsed, or which
// have no schedule and were last written before stalledBefore
func (r *PendingTransferRepository) FindDue(ctx context.Context, now, stalledBefore time.Time, limit int) ([]*models.PendingTransfer, error) {
	query := `
		SELECT ` + pendingTransferColumns + `
		FROM pending_transfers
		WHERE status IN ` + openPendingStatuses + `
		  AND (
		        next_attempt_at <= $1
		     OR (next_attempt_at IS NULL AND updated_at < $2)
		  )
		ORDER BY COALESCE(next_attempt_at, updated_at) ASC
		LIMIT $3
	`
	return r.list(ctx, query, now, stalledBefore, limit)
}

func (r *PendingTransferRepository) list(ctx context.Context, query string, args ...any) ([]*models.PendingTransfer, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending transfers: %w", err)
	}
	defer rows.Close()

	var transfers []*models.PendingTransfer
	for rows.Next() {
		pt, err := scanPendingTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending transfer: %w", err)
		}
		transfers = append(transfers, pt)
	}
	return transfers, rows.Err()
}
