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

// TransactionRepository implements service.TransactionRepository over the append-only log
type TransactionRepository struct {
	q       Queryable
	guildID int64
}

// NewTransactionRepositoryScoped creates a new transaction repository with a transaction and guild scope
func NewTransactionRepositoryScoped(tx Queryable, guildID int64) *TransactionRepository {
	return &TransactionRepository{q: tx, guildID: guildID}
}

const transactionColumns = `id, guild_id, initiator_id, target_id, amount, direction, reason,
	balance_after_initiator, balance_after_target, metadata, created_at`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var txn models.Transaction
	var metadataJSON []byte
	err := row.Scan(
		&txn.ID,
		&txn.GuildID,
		&txn.InitiatorID,
		&txn.TargetID,
		&txn.Amount,
		&txn.Direction,
		&txn.Reason,
		&txn.BalanceAfterInitiator,
		&txn.BalanceAfterTarget,
		&metadataJSON,
		&txn.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &txn.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transaction metadata: %w", err)
		}
	}
	return &txn, nil
}

// Record inserts the transaction and fills its ID and CreatedAt
func (r *TransactionRepository) Record(ctx context.Context, txn *models.Transaction) error {
	metadata := txn.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction metadata: %w", err)
	}

	query := `
		INSERT INTO transactions (
			guild_id, initiator_id, target_id, amount, direction, reason,
			balance_after_initiator, balance_after_target, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`

	txn.GuildID = r.guildID
	err = r.q.QueryRow(ctx, query,
		r.guildID,
		txn.InitiatorID,
		txn.TargetID,
		txn.Amount,
		txn.Direction,
		txn.Reason,
		txn.BalanceAfterInitiator,
		txn.BalanceAfterTarget,
		metadataJSON,
	).Scan(&txn.ID, &txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record %s transaction in guild %d: %w", txn.Direction, r.guildID, err)
	}
	return nil
}

// GetByID retrieves a transaction by its ID in the current guild
func (r *TransactionRepository) GetByID(ctx context.Context, id int64) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1 AND guild_id = $2`

	txn, err := scanTransaction(r.q.QueryRow(ctx, query, id, r.guildID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %d: %w", id, err)
	}
	return txn, nil
}

// GetByMember returns the newest transactions the member initiated or received
func (r *TransactionRepository) GetByMember(ctx context.Context, memberID int64, limit int) ([]*models.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE guild_id = $1 AND (initiator_id = $2 OR target_id = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`

	rows, err := r.q.Query(ctx, query, r.guildID, memberID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions for member %d: %w", memberID, err)
	}
	defer rows.Close()

	var txns []*models.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

// SumTransfersSince totals the member's outgoing transfers created after since
func (r *TransactionRepository) SumTransfersSince(ctx context.Context, memberID int64, since time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE guild_id = $1
		  AND initiator_id = $2
		  AND direction = 'transfer'
		  AND created_at > $3
	`

	var total int64
	if err := r.q.QueryRow(ctx, query, r.guildID, memberID, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum transfers for member %d: %w", memberID, err)
	}
	return total, nil
}
