package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"treasury/database"
	"treasury/models"

	"github.com/jackc/pgx/v5"
)

// BalanceRepository implements service.BalanceRepository
type BalanceRepository struct {
	q       Queryable
	guildID int64
}

// NewBalanceRepository creates a new balance repository
func NewBalanceRepository(db *database.DB, guildID int64) *BalanceRepository {
	return &BalanceRepository{q: db.Pool, guildID: guildID}
}

// NewBalanceRepositoryScoped creates a new balance repository with a transaction and guild scope
func NewBalanceRepositoryScoped(tx Queryable, guildID int64) *BalanceRepository {
	return &BalanceRepository{q: tx, guildID: guildID}
}

const balanceColumns = `guild_id, member_id, current_balance, throttled_until, last_modified_at, created_at`

func scanBalance(row pgx.Row) (*models.Balance, error) {
	var b models.Balance
	err := row.Scan(&b.GuildID, &b.MemberID, &b.CurrentBalance, &b.ThrottledUntil, &b.LastModifiedAt, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Get retrieves the member's balance in the current guild
func (r *BalanceRepository) Get(ctx context.Context, memberID int64) (*models.Balance, error) {
	query := `SELECT ` + balanceColumns + ` FROM balances WHERE guild_id = $1 AND member_id = $2`

	balance, err := scanBalance(r.q.QueryRow(ctx, query, r.guildID, memberID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance for member %d in guild %d: %w", memberID, r.guildID, err)
	}
	return balance, nil
}

// GetOrCreate returns the member's balance, inserting a zero balance on first reference
func (r *BalanceRepository) GetOrCreate(ctx context.Context, memberID int64) (*models.Balance, error) {
	return r.getOrCreate(ctx, memberID, "")
}

// GetOrCreateForUpdate is GetOrCreate holding the row lock until the transaction ends
func (r *BalanceRepository) GetOrCreateForUpdate(ctx context.Context, memberID int64) (*models.Balance, error) {
	return r.getOrCreate(ctx, memberID, " FOR UPDATE")
}

func (r *BalanceRepository) getOrCreate(ctx context.Context, memberID int64, lock string) (*models.Balance, error) {
	insert := `
		INSERT INTO balances (guild_id, member_id)
		VALUES ($1, $2)
		ON CONFLICT (guild_id, member_id) DO NOTHING
	`
	if _, err := r.q.Exec(ctx, insert, r.guildID, memberID); err != nil {
		return nil, fmt.Errorf("failed to materialise balance for member %d in guild %d: %w", memberID, r.guildID, err)
	}

	query := `SELECT ` + balanceColumns + ` FROM balances WHERE guild_id = $1 AND member_id = $2` + lock
	balance, err := scanBalance(r.q.QueryRow(ctx, query, r.guildID, memberID))
	if err != nil {
		return nil, fmt.Errorf("failed to get balance for member %d in guild %d: %w", memberID, r.guildID, err)
	}
	return balance, nil
}

// UpdateBalance writes the member's new balance
func (r *BalanceRepository) UpdateBalance(ctx context.Context, memberID int64, newBalance int64) error {
	query := `
		UPDATE balances
		SET current_balance = $3, last_modified_at = NOW()
		WHERE guild_id = $1 AND member_id = $2
	`

	result, err := r.q.Exec(ctx, query, r.guildID, memberID, newBalance)
	if err != nil {
		return fmt.Errorf("failed to update balance for member %d in guild %d: %w", memberID, r.guildID, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("balance for member %d in guild %d not found", memberID, r.guildID)
	}
	return nil
}

// SetThrottle sets or clears the member's cooldown end
func (r *BalanceRepository) SetThrottle(ctx context.Context, memberID int64, until *time.Time) error {
	query := `UPDATE balances SET throttled_until = $3 WHERE guild_id = $1 AND member_id = $2`

	result, err := r.q.Exec(ctx, query, r.guildID, memberID, until)
	if err != nil {
		return fmt.Errorf("failed to set throttle for member %d in guild %d: %w", memberID, r.guildID, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("balance for member %d in guild %d not found", memberID, r.guildID)
	}
	return nil
}
