package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CouncilRepository implements service.CouncilRepository
type CouncilRepository struct {
	q       Queryable
	guildID int64
}

// NewCouncilRepositoryScoped creates a new council repository with a transaction and guild scope
func NewCouncilRepositoryScoped(tx Queryable, guildID int64) *CouncilRepository {
	return &CouncilRepository{q: tx, guildID: guildID}
}

// AddMember seats a member on the council; false if already seated
func (r *CouncilRepository) AddMember(ctx context.Context, memberID int64) (bool, error) {
	query := `
		INSERT INTO council_members (guild_id, member_id)
		VALUES ($1, $2)
		ON CONFLICT (guild_id, member_id) DO NOTHING
	`

	result, err := r.q.Exec(ctx, query, r.guildID, memberID)
	if err != nil {
		return false, fmt.Errorf("failed to add council member %d in guild %d: %w", memberID, r.guildID, err)
	}
	return result.RowsAffected() == 1, nil
}

// RemoveMember unseats a member; false if they were not seated
func (r *CouncilRepository) RemoveMember(ctx context.Context, memberID int64) (bool, error) {
	query := `DELETE FROM council_members WHERE guild_id = $1 AND member_id = $2`

	result, err := r.q.Exec(ctx, query, r.guildID, memberID)
	if err != nil {
		return false, fmt.Errorf("failed to remove council member %d in guild %d: %w", memberID, r.guildID, err)
	}
	return result.RowsAffected() == 1, nil
}

// ListMembers returns the seated members ordered by ID
func (r *CouncilRepository) ListMembers(ctx context.Context) ([]int64, error) {
	query := `SELECT member_id FROM council_members WHERE guild_id = $1 ORDER BY member_id`

	rows, err := r.q.Query(ctx, query, r.guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to query council for guild %d: %w", r.guildID, err)
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to scan council for guild %d: %w", r.guildID, err)
	}
	return members, nil
}
