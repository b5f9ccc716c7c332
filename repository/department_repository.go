package repository

import (
	"context"
	"errors"
	"fmt"

	"treasury/models"

	"github.com/jackc/pgx/v5"
)

// DepartmentRepository implements service.DepartmentRepository
type DepartmentRepository struct {
	q       Queryable
	guildID int64
}

// NewDepartmentRepositoryScoped creates a new department repository with a transaction and guild scope
func NewDepartmentRepositoryScoped(tx Queryable, guildID int64) *DepartmentRepository {
	return &DepartmentRepository{q: tx, guildID: guildID}
}

// Create inserts a department and fills its ID and CreatedAt
func (r *DepartmentRepository) Create(ctx context.Context, department *models.Department) error {
	query := `
		INSERT INTO departments (guild_id, name, account_id)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`

	department.GuildID = r.guildID
	err := r.q.QueryRow(ctx, query, r.guildID, department.Name, department.AccountID).
		Scan(&department.ID, &department.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create department %q in guild %d: %w", department.Name, r.guildID, err)
	}
	return nil
}

// GetByID retrieves a department of the current guild
func (r *DepartmentRepository) GetByID(ctx context.Context, id int64) (*models.Department, error) {
	query := `
		SELECT id, guild_id, name, account_id, created_at
		FROM departments
		WHERE id = $1 AND guild_id = $2
	`

	rows, err := r.q.Query(ctx, query, id, r.guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to get department %d: %w", id, err)
	}
	department, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[models.Department])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan department %d: %w", id, err)
	}
	return department, nil
}

// List returns the guild's departments ordered by name
func (r *DepartmentRepository) List(ctx context.Context) ([]*models.Department, error) {
	query := `
		SELECT id, guild_id, name, account_id, created_at
		FROM departments
		WHERE guild_id = $1
		ORDER BY name
	`

	rows, err := r.q.Query(ctx, query, r.guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to query departments for guild %d: %w", r.guildID, err)
	}
	departments, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[models.Department])
	if err != nil {
		return nil, fmt.Errorf("failed to scan departments for guild %d: %w", r.guildID, err)
	}
	return departments, nil
}
