package service

import (
	"context"
	"fmt"
	"strings"

	"treasury/models"

	log "github.com/sirupsen/logrus"
)

// CouncilService manages the guild's voting council and its departments.
// Membership changes never affect proposals already open: their voters are frozen at creation.
type CouncilService struct {
	uowFactory UnitOfWorkFactory
}

// NewCouncilService creates a new council service
func NewCouncilService(uowFactory UnitOfWorkFactory) *CouncilService {
	return &CouncilService{uowFactory: uowFactory}
}

// AddMember seats memberID on the council; it reports false if they were already seated
func (s *CouncilService) AddMember(ctx context.Context, guildID, memberID int64) (bool, error) {
	if memberID <= 0 {
		return false, ErrUnknownAccount
	}
	return s.changeMembership(ctx, guildID, memberID, func(repo CouncilRepository) (bool, error) {
		return repo.AddMember(ctx, memberID)
	})
}

// RemoveMember unseats memberID; it reports false if they were not on the council
func (s *CouncilService) RemoveMember(ctx context.Context, guildID, memberID int64) (bool, error) {
	return s.changeMembership(ctx, guildID, memberID, func(repo CouncilRepository) (bool, error) {
		return repo.RemoveMember(ctx, memberID)
	})
}

func (s *CouncilService) changeMembership(
	ctx context.Context,
	guildID, memberID int64,
	change func(repo CouncilRepository) (bool, error),
) (bool, error) {
	uow := s.uowFactory.CreateForGuild(guildID)
	if err := uow.Begin(ctx); err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback() // No-op if already committed

	changed, err := change(uow.CouncilRepository())
	if err != nil {
		return false, fmt.Errorf("failed to update council: %w", err)
	}

	if err := uow.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if changed {
		log.WithFields(log.Fields{
			"guild_id":  guildID,
			"member_id": memberID,
		}).Info("Council membership changed")
	}
	return changed, nil
}

// ListMembers returns the current council
func (s *CouncilService) ListMembers(ctx context.Context, guildID int64) ([]int64, error) {
	uow := s.uowFactory.CreateForGuild(guildID)
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	members, err := uow.CouncilRepository().ListMembers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list council members: %w", err)
	}
	return members, nil
}

// CreateDepartment registers a department whose account can receive proposal funds
func (s *CouncilService) CreateDepartment(ctx context.Context, guildID int64, name string, accountID int64) (*models.Department, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("department name is required")
	}
	if accountID <= 0 {
		return nil, ErrUnknownAccount
	}

	uow := s.uowFactory.CreateForGuild(guildID)
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	department := &models.Department{
		GuildID:   guildID,
		Name:      name,
		AccountID: accountID,
	}
	if err := uow.DepartmentRepository().Create(ctx, department); err != nil {
		return nil, fmt.Errorf("failed to create department: %w", err)
	}

	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return department, nil
}

// ListDepartments returns the guild's departments ordered by name
func (s *CouncilService) ListDepartments(ctx context.Context, guildID int64) ([]*models.Department, error) {
	uow := s.uowFactory.CreateForGuild(guildID)
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	departments, err := uow.DepartmentRepository().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list departments: %w", err)
	}
	return departments, nil
}
