package service

import (
	"context"
	"fmt"

	"treasury/models"

	log "github.com/sirupsen/logrus"
)

// GuildSettingsService manages per-guild ledger and governance overrides
type GuildSettingsService struct {
	uowFactory UnitOfWorkFactory
	defaults   models.LedgerPolicy
}

// NewGuildSettingsService creates a new guild settings service
func NewGuildSettingsService(uowFactory UnitOfWorkFactory, defaults models.LedgerPolicy) *GuildSettingsService {
	return &GuildSettingsService{
		uowFactory: uowFactory,
		defaults:   defaults,
	}
}

// GetSettings retrieves the guild's stored overrides, or empty settings if none exist
func (s *GuildSettingsService) GetSettings(ctx context.Context, guildID int64) (*models.GuildSettings, error) {
	uow := s.uowFactory.CreateForGuild(guildID)
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback() // No-op if already committed

	settings, err := uow.GuildSettingsRepository().Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get guild settings: %w", err)
	}
	if settings == nil {
		settings = &models.GuildSettings{GuildID: guildID}
	}
	return settings, nil
}

// UpdateSettings applies update to the guild's current settings and stores the result
func (s *GuildSettingsService) UpdateSettings(ctx context.Context, guildID int64, update func(*models.GuildSettings)) (*models.GuildSettings, error) {
	uow := s.uowFactory.CreateForGuild(guildID)
	if err := uow.Begin(ctx); err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback() // No-op if already committed

	settings, err := uow.GuildSettingsRepository().Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get guild settings: %w", err)
	}
	if settings == nil {
		settings = &models.GuildSettings{GuildID: guildID}
	}

	update(settings)
	settings.GuildID = guildID
	if err := validateSettings(settings); err != nil {
		return nil, err
	}

	if err := uow.GuildSettingsRepository().Upsert(ctx, settings); err != nil {
		return nil, fmt.Errorf("failed to update guild settings: %w", err)
	}

	if err := uow.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.WithField("guild_id", guildID).Info("Updated guild settings")
	return settings, nil
}

// Policy returns the effective policy for the guild
func (s *GuildSettingsService) Policy(ctx context.Context, guildID int64) (models.LedgerPolicy, error) {
	uow := s.uowFactory.CreateForGuild(guildID)
	if err := uow.Begin(ctx); err != nil {
		return models.LedgerPolicy{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer uow.Rollback()

	return resolvePolicy(ctx, uow, guildID, s.defaults)
}

func validateSettings(settings *models.GuildSettings) error {
	for name, seconds := range map[string]*int{
		"throttle_backoff_seconds": settings.ThrottleBackoffSeconds,
		"pending_expiry_seconds":   settings.PendingExpirySeconds,
		"voting_period_seconds":    settings.VotingPeriodSeconds,
		"reminder_offset_seconds":  settings.ReminderOffsetSeconds,
	} {
		if seconds != nil && *seconds <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, *seconds)
		}
	}
	if settings.VotingPeriodSeconds != nil && settings.ReminderOffsetSeconds != nil &&
		*settings.ReminderOffsetSeconds >= *settings.VotingPeriodSeconds {
		return fmt.Errorf("reminder offset must be shorter than the voting period")
	}
	if settings.TreasuryAccountID != nil && *settings.TreasuryAccountID <= 0 {
		return fmt.Errorf("%w: treasury account %d", ErrUnknownAccount, *settings.TreasuryAccountID)
	}
	return nil
}
