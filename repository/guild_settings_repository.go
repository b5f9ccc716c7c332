package repository

import (
	"context"
	"errors"
	"fmt"

	"treasury/database"
	"treasury/models"

	"github.com/jackc/pgx/v5"
)

// GuildSettingsRepository implements the GuildSettingsRepository interface
type GuildSettingsRepository struct {
	q       Queryable
	guildID int64
}

// NewGuildSettingsRepository creates a new guild settings repository
func NewGuildSettingsRepository(db *database.DB, guildID int64) *GuildSettingsRepository {
	return &GuildSettingsRepository{q: db.Pool, guildID: guildID}
}

// NewGuildSettingsRepositoryScoped creates a new guild settings repository with a transaction and guild scope
func NewGuildSettingsRepositoryScoped(tx Queryable, guildID int64) *GuildSettingsRepository {
	return &GuildSettingsRepository{q: tx, guildID: guildID}
}

// Get retrieves the guild's stored overrides, or nil when there are none
func (r *GuildSettingsRepository) Get(ctx context.Context) (*models.GuildSettings, error) {
	query := `
		SELECT guild_id, daily_transfer_limit, throttle_backoff_seconds, pending_expiry_seconds,
		       voting_period_seconds, reminder_offset_seconds, treasury_account_id,
		       exempt_account_ids, proposal_admin_ids, notify_channel_id
		FROM guild_settings
		WHERE guild_id = $1
	`

	var settings models.GuildSettings
	err := r.q.QueryRow(ctx, query, r.guildID).Scan(
		&settings.GuildID,
		&settings.DailyTransferLimit,
		&settings.ThrottleBackoffSeconds,
		&settings.PendingExpirySeconds,
		&settings.VotingPeriodSeconds,
		&settings.ReminderOffsetSeconds,
		&settings.TreasuryAccountID,
		&settings.ExemptAccountIDs,
		&settings.ProposalAdminIDs,
		&settings.NotifyChannelID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get guild settings for guild %d: %w", r.guildID, err)
	}
	return &settings, nil
}

// Upsert stores the guild's overrides
func (r *GuildSettingsRepository) Upsert(ctx context.Context, settings *models.GuildSettings) error {
	query := `
		INSERT INTO guild_settings (
			guild_id, daily_transfer_limit, throttle_backoff_seconds, pending_expiry_seconds,
			voting_period_seconds, reminder_offset_seconds, treasury_account_id,
			exempt_account_ids, proposal_admin_ids, notify_channel_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (guild_id) DO UPDATE SET
			daily_transfer_limit = EXCLUDED.daily_transfer_limit,
			throttle_backoff_seconds = EXCLUDED.throttle_backoff_seconds,
			pending_expiry_seconds = EXCLUDED.pending_expiry_seconds,
			voting_period_seconds = EXCLUDED.voting_period_seconds,
			reminder_offset_seconds = EXCLUDED.reminder_offset_seconds,
			treasury_account_id = EXCLUDED.treasury_account_id,
			exempt_account_ids = EXCLUDED.exempt_account_ids,
			proposal_admin_ids = EXCLUDED.proposal_admin_ids,
			notify_channel_id = EXCLUDED.notify_channel_id,
			updated_at = NOW()
	`

	settings.GuildID = r.guildID
	_, err := r.q.Exec(ctx, query,
		r.guildID,
		settings.DailyTransferLimit,
		settings.ThrottleBackoffSeconds,
		settings.PendingExpirySeconds,
		settings.VotingPeriodSeconds,
		settings.ReminderOffsetSeconds,
		settings.TreasuryAccountID,
		nonNilIDs(settings.ExemptAccountIDs),
		nonNilIDs(settings.ProposalAdminIDs),
		settings.NotifyChannelID,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert guild settings for guild %d: %w", r.guildID, err)
	}
	return nil
}

// nonNilIDs keeps empty ID lists from encoding as NULL
func nonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
