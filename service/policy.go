package service

import (
	"context"
	"fmt"

	"treasury/models"
)

// resolvePolicy merges the guild's stored overrides over the process defaults
func resolvePolicy(ctx context.Context, uow UnitOfWork, guildID int64, defaults models.LedgerPolicy) (models.LedgerPolicy, error) {
	settings, err := uow.GuildSettingsRepository().Get(ctx)
	if err != nil {
		return models.LedgerPolicy{}, fmt.Errorf("failed to get guild settings: %w", err)
	}
	policy := defaults.WithSettings(settings)
	policy.GuildID = guildID
	return policy, nil
}
