package cmd

import (
	"context"
	"fmt"

	"treasury/config"
	"treasury/database"
	"treasury/repository"

	log "github.com/sirupsen/logrus"
)

// Adjust applies a one-off administrative credit or debit to a member's balance.
// Events it enqueues are delivered by the next running dispatcher.
func Adjust(ctx context.Context, guildID, memberID, delta int64, reason string) error {
	cfg := config.Get()

	db, err := database.NewConnection(ctx, cfg.GetDatabaseURL())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	services := NewServices(cfg, repository.NewUnitOfWorkFactory(db, nil))
	balance, err := services.Ledger.Adjust(ctx, guildID, memberID, delta, reason)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"guild_id":  guildID,
		"member_id": memberID,
		"delta":     delta,
		"balance":   balance.CurrentBalance,
	}).Info("Balance adjusted")
	return nil
}
