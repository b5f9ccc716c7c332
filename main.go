package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"treasury/cmd"
	"treasury/database"

	log "github.com/sirupsen/logrus"
)

func main() {
	configureLogging()

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "migrate":
			if err := handleMigrationCommand(); err != nil {
				log.Fatal("Migration error: ", err)
			}
			return
		case "adjust":
			if err := handleAdjustCommand(); err != nil {
				log.Fatal("Adjust error: ", err)
			}
			return
		}
	}

	// Normal worker operation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, shutting down gracefully...")
		cancel()
	}()

	if err := cmd.Run(ctx); err != nil {
		log.Fatal("Application error: ", err)
	}
}

func configureLogging() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if level, err := log.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(level)
	}
}

func handleMigrationCommand() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: treasury migrate [up|down|status] [args...]")
	}

	command := os.Args[2]
	switch command {
	case "up":
		return database.MigrateUp()
	case "down":
		steps := "1"
		if len(os.Args) > 3 {
			steps = os.Args[3]
		}
		return database.MigrateDown(steps)
	case "status":
		return database.MigrateStatus()
	default:
		return fmt.Errorf("unknown migration command: %s", command)
	}
}

func handleAdjustCommand() error {
	if len(os.Args) < 6 {
		return fmt.Errorf("usage: treasury adjust <guild_id> <member_id> <delta> <reason...>")
	}

	ids := make([]int64, 3)
	for i, raw := range os.Args[2:5] {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer argument %q: %w", raw, err)
		}
		ids[i] = parsed
	}
	reason := strings.Join(os.Args[5:], " ")

	return cmd.Adjust(context.Background(), ids[0], ids[1], ids[2], reason)
}
