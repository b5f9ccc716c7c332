package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"treasury/database"
	"treasury/models"
)

// Config holds all application configuration
type Config struct {
	// Database configuration
	DatabaseURL  string
	DatabaseName string

	// NATS configuration
	NATSServers string // NATS server addresses (comma-separated); empty uses the in-process bus

	// Metrics
	MetricsAddr string

	// Discord notifier configuration
	DiscordToken    string
	NotifyChannelID string // Fallback channel when a guild has none configured

	// Ledger defaults, overridable per guild
	DailyTransferLimit    int64 // Trailing 24h transfer cap; <= 0 means unlimited
	ThrottleBackoff       time.Duration
	PendingTransferExpiry time.Duration
	GovernmentAccountIDs  []int64 // Accounts exempt from cooldown and daily limits

	// Proposal defaults, overridable per guild
	ProposalVotingPeriod   time.Duration
	ProposalReminderOffset time.Duration
	ProposalAdminIDs       []int64 // Members who may withdraw any proposal

	// Pending transfer retry policy
	CheckMaxRetries     int
	CheckRetryBaseDelay time.Duration
	CheckRetryMaxDelay  time.Duration

	// Outbox dispatcher
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int

	// Maintenance sweeps (cron spec)
	SweepSchedule string

	// Environment
	Environment string // "development", "production" or "test"
}

var (
	instance *Config
	once     sync.Once
	mu       sync.Mutex // Protects instance for test setup
)

// Get returns the global configuration instance
func Get() *Config {
	mu.Lock()
	defer mu.Unlock()

	// If instance is already set (e.g., by tests), return it
	if instance != nil {
		return instance
	}

	once.Do(func() {
		var err error
		instance, err = load()
		if err != nil {
			if os.Getenv("GO_TEST") == "1" || os.Getenv("ENVIRONMENT") == "test" {
				instance = NewTestConfig()
			} else {
				panic(fmt.Sprintf("failed to load config: %v", err))
			}
		}
	})
	return instance
}

// GetDatabaseURL constructs the full database URL by combining base URL and database name
func (c *Config) GetDatabaseURL() string {
	return database.ConstructDatabaseURL(c.DatabaseURL, c.DatabaseName)
}

// UsesNATS reports whether events are published to a NATS broker
func (c *Config) UsesNATS() bool {
	return strings.TrimSpace(c.NATSServers) != ""
}

// DefaultPolicy returns the process-wide ledger policy that guild settings are merged over
func (c *Config) DefaultPolicy() models.LedgerPolicy {
	return models.LedgerPolicy{
		DailyTransferLimit:    c.DailyTransferLimit,
		ThrottleBackoff:       c.ThrottleBackoff,
		PendingTransferExpiry: c.PendingTransferExpiry,
		VotingPeriod:          c.ProposalVotingPeriod,
		ReminderOffset:        c.ProposalReminderOffset,
		ExemptAccountIDs:      append([]int64{}, c.GovernmentAccountIDs...),
		ProposalAdminIDs:      append([]int64{}, c.ProposalAdminIDs...),
	}
}

// load loads configuration from environment variables
func load() (*Config, error) {
	config := &Config{
		// Database
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		DatabaseName: os.Getenv("DATABASE_NAME"),

		// NATS
		NATSServers: os.Getenv("NATS_SERVERS"),

		// Metrics
		MetricsAddr: getEnvWithDefault("METRICS_ADDR", ":9090"),

		// Discord
		DiscordToken:    os.Getenv("DISCORD_TOKEN"),
		NotifyChannelID: os.Getenv("NOTIFY_CHANNEL_ID"),

		// Defaults
		DailyTransferLimit:     0,
		ThrottleBackoff:        10 * time.Minute,
		PendingTransferExpiry:  time.Hour,
		ProposalVotingPeriod:   48 * time.Hour,
		ProposalReminderOffset: 6 * time.Hour,
		CheckMaxRetries:        5,
		CheckRetryBaseDelay:    2 * time.Second,
		CheckRetryMaxDelay:     time.Minute,
		OutboxPollInterval:     time.Second,
		OutboxBatchSize:        100,
		OutboxMaxAttempts:      10,
		SweepSchedule:          getEnvWithDefault("SWEEP_SCHEDULE", "@every 30s"),

		// Environment
		Environment: os.Getenv("ENVIRONMENT"),
	}

	// Override defaults if environment variables are set
	if limit := os.Getenv("DAILY_TRANSFER_LIMIT"); limit != "" {
		if parsedLimit, err := strconv.ParseInt(limit, 10, 64); err == nil {
			config.DailyTransferLimit = parsedLimit
		}
	}
	overrideDuration(&config.ThrottleBackoff, "THROTTLE_BACKOFF")
	overrideDuration(&config.PendingTransferExpiry, "PENDING_TRANSFER_EXPIRY")
	overrideDuration(&config.ProposalVotingPeriod, "PROPOSAL_VOTING_PERIOD")
	overrideDuration(&config.ProposalReminderOffset, "PROPOSAL_REMINDER_OFFSET")
	overrideDuration(&config.CheckRetryBaseDelay, "CHECK_RETRY_BASE_DELAY")
	overrideDuration(&config.CheckRetryMaxDelay, "CHECK_RETRY_MAX_DELAY")
	overrideDuration(&config.OutboxPollInterval, "OUTBOX_POLL_INTERVAL")
	overrideInt(&config.CheckMaxRetries, "CHECK_MAX_RETRIES")
	overrideInt(&config.OutboxBatchSize, "OUTBOX_BATCH_SIZE")
	overrideInt(&config.OutboxMaxAttempts, "OUTBOX_MAX_ATTEMPTS")

	config.GovernmentAccountIDs = parseIDList(os.Getenv("GOVERNMENT_ACCOUNT_IDS"))
	config.ProposalAdminIDs = parseIDList(os.Getenv("PROPOSAL_ADMIN_IDS"))

	// Set default environment if not specified
	if config.Environment == "" {
		config.Environment = "development"
	}

	if config.Environment != "test" {
		// Validate required configuration
		if config.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
		// If DatabaseName is provided, ensure it's not empty
		if config.DatabaseName != "" && strings.TrimSpace(config.DatabaseName) == "" {
			return nil, fmt.Errorf("DATABASE_NAME cannot be empty when provided")
		}
		if config.ProposalReminderOffset >= config.ProposalVotingPeriod {
			return nil, fmt.Errorf("PROPOSAL_REMINDER_OFFSET must be shorter than PROPOSAL_VOTING_PERIOD")
		}
	}

	return config, nil
}

// getEnvWithDefault returns the environment variable value or a default if not set
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func overrideDuration(target *time.Duration, key string) {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			*target = parsed
		}
	}
}

func overrideInt(target *int, key string) {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			*target = parsed
		}
	}
}

// parseIDList parses a comma-separated list of member IDs, skipping malformed entries
func parseIDList(raw string) []int64 {
	var ids []int64
	for _, idStr := range strings.Split(raw, ",") {
		idStr = strings.TrimSpace(idStr)
		if idStr == "" {
			continue
		}
		if id, err := strconv.ParseInt(idStr, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Test helpers - only use in tests

// SetTestConfig overrides the global config instance for testing
func SetTestConfig(testConfig *Config) {
	mu.Lock()
	defer mu.Unlock()
	instance = testConfig
}

// ResetConfig resets the global config instance and sync.Once for testing
func ResetConfig() {
	mu.Lock()
	defer mu.Unlock()
	instance = nil
	once = sync.Once{}
}

// NewTestConfig creates a minimal config suitable for unit tests
func NewTestConfig() *Config {
	return &Config{
		Environment:            "test",
		MetricsAddr:            ":0",
		ThrottleBackoff:        10 * time.Minute,
		PendingTransferExpiry:  time.Hour,
		ProposalVotingPeriod:   48 * time.Hour,
		ProposalReminderOffset: 6 * time.Hour,
		CheckMaxRetries:        3,
		CheckRetryBaseDelay:    time.Second,
		CheckRetryMaxDelay:     10 * time.Second,
		OutboxPollInterval:     50 * time.Millisecond,
		OutboxBatchSize:        10,
		OutboxMaxAttempts:      3,
		SweepSchedule:          "@every 1s",
		ProposalAdminIDs:       []int64{999999},
	}
}
