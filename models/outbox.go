package models

import (
	"time"
)

// OutboxStatus represents the delivery state of an outbox row
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "PENDING"
	OutboxStatusProcessing OutboxStatus = "PROCESSING"
	OutboxStatusPublished  OutboxStatus = "PUBLISHED"
	OutboxStatusFailed     OutboxStatus = "FAILED"
	OutboxStatusInvalid    OutboxStatus = "INVALID"
)

// OutboxEvent is a domain event persisted in the same transaction as the change it describes
type OutboxEvent struct {
	ID            string       `db:"id"`
	Seq           int64        `db:"seq"`
	GuildID       int64        `db:"guild_id"`
	EventType     string       `db:"event_type"`
	AggregateKey  string       `db:"aggregate_key"`
	Payload       []byte       `db:"payload"`
	Status        OutboxStatus `db:"status"`
	Attempts      int          `db:"attempts"`
	LastError     *string      `db:"last_error"`
	NextAttemptAt *time.Time   `db:"next_attempt_at"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
	PublishedAt   *time.Time   `db:"published_at"`
}
