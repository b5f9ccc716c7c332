package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"treasury/events"
	"treasury/models"

	"github.com/google/uuid"
)

// OutboxRepository persists and claims outbox rows
type OutboxRepository struct {
	q Queryable
}

// NewOutboxRepository creates an outbox repository over a pool or transaction
func NewOutboxRepository(q Queryable) *OutboxRepository {
	return &OutboxRepository{q: q}
}

// Enqueue stores event as a PENDING row for guildID
func (r *OutboxRepository) Enqueue(ctx context.Context, guildID int64, event events.Event) (string, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s event: %w", event.Type(), err)
	}

	id := uuid.New().String()
	query := `
		INSERT INTO outbox_events (id, guild_id, event_type, aggregate_key, payload)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := r.q.Exec(ctx, query, id, guildID, string(event.Type()), event.Key(), payload); err != nil {
		return "", fmt.Errorf("failed to enqueue %s event: %w", event.Type(), err)
	}
	return id, nil
}

// ClaimBatch leases up to limit deliverable rows in enqueue order.
// Rows stuck in PROCESSING past their lease are reclaimed.
func (r *OutboxRepository) ClaimBatch(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*models.OutboxEvent, error) {
	query := `
		WITH claimable AS (
			SELECT id
			FROM outbox_events
			WHERE status IN ('PENDING', 'FAILED', 'PROCESSING')
			  AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
			ORDER BY seq ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events o
		SET status = 'PROCESSING',
		    attempts = o.attempts + 1,
		    next_attempt_at = $2,
		    updated_at = NOW()
		FROM claimable
		WHERE o.id = claimable.id
		RETURNING o.id, o.seq, o.guild_id, o.event_type, o.aggregate_key, o.payload, o.status,
		          o.attempts, o.last_error, o.next_attempt_at, o.created_at, o.updated_at, o.published_at
	`

	rows, err := r.q.Query(ctx, query, now, leaseUntil, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox batch: %w", err)
	}
	defer rows.Close()

	var claimed []*models.OutboxEvent
	for rows.Next() {
		var e models.OutboxEvent
		err := rows.Scan(
			&e.ID,
			&e.Seq,
			&e.GuildID,
			&e.EventType,
			&e.AggregateKey,
			&e.Payload,
			&e.Status,
			&e.Attempts,
			&e.LastError,
			&e.NextAttemptAt,
			&e.CreatedAt,
			&e.UpdatedAt,
			&e.PublishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		claimed = append(claimed, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox batch: %w", err)
	}

	// UPDATE ... RETURNING does not preserve the CTE order
	sort.SliceStable(claimed, func(i, j int) bool {
		return claimed[i].Seq < claimed[j].Seq
	})
	return claimed, nil
}

// MarkPublished records a successful delivery
func (r *OutboxRepository) MarkPublished(ctx context.Context, id string) error {
	query := `
		UPDATE outbox_events
		SET status = 'PUBLISHED', next_attempt_at = NULL, last_error = NULL,
		    published_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`
	if _, err := r.q.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark outbox event %s published: %w", id, err)
	}
	return nil
}

// MarkFailed schedules another delivery attempt at nextAttempt
func (r *OutboxRepository) MarkFailed(ctx context.Context, id string, cause error, nextAttempt time.Time) error {
	query := `
		UPDATE outbox_events
		SET status = 'FAILED', last_error = $2, next_attempt_at = $3, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := r.q.Exec(ctx, query, id, cause.Error(), nextAttempt); err != nil {
		return fmt.Errorf("failed to mark outbox event %s failed: %w", id, err)
	}
	return nil
}

// MarkInvalid parks a row that can never be delivered
func (r *OutboxRepository) MarkInvalid(ctx context.Context, id string, cause error) error {
	query := `
		UPDATE outbox_events
		SET status = 'INVALID', last_error = $2, next_attempt_at = NULL, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := r.q.Exec(ctx, query, id, cause.Error()); err != nil {
		return fmt.Errorf("failed to mark outbox event %s invalid: %w", id, err)
	}
	return nil
}

// DeletePublishedBefore prunes delivered rows older than cutoff
func (r *OutboxRepository) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM outbox_events WHERE status = 'PUBLISHED' AND published_at < $1`

	result, err := r.q.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune outbox: %w", err)
	}
	return result.RowsAffected(), nil
}

// CountByStatus reports the number of outbox rows per status
func (r *OutboxRepository) CountByStatus(ctx context.Context) (map[models.OutboxStatus]int64, error) {
	rows, err := r.q.Query(ctx, `SELECT status, COUNT(*) FROM outbox_events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count outbox events: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.OutboxStatus]int64)
	for rows.Next() {
		var status models.OutboxStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan outbox count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}
