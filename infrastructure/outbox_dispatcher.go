package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"treasury/events"
	"treasury/metrics"
	"treasury/models"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// OutboxStore is the persistence the dispatcher drives; implemented by repository.OutboxRepository
type OutboxStore interface {
	ClaimBatch(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*models.OutboxEvent, error)
	MarkPublished(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error, nextAttempt time.Time) error
	MarkInvalid(ctx context.Context, id string, cause error) error
}

// EventSink receives decoded outbox events; implemented by events.Bus and NATSEventPublisher
type EventSink interface {
	Deliver(ctx context.Context, eventID string, event events.Event) error
}

// OutboxDispatcherConfig tunes the dispatcher
type OutboxDispatcherConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	MaxAttempts   int
	LeaseDuration time.Duration
	RetryBase     time.Duration
	RetryMax      time.Duration
}

// OutboxDispatcher moves committed outbox rows to a sink, in enqueue order per entity
type OutboxDispatcher struct {
	store  OutboxStore
	sink   EventSink
	config OutboxDispatcherConfig
	wake   chan struct{}
	now    func() time.Time
}

// NewOutboxDispatcher creates a dispatcher; zero config fields take defaults
func NewOutboxDispatcher(store OutboxStore, sink EventSink, config OutboxDispatcherConfig) *OutboxDispatcher {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 10
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = time.Minute
	}
	if config.RetryBase <= 0 {
		config.RetryBase = time.Second
	}
	if config.RetryMax <= 0 {
		config.RetryMax = 5 * time.Minute
	}

	return &OutboxDispatcher{
		store:  store,
		sink:   sink,
		config: config,
		wake:   make(chan struct{}, 1),
		now:    time.Now,
	}
}

// Notify wakes the dispatcher without blocking; it is the unit of work commit hook
func (d *OutboxDispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run dispatches on every wake-up and poll tick until ctx is cancelled
func (d *OutboxDispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	log.WithFields(log.Fields{
		"pollInterval": d.config.PollInterval,
		"batchSize":    d.config.BatchSize,
	}).Info("Outbox dispatcher started")

	for {
		select {
		case <-ctx.Done():
			log.Info("Outbox dispatcher shutting down")
			return nil
		case <-ticker.C:
		case <-d.wake:
		}

		// Drain full batches before waiting again
		for {
			n, err := d.DispatchOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.WithError(err).Error("Outbox dispatch failed")
				break
			}
			if n < d.config.BatchSize {
				break
			}
		}
	}
}

// DispatchOnce claims and delivers one batch, returning the number of rows claimed
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) (int, error) {
	now := d.now().UTC()
	batch, err := d.store.ClaimBatch(ctx, now, now.Add(d.config.LeaseDuration), d.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox batch: %w", err)
	}
	metrics.SetOutboxBatch(len(batch))

	// A failed entity holds back its later events so they keep their order
	blocked := make(map[string]time.Time)
	var errs []error
	for _, row := range batch {
		if err := d.dispatch(ctx, row, now, blocked); err != nil {
			errs = append(errs, err)
		}
	}
	return len(batch), errors.Join(errs...)
}

func (d *OutboxDispatcher) dispatch(ctx context.Context, row *models.OutboxEvent, now time.Time, blocked map[string]time.Time) error {
	fields := log.Fields{
		"eventID":   row.ID,
		"eventType": row.EventType,
		"key":       row.AggregateKey,
		"attempts":  row.Attempts,
	}
	entity := row.EventType + "/" + row.AggregateKey

	if retryAt, ok := blocked[entity]; ok {
		return d.store.MarkFailed(ctx, row.ID, errors.New("waiting on earlier event for the same entity"), retryAt)
	}

	event, err := events.Decode(events.EventType(row.EventType), row.Payload)
	if err != nil {
		log.WithFields(fields).WithError(err).Error("Outbox event cannot be decoded; marking invalid")
		metrics.RecordOutboxEvent(row.EventType, string(models.OutboxStatusInvalid))
		return d.store.MarkInvalid(ctx, row.ID, err)
	}

	if err := d.sink.Deliver(ctx, row.ID, event); err != nil {
		if row.Attempts >= d.config.MaxAttempts {
			log.WithFields(fields).WithError(err).Error("Outbox event exhausted its attempts; marking invalid")
			metrics.RecordOutboxEvent(row.EventType, string(models.OutboxStatusInvalid))
			return d.store.MarkInvalid(ctx, row.ID, fmt.Errorf("attempts exhausted: %w", err))
		}

		retryAt := now.Add(d.retryDelay(row.Attempts))
		blocked[entity] = retryAt
		log.WithFields(fields).WithError(err).WithField("retryAt", retryAt).Warn("Outbox delivery failed")
		metrics.RecordOutboxEvent(row.EventType, string(models.OutboxStatusFailed))
		return d.store.MarkFailed(ctx, row.ID, err, retryAt)
	}

	metrics.RecordOutboxEvent(row.EventType, string(models.OutboxStatusPublished))
	log.WithFields(fields).Debug("Outbox event delivered")
	return d.store.MarkPublished(ctx, row.ID)
}

// retryDelay is the exponential delay after the given number of failed attempts
func (d *OutboxDispatcher) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.config.RetryBase
	b.MaxInterval = d.config.RetryMax
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
