package application

import (
	"context"
	"time"

	"treasury/events"
)

// PendingTransferEvaluator advances a pending transfer by one step
type PendingTransferEvaluator interface {
	Evaluate(ctx context.Context, guildID, id int64) error
}

// PendingTransferSweeper recovers pending transfers that no event will advance
type PendingTransferSweeper interface {
	ExpireStale(ctx context.Context) (int, error)
	RedriveDue(ctx context.Context) (int, error)
}

// ProposalSweeper runs the time-driven proposal transitions
type ProposalSweeper interface {
	SweepDeadlines(ctx context.Context) (int, error)
	SendReminders(ctx context.Context) (int, error)
	ResumeApproved(ctx context.Context) (int, error)
}

// OutboxPruner deletes delivered outbox rows
type OutboxPruner interface {
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventNotifier relays events to members outside the process
type EventNotifier interface {
	Notify(ctx context.Context, event events.Event) error
}
