package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSweepWorker_RunOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	pending := &mockPendingSweeper{}
	pending.On("ExpireStale", ctx).Return(2, nil)
	pending.On("RedriveDue", ctx).Return(0, errors.New("db down"))

	proposals := &mockProposalSweeper{}
	proposals.On("SweepDeadlines", ctx).Return(1, nil)
	proposals.On("SendReminders", ctx).Return(3, nil)
	proposals.On("ResumeApproved", ctx).Return(0, nil)

	outbox := &mockOutboxPruner{}
	outbox.On("DeletePublishedBefore", ctx, now.Add(-outboxRetention)).Return(int64(40), nil)

	worker := NewSweepWorker(pending, proposals, outbox, "@every 1s")
	worker.now = func() time.Time { return now }

	affected := worker.RunOnce(ctx)
	assert.Equal(t, map[string]int{
		"expire_pending_transfers":  2,
		"redrive_pending_transfers": 0,
		"proposal_deadlines":        1,
		"proposal_reminders":        3,
		"resume_approved_proposals": 0,
		"prune_outbox":              40,
	}, affected)

	pending.AssertExpectations(t)
	proposals.AssertExpectations(t)
	outbox.AssertExpectations(t)
}

func TestSweepWorker_WithoutOutbox(t *testing.T) {
	worker := NewSweepWorker(&mockPendingSweeper{}, &mockProposalSweeper{}, nil, "@every 1s")
	assert.Len(t, worker.jobs(), 5)
}

func TestSweepWorker_InvalidSchedule(t *testing.T) {
	worker := NewSweepWorker(&mockPendingSweeper{}, &mockProposalSweeper{}, nil, "every now and then")
	err := worker.Run(context.Background())
	assert.ErrorContains(t, err, "invalid sweep schedule")
}

func TestSweepWorker_RunStopsOnCancel(t *testing.T) {
	pending := &mockPendingSweeper{}
	pending.On("ExpireStale", mock.Anything).Return(0, nil).Maybe()
	pending.On("RedriveDue", mock.Anything).Return(0, nil).Maybe()
	proposals := &mockProposalSweeper{}
	proposals.On("SweepDeadlines", mock.Anything).Return(0, nil).Maybe()
	proposals.On("SendReminders", mock.Anything).Return(0, nil).Maybe()
	proposals.On("ResumeApproved", mock.Anything).Return(0, nil).Maybe()

	worker := NewSweepWorker(pending, proposals, nil, "@every 1h")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sweep worker did not stop")
	}
}
