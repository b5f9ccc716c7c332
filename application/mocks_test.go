package application

import (
	"context"
	"time"

	"treasury/events"

	"github.com/stretchr/testify/mock"
)

type mockEvaluator struct{ mock.Mock }

func (m *mockEvaluator) Evaluate(ctx context.Context, guildID, id int64) error {
	return m.Called(ctx, guildID, id).Error(0)
}

type mockNotifier struct{ mock.Mock }

func (m *mockNotifier) Notify(ctx context.Context, event events.Event) error {
	return m.Called(ctx, event).Error(0)
}

type mockPendingSweeper struct{ mock.Mock }

func (m *mockPendingSweeper) ExpireStale(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockPendingSweeper) RedriveDue(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type mockProposalSweeper struct{ mock.Mock }

func (m *mockProposalSweeper) SweepDeadlines(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockProposalSweeper) SendReminders(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockProposalSweeper) ResumeApproved(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type mockOutboxPruner struct{ mock.Mock }

func (m *mockOutboxPruner) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// recordingSubscriber captures the handler registered per event type
type recordingSubscriber struct {
	handlers map[events.EventType][]events.Handler
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{handlers: make(map[events.EventType][]events.Handler)}
}

func (s *recordingSubscriber) Subscribe(eventType events.EventType, handler events.Handler) error {
	s.handlers[eventType] = append(s.handlers[eventType], handler)
	return nil
}
