package infrastructure

import (
	"context"
	"errors"
	"sync"
	"time"

	"treasury/events"
	"treasury/models"
)

// mockMessageClient records published messages and captures subscriptions
type mockMessageClient struct {
	mu        sync.Mutex
	published []publishedMessage
	failures  int // number of upcoming Publish calls that fail
	handlers  map[string]func([]byte) error
}

type publishedMessage struct {
	subject string
	data    []byte
	msgID   string
}

var errBrokerDown = errors.New("broker down")

func newMockMessageClient() *mockMessageClient {
	return &mockMessageClient{handlers: make(map[string]func([]byte) error)}
}

func (m *mockMessageClient) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures != 0 {
		if m.failures > 0 {
			m.failures--
		}
		return errBrokerDown
	}
	m.published = append(m.published, publishedMessage{subject: subject, data: data, msgID: msgID})
	return nil
}

func (m *mockMessageClient) Subscribe(subject string, handler func([]byte) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[subject] = handler
	return nil
}

// mockSink records delivered events; failFor makes deliveries for a key fail
type mockSink struct {
	delivered []events.Event
	ids       []string
	failFor   map[string]error
}

func (s *mockSink) Deliver(ctx context.Context, eventID string, event events.Event) error {
	if err, ok := s.failFor[event.Key()]; ok {
		return err
	}
	s.delivered = append(s.delivered, event)
	s.ids = append(s.ids, eventID)
	return nil
}

// mockOutboxStore keeps rows in memory and hands out every deliverable row once per claim
type mockOutboxStore struct {
	rows     []*models.OutboxEvent
	claimErr error
}

func (s *mockOutboxStore) add(id string, eventType, key string, payload []byte) *models.OutboxEvent {
	row := &models.OutboxEvent{
		ID:           id,
		Seq:          int64(len(s.rows) + 1),
		EventType:    eventType,
		AggregateKey: key,
		Payload:      payload,
		Status:       models.OutboxStatusPending,
	}
	s.rows = append(s.rows, row)
	return row
}

func (s *mockOutboxStore) ClaimBatch(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*models.OutboxEvent, error) {
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	var claimed []*models.OutboxEvent
	for _, row := range s.rows {
		if len(claimed) == limit {
			break
		}
		switch row.Status {
		case models.OutboxStatusPending, models.OutboxStatusFailed, models.OutboxStatusProcessing:
		default:
			continue
		}
		if row.NextAttemptAt != nil && row.NextAttemptAt.After(now) {
			continue
		}
		row.Status = models.OutboxStatusProcessing
		row.Attempts++
		lease := leaseUntil
		row.NextAttemptAt = &lease
		copied := *row
		claimed = append(claimed, &copied)
	}
	return claimed, nil
}

func (s *mockOutboxStore) find(id string) *models.OutboxEvent {
	for _, row := range s.rows {
		if row.ID == id {
			return row
		}
	}
	return nil
}

func (s *mockOutboxStore) MarkPublished(ctx context.Context, id string) error {
	row := s.find(id)
	row.Status = models.OutboxStatusPublished
	row.NextAttemptAt = nil
	return nil
}

func (s *mockOutboxStore) MarkFailed(ctx context.Context, id string, cause error, nextAttempt time.Time) error {
	row := s.find(id)
	row.Status = models.OutboxStatusFailed
	msg := cause.Error()
	row.LastError = &msg
	row.NextAttemptAt = &nextAttempt
	return nil
}

func (s *mockOutboxStore) MarkInvalid(ctx context.Context, id string, cause error) error {
	row := s.find(id)
	row.Status = models.OutboxStatusInvalid
	msg := cause.Error()
	row.LastError = &msg
	row.NextAttemptAt = nil
	return nil
}
