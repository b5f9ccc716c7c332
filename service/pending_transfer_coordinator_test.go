package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"treasury/events"
	"treasury/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func createPending(t *testing.T, h *testHarness, amount int64) *models.PendingTransfer {
	t.Helper()
	pt, err := h.coordinator.Create(context.Background(), AsyncTransferRequest{
		GuildID:     TestGuildID,
		InitiatorID: TestMember1ID,
		TargetID:    TestMember2ID,
		Amount:      amount,
	})
	require.NoError(t, err)
	return pt
}

// evaluateUntilSettled runs evaluation steps until the transfer is terminal
func evaluateUntilSettled(t *testing.T, h *testHarness, id int64) models.PendingTransfer {
	t.Helper()
	for i := 0; i < 10; i++ {
		require.NoError(t, h.coordinator.Evaluate(context.Background(), TestGuildID, id))
		if pt := h.store.pendingTransfer(id); pt.Status.IsTerminal() {
			return pt
		}
	}
	t.Fatalf("pending transfer %d did not settle", id)
	return models.PendingTransfer{}
}

func TestPendingTransferCoordinator_Create(t *testing.T) {
	h := newTestHarness(t)

	pt := createPending(t, h, 30)

	assert.Equal(t, models.PendingTransferStatusPending, pt.Status)
	assert.Equal(t, map[models.CheckName]models.CheckState{
		models.CheckBalance:    models.CheckStateUnknown,
		models.CheckCooldown:   models.CheckStateUnknown,
		models.CheckDailyLimit: models.CheckStateUnknown,
	}, pt.Checks)
	require.NotNil(t, pt.ExpiresAt)
	assert.Equal(t, h.store.clock.Now().Add(time.Hour), *pt.ExpiresAt)

	changed := eventsOfType[events.PendingTransferChangedEvent](h.store.events())
	require.Len(t, changed, 1)
	assert.Equal(t, "", changed[0].OldStatus)
	assert.Equal(t, "pending", changed[0].NewStatus)
}

func TestPendingTransferCoordinator_Create_RejectsPastExpiry(t *testing.T) {
	h := newTestHarness(t)
	past := h.store.clock.Now().Add(-time.Minute)

	_, err := h.coordinator.Create(context.Background(), AsyncTransferRequest{
		GuildID:     TestGuildID,
		InitiatorID: TestMember1ID,
		TargetID:    TestMember2ID,
		Amount:      10,
		ExpiresAt:   &past,
	})
	assert.Error(t, err)
	assert.Empty(t, h.store.events())
}

func TestPendingTransferCoordinator_Evaluate_CompletesTransfer(t *testing.T) {
	h := newTestHarness(t)
	h.store.seedBalance(TestGuildID, TestMember1ID, 100)
	pt := createPending(t, h, 30)

	settled := evaluateUntilSettled(t, h, pt.ID)

	assert.Equal(t, models.PendingTransferStatusCompleted, settled.Status)
	assert.True(t, settled.AllChecksPassed([]models.CheckName{models.CheckBalance, models.CheckCooldown, models.CheckDailyLimit}))
	require.NotNil(t, settled.TransactionID)

	transfers := h.store.transactionsOf(models.DirectionTransfer)
	require.Len(t, transfers, 1)
	assert.Equal(t, *settled.TransactionID, transfers[0].ID)
	assert.EqualValues(t, pt.ID, transfers[0].Metadata["pending_transfer_id"])

	sender, _ := h.store.balance(TestGuildID, TestMember1ID)
	assert.Equal(t, int64(70), sender.CurrentBalance)

	var statuses []string
	for _, e := range eventsOfType[events.PendingTransferChangedEvent](h.store.events()) {
		statuses = append(statuses, e.NewStatus)
	}
	assert.Equal(t, []string{"pending", "checking", "checking", "approved", "completed"}, statuses)
}

func TestPendingTransferCoordinator_Evaluate_FailedCheckRejects(t *testing.T) {
	h := newTestHarness(t)
	h.store.seedBalance(TestGuildID, TestMember1ID, 10)
	pt := createPending(t, h, 50)

	settled := evaluateUntilSettled(t, h, pt.ID)

	assert.Equal(t, models.PendingTransferStatusRejected, settled.Status)
	assert.Equal(t, models.CheckStateFail, settled.Checks[models.CheckBalance])
	require.NotNil(t, settled.RejectionReason)
	assert.Equal(t, ErrInsufficientFunds.Error(), *settled.RejectionReason)
	assert.Empty(t, h.store.transactionsOf(models.DirectionTransfer))

	// Terminal records are left alone
	require.NoError(t, h.coordinator.Evaluate(context.Background(), TestGuildID, pt.ID))
	assert.Equal(t, settled.Version, h.store.pendingTransfer(pt.ID).Version)
}

func TestPendingTransferCoordinator_Evaluate_InconclusiveRetriesThenRejects(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	limit := int64(1000)
	h.store.seedSettings(models.GuildSettings{GuildID: TestGuildID, DailyTransferLimit: &limit})
	h.store.seedBalance(TestGuildID, TestMember1ID, 100)
	pt := createPending(t, h, 30)

	// balance and cooldown pass
	require.NoError(t, h.coordinator.Evaluate(ctx, TestGuildID, pt.ID))
	require.NoError(t, h.coordinator.Evaluate(ctx, TestGuildID, pt.ID))

	h.store.sumErr = errors.New("connection reset")

	for attempt := 1; attempt <= 3; attempt++ {
		require.NoError(t, h.coordinator.Evaluate(ctx, TestGuildID, pt.ID))
		current := h.store.pendingTransfer(pt.ID)
		assert.Equal(t, models.PendingTransferStatusChecking, current.Status)
		assert.Equal(t, attempt, current.RetryCount)
		assert.Equal(t, models.CheckStateUnknown, current.Checks[models.CheckDailyLimit])
		require.NotNil(t, current.NextAttemptAt)

		// Not due yet: nothing changes
		require.NoError(t, h.coordinator.Evaluate(ctx, TestGuildID, pt.ID))
		assert.Equal(t, current.Version, h.store.pendingTransfer(pt.ID).Version)

		h.store.clock.Advance(RetryDelay(attempt, time.Second, 10*time.Second))
	}

	require.NoError(t, h.coordinator.Evaluate(ctx, TestGuildID, pt.ID))
	rejected := h.store.pendingTransfer(pt.ID)
	assert.Equal(t, models.PendingTransferStatusRejected, rejected.Status)
	require.NotNil(t, rejected.RejectionReason)
	assert.Contains(t, *rejected.RejectionReason, "retries exhausted")
	assert.Contains(t, *rejected.RejectionReason, "connection reset")
}

func TestPendingTransferCoordinator_Evaluate_InconclusiveRecovers(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	limit := int64(1000)
	h.store.seedSettings(models.GuildSettings{GuildID: TestGuildID, DailyTransferLimit: &limit})
	h.store.seedBalance(TestGuildID, TestMember1ID, 100)
	pt := createPending(t, h, 30)

	require.NoError(t, h.coordinator.Evaluate(ctx, TestGuildID, pt.ID))
	require.NoError(t, h.coordinator.Evaluate(ctx, TestGuildID, pt.ID))

	h.store.sumErr = errors.New("timeout")
	require.NoError(t, h.coordinator.Evaluate(ctx, TestGuildID, pt.ID))
	h.store.sumErr = nil
	h.store.clock.Advance(time.Second)

	settled := evaluateUntilSettled(t, h, pt.ID)
	assert.Equal(t, models.PendingTransferStatusCompleted, settled.Status)
	assert.Equal(t, 1, settled.RetryCount)
}

func TestPendingTransferCoordinator_Evaluate_SettingsReadFailureSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.store.seedBalance(TestGuildID, TestMember1ID, 100)
	pt := createPending(t, h, 30)

	h.store.settingsErr = errors.New("lock timeout")
	require.NoError(t, h.coordinator.Evaluate(ctx, TestGuildID, pt.ID))

	current := h.store.pendingTransfer(pt.ID)
	assert.Equal(t, models.PendingTransferStatusPending, current.Status)
	assert.Equal(t, 1, current.RetryCount)
	assert.Equal(t, models.CheckStateUnknown, current.Checks[models.CheckBalance])
	require.NotNil(t, current.NextAttemptAt)
	assert.Equal(t, h.store.clock.Now().Add(time.Second), *current.NextAttemptAt)

	h.store.settingsErr = nil
	h.store.clock.Advance(time.Second)
	settled := evaluateUntilSettled(t, h, pt.ID)
	assert.Equal(t, models.PendingTransferStatusCompleted, settled.Status)
}

func TestPendingTransferCoordinator_Evaluate_BalanceDrainedBeforeExecution(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.store.seedBalance(TestGuildID, TestMember1ID, 100)
	pt := createPending(t, h, 80)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.coordinator.Evaluate(ctx, TestGuildID, pt.ID))
	}
	require.Equal(t, models.PendingTransferStatusApproved, h.store.pendingTransfer(pt.ID).Status)

	_, err := h.ledger.Adjust(ctx, TestGuildID, TestMember1ID, -50, "fine")
	require.NoError(t, err)

	require.NoError(t, h.coordinator.Evaluate(ctx, TestGuildID, pt.ID))
	rejected := h.store.pendingTransfer(pt.ID)
	assert.Equal(t, models.PendingTransferStatusRejected, rejected.Status)
	assert.Equal(t, models.CheckStateFail, rejected.Checks[models.CheckBalance])
	assert.Empty(t, h.store.transactionsOf(models.DirectionTransfer))
}

func TestPendingTransferCoordinator_Evaluate_ExecutesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.store.seedBalance(TestGuildID, TestMember1ID, 100)
	pt := createPending(t, h, 25)

	for i := 0; i < 3; i++ {
		require.NoError(t, h.coordinator.Evaluate(ctx, TestGuildID, pt.ID))
	}
	require.Equal(t, models.PendingTransferStatusApproved, h.store.pendingTransfer(pt.ID).Status)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.coordinator.Evaluate(ctx, TestGuildID, pt.ID))
		}()
	}
	wg.Wait()

	assert.Equal(t, models.PendingTransferStatusCompleted, h.store.pendingTransfer(pt.ID).Status)
	assert.Len(t, h.store.transactionsOf(models.DirectionTransfer), 1)
	sender, _ := h.store.balance(TestGuildID, TestMember1ID)
	assert.Equal(t, int64(75), sender.CurrentBalance)
}

// interleavingExecutor runs a competing step once, while the first execution is in flight
type interleavingExecutor struct {
	inner   TransferService
	fired   bool
	compete func(ctx context.Context)
}

func (e *interleavingExecutor) Execute(ctx context.Context, req TransferRequest) (*models.Transaction, error) {
	if !e.fired {
		e.fired = true
		e.compete(ctx)
	}
	return e.inner.Execute(ctx, req)
}

func approvePending(t *testing.T, h *testHarness, amount int64) *models.PendingTransfer {
	t.Helper()
	h.store.seedBalance(TestGuildID, TestMember1ID, 100)
	pt := createPending(t, h, amount)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.coordinator.Evaluate(context.Background(), TestGuildID, pt.ID))
	}
	require.Equal(t, models.PendingTransferStatusApproved, h.store.pendingTransfer(pt.ID).Status)
	return pt
}

func TestPendingTransferCoordinator_Evaluate_LeaseExpiredDuringExecution(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	pt := approvePending(t, h, 25)

	h.coordinator.executor = &interleavingExecutor{
		inner: h.executor,
		compete: func(ctx context.Context) {
			h.store.clock.Advance(testRetryPolicy().ExecutionLease + time.Second)
			require.NoError(t, h.coordinator.Evaluate(ctx, TestGuildID, pt.ID))
		},
	}

	require.NoError(t, h.coordinator.Evaluate(ctx, TestGuildID, pt.ID))

	settled := h.store.pendingTransfer(pt.ID)
	assert.Equal(t, models.PendingTransferStatusCompleted, settled.Status)
	transfers := h.store.transactionsOf(models.DirectionTransfer)
	require.Len(t, transfers, 1)
	require.NotNil(t, settled.TransactionID)
	assert.Equal(t, transfers[0].ID, *settled.TransactionID)

	sender, _ := h.store.balance(TestGuildID, TestMember1ID)
	receiver, _ := h.store.balance(TestGuildID, TestMember2ID)
	assert.Equal(t, int64(75), sender.CurrentBalance)
	assert.Equal(t, int64(25), receiver.CurrentBalance)

	completed := 0
	for _, e := range eventsOfType[events.PendingTransferChangedEvent](h.store.events()) {
		if e.NewStatus == string(models.PendingTransferStatusCompleted) {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
	assert.Len(t, eventsOfType[events.TransactionRecordedEvent](h.store.events()), 1)
}

func TestPendingTransferCoordinator_Evaluate_ExpiredDuringExecution(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	pt := approvePending(t, h, 25)

	h.coordinator.executor = &interleavingExecutor{
		inner: h.executor,
		compete: func(ctx context.Context) {
			h.store.clock.Advance(2 * time.Hour)
			expired, err := h.coordinator.ExpireStale(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, expired)
		},
	}

	require.NoError(t, h.coordinator.Evaluate(ctx, TestGuildID, pt.ID))

	settled := h.store.pendingTransfer(pt.ID)
	assert.Equal(t, models.PendingTransferStatusRejected, settled.Status)
	require.NotNil(t, settled.RejectionReason)
	assert.Equal(t, "expired", *settled.RejectionReason)
	assert.Nil(t, settled.TransactionID)
	assert.Empty(t, h.store.transactionsOf(models.DirectionTransfer))

	sender, _ := h.store.balance(TestGuildID, TestMember1ID)
	assert.Equal(t, int64(100), sender.CurrentBalance)
	assert.Empty(t, eventsOfType[events.TransactionRecordedEvent](h.store.events()))
}

func TestPendingTransferCoordinator_Evaluate_ExecutionErrors(t *testing.T) {
	tests := []struct {
		name       string
		execErr    error
		wantStatus models.PendingTransferStatus
		wantRetry  int
	}{
		{"settled elsewhere", ErrStaleTransition, models.PendingTransferStatusApproved, 0},
		{"infrastructure failure", errors.New("connection refused"), models.PendingTransferStatusApproved, 1},
		{"cooldown started", &ThrottledError{MemberID: TestMember1ID}, models.PendingTransferStatusRejected, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newTestHarness(t)
			executor := new(MockTransferService)
			h.coordinator.executor = executor

			h.store.seedBalance(TestGuildID, TestMember1ID, 100)
			pt := createPending(t, h, 10)
			for i := 0; i < 3; i++ {
				require.NoError(t, h.coordinator.Evaluate(ctx, TestGuildID, pt.ID))
			}

			executor.On("Execute", ctx, mock.MatchedBy(func(req TransferRequest) bool {
				return req.InitiatorID == TestMember1ID && req.Amount == 10 && req.Settle != nil
			})).Return(nil, tt.execErr).Once()

			require.NoError(t, h.coordinator.Evaluate(ctx, TestGuildID, pt.ID))

			current := h.store.pendingTransfer(pt.ID)
			assert.Equal(t, tt.wantStatus, current.Status)
			assert.Equal(t, tt.wantRetry, current.RetryCount)
			executor.AssertExpectations(t)
		})
	}
}

func TestPendingTransferCoordinator_ExpireStale(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	h.store.seedBalance(TestGuildID, TestMember1ID, 100)

	stale := createPending(t, h, 10)
	h.store.clock.Advance(30 * time.Minute)
	fresh := createPending(t, h, 10)
	h.store.clock.Advance(31 * time.Minute)

	expired, err := h.coordinator.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	rejected := h.store.pendingTransfer(stale.ID)
	assert.Equal(t, models.PendingTransferStatusRejected, rejected.Status)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, "expired", *rejected.RejectionReason)
	assert.Equal(t, models.PendingTransferStatusPending, h.store.pendingTransfer(fresh.ID).Status)

	// Evaluating an expired record rejects it too
	h.store.clock.Advance(time.Hour)
	require.NoError(t, h.coordinator.Evaluate(ctx, TestGuildID, fresh.ID))
	assert.Equal(t, models.PendingTransferStatusRejected, h.store.pendingTransfer(fresh.ID).Status)
}

func TestPendingTransferCoordinator_RedriveDue(t *testing.T) {
	ctx := context.Background()
	h := newTestHarness(t)
	pt := createPending(t, h, 10)

	redriven, err := h.coordinator.RedriveDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, redriven)

	h.store.clock.Advance(2 * time.Minute)
	redriven, err = h.coordinator.RedriveDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, redriven)

	changed := eventsOfType[events.PendingTransferChangedEvent](h.store.events())
	require.Len(t, changed, 2)
	assert.Equal(t, pt.ID, changed[1].PendingTransferID)
	assert.Equal(t, "pending", changed[1].OldStatus)
	assert.Equal(t, "pending", changed[1].NewStatus)
}

func TestPendingTransferCoordinator_Get_NotFound(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.coordinator.Get(context.Background(), TestGuildID, 42)
	assert.ErrorIs(t, err, ErrPendingTransferNotFound)
}
