package service

import (
	"testing"
	"time"

	"treasury/events"
	"treasury/models"
)

// Test IDs
const (
	TestGuildID    = 789
	TestMember1ID  = 111111
	TestMember2ID  = 222222
	TestMember3ID  = 333333
	TestMember4ID  = 444444
	TestMember5ID  = 555555
	TestTreasuryID = 900000
	TestAdminID    = 999999
)

func testPolicy() models.LedgerPolicy {
	return models.LedgerPolicy{
		ThrottleBackoff:       10 * time.Minute,
		PendingTransferExpiry: time.Hour,
		VotingPeriod:          48 * time.Hour,
		ReminderOffset:        6 * time.Hour,
		ProposalAdminIDs:      []int64{TestAdminID},
	}
}

func testRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		BaseDelay:      time.Second,
		MaxDelay:       10 * time.Second,
		ExecutionLease: 30 * time.Second,
		StallAfter:     time.Minute,
		SweepBatchSize: 50,
	}
}

// testHarness wires every service against one in-memory store and a shared fake clock
type testHarness struct {
	store       *memoryStore
	ledger      *BalanceLedger
	executor    *TransferExecutor
	coordinator *PendingTransferCoordinator
	proposals   *ProposalEngine
	council     *CouncilService
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	store := newMemoryStore()
	policy := testPolicy()

	executor := NewTransferExecutor(store, DefaultCheckRegistry(), policy)
	executor.now = store.clock.Now

	coordinator := NewPendingTransferCoordinator(store, DefaultCheckRegistry(), executor, policy, testRetryPolicy())
	coordinator.now = store.clock.Now

	proposals := NewProposalEngine(store, executor, policy)
	proposals.now = store.clock.Now

	return &testHarness{
		store:       store,
		ledger:      NewBalanceLedger(store),
		executor:    executor,
		coordinator: coordinator,
		proposals:   proposals,
		council:     NewCouncilService(store),
	}
}

// withTreasury configures the guild treasury account and funds it
func (h *testHarness) withTreasury(amount int64) *testHarness {
	treasury := int64(TestTreasuryID)
	h.store.seedSettings(models.GuildSettings{GuildID: TestGuildID, TreasuryAccountID: &treasury})
	h.store.seedBalance(TestGuildID, TestTreasuryID, amount)
	return h
}

func eventsOfType[E events.Event](all []events.Event) []E {
	var out []E
	for _, e := range all {
		if typed, ok := e.(E); ok {
			out = append(out, typed)
		}
	}
	return out
}
