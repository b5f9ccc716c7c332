package testutil

import (
	"time"

	"treasury/models"
)

// CreateTestPendingTransfer creates a pending transfer with every check unknown
func CreateTestPendingTransfer(initiatorID, targetID, amount int64, order []models.CheckName) *models.PendingTransfer {
	expiresAt := time.Now().Add(time.Hour)
	return &models.PendingTransfer{
		InitiatorID: initiatorID,
		TargetID:    targetID,
		Amount:      amount,
		Status:      models.PendingTransferStatusPending,
		Checks:      models.NewCheckStates(order),
		ExpiresAt:   &expiresAt,
		Metadata: map[string]any{
			"test": true,
		},
	}
}

// CreateTestTransfer creates a settled transfer record
func CreateTestTransfer(initiatorID, targetID, amount, initiatorAfter, targetAfter int64) *models.Transaction {
	return &models.Transaction{
		InitiatorID:           initiatorID,
		TargetID:              &targetID,
		Amount:                amount,
		Direction:             models.DirectionTransfer,
		Reason:                "test transfer",
		BalanceAfterInitiator: initiatorAfter,
		BalanceAfterTarget:    &targetAfter,
		Metadata: map[string]any{
			"test": true,
		},
	}
}

// CreateTestProposal creates an open proposal paying targetID, with a threshold derived from n
func CreateTestProposal(proposerID, targetID, amount int64, n int, deadline time.Time) *models.Proposal {
	description := "test proposal"
	return &models.Proposal{
		ProposerID:  proposerID,
		TargetID:    &targetID,
		Amount:      amount,
		Description: &description,
		SnapshotN:   n,
		ThresholdT:  models.Threshold(n),
		DeadlineAt:  deadline,
		Status:      models.ProposalStatusOpen,
	}
}
