package models

import (
	"time"
)

// TransactionDirection represents the kind of settled ledger action
type TransactionDirection string

const (
	DirectionTransfer         TransactionDirection = "transfer"
	DirectionAdjustmentGrant  TransactionDirection = "adjustment_grant"
	DirectionAdjustmentDeduct TransactionDirection = "adjustment_deduct"
	DirectionThrottleBlock    TransactionDirection = "throttle_block"
)

// IsValid reports whether d is a known direction
func (d TransactionDirection) IsValid() bool {
	switch d {
	case DirectionTransfer, DirectionAdjustmentGrant, DirectionAdjustmentDeduct, DirectionThrottleBlock:
		return true
	}
	return false
}

// MovesFunds reports whether the direction changes a balance
func (d TransactionDirection) MovesFunds() bool {
	return d != DirectionThrottleBlock
}

// Transaction is an immutable ledger record written once per settled action
type Transaction struct {
	ID                    int64                `db:"id"`
	GuildID               int64                `db:"guild_id"`
	InitiatorID           int64                `db:"initiator_id"`
	TargetID              *int64               `db:"target_id"`
	Amount                int64                `db:"amount"`
	Direction             TransactionDirection `db:"direction"`
	Reason                string               `db:"reason"`
	BalanceAfterInitiator int64                `db:"balance_after_initiator"`
	BalanceAfterTarget    *int64               `db:"balance_after_target"`
	Metadata              map[string]any       `db:"metadata"`
	CreatedAt             time.Time            `db:"created_at"`
}
