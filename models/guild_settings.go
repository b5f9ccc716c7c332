package models

import (
	"time"
)

// GuildSettings represents per-guild ledger and governance overrides.
// Nil fields fall back to the process-wide defaults.
type GuildSettings struct {
	GuildID                int64   `db:"guild_id"`
	DailyTransferLimit     *int64  `db:"daily_transfer_limit"`
	ThrottleBackoffSeconds *int    `db:"throttle_backoff_seconds"`
	PendingExpirySeconds   *int    `db:"pending_expiry_seconds"`
	VotingPeriodSeconds    *int    `db:"voting_period_seconds"`
	ReminderOffsetSeconds  *int    `db:"reminder_offset_seconds"`
	TreasuryAccountID      *int64  `db:"treasury_account_id"`
	ExemptAccountIDs       []int64 `db:"exempt_account_ids"`
	ProposalAdminIDs       []int64 `db:"proposal_admin_ids"`
	NotifyChannelID        *int64  `db:"notify_channel_id"`
}

// HasTreasuryAccount checks if a treasury account is configured
func (gs *GuildSettings) HasTreasuryAccount() bool {
	return gs.TreasuryAccountID != nil && *gs.TreasuryAccountID > 0
}

// HasNotifyChannel checks if a notification channel is configured
func (gs *GuildSettings) HasNotifyChannel() bool {
	return gs.NotifyChannelID != nil && *gs.NotifyChannelID > 0
}

// LedgerPolicy is the resolved configuration a guild's ledger operations run under
type LedgerPolicy struct {
	GuildID               int64
	DailyTransferLimit    int64
	ThrottleBackoff       time.Duration
	PendingTransferExpiry time.Duration
	VotingPeriod          time.Duration
	ReminderOffset        time.Duration
	TreasuryAccountID     int64
	ExemptAccountIDs      []int64
	ProposalAdminIDs      []int64
}

// HasDailyLimit reports whether transfers are capped per trailing day
func (p LedgerPolicy) HasDailyLimit() bool {
	return p.DailyTransferLimit > 0
}

// IsExempt reports whether memberID is a government account free of cooldown and daily limits
func (p LedgerPolicy) IsExempt(memberID int64) bool {
	if p.TreasuryAccountID > 0 && memberID == p.TreasuryAccountID {
		return true
	}
	return containsID(p.ExemptAccountIDs, memberID)
}

// IsProposalAdmin reports whether memberID may withdraw proposals it did not create
func (p LedgerPolicy) IsProposalAdmin(memberID int64) bool {
	return containsID(p.ProposalAdminIDs, memberID)
}

// WithSettings overlays a guild's stored overrides on top of p
func (p LedgerPolicy) WithSettings(gs *GuildSettings) LedgerPolicy {
	if gs == nil {
		return p
	}
	p.GuildID = gs.GuildID
	if gs.DailyTransferLimit != nil {
		p.DailyTransferLimit = *gs.DailyTransferLimit
	}
	if gs.ThrottleBackoffSeconds != nil {
		p.ThrottleBackoff = time.Duration(*gs.ThrottleBackoffSeconds) * time.Second
	}
	if gs.PendingExpirySeconds != nil {
		p.PendingTransferExpiry = time.Duration(*gs.PendingExpirySeconds) * time.Second
	}
	if gs.VotingPeriodSeconds != nil {
		p.VotingPeriod = time.Duration(*gs.VotingPeriodSeconds) * time.Second
	}
	if gs.ReminderOffsetSeconds != nil {
		p.ReminderOffset = time.Duration(*gs.ReminderOffsetSeconds) * time.Second
	}
	if gs.HasTreasuryAccount() {
		p.TreasuryAccountID = *gs.TreasuryAccountID
	}
	if len(gs.ExemptAccountIDs) > 0 {
		p.ExemptAccountIDs = append(append([]int64{}, p.ExemptAccountIDs...), gs.ExemptAccountIDs...)
	}
	if len(gs.ProposalAdminIDs) > 0 {
		p.ProposalAdminIDs = append(append([]int64{}, p.ProposalAdminIDs...), gs.ProposalAdminIDs...)
	}
	return p
}

func containsID(ids []int64, id int64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
