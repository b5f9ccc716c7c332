package models

import (
	"time"
)

// Balance is a member's account within a guild ledger
type Balance struct {
	GuildID        int64      `db:"guild_id"`
	MemberID       int64      `db:"member_id"`
	CurrentBalance int64      `db:"current_balance"`
	ThrottledUntil *time.Time `db:"throttled_until"`
	LastModifiedAt time.Time  `db:"last_modified_at"`
	CreatedAt      time.Time  `db:"created_at"`
}

// IsThrottled reports whether the account is under a cooldown at the given time
func (b *Balance) IsThrottled(now time.Time) bool {
	return b.ThrottledUntil != nil && b.ThrottledUntil.After(now)
}

// CanCover reports whether the balance covers amount
func (b *Balance) CanCover(amount int64) bool {
	return b.CurrentBalance >= amount
}

// ExtendThrottle returns the new cooldown end after a violation at now.
// The window is added to the later of now and the current cooldown end.
func (b *Balance) ExtendThrottle(now time.Time, window time.Duration) time.Time {
	start := now
	if b.ThrottledUntil != nil && b.ThrottledUntil.After(now) {
		start = *b.ThrottledUntil
	}
	return start.Add(window)
}
