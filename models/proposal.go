package models

import (
	"time"
)

// ProposalStatus represents the lifecycle state of a council proposal
type ProposalStatus string

const (
	ProposalStatusOpen            ProposalStatus = "open"
	ProposalStatusApproved        ProposalStatus = "approved"
	ProposalStatusRejected        ProposalStatus = "rejected"
	ProposalStatusExpired         ProposalStatus = "expired"
	ProposalStatusWithdrawn       ProposalStatus = "withdrawn"
	ProposalStatusExecutionFailed ProposalStatus = "execution_failed"
	ProposalStatusExecuted        ProposalStatus = "executed"
)

// IsValid reports whether s is a known status
func (s ProposalStatus) IsValid() bool {
	switch s {
	case ProposalStatusOpen, ProposalStatusApproved, ProposalStatusRejected, ProposalStatusExpired,
		ProposalStatusWithdrawn, ProposalStatusExecutionFailed, ProposalStatusExecuted:
		return true
	}
	return false
}

// IsTerminal reports whether the proposal can no longer change
func (s ProposalStatus) IsTerminal() bool {
	switch s {
	case ProposalStatusRejected, ProposalStatusExpired, ProposalStatusWithdrawn,
		ProposalStatusExecutionFailed, ProposalStatusExecuted:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a legal successor of s
func (s ProposalStatus) CanTransitionTo(next ProposalStatus) bool {
	switch s {
	case ProposalStatusOpen:
		switch next {
		case ProposalStatusApproved, ProposalStatusRejected, ProposalStatusExpired, ProposalStatusWithdrawn:
			return true
		}
	case ProposalStatusApproved:
		return next == ProposalStatusExecuted || next == ProposalStatusExecutionFailed
	}
	return false
}

// Proposal is a council request to move treasury funds
type Proposal struct {
	ID                 int64          `db:"id"`
	GuildID            int64          `db:"guild_id"`
	ProposerID         int64          `db:"proposer_id"`
	TargetID           *int64         `db:"target_id"`
	TargetDepartmentID *int64         `db:"target_department_id"`
	Amount             int64          `db:"amount"`
	Description        *string        `db:"description"`
	AttachmentURL      *string        `db:"attachment_url"`
	SnapshotN          int            `db:"snapshot_n"`
	ThresholdT         int            `db:"threshold_t"`
	DeadlineAt         time.Time      `db:"deadline_at"`
	Status             ProposalStatus `db:"status"`
	ReminderSent       bool           `db:"reminder_sent"`
	ExecutionTxID      *int64         `db:"execution_tx_id"`
	ExecutionError     *string        `db:"execution_error"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

// IsOpen checks if the proposal still accepts votes
func (p *Proposal) IsOpen() bool {
	return p.Status == ProposalStatusOpen
}

// IsApproved checks if the proposal is waiting on execution
func (p *Proposal) IsApproved() bool {
	return p.Status == ProposalStatusApproved
}

// IsVotingPeriodActive checks if votes may still be cast at now
func (p *Proposal) IsVotingPeriodActive(now time.Time) bool {
	return p.IsOpen() && now.Before(p.DeadlineAt)
}

// IsDeadlinePassed checks if an open proposal has reached its deadline at now
func (p *Proposal) IsDeadlinePassed(now time.Time) bool {
	return p.IsOpen() && !now.Before(p.DeadlineAt)
}

// IsReminderDue checks if the single pre-deadline reminder should go out at now
func (p *Proposal) IsReminderDue(now time.Time, offset time.Duration) bool {
	if !p.IsOpen() || p.ReminderSent {
		return false
	}
	return !now.Before(p.DeadlineAt.Add(-offset)) && now.Before(p.DeadlineAt)
}

// TargetsDepartment reports whether funds go to a department account
func (p *Proposal) TargetsDepartment() bool {
	return p.TargetDepartmentID != nil
}

// Threshold returns the majority of n: the approve votes needed to pass
func Threshold(n int) int {
	return n/2 + 1
}

// ProposalDetail combines a proposal with its frozen snapshot and votes
type ProposalDetail struct {
	Proposal *Proposal
	Snapshot []int64
	Votes    []*Vote
	Tally    VoteTally
}

// InSnapshot checks if memberID may vote on the proposal
func (d *ProposalDetail) InSnapshot(memberID int64) bool {
	for _, id := range d.Snapshot {
		if id == memberID {
			return true
		}
	}
	return false
}

// PendingVoters returns snapshot members who have not voted yet
func (d *ProposalDetail) PendingVoters() []int64 {
	voted := make(map[int64]struct{}, len(d.Votes))
	for _, v := range d.Votes {
		voted[v.VoterID] = struct{}{}
	}
	pending := make([]int64, 0, len(d.Snapshot))
	for _, id := range d.Snapshot {
		if _, ok := voted[id]; !ok {
			pending = append(pending, id)
		}
	}
	return pending
}

// Department is a government body whose treasury account can receive proposal funds
type Department struct {
	ID        int64     `db:"id"`
	GuildID   int64     `db:"guild_id"`
	Name      string    `db:"name"`
	AccountID int64     `db:"account_id"`
	CreatedAt time.Time `db:"created_at"`
}
