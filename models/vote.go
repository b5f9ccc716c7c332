package models

import (
	"time"
)

// VoteChoice is a council member's position on a proposal
type VoteChoice string

const (
	VoteApprove VoteChoice = "approve"
	VoteReject  VoteChoice = "reject"
	VoteAbstain VoteChoice = "abstain"
)

// IsValid reports whether c is a known choice
func (c VoteChoice) IsValid() bool {
	return c == VoteApprove || c == VoteReject || c == VoteAbstain
}

// Vote represents a council member's current vote on a proposal
type Vote struct {
	ProposalID int64      `db:"proposal_id"`
	VoterID    int64      `db:"voter_id"`
	Choice     VoteChoice `db:"choice"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
}

// VoteTally represents the vote counts for a proposal
type VoteTally struct {
	Approve int
	Reject  int
	Abstain int
}

// Voted returns the number of votes cast, abstentions included
func (t VoteTally) Voted() int {
	return t.Approve + t.Reject + t.Abstain
}

// TallyVotes counts the latest choice of every voter
func TallyVotes(votes []*Vote) VoteTally {
	var tally VoteTally
	for _, v := range votes {
		switch v.Choice {
		case VoteApprove:
			tally.Approve++
		case VoteReject:
			tally.Reject++
		case VoteAbstain:
			tally.Abstain++
		}
	}
	return tally
}

// Resolution is the outcome of evaluating a tally against a threshold
type Resolution string

const (
	ResolutionUndecided Resolution = "undecided"
	ResolutionApproved  Resolution = "approved"
	ResolutionRejected  Resolution = "rejected"
)

// Resolve decides a proposal from its tally, snapshot size n and threshold t.
// Rejection is early: it fires as soon as the remaining voters cannot reach t.
func (t VoteTally) Resolve(n, threshold int) Resolution {
	if t.Approve >= threshold {
		return ResolutionApproved
	}
	remaining := n - t.Voted()
	if remaining < 0 {
		remaining = 0
	}
	if t.Approve+remaining < threshold {
		return ResolutionRejected
	}
	return ResolutionUndecided
}
