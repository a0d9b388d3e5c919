// Package consensus is the contract between a consensus engine and the
// layers that propose to it and apply what it commits.
package consensus

import (
	"context"

	"coredb/pkg/types"
)

// Role is the consensus role of a member.
type Role uint8

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Entry is a committed log entry. Data is the encoded replicated content.
type Entry struct {
	Index types.LogIndex `json:"index"`
	Term  types.Term     `json:"term"`
	Data  []byte         `json:"data"`
}

// Status is a point-in-time view of a member.
type Status struct {
	ID          types.MemberID
	Role        Role
	Term        types.Term
	Leader      types.MemberID
	CommitIndex types.LogIndex
	LastIndex   types.LogIndex
}

// Engine orders proposals into a replicated log.
//
// Committed delivers every committed entry exactly once, in index order,
// starting after the applied index the engine was configured with.
type Engine interface {
	// Propose appends data on the leader and returns the position assigned
	// to it. The entry is not committed yet when Propose returns.
	Propose(ctx context.Context, data []byte) (types.LogIndex, types.Term, error)
	Committed() <-chan []Entry
	Status() Status
	Run(ctx context.Context) error
	Stop() error
}

// AppendObserver is notified of entries appended to the local log, on any
// role, before they are committed.
type AppendObserver interface {
	Observe(entries []Entry)
}
