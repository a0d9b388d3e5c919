package dberrors

import (
	"errors"
	"fmt"

	"coredb/pkg/types"
)

var (
	ErrStopped         = errors.New("coredb: member stopped")
	ErrQuorumLost      = errors.New("coredb: quorum lost")
	ErrDurability      = errors.New("coredb: durability failure")
	ErrProposalDropped = errors.New("coredb: proposal dropped before commit")
	ErrInvalidArgument = errors.New("coredb: invalid argument")
	ErrNotLeader       = errors.New("coredb: not leader")
	ErrSequenceGap     = errors.New("coredb: operation sequence gap")
)

// NotLeaderError is returned when a proposal reaches a member that is not
// the leader. LeaderID is types.None when no leader is known yet.
type NotLeaderError struct {
	LeaderID   types.MemberID
	LeaderAddr string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == types.None {
		return "coredb: not leader, leader unknown"
	}
	return fmt.Sprintf("coredb: not leader, redirect to member %d (%s)", e.LeaderID, e.LeaderAddr)
}

func (e *NotLeaderError) Is(target error) bool { return target == ErrNotLeader }

// SequenceGapError rejects an operation whose previous id does not match the
// last operation accepted from the same session.
type SequenceGapError struct {
	Session  string
	Expected uint64
	Got      uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("coredb: session %s: expected previous operation %d, got %d", e.Session, e.Expected, e.Got)
}

func (e *SequenceGapError) Is(target error) bool { return target == ErrSequenceGap }

// TermConflictError reports a message carrying a stale term. It never leaves
// the consensus engine.
type TermConflictError struct {
	Current types.Term
	Got     types.Term
}

func (e *TermConflictError) Error() string {
	return fmt.Sprintf("coredb: stale term %d, current term %d", e.Got, e.Current)
}

// LogMismatchError reports that the entry preceding an append does not match
// the local log. The leader retries from an earlier index.
type LogMismatchError struct {
	Index types.LogIndex
	Term  types.Term
}

func (e *LogMismatchError) Error() string {
	return fmt.Sprintf("coredb: log mismatch at index %d term %d", e.Index, e.Term)
}

// DurabilityFailure wraps an error raised while persisting member state.
func DurabilityFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDurability, op, err)
}
