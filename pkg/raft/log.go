package raft

import (
	"coredb/pkg/consensus"
	"coredb/pkg/types"
)

// raftLog is the in-memory copy of the persisted log. entries[i] holds
// index i+1, so an index is also the arena position of its entry.
type raftLog struct {
	entries []consensus.Entry
}

func newRaftLog(entries []consensus.Entry) *raftLog {
	return &raftLog{entries: entries}
}

func (l *raftLog) lastIndex() types.LogIndex {
	return types.LogIndex(len(l.entries))
}

func (l *raftLog) lastTerm() types.Term {
	return l.term(l.lastIndex())
}

// term returns the term at i, or 0 for index 0 and indexes past the end.
func (l *raftLog) term(i types.LogIndex) types.Term {
	if i == 0 || i > l.lastIndex() {
		return 0
	}
	return l.entries[i-1].Term
}

func (l *raftLog) matchTerm(i types.LogIndex, t types.Term) bool {
	if i == 0 {
		return t == 0
	}
	if i > l.lastIndex() {
		return false
	}
	return l.entries[i-1].Term == t
}

// slice returns entries in [lo, hi], capped at max entries when max > 0.
func (l *raftLog) slice(lo, hi types.LogIndex, max int) []consensus.Entry {
	if lo == 0 {
		lo = 1
	}
	if hi > l.lastIndex() {
		hi = l.lastIndex()
	}
	if lo > hi {
		return nil
	}
	if max > 0 && int(hi-lo)+1 > max {
		hi = lo + types.LogIndex(max) - 1
	}
	out := make([]consensus.Entry, hi-lo+1)
	copy(out, l.entries[lo-1:hi])
	return out
}

// isUpToDate reports whether a log ending at (index, term) is at least as
// up to date as this one.
func (l *raftLog) isUpToDate(index types.LogIndex, term types.Term) bool {
	return term > l.lastTerm() || (term == l.lastTerm() && index >= l.lastIndex())
}

// findConflict returns the index of the first entry that is missing locally
// or has a different term, or 0 if all entries are already present.
func (l *raftLog) findConflict(entries []consensus.Entry) types.LogIndex {
	for _, e := range entries {
		if !l.matchTerm(e.Index, e.Term) {
			return e.Index
		}
	}
	return 0
}

// truncateAndAppend replaces everything from entries[0].Index on.
func (l *raftLog) truncateAndAppend(entries []consensus.Entry) {
	if len(entries) == 0 {
		return
	}
	l.entries = append(l.entries[:entries[0].Index-1], entries...)
}
