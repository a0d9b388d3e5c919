package raft

import (
	"coredb/pkg/consensus"
	"coredb/pkg/types"
)

// RequestVoteRequest is sent by a candidate to every other member.
type RequestVoteRequest struct {
	Term         types.Term     `json:"term"`
	CandidateID  types.MemberID `json:"candidateId"`
	LastLogIndex types.LogIndex `json:"lastLogIndex"`
	LastLogTerm  types.Term     `json:"lastLogTerm"`
}

type RequestVoteResponse struct {
	Term    types.Term `json:"term"`
	Granted bool       `json:"granted"`
}

// AppendEntriesRequest replicates entries after (PrevLogIndex, PrevLogTerm).
// With no entries it is a heartbeat.
type AppendEntriesRequest struct {
	Term         types.Term        `json:"term"`
	LeaderID     types.MemberID    `json:"leaderId"`
	PrevLogIndex types.LogIndex    `json:"prevLogIndex"`
	PrevLogTerm  types.Term        `json:"prevLogTerm"`
	Entries      []consensus.Entry `json:"entries,omitempty"`
	LeaderCommit types.LogIndex    `json:"leaderCommit"`
}

// AppendEntriesResponse reports the follower's match index on success. On
// failure MatchIndex is a hint: no index above it can match the leader.
type AppendEntriesResponse struct {
	Term       types.Term     `json:"term"`
	Success    bool           `json:"success"`
	MatchIndex types.LogIndex `json:"matchIndex"`
}

// envelope is an outbound request produced during a turn.
type envelope struct {
	to     types.MemberID
	vote   *RequestVoteRequest
	append *AppendEntriesRequest
}
