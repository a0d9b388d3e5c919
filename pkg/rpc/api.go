// Package rpc holds the JSON bodies of the client API and a client for it.
package rpc

const (
	PathHealth       = "/health"
	PathMetrics      = "/metrics"
	PathStatus       = "/api/status"
	PathSessions     = "/api/sessions"
	PathTransactions = "/api/transactions"
	PathLockToken    = "/api/lock-token"
	PathIDAllocation = "/api/id-allocations"
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeInvalid     = "invalid_argument"
	CodeNotFound    = "not_found"
	CodeNotLeader   = "not_leader"
	CodeSequenceGap = "sequence_gap"
	CodeDropped     = "proposal_dropped"
	CodeTimeout     = "timeout"
	CodeQuorumLost  = "quorum_lost"
	CodeDurability  = "durability_failure"
	CodeStopped     = "stopped"
	CodeInternal    = "internal"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`

	// Set with CodeNotLeader.
	LeaderID   uint64 `json:"leader_id,omitempty"`
	LeaderAddr string `json:"leader_addr,omitempty"`
	// Set with CodeSequenceGap.
	Session  string `json:"session,omitempty"`
	Expected uint64 `json:"expected,omitempty"`
	Got      uint64 `json:"got,omitempty"`
}

type SessionResponse struct {
	Session     string `json:"session"`
	LastApplied uint64 `json:"last_applied"`
	TxID        uint64 `json:"tx_id,omitempty"`
}

type TransactionRequest struct {
	Session string `json:"session"`
	Seq     uint64 `json:"seq"`
	Prev    uint64 `json:"prev"`
	Payload []byte `json:"payload"`
}

type LockTokenRequest struct {
	Owner       uint64 `json:"owner"`
	CandidateID uint64 `json:"candidate_id"`
}

type IDAllocationRequest struct {
	Owner       uint64 `json:"owner"`
	IDType      uint32 `json:"id_type"`
	RangeStart  uint64 `json:"range_start"`
	RangeLength uint32 `json:"range_length"`
}

// OutcomeResponse is how a proposal was resolved. Status is one of
// "applied", "already_applied" or "rejected".
type OutcomeResponse struct {
	Status string `json:"status"`
	Index  uint64 `json:"index,omitempty"`
	Term   uint64 `json:"term,omitempty"`
	TxID   uint64 `json:"tx_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type StatusResponse struct {
	ID           uint64 `json:"id"`
	Role         string `json:"role"`
	Term         uint64 `json:"term"`
	Leader       uint64 `json:"leader"`
	LeaderAddr   string `json:"leader_addr,omitempty"`
	CommitIndex  uint64 `json:"commit_index"`
	LastIndex    uint64 `json:"last_index"`
	AppliedIndex uint64 `json:"applied_index"`
}
