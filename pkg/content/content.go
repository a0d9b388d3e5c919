// Package content defines the units of data carried through the replicated
// log. Content is a closed set of variants; each variant has a one-byte tag
// and its own codec.
package content

import (
	"fmt"

	"coredb/pkg/session"
	"coredb/pkg/types"
)

// Tag identifies a content variant on the wire.
type Tag uint8

const (
	TagTransaction Tag = iota + 1
	TagNewLeaderBarrier
	TagLockTokenRequest
	TagIDAllocation
)

func (t Tag) String() string {
	switch t {
	case TagTransaction:
		return "transaction"
	case TagNewLeaderBarrier:
		return "new-leader-barrier"
	case TagLockTokenRequest:
		return "lock-token-request"
	case TagIDAllocation:
		return "id-allocation"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

// Content is implemented only by the variants in this package.
type Content interface {
	Tag() Tag
	sealed()
}

// Identity is the deduplication key of a transaction. The payload is not
// part of it.
type Identity struct {
	Session     session.GlobalSession
	OperationID session.LocalOperationID
}

// Transaction carries opaque transaction bytes together with the identity of
// the operation that produced them.
type Transaction struct {
	Payload     []byte
	Session     session.GlobalSession
	OperationID session.LocalOperationID
}

func NewTransaction(payload []byte, s session.GlobalSession, id session.LocalOperationID) *Transaction {
	p := make([]byte, len(payload))
	copy(p, payload)
	return &Transaction{Payload: p, Session: s, OperationID: id}
}

func (*Transaction) Tag() Tag { return TagTransaction }
func (*Transaction) sealed()  {}

func (t *Transaction) Identity() Identity {
	return Identity{Session: t.Session, OperationID: t.OperationID}
}

func (t *Transaction) String() string {
	return fmt.Sprintf("Transaction{session=%s, op=%s, %d bytes}", t.Session, t.OperationID, len(t.Payload))
}

// NewLeaderBarrier is appended by every newly elected leader. Committing it
// commits everything before it.
type NewLeaderBarrier struct{}

func (*NewLeaderBarrier) Tag() Tag { return TagNewLeaderBarrier }
func (*NewLeaderBarrier) sealed()  {}

// LockTokenRequest asks for the cluster-wide lock token to be handed to
// Owner. It is granted only if CandidateID follows the current token id.
type LockTokenRequest struct {
	Owner       types.MemberID
	CandidateID uint64
}

func (*LockTokenRequest) Tag() Tag { return TagLockTokenRequest }
func (*LockTokenRequest) sealed()  {}

// IDAllocation reserves [RangeStart, RangeStart+RangeLength) of an id space
// for Owner. It is granted only if RangeStart is the first unallocated id.
type IDAllocation struct {
	Owner       types.MemberID
	IDType      uint32
	RangeStart  uint64
	RangeLength uint32
}

func (*IDAllocation) Tag() Tag { return TagIDAllocation }
func (*IDAllocation) sealed()  {}
