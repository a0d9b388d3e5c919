// Package session holds the identities used to deduplicate retried
// operations: a GlobalSession per client connection and a LocalOperationID
// per operation inside it.
package session

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"coredb/pkg/types"

	"github.com/google/uuid"
)

// GlobalSession identifies one logical client connection. It is a comparable
// value, so == and map keys use structural equality.
type GlobalSession struct {
	Owner types.MemberID
	ID    uuid.UUID
}

// NewSession creates a cluster-unique session owned by the given member.
func NewSession(owner types.MemberID) GlobalSession {
	return GlobalSession{Owner: owner, ID: uuid.New()}
}

func (s GlobalSession) IsZero() bool {
	return s.Owner == types.None && s.ID == uuid.Nil
}

// Less orders sessions by id, then owner.
func (s GlobalSession) Less(o GlobalSession) bool {
	if c := bytes.Compare(s.ID[:], o.ID[:]); c != 0 {
		return c < 0
	}
	return s.Owner < o.Owner
}

func (s GlobalSession) String() string {
	return fmt.Sprintf("%s@%d", s.ID, s.Owner)
}

// ParseSession reads the form produced by String.
func ParseSession(v string) (GlobalSession, error) {
	id, owner, ok := strings.Cut(v, "@")
	if !ok {
		return GlobalSession{}, fmt.Errorf("session %q: missing owner", v)
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return GlobalSession{}, fmt.Errorf("session %q: %w", v, err)
	}
	o, err := strconv.ParseUint(owner, 10, 64)
	if err != nil {
		return GlobalSession{}, fmt.Errorf("session %q: owner: %w", v, err)
	}
	return GlobalSession{Owner: types.MemberID(o), ID: u}, nil
}

// LocalOperationID identifies one operation within a session. Prev must be
// the Seq of the operation accepted just before it.
type LocalOperationID struct {
	Seq  uint64
	Prev uint64
}

func (id LocalOperationID) Less(o LocalOperationID) bool {
	if id.Seq != o.Seq {
		return id.Seq < o.Seq
	}
	return id.Prev < o.Prev
}

func (id LocalOperationID) String() string {
	return fmt.Sprintf("%d(prev %d)", id.Seq, id.Prev)
}

// Client owns a session and hands out operation ids for it.
//
// NextOperationID is not safe for concurrent callers: ids must be proposed in
// the order they were issued, which only a single caller can guarantee.
type Client struct {
	session GlobalSession
	last    atomic.Uint64
}

func NewClient(owner types.MemberID) *Client {
	return &Client{session: NewSession(owner)}
}

// ResumeClient continues an existing session after lastSeq.
func ResumeClient(s GlobalSession, lastSeq uint64) *Client {
	c := &Client{session: s}
	c.last.Store(lastSeq)
	return c
}

func (c *Client) Session() GlobalSession {
	return c.session
}

func (c *Client) NextOperationID() LocalOperationID {
	seq := c.last.Add(1)
	return LocalOperationID{Seq: seq, Prev: seq - 1}
}

// Retry returns the id issued last. A caller whose operation timed out must
// resubmit with exactly this id.
func (c *Client) Retry() LocalOperationID {
	seq := c.last.Load()
	if seq == 0 {
		return LocalOperationID{}
	}
	return LocalOperationID{Seq: seq, Prev: seq - 1}
}
