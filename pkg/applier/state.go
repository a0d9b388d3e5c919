package applier

import (
	"context"
	"maps"
	"sync"

	"coredb/pkg/ledger"
	"coredb/pkg/session"
	"coredb/pkg/types"
)

// StorageEngine executes transactions. Commit is called at most once per log
// index, in increasing index order, and only for operations not applied
// before.
type StorageEngine interface {
	Commit(ctx context.Context, index types.LogIndex, payload []byte) (types.TxID, error)
	// LastCommittedIndex is the highest index whose Commit is durable.
	LastCommittedIndex() types.LogIndex
}

// LockToken is the cluster-wide lock token: the member holding it and the
// id of the hand-over that granted it.
type LockToken struct {
	Owner types.MemberID `json:"owner"`
	ID    uint64         `json:"id"`
}

// State is the persisted applier state apart from the ledger.
type State struct {
	LastApplied types.LogIndex
	LockToken   LockToken
	// NextIDs maps an id type to its first unallocated id.
	NextIDs map[uint32]uint64
}

// Change is everything one applied batch modifies. It must be persisted
// atomically.
type Change struct {
	LastApplied types.LogIndex
	Ledger      map[session.GlobalSession]ledger.Record
	LockToken   *LockToken
	NextIDs     map[uint32]uint64
}

func (c *Change) empty() bool {
	return len(c.Ledger) == 0 && c.LockToken == nil && len(c.NextIDs) == 0
}

// StateStore persists applier state.
type StateStore interface {
	ledger.Source
	LoadState() (State, error)
	SaveState(c Change) error
}

// MemoryStateStore keeps state in memory. It is meant for tests.
type MemoryStateStore struct {
	mu     sync.Mutex
	state  State
	ledger map[session.GlobalSession]ledger.Record

	// FailSave makes the next SaveState return this error, once.
	FailSave error
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		state:  State{NextIDs: make(map[uint32]uint64)},
		ledger: make(map[session.GlobalSession]ledger.Record),
	}
}

func (s *MemoryStateStore) LoadState() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	st.NextIDs = maps.Clone(s.state.NextIDs)
	return st, nil
}

func (s *MemoryStateStore) LoadLedger(fn func(session.GlobalSession, ledger.Record) error) error {
	s.mu.Lock()
	recs := maps.Clone(s.ledger)
	s.mu.Unlock()

	for sess, rec := range recs {
		if err := fn(sess, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStateStore) SaveState(c Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.FailSave; err != nil {
		s.FailSave = nil
		return err
	}
	s.state.LastApplied = c.LastApplied
	if c.LockToken != nil {
		s.state.LockToken = *c.LockToken
	}
	maps.Copy(s.state.NextIDs, c.NextIDs)
	maps.Copy(s.ledger, c.Ledger)
	return nil
}

// SetFailSave arms FailSave under the store lock.
func (s *MemoryStateStore) SetFailSave(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailSave = err
}
