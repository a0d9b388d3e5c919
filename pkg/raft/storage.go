package raft

import (
	"fmt"
	"sync"

	"coredb/pkg/consensus"
	"coredb/pkg/types"
)

// HardState is the part of member state that must survive a crash before
// the member answers any RPC that depends on it.
type HardState struct {
	Term types.Term     `json:"term"`
	Vote types.MemberID `json:"vote"`
}

// Storage persists hard state and log entries. Every call must be durable
// when it returns.
type Storage interface {
	// InitialState returns the persisted hard state and the whole log.
	InitialState() (HardState, []consensus.Entry, error)
	SetHardState(hs HardState) error
	// Append stores entries, which are contiguous. Existing entries at or
	// after entries[0].Index are discarded first.
	Append(entries []consensus.Entry) error
}

// MemoryStorage keeps everything in memory. It is meant for tests.
type MemoryStorage struct {
	mu      sync.Mutex
	hs      HardState
	entries []consensus.Entry

	// FailAppend makes the next Append return this error, once.
	FailAppend error
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) InitialState() (HardState, []consensus.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]consensus.Entry, len(s.entries))
	copy(out, s.entries)
	return s.hs, out, nil
}

func (s *MemoryStorage) SetHardState(hs HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hs = hs
	return nil
}

func (s *MemoryStorage) Append(entries []consensus.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.FailAppend; err != nil {
		s.FailAppend = nil
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	first := entries[0].Index
	if first == 0 || uint64(first) > uint64(len(s.entries))+1 {
		return fmt.Errorf("append at %d leaves a gap after %d", first, len(s.entries))
	}
	s.entries = append(s.entries[:first-1], entries...)
	return nil
}

// HardState returns the last persisted hard state.
func (s *MemoryStorage) HardState() HardState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hs
}
