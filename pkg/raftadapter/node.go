// Package raftadapter runs go.etcd.io/etcd/raft/v3 behind consensus.Engine.
//
// Every member starts from the same bootstrap entry at index 1, which holds
// the voter configuration as an etcd snapshot and is delivered to the state
// machine as a leader barrier. Proposals are prefixed with a random id so the
// leader can tell which appended entry belongs to which Propose call.
package raftadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"coredb/pkg/consensus"
	"coredb/pkg/content"
	"coredb/pkg/dberrors"
	coreraft "coredb/pkg/raft"
	"coredb/pkg/types"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	bootstrapIndex types.LogIndex = 1
	bootstrapTerm  types.Term     = 1

	idLen = len(uuid.UUID{})
)

type iTransport interface {
	Send(msg raftpb.Message) error
}

type proposed struct {
	index types.LogIndex
	term  types.Term
}

type Node struct {
	ID types.MemberID

	// Clock drives the ticker. Replace before Run.
	Clock clock.Clock

	underlying   raft.Node
	mem          *raft.MemoryStorage
	storage      coreraft.Storage
	transport    iTransport
	observer     consensus.AppendObserver
	tickInterval time.Duration
	logger       *slog.Logger

	committedc chan []consensus.Entry
	pending    []consensus.Entry
	lastIndex  types.LogIndex

	proposalsMu sync.Mutex
	proposals   map[uuid.UUID]chan proposed

	status   atomic.Pointer[consensus.Status]
	done     chan struct{}
	stopOnce sync.Once
}

var _ consensus.Engine = (*Node)(nil)

// NewNode restores the member from storage, which holds the log in the same
// format the native engine uses. observer may be nil.
func NewNode(cfg Config, storage coreraft.Storage, transport iTransport, observer consensus.AppendObserver) (*Node, error) {
	cfg.setDefaults()
	if cfg.ID == types.None || !slices.Contains(cfg.Voters, cfg.ID) {
		return nil, fmt.Errorf("%w: member %d is not in voters %v", dberrors.ErrInvalidArgument, cfg.ID, cfg.Voters)
	}

	hs, entries, err := storage.InitialState()
	if err != nil {
		return nil, dberrors.DurabilityFailure("load log", err)
	}
	if len(entries) == 0 {
		boot, err := bootstrapEntry()
		if err != nil {
			return nil, err
		}
		if err := storage.Append([]consensus.Entry{boot}); err != nil {
			return nil, dberrors.DurabilityFailure("write bootstrap entry", err)
		}
		entries = []consensus.Entry{boot}
	}
	if entries[0].Index != bootstrapIndex || entries[0].Term != bootstrapTerm {
		return nil, fmt.Errorf("log does not start with the bootstrap entry (index %d term %d)", entries[0].Index, entries[0].Term)
	}

	voters := make([]uint64, 0, len(cfg.Voters))
	for _, v := range cfg.Voters {
		voters = append(voters, uint64(v))
	}
	mem := raft.NewMemoryStorage()
	err = mem.ApplySnapshot(raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{
		ConfState: raftpb.ConfState{Voters: voters},
		Index:     uint64(bootstrapIndex),
		Term:      uint64(bootstrapTerm),
	}})
	if err != nil {
		return nil, fmt.Errorf("apply bootstrap snapshot: %w", err)
	}
	if err := mem.Append(toPB(entries[1:])); err != nil {
		return nil, fmt.Errorf("load log into raft storage: %w", err)
	}

	last := entries[len(entries)-1].Index
	commit := min(max(cfg.Applied, bootstrapIndex), last)
	term := max(hs.Term, bootstrapTerm)
	err = mem.SetHardState(raftpb.HardState{Term: uint64(term), Vote: uint64(hs.Vote), Commit: uint64(commit)})
	if err != nil {
		return nil, fmt.Errorf("set hard state: %w", err)
	}

	n := &Node{
		ID:           cfg.ID,
		Clock:        clock.New(),
		underlying:   raft.RestartNode(toRaftConfig(&cfg, mem, commit)),
		mem:          mem,
		storage:      storage,
		transport:    transport,
		observer:     observer,
		tickInterval: cfg.TickInterval,
		logger:       cfg.Logger,
		committedc:   make(chan []consensus.Entry, 16),
		lastIndex:    last,
		proposals:    make(map[uuid.UUID]chan proposed),
		done:         make(chan struct{}),
	}
	if cfg.Applied < bootstrapIndex {
		n.pending = append(n.pending, n.toCommitted(entries[0]))
	}
	if observer != nil {
		observer.Observe(n.stripAll(entries))
	}
	n.status.Store(&consensus.Status{
		ID:          cfg.ID,
		Role:        consensus.Follower,
		Term:        term,
		CommitIndex: commit,
		LastIndex:   last,
	})

	n.logger.Info("etcd raft member restored", "id", cfg.ID, "voters", cfg.Voters,
		"term", term, "last_index", last, "applied", cfg.Applied)
	return n, nil
}

func bootstrapEntry() (consensus.Entry, error) {
	data, err := content.Marshal(&content.NewLeaderBarrier{})
	if err != nil {
		return consensus.Entry{}, err
	}
	return consensus.Entry{Index: bootstrapIndex, Term: bootstrapTerm, Data: data}, nil
}

func (n *Node) Committed() <-chan []consensus.Entry {
	return n.committedc
}

func (n *Node) Status() consensus.Status {
	return *n.status.Load()
}

func (n *Node) IsLeader() bool {
	return n.Status().Role == consensus.Leader
}

// Run drives the member until ctx is done, Stop is called, or persisting
// state fails. Committed() is closed when Run returns.
func (n *Node) Run(ctx context.Context) error {
	defer close(n.committedc)

	ticker := n.Clock.Ticker(n.tickInterval)
	defer ticker.Stop()

	for {
		var (
			out   chan<- []consensus.Entry
			batch []consensus.Entry
		)
		if len(n.pending) > 0 {
			out, batch = n.committedc, n.pending
		}

		select {
		case <-ctx.Done():
			_ = n.Stop()
			return ctx.Err()
		case <-n.done:
			return nil
		case <-ticker.C:
			n.underlying.Tick()
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(rd); err != nil {
				n.logger.Error("critical: member stops participating", "error", err)
				_ = n.Stop()
				return err
			}
		case out <- batch:
			n.pending = nil
		}
	}
}

func (n *Node) handleReady(rd raft.Ready) error {
	if !raft.IsEmptySnap(rd.Snapshot) {
		return fmt.Errorf("snapshot at index %d received, snapshots are not supported", rd.Snapshot.Metadata.Index)
	}

	if !raft.IsEmptyHardState(rd.HardState) {
		hs := coreraft.HardState{Term: types.Term(rd.HardState.Term), Vote: types.MemberID(rd.HardState.Vote)}
		if err := n.storage.SetHardState(hs); err != nil {
			return dberrors.DurabilityFailure("persist hard state", err)
		}
		if err := n.mem.SetHardState(rd.HardState); err != nil {
			return fmt.Errorf("set hard state: %w", err)
		}
	}

	if len(rd.Entries) > 0 {
		entries := fromPB(rd.Entries)
		if err := n.storage.Append(entries); err != nil {
			return dberrors.DurabilityFailure("append log", err)
		}
		if err := n.mem.Append(rd.Entries); err != nil {
			return fmt.Errorf("append entries: %w", err)
		}
		n.lastIndex = entries[len(entries)-1].Index
		n.resolveProposals(entries)
		if n.observer != nil {
			n.observer.Observe(n.stripAll(entries))
		}
	}

	n.sendMessages(rd.Messages)

	for _, e := range rd.CommittedEntries {
		if e.Type != raftpb.EntryNormal {
			n.logger.Warn("unexpected configuration entry committed", "index", e.Index, "type", e.Type)
		}
		n.pending = append(n.pending, n.toCommitted(fromPBEntry(e)))
	}

	n.publishStatus(rd)
	n.underlying.Advance()
	return nil
}

func (n *Node) resolveProposals(entries []consensus.Entry) {
	n.proposalsMu.Lock()
	defer n.proposalsMu.Unlock()

	if len(n.proposals) == 0 {
		return
	}
	for _, e := range entries {
		if len(e.Data) < idLen {
			continue
		}
		id := uuid.UUID(e.Data[:idLen])
		if ch, ok := n.proposals[id]; ok {
			ch <- proposed{index: e.Index, term: e.Term}
			delete(n.proposals, id)
		}
	}
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == uint64(n.ID) {
			continue
		}

		go func(m raftpb.Message) {
			if err := n.transport.Send(m); err != nil {
				n.underlying.ReportUnreachable(m.To)
				n.logger.Debug("failed to send raft message",
					"from", m.From,
					"to", m.To,
					"type", m.Type,
					"error", err)
			}
		}(msg)
	}
}

func (n *Node) publishStatus(rd raft.Ready) {
	st := *n.status.Load()
	if rd.SoftState != nil {
		st.Leader = types.MemberID(rd.SoftState.Lead)
		switch rd.SoftState.RaftState {
		case raft.StateLeader:
			st.Role = consensus.Leader
		case raft.StateCandidate, raft.StatePreCandidate:
			st.Role = consensus.Candidate
		default:
			st.Role = consensus.Follower
		}
	}
	if !raft.IsEmptyHardState(rd.HardState) {
		st.Term = types.Term(rd.HardState.Term)
		st.CommitIndex = types.LogIndex(rd.HardState.Commit)
	}
	st.LastIndex = n.lastIndex
	n.status.Store(&st)
}

// Propose appends data on the leader and waits until the entry holding it
// is appended locally.
func (n *Node) Propose(ctx context.Context, data []byte) (types.LogIndex, types.Term, error) {
	if st := n.Status(); st.Role != consensus.Leader {
		return 0, 0, &dberrors.NotLeaderError{LeaderID: st.Leader}
	}

	id := uuid.New()
	ch := make(chan proposed, 1)

	n.proposalsMu.Lock()
	n.proposals[id] = ch
	n.proposalsMu.Unlock()

	defer func() {
		n.proposalsMu.Lock()
		delete(n.proposals, id)
		n.proposalsMu.Unlock()
	}()

	buf := make([]byte, 0, idLen+len(data))
	buf = append(buf, id[:]...)
	buf = append(buf, data...)

	if err := n.underlying.Propose(ctx, buf); err != nil {
		switch {
		case errors.Is(err, raft.ErrStopped):
			return 0, 0, dberrors.ErrStopped
		case errors.Is(err, raft.ErrProposalDropped):
			if st := n.Status(); st.Role != consensus.Leader {
				return 0, 0, &dberrors.NotLeaderError{LeaderID: st.Leader}
			}
			return 0, 0, dberrors.ErrProposalDropped
		}
		return 0, 0, fmt.Errorf("propose: %w", err)
	}

	select {
	case p := <-ch:
		return p.index, p.term, nil
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	case <-n.done:
		return 0, 0, dberrors.ErrStopped
	}
}

// Handle steps a message received from another member.
func (n *Node) Handle(ctx context.Context, msg raftpb.Message) error {
	select {
	case <-n.done:
		return dberrors.ErrStopped
	default:
	}
	return n.underlying.Step(ctx, msg)
}

func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		n.logger.Info("stopping etcd raft member", "id", n.ID)
		close(n.done)
		n.underlying.Stop()
	})
	return nil
}

// toCommitted strips the proposal id, and turns the empty entry a new etcd
// leader appends into a barrier.
func (n *Node) toCommitted(e consensus.Entry) consensus.Entry {
	e.Data = n.strip(e)
	return e
}

var barrierData = func() []byte {
	data, _ := content.Marshal(&content.NewLeaderBarrier{})
	return data
}()

func (n *Node) strip(e consensus.Entry) []byte {
	switch {
	case e.Index == bootstrapIndex:
		return e.Data
	case len(e.Data) == 0:
		return barrierData
	case len(e.Data) < idLen:
		n.logger.Warn("entry too short for a proposal id", "index", e.Index, "len", len(e.Data))
		return e.Data
	default:
		return e.Data[idLen:]
	}
}

func (n *Node) stripAll(entries []consensus.Entry) []consensus.Entry {
	out := make([]consensus.Entry, len(entries))
	for i, e := range entries {
		out[i] = n.toCommitted(e)
	}
	return out
}

func fromPBEntry(e raftpb.Entry) consensus.Entry {
	return consensus.Entry{Index: types.LogIndex(e.Index), Term: types.Term(e.Term), Data: e.Data}
}

func fromPB(entries []raftpb.Entry) []consensus.Entry {
	out := make([]consensus.Entry, len(entries))
	for i, e := range entries {
		out[i] = fromPBEntry(e)
	}
	return out
}

func toPB(entries []consensus.Entry) []raftpb.Entry {
	out := make([]raftpb.Entry, len(entries))
	for i, e := range entries {
		out[i] = raftpb.Entry{Type: raftpb.EntryNormal, Index: uint64(e.Index), Term: uint64(e.Term), Data: e.Data}
	}
	return out
}
