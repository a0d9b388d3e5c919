package raft

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"coredb/pkg/consensus"
	"coredb/pkg/content"
	"coredb/pkg/dberrors"
	"coredb/pkg/types"

	"github.com/stretchr/testify/require"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// network wires raft cores together and delivers their outboxes
// synchronously, so every test is deterministic.
type network struct {
	t        *testing.T
	members  map[types.MemberID]*raft
	storages map[types.MemberID]*MemoryStorage
	ids      []types.MemberID
	cut      map[[2]types.MemberID]bool
}

func newNetwork(t *testing.T, size int) *network {
	t.Helper()
	nw := &network{
		t:        t,
		members:  make(map[types.MemberID]*raft, size),
		storages: make(map[types.MemberID]*MemoryStorage, size),
		cut:      make(map[[2]types.MemberID]bool),
	}
	for i := 1; i <= size; i++ {
		nw.ids = append(nw.ids, types.MemberID(i))
	}
	for _, id := range nw.ids {
		nw.storages[id] = NewMemoryStorage()
		nw.members[id] = nw.newMember(id, 0)
	}
	return nw
}

func (nw *network) newMember(id types.MemberID, applied types.LogIndex) *raft {
	nw.t.Helper()
	cfg := Config{
		ID:            id,
		Voters:        nw.ids,
		ElectionTick:  10,
		HeartbeatTick: 1,
		Applied:       applied,
		CheckQuorum:   true,
		Seed:          int64(id),
		Logger:        discardLogger,
	}
	r, err := newRaft(&cfg, nw.storages[id])
	require.NoError(nw.t, err)
	return r
}

// restart rebuilds a member from its storage, as after a crash.
func (nw *network) restart(id types.MemberID, applied types.LogIndex) {
	nw.members[id] = nw.newMember(id, applied)
}

// partition cuts every link between the two groups.
func (nw *network) partition(a, b []types.MemberID) {
	for _, x := range a {
		for _, y := range b {
			nw.cut[[2]types.MemberID{x, y}] = true
			nw.cut[[2]types.MemberID{y, x}] = true
		}
	}
}

func (nw *network) heal() {
	nw.cut = make(map[[2]types.MemberID]bool)
}

// deliver runs until no member has anything left to send.
func (nw *network) deliver() {
	nw.t.Helper()
	for round := 0; ; round++ {
		require.Less(nw.t, round, 1000, "network did not settle")
		sent := false
		for _, from := range nw.ids {
			sender := nw.members[from]
			for _, env := range sender.drainOutbox() {
				sent = true
				if nw.cut[[2]types.MemberID{from, env.to}] {
					continue
				}
				target := nw.members[env.to]
				if env.vote != nil {
					resp, err := target.handleRequestVote(*env.vote)
					require.NoError(nw.t, err)
					require.NoError(nw.t, sender.handleRequestVoteResponse(env.to, *env.vote, resp))
					continue
				}
				resp, err := target.handleAppendEntries(*env.append)
				require.NoError(nw.t, err)
				require.NoError(nw.t, sender.handleAppendEntriesResponse(env.to, *env.append, resp))
			}
		}
		if !sent {
			return
		}
	}
}

func (nw *network) elect(id types.MemberID) *raft {
	nw.t.Helper()
	r := nw.members[id]
	require.NoError(nw.t, r.campaign())
	nw.deliver()
	require.Equal(nw.t, consensus.Leader, r.role, "member %d did not win", id)
	return r
}

func (nw *network) tickAll(ids []types.MemberID, n int) {
	nw.t.Helper()
	for i := 0; i < n; i++ {
		for _, id := range ids {
			require.NoError(nw.t, nw.members[id].tick())
		}
		nw.deliver()
	}
}

func (nw *network) propose(id types.MemberID, data string) (types.LogIndex, error) {
	index, _, err := nw.members[id].propose([]byte(data))
	nw.deliver()
	return index, err
}

func (nw *network) leaders() []types.MemberID {
	var out []types.MemberID
	for _, id := range nw.ids {
		if nw.members[id].role == consensus.Leader {
			out = append(out, id)
		}
	}
	return out
}

func entryData(entries []consensus.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if c, err := content.Unmarshal(e.Data); err == nil && c.Tag() == content.TagNewLeaderBarrier {
			continue
		}
		out = append(out, string(e.Data))
	}
	return out
}

func TestElection_LeaderAndFollowers(t *testing.T) {
	nw := newNetwork(t, 3)
	leader := nw.elect(1)

	require.Equal(t, types.Term(1), leader.term)
	for _, id := range []types.MemberID{2, 3} {
		r := nw.members[id]
		require.Equal(t, consensus.Follower, r.role)
		require.Equal(t, types.MemberID(1), r.leader)
		require.Equal(t, types.MemberID(1), r.vote)
		require.Equal(t, HardState{Term: 1, Vote: 1}, nw.storages[id].HardState())
	}
	// the barrier of term 1 is committed everywhere
	for _, id := range nw.ids {
		require.Equal(t, types.LogIndex(1), nw.members[id].commitIndex)
	}
}

func TestElection_TimeoutStartsCampaign(t *testing.T) {
	nw := newNetwork(t, 3)
	nw.tickAll(nw.ids, 60)

	require.Len(t, nw.leaders(), 1)
	leader := nw.members[nw.leaders()[0]]
	for _, id := range nw.ids {
		require.Equal(t, leader.term, nw.members[id].term)
		require.Equal(t, leader.id, nw.members[id].leader)
	}
}

func TestElection_HeartbeatsSuppressCampaign(t *testing.T) {
	nw := newNetwork(t, 3)
	nw.elect(1)

	nw.tickAll(nw.ids, 100)
	require.Equal(t, []types.MemberID{1}, nw.leaders())
	require.Equal(t, types.Term(1), nw.members[2].term)
}

func TestVote_OneVotePerTerm(t *testing.T) {
	nw := newNetwork(t, 3)
	voter := nw.members[3]

	resp, err := voter.handleRequestVote(RequestVoteRequest{Term: 1, CandidateID: 1})
	require.NoError(t, err)
	require.True(t, resp.Granted)

	resp, err = voter.handleRequestVote(RequestVoteRequest{Term: 1, CandidateID: 2})
	require.NoError(t, err)
	require.False(t, resp.Granted)

	// repeated request from the same candidate is granted again
	resp, err = voter.handleRequestVote(RequestVoteRequest{Term: 1, CandidateID: 1})
	require.NoError(t, err)
	require.True(t, resp.Granted)

	// a new term frees the vote
	resp, err = voter.handleRequestVote(RequestVoteRequest{Term: 2, CandidateID: 2})
	require.NoError(t, err)
	require.True(t, resp.Granted)
	require.Equal(t, HardState{Term: 2, Vote: 2}, nw.storages[3].HardState())
}

func TestVote_RejectsStaleTerm(t *testing.T) {
	nw := newNetwork(t, 3)
	nw.elect(1)
	nw.elect(2)

	resp, err := nw.members[3].handleRequestVote(RequestVoteRequest{Term: 1, CandidateID: 1, LastLogIndex: 100, LastLogTerm: 1})
	require.NoError(t, err)
	require.False(t, resp.Granted)
	require.Equal(t, types.Term(2), resp.Term)
}

func TestVote_RequiresUpToDateLog(t *testing.T) {
	nw := newNetwork(t, 3)
	nw.elect(1)
	_, err := nw.propose(1, "a")
	require.NoError(t, err)

	voter := nw.members[2]
	last, lastTerm := voter.log.lastIndex(), voter.log.lastTerm()

	cases := []struct {
		name    string
		index   types.LogIndex
		term    types.Term
		granted bool
	}{
		{"shorter log same term", last - 1, lastTerm, false},
		{"older last term", last + 5, lastTerm - 1, false},
		{"equal log", last, lastTerm, true},
		{"newer last term", 1, lastTerm + 1, true},
		{"longer log same term", last + 1, lastTerm, true},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			term := types.Term(10 + i)
			resp, err := voter.handleRequestVote(RequestVoteRequest{
				Term:         term,
				CandidateID:  3,
				LastLogIndex: tc.index,
				LastLogTerm:  tc.term,
			})
			require.NoError(t, err)
			require.Equal(t, tc.granted, resp.Granted)
			require.Equal(t, term, voter.term)
		})
	}
}

func TestElection_StaleCandidateCannotWin(t *testing.T) {
	nw := newNetwork(t, 3)
	nw.elect(1)

	nw.partition([]types.MemberID{3}, []types.MemberID{1, 2})
	_, err := nw.propose(1, "committed without 3")
	require.NoError(t, err)
	require.Equal(t, types.LogIndex(2), nw.members[1].commitIndex)

	nw.heal()
	require.NoError(t, nw.members[3].campaign())
	nw.deliver()

	require.NotEqual(t, consensus.Leader, nw.members[3].role)
	// the committed entry survives whoever wins next
	nw.tickAll([]types.MemberID{1, 2}, 40)
	require.Len(t, nw.leaders(), 1)
	for _, id := range nw.ids {
		require.Contains(t, entryData(nw.members[id].log.entries), "committed without 3")
	}
}

func TestReplication_CommitsOnMajority(t *testing.T) {
	nw := newNetwork(t, 3)
	nw.elect(1)

	for i := 0; i < 5; i++ {
		_, err := nw.propose(1, fmt.Sprintf("tx-%d", i))
		require.NoError(t, err)
	}

	want := []string{"tx-0", "tx-1", "tx-2", "tx-3", "tx-4"}
	for _, id := range nw.ids {
		r := nw.members[id]
		require.Equal(t, types.LogIndex(6), r.commitIndex, "member %d", id)
		require.Equal(t, want, entryData(r.committedSince(0)))
	}
}

func TestReplication_MinorityCannotCommit(t *testing.T) {
	nw := newNetwork(t, 3)
	nw.elect(1)
	nw.partition([]types.MemberID{1}, []types.MemberID{2, 3})

	index, err := nw.propose(1, "lonely")
	require.NoError(t, err)
	require.Equal(t, types.LogIndex(2), index)
	require.Equal(t, types.LogIndex(1), nw.members[1].commitIndex)
}

func TestPropose_NotLeader(t *testing.T) {
	nw := newNetwork(t, 3)
	nw.elect(1)

	_, err := nw.propose(2, "x")
	var nl *dberrors.NotLeaderError
	require.ErrorAs(t, err, &nl)
	require.Equal(t, types.MemberID(1), nl.LeaderID)
	require.ErrorIs(t, err, dberrors.ErrNotLeader)
}

// A leader isolated with a minority keeps accepting proposals that never
// commit; the majority elects a new leader and keeps committing; after the
// partition heals the old leader drops its uncommitted suffix.
func TestPartition_MinorityLeaderReconciles(t *testing.T) {
	nw := newNetwork(t, 5)
	nw.elect(4)
	_, err := nw.propose(4, "before")
	require.NoError(t, err)

	minority, majority := []types.MemberID{4, 5}, []types.MemberID{1, 2, 3}
	nw.partition(minority, majority)

	for i := 0; i < 3; i++ {
		_, err := nw.propose(4, fmt.Sprintf("minority-%d", i))
		require.NoError(t, err)
	}
	require.Equal(t, types.LogIndex(2), nw.members[4].commitIndex)
	require.Equal(t, types.LogIndex(2), nw.members[5].commitIndex)

	nw.elect(1)
	for i := 0; i < 2; i++ {
		_, err := nw.propose(1, fmt.Sprintf("majority-%d", i))
		require.NoError(t, err)
	}
	require.Equal(t, types.LogIndex(5), nw.members[1].commitIndex)

	// minority leader still has no majority
	nw.tickAll(minority, 30)
	require.Equal(t, types.LogIndex(2), nw.members[4].commitIndex)

	nw.heal()
	nw.tickAll(nw.ids, 100)

	require.Len(t, nw.leaders(), 1)
	leader := nw.members[nw.leaders()[0]]
	want := entryData(leader.committedSince(0))
	require.Equal(t, []string{"before", "majority-0", "majority-1"}, want)
	for _, id := range nw.ids {
		r := nw.members[id]
		require.Equal(t, leader.log.lastIndex(), r.log.lastIndex(), "member %d", id)
		require.Equal(t, want, entryData(r.committedSince(0)), "member %d", id)
		require.NotContains(t, entryData(r.log.entries), "minority-0")
	}
}

func TestCheckQuorum_LeaderStepsDown(t *testing.T) {
	nw := newNetwork(t, 3)
	nw.elect(1)
	nw.partition([]types.MemberID{1}, []types.MemberID{2, 3})

	nw.tickAll([]types.MemberID{1}, 2*nw.members[1].electionTimeout)
	require.Equal(t, consensus.Follower, nw.members[1].role)
	require.Equal(t, types.None, nw.members[1].leader)
}

func TestCommit_OnlyCurrentTermByCounting(t *testing.T) {
	nw := newNetwork(t, 3)
	r := nw.members[1]
	require.NoError(t, nw.storages[1].Append([]consensus.Entry{{Index: 1, Term: 1}, {Index: 2, Term: 2}}))
	r.log = newRaftLog([]consensus.Entry{{Index: 1, Term: 1}, {Index: 2, Term: 2}})

	r.term = 3
	r.role = consensus.Leader
	r.matchIndex = map[types.MemberID]types.LogIndex{1: 2, 2: 2, 3: 0}
	require.False(t, r.maybeCommit())
	require.Equal(t, types.LogIndex(0), r.commitIndex)

	r.log.truncateAndAppend([]consensus.Entry{{Index: 3, Term: 3}})
	r.matchIndex = map[types.MemberID]types.LogIndex{1: 3, 2: 3, 3: 0}
	require.True(t, r.maybeCommit())
	require.Equal(t, types.LogIndex(3), r.commitIndex)
}

func TestAppendEntries_MismatchHint(t *testing.T) {
	nw := newNetwork(t, 3)
	f := nw.members[2]

	resp, err := f.handleAppendEntries(AppendEntriesRequest{Term: 1, LeaderID: 1, PrevLogIndex: 5, PrevLogTerm: 1})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, types.LogIndex(0), resp.MatchIndex)

	resp, err = f.handleAppendEntries(AppendEntriesRequest{
		Term:         1,
		LeaderID:     1,
		Entries:      []consensus.Entry{{Index: 1, Term: 1, Data: []byte("a")}, {Index: 2, Term: 1, Data: []byte("b")}},
		LeaderCommit: 1,
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, types.LogIndex(2), resp.MatchIndex)
	require.Equal(t, types.LogIndex(1), f.commitIndex)

	// a stale, shorter append does not truncate
	resp, err = f.handleAppendEntries(AppendEntriesRequest{
		Term:     1,
		LeaderID: 1,
		Entries:  []consensus.Entry{{Index: 1, Term: 1, Data: []byte("a")}},
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, types.LogIndex(2), f.log.lastIndex())

	resp, err = f.handleAppendEntries(AppendEntriesRequest{Term: 2, LeaderID: 3, PrevLogIndex: 2, PrevLogTerm: 2})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, types.LogIndex(1), resp.MatchIndex)
	require.Equal(t, types.MemberID(3), f.leader)
}

func TestAppendEntries_StaleRetransmitKeepsCommit(t *testing.T) {
	nw := newNetwork(t, 3)
	f := nw.members[2]

	first := AppendEntriesRequest{
		Term:         1,
		LeaderID:     1,
		Entries:      []consensus.Entry{{Index: 1, Term: 1, Data: []byte("a")}, {Index: 2, Term: 1, Data: []byte("b")}},
		LeaderCommit: 5,
	}
	_, err := f.handleAppendEntries(first)
	require.NoError(t, err)
	require.Equal(t, types.LogIndex(2), f.commitIndex)

	_, err = f.handleAppendEntries(AppendEntriesRequest{
		Term:         1,
		LeaderID:     1,
		PrevLogIndex: 2,
		PrevLogTerm:  1,
		Entries:      []consensus.Entry{{Index: 3, Term: 1, Data: []byte("c")}, {Index: 4, Term: 1, Data: []byte("d")}},
		LeaderCommit: 5,
	})
	require.NoError(t, err)
	require.Equal(t, types.LogIndex(4), f.commitIndex)

	// the first request arrives again, late
	resp, err := f.handleAppendEntries(first)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, types.LogIndex(4), f.commitIndex)
	require.Equal(t, types.LogIndex(4), f.log.lastIndex())
	require.Equal(t, types.LogIndex(4), f.status().CommitIndex)
}

func TestAppendEntries_CommittedOverwriteIsError(t *testing.T) {
	nw := newNetwork(t, 3)
	f := nw.members[2]

	_, err := f.handleAppendEntries(AppendEntriesRequest{
		Term:         1,
		LeaderID:     1,
		Entries:      []consensus.Entry{{Index: 1, Term: 1, Data: []byte("a")}, {Index: 2, Term: 1, Data: []byte("b")}},
		LeaderCommit: 2,
	})
	require.NoError(t, err)
	require.Equal(t, types.LogIndex(2), f.commitIndex)

	// a faulty leader rewrites committed index 2
	_, err = f.handleAppendEntries(AppendEntriesRequest{
		Term:         2,
		LeaderID:     3,
		PrevLogIndex: 1,
		PrevLogTerm:  1,
		Entries:      []consensus.Entry{{Index: 2, Term: 2, Data: []byte("x")}},
		LeaderCommit: 2,
	})
	var mismatch *dberrors.LogMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, types.LogIndex(2), mismatch.Index)
	require.Equal(t, []string{"a", "b"}, entryData(f.committedSince(0)))
	require.Equal(t, []string{"a", "b"}, entryData(nw.storages[2].entries))
}

func TestRestart_RecoversHardStateAndLog(t *testing.T) {
	nw := newNetwork(t, 3)
	nw.elect(1)
	for i := 0; i < 3; i++ {
		_, err := nw.propose(1, fmt.Sprintf("tx-%d", i))
		require.NoError(t, err)
	}

	before := nw.members[2]
	nw.restart(2, 2)
	after := nw.members[2]

	require.Equal(t, before.term, after.term)
	require.Equal(t, before.vote, after.vote)
	require.Equal(t, before.log.entries, after.log.entries)
	require.Equal(t, types.LogIndex(2), after.commitIndex)
	require.Equal(t, consensus.Follower, after.role)

	nw.tickAll(nw.ids, 3)
	require.Equal(t, types.LogIndex(4), after.commitIndex)
}

func TestDurabilityFailure_Propose(t *testing.T) {
	nw := newNetwork(t, 3)
	nw.elect(1)

	nw.storages[1].FailAppend = errors.New("disk full")
	_, _, err := nw.members[1].propose([]byte("x"))
	require.ErrorIs(t, err, dberrors.ErrDurability)
	require.Equal(t, types.LogIndex(1), nw.members[1].log.lastIndex())
}

func TestSingleMember_CommitsImmediately(t *testing.T) {
	nw := newNetwork(t, 1)
	nw.elect(1)

	index, err := nw.propose(1, "solo")
	require.NoError(t, err)
	require.Equal(t, types.LogIndex(2), index)
	require.Equal(t, types.LogIndex(2), nw.members[1].commitIndex)
}

func TestNewRaft_AppliedPastLog(t *testing.T) {
	s := NewMemoryStorage()
	cfg := Config{ID: 1, Voters: []types.MemberID{1}, Applied: 3, Logger: discardLogger}
	_, err := newRaft(&cfg, s)
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	cases := map[string]Config{
		"zero id":              {ID: 0, Voters: []types.MemberID{1}},
		"not a voter":          {ID: 4, Voters: []types.MemberID{1, 2}},
		"duplicate voter":      {ID: 1, Voters: []types.MemberID{1, 1}},
		"slow election ticker": {ID: 1, Voters: []types.MemberID{1}, ElectionTick: 2, HeartbeatTick: 2},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			require.Error(t, cfg.validate())
		})
	}
}
