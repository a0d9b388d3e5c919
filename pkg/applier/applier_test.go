package applier

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"coredb/pkg/consensus"
	"coredb/pkg/content"
	"coredb/pkg/dberrors"
	"coredb/pkg/ledger"
	"coredb/pkg/session"
	"coredb/pkg/types"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type commit struct {
	index   types.LogIndex
	payload string
}

// fakeStorage records every commit it receives.
type fakeStorage struct {
	mu        sync.Mutex
	commits   []commit
	last      types.LogIndex
	failAfter int
	failErr   error
}

func (s *fakeStorage) Commit(_ context.Context, index types.LogIndex, payload []byte) (types.TxID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil && len(s.commits) >= s.failAfter {
		return 0, s.failErr
	}
	s.commits = append(s.commits, commit{index: index, payload: string(payload)})
	s.last = index
	return types.TxID(len(s.commits)), nil
}

func (s *fakeStorage) LastCommittedIndex() types.LogIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *fakeStorage) committed() []commit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]commit(nil), s.commits...)
}

type harness struct {
	t        *testing.T
	applier  *Applier
	storage  *fakeStorage
	state    *MemoryStateStore
	in       chan []consensus.Entry
	outcomes chan Outcome
	failures chan error
	runErr   chan error
}

func newHarness(t *testing.T, storage *fakeStorage, state *MemoryStateStore) *harness {
	t.Helper()
	l, err := ledger.Open(state)
	require.NoError(t, err)

	h := &harness{
		t:        t,
		storage:  storage,
		state:    state,
		in:       make(chan []consensus.Entry),
		outcomes: make(chan Outcome, 128),
		failures: make(chan error, 1),
		runErr:   make(chan error, 1),
	}
	h.applier, err = New(Config{
		Storage:   storage,
		State:     state,
		Ledger:    l,
		Notify:    func(o Outcome) { h.outcomes <- o },
		OnFailure: func(err error) { h.failures <- err },
		Logger:    testLogger,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.runErr <- h.applier.Run(ctx, h.in) }()
	t.Cleanup(cancel)
	return h
}

func (h *harness) feed(entries ...consensus.Entry) {
	h.t.Helper()
	select {
	case h.in <- entries:
	case <-h.applier.Done():
		h.t.Fatalf("applier stopped: %v", h.applier.Err())
	case <-time.After(time.Second):
		h.t.Fatal("applier did not accept batch")
	}
}

func (h *harness) next() Outcome {
	h.t.Helper()
	select {
	case o := <-h.outcomes:
		return o
	case <-time.After(time.Second):
		h.t.Fatal("no outcome")
		return Outcome{}
	}
}

func (h *harness) apply(entries ...consensus.Entry) []Outcome {
	h.t.Helper()
	h.feed(entries...)
	out := make([]Outcome, 0, len(entries))
	for range entries {
		out = append(out, h.next())
	}
	return out
}

func encode(t *testing.T, c content.Content) []byte {
	t.Helper()
	data, err := content.Marshal(c)
	require.NoError(t, err)
	return data
}

func txEntry(t *testing.T, index types.LogIndex, s session.GlobalSession, seq, prev uint64, payload string) consensus.Entry {
	t.Helper()
	tx := content.NewTransaction([]byte(payload), s, session.LocalOperationID{Seq: seq, Prev: prev})
	return consensus.Entry{Index: index, Term: 1, Data: encode(t, tx)}
}

func barrierEntry(t *testing.T, index types.LogIndex, term types.Term) consensus.Entry {
	t.Helper()
	return consensus.Entry{Index: index, Term: term, Data: encode(t, &content.NewLeaderBarrier{})}
}

// A new operation is committed once and recorded in the ledger.
func TestApplier_NewOperationCommitsOnce(t *testing.T) {
	h := newHarness(t, &fakeStorage{}, NewMemoryStateStore())
	s := session.NewSession(1)

	out := h.apply(txEntry(t, 1, s, 1, 0, "create node"))

	require.Equal(t, StatusApplied, out[0].Status)
	require.Equal(t, types.TxID(1), out[0].TxID)
	require.Equal(t, []commit{{index: 1, payload: "create node"}}, h.storage.committed())
	require.Equal(t, uint64(1), h.applier.Ledger().LastApplied(s))
	require.Equal(t, types.LogIndex(1), h.applier.LastApplied())
}

// A retried operation committed at a later index is skipped.
func TestApplier_DuplicateIsNotCommitted(t *testing.T) {
	h := newHarness(t, &fakeStorage{}, NewMemoryStateStore())
	s := session.NewSession(1)

	out := h.apply(
		txEntry(t, 1, s, 1, 0, "op"),
		barrierEntry(t, 2, 2),
		txEntry(t, 3, s, 1, 0, "op"),
	)

	require.Equal(t, StatusApplied, out[0].Status)
	require.Equal(t, StatusApplied, out[1].Status)
	require.Equal(t, StatusAlreadyApplied, out[2].Status)
	require.Equal(t, out[0].TxID, out[2].TxID)
	require.Len(t, h.storage.committed(), 1)
	require.Equal(t, uint64(1), h.applier.Ledger().LastApplied(s))
	require.Equal(t, 1.0, testutil.ToFloat64(h.applier.metrics.Duplicates))
}

// An operation whose predecessor never applied is skipped with a gap error
// and leaves the ledger untouched.
func TestApplier_SequenceGapRejected(t *testing.T) {
	h := newHarness(t, &fakeStorage{}, NewMemoryStateStore())
	s := session.NewSession(1)

	out := h.apply(
		txEntry(t, 1, s, 1, 0, "first"),
		txEntry(t, 2, s, 3, 2, "skips two"),
		txEntry(t, 3, s, 2, 1, "second"),
	)

	require.Equal(t, StatusApplied, out[0].Status)
	require.Equal(t, StatusRejected, out[1].Status)
	var gap *dberrors.SequenceGapError
	require.ErrorAs(t, out[1].Reason, &gap)
	require.Equal(t, uint64(1), gap.Expected)
	require.Equal(t, uint64(2), gap.Got)
	require.Equal(t, StatusApplied, out[2].Status)

	require.Equal(t, []commit{{1, "first"}, {3, "second"}}, h.storage.committed())
	require.Equal(t, uint64(2), h.applier.Ledger().LastApplied(s))
	require.Equal(t, types.LogIndex(3), h.applier.LastApplied())
}

func TestApplier_LedgerMonotonicAcrossSessions(t *testing.T) {
	h := newHarness(t, &fakeStorage{}, NewMemoryStateStore())
	a, b := session.NewSession(1), session.NewSession(2)

	var entries []consensus.Entry
	index := types.LogIndex(1)
	for seq := uint64(1); seq <= 4; seq++ {
		entries = append(entries, txEntry(t, index, a, seq, seq-1, "a"))
		entries = append(entries, txEntry(t, index+1, b, seq, seq-1, "b"))
		// replays of older ops interleaved with new ones
		entries = append(entries, txEntry(t, index+2, a, 1, 0, "a"))
		index += 3
	}

	seen := map[session.GlobalSession]uint64{}
	for _, e := range entries {
		h.apply(e)
		for _, s := range []session.GlobalSession{a, b} {
			cur := h.applier.Ledger().LastApplied(s)
			require.GreaterOrEqual(t, cur, seen[s])
			seen[s] = cur
		}
	}
	require.Equal(t, uint64(4), seen[a])
	require.Equal(t, uint64(4), seen[b])
	require.Len(t, h.storage.committed(), 8)
}

func TestApplier_RedeliveredIndexesAreIgnored(t *testing.T) {
	h := newHarness(t, &fakeStorage{}, NewMemoryStateStore())
	s := session.NewSession(1)

	h.apply(txEntry(t, 1, s, 1, 0, "x"), txEntry(t, 2, s, 2, 1, "y"))
	out := h.apply(txEntry(t, 3, s, 3, 2, "z"))
	h.feed(txEntry(t, 2, s, 2, 1, "y"), txEntry(t, 3, s, 3, 2, "z"))

	require.Equal(t, types.LogIndex(3), out[0].Index)
	require.Len(t, h.storage.committed(), 3)
	select {
	case o := <-h.outcomes:
		t.Fatalf("unexpected outcome for redelivered index %d", o.Index)
	case <-time.After(50 * time.Millisecond):
	}
}

// Storage committed the transaction but the ledger was not persisted: after
// a restart the entry is recorded without a second commit.
func TestApplier_CrashBetweenCommitAndLedger(t *testing.T) {
	storage := &fakeStorage{}
	state := NewMemoryStateStore()
	s := session.NewSession(1)

	h := newHarness(t, storage, state)
	h.apply(txEntry(t, 1, s, 1, 0, "a"))

	state.SetFailSave(errors.New("power cut"))
	h.feed(txEntry(t, 2, s, 2, 1, "b"))

	select {
	case err := <-h.failures:
		require.ErrorIs(t, err, dberrors.ErrDurability)
	case <-time.After(time.Second):
		t.Fatal("durability failure not reported")
	}
	require.ErrorIs(t, <-h.runErr, dberrors.ErrDurability)
	require.ErrorIs(t, h.applier.Err(), dberrors.ErrDurability)
	require.Len(t, storage.committed(), 2)

	restarted := newHarness(t, storage, state)
	require.Equal(t, types.LogIndex(1), restarted.applier.LastApplied())
	require.Equal(t, uint64(1), restarted.applier.Ledger().LastApplied(s))

	out := restarted.apply(txEntry(t, 2, s, 2, 1, "b"))
	require.Equal(t, StatusApplied, out[0].Status)
	require.Zero(t, out[0].TxID)
	require.Len(t, storage.committed(), 2)
	require.Equal(t, uint64(2), restarted.applier.Ledger().LastApplied(s))

	// later operations commit normally
	out = restarted.apply(txEntry(t, 3, s, 3, 2, "c"))
	require.Equal(t, types.TxID(3), out[0].TxID)
}

func TestApplier_StorageFailureStops(t *testing.T) {
	storage := &fakeStorage{failAfter: 1, failErr: errors.New("disk full")}
	h := newHarness(t, storage, NewMemoryStateStore())
	s := session.NewSession(1)

	h.apply(txEntry(t, 1, s, 1, 0, "ok"))
	h.feed(txEntry(t, 2, s, 2, 1, "fails"))

	err := <-h.runErr
	require.ErrorIs(t, err, dberrors.ErrDurability)
	<-h.applier.Done()
	require.Equal(t, types.LogIndex(1), h.applier.LastApplied())
	require.Equal(t, uint64(1), h.applier.Ledger().LastApplied(s))
}

func TestApplier_IndexGapStops(t *testing.T) {
	h := newHarness(t, &fakeStorage{}, NewMemoryStateStore())
	h.feed(barrierEntry(t, 2, 1))
	require.ErrorIs(t, <-h.runErr, dberrors.ErrDurability)
}

func TestApplier_LockToken(t *testing.T) {
	state := NewMemoryStateStore()
	h := newHarness(t, &fakeStorage{}, state)

	lock := func(index types.LogIndex, owner types.MemberID, candidate uint64) consensus.Entry {
		return consensus.Entry{Index: index, Term: 1, Data: encode(t, &content.LockTokenRequest{Owner: owner, CandidateID: candidate})}
	}
	out := h.apply(lock(1, 2, 1), lock(2, 3, 1), lock(3, 3, 2))

	require.Equal(t, StatusApplied, out[0].Status)
	require.Equal(t, StatusRejected, out[1].Status)
	require.ErrorIs(t, out[1].Reason, ErrLockTokenConflict)
	require.Equal(t, StatusApplied, out[2].Status)
	require.Equal(t, LockToken{Owner: 3, ID: 2}, h.applier.LockToken())

	st, err := state.LoadState()
	require.NoError(t, err)
	require.Equal(t, LockToken{Owner: 3, ID: 2}, st.LockToken)
}

func TestApplier_IDAllocation(t *testing.T) {
	state := NewMemoryStateStore()
	h := newHarness(t, &fakeStorage{}, state)

	alloc := func(index types.LogIndex, idType uint32, start uint64, length uint32) consensus.Entry {
		return consensus.Entry{Index: index, Term: 1, Data: encode(t, &content.IDAllocation{Owner: 1, IDType: idType, RangeStart: start, RangeLength: length})}
	}
	out := h.apply(
		alloc(1, 7, 0, 100),
		alloc(2, 7, 0, 100),
		alloc(3, 7, 100, 50),
		alloc(4, 9, 0, 10),
		alloc(5, 9, 10, 0),
	)

	require.Equal(t, []Status{StatusApplied, StatusRejected, StatusApplied, StatusApplied, StatusRejected},
		[]Status{out[0].Status, out[1].Status, out[2].Status, out[3].Status, out[4].Status})
	require.ErrorIs(t, out[1].Reason, ErrIDRangeConflict)
	require.Equal(t, uint64(150), h.applier.NextID(7))
	require.Equal(t, uint64(10), h.applier.NextID(9))

	st, err := state.LoadState()
	require.NoError(t, err)
	require.Equal(t, map[uint32]uint64{7: 150, 9: 10}, st.NextIDs)
}

func TestApplier_UndecodableEntryAdvances(t *testing.T) {
	h := newHarness(t, &fakeStorage{}, NewMemoryStateStore())

	out := h.apply(consensus.Entry{Index: 1, Term: 1, Data: []byte{0xff}})
	require.Equal(t, StatusRejected, out[0].Status)
	var decodeErr *content.DecodeError
	require.ErrorAs(t, out[0].Reason, &decodeErr)
	require.Equal(t, types.LogIndex(1), h.applier.LastApplied())
}

// Members fed the same committed log end in the same state.
func TestApplier_DeterministicAcrossMembers(t *testing.T) {
	a, b := session.NewSession(1), session.NewSession(2)
	log := []consensus.Entry{
		barrierEntry(t, 1, 1),
		txEntry(t, 2, a, 1, 0, "a1"),
		txEntry(t, 3, b, 1, 0, "b1"),
		txEntry(t, 4, a, 1, 0, "a1"),
		txEntry(t, 5, a, 3, 2, "a3"),
		txEntry(t, 6, a, 2, 1, "a2"),
		barrierEntry(t, 7, 2),
		txEntry(t, 8, b, 2, 1, "b2"),
	}

	var results [][]Outcome
	var commits [][]commit
	for member := 0; member < 3; member++ {
		h := newHarness(t, &fakeStorage{}, NewMemoryStateStore())
		// each member sees different batch boundaries
		var out []Outcome
		for i := 0; i < len(log); i += member + 1 {
			end := min(i+member+1, len(log))
			out = append(out, h.apply(log[i:end]...)...)
		}
		results = append(results, out)
		commits = append(commits, h.storage.committed())
	}

	for i := 1; i < len(results); i++ {
		require.Equal(t, results[0], results[i])
		require.Equal(t, commits[0], commits[i])
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}
