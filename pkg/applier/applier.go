// Package applier consumes committed log entries in order and applies each
// one exactly once, skipping operations a session already applied.
package applier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"coredb/pkg/consensus"
	"coredb/pkg/content"
	"coredb/pkg/dberrors"
	"coredb/pkg/ledger"
	"coredb/pkg/metrics"
	"coredb/pkg/session"
	"coredb/pkg/types"
)

var (
	ErrLockTokenConflict = errors.New("applier: lock token request does not follow the current token")
	ErrIDRangeConflict   = errors.New("applier: id range does not start at the first unallocated id")
)

// Status is the result class of an applied entry.
type Status uint8

const (
	StatusApplied Status = iota + 1
	StatusAlreadyApplied
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusApplied:
		return "applied"
	case StatusAlreadyApplied:
		return "already-applied"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func (s Status) label() string {
	switch s {
	case StatusApplied:
		return metrics.LabelApplied
	case StatusAlreadyApplied:
		return metrics.LabelAlreadyApplied
	default:
		return metrics.LabelRejected
	}
}

// Outcome is the result of applying the entry at Index. TxID is set for a
// transaction that was committed, or for a duplicate of the last applied
// operation of its session. It is zero when the commit was recovered after a
// restart. Reason explains a rejection.
type Outcome struct {
	Index  types.LogIndex
	Term   types.Term
	Status Status
	TxID   types.TxID
	Reason error
}

type Config struct {
	Storage StorageEngine
	State   StateStore
	Ledger  *ledger.Ledger

	// Notify receives the outcome of every applied index once it is durable.
	// It runs on the applier goroutine and must not block.
	Notify func(Outcome)
	// OnFailure is called once if the applier stops on a durability failure.
	OnFailure func(error)

	Metrics *metrics.ApplierMetrics
	Logger  *slog.Logger
}

type Applier struct {
	storage   StorageEngine
	state     StateStore
	ledger    *ledger.Ledger
	notify    func(Outcome)
	onFailure func(error)
	metrics   *metrics.ApplierMetrics
	logger    *slog.Logger

	lastApplied atomic.Uint64

	mu        sync.RWMutex
	lockToken LockToken
	nextIDs   map[uint32]uint64

	done     chan struct{}
	stopOnce sync.Once
	err      error
}

// New loads the persisted applier state. Start the consensus engine with
// LastApplied as its applied index.
func New(cfg Config) (*Applier, error) {
	if cfg.Storage == nil || cfg.State == nil || cfg.Ledger == nil {
		return nil, fmt.Errorf("%w: applier needs storage, state and ledger", dberrors.ErrInvalidArgument)
	}
	if cfg.Notify == nil {
		cfg.Notify = func(Outcome) {}
	}
	if cfg.OnFailure == nil {
		cfg.OnFailure = func(error) {}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewApplierMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	st, err := cfg.State.LoadState()
	if err != nil {
		return nil, dberrors.DurabilityFailure("load applier state", err)
	}
	if st.NextIDs == nil {
		st.NextIDs = make(map[uint32]uint64)
	}

	a := &Applier{
		storage:   cfg.Storage,
		state:     cfg.State,
		ledger:    cfg.Ledger,
		notify:    cfg.Notify,
		onFailure: cfg.OnFailure,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		lockToken: st.LockToken,
		nextIDs:   st.NextIDs,
		done:      make(chan struct{}),
	}
	a.lastApplied.Store(uint64(st.LastApplied))
	a.metrics.LastApplied.Set(float64(st.LastApplied))

	storageLast := cfg.Storage.LastCommittedIndex()
	a.logger.Info("applier state loaded",
		"last_applied", st.LastApplied,
		"sessions", cfg.Ledger.Len(),
		"storage_last_committed", storageLast,
		"lock_token", st.LockToken.ID)
	if storageLast > st.LastApplied {
		a.logger.Info("storage engine is ahead of the ledger, entries up to its index are recorded without commit",
			"from", st.LastApplied+1,
			"to", storageLast)
	}
	return a, nil
}

func (a *Applier) LastApplied() types.LogIndex {
	return types.LogIndex(a.lastApplied.Load())
}

func (a *Applier) Ledger() *ledger.Ledger {
	return a.ledger
}

func (a *Applier) LockToken() LockToken {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lockToken
}

// NextID returns the first unallocated id of idType.
func (a *Applier) NextID(idType uint32) uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nextIDs[idType]
}

// Done is closed when the applier stops.
func (a *Applier) Done() <-chan struct{} {
	return a.done
}

// Err returns why the applier stopped. Valid after Done is closed.
func (a *Applier) Err() error {
	<-a.done
	return a.err
}

// Run applies batches from committed until ctx is done, the channel closes,
// or applying fails. A failure is always a durability failure: the member
// must stop participating.
func (a *Applier) Run(ctx context.Context, committed <-chan []consensus.Entry) error {
	for {
		select {
		case <-ctx.Done():
			a.stop(dberrors.ErrStopped)
			return ctx.Err()
		case batch, ok := <-committed:
			if !ok {
				a.logger.Info("committed stream closed, applier stopping", "last_applied", a.LastApplied())
				a.stop(dberrors.ErrStopped)
				return nil
			}
			if err := a.applyBatch(ctx, batch); err != nil {
				a.logger.Error("critical: applier stopped", "last_applied", a.LastApplied(), "error", err)
				a.stop(err)
				a.onFailure(err)
				return err
			}
		}
	}
}

func (a *Applier) stop(err error) {
	a.stopOnce.Do(func() {
		a.err = err
		close(a.done)
	})
}

func (a *Applier) applyBatch(ctx context.Context, entries []consensus.Entry) error {
	// A commit in progress must not be torn by shutdown.
	commitCtx := context.WithoutCancel(ctx)

	change := Change{
		Ledger:  make(map[session.GlobalSession]ledger.Record),
		NextIDs: make(map[uint32]uint64),
	}
	token := a.LockToken()
	last := a.LastApplied()
	outcomes := make([]Outcome, 0, len(entries))

	for _, e := range entries {
		if e.Index <= last {
			continue
		}
		if e.Index != last+1 {
			return dberrors.DurabilityFailure("apply",
				fmt.Errorf("entry %d does not follow applied index %d", e.Index, last))
		}
		o, err := a.apply(commitCtx, e, &change, &token)
		if err != nil {
			return err
		}
		outcomes = append(outcomes, o)
		last = e.Index
	}
	if len(outcomes) == 0 {
		return nil
	}

	change.LastApplied = last
	if err := a.state.SaveState(change); err != nil {
		return dberrors.DurabilityFailure("persist applier state", err)
	}
	for s, rec := range change.Ledger {
		if err := a.ledger.Advance(s, rec); err != nil {
			return dberrors.DurabilityFailure("advance ledger", err)
		}
	}
	if !change.empty() {
		a.mu.Lock()
		if change.LockToken != nil {
			a.lockToken = *change.LockToken
		}
		maps.Copy(a.nextIDs, change.NextIDs)
		a.mu.Unlock()
	}
	a.lastApplied.Store(uint64(last))
	a.metrics.LastApplied.Set(float64(last))

	for _, o := range outcomes {
		a.notify(o)
	}
	return nil
}

func (a *Applier) apply(ctx context.Context, e consensus.Entry, change *Change, token *LockToken) (Outcome, error) {
	o := Outcome{Index: e.Index, Term: e.Term}

	c, err := content.Unmarshal(e.Data)
	if err != nil {
		a.logger.Error("skipping undecodable committed entry", "index", e.Index, "error", err)
		o.Status, o.Reason = StatusRejected, err
		a.metrics.Applied.WithLabelValues("undecodable", o.Status.label()).Inc()
		return o, nil
	}

	switch c := c.(type) {
	case *content.Transaction:
		o, err = a.applyTransaction(ctx, e, c, change)
		if err != nil {
			return o, err
		}

	case *content.NewLeaderBarrier:
		o.Status = StatusApplied

	case *content.LockTokenRequest:
		if c.CandidateID != token.ID+1 {
			o.Status = StatusRejected
			o.Reason = fmt.Errorf("%w: candidate %d, current %d", ErrLockTokenConflict, c.CandidateID, token.ID)
			break
		}
		*token = LockToken{Owner: c.Owner, ID: c.CandidateID}
		granted := *token
		change.LockToken = &granted
		o.Status = StatusApplied
		a.logger.Info("lock token handed over", "owner", c.Owner, "token", c.CandidateID)

	case *content.IDAllocation:
		next, ok := change.NextIDs[c.IDType]
		if !ok {
			next = a.NextID(c.IDType)
		}
		if c.RangeStart != next || c.RangeLength == 0 {
			o.Status = StatusRejected
			o.Reason = fmt.Errorf("%w: type %d start %d length %d, first unallocated %d",
				ErrIDRangeConflict, c.IDType, c.RangeStart, c.RangeLength, next)
			break
		}
		change.NextIDs[c.IDType] = next + uint64(c.RangeLength)
		o.Status = StatusApplied
	}

	a.metrics.Applied.WithLabelValues(c.Tag().String(), o.Status.label()).Inc()
	return o, nil
}

func (a *Applier) applyTransaction(ctx context.Context, e consensus.Entry, tx *content.Transaction, change *Change) (Outcome, error) {
	o := Outcome{Index: e.Index, Term: e.Term}
	s, id := tx.Session, tx.OperationID

	prev, ok := change.Ledger[s]
	if !ok {
		prev, _ = a.ledger.Get(s)
	}

	switch {
	case id.Seq <= prev.Seq:
		o.Status = StatusAlreadyApplied
		if id.Seq == prev.Seq {
			o.TxID = prev.TxID
		}
		a.metrics.Duplicates.Inc()
		a.logger.Debug("operation already applied",
			"session", s,
			"op", id.Seq,
			"ledger", prev.Seq,
			"index", e.Index)

	case id.Seq == prev.Seq+1 && id.Prev == prev.Seq:
		var txID types.TxID
		if e.Index <= a.storage.LastCommittedIndex() {
			a.metrics.Recovered.Inc()
			a.logger.Info("transaction already committed by storage engine, recording it without commit",
				"session", s,
				"op", id.Seq,
				"index", e.Index)
		} else {
			var err error
			txID, err = a.storage.Commit(ctx, e.Index, tx.Payload)
			if err != nil {
				return o, dberrors.DurabilityFailure("commit transaction", err)
			}
			a.metrics.Commits.Inc()
		}
		change.Ledger[s] = ledger.Record{Seq: id.Seq, TxID: txID}
		o.Status, o.TxID = StatusApplied, txID

	default:
		o.Status = StatusRejected
		o.Reason = &dberrors.SequenceGapError{Session: s.String(), Expected: prev.Seq, Got: id.Prev}
		a.metrics.Gaps.Inc()
		a.logger.Warn("skipping operation with sequence gap",
			"session", s,
			"op", id.Seq,
			"prev", id.Prev,
			"ledger", prev.Seq,
			"index", e.Index)
	}
	return o, nil
}
