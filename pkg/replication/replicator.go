// Package replication is the front door for proposals: it checks operation
// ids against what the session already applied or has in flight, hands the
// content to the consensus engine and waits for the applier's verdict.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"coredb/pkg/applier"
	"coredb/pkg/consensus"
	"coredb/pkg/content"
	"coredb/pkg/dberrors"
	"coredb/pkg/ledger"
	"coredb/pkg/metrics"
	"coredb/pkg/types"

	"github.com/benbjohnson/clock"
)

// ErrTimeout means the outcome of a proposal is unknown. The operation may
// still be applied; retry it with the same identity.
var ErrTimeout = errors.New("replication: proposal outcome unknown")

// Applied is the view of the applier the replicator needs.
type Applied interface {
	Ledger() *ledger.Ledger
	Done() <-chan struct{}
	Err() error
}

var _ Applied = (*applier.Applier)(nil)

type Config struct {
	Engine  consensus.Engine
	Applier Applied
	Waiters *Waiters
	Tracker *Tracker

	// PeerAddr resolves the client address of a member for redirects.
	PeerAddr func(types.MemberID) string
	// Timeout bounds the wait for an outcome when ctx has no deadline.
	Timeout time.Duration

	Clock   clock.Clock
	Metrics *metrics.ReplicationMetrics
	Logger  *slog.Logger
}

type Replicator struct {
	engine   consensus.Engine
	applier  Applied
	waiters  *Waiters
	tracker  *Tracker
	peerAddr func(types.MemberID) string
	timeout  time.Duration
	clock    clock.Clock
	metrics  *metrics.ReplicationMetrics
	logger   *slog.Logger
}

func New(cfg Config) (*Replicator, error) {
	if cfg.Engine == nil || cfg.Applier == nil || cfg.Waiters == nil || cfg.Tracker == nil {
		return nil, fmt.Errorf("%w: replicator needs engine, applier, waiters and tracker", dberrors.ErrInvalidArgument)
	}
	if cfg.PeerAddr == nil {
		cfg.PeerAddr = func(types.MemberID) string { return "" }
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewReplicationMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Replicator{
		engine:   cfg.Engine,
		applier:  cfg.Applier,
		waiters:  cfg.Waiters,
		tracker:  cfg.Tracker,
		peerAddr: cfg.PeerAddr,
		timeout:  cfg.Timeout,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}, nil
}

// Propose replicates c and returns how the applier resolved it.
//
// Errors: NotLeaderError when this member cannot accept proposals,
// SequenceGapError when a transaction does not follow its session,
// ErrProposalDropped when the entry was replaced by another leader's, and
// ErrTimeout or ctx.Err() when the outcome is unknown. Only the last two are
// ambiguous.
func (r *Replicator) Propose(ctx context.Context, c content.Content) (applier.Outcome, error) {
	start := r.clock.Now()
	r.metrics.InFlight.Inc()
	defer r.metrics.InFlight.Dec()

	o, err := r.propose(ctx, c)

	label := resultLabel(o, err)
	r.metrics.Proposals.WithLabelValues(label).Inc()
	r.metrics.Latency.WithLabelValues(label).Observe(r.clock.Since(start).Seconds())
	return o, err
}

func (r *Replicator) propose(ctx context.Context, c content.Content) (applier.Outcome, error) {
	select {
	case <-r.applier.Done():
		return applier.Outcome{}, r.applier.Err()
	default:
	}

	st := r.engine.Status()
	if st.Role != consensus.Leader {
		return applier.Outcome{}, r.notLeader(st.Leader)
	}

	if tx, ok := c.(*content.Transaction); ok {
		o, done, err := r.checkSequence(tx)
		if done || err != nil {
			return o, err
		}
	}

	data, err := content.Marshal(c)
	if err != nil {
		return applier.Outcome{}, fmt.Errorf("%w: %w", dberrors.ErrInvalidArgument, err)
	}

	wt, index, err := r.waiters.propose(func() (types.LogIndex, types.Term, error) {
		return r.engine.Propose(ctx, data)
	})
	if err != nil {
		var nl *dberrors.NotLeaderError
		if errors.As(err, &nl) {
			return applier.Outcome{}, r.notLeader(nl.LeaderID)
		}
		return applier.Outcome{}, err
	}

	return r.wait(ctx, index, wt)
}

// checkSequence decides what to do with a transaction before it is appended.
// done is set when the outcome is already known.
func (r *Replicator) checkSequence(tx *content.Transaction) (o applier.Outcome, done bool, err error) {
	s, id := tx.Session, tx.OperationID

	rec, _ := r.applier.Ledger().Get(s)
	if id.Seq <= rec.Seq {
		o = applier.Outcome{Status: applier.StatusAlreadyApplied}
		if id.Seq == rec.Seq {
			o.TxID = rec.TxID
		}
		r.logger.Debug("operation already applied", "session", s, "op", id.Seq, "ledger", rec.Seq)
		return o, true, nil
	}

	accepted := r.tracker.Accepted(s)
	if id.Seq <= accepted {
		// A retry of an operation still in the log; the applier drops
		// whichever copy commits second.
		r.logger.Debug("re-proposing in-flight operation", "session", s, "op", id.Seq, "accepted", accepted)
		return o, false, nil
	}

	expected := max(rec.Seq, accepted)
	if id.Prev != expected || id.Seq != id.Prev+1 {
		return o, false, &dberrors.SequenceGapError{Session: s.String(), Expected: expected, Got: id.Prev}
	}
	return o, false, nil
}

func (r *Replicator) wait(ctx context.Context, index types.LogIndex, wt *waiter) (applier.Outcome, error) {
	var timeout <-chan time.Time
	if _, ok := ctx.Deadline(); !ok && r.timeout > 0 {
		t := r.clock.Timer(r.timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case res := <-wt.ch:
		return res.outcome, res.err
	case <-ctx.Done():
		r.waiters.cancel(index, wt)
		return applier.Outcome{Index: index, Term: wt.term}, r.unknown(ctx.Err())
	case <-timeout:
		r.waiters.cancel(index, wt)
		return applier.Outcome{Index: index, Term: wt.term}, r.unknown(ErrTimeout)
	case <-r.applier.Done():
		r.waiters.cancel(index, wt)
		return applier.Outcome{Index: index, Term: wt.term}, r.applier.Err()
	}
}

// unknown decorates an ambiguous result with ErrQuorumLost when no leader is
// known any more.
func (r *Replicator) unknown(err error) error {
	if r.engine.Status().Leader == types.None {
		return fmt.Errorf("%w: %w", dberrors.ErrQuorumLost, err)
	}
	return err
}

func (r *Replicator) notLeader(leader types.MemberID) error {
	nl := &dberrors.NotLeaderError{LeaderID: leader}
	if leader != types.None {
		nl.LeaderAddr = r.peerAddr(leader)
	}
	return nl
}

func resultLabel(o applier.Outcome, err error) string {
	switch {
	case err == nil:
		switch o.Status {
		case applier.StatusApplied:
			return metrics.LabelApplied
		case applier.StatusAlreadyApplied:
			return metrics.LabelAlreadyApplied
		default:
			return metrics.LabelRejected
		}
	case errors.Is(err, dberrors.ErrNotLeader):
		return metrics.LabelNotLeader
	case errors.Is(err, dberrors.ErrSequenceGap):
		return metrics.LabelSequenceGap
	case errors.Is(err, dberrors.ErrProposalDropped):
		return metrics.LabelDropped
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return metrics.LabelTimeout
	default:
		return metrics.LabelError
	}
}
