package raft

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"coredb/pkg/consensus"
	"coredb/pkg/dberrors"
	"coredb/pkg/types"

	"github.com/benbjohnson/clock"
)

// Transport delivers RPCs to other members. Calls may fail or be repeated;
// both RPCs are idempotent.
type Transport interface {
	RequestVote(ctx context.Context, to types.MemberID, req RequestVoteRequest) (RequestVoteResponse, error)
	AppendEntries(ctx context.Context, to types.MemberID, req AppendEntriesRequest) (AppendEntriesResponse, error)
}

type proposal struct {
	data   []byte
	result chan proposeResult
}

type proposeResult struct {
	index types.LogIndex
	term  types.Term
	err   error
}

type voteCall struct {
	req    RequestVoteRequest
	result chan RequestVoteResponse
}

type appendCall struct {
	req    AppendEntriesRequest
	result chan AppendEntriesResponse
}

// reply carries the response of an outbound RPC back into the node loop.
type reply struct {
	from       types.MemberID
	voteReq    *RequestVoteRequest
	voteResp   RequestVoteResponse
	appendReq  *AppendEntriesRequest
	appendResp AppendEntriesResponse
}

// Node runs the consensus state machine of one member. All state changes
// happen on the goroutine executing Run; RPC sends run on their own
// goroutines and report back through channels.
type Node struct {
	ID types.MemberID

	// Clock drives the election and heartbeat ticker. Replace before Run.
	Clock clock.Clock

	r            *raft
	transport    Transport
	tickInterval time.Duration
	rpcTimeout   time.Duration
	logger       *slog.Logger

	propc      chan proposal
	votec      chan voteCall
	appendc    chan appendCall
	replyc     chan reply
	committedc chan []consensus.Entry

	delivered types.LogIndex
	pending   []consensus.Entry

	status   atomic.Pointer[consensus.Status]
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ consensus.Engine = (*Node)(nil)

// NewNode restores member state from storage. observer, when not nil, sees
// every entry appended to the local log.
func NewNode(cfg Config, storage Storage, transport Transport, observer consensus.AppendObserver) (*Node, error) {
	r, err := newRaft(&cfg, storage)
	if err != nil {
		return nil, err
	}

	n := &Node{
		ID:           cfg.ID,
		Clock:        clock.New(),
		r:            r,
		transport:    transport,
		tickInterval: cfg.TickInterval,
		rpcTimeout:   cfg.RPCTimeout,
		logger:       cfg.Logger,
		propc:        make(chan proposal),
		votec:        make(chan voteCall),
		appendc:      make(chan appendCall),
		replyc:       make(chan reply, 64),
		committedc:   make(chan []consensus.Entry, 16),
		delivered:    cfg.Applied,
		done:         make(chan struct{}),
	}
	if observer != nil {
		_, entries, err := storage.InitialState()
		if err != nil {
			return nil, dberrors.DurabilityFailure("load log for observer", err)
		}
		observer.Observe(entries)
		r.onAppend = observer.Observe
	}
	n.publishStatus()
	return n, nil
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

// Run drives the node until ctx is done, Stop is called, or persisting
// state fails. Committed() is closed when Run returns.
func (n *Node) Run(ctx context.Context) error {
	defer close(n.committedc)
	defer n.wg.Wait()

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

		var err error
		select {
		case <-ctx.Done():
			n.Stop()
			return ctx.Err()
		case <-n.done:
			return nil
		case <-ticker.C:
			err = n.r.tick()
		case p := <-n.propc:
			index, term, perr := n.r.propose(p.data)
			p.result <- proposeResult{index: index, term: term, err: perr}
			if perr != nil && !isNotLeader(perr) {
				err = perr
			}
		case c := <-n.votec:
			var resp RequestVoteResponse
			resp, err = n.r.handleRequestVote(c.req)
			if err == nil {
				c.result <- resp
			}
		case c := <-n.appendc:
			var resp AppendEntriesResponse
			resp, err = n.r.handleAppendEntries(c.req)
			if err == nil {
				c.result <- resp
			}
		case rep := <-n.replyc:
			err = n.handleReply(rep)
		case out <- batch:
			n.pending = nil
		}

		if err != nil {
			n.logger.Error("critical: member stops participating", "error", err)
			n.Stop()
			return err
		}
		n.afterTurn()
	}
}

func (n *Node) handleReply(rep reply) error {
	if rep.voteReq != nil {
		return n.r.handleRequestVoteResponse(rep.from, *rep.voteReq, rep.voteResp)
	}
	return n.r.handleAppendEntriesResponse(rep.from, *rep.appendReq, rep.appendResp)
}

// afterTurn ships the outbox, queues newly committed entries and publishes
// the status. State is already durable at this point.
func (n *Node) afterTurn() {
	for _, env := range n.r.drainOutbox() {
		n.wg.Add(1)
		go n.send(env)
	}

	if committed := n.r.committedSince(n.delivered); len(committed) > 0 {
		n.pending = append(n.pending, committed...)
		n.delivered = committed[len(committed)-1].Index
	}
	n.publishStatus()
}

func (n *Node) publishStatus() {
	st := n.r.status()
	n.status.Store(&st)
}

func (n *Node) send(env envelope) {
	defer n.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), n.rpcTimeout)
	defer cancel()
	go func() {
		select {
		case <-n.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	rep := reply{from: env.to}
	var err error
	if env.vote != nil {
		rep.voteReq = env.vote
		rep.voteResp, err = n.transport.RequestVote(ctx, env.to, *env.vote)
	} else {
		rep.appendReq = env.append
		rep.appendResp, err = n.transport.AppendEntries(ctx, env.to, *env.append)
	}
	if err != nil {
		n.logger.Debug("raft rpc failed", "to", env.to, "vote", env.vote != nil, "error", err)
		return
	}

	select {
	case n.replyc <- rep:
	case <-n.done:
	}
}

// Propose appends data to the leader's log and returns its position.
func (n *Node) Propose(ctx context.Context, data []byte) (types.LogIndex, types.Term, error) {
	p := proposal{data: data, result: make(chan proposeResult, 1)}
	select {
	case n.propc <- p:
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	case <-n.done:
		return 0, 0, dberrors.ErrStopped
	}

	res := <-p.result
	return res.index, res.term, res.err
}

// HandleRequestVote answers a RequestVote RPC from a peer.
func (n *Node) HandleRequestVote(ctx context.Context, req RequestVoteRequest) (RequestVoteResponse, error) {
	c := voteCall{req: req, result: make(chan RequestVoteResponse, 1)}
	select {
	case n.votec <- c:
	case <-ctx.Done():
		return RequestVoteResponse{}, ctx.Err()
	case <-n.done:
		return RequestVoteResponse{}, dberrors.ErrStopped
	}
	select {
	case resp := <-c.result:
		return resp, nil
	case <-ctx.Done():
		return RequestVoteResponse{}, ctx.Err()
	case <-n.done:
		return RequestVoteResponse{}, dberrors.ErrStopped
	}
}

// HandleAppendEntries answers an AppendEntries RPC from the leader.
func (n *Node) HandleAppendEntries(ctx context.Context, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	c := appendCall{req: req, result: make(chan AppendEntriesResponse, 1)}
	select {
	case n.appendc <- c:
	case <-ctx.Done():
		return AppendEntriesResponse{}, ctx.Err()
	case <-n.done:
		return AppendEntriesResponse{}, dberrors.ErrStopped
	}
	select {
	case resp := <-c.result:
		return resp, nil
	case <-ctx.Done():
		return AppendEntriesResponse{}, ctx.Err()
	case <-n.done:
		return AppendEntriesResponse{}, dberrors.ErrStopped
	}
}

func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		n.logger.Info("stopping raft node", "id", n.ID)
		close(n.done)
	})
	return nil
}

func isNotLeader(err error) bool {
	var nl *dberrors.NotLeaderError
	return errors.As(err, &nl)
}
