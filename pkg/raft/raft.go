package raft

import (
	"fmt"
	"log/slog"
	"math/rand"
	"slices"

	"coredb/pkg/consensus"
	"coredb/pkg/content"
	"coredb/pkg/dberrors"
	"coredb/pkg/types"
)

var barrierData = mustMarshal(&content.NewLeaderBarrier{})

func mustMarshal(c content.Content) []byte {
	data, err := content.Marshal(c)
	if err != nil {
		panic(err)
	}
	return data
}

// raft is the consensus state machine of one member. It is not safe for
// concurrent use: Node drives it from a single goroutine, and every method
// call is one logical turn. Hard state and log changes are written to
// storage before the method returns, so anything placed in the outbox or
// returned as a response is already durable.
type raft struct {
	id     types.MemberID
	voters []types.MemberID

	term   types.Term
	vote   types.MemberID
	role   consensus.Role
	leader types.MemberID

	log         *raftLog
	storage     Storage
	commitIndex types.LogIndex

	// leader state
	nextIndex    map[types.MemberID]types.LogIndex
	matchIndex   map[types.MemberID]types.LogIndex
	recentActive map[types.MemberID]bool

	// candidate state
	votes map[types.MemberID]bool

	electionElapsed           int
	heartbeatElapsed          int
	electionTimeout           int
	heartbeatTimeout          int
	randomizedElectionTimeout int
	checkQuorum               bool
	maxEntries                int
	rand                      *rand.Rand

	outbox   []envelope
	onAppend func([]consensus.Entry)
	logger   *slog.Logger
}

func newRaft(cfg *Config, storage Storage) (*raft, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	hs, entries, err := storage.InitialState()
	if err != nil {
		return nil, dberrors.DurabilityFailure("load initial state", err)
	}
	log := newRaftLog(entries)
	if cfg.Applied > log.lastIndex() {
		return nil, fmt.Errorf("raft: applied index %d is past the last log index %d", cfg.Applied, log.lastIndex())
	}

	voters := slices.Clone(cfg.Voters)
	slices.Sort(voters)

	r := &raft{
		id:               cfg.ID,
		voters:           voters,
		term:             hs.Term,
		vote:             hs.Vote,
		log:              log,
		storage:          storage,
		commitIndex:      cfg.Applied,
		electionTimeout:  cfg.ElectionTick,
		heartbeatTimeout: cfg.HeartbeatTick,
		checkQuorum:      cfg.CheckQuorum,
		maxEntries:       cfg.MaxEntriesPerAppend,
		rand:             rand.New(rand.NewSource(cfg.Seed)),
		onAppend:         func([]consensus.Entry) {},
		logger:           cfg.Logger,
	}
	r.resetElectionTimer()

	r.logger.Info("raft member initialized",
		"term", r.term,
		"vote", r.vote,
		"last_index", log.lastIndex(),
		"applied", cfg.Applied,
		"voters", voters)
	return r, nil
}

func (r *raft) quorum() int {
	return len(r.voters)/2 + 1
}

func (r *raft) status() consensus.Status {
	return consensus.Status{
		ID:          r.id,
		Role:        r.role,
		Term:        r.term,
		Leader:      r.leader,
		CommitIndex: r.commitIndex,
		LastIndex:   r.log.lastIndex(),
	}
}

func (r *raft) drainOutbox() []envelope {
	out := r.outbox
	r.outbox = nil
	return out
}

func (r *raft) setHardState(term types.Term, vote types.MemberID) error {
	if term == r.term && vote == r.vote {
		return nil
	}
	if err := r.storage.SetHardState(HardState{Term: term, Vote: vote}); err != nil {
		return dberrors.DurabilityFailure("persist hard state", err)
	}
	r.term, r.vote = term, vote
	return nil
}

// appendEntries persists entries, replacing any suffix they conflict with.
func (r *raft) appendEntries(entries []consensus.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if first := entries[0]; first.Index <= r.commitIndex {
		return fmt.Errorf("raft: overwrite of committed index %d (commit %d): %w",
			first.Index, r.commitIndex, &dberrors.LogMismatchError{Index: first.Index, Term: first.Term})
	}
	if err := r.storage.Append(entries); err != nil {
		return dberrors.DurabilityFailure("append log entries", err)
	}
	r.log.truncateAndAppend(entries)
	r.onAppend(entries)
	return nil
}

func (r *raft) resetElectionTimer() {
	r.electionElapsed = 0
	r.randomizedElectionTimeout = r.electionTimeout + r.rand.Intn(r.electionTimeout)
}

func (r *raft) becomeFollower(term types.Term, leader types.MemberID) error {
	vote := r.vote
	if term > r.term {
		vote = types.None
	}
	if err := r.setHardState(term, vote); err != nil {
		return err
	}
	if r.role != consensus.Follower || r.leader != leader {
		r.logger.Info("became follower", "term", term, "leader", leader)
	}
	r.role = consensus.Follower
	r.leader = leader
	r.votes = nil
	r.nextIndex, r.matchIndex, r.recentActive = nil, nil, nil
	r.resetElectionTimer()
	return nil
}

func (r *raft) campaign() error {
	if err := r.setHardState(r.term+1, r.id); err != nil {
		return err
	}
	r.role = consensus.Candidate
	r.leader = types.None
	r.votes = map[types.MemberID]bool{r.id: true}
	r.resetElectionTimer()

	r.logger.Info("starting election",
		"term", r.term,
		"last_index", r.log.lastIndex(),
		"last_term", r.log.lastTerm())

	if r.grantedVotes() >= r.quorum() {
		return r.becomeLeader()
	}

	for _, peer := range r.voters {
		if peer == r.id {
			continue
		}
		r.outbox = append(r.outbox, envelope{to: peer, vote: &RequestVoteRequest{
			Term:         r.term,
			CandidateID:  r.id,
			LastLogIndex: r.log.lastIndex(),
			LastLogTerm:  r.log.lastTerm(),
		}})
	}
	return nil
}

func (r *raft) grantedVotes() int {
	n := 0
	for _, granted := range r.votes {
		if granted {
			n++
		}
	}
	return n
}

func (r *raft) becomeLeader() error {
	r.role = consensus.Leader
	r.leader = r.id
	r.votes = nil
	r.heartbeatElapsed = 0
	r.electionElapsed = 0

	r.nextIndex = make(map[types.MemberID]types.LogIndex, len(r.voters))
	r.matchIndex = make(map[types.MemberID]types.LogIndex, len(r.voters))
	r.recentActive = make(map[types.MemberID]bool, len(r.voters))
	for _, peer := range r.voters {
		r.nextIndex[peer] = r.log.lastIndex() + 1
	}

	r.logger.Info("became leader", "term", r.term, "last_index", r.log.lastIndex())

	// Entries from earlier terms only commit through an entry of this term.
	_, _, err := r.propose(barrierData)
	return err
}

func (r *raft) propose(data []byte) (types.LogIndex, types.Term, error) {
	if r.role != consensus.Leader {
		return 0, 0, &dberrors.NotLeaderError{LeaderID: r.leader}
	}

	e := consensus.Entry{Index: r.log.lastIndex() + 1, Term: r.term, Data: data}
	if err := r.appendEntries([]consensus.Entry{e}); err != nil {
		return 0, 0, err
	}
	r.matchIndex[r.id] = e.Index
	r.nextIndex[r.id] = e.Index + 1

	r.maybeCommit()
	r.broadcastAppend()
	return e.Index, e.Term, nil
}

// tick advances logical time by one tick.
func (r *raft) tick() error {
	if r.role == consensus.Leader {
		return r.tickLeader()
	}

	r.electionElapsed++
	if r.electionElapsed >= r.randomizedElectionTimeout {
		return r.campaign()
	}
	return nil
}

func (r *raft) tickLeader() error {
	r.heartbeatElapsed++
	r.electionElapsed++

	if r.electionElapsed >= r.electionTimeout {
		r.electionElapsed = 0
		if r.checkQuorum && !r.quorumActive() {
			r.logger.Warn("stepping down, quorum not reachable", "term", r.term, "error", dberrors.ErrQuorumLost)
			return r.becomeFollower(r.term, types.None)
		}
	}

	if r.heartbeatElapsed >= r.heartbeatTimeout {
		r.heartbeatElapsed = 0
		r.broadcastAppend()
	}
	return nil
}

// quorumActive reports whether a majority responded since the last check,
// and resets the activity marks.
func (r *raft) quorumActive() bool {
	active := 0
	for _, peer := range r.voters {
		if peer == r.id || r.recentActive[peer] {
			active++
		}
		r.recentActive[peer] = false
	}
	return active >= r.quorum()
}

func (r *raft) broadcastAppend() {
	for _, peer := range r.voters {
		if peer != r.id {
			r.sendAppend(peer)
		}
	}
}

func (r *raft) sendAppend(peer types.MemberID) {
	next := r.nextIndex[peer]
	if next == 0 {
		next = 1
	}
	prev := next - 1
	r.outbox = append(r.outbox, envelope{to: peer, append: &AppendEntriesRequest{
		Term:         r.term,
		LeaderID:     r.id,
		PrevLogIndex: prev,
		PrevLogTerm:  r.log.term(prev),
		Entries:      r.log.slice(next, r.log.lastIndex(), r.maxEntries),
		LeaderCommit: r.commitIndex,
	}})
}

// maybeCommit advances commitIndex to the highest index stored on a
// majority, provided that entry belongs to the current term.
func (r *raft) maybeCommit() bool {
	matched := make([]types.LogIndex, 0, len(r.voters))
	for _, peer := range r.voters {
		matched = append(matched, r.matchIndex[peer])
	}
	slices.Sort(matched)
	slices.Reverse(matched)

	candidate := matched[r.quorum()-1]
	if candidate <= r.commitIndex || r.log.term(candidate) != r.term {
		return false
	}
	r.commitIndex = candidate
	return true
}

func (r *raft) handleRequestVote(req RequestVoteRequest) (RequestVoteResponse, error) {
	if req.Term < r.term {
		r.logger.Debug("rejecting vote", "error", &dberrors.TermConflictError{Current: r.term, Got: req.Term}, "candidate", req.CandidateID)
		return RequestVoteResponse{Term: r.term}, nil
	}
	if req.Term > r.term {
		if err := r.becomeFollower(req.Term, types.None); err != nil {
			return RequestVoteResponse{}, err
		}
	}

	canVote := r.vote == types.None || r.vote == req.CandidateID
	if !canVote || !r.log.isUpToDate(req.LastLogIndex, req.LastLogTerm) {
		r.logger.Debug("vote not granted",
			"candidate", req.CandidateID,
			"term", r.term,
			"voted_for", r.vote,
			"candidate_last", req.LastLogIndex,
			"local_last", r.log.lastIndex())
		return RequestVoteResponse{Term: r.term}, nil
	}

	if err := r.setHardState(r.term, req.CandidateID); err != nil {
		return RequestVoteResponse{}, err
	}
	r.resetElectionTimer()
	r.logger.Info("vote granted", "candidate", req.CandidateID, "term", r.term)
	return RequestVoteResponse{Term: r.term, Granted: true}, nil
}

func (r *raft) handleRequestVoteResponse(from types.MemberID, req RequestVoteRequest, resp RequestVoteResponse) error {
	if resp.Term > r.term {
		return r.becomeFollower(resp.Term, types.None)
	}
	if r.role != consensus.Candidate || req.Term != r.term {
		return nil
	}

	r.votes[from] = resp.Granted
	granted := r.grantedVotes()
	switch {
	case granted >= r.quorum():
		return r.becomeLeader()
	case len(r.votes)-granted >= r.quorum():
		return r.becomeFollower(r.term, types.None)
	}
	return nil
}

func (r *raft) handleAppendEntries(req AppendEntriesRequest) (AppendEntriesResponse, error) {
	if req.Term < r.term {
		r.logger.Debug("rejecting append", "error", &dberrors.TermConflictError{Current: r.term, Got: req.Term}, "leader", req.LeaderID)
		return AppendEntriesResponse{Term: r.term}, nil
	}
	if req.Term > r.term || r.role != consensus.Follower || r.leader != req.LeaderID {
		if err := r.becomeFollower(req.Term, req.LeaderID); err != nil {
			return AppendEntriesResponse{}, err
		}
	}
	r.resetElectionTimer()

	if !r.log.matchTerm(req.PrevLogIndex, req.PrevLogTerm) {
		hint := req.PrevLogIndex - 1
		if last := r.log.lastIndex(); req.PrevLogIndex > last {
			hint = last
		}
		r.logger.Debug("log mismatch",
			"error", &dberrors.LogMismatchError{Index: req.PrevLogIndex, Term: req.PrevLogTerm},
			"local_term", r.log.term(req.PrevLogIndex),
			"hint", hint)
		return AppendEntriesResponse{Term: r.term, MatchIndex: hint}, nil
	}

	if conflict := r.log.findConflict(req.Entries); conflict != 0 {
		if conflict <= r.log.lastIndex() {
			r.logger.Info("truncating divergent log suffix", "from", conflict, "last_index", r.log.lastIndex())
		}
		start := conflict - req.Entries[0].Index
		if err := r.appendEntries(req.Entries[start:]); err != nil {
			return AppendEntriesResponse{}, err
		}
	}

	lastNew := req.PrevLogIndex + types.LogIndex(len(req.Entries))
	// A delayed retransmit can carry a smaller lastNew; commit only moves forward.
	if c := min(req.LeaderCommit, lastNew); c > r.commitIndex {
		r.commitIndex = c
	}
	return AppendEntriesResponse{Term: r.term, Success: true, MatchIndex: lastNew}, nil
}

func (r *raft) handleAppendEntriesResponse(from types.MemberID, req AppendEntriesRequest, resp AppendEntriesResponse) error {
	if resp.Term > r.term {
		return r.becomeFollower(resp.Term, types.None)
	}
	if r.role != consensus.Leader || req.Term != r.term {
		return nil
	}
	r.recentActive[from] = true

	if resp.Success {
		if resp.MatchIndex > r.matchIndex[from] {
			r.matchIndex[from] = resp.MatchIndex
		}
		if next := r.matchIndex[from] + 1; next > r.nextIndex[from] {
			r.nextIndex[from] = next
		}
		if r.maybeCommit() {
			r.broadcastAppend()
			return nil
		}
		if r.nextIndex[from] <= r.log.lastIndex() {
			r.sendAppend(from)
		}
		return nil
	}

	// Back off to the follower's hint, but never below what it already matched.
	next := max(resp.MatchIndex+1, r.matchIndex[from]+1)
	if next < r.nextIndex[from] {
		r.nextIndex[from] = next
	}
	r.sendAppend(from)
	return nil
}

// committedSince returns committed entries after index.
func (r *raft) committedSince(index types.LogIndex) []consensus.Entry {
	if index >= r.commitIndex {
		return nil
	}
	return r.log.slice(index+1, r.commitIndex, 0)
}
