package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"coredb/pkg/applier"
	"coredb/pkg/consensus"
	"coredb/pkg/content"
	"coredb/pkg/dberrors"
	"coredb/pkg/ledger"
	"coredb/pkg/raft"
	"coredb/pkg/raftadapter"
	"coredb/pkg/rpc"
	"coredb/pkg/session"
	"coredb/pkg/types"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = 8080
	defaultShutdownTimeout = time.Second * 5
	maxRequestBody         = 4 << 20
)

type iReplicator interface {
	Propose(ctx context.Context, c content.Content) (applier.Outcome, error)
}

type iApplier interface {
	Ledger() *ledger.Ledger
	LastApplied() types.LogIndex
	Done() <-chan struct{}
	Err() error
}

type iEngine interface {
	Status() consensus.Status
}

type iNativeRaft interface {
	HandleRequestVote(ctx context.Context, req raft.RequestVoteRequest) (raft.RequestVoteResponse, error)
	HandleAppendEntries(ctx context.Context, req raft.AppendEntriesRequest) (raft.AppendEntriesResponse, error)
}

type iEtcdRaft interface {
	Handle(ctx context.Context, msg raftpb.Message) error
}

type Config struct {
	Port              int
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// SelfAddr is the URL peers know this member by. A redirect to it is
	// never issued.
	SelfAddr string
	PeerAddr func(types.MemberID) string
	Logger   *slog.Logger
}

// Deps are the parts of the member the server exposes. Exactly one of
// NativeRaft and EtcdRaft is expected; Metrics is optional.
type Deps struct {
	Replicator iReplicator
	Applier    iApplier
	Engine     iEngine
	NativeRaft iNativeRaft
	EtcdRaft   iEtcdRaft
	Metrics    http.Handler
}

// Server represents the HTTP server of one member: the client API and the
// consensus endpoints share it.
type Server struct {
	deps       Deps
	cfg        Config
	logger     *slog.Logger
	httpServer *http.Server
	URL        string
	addr       string
}

// NewServer creates a new server instance
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.Port == 0 {
		cfg.Port = defaultHTTPPort
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = time.Second
	}
	if cfg.PeerAddr == nil {
		cfg.PeerAddr = func(types.MemberID) string { return "" }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	port := strconv.Itoa(cfg.Port)
	return &Server{
		deps:   deps,
		cfg:    cfg,
		logger: cfg.Logger,
		URL:    "http://localhost:" + port,
		addr:   ":" + port,
	}
}

// Start binds the listener and serves in the background. errc receives the
// error that ends serving, if any.
func (s *Server) Start(errc chan<- error) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.httpServer = &http.Server{
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	go func() {
		err := s.httpServer.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
			if errc != nil {
				errc <- err
			}
		}
	}()

	s.logger.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get(rpc.PathHealth, s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, rpc.PathMetrics, s.deps.Metrics)
	}

	r.Get(rpc.PathStatus, s.handleStatus)
	r.Post(rpc.PathSessions, s.handleCreateSession)
	r.Get(rpc.PathSessions+"/{session}", s.handleGetSession)
	r.Post(rpc.PathTransactions, s.handleTransaction)
	r.Post(rpc.PathLockToken, s.handleLockToken)
	r.Post(rpc.PathIDAllocation, s.handleIDAllocation)

	if s.deps.NativeRaft != nil {
		r.Post(raft.VoteEndpoint, s.handleRequestVote)
		r.Post(raft.AppendEndpoint, s.handleAppendEntries)
	}
	if s.deps.EtcdRaft != nil {
		r.Post(raftadapter.Endpoint, s.handleEtcdRaft)
	}

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, body := errorResponse(err)
	s.writeJSON(w, status, body)
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(rpc.CodeInvalid, "malformed request body: "+err.Error()))
		return false
	}
	return true
}

// redirectLeader sends the client to the leader named by err. It reports
// false when err is not a redirect this member can issue.
func (s *Server) redirectLeader(w http.ResponseWriter, r *http.Request, err error) bool {
	var nl *dberrors.NotLeaderError
	if !errors.As(err, &nl) || nl.LeaderAddr == "" {
		return false
	}
	// Avoid redirect loop when leaderAddr equals this server's URL
	if nl.LeaderAddr == s.cfg.SelfAddr {
		return false
	}

	leaderURL, jerr := url.JoinPath(nl.LeaderAddr, r.URL.Path)
	if jerr != nil {
		s.logger.Error("Failed to redirect to leader", "leader", nl.LeaderID, "error", jerr)
		return false
	}
	http.Redirect(w, r, leaderURL, http.StatusTemporaryRedirect)
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Engine.Status()
	select {
	case <-s.deps.Applier.Done():
		resp := Response{Status: StatusStopped, Member: uint64(st.ID), Role: st.Role.String()}
		if err := s.deps.Applier.Err(); err != nil {
			resp.Error = err.Error()
		}
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	default:
	}
	s.writeJSON(w, http.StatusOK, NewOKResponse(uint64(st.ID), st.Role.String()))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Engine.Status()
	resp := rpc.StatusResponse{
		ID:           uint64(st.ID),
		Role:         st.Role.String(),
		Term:         uint64(st.Term),
		Leader:       uint64(st.Leader),
		CommitIndex:  uint64(st.CommitIndex),
		LastIndex:    uint64(st.LastIndex),
		AppliedIndex: uint64(s.deps.Applier.LastApplied()),
	}
	if st.Leader != types.None {
		resp.LeaderAddr = s.cfg.PeerAddr(st.Leader)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleCreateSession opens a session owned by this member. Nothing is
// replicated until the session's first transaction.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	gs := session.NewSession(s.deps.Engine.Status().ID)
	s.logger.Debug("session created", "session", gs)
	s.writeJSON(w, http.StatusCreated, rpc.SessionResponse{Session: gs.String()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	gs, err := session.ParseSession(chi.URLParam(r, "session"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(rpc.CodeInvalid, err.Error()))
		return
	}

	rec, ok := s.deps.Applier.Ledger().Get(gs)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse(rpc.CodeNotFound, "no operation applied for session "+gs.String()))
		return
	}
	s.writeJSON(w, http.StatusOK, rpc.SessionResponse{
		Session:     gs.String(),
		LastApplied: rec.Seq,
		TxID:        uint64(rec.TxID),
	})
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	var req rpc.TransactionRequest
	if !s.readJSON(w, r, &req) {
		return
	}

	gs, err := session.ParseSession(req.Session)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(rpc.CodeInvalid, err.Error()))
		return
	}
	if gs.IsZero() || req.Seq == 0 {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(rpc.CodeInvalid, "session and seq are required"))
		return
	}

	id := session.LocalOperationID{Seq: req.Seq, Prev: req.Prev}
	s.propose(w, r, content.NewTransaction(req.Payload, gs, id))
}

func (s *Server) handleLockToken(w http.ResponseWriter, r *http.Request) {
	var req rpc.LockTokenRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.Owner == 0 {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(rpc.CodeInvalid, "owner is required"))
		return
	}
	s.propose(w, r, &content.LockTokenRequest{
		Owner:       types.MemberID(req.Owner),
		CandidateID: req.CandidateID,
	})
}

func (s *Server) handleIDAllocation(w http.ResponseWriter, r *http.Request) {
	var req rpc.IDAllocationRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.Owner == 0 || req.RangeLength == 0 {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(rpc.CodeInvalid, "owner and range_length are required"))
		return
	}
	s.propose(w, r, &content.IDAllocation{
		Owner:       types.MemberID(req.Owner),
		IDType:      req.IDType,
		RangeStart:  req.RangeStart,
		RangeLength: req.RangeLength,
	})
}

func (s *Server) propose(w http.ResponseWriter, r *http.Request, c content.Content) {
	o, err := s.deps.Replicator.Propose(r.Context(), c)
	if err != nil {
		if s.redirectLeader(w, r, err) {
			return
		}
		s.logger.Debug("proposal failed", "content", c.Tag(), "error", err)
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	if o.Status == applier.StatusRejected {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, newOutcomeResponse(o))
}

func (s *Server) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var req raft.RequestVoteRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	resp, err := s.deps.NativeRaft.HandleRequestVote(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var req raft.AppendEntriesRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	resp, err := s.deps.NativeRaft.HandleAppendEntries(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEtcdRaft(w http.ResponseWriter, r *http.Request) {
	msg, err := raftadapter.DecodeMessage(r.Body)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(rpc.CodeInvalid, err.Error()))
		return
	}
	if err := s.deps.EtcdRaft.Handle(r.Context(), msg); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
