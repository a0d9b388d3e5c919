package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"coredb/pkg/dberrors"
	"coredb/pkg/replication"
	"coredb/pkg/session"
	"coredb/pkg/types"

	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// leaderStub answers transactions with the queued responses, then with
// applied.
type leaderStub struct {
	mu       sync.Mutex
	requests []TransactionRequest
	queue    []func(w http.ResponseWriter)
}

func (l *leaderStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	l.mu.Lock()
	l.requests = append(l.requests, req)
	var next func(w http.ResponseWriter)
	if len(l.queue) > 0 {
		next, l.queue = l.queue[0], l.queue[1:]
	}
	l.mu.Unlock()

	if next != nil {
		next(w)
		return
	}
	writeJSON(w, http.StatusOK, OutcomeResponse{Status: "applied", Index: 4, Term: 1, TxID: 900 + req.Seq})
}

func (l *leaderStub) seen() []TransactionRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]TransactionRequest(nil), l.requests...)
}

func TestClient_FollowsRedirectToLeader(t *testing.T) {
	leader := &leaderStub{}
	leaderSrv := httptest.NewServer(leader)
	defer leaderSrv.Close()

	follower := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, leaderSrv.URL+r.URL.Path, http.StatusTemporaryRedirect)
	}))
	defer follower.Close()

	c := NewClient(follower.URL, time.Second)
	s := session.NewSession(2)
	out, err := c.Propose(context.Background(), s, session.LocalOperationID{Seq: 1}, []byte("tx"))
	require.NoError(t, err)
	require.Equal(t, "applied", out.Status)
	require.EqualValues(t, 901, out.TxID)

	reqs := leader.seen()
	require.Len(t, reqs, 1)
	require.Equal(t, s.String(), reqs[0].Session)
	require.Equal(t, []byte("tx"), reqs[0].Payload, "body survives the redirect")
}

func TestClient_DecodesErrors(t *testing.T) {
	cases := []struct {
		name  string
		resp  ErrorResponse
		check func(t *testing.T, err error)
	}{
		{
			name: "not leader",
			resp: ErrorResponse{Code: CodeNotLeader, LeaderID: 3, LeaderAddr: "http://m3"},
			check: func(t *testing.T, err error) {
				var nl *dberrors.NotLeaderError
				require.ErrorAs(t, err, &nl)
				require.Equal(t, types.MemberID(3), nl.LeaderID)
				require.Equal(t, "http://m3", nl.LeaderAddr)
			},
		},
		{
			name: "sequence gap",
			resp: ErrorResponse{Code: CodeSequenceGap, Session: "s", Expected: 4, Got: 6},
			check: func(t *testing.T, err error) {
				var gap *dberrors.SequenceGapError
				require.ErrorAs(t, err, &gap)
				require.Equal(t, uint64(4), gap.Expected)
				require.False(t, Retryable(err))
			},
		},
		{
			name: "timeout",
			resp: ErrorResponse{Code: CodeTimeout, Error: "outcome unknown"},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, replication.ErrTimeout)
				require.True(t, Retryable(err))
			},
		},
		{
			name: "quorum lost",
			resp: ErrorResponse{Code: CodeQuorumLost},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, dberrors.ErrQuorumLost)
				require.ErrorIs(t, err, replication.ErrTimeout)
			},
		},
		{
			name: "durability",
			resp: ErrorResponse{Code: CodeDurability},
			check: func(t *testing.T, err error) {
				require.ErrorIs(t, err, dberrors.ErrDurability)
				require.False(t, Retryable(err))
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusServiceUnavailable, tc.resp)
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, time.Second).Propose(context.Background(), session.NewSession(1), session.LocalOperationID{Seq: 1}, nil)
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestClient_SessionLookup(t *testing.T) {
	s := session.NewSession(1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathSessions + "/" + s.String():
			writeJSON(w, http.StatusOK, SessionResponse{Session: s.String(), LastApplied: 7, TxID: 70})
		default:
			writeJSON(w, http.StatusNotFound, ErrorResponse{Code: CodeNotFound})
		}
	}))
	defer srv.Close()
	c := NewClient(srv.URL, time.Second)

	rec, ok, err := c.Session(context.Background(), s)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), rec.Seq)
	require.Equal(t, types.TxID(70), rec.TxID)

	_, ok, err = c.Session(context.Background(), session.NewSession(1))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWriter_RetriesAmbiguousWithSameID(t *testing.T) {
	timeout := func(w http.ResponseWriter) {
		writeJSON(w, http.StatusGatewayTimeout, ErrorResponse{Code: CodeTimeout})
	}
	leader := &leaderStub{queue: []func(http.ResponseWriter){timeout, timeout}}
	srv := httptest.NewServer(leader)
	defer srv.Close()

	w := NewWriter(NewClient(srv.URL, time.Second), session.NewClient(1))
	w.Backoff = time.Millisecond

	out, err := w.Write(context.Background(), []byte("a"))
	require.NoError(t, err)
	require.Equal(t, "applied", out.Status)

	out, err = w.Write(context.Background(), []byte("b"))
	require.NoError(t, err)
	require.EqualValues(t, 902, out.TxID)

	reqs := leader.seen()
	require.Len(t, reqs, 4)
	for _, r := range reqs[:3] {
		require.Equal(t, uint64(1), r.Seq, "retries reuse the operation id")
		require.Equal(t, uint64(0), r.Prev)
	}
	require.Equal(t, uint64(2), reqs[3].Seq)
	require.Equal(t, uint64(1), reqs[3].Prev)
}

func TestWriter_GivesUpAfterAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Code: CodeNotLeader})
	}))
	defer srv.Close()

	w := NewWriter(NewClient(srv.URL, time.Second), session.NewClient(1))
	w.Attempts = 3
	w.Backoff = time.Millisecond

	_, err := w.Write(context.Background(), []byte("a"))
	require.ErrorIs(t, err, dberrors.ErrNotLeader)

	// Resubmit keeps the id of the failed write.
	leader := &leaderStub{}
	srv2 := httptest.NewServer(leader)
	defer srv2.Close()
	w.client = NewClient(srv2.URL, time.Second)

	_, err = w.Resubmit(context.Background(), []byte("a"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), leader.seen()[0].Seq)
}
