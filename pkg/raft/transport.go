package raft

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"coredb/pkg/types"
)

const (
	VoteEndpoint   = "/api/internal/raft/vote"
	AppendEndpoint = "/api/internal/raft/append"
)

// HTTPTransport posts RPCs as JSON to the peer's internal endpoints. Peer
// addresses are base URLs such as http://10.0.0.2:8080 and may change at
// runtime.
type HTTPTransport struct {
	peersMu    sync.RWMutex
	peers      map[types.MemberID]string
	httpClient *http.Client
}

func NewHTTPTransport(peers map[types.MemberID]string) *HTTPTransport {
	cp := make(map[types.MemberID]string, len(peers))
	for id, addr := range peers {
		cp[id] = addr
	}
	return &HTTPTransport{
		peers:      cp,
		httpClient: &http.Client{},
	}
}

func (t *HTTPTransport) AddPeer(id types.MemberID, addr string) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.peers[id] = addr
}

func (t *HTTPTransport) RemovePeer(id types.MemberID) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	delete(t.peers, id)
}

func (t *HTTPTransport) UpdatePeer(id types.MemberID, addr string) {
	t.AddPeer(id, addr)
}

// PeerAddr returns the base URL of a member, or "" if unknown.
func (t *HTTPTransport) PeerAddr(id types.MemberID) string {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	return t.peers[id]
}

func (t *HTTPTransport) RequestVote(ctx context.Context, to types.MemberID, req RequestVoteRequest) (RequestVoteResponse, error) {
	var resp RequestVoteResponse
	err := t.call(ctx, to, VoteEndpoint, req, &resp)
	return resp, err
}

func (t *HTTPTransport) AppendEntries(ctx context.Context, to types.MemberID, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	var resp AppendEntriesResponse
	err := t.call(ctx, to, AppendEndpoint, req, &resp)
	return resp, err
}

func (t *HTTPTransport) call(ctx context.Context, to types.MemberID, endpoint string, in, out any) error {
	addr := t.PeerAddr(to)
	if addr == "" {
		return fmt.Errorf("unknown peer member: %d", to)
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
