package raftadapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"coredb/pkg/types"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	Endpoint         = "/api/internal/etcdraft"
	ContentType      = "application/x-protobuf"
	transportTimeout = 3 * time.Second
	maxRetries       = 3
	retryDelay       = 100 * time.Millisecond
	maxMessageSize   = 64 << 20
)

type Transport struct {
	peersMu    sync.RWMutex
	peers      map[types.MemberID]string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewTransport(peers map[types.MemberID]string, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	cp := make(map[types.MemberID]string, len(peers))
	for id, addr := range peers {
		cp[id] = addr
	}
	return &Transport{
		peers: cp,
		httpClient: &http.Client{
			Timeout: transportTimeout,
		},
		logger: logger,
	}
}

func (t *Transport) AddPeer(id types.MemberID, addr string) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.peers[id] = addr
}

func (t *Transport) RemovePeer(id types.MemberID) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	delete(t.peers, id)
}

func (t *Transport) UpdatePeer(id types.MemberID, addr string) {
	t.AddPeer(id, addr)
}

// PeerAddr returns the base URL of a member, or "" if unknown.
func (t *Transport) PeerAddr(id types.MemberID) string {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	return t.peers[id]
}

func (t *Transport) Send(msg raftpb.Message) error {
	targetAddr := t.PeerAddr(types.MemberID(msg.To))
	if targetAddr == "" {
		return fmt.Errorf("unknown peer node: %d", msg.To)
	}

	url := targetAddr + Endpoint

	body, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	// Heartbeats are resent by raft itself.
	attempts := maxRetries
	if msg.Type == raftpb.MsgHeartbeat || msg.Type == raftpb.MsgHeartbeatResp {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := t.sendHTTP(url, body); err != nil {
			lastErr = err
			t.logger.Debug("failed to send raft message, retrying",
				"attempt", attempt+1,
				"to", msg.To,
				"type", msg.Type,
				"error", err)
			time.Sleep(retryDelay * time.Duration(attempt+1))
			continue
		}
		return nil
	}

	return fmt.Errorf("failed to send after %d attempts: %w", attempts, lastErr)
}

func (t *Transport) sendHTTP(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), transportTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", ContentType)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	return nil
}

// DecodeMessage reads a message posted by Transport.
func DecodeMessage(r io.Reader) (raftpb.Message, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxMessageSize))
	if err != nil {
		return raftpb.Message{}, fmt.Errorf("read message: %w", err)
	}
	var msg raftpb.Message
	if err := msg.Unmarshal(body); err != nil {
		return raftpb.Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	return msg, nil
}
