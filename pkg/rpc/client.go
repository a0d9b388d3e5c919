package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"coredb/pkg/dberrors"
	"coredb/pkg/ledger"
	"coredb/pkg/replication"
	"coredb/pkg/session"
	"coredb/pkg/types"
)

const maxRedirects = 5

// Client talks to any member. Proposals sent to a follower are redirected to
// the leader by the member itself.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
			// 307 keeps method and body, so a redirected proposal is sent
			// again unchanged.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", len(via))
				}
				return nil
			},
		},
	}
}

// CreateSession asks the member to open a new session owned by it.
func (c *Client) CreateSession(ctx context.Context) (session.GlobalSession, error) {
	var out SessionResponse
	if err := c.do(ctx, http.MethodPost, PathSessions, nil, &out); err != nil {
		return session.GlobalSession{}, err
	}
	return session.ParseSession(out.Session)
}

// Session returns the last operation the member applied for s. ok is false
// when nothing was applied yet.
func (c *Client) Session(ctx context.Context, s session.GlobalSession) (ledger.Record, bool, error) {
	var out SessionResponse
	err := c.do(ctx, http.MethodGet, PathSessions+"/"+url.PathEscape(s.String()), nil, &out)
	if errors.Is(err, errNotFound) {
		return ledger.Record{}, false, nil
	}
	if err != nil {
		return ledger.Record{}, false, err
	}
	return ledger.Record{Seq: out.LastApplied, TxID: types.TxID(out.TxID)}, true, nil
}

func (c *Client) Propose(ctx context.Context, s session.GlobalSession, id session.LocalOperationID, payload []byte) (OutcomeResponse, error) {
	req := TransactionRequest{
		Session: s.String(),
		Seq:     id.Seq,
		Prev:    id.Prev,
		Payload: payload,
	}
	var out OutcomeResponse
	err := c.do(ctx, http.MethodPost, PathTransactions, req, &out)
	return out, err
}

func (c *Client) RequestLockToken(ctx context.Context, req LockTokenRequest) (OutcomeResponse, error) {
	var out OutcomeResponse
	err := c.do(ctx, http.MethodPost, PathLockToken, req, &out)
	return out, err
}

func (c *Client) AllocateIDs(ctx context.Context, req IDAllocationRequest) (OutcomeResponse, error) {
	var out OutcomeResponse
	err := c.do(ctx, http.MethodPost, PathIDAllocation, req, &out)
	return out, err
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, PathStatus, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, b)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode: %w body=%s", err, string(b))
	}
	return nil
}

var errNotFound = errors.New("rpc: not found")

// decodeError turns an error body back into the error the member returned,
// so callers can use errors.Is and errors.As as they would in process.
func decodeError(status int, body []byte) error {
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Code == "" {
		return fmt.Errorf("status=%d body=%s", status, string(body))
	}

	switch er.Code {
	case CodeNotLeader:
		return &dberrors.NotLeaderError{LeaderID: types.MemberID(er.LeaderID), LeaderAddr: er.LeaderAddr}
	case CodeSequenceGap:
		return &dberrors.SequenceGapError{Session: er.Session, Expected: er.Expected, Got: er.Got}
	case CodeNotFound:
		return errNotFound
	case CodeQuorumLost:
		// The member gave up waiting; the operation may still commit.
		return fmt.Errorf("%w: %w: %s", dberrors.ErrQuorumLost, replication.ErrTimeout, er.Error)
	}

	var sentinel error
	switch er.Code {
	case CodeInvalid:
		sentinel = dberrors.ErrInvalidArgument
	case CodeDropped:
		sentinel = dberrors.ErrProposalDropped
	case CodeTimeout:
		sentinel = replication.ErrTimeout
	case CodeDurability:
		sentinel = dberrors.ErrDurability
	case CodeStopped:
		sentinel = dberrors.ErrStopped
	default:
		return fmt.Errorf("status=%d: %s", status, er.Error)
	}
	return fmt.Errorf("%w: %s", sentinel, er.Error)
}
