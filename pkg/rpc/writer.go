package rpc

import (
	"context"
	"errors"
	"time"

	"coredb/pkg/dberrors"
	"coredb/pkg/replication"
	"coredb/pkg/session"
	"coredb/pkg/types"
)

// Writer proposes the transactions of one session in order. An attempt whose
// outcome is unknown is retried with the same operation id, which the
// cluster applies at most once.
//
// A Writer is not safe for concurrent use.
type Writer struct {
	client  *Client
	session *session.Client

	Attempts int
	Backoff  time.Duration
}

func NewWriter(c *Client, s *session.Client) *Writer {
	return &Writer{
		client:   c,
		session:  s,
		Attempts: 5,
		Backoff:  200 * time.Millisecond,
	}
}

func (w *Writer) Session() session.GlobalSession {
	return w.session.Session()
}

// Write proposes payload as the next operation of the session.
func (w *Writer) Write(ctx context.Context, payload []byte) (OutcomeResponse, error) {
	return w.submit(ctx, w.session.NextOperationID(), payload)
}

// Resubmit proposes payload again under the id of the last Write. Use it when
// Write gave up with an ambiguous error.
func (w *Writer) Resubmit(ctx context.Context, payload []byte) (OutcomeResponse, error) {
	return w.submit(ctx, w.session.Retry(), payload)
}

func (w *Writer) submit(ctx context.Context, id session.LocalOperationID, payload []byte) (OutcomeResponse, error) {
	var (
		out OutcomeResponse
		err error
	)
	for attempt := 1; ; attempt++ {
		out, err = w.client.Propose(ctx, w.session.Session(), id, payload)
		if err == nil || !Retryable(err) || attempt >= w.Attempts {
			return out, err
		}

		t := time.NewTimer(w.Backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return out, err
		}
	}
}

// Retryable reports whether the same operation id may be proposed again
// after err.
func Retryable(err error) bool {
	var nl *dberrors.NotLeaderError
	if errors.As(err, &nl) {
		// A known leader was already followed by the redirect.
		return nl.LeaderID == types.None
	}
	return errors.Is(err, replication.ErrTimeout) ||
		errors.Is(err, dberrors.ErrQuorumLost) ||
		errors.Is(err, dberrors.ErrProposalDropped)
}
