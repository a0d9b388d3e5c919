package http

import (
	"context"
	"errors"
	"net/http"

	"coredb/pkg/applier"
	"coredb/pkg/dberrors"
	"coredb/pkg/replication"
	"coredb/pkg/rpc"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusStopped means the applier halted and the member no longer
	// serves proposals.
	StatusStopped Status = "stopped"
)

// Response is the body of the health check.
type Response struct {
	Status Status `json:"status"`
	Member uint64 `json:"member"`
	Role   string `json:"role"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse(member uint64, role string) Response {
	return Response{Status: StatusOK, Member: member, Role: role}
}

func NewErrorResponse(code, msg string) rpc.ErrorResponse {
	return rpc.ErrorResponse{Code: code, Error: msg}
}

func newOutcomeResponse(o applier.Outcome) rpc.OutcomeResponse {
	out := rpc.OutcomeResponse{
		Index: uint64(o.Index),
		Term:  uint64(o.Term),
		TxID:  uint64(o.TxID),
	}
	switch o.Status {
	case applier.StatusApplied:
		out.Status = "applied"
	case applier.StatusAlreadyApplied:
		out.Status = "already_applied"
	default:
		out.Status = "rejected"
		if o.Reason != nil {
			out.Reason = o.Reason.Error()
		}
	}
	return out
}

// errorResponse maps an error from the proposal path to an HTTP status and
// body. Checks run from the most specific error to the least.
func errorResponse(err error) (int, rpc.ErrorResponse) {
	var (
		nl  *dberrors.NotLeaderError
		gap *dberrors.SequenceGapError
	)
	switch {
	case errors.As(err, &nl):
		resp := NewErrorResponse(rpc.CodeNotLeader, err.Error())
		resp.LeaderID = uint64(nl.LeaderID)
		resp.LeaderAddr = nl.LeaderAddr
		return http.StatusServiceUnavailable, resp
	case errors.As(err, &gap):
		resp := NewErrorResponse(rpc.CodeSequenceGap, err.Error())
		resp.Session = gap.Session
		resp.Expected = gap.Expected
		resp.Got = gap.Got
		return http.StatusConflict, resp
	case errors.Is(err, dberrors.ErrInvalidArgument):
		return http.StatusBadRequest, NewErrorResponse(rpc.CodeInvalid, err.Error())
	case errors.Is(err, dberrors.ErrQuorumLost):
		return http.StatusServiceUnavailable, NewErrorResponse(rpc.CodeQuorumLost, err.Error())
	case errors.Is(err, replication.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, NewErrorResponse(rpc.CodeTimeout, err.Error())
	case errors.Is(err, dberrors.ErrProposalDropped):
		return http.StatusServiceUnavailable, NewErrorResponse(rpc.CodeDropped, err.Error())
	case errors.Is(err, dberrors.ErrDurability):
		return http.StatusInternalServerError, NewErrorResponse(rpc.CodeDurability, err.Error())
	case errors.Is(err, dberrors.ErrStopped):
		return http.StatusServiceUnavailable, NewErrorResponse(rpc.CodeStopped, err.Error())
	default:
		return http.StatusInternalServerError, NewErrorResponse(rpc.CodeInternal, err.Error())
	}
}
