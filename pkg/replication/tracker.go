package replication

import (
	"log/slog"

	"coredb/pkg/consensus"
	"coredb/pkg/content"
	"coredb/pkg/session"

	"github.com/zhangyunhao116/skipmap"
)

// Tracker remembers, per session, the highest operation sequence number
// found in any entry appended to the local log, committed or not. A new
// leader uses it to recognise operations still in flight from earlier terms.
//
// Entries that are later truncated stay counted: an operation lost that way
// is resolved by the applier as a gap or by the client retrying it.
type Tracker struct {
	accepted *skipmap.FuncMap[session.GlobalSession, uint64]
	logger   *slog.Logger
}

var _ consensus.AppendObserver = (*Tracker)(nil)

func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		accepted: skipmap.NewFunc[session.GlobalSession, uint64](func(a, b session.GlobalSession) bool {
			return a.Less(b)
		}),
		logger: logger,
	}
}

// Observe is called by the consensus engine on its own goroutine.
func (t *Tracker) Observe(entries []consensus.Entry) {
	for _, e := range entries {
		if len(e.Data) == 0 || content.Tag(e.Data[0]) != content.TagTransaction {
			continue
		}
		c, err := content.Unmarshal(e.Data)
		if err != nil {
			t.logger.Warn("tracker cannot decode appended entry", "index", e.Index, "error", err)
			continue
		}
		tx := c.(*content.Transaction)
		if seq := tx.OperationID.Seq; seq > t.Accepted(tx.Session) {
			t.accepted.Store(tx.Session, seq)
		}
	}
}

// Accepted returns the highest sequence number seen for s, or 0.
func (t *Tracker) Accepted(s session.GlobalSession) uint64 {
	seq, _ := t.accepted.Load(s)
	return seq
}
