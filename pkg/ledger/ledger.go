// Package ledger keeps, per session, the last operation applied on this
// member. Only the applier writes to it; any goroutine may read.
package ledger

import (
	"fmt"
	"sync/atomic"

	"coredb/pkg/dberrors"
	"coredb/pkg/session"
	"coredb/pkg/types"

	"github.com/zhangyunhao116/skipmap"
)

// Record is the last applied operation of a session and the storage result
// it produced.
type Record struct {
	Seq  uint64     `json:"seq"`
	TxID types.TxID `json:"txId"`
}

// Source supplies persisted records when a ledger is opened.
type Source interface {
	LoadLedger(fn func(s session.GlobalSession, rec Record) error) error
}

type sessionMap = skipmap.FuncMap[session.GlobalSession, Record]

type Ledger struct {
	sessions atomic.Pointer[sessionMap]
}

func newSessionMap() *sessionMap {
	return skipmap.NewFunc[session.GlobalSession, Record](func(a, b session.GlobalSession) bool {
		return a.Less(b)
	})
}

// Open builds a ledger from src. A nil src opens an empty ledger.
func Open(src Source) (*Ledger, error) {
	m := newSessionMap()
	if src != nil {
		err := src.LoadLedger(func(s session.GlobalSession, rec Record) error {
			m.Store(s, rec)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("load ledger: %w", err)
		}
	}

	l := &Ledger{}
	l.sessions.Store(m)
	return l, nil
}

// Get returns the record of s, if any operation of s was applied.
func (l *Ledger) Get(s session.GlobalSession) (Record, bool) {
	m := l.sessions.Load()
	if m == nil {
		return Record{}, false
	}
	return m.Load(s)
}

// LastApplied returns the last applied sequence number of s, or 0.
func (l *Ledger) LastApplied(s session.GlobalSession) uint64 {
	rec, _ := l.Get(s)
	return rec.Seq
}

// Advance records rec as the last applied operation of s. A sequence number
// lower than the current one is refused; the ledger never goes back.
func (l *Ledger) Advance(s session.GlobalSession, rec Record) error {
	m := l.sessions.Load()
	if m == nil {
		return dberrors.ErrStopped
	}
	if cur, ok := m.Load(s); ok && rec.Seq < cur.Seq {
		return fmt.Errorf("%w: session %s would move back from %d to %d",
			dberrors.ErrInvalidArgument, s, cur.Seq, rec.Seq)
	}
	m.Store(s, rec)
	return nil
}

// Range calls fn for every session in session order until fn returns false.
func (l *Ledger) Range(fn func(s session.GlobalSession, rec Record) bool) {
	if m := l.sessions.Load(); m != nil {
		m.Range(fn)
	}
}

func (l *Ledger) Len() int {
	if m := l.sessions.Load(); m != nil {
		return m.Len()
	}
	return 0
}

// Close drops the in-memory state. Later writes fail with ErrStopped.
func (l *Ledger) Close() error {
	l.sessions.Store(nil)
	return nil
}
