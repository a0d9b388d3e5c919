package ledger

import (
	"errors"
	"testing"

	"coredb/pkg/dberrors"
	"coredb/pkg/session"

	"github.com/stretchr/testify/require"
)

type mapSource map[session.GlobalSession]Record

func (m mapSource) LoadLedger(fn func(session.GlobalSession, Record) error) error {
	for s, rec := range m {
		if err := fn(s, rec); err != nil {
			return err
		}
	}
	return nil
}

type failingSource struct{}

func (failingSource) LoadLedger(func(session.GlobalSession, Record) error) error {
	return errors.New("bucket missing")
}

func TestLedger_NeverMovesBack(t *testing.T) {
	l, err := Open(nil)
	require.NoError(t, err)
	s := session.NewSession(1)

	require.Equal(t, uint64(0), l.LastApplied(s))
	require.NoError(t, l.Advance(s, Record{Seq: 1, TxID: 10}))
	require.NoError(t, l.Advance(s, Record{Seq: 4, TxID: 11}))

	err = l.Advance(s, Record{Seq: 3})
	require.ErrorIs(t, err, dberrors.ErrInvalidArgument)
	require.Equal(t, Record{Seq: 4, TxID: 11}, mustGet(t, l, s))
}

func TestLedger_OpenFromSource(t *testing.T) {
	a, b := session.NewSession(1), session.NewSession(2)
	l, err := Open(mapSource{a: {Seq: 7, TxID: 3}, b: {Seq: 2, TxID: 9}})
	require.NoError(t, err)

	require.Equal(t, 2, l.Len())
	require.Equal(t, uint64(7), l.LastApplied(a))
	require.Equal(t, uint64(2), l.LastApplied(b))

	var order []session.GlobalSession
	l.Range(func(s session.GlobalSession, _ Record) bool {
		order = append(order, s)
		return true
	})
	require.Len(t, order, 2)
	require.True(t, order[0].Less(order[1]))

	_, err = Open(failingSource{})
	require.Error(t, err)
}

func TestLedger_Close(t *testing.T) {
	l, err := Open(nil)
	require.NoError(t, err)
	s := session.NewSession(1)
	require.NoError(t, l.Advance(s, Record{Seq: 1}))

	require.NoError(t, l.Close())
	_, ok := l.Get(s)
	require.False(t, ok)
	require.Zero(t, l.Len())
	require.ErrorIs(t, l.Advance(s, Record{Seq: 2}), dberrors.ErrStopped)
}

func mustGet(t *testing.T, l *Ledger, s session.GlobalSession) Record {
	t.Helper()
	rec, ok := l.Get(s)
	require.True(t, ok)
	return rec
}
