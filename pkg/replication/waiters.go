package replication

import (
	"sync"

	"coredb/pkg/applier"
	"coredb/pkg/dberrors"
	"coredb/pkg/types"
)

type result struct {
	outcome applier.Outcome
	err     error
}

type waiter struct {
	term types.Term
	ch   chan result
}

// Waiters parks proposers on the (index, term) their proposal was given and
// resolves them from applier outcomes. Create it before the applier and pass
// Notify as the applier's notify hook.
type Waiters struct {
	mu      sync.Mutex
	pending map[types.LogIndex][]*waiter
	applied types.LogIndex
}

func NewWaiters() *Waiters {
	return &Waiters{pending: make(map[types.LogIndex][]*waiter)}
}

// Notify resolves every waiter of o.Index. A waiter registered with another
// term lost its entry to a different leader.
func (w *Waiters) Notify(o applier.Outcome) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if o.Index > w.applied {
		w.applied = o.Index
	}
	for _, wt := range w.pending[o.Index] {
		if wt.term == o.Term {
			wt.ch <- result{outcome: o}
		} else {
			wt.ch <- result{outcome: applier.Outcome{Index: o.Index, Term: wt.term}, err: dberrors.ErrProposalDropped}
		}
	}
	delete(w.pending, o.Index)
}

// propose runs fn with Notify held off, so the outcome of the index fn
// returns cannot be delivered before the waiter exists.
func (w *Waiters) propose(fn func() (types.LogIndex, types.Term, error)) (*waiter, types.LogIndex, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	index, term, err := fn()
	if err != nil {
		return nil, 0, err
	}
	wt := &waiter{term: term, ch: make(chan result, 1)}
	if index <= w.applied {
		// an index that was already applied cannot hold this proposal
		wt.ch <- result{outcome: applier.Outcome{Index: index, Term: term}, err: dberrors.ErrProposalDropped}
		return wt, index, nil
	}
	w.pending[index] = append(w.pending[index], wt)
	return wt, index, nil
}

func (w *Waiters) cancel(index types.LogIndex, wt *waiter) {
	w.mu.Lock()
	defer w.mu.Unlock()

	list := w.pending[index]
	for i, cand := range list {
		if cand == wt {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(w.pending, index)
	} else {
		w.pending[index] = list
	}
}

// Len returns the number of parked proposers.
func (w *Waiters) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, list := range w.pending {
		n += len(list)
	}
	return n
}
