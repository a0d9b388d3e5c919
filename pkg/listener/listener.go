// Package listener runs a handler over every value received on a channel,
// one value at a time, on a single goroutine.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

type Listener[T any] struct {
	handler     func(input T) error
	stopHandler func()
	onError     func(error)

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()

	errMu sync.Mutex
	err   error
}

var _ Job = (*Listener[int])(nil)

func New[T any](
	in <-chan T,
	handler func(T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
		onError:     func(error) {},
	}
}

// OnError registers fn to be called once when the handler fails. The
// listener stops consuming after the first failure. Call before Start.
func (l *Listener[T]) OnError(fn func(error)) {
	l.onError = fn
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil:
				l.errMu.Lock()
				l.err = err
				l.errMu.Unlock()
				l.onError(err)
				return
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		if err := l.handler(inp); err != nil {
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

// Err returns the handler failure that stopped the listener, if any.
func (l *Listener[T]) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
