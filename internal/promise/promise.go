// Package promise provides a single-assignment result with ordered
// continuations.
package promise

import (
	"context"
	"sync"
)

// Promise is resolved exactly once, with either a value or an error. The
// zero value is not usable; create one with New.
type Promise[T any] struct {
	mu    sync.Mutex
	done  chan struct{}
	val   T
	err   error
	conts []func(T, error)
}

// New returns an unresolved promise.
func New[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// TrySucceed resolves p with v. It reports false if p was already resolved.
func (p *Promise[T]) TrySucceed(v T) bool {
	return p.complete(v, nil)
}

// TryFail resolves p with err. It reports false if p was already resolved.
// A nil err is not a failure and is rejected.
func (p *Promise[T]) TryFail(err error) bool {
	if err == nil {
		return false
	}
	var zero T
	return p.complete(zero, err)
}

func (p *Promise[T]) complete(v T, err error) bool {
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return false
	default:
	}
	p.val, p.err = v, err
	conts := p.conts
	p.conts = nil
	close(p.done)
	p.mu.Unlock()

	// Continuations run outside the lock and in registration order on the
	// resolving goroutine.
	for _, fn := range conts {
		fn(v, err)
	}
	return true
}

// OnComplete registers fn to observe the outcome. If p is already resolved fn
// runs immediately on the calling goroutine.
func (p *Promise[T]) OnComplete(fn func(T, error)) {
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		fn(p.val, p.err)
		return
	default:
	}
	p.conts = append(p.conts, fn)
	p.mu.Unlock()
}

// Done is closed once p is resolved.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Resolved reports whether p has an outcome.
func (p *Promise[T]) Resolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome, or the zero value and nil while p is unresolved.
func (p *Promise[T]) Result() (T, error) {
	if !p.Resolved() {
		var zero T
		return zero, nil
	}
	return p.val, p.err
}

// Wait blocks until p is resolved or ctx is done.
func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
