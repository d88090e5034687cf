package async

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Flight collapses concurrent calls for the same key into one execution.
// The shared call does not run under any single caller's context: it keeps
// the first caller's values, and it is cancelled only once every caller
// waiting on it has returned. The zero value is ready to use.
type Flight[T any] struct {
	group singleflight.Group

	mu    sync.Mutex
	calls map[string]*flightCall
}

type flightCall struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Do runs fn once for all concurrent callers of key and returns its result.
// A caller whose ctx ends returns ctx.Err() while the others keep waiting.
func (f *Flight[T]) Do(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	call := f.join(ctx, key)
	defer f.leave(key, call)

	ch := f.group.DoChan(key, func() (any, error) {
		return fn(call.ctx)
	})

	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(T)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (f *Flight[T]) join(ctx context.Context, key string) *flightCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.calls == nil {
		f.calls = make(map[string]*flightCall)
	}
	call, ok := f.calls[key]
	if !ok {
		callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		call = &flightCall{ctx: callCtx, cancel: cancel}
		f.calls[key] = call
	}
	call.waiters++
	return call
}

// leave drops a waiter. The last one out cancels the call and forgets it so
// a later caller starts a fresh execution instead of joining an abandoned one.
func (f *Flight[T]) leave(key string, call *flightCall) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if call.waiters--; call.waiters > 0 {
		return
	}
	call.cancel()
	if f.calls[key] == call {
		delete(f.calls, key)
	}
	f.group.Forget(key)
}
