// Package inflight collapses concurrent operations on the same key into a
// single execution and short-circuits keys that failed recently.
package inflight

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// ErrRecentlyFailed is returned without running the operation when the key
// failed within the configured window.
var ErrRecentlyFailed = errors.New("recently failed")

// Group runs at most one operation per key at a time. Callers arriving
// while an operation is outstanding wait for and share its result.
type Group[T any] struct {
	sf     singleflight.Group
	failed *expirable.LRU[string, error]
}

// NewGroup creates a Group that remembers up to failedKeys failures for
// failedTTL. A non-positive failedKeys or failedTTL disables the
// recently-failed set.
func NewGroup[T any](failedKeys int, failedTTL time.Duration) *Group[T] {
	g := &Group[T]{}
	if failedKeys > 0 && failedTTL > 0 {
		g.failed = expirable.NewLRU[string, error](failedKeys, nil, failedTTL)
	}
	return g
}

// Do runs fn for key, or waits for an outstanding run of the same key.
// Cancelling ctx abandons the wait but not the shared run, which receives
// a context detached from the first caller's cancellation.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if g.failed != nil {
		if cause, ok := g.failed.Get(key); ok {
			return zero, fmt.Errorf("%s: %w: %w", key, ErrRecentlyFailed, cause)
		}
	}

	shared := context.WithoutCancel(ctx)
	ch := g.sf.DoChan(key, func() (interface{}, error) {
		v, err := fn(shared)
		g.record(key, err)
		return v, err
	})

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

func (g *Group[T]) record(key string, err error) {
	if g.failed == nil {
		return
	}
	if err == nil || errors.Is(err, context.Canceled) {
		g.failed.Remove(key)
		return
	}
	g.failed.Add(key, err)
}

// Forget clears any outstanding run and failure record for key, so the
// next Do starts a fresh run.
func (g *Group[T]) Forget(key string) {
	g.sf.Forget(key)
	if g.failed != nil {
		g.failed.Remove(key)
	}
}

// RecentlyFailed reports whether key is currently short-circuited.
func (g *Group[T]) RecentlyFailed(key string) bool {
	if g.failed == nil {
		return false
	}
	_, ok := g.failed.Peek(key)
	return ok
}
