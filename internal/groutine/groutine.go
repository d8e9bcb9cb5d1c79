// Package groutine starts goroutines carrying a pprof "goroutine_name" label so the
// bridge's event loop, scan timers and backend workers are identifiable in profiles.
package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
)

type ctxKey string

const nameKey ctxKey = "goroutine_name"

// Go runs fn in a new goroutine labelled with name. A nil parent means context.Background().
//
//	groutine.Go(ctx, "bridge-events", func(ctx context.Context) {
//	    // work
//	})
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}
	go pprof.Do(parent, pprof.Labels(string(nameKey), name), func(ctx context.Context) {
		fn(context.WithValue(ctx, nameKey, name))
	})
}

// Name returns the label given to the goroutine that owns ctx.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(nameKey).(string)
	return s
}

// Group is a set of named goroutines that can be waited for together.
type Group struct {
	wg sync.WaitGroup
}

// Go starts fn as a member of the group.
func (g *Group) Go(parent context.Context, name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	Go(parent, name, func(ctx context.Context) {
		defer g.wg.Done()
		fn(ctx)
	})
}

// Wait blocks until every member has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}
