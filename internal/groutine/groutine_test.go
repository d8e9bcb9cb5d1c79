package groutine

import (
	"context"
	"runtime/pprof"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGo_LabelsGoroutine(t *testing.T) {
	done := make(chan struct{})
	var name, label string

	Go(nil, "worker-1", func(ctx context.Context) {
		defer close(done)
		name = Name(ctx)
		label, _ = pprof.Label(ctx, "goroutine_name")
	})
	<-done

	assert.Equal(t, "worker-1", name)
	assert.Equal(t, "worker-1", label, "pprof label MUST carry the goroutine name")
}

func TestName_WithoutLabel(t *testing.T) {
	assert.Empty(t, Name(context.Background()))
	assert.Empty(t, Name(nil)) //nolint:staticcheck
}

func TestGroup_Wait(t *testing.T) {
	var g Group
	var n atomic.Int32
	for i := 0; i < 10; i++ {
		g.Go(context.Background(), "member", func(context.Context) { n.Add(1) })
	}
	g.Wait()

	assert.Equal(t, int32(10), n.Load(), "Wait MUST return only after every member finished")
}
