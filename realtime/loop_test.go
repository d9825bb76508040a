package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopEnsureIsIdempotent(t *testing.T) {
	l := NewLoop(nil)
	defer l.Stop(time.Second)

	l.Ensure()
	first := l.jobs
	l.Ensure()
	assert.Equal(t, first, l.jobs, "second Ensure must not replace the running loop")
	assert.True(t, l.Running())
}

func TestLoopRunAsyncDeliversResultAndError(t *testing.T) {
	l := NewLoop(nil)
	l.Ensure()
	defer l.Stop(time.Second)

	res := <-l.RunAsync(func(context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, res.Err)
	assert.Equal(t, 42, res.Value)

	boom := errors.New("boom")
	res = <-l.RunAsync(func(context.Context) (any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, res.Err, boom)
}

func TestLoopRunSyncTimeoutYieldsNoResult(t *testing.T) {
	l := NewLoop(nil)
	l.Ensure()
	defer l.Stop(time.Second)

	v, ok := l.RunSync(func(ctx context.Context) (any, error) {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return "late", nil
	}, 10*time.Millisecond)
	assert.Nil(t, v)
	assert.False(t, ok)

	// The loop is still running and accepts further work.
	v, ok = l.RunSync(func(context.Context) (any, error) { return "fine", nil }, time.Second)
	assert.True(t, ok)
	assert.Equal(t, "fine", v)
}

func TestLoopStopThenEnsureYieldsFreshLoop(t *testing.T) {
	l := NewLoop(nil)
	l.Ensure()
	l.Stop(time.Second)
	assert.False(t, l.Running())

	res := <-l.RunAsync(func(context.Context) (any, error) { return 1, nil })
	assert.ErrorIs(t, res.Err, ErrLoopStopped)

	l.Ensure()
	defer l.Stop(time.Second)
	require.True(t, l.Running())

	res = <-l.RunAsync(func(context.Context) (any, error) { return "reborn", nil })
	require.NoError(t, res.Err)
	assert.Equal(t, "reborn", res.Value)
}

func TestLoopRunSyncFailureIsSentinelNotPanic(t *testing.T) {
	l := NewLoop(nil)
	l.Ensure()
	defer l.Stop(time.Second)

	v, ok := l.RunSync(func(context.Context) (any, error) {
		return nil, errors.New("operation failed")
	}, time.Second)
	assert.Nil(t, v)
	assert.False(t, ok)
}
