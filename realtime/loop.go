// Package realtime owns the background event loop for duplex provider
// sessions, the turn-mode/session-handle bookkeeping, and a websocket client
// whose network operations all run on that loop.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrLoopStopped is returned to operations scheduled on a loop that is not
// running or shut down before the operation could execute.
var ErrLoopStopped = errors.New("realtime: loop not running")

// Op is one operation scheduled onto the loop. The context is cancelled
// when the loop stops; blocking work inside an op must honor it.
type Op func(ctx context.Context) (any, error)

// Result is the outcome of an async operation.
type Result struct {
	Value any
	Err   error
}

type job struct {
	op      Op
	deliver func(Result)
}

// Loop is a long-lived background worker with its own job queue. All
// realtime network operations are scheduled onto it from other goroutines
// through RunAsync/RunSync; nothing touches its internals cross-thread.
// At most one live worker exists per Loop; after Stop, Ensure starts a
// fresh one, so the instance is reusable.
type Loop struct {
	mu      sync.Mutex
	running bool
	jobs    chan job
	stopped chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
	logger  *slog.Logger
}

// NewLoop creates a stopped loop.
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{logger: logger.With("component", "realtime_loop")}
}

// Ensure starts the background worker if it is not already running.
// Idempotent: a running loop is left untouched.
func (l *Loop) Ensure() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.jobs = make(chan job, 64)
	l.stopped = make(chan struct{})
	l.done = make(chan struct{})
	l.cancel = cancel
	l.running = true

	go l.run(ctx, l.jobs, l.done)
	l.logger.Debug("background loop started")
}

func (l *Loop) run(ctx context.Context, jobs chan job, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			// Fail pending jobs instead of leaving their callers hanging.
			for {
				select {
				case j := <-jobs:
					j.deliver(Result{Err: ErrLoopStopped})
				default:
					return
				}
			}
		case j := <-jobs:
			v, err := j.op(ctx)
			j.deliver(Result{Value: v, Err: err})
		}
	}
}

// RunAsync schedules op onto the loop from any goroutine and returns a
// channel that receives exactly one Result. Safe to call from the UI
// thread; scheduling never executes the op inline.
func (l *Loop) RunAsync(op Op) <-chan Result {
	out := make(chan Result, 1)
	var once sync.Once
	deliver := func(r Result) {
		once.Do(func() { out <- r })
	}

	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		deliver(Result{Err: ErrLoopStopped})
		return out
	}
	jobs, stopped := l.jobs, l.stopped
	l.mu.Unlock()

	select {
	case jobs <- job{op: op, deliver: deliver}:
		// A stop racing the enqueue could strand the job in a queue the
		// worker already abandoned; resolving it here is safe because
		// delivery is once-only.
		select {
		case <-stopped:
			deliver(Result{Err: ErrLoopStopped})
		default:
		}
	case <-stopped:
		deliver(Result{Err: ErrLoopStopped})
	}
	return out
}

// RunSync schedules op and blocks up to timeout for its result. Timeouts
// and operation failures both yield (nil, false); callers needing the
// failure detail use RunAsync.
func (l *Loop) RunSync(op Op, timeout time.Duration) (any, bool) {
	res := l.RunAsync(op)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-res:
		if r.Err != nil {
			l.logger.Debug("sync operation failed", "error", r.Err)
			return nil, false
		}
		return r.Value, true
	case <-timer.C:
		l.logger.Warn("sync operation timed out", "timeout", timeout)
		return nil, false
	}
}

// Stop asks the worker to halt and waits for it up to timeout. The loop can
// be restarted with Ensure afterwards.
func (l *Loop) Stop(timeout time.Duration) {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopped)
	l.cancel()
	done := l.done
	l.mu.Unlock()

	select {
	case <-done:
	case <-time.After(timeout):
		l.logger.Warn("background loop did not stop in time", "timeout", timeout)
	}
}

// Running reports whether a worker is live.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}
