package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrBusy is returned when DispatchAsync is called while a dispatch is
// already running on this dispatcher.
var ErrBusy = errors.New("dispatch: already running")

// Dispatcher runs one event at a time across the registered plugins on a
// dedicated worker goroutine. Plugin failures are isolated and logged; the
// completion channel always receives the event, aborted or not.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger

	// errorHook, when set, observes every plugin error and panic. Set once
	// at wiring time, before the first dispatch.
	errorHook func(plugin string)

	// Weighted(1) gives the at-most-one-concurrent-dispatch guarantee and
	// bounds worker creation under event load.
	slot *semaphore.Weighted

	stop      atomic.Bool
	completed chan *Event
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:  registry,
		logger:    logger.With("component", "dispatcher"),
		slot:      semaphore.NewWeighted(1),
		completed: make(chan *Event, 8),
	}
}

// OnPluginError installs a hook observing plugin errors and panics, used to
// feed failure counters.
func (d *Dispatcher) OnPluginError(fn func(plugin string)) {
	d.errorHook = fn
}

// Completed delivers every finished (or aborted) event back to the owning
// kernel. The kernel drains this channel on its own thread.
func (d *Dispatcher) Completed() <-chan *Event {
	return d.completed
}

// RequestStop sets the dispatcher-wide stop flag. The running worker
// observes it between plugin invocations; a plugin already in flight
// finishes its step first.
func (d *Dispatcher) RequestStop() {
	d.stop.Store(true)
}

// StopRequested reports the dispatcher-wide stop flag.
func (d *Dispatcher) StopRequested() bool {
	return d.stop.Load()
}

// ClearStop resets the stop flag before a new turn.
func (d *Dispatcher) ClearStop() {
	d.stop.Store(false)
}

// DispatchAsync spawns exactly one worker for the event. A second call
// while a worker is running returns ErrBusy; calls are never interleaved.
func (d *Dispatcher) DispatchAsync(ctx context.Context, ev *Event) error {
	if !d.slot.TryAcquire(1) {
		return ErrBusy
	}
	go d.run(ctx, ev)
	return nil
}

func (d *Dispatcher) run(ctx context.Context, ev *Event) {
	// Completion must fire even if the loop below blows up; the caller is
	// never left waiting. The slot is released before the completion signal
	// so a caller reacting to it can dispatch again immediately.
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch worker crashed", "event_id", ev.ID, "panic", r)
		}
		d.slot.Release(1)
		d.completed <- ev
	}()

	plugins := d.registry.List()
	d.logger.Debug("dispatch started",
		"event_id", ev.ID,
		"plugins", len(plugins),
		"commands", len(ev.Commands))

	for _, p := range plugins {
		if ev.Stopped() || d.StopRequested() {
			d.logger.Info("dispatch aborted by stop flag",
				"event_id", ev.ID,
				"results_so_far", len(ev.Results()))
			return
		}
		d.invoke(ctx, p, ev)
	}

	d.logger.Debug("dispatch completed", "event_id", ev.ID, "results", len(ev.Results()))
}

// invoke runs one plugin with panic isolation. An error or panic in one
// plugin does not abort the remaining iteration.
func (d *Dispatcher) invoke(ctx context.Context, p Plugin, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("plugin panicked",
				"plugin", p.ID(),
				"event_id", ev.ID,
				"panic", fmt.Sprint(r))
			if d.errorHook != nil {
				d.errorHook(p.ID())
			}
		}
	}()
	if err := p.Handle(ctx, ev); err != nil {
		d.logger.Error("plugin failed",
			"plugin", p.ID(),
			"event_id", ev.ID,
			"error", err)
		if d.errorHook != nil {
			d.errorHook(p.ID())
		}
	}
}
