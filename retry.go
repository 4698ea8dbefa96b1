package receiver

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Backoff bounds, in seconds
const (
	retryIntervalStart  = 1
	retryIntervalCap    = 100
	suspensionThreshold = 60
)

// SuspensionEvent signals that a receiver's failure backoff crossed the
// suspension threshold, or recovered from it.
type SuspensionEvent struct {
	Suspended   bool      // true for SUSPENDED, false for RESUMED
	Time        time.Time // when the triggering failure or success happened
	Description string    // last failure description, empty on resume
	Interval    int       // backoff interval in seconds at event time
}

// RetryIntervalController throttles a receiver that fails repeatedly. The
// interval starts at one second and doubles on every failure up to a hard
// cap; crossing the suspension threshold emits a SUSPENDED event, and the
// first success after that emits RESUMED.
//
// The controller is process-local to one receiver instance.
type RetryIntervalController struct {
	mu        sync.Mutex
	interval  int
	suspended bool

	active func() bool // sleep aborts when this turns false
	notify func(SuspensionEvent)
	logger *slog.Logger
}

// NewRetryIntervalController creates a controller. The active callback is
// re-checked every second during the backoff sleep so shutdown is never
// blocked; nil means always active. The notify callback receives
// SUSPENDED/RESUMED events; nil disables them.
func NewRetryIntervalController(active func() bool, notify func(SuspensionEvent)) *RetryIntervalController {
	return &RetryIntervalController{
		interval: retryIntervalStart,
		active:   active,
		notify:   notify,
		logger:   slog.Default().With("component", "receiver.retry"),
	}
}

// Interval returns the current backoff interval in seconds
func (r *RetryIntervalController) Interval() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval
}

// Suspended reports whether a SUSPENDED event is pending a resume
func (r *RetryIntervalController) Suspended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suspended
}

// Error records a failure: it emits SUSPENDED when the doubled interval
// would cross the threshold, doubles the interval up to the cap, then blocks
// the calling goroutine for the previous interval. The sleep proceeds in
// one-second increments, aborting when the context is done or the receiver
// leaves its running state.
func (r *RetryIntervalController) Error(ctx context.Context, t time.Time, description string) {
	r.mu.Lock()
	wait := r.interval

	var event *SuspensionEvent
	if r.interval*2 > suspensionThreshold && !r.suspended {
		r.suspended = true
		event = &SuspensionEvent{
			Suspended:   true,
			Time:        t,
			Description: description,
			Interval:    r.interval,
		}
	}

	if r.interval*2 <= retryIntervalCap {
		r.interval *= 2
	} else {
		r.interval = retryIntervalCap
	}
	r.mu.Unlock()

	if event != nil {
		r.logger.Warn("receiver suspended", "description", description, "interval", event.Interval)
		if r.notify != nil {
			r.notify(*event)
		}
	}

	r.sleep(ctx, wait)
}

// Success resets the interval and emits RESUMED when a suspension was pending
func (r *RetryIntervalController) Success(t time.Time) {
	r.mu.Lock()
	resumed := r.suspended
	r.suspended = false
	r.interval = retryIntervalStart
	r.mu.Unlock()

	if resumed {
		r.logger.Info("receiver resumed")
		if r.notify != nil {
			r.notify(SuspensionEvent{Time: t, Interval: retryIntervalStart})
		}
	}
}

func (r *RetryIntervalController) sleep(ctx context.Context, seconds int) {
	for i := 0; i < seconds; i++ {
		if ctx.Err() != nil {
			return
		}
		if r.active != nil && !r.active() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
