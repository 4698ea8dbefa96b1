package receiver

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/receiver/listener"
	"github.com/rbaliyan/receiver/transaction"
)

// semaphore is a counting semaphore whose limit can change at runtime, which
// channel-based semaphores cannot do. Acquire blocks until a permit is free
// or the context is done; wake must be called on context cancellation.
type semaphore struct {
	mu    sync.Mutex
	cond  *sync.Cond
	limit int
	held  int
}

func newSemaphore(limit int) *semaphore {
	if limit < 1 {
		limit = 1
	}
	s := &semaphore{limit: limit}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.held >= s.limit {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.held++
	return nil
}

func (s *semaphore) Release() {
	s.mu.Lock()
	s.held--
	s.mu.Unlock()
	s.cond.Signal()
}

// Adjust changes the limit by delta, never below one, and returns the new
// limit.
func (s *semaphore) Adjust(delta int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit += delta
	if s.limit < 1 {
		s.limit = 1
	}
	s.cond.Broadcast()
	return s.limit
}

func (s *semaphore) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// wake unblocks all waiters so they can observe context cancellation
func (s *semaphore) wake() {
	s.cond.Broadcast()
}

// poller drives a pull listener: a single controller loop acquires permits
// and dispatches worker tasks that poll the source and run the processing
// state machine. Poll and process concurrency are throttled independently,
// so a subset of threads keeps polling while the rest finish processing.
type poller struct {
	r      *Receiver
	lsn    listener.PullListener
	logger *slog.Logger

	process *semaphore
	poll    *semaphore

	idle atomic.Bool
	wg   sync.WaitGroup
	done chan struct{}
}

func newPoller(r *Receiver, lsn listener.PullListener) *poller {
	return &poller{
		r:       r,
		lsn:     lsn,
		logger:  r.logger.With("component", r.opts.name+".poller"),
		process: newSemaphore(r.opts.numThreads),
		poll:    newSemaphore(r.opts.numThreadsPolling),
		done:    make(chan struct{}),
	}
}

// run is the controller loop. It exits when the run state leaves STARTED or
// the context is cancelled, waits for in-flight workers to finish their
// current message, and closes the receiver's resources exactly once: pull
// listeners have no other cleanup trigger.
func (p *poller) run(ctx context.Context) {
	defer close(p.done)

	go func() {
		<-ctx.Done()
		p.process.wake()
		p.poll.wake()
	}()

	for p.r.state.Is(StateStarted) && ctx.Err() == nil {
		if p.idle.Load() {
			p.sleepIdle(ctx)
			if !p.r.state.Is(StateStarted) || ctx.Err() != nil {
				break
			}
		}

		if err := p.process.Acquire(ctx); err != nil {
			break
		}
		if err := p.poll.Acquire(ctx); err != nil {
			p.process.Release()
			break
		}
		if p.r.opts.pollLimiter != nil {
			if err := p.r.opts.pollLimiter.Wait(ctx); err != nil {
				p.poll.Release()
				p.process.Release()
				break
			}
		}

		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.wg.Wait()
	p.r.closeResources(context.Background())
	p.logger.Debug("polling stopped")
}

// sleepIdle waits out the poll interval in one-second increments so a stop
// request is honored promptly.
func (p *poller) sleepIdle(ctx context.Context) {
	remaining := p.r.opts.pollInterval
	for remaining > 0 {
		step := time.Second
		if remaining < step {
			step = remaining
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(step):
		}
		if !p.r.state.Is(StateStarted) {
			return
		}
		remaining -= step
	}
}

// worker performs one poll-and-process cycle. The poll permit is released
// only after any InProcess transition has been applied, so a second poller
// cannot observe the same message as available. The process permit is
// released on every exit path.
func (p *poller) worker(ctx context.Context) {
	defer p.wg.Done()
	defer p.process.Release()

	pollHeld := true
	defer func() {
		if pollHeld {
			p.poll.Release()
		}
	}()

	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("worker panic", "panic", rec)
		}
	}()

	// Cheap availability pre-check before opening a transaction.
	if p.r.opts.peekUntransacted && p.idle.Load() {
		if pk, ok := p.lsn.(listener.Peeker); ok {
			avail, err := pk.HasMessageAvailable(ctx)
			if err == nil && !avail {
				p.idle.Store(true)
				return
			}
		}
	}

	var workerTx transaction.Transaction
	if p.transactedPolling() {
		tx, err := p.r.opts.txManager.Begin(ctx)
		if err != nil {
			p.handlePollError(ctx, err)
			return
		}
		workerTx = tx
	}

	raw, err := p.lsn.GetRawMessage(ctx)
	if err != nil {
		p.rollback(workerTx)
		p.idle.Store(true)
		p.handlePollError(ctx, err)
		return
	}
	if raw == nil {
		p.rollback(workerTx)
		p.idle.Store(true)
		return
	}
	p.idle.Store(false)

	// Claim the message before releasing the poll permit. The transition
	// commits in the listener's own short transaction, releasing any
	// source-side lock before the potentially long pipeline run.
	if sa, ok := p.lsn.(listener.StateAware); ok && sa.KnownProcessStates()[listener.StateInProcess] {
		claimed, serr := sa.ChangeProcessState(ctx, raw, listener.StateInProcess, "claimed for processing")
		if serr != nil {
			p.rollback(workerTx)
			p.handlePollError(ctx, serr)
			return
		}
		if claimed == nil {
			// Lost the race to another consumer.
			p.rollback(workerTx)
			return
		}
		raw = claimed
	}

	p.poll.Release()
	pollHeld = false

	session := NewSession()
	session.Tx = workerTx

	// The poll transaction completes during finalization, before the
	// source-side acknowledgement: an entry is only acked once its
	// database work is durable.
	var completeTx func(error) error
	if workerTx != nil {
		completeTx = func(procErr error) error {
			if procErr != nil || session.RollbackOnly() {
				return workerTx.Rollback()
			}
			return workerTx.Commit()
		}
	}

	_, perr := p.r.processRawMessage(ctx, raw, session, 0, false, false, completeTx)

	if perr != nil && p.r.opts.onError == OnErrorClose {
		p.r.enterError(perr)
	}
}

// transactedPolling reports whether the poll itself runs inside a
// transaction that processing then joins.
func (p *poller) transactedPolling() bool {
	if p.r.opts.txManager == nil {
		return false
	}
	switch p.r.opts.txAttribute {
	case transaction.Requires, transaction.RequiresNew, transaction.Mandatory:
		return true
	}
	return false
}

func (p *poller) rollback(tx transaction.Transaction) {
	if tx == nil {
		return
	}
	if err := tx.Rollback(); err != nil {
		p.logger.Warn("poll transaction rollback failed", "error", err)
	}
}

// handlePollError applies the on-error policy to a retrieval failure: with
// OnErrorContinue the failure feeds the exponential backoff and polling
// resumes, otherwise the receiver stops.
func (p *poller) handlePollError(ctx context.Context, err error) {
	if p.r.opts.onError != OnErrorContinue {
		p.r.enterError(err)
		return
	}
	p.logger.Warn("poll failed", "error", err)
	p.r.retry.Error(ctx, time.Now(), err.Error())
}
