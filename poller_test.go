package receiver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbaliyan/receiver/listener"
	"github.com/rbaliyan/receiver/transaction"
)

func TestSemaphore(t *testing.T) {
	ctx := context.Background()

	t.Run("blocks at the limit", func(t *testing.T) {
		s := newSemaphore(2)
		if err := s.Acquire(ctx); err != nil {
			t.Fatal(err)
		}
		if err := s.Acquire(ctx); err != nil {
			t.Fatal(err)
		}

		acquired := make(chan struct{})
		go func() {
			s.Acquire(ctx)
			close(acquired)
		}()

		select {
		case <-acquired:
			t.Fatal("third acquire must block")
		case <-time.After(50 * time.Millisecond):
		}

		s.Release()
		select {
		case <-acquired:
		case <-time.After(time.Second):
			t.Fatal("acquire did not proceed after release")
		}
	})

	t.Run("adjust never drops below one", func(t *testing.T) {
		s := newSemaphore(2)
		if n := s.Adjust(-1); n != 1 {
			t.Errorf("expected limit 1, got %d", n)
		}
		if n := s.Adjust(-5); n != 1 {
			t.Errorf("expected floor of 1, got %d", n)
		}
		if n := s.Adjust(3); n != 4 {
			t.Errorf("expected limit 4, got %d", n)
		}
	})

	t.Run("raising the limit unblocks waiters", func(t *testing.T) {
		s := newSemaphore(1)
		s.Acquire(ctx)

		acquired := make(chan struct{})
		go func() {
			s.Acquire(ctx)
			close(acquired)
		}()

		time.Sleep(20 * time.Millisecond)
		s.Adjust(1)
		select {
		case <-acquired:
		case <-time.After(time.Second):
			t.Fatal("waiter did not observe the raised limit")
		}
	})

	t.Run("cancellation aborts a blocked acquire", func(t *testing.T) {
		s := newSemaphore(1)
		s.Acquire(ctx)

		cctx, cancel := context.WithCancel(ctx)
		result := make(chan error, 1)
		go func() {
			result <- s.Acquire(cctx)
		}()

		time.Sleep(20 * time.Millisecond)
		cancel()
		s.wake()

		select {
		case err := <-result:
			if err == nil {
				t.Error("expected a context error")
			}
		case <-time.After(time.Second):
			t.Fatal("acquire did not abort on cancellation")
		}
	})
}

// gauge tracks the peak of a concurrent counter
type gauge struct {
	mu   sync.Mutex
	cur  int
	peak int
}

func (g *gauge) inc() {
	g.mu.Lock()
	g.cur++
	if g.cur > g.peak {
		g.peak = g.cur
	}
	g.mu.Unlock()
}

func (g *gauge) dec() {
	g.mu.Lock()
	g.cur--
	g.mu.Unlock()
}

func (g *gauge) max() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestPollerConcurrency(t *testing.T) {
	var polls, procs gauge

	lsn := &testListener{getRaw: func(ctx context.Context) (*listener.RawMessage, error) {
		polls.inc()
		defer polls.dec()
		time.Sleep(5 * time.Millisecond)
		return listener.NewRawMessage([]byte("payload"), "", ""), nil
	}}
	pipe := &countingPipeline{fn: func(ctx context.Context, corrID string, msg *listener.Message, session *Session) (*PipelineResult, error) {
		procs.inc()
		defer procs.dec()
		time.Sleep(60 * time.Millisecond)
		return &PipelineResult{State: listener.ExitSuccess}, nil
	}}

	r := newTestReceiver(t, lsn, pipe,
		WithNumThreads(3),
		WithNumThreadsPolling(1),
		WithPollInterval(10*time.Millisecond))

	ctx := context.Background()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	time.Sleep(500 * time.Millisecond)
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if got := polls.max(); got > 1 {
		t.Errorf("poll concurrency exceeded the polling thread count: %d", got)
	}
	if got := procs.max(); got > 3 {
		t.Errorf("processing concurrency exceeded the thread count: %d", got)
	}
	if got := procs.max(); got < 2 {
		t.Errorf("expected processing to overlap across threads, peak was %d", got)
	}
}

// ackRecordingListener observes the result each acknowledgement sees
type ackRecordingListener struct {
	testListener
	onAck func(result listener.Result)
}

func (l *ackRecordingListener) AfterMessageProcessed(ctx context.Context, result listener.Result, raw *listener.RawMessage) error {
	if l.onAck != nil {
		l.onAck(result)
	}
	return l.testListener.AfterMessageProcessed(ctx, result, raw)
}

func TestPollTransactionCompletion(t *testing.T) {
	ctx := context.Background()

	singleMessage := func() func(context.Context) (*listener.RawMessage, error) {
		var delivered atomic.Bool
		return func(context.Context) (*listener.RawMessage, error) {
			if delivered.CompareAndSwap(false, true) {
				return rawWith("10", []byte("payload")), nil
			}
			return nil, nil
		}
	}

	t.Run("poll transaction commits before the acknowledgement", func(t *testing.T) {
		mgr := transaction.NewMemoryManager()

		var mu sync.Mutex
		var msgTx *transaction.MemoryTransaction
		var committedAtAck bool

		pipe := &countingPipeline{fn: func(pctx context.Context, corrID string, msg *listener.Message, session *Session) (*PipelineResult, error) {
			mu.Lock()
			msgTx = session.Tx.(*transaction.MemoryTransaction)
			mu.Unlock()
			return &PipelineResult{State: listener.ExitSuccess}, nil
		}}

		lsn := &ackRecordingListener{}
		lsn.getRaw = singleMessage()
		lsn.onAck = func(listener.Result) {
			mu.Lock()
			defer mu.Unlock()
			if msgTx != nil {
				committedAtAck = msgTx.Committed()
			}
		}

		r := newTestReceiver(t, lsn, pipe,
			WithTransaction(mgr, transaction.Requires),
			WithPollInterval(10*time.Millisecond))

		if err := r.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		waitFor(t, 2*time.Second, func() bool { return lsn.afterCount() >= 1 })
		if err := r.Stop(ctx); err != nil {
			t.Fatalf("Stop failed: %v", err)
		}

		mu.Lock()
		defer mu.Unlock()
		if !committedAtAck {
			t.Error("expected the poll transaction to be committed before the acknowledgement")
		}
		if got := lsn.recorded()[0]; !got.Successful() {
			t.Errorf("expected a consumed acknowledgement, got %+v", got)
		}
	})

	t.Run("failed processing rolls back before the acknowledgement", func(t *testing.T) {
		mgr := transaction.NewMemoryManager()

		var mu sync.Mutex
		var msgTx *transaction.MemoryTransaction
		var rolledBackAtAck bool

		pipe := &countingPipeline{fn: func(pctx context.Context, corrID string, msg *listener.Message, session *Session) (*PipelineResult, error) {
			mu.Lock()
			msgTx = session.Tx.(*transaction.MemoryTransaction)
			mu.Unlock()
			return nil, errors.New("boom")
		}}

		lsn := &ackRecordingListener{}
		lsn.getRaw = singleMessage()
		lsn.onAck = func(listener.Result) {
			mu.Lock()
			defer mu.Unlock()
			if msgTx != nil {
				rolledBackAtAck = msgTx.RolledBack()
			}
		}

		r := newTestReceiver(t, lsn, pipe,
			WithTransaction(mgr, transaction.Requires),
			WithPollInterval(10*time.Millisecond))

		if err := r.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		waitFor(t, 2*time.Second, func() bool { return lsn.afterCount() >= 1 })
		if err := r.Stop(ctx); err != nil {
			t.Fatalf("Stop failed: %v", err)
		}

		mu.Lock()
		defer mu.Unlock()
		if !rolledBackAtAck {
			t.Error("expected the poll transaction to be rolled back before the acknowledgement")
		}
		if got := lsn.recorded()[0]; got.Successful() {
			t.Errorf("a rolled-back delivery must not acknowledge as consumed, got %+v", got)
		}
	})

	t.Run("commit failure keeps the acknowledgement failed", func(t *testing.T) {
		lsn := &testListener{}
		r := newTestReceiver(t, lsn, &countingPipeline{})

		completeTx := func(procErr error) error {
			if procErr != nil {
				return nil
			}
			return errors.New("commit refused")
		}
		res, err := r.processRawMessage(ctx, rawWith("10", []byte("payload")), NewSession(), 0, false, false, completeTx)
		if err == nil {
			t.Fatal("expected the commit failure to surface")
		}
		if res.State != listener.ExitError {
			t.Errorf("expected error exit, got %s", res.State)
		}

		recorded := lsn.recorded()
		if len(recorded) != 1 {
			t.Fatalf("expected one finalization, got %d", len(recorded))
		}
		if recorded[0].Successful() {
			t.Error("the source must not see a consumed outcome when the commit failed")
		}
	})

	t.Run("externally completed poll transaction is an integrity violation", func(t *testing.T) {
		lsn := &testListener{}
		r := newTestReceiver(t, lsn, &countingPipeline{})

		completeTx := func(error) error { return transaction.ErrTransactionCompleted }
		_, err := r.processRawMessage(ctx, rawWith("10", []byte("payload")), NewSession(), 0, false, false, completeTx)
		if !errors.Is(err, ErrTransactionIntegrity) {
			t.Errorf("expected ErrTransactionIntegrity, got %v", err)
		}
	})
}

func TestReceiverLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("start and stop", func(t *testing.T) {
		lsn := &testListener{}
		r := newTestReceiver(t, lsn, &countingPipeline{},
			WithPollInterval(20*time.Millisecond))

		if err := r.Health(ctx); !errors.Is(err, ErrNotStarted) {
			t.Errorf("expected ErrNotStarted before start, got %v", err)
		}

		if err := r.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if got := r.State(); got != StateStarted {
			t.Errorf("expected started, got %s", got)
		}
		if err := r.Health(ctx); err != nil {
			t.Errorf("expected healthy receiver, got %v", err)
		}

		// A second start is a no-op.
		if err := r.Start(ctx); err != nil {
			t.Errorf("redundant start must be a no-op, got %v", err)
		}

		if err := r.Stop(ctx); err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
		if got := r.State(); got != StateStopped {
			t.Errorf("expected stopped, got %s", got)
		}
		if err := r.Stop(ctx); err != nil {
			t.Errorf("redundant stop must be a no-op, got %v", err)
		}
	})

	t.Run("open failure aborts start", func(t *testing.T) {
		lsn := &testListener{openErr: errors.New("broker unreachable")}
		r := newTestReceiver(t, lsn, &countingPipeline{})

		if err := r.Start(ctx); err == nil {
			t.Fatal("expected start to fail")
		}
		if got := r.State(); got != StateExceptionStarting {
			t.Errorf("expected exception_starting, got %s", got)
		}

		// A later start succeeds once the listener recovers.
		lsn.openErr = nil
		if err := r.Start(ctx); err != nil {
			t.Fatalf("restart failed: %v", err)
		}
		defer r.Stop(ctx)
		if got := r.State(); got != StateStarted {
			t.Errorf("expected started after recovery, got %s", got)
		}
	})

	t.Run("thread count adjustment", func(t *testing.T) {
		lsn := &testListener{}
		r := newTestReceiver(t, lsn, &countingPipeline{},
			WithNumThreads(2), WithPollInterval(20*time.Millisecond))

		if err := r.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer r.Stop(ctx)

		r.IncreaseThreadCount()
		if got := r.Status().Threads; got != 3 {
			t.Errorf("expected 3 threads, got %d", got)
		}

		r.DecreaseThreadCount()
		r.DecreaseThreadCount()
		r.DecreaseThreadCount()
		if got := r.Status().Threads; got != 1 {
			t.Errorf("expected floor of 1 thread, got %d", got)
		}
	})

	t.Run("poll failure with close policy stops the receiver", func(t *testing.T) {
		lsn := &testListener{getRaw: func(ctx context.Context) (*listener.RawMessage, error) {
			return nil, errors.New("source gone")
		}}
		r := newTestReceiver(t, lsn, &countingPipeline{},
			WithOnError(OnErrorClose),
			WithPollInterval(10*time.Millisecond))

		if err := r.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		waitFor(t, 2*time.Second, func() bool {
			return r.State() == StateStopped
		})
	})

	t.Run("poll failure with continue policy keeps receiving", func(t *testing.T) {
		var calls gauge
		fail := true
		var mu sync.Mutex
		lsn := &testListener{getRaw: func(ctx context.Context) (*listener.RawMessage, error) {
			calls.inc()
			defer calls.dec()
			mu.Lock()
			defer mu.Unlock()
			if fail {
				fail = false
				return nil, errors.New("transient")
			}
			return nil, nil
		}}
		r := newTestReceiver(t, lsn, &countingPipeline{},
			WithOnError(OnErrorContinue),
			WithPollInterval(10*time.Millisecond))

		if err := r.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer r.Stop(ctx)

		waitFor(t, 5*time.Second, func() bool {
			return r.State() == StateStarted && calls.max() >= 1 && func() bool {
				mu.Lock()
				defer mu.Unlock()
				return !fail
			}()
		})
	})
}
