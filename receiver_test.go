package receiver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/receiver/listener"
	"github.com/rbaliyan/receiver/store"
	"github.com/rbaliyan/receiver/transaction"
)

// testListener is a minimal pull listener for driving ProcessRawMessage
// directly.
type testListener struct {
	name       string
	openErr    error
	extractErr error
	getRaw     func(ctx context.Context) (*listener.RawMessage, error)

	mu         sync.Mutex
	afterCalls int
	results    []listener.Result
}

func (l *testListener) Name() string {
	if l.name == "" {
		return "test"
	}
	return l.name
}

func (l *testListener) Open(ctx context.Context) error  { return l.openErr }
func (l *testListener) Close(ctx context.Context) error { return nil }

func (l *testListener) GetRawMessage(ctx context.Context) (*listener.RawMessage, error) {
	if l.getRaw == nil {
		return nil, nil
	}
	return l.getRaw(ctx)
}

func (l *testListener) ExtractMessage(ctx context.Context, raw *listener.RawMessage) (*listener.Message, error) {
	if l.extractErr != nil {
		return nil, l.extractErr
	}
	payload, ok := raw.Payload().([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected payload type %T", raw.Payload())
	}
	return &listener.Message{
		ID:            raw.ID(),
		CorrelationID: raw.CorrelationID(),
		Payload:       payload,
		ReceivedAt:    raw.ReceivedAt(),
	}, nil
}

func (l *testListener) ExtractID(ctx context.Context, raw *listener.RawMessage) (string, error) {
	if l.extractErr != nil {
		return "", l.extractErr
	}
	return raw.ID(), nil
}

func (l *testListener) AfterMessageProcessed(ctx context.Context, result listener.Result, raw *listener.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.afterCalls++
	l.results = append(l.results, result)
	return nil
}

func (l *testListener) afterCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.afterCalls
}

func (l *testListener) recorded() []listener.Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]listener.Result(nil), l.results...)
}

// countingPipeline records invocations and delegates to fn
type countingPipeline struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, correlationID string, msg *listener.Message, session *Session) (*PipelineResult, error)
}

func (p *countingPipeline) Process(ctx context.Context, correlationID string, msg *listener.Message, session *Session) (*PipelineResult, error) {
	p.mu.Lock()
	p.calls++
	fn := p.fn
	p.mu.Unlock()
	if fn == nil {
		return &PipelineResult{State: listener.ExitSuccess}, nil
	}
	return fn(ctx, correlationID, msg, session)
}

func (p *countingPipeline) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *countingPipeline) set(fn func(ctx context.Context, correlationID string, msg *listener.Message, session *Session) (*PipelineResult, error)) {
	p.mu.Lock()
	p.fn = fn
	p.mu.Unlock()
}

func newTestReceiver(t *testing.T, lsn listener.Listener, pipe Pipeline, opts ...Option) *Receiver {
	t.Helper()
	opts = append([]Option{WithMetrics(false), WithTracing(false)}, opts...)
	r, err := New(lsn, pipe, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return r
}

func rawWith(id string, payload []byte) *listener.RawMessage {
	return listener.NewRawMessage(payload, id, "")
}

func TestNew(t *testing.T) {
	t.Run("requires listener and pipeline", func(t *testing.T) {
		if _, err := New(nil, &countingPipeline{}); !errors.Is(err, ErrConfig) {
			t.Errorf("expected ErrConfig for nil listener, got %v", err)
		}
		if _, err := New(&testListener{}, nil); !errors.Is(err, ErrConfig) {
			t.Errorf("expected ErrConfig for nil pipeline, got %v", err)
		}
	})

	t.Run("requires a manager for requires propagation", func(t *testing.T) {
		_, err := New(&testListener{}, &countingPipeline{},
			WithTransaction(nil, transaction.Requires))
		if !errors.Is(err, ErrConfig) {
			t.Errorf("expected ErrConfig, got %v", err)
		}
	})

	t.Run("clamps polling threads", func(t *testing.T) {
		r := newTestReceiver(t, &testListener{}, &countingPipeline{},
			WithNumThreads(2), WithNumThreadsPolling(5))
		if r.opts.numThreadsPolling != 2 {
			t.Errorf("expected polling threads clamped to 2, got %d", r.opts.numThreadsPolling)
		}
	})
}

func TestProcessRawMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("nil raw is nothing to do", func(t *testing.T) {
		lsn := &testListener{}
		pipe := &countingPipeline{}
		r := newTestReceiver(t, lsn, pipe)

		res, err := r.ProcessRawMessage(ctx, nil, nil, 0, false)
		if err != nil {
			t.Fatalf("ProcessRawMessage failed: %v", err)
		}
		if res.State != listener.ExitSuccess {
			t.Errorf("expected success, got %s", res.State)
		}
		if pipe.count() != 0 {
			t.Error("pipeline must not run for nil raw")
		}
		if lsn.afterCount() != 0 {
			t.Error("no hook for nil raw")
		}
	})

	t.Run("happy path", func(t *testing.T) {
		lsn := &testListener{}
		var gotCorrID string
		pipe := &countingPipeline{fn: func(ctx context.Context, corrID string, msg *listener.Message, session *Session) (*PipelineResult, error) {
			gotCorrID = corrID
			return &PipelineResult{State: listener.ExitSuccess}, nil
		}}
		log := store.NewMemoryStore()
		r := newTestReceiver(t, lsn, pipe, WithMessageLog(log))

		res, err := r.ProcessRawMessage(ctx, rawWith("10", []byte("payload")), nil, 0, false)
		if err != nil {
			t.Fatalf("ProcessRawMessage failed: %v", err)
		}
		if res.State != listener.ExitSuccess || res.Duplicate {
			t.Errorf("expected fresh success, got %+v", res)
		}
		if pipe.count() != 1 {
			t.Errorf("expected one pipeline run, got %d", pipe.count())
		}
		if gotCorrID != "10" {
			t.Errorf("expected correlation id fallback to message id, got %q", gotCorrID)
		}
		if lsn.afterCount() != 1 {
			t.Errorf("expected one finalization, got %d", lsn.afterCount())
		}

		pr, ok := r.cache.Get("10")
		if !ok || pr.ReceiveCount != 1 {
			t.Errorf("expected cached receive count 1, got %+v (ok=%v)", pr, ok)
		}

		seen, err := log.ContainsMessageID(ctx, "10")
		if err != nil || !seen {
			t.Errorf("expected message log entry, seen=%v err=%v", seen, err)
		}

		stats := r.Stats()
		if stats.Processed != 1 {
			t.Errorf("expected processed count 1, got %d", stats.Processed)
		}
	})

	t.Run("duplicate redelivery skips the pipeline", func(t *testing.T) {
		log := store.NewMemoryStore()
		if _, err := log.StoreMessage(ctx, &store.Message{
			MessageID:  "10",
			Label:      store.LabelLog,
			ReceivedAt: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}

		lsn := &testListener{}
		pipe := &countingPipeline{}
		r := newTestReceiver(t, lsn, pipe, WithMessageLog(log))

		for _, corrID := range []string{"", "order-7"} {
			raw := listener.NewRawMessage([]byte("payload"), "10", corrID)
			res, err := r.ProcessRawMessage(ctx, raw, nil, 0, false)
			if err != nil {
				t.Fatalf("ProcessRawMessage failed: %v", err)
			}
			if res.State != listener.ExitSuccess || !res.Duplicate {
				t.Errorf("expected duplicate success, got %+v", res)
			}
		}
		if pipe.count() != 0 {
			t.Errorf("pipeline must not run for duplicates, got %d runs", pipe.count())
		}
		if lsn.afterCount() != 2 {
			t.Errorf("expected finalization per attempt, got %d", lsn.afterCount())
		}
	})

	t.Run("rejection after exceeding max retries", func(t *testing.T) {
		lsn := &testListener{}
		errs := store.NewMemoryStore()
		pipe := &countingPipeline{fn: func(pctx context.Context, corrID string, msg *listener.Message, session *Session) (*PipelineResult, error) {
			return nil, errors.New("pipeline boom")
		}}
		r := newTestReceiver(t, lsn, pipe,
			WithMaxRetries(1),
			WithErrorStore(errs))

		first, _ := r.ProcessRawMessage(ctx, rawWith("10", []byte("payload")), nil, 0, false)
		if first.State != listener.ExitError {
			t.Errorf("first failure: expected error exit, got %s", first.State)
		}

		second, _ := r.ProcessRawMessage(ctx, rawWith("10", []byte("payload")), nil, 0, false)
		if second.State != listener.ExitRejected {
			t.Errorf("second failure: expected rejected exit, got %s", second.State)
		}

		third, _ := r.ProcessRawMessage(ctx, rawWith("10", []byte("payload")), nil, 0, false)
		if third.State != listener.ExitRejected {
			t.Errorf("third attempt: expected rejection, got %s", third.State)
		}
		if pipe.count() != 2 {
			t.Errorf("pipeline must not run once rejected, got %d runs", pipe.count())
		}

		count, err := errs.Count(ctx, store.Filter{MessageID: "10", Label: store.LabelError})
		if err != nil {
			t.Fatal(err)
		}
		if count == 0 {
			t.Error("expected rejected message in the error store")
		}
		if lsn.afterCount() != 3 {
			t.Errorf("expected finalization per attempt, got %d", lsn.afterCount())
		}
	})

	t.Run("extraction failure without embedded message fails", func(t *testing.T) {
		lsn := &testListener{extractErr: errors.New("bad frame")}
		pipe := &countingPipeline{}
		r := newTestReceiver(t, lsn, pipe)

		_, err := r.ProcessRawMessage(ctx, rawWith("10", []byte("payload")), nil, 0, false)
		if !errors.Is(err, listener.ErrExtractFailure) {
			t.Errorf("expected ErrExtractFailure, got %v", err)
		}
		if pipe.count() != 0 {
			t.Error("pipeline must not run on extraction failure")
		}
		if lsn.afterCount() != 1 {
			t.Errorf("expected exactly one finalization, got %d", lsn.afterCount())
		}
	})

	t.Run("extraction failure falls back to embedded message", func(t *testing.T) {
		lsn := &testListener{extractErr: errors.New("bad frame")}
		var got *listener.Message
		pipe := &countingPipeline{fn: func(pctx context.Context, corrID string, msg *listener.Message, session *Session) (*PipelineResult, error) {
			got = msg
			return &PipelineResult{State: listener.ExitSuccess}, nil
		}}
		r := newTestReceiver(t, lsn, pipe)

		stored := &listener.Message{ID: "42", Payload: []byte("from-store")}
		res, err := r.ProcessRawMessage(ctx, listener.NewStoredRawMessage(stored), nil, 0, false)
		if err != nil {
			t.Fatalf("ProcessRawMessage failed: %v", err)
		}
		if res.State != listener.ExitSuccess {
			t.Errorf("expected success, got %s", res.State)
		}
		if got == nil || string(got.Payload) != "from-store" {
			t.Errorf("expected the embedded message, got %+v", got)
		}
	})

	t.Run("pipeline panic is classified", func(t *testing.T) {
		lsn := &testListener{}
		pipe := &countingPipeline{fn: func(pctx context.Context, corrID string, msg *listener.Message, session *Session) (*PipelineResult, error) {
			panic("kaboom")
		}}
		r := newTestReceiver(t, lsn, pipe, WithMaxProcessDuration(0))

		res, err := r.ProcessRawMessage(ctx, rawWith("10", []byte("payload")), nil, 0, false)
		if err == nil {
			t.Fatal("expected an error from the panic")
		}
		if res.State != listener.ExitError {
			t.Errorf("expected error exit, got %s", res.State)
		}
		if lsn.afterCount() != 1 {
			t.Errorf("expected exactly one finalization, got %d", lsn.afterCount())
		}
	})

	t.Run("pipeline timeout", func(t *testing.T) {
		lsn := &testListener{}
		pipe := &countingPipeline{fn: func(pctx context.Context, corrID string, msg *listener.Message, session *Session) (*PipelineResult, error) {
			<-pctx.Done()
			return nil, pctx.Err()
		}}
		r := newTestReceiver(t, lsn, pipe, WithMaxProcessDuration(50*time.Millisecond))

		res, err := r.ProcessRawMessage(ctx, rawWith("10", []byte("payload")), nil, 0, false)
		if !errors.Is(err, ErrProcessTimeout) {
			t.Errorf("expected ErrProcessTimeout, got %v", err)
		}
		if res.State != listener.ExitError {
			t.Errorf("expected error exit, got %s", res.State)
		}
	})

	t.Run("untransacted error exit state counts as failure", func(t *testing.T) {
		lsn := &testListener{}
		pipe := &countingPipeline{fn: func(pctx context.Context, corrID string, msg *listener.Message, session *Session) (*PipelineResult, error) {
			return &PipelineResult{State: listener.ExitError, ExitCode: 3}, nil
		}}
		r := newTestReceiver(t, lsn, pipe)

		res, err := r.ProcessRawMessage(ctx, rawWith("10", []byte("payload")), nil, 0, false)
		if err == nil {
			t.Fatal("expected an error for pipeline error exit")
		}
		if res.State != listener.ExitError {
			t.Errorf("expected error exit, got %s", res.State)
		}
	})
}

func TestProcessRawMessageTransacted(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		mgr := transaction.NewMemoryManager()
		lsn := &testListener{}
		r := newTestReceiver(t, lsn, &countingPipeline{},
			WithTransaction(mgr, transaction.Requires))

		res, err := r.ProcessRawMessage(ctx, rawWith("10", []byte("payload")), nil, 0, false)
		if err != nil {
			t.Fatalf("ProcessRawMessage failed: %v", err)
		}
		if res.State != listener.ExitSuccess {
			t.Errorf("expected success, got %s", res.State)
		}
		if mgr.Begun() != 1 || !mgr.Last().Committed() {
			t.Errorf("expected one committed transaction, begun=%d", mgr.Begun())
		}
	})

	t.Run("rolls back on pipeline error and skips error routing", func(t *testing.T) {
		mgr := transaction.NewMemoryManager()
		errs := store.NewMemoryStore()
		lsn := &testListener{}
		pipe := &countingPipeline{fn: func(pctx context.Context, corrID string, msg *listener.Message, session *Session) (*PipelineResult, error) {
			return nil, errors.New("boom")
		}}
		r := newTestReceiver(t, lsn, pipe,
			WithTransaction(mgr, transaction.Requires),
			WithErrorStore(errs))

		if _, err := r.ProcessRawMessage(ctx, rawWith("10", []byte("payload")), nil, 0, false); err == nil {
			t.Fatal("expected an error")
		}
		if !mgr.Last().RolledBack() {
			t.Error("expected rollback")
		}
		count, _ := errs.Count(ctx, store.Filter{})
		if count != 0 {
			t.Errorf("transacted failure must rely on source redelivery, found %d error rows", count)
		}
	})

	t.Run("session rollback-only rolls back a successful run", func(t *testing.T) {
		mgr := transaction.NewMemoryManager()
		lsn := &testListener{}
		pipe := &countingPipeline{fn: func(pctx context.Context, corrID string, msg *listener.Message, session *Session) (*PipelineResult, error) {
			session.SetRollbackOnly()
			return &PipelineResult{State: listener.ExitSuccess}, nil
		}}
		r := newTestReceiver(t, lsn, pipe,
			WithTransaction(mgr, transaction.Requires))

		res, _ := r.ProcessRawMessage(ctx, rawWith("10", []byte("payload")), nil, 0, false)
		if res.State != listener.ExitError {
			t.Errorf("expected error exit for rollback-only, got %s", res.State)
		}
		if !mgr.Last().RolledBack() {
			t.Error("expected rollback")
		}
	})

	t.Run("transaction completed by the pipeline is an integrity violation", func(t *testing.T) {
		mgr := transaction.NewMemoryManager()
		lsn := &testListener{}
		pipe := &countingPipeline{fn: func(pctx context.Context, corrID string, msg *listener.Message, session *Session) (*PipelineResult, error) {
			if err := session.Tx.Commit(); err != nil {
				return nil, err
			}
			return &PipelineResult{State: listener.ExitSuccess}, nil
		}}
		r := newTestReceiver(t, lsn, pipe,
			WithTransaction(mgr, transaction.Requires))

		_, err := r.ProcessRawMessage(ctx, rawWith("10", []byte("payload")), nil, 0, false)
		if !errors.Is(err, ErrTransactionIntegrity) {
			t.Errorf("expected ErrTransactionIntegrity, got %v", err)
		}
		if lsn.afterCount() != 1 {
			t.Errorf("expected exactly one finalization, got %d", lsn.afterCount())
		}
	})

	t.Run("transaction committed by the pipeline before a failure is an integrity violation", func(t *testing.T) {
		mgr := transaction.NewMemoryManager()
		lsn := &testListener{}
		pipe := &countingPipeline{fn: func(pctx context.Context, corrID string, msg *listener.Message, session *Session) (*PipelineResult, error) {
			if err := session.Tx.Commit(); err != nil {
				return nil, err
			}
			return nil, errors.New("boom after commit")
		}}
		r := newTestReceiver(t, lsn, pipe,
			WithTransaction(mgr, transaction.Requires))

		// The rollback branch must detect the external commit too: the
		// message's work is durable and must not be reported as an
		// ordinary failure open for redelivery.
		_, err := r.ProcessRawMessage(ctx, rawWith("10", []byte("payload")), nil, 0, false)
		if !errors.Is(err, ErrTransactionIntegrity) {
			t.Errorf("expected ErrTransactionIntegrity, got %v", err)
		}
		if lsn.afterCount() != 1 {
			t.Errorf("expected exactly one finalization, got %d", lsn.afterCount())
		}
	})

	t.Run("inherited session transaction is left to its owner", func(t *testing.T) {
		mgr := transaction.NewMemoryManager()
		outer, err := mgr.Begin(ctx)
		if err != nil {
			t.Fatal(err)
		}
		lsn := &testListener{}
		r := newTestReceiver(t, lsn, &countingPipeline{},
			WithTransaction(mgr, transaction.Supports))

		session := NewSession()
		session.Tx = outer
		res, err := r.ProcessRawMessage(ctx, rawWith("10", []byte("payload")), session, 0, false)
		if err != nil {
			t.Fatalf("ProcessRawMessage failed: %v", err)
		}
		if res.State != listener.ExitSuccess {
			t.Errorf("expected success, got %s", res.State)
		}

		mtx := mgr.Last()
		if mtx.Committed() || mtx.RolledBack() {
			t.Error("inherited transaction must not be completed by the receiver")
		}
		if session.Tx != outer {
			t.Error("expected the session transaction to be restored")
		}
	})
}

func TestRetryMessage(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*Receiver, *countingPipeline, *store.MemoryStore, string) {
		t.Helper()
		errs := store.NewMemoryStore()
		pipe := &countingPipeline{fn: func(pctx context.Context, corrID string, msg *listener.Message, session *Session) (*PipelineResult, error) {
			return nil, errors.New("first failure")
		}}
		lsn := &testListener{}
		r := newTestReceiver(t, lsn, pipe, WithErrorStore(errs))

		if _, err := r.ProcessRawMessage(ctx, rawWith("10", []byte("payload")), nil, 0, false); err == nil {
			t.Fatal("expected the first attempt to fail")
		}

		rows, err := errs.List(ctx, store.Filter{MessageID: "10"})
		if err != nil || len(rows) != 1 {
			t.Fatalf("expected one error row, got %d (err=%v)", len(rows), err)
		}
		return r, pipe, errs, rows[0].Key
	}

	t.Run("successful retry deletes the stored row", func(t *testing.T) {
		r, pipe, errs, key := setup(t)

		var got *listener.Message
		pipe.set(func(pctx context.Context, corrID string, msg *listener.Message, session *Session) (*PipelineResult, error) {
			got = msg
			return &PipelineResult{State: listener.ExitSuccess}, nil
		})

		if err := r.RetryMessage(ctx, key); err != nil {
			t.Fatalf("RetryMessage failed: %v", err)
		}
		if got == nil || string(got.Payload) != "payload" {
			t.Errorf("expected the stored payload, got %+v", got)
		}

		count, _ := errs.Count(ctx, store.Filter{MessageID: "10"})
		if count != 0 {
			t.Errorf("expected the row to be deleted, %d remain", count)
		}
	})

	t.Run("successful retry resets the delivery count", func(t *testing.T) {
		r, pipe, _, key := setup(t)

		if pr, ok := r.cache.Get("10"); !ok || pr.ReceiveCount != 1 {
			t.Fatalf("expected one counted attempt before the retry, got %+v (ok=%v)", pr, ok)
		}

		pipe.set(func(pctx context.Context, corrID string, msg *listener.Message, session *Session) (*PipelineResult, error) {
			return &PipelineResult{State: listener.ExitSuccess}, nil
		})
		if err := r.RetryMessage(ctx, key); err != nil {
			t.Fatalf("RetryMessage failed: %v", err)
		}

		if pr, ok := r.cache.Get("10"); ok && pr.ReceiveCount != 0 {
			t.Errorf("expected the count to reset after a resolved failure, got %d", pr.ReceiveCount)
		}
	})

	t.Run("failed retry annotates the stored row", func(t *testing.T) {
		r, pipe, errs, key := setup(t)

		pipe.set(func(pctx context.Context, corrID string, msg *listener.Message, session *Session) (*PipelineResult, error) {
			return nil, errors.New("still broken")
		})

		if err := r.RetryMessage(ctx, key); err == nil {
			t.Fatal("expected the retry to fail")
		}

		row, err := errs.BrowseMessage(ctx, key)
		if err != nil {
			t.Fatalf("expected the row to remain: %v", err)
		}
		if row.Comment != "still broken" {
			t.Errorf("expected the comment to update, got %q", row.Comment)
		}
	})

	t.Run("retry bypasses the retry ceiling", func(t *testing.T) {
		errs := store.NewMemoryStore()
		pipe := &countingPipeline{fn: func(pctx context.Context, corrID string, msg *listener.Message, session *Session) (*PipelineResult, error) {
			return nil, errors.New("boom")
		}}
		r := newTestReceiver(t, &testListener{}, pipe,
			WithMaxRetries(1), WithErrorStore(errs))

		// Exhaust the ceiling with regular deliveries.
		for i := 0; i < 3; i++ {
			r.ProcessRawMessage(ctx, rawWith("10", []byte("payload")), nil, 0, false)
		}
		before := pipe.count()

		rows, err := errs.List(ctx, store.Filter{MessageID: "10", Limit: 1})
		if err != nil || len(rows) == 0 {
			t.Fatalf("expected a stored error row (err=%v)", err)
		}

		pipe.set(func(pctx context.Context, corrID string, msg *listener.Message, session *Session) (*PipelineResult, error) {
			return &PipelineResult{State: listener.ExitSuccess}, nil
		})
		if err := r.RetryMessage(ctx, rows[0].Key); err != nil {
			t.Fatalf("RetryMessage failed despite manual trigger: %v", err)
		}
		if pipe.count() != before+1 {
			t.Error("expected the manual retry to reach the pipeline")
		}
	})

	t.Run("unknown storage key", func(t *testing.T) {
		r := newTestReceiver(t, &testListener{}, &countingPipeline{},
			WithErrorStore(store.NewMemoryStore()))
		if err := r.RetryMessage(ctx, "nope"); !errors.Is(err, store.ErrMessageNotFound) {
			t.Errorf("expected ErrMessageNotFound, got %v", err)
		}
	})

	t.Run("requires an error store", func(t *testing.T) {
		r := newTestReceiver(t, &testListener{}, &countingPipeline{})
		if err := r.RetryMessage(ctx, "any"); !errors.Is(err, ErrConfig) {
			t.Errorf("expected ErrConfig, got %v", err)
		}
	})
}
