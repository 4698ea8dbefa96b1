package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/receiver/codec"
	"github.com/rbaliyan/receiver/listener"
	"github.com/rbaliyan/receiver/store"
	"github.com/rbaliyan/receiver/transaction"
)

// Receiver is the central orchestrator. It owns one listener, the optional
// error store, message log and senders, the process-result cache and, for
// pull listeners, one polling scheduler.
//
// All methods are safe for concurrent use. ProcessRawMessage in particular
// is re-entrant across arbitrary concurrent callers: push transports call it
// from their own goroutines.
type Receiver struct {
	opts     *Options
	lsn      listener.Listener
	pipeline Pipeline
	logger   *slog.Logger

	state   *runState
	cache   *ProcessResultCache
	retry   *RetryIntervalController
	metrics *metrics
	stats   receiverStats

	mu        sync.Mutex // guards the per-run fields below
	poller    *poller
	cancel    context.CancelFunc
	closeOnce *sync.Once
}

// New creates a receiver for the given listener and pipeline.
//
// The listener must implement PullListener or PushListener. Configuration
// problems are reported as ErrConfig.
func New(lsn listener.Listener, pipeline Pipeline, opts ...Option) (*Receiver, error) {
	if lsn == nil {
		return nil, fmt.Errorf("%w: listener is required", ErrConfig)
	}
	if pipeline == nil {
		return nil, fmt.Errorf("%w: pipeline is required", ErrConfig)
	}

	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	if _, pull := lsn.(listener.PullListener); !pull {
		if _, push := lsn.(listener.PushListener); !push {
			return nil, fmt.Errorf("%w: listener %s is neither pull nor push", ErrConfig, lsn.Name())
		}
	}
	if o.numThreads < 1 {
		return nil, fmt.Errorf("%w: thread count must be at least 1", ErrConfig)
	}
	if o.numThreadsPolling <= 0 || o.numThreadsPolling > o.numThreads {
		o.numThreadsPolling = o.numThreads
	}
	switch o.txAttribute {
	case transaction.Requires, transaction.RequiresNew:
		if o.txManager == nil {
			return nil, fmt.Errorf("%w: propagation %s needs a transaction manager", ErrConfig, o.txAttribute)
		}
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", o.name)
	}

	r := &Receiver{
		opts:     o,
		lsn:      lsn,
		pipeline: pipeline,
		logger:   o.logger,
		state:    newRunState(),
		cache:    NewProcessResultCache(o.cacheSize),
	}
	r.retry = NewRetryIntervalController(
		func() bool { return r.state.Is(StateStarted) },
		o.suspensionListener,
	)
	if o.metricsEnabled {
		r.metrics = newMetrics(o.name, lsn.Name())
	}
	return r, nil
}

// Name returns the receiver name
func (r *Receiver) Name() string {
	return r.opts.name
}

// State returns the current run state
func (r *Receiver) State() RunState {
	return r.state.Get()
}

// Start opens the listener and begins receiving. Starting an already running
// receiver is a logged no-op.
func (r *Receiver) Start(ctx context.Context) error {
	if !r.state.Transition(StateStarting, StateStopped, StateExceptionStarting, StateExceptionStopping) {
		r.logger.Info("start ignored", "state", r.state.Get().String())
		return nil
	}

	if err := r.openListener(ctx); err != nil {
		r.state.Set(StateExceptionStarting)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.cancel = cancel
	r.closeOnce = new(sync.Once)
	r.poller = nil
	r.mu.Unlock()

	r.state.Set(StateStarted)

	if pull, ok := r.lsn.(listener.PullListener); ok {
		p := newPoller(r, pull)
		r.mu.Lock()
		r.poller = p
		r.mu.Unlock()
		go p.run(runCtx)
	} else if push, ok := r.lsn.(listener.PushListener); ok {
		if err := push.StartReceiving(runCtx, func(ctx context.Context, raw *listener.RawMessage) error {
			_, err := r.processRawMessage(ctx, raw, nil, 0, false, false, nil)
			return err
		}); err != nil {
			cancel()
			r.state.Set(StateExceptionStarting)
			r.closeResources(ctx)
			return fmt.Errorf("start receiving: %w", err)
		}
	}

	r.logger.Info("receiver started", "listener", r.lsn.Name(), "threads", r.opts.numThreads)
	return nil
}

// openListener opens the listener under the start timeout guard
func (r *Receiver) openListener(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- r.lsn.Open(ctx) }()

	timeout := r.opts.startTimeout
	if timeout <= 0 {
		timeout = DefaultStartTimeout
	}

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("open listener %s: %w", r.lsn.Name(), err)
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: listener %s did not open within %s", ErrStartTimeout, r.lsn.Name(), timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop halts receiving and closes the listener. Stop is idempotent; calling
// it while the receiver is still starting is rejected.
func (r *Receiver) Stop(ctx context.Context) error {
	switch r.state.Get() {
	case StateStopped, StateStopping:
		return nil
	case StateStarting:
		return fmt.Errorf("%w: cannot stop while starting", ErrInvalidState)
	}

	r.state.Set(StateStopping)

	if push, ok := r.lsn.(listener.PushListener); ok {
		if err := push.StopReceiving(ctx); err != nil {
			r.logger.Warn("stop receiving failed", "error", err)
		}
	}

	r.mu.Lock()
	cancel := r.cancel
	p := r.poller
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if p != nil {
		timeout := r.opts.stopTimeout
		if timeout <= 0 {
			timeout = DefaultStopTimeout
		}
		select {
		case <-p.done:
		case <-time.After(timeout):
			r.state.Set(StateExceptionStopping)
			r.logStacks()
			return fmt.Errorf("%w: polling threads did not drain within %s", ErrStopTimeout, timeout)
		}
	}

	r.closeResources(ctx)
	r.state.Set(StateStopped)
	r.logger.Info("receiver stopped")
	return nil
}

// closeResources closes the listener exactly once per run. Close failures
// are logged, never fatal, and never block other cleanup.
func (r *Receiver) closeResources(ctx context.Context) {
	r.mu.Lock()
	once := r.closeOnce
	r.mu.Unlock()
	if once == nil {
		return
	}
	once.Do(func() {
		if err := r.lsn.Close(ctx); err != nil {
			r.logger.Warn("listener close failed", "listener", r.lsn.Name(), "error", err)
		}
	})
}

// enterError records a non-recoverable failure and triggers the stop
// sequence. No processing happens in the error state.
func (r *Receiver) enterError(err error) {
	r.logger.Error("receiver entering error state", "error", err)
	r.state.Set(StateError)
	go func() {
		if serr := r.Stop(context.Background()); serr != nil {
			r.logger.Error("stop after error failed", "error", serr)
		}
	}()
}

// logStacks dumps all goroutine stacks, used to diagnose resources that fail
// to close within the stop timeout.
func (r *Receiver) logStacks() {
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, true)
	r.logger.Error("stop timeout, dumping goroutines", "stacks", string(buf[:n]))
}

// IncreaseThreadCount adds one processing permit at runtime
func (r *Receiver) IncreaseThreadCount() {
	r.mu.Lock()
	p := r.poller
	r.mu.Unlock()
	if p == nil {
		r.logger.Info("thread count change ignored: no polling scheduler")
		return
	}
	n := p.process.Adjust(1)
	r.logger.Info("thread count increased", "threads", n)
}

// DecreaseThreadCount removes one processing permit at runtime, always
// leaving at least one.
func (r *Receiver) DecreaseThreadCount() {
	r.mu.Lock()
	p := r.poller
	r.mu.Unlock()
	if p == nil {
		r.logger.Info("thread count change ignored: no polling scheduler")
		return
	}
	n := p.process.Adjust(-1)
	r.logger.Info("thread count decreased", "threads", n)
}

// ProcessRawMessage runs one raw message through the full processing state
// machine: extraction, history and duplicate checks, transaction boundary,
// pipeline dispatch, error routing, process-state transition and
// finalization. It is the single entry point for pull and push delivery.
//
// A nil raw message means nothing to do and returns immediately. The session
// may carry an ambient transaction and an externally resolved correlation
// id; nil means a fresh session. waited is how long the caller held the
// message before processing, reported in statistics. duplicatesChecked skips
// the history and duplicate checks for callers that already performed them.
func (r *Receiver) ProcessRawMessage(ctx context.Context, raw *listener.RawMessage, session *Session, waited time.Duration, duplicatesChecked bool) (listener.Result, error) {
	return r.processRawMessage(ctx, raw, session, waited, duplicatesChecked, false, nil)
}

// processRawMessage implements the processing state machine. completeTx, when
// non-nil, finishes the caller's ambient transaction and runs inside the
// final hook before the listener acknowledgement, so the source never
// acknowledges a message whose transaction failed to commit.
func (r *Receiver) processRawMessage(ctx context.Context, raw *listener.RawMessage, session *Session, waited time.Duration, duplicatesChecked, manualRetry bool, completeTx func(error) error) (result listener.Result, err error) {
	if raw == nil {
		return listener.Result{State: listener.ExitSuccess}, nil
	}
	if session == nil {
		session = NewSession()
	}

	started := time.Now()
	result = listener.Result{State: listener.ExitError}

	// The final hook fires exactly once per attempt, on every path, in a
	// fixed order: transaction completion, listener acknowledgement,
	// statistics.
	finalized := false
	finalize := func() {
		if finalized {
			return
		}
		finalized = true
		if completeTx != nil {
			if cerr := completeTx(err); cerr != nil {
				if errors.Is(cerr, transaction.ErrTransactionCompleted) {
					cerr = fmt.Errorf("%w: message %s: %v", ErrTransactionIntegrity, raw.ID(), cerr)
				}
				r.logger.Error("poll transaction completion failed", "message_id", raw.ID(), "error", cerr)
				err = errors.Join(err, cerr)
				result = listener.Result{State: listener.ExitError, Comment: cerr.Error(), Err: err}
			}
		}
		if herr := r.lsn.AfterMessageProcessed(ctx, result, raw); herr != nil {
			r.logger.Warn("after-message-processed hook failed", "message_id", raw.ID(), "error", herr)
		}
		d := time.Since(started)
		r.stats.record(result, d, waited)
		r.metrics.recordDuration(ctx, d)
	}
	defer finalize()

	if r.opts.tracingEnabled {
		tracer := otel.Tracer(r.opts.name)
		var span trace.Span
		ctx, span = tracer.Start(ctx, fmt.Sprintf("%s.process", r.opts.name),
			trace.WithAttributes(
				attribute.String(spanKeyReceiver, r.opts.name),
				attribute.String(spanKeyListener, r.lsn.Name()),
				attribute.String(spanKeyMessageID, raw.ID())),
			trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
	}

	// Extraction, falling back to the embedded durable message for retries
	// re-wrapped from the error store.
	msg, id, err := r.extract(ctx, raw)
	if err != nil {
		result.Err = err
		result.Comment = err.Error()
		r.metrics.recordFailure(ctx)
		return result, err
	}

	if !duplicatesChecked {
		count, native := r.deliveryCount(ctx, id, raw)
		ceiling := r.opts.maxRetries
		if native {
			ceiling = r.opts.maxDeliveries
		}
		if ceiling > 0 && count > ceiling && !manualRetry {
			comment := fmt.Sprintf("rejected after %d deliveries (maximum %d)", count, ceiling)
			r.cache.Record(id, comment)
			r.routeToError(ctx, id, msg, raw, session, comment)
			r.logger.Warn("message rejected", "message_id", id, "deliveries", count)
			r.metrics.recordRejected(ctx)
			result = listener.Result{State: listener.ExitRejected, Comment: comment, Err: ErrMessageRejected}
			return result, nil
		}

		dup, derr := r.isDuplicate(ctx, id, msg)
		if derr != nil {
			result.Err = fmt.Errorf("duplicate check: %w", derr)
			result.Comment = result.Err.Error()
			r.metrics.recordFailure(ctx)
			return result, result.Err
		}
		if dup {
			r.logger.Debug("duplicate message skipped", "message_id", id)
			r.metrics.recordDuplicate(ctx)
			result = listener.Result{State: listener.ExitSuccess, Duplicate: true, Comment: "duplicate of already processed message"}
			return result, nil
		}

		// A processable message was obtained: reset the failure backoff and
		// count this attempt.
		r.retry.Success(started)
		r.cache.Record(id, "")
	}

	// Correlation id fallback chain: session, configured extraction,
	// transport correlation id, message id.
	corrID := session.CorrelationID
	if corrID == "" && r.opts.extractor != nil {
		corrID = r.opts.extractor(msg)
	}
	if corrID == "" {
		corrID = raw.CorrelationID()
	}
	if corrID == "" {
		corrID = msg.CorrelationID
	}
	if corrID == "" {
		corrID = id
	}
	session.CorrelationID = corrID
	raw.SetCorrelationID(corrID)

	// Transaction boundary per the configured propagation policy.
	scope, err := transaction.BeginWith(ctx, r.opts.txManager, session.Tx, r.opts.txAttribute)
	if err != nil {
		result.Err = err
		result.Comment = err.Error()
		r.metrics.recordFailure(ctx)
		return result, err
	}
	outerTx := session.Tx
	session.Tx = scope.Transaction()
	defer func() { session.Tx = outerTx }()
	transacted := scope.Transaction() != nil

	if r.opts.logMessages && r.opts.messageLog != nil {
		if lerr := r.writeMessageLog(ctx, id, corrID, msg, raw, scope.Transaction()); lerr != nil {
			r.logger.Warn("message log write failed", "message_id", id, "error", lerr)
		}
	}

	pres, perr := r.invokePipeline(ctx, corrID, msg, session)

	if perr == nil && pres != nil && pres.Result != nil && r.opts.replySender != nil {
		if _, serr := r.opts.replySender.SendMessage(ctx, pres.Result, session); serr != nil {
			perr = fmt.Errorf("send reply: %w", serr)
		}
	}

	// Outcome classification.
	messageInError := perr != nil || session.RollbackOnly() || scope.RollbackOnly()
	if !transacted && perr == nil && pres != nil && pres.State == listener.ExitError {
		messageInError = true
		perr = fmt.Errorf("pipeline reported exit state %s (code %d)", pres.State, pres.ExitCode)
	}

	comment := "processed"
	exit := listener.ExitSuccess
	if messageInError {
		exit = listener.ExitError
		switch {
		case perr != nil:
			comment = perr.Error()
		default:
			comment = "transaction marked rollback-only"
		}
		r.cache.Comment(id, comment)

		if pr, ok := r.cache.Get(id); ok && r.opts.maxRetries > 0 && pr.ReceiveCount > r.opts.maxRetries && !manualRetry {
			exit = listener.ExitRejected
		}

		guaranteed := false
		if rd, ok := r.lsn.(listener.Redeliverer); ok {
			guaranteed = rd.GuaranteesRedelivery()
		}
		if !transacted && !manualRetry && !guaranteed {
			r.routeToError(ctx, id, msg, raw, session, comment)
		}
	}

	// Process-state transition, skipped when the transaction will roll back
	// and the source should keep the message claimable.
	if sa, ok := r.lsn.(listener.StateAware); ok && !scope.RollbackOnly() && !session.RollbackOnly() {
		target := listener.StateDone
		if messageInError {
			target = listener.StateError
		}
		if sa.KnownProcessStates()[target] {
			// A nil return means a concurrent consumer won the race; that
			// is not an error here.
			if _, serr := sa.ChangeProcessState(ctx, raw, target, comment); serr != nil {
				r.logger.Warn("process state transition failed", "message_id", id, "target", string(target), "error", serr)
			}
		}
	}

	// Finalization: complete the transaction exactly once.
	if session.RollbackOnly() {
		scope.SetRollbackOnly()
	}
	if cerr := scope.Complete(perr); cerr != nil {
		if errors.Is(cerr, transaction.ErrTransactionCompleted) {
			ierr := fmt.Errorf("%w: message %s: %v", ErrTransactionIntegrity, id, cerr)
			r.logger.Error("transaction completed outside the receiver", "message_id", id, "error", ierr)
			r.metrics.recordFailure(ctx)
			result = listener.Result{State: listener.ExitError, Comment: ierr.Error(), Err: ierr}
			return result, ierr
		}
		messageInError = true
		exit = listener.ExitError
		perr = errors.Join(perr, cerr)
		comment = fmt.Sprintf("transaction completion failed: %v", cerr)
	}

	if messageInError {
		switch exit {
		case listener.ExitRejected:
			r.logger.Warn("message rejected after repeated failures", "message_id", id, "comment", comment)
			r.metrics.recordRejected(ctx)
			result = listener.Result{State: listener.ExitRejected, Comment: comment, Err: ErrMessageRejected}
		default:
			r.logger.Warn("message processing failed", "message_id", id, "comment", comment)
			r.metrics.recordFailure(ctx)
			result = listener.Result{State: listener.ExitError, Comment: comment, Err: perr}
		}
		if !duplicatesChecked {
			r.retry.Error(ctx, time.Now(), comment)
		}
		return result, perr
	}

	r.logger.Debug("message processed", "message_id", id, "correlation_id", corrID)
	r.metrics.recordProcessed(ctx)
	result = listener.Result{State: listener.ExitSuccess, Comment: comment}
	return result, nil
}

// extract obtains the canonical message and id, falling back to the wrapper's
// embedded message for retries fetched from durable storage.
func (r *Receiver) extract(ctx context.Context, raw *listener.RawMessage) (*listener.Message, string, error) {
	msg, err := r.lsn.ExtractMessage(ctx, raw)
	var id string
	if err == nil {
		id, err = r.lsn.ExtractID(ctx, raw)
	}
	if err != nil {
		if embedded := raw.Embedded(); embedded != nil {
			id = raw.ID()
			if id == "" {
				id = embedded.ID
			}
			return embedded, id, nil
		}
		return nil, "", fmt.Errorf("%w: %v", listener.ErrExtractFailure, err)
	}
	if id == "" {
		id = listener.SyntheticMessageID()
	}
	return msg, id, nil
}

// deliveryCount returns the current delivery/retry count for the message and
// whether it came from the transport. The count does not include the attempt
// being started.
func (r *Receiver) deliveryCount(ctx context.Context, id string, raw *listener.RawMessage) (int, bool) {
	if dc, ok := r.lsn.(listener.DeliveryCounter); ok {
		if c := dc.DeliveryCount(ctx, raw); c >= 0 {
			return c, true
		}
	}
	if pr, ok := r.cache.Get(id); ok {
		return pr.ReceiveCount, false
	}
	return 0, false
}

// isDuplicate consults the durable message log
func (r *Receiver) isDuplicate(ctx context.Context, id string, msg *listener.Message) (bool, error) {
	if !r.opts.checkForDuplicates || r.opts.messageLog == nil {
		return false, nil
	}
	seen, err := r.opts.messageLog.ContainsMessageID(ctx, id)
	if err != nil || seen {
		return seen, err
	}
	if msg.CorrelationID != "" {
		return r.opts.messageLog.ContainsCorrelationID(ctx, msg.CorrelationID)
	}
	return false, nil
}

// invokePipeline runs the pipeline under the processing-duration guard,
// catching panics so they classify as ordinary processing errors.
func (r *Receiver) invokePipeline(ctx context.Context, corrID string, msg *listener.Message, session *Session) (*PipelineResult, error) {
	d := r.opts.maxProcessDuration
	if d <= 0 {
		return r.callPipeline(ctx, corrID, msg, session)
	}

	pctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type outcome struct {
		res *PipelineResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.callPipeline(pctx, corrID, msg, session)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-pctx.Done():
		if errors.Is(pctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrProcessTimeout, d)
		}
		return nil, pctx.Err()
	}
}

func (r *Receiver) callPipeline(ctx context.Context, corrID string, msg *listener.Message, session *Session) (res *PipelineResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res, err = nil, fmt.Errorf("pipeline panic: %v", rec)
		}
	}()
	return r.pipeline.Process(ctx, corrID, msg, session)
}

// writeMessageLog records the message in the durable success log before the
// pipeline runs, joining the processing transaction when the store supports
// it.
func (r *Receiver) writeMessageLog(ctx context.Context, id, corrID string, msg *listener.Message, raw *listener.RawMessage, tx transaction.Transaction) error {
	payload, err := r.encodeEnvelope(id, corrID, msg, raw)
	if err != nil {
		return err
	}
	rec := &store.Message{
		MessageID:     id,
		CorrelationID: corrID,
		ReceivedAt:    raw.ReceivedAt(),
		Comment:       "received",
		Label:         store.LabelLog,
		Payload:       payload,
	}

	if ts, ok := r.opts.messageLog.(store.TransactionalStore); ok && tx != nil {
		if sp, ok := tx.(transaction.SQLTransactionProvider); ok {
			_, err := ts.StoreMessageTx(ctx, sp.Tx(), rec)
			return err
		}
	}
	_, err = r.opts.messageLog.StoreMessage(ctx, rec)
	return err
}

// routeToError delivers a failed message to the error sender and/or error
// store. The store write runs in a fresh transaction independent of the main
// processing transaction, so the error record survives a rollback.
func (r *Receiver) routeToError(ctx context.Context, id string, msg *listener.Message, raw *listener.RawMessage, session *Session, comment string) {
	if r.opts.errorSender != nil {
		if _, err := r.opts.errorSender.SendMessage(ctx, msg, session); err != nil {
			r.logger.Error("error sender failed", "message_id", id, "error", err)
		}
	}
	if r.opts.errorStore == nil {
		return
	}

	payload, err := r.encodeEnvelope(id, session.CorrelationID, msg, raw)
	if err != nil {
		r.logger.Error("error store encode failed", "message_id", id, "error", err)
		return
	}
	rec := &store.Message{
		MessageID:     id,
		CorrelationID: session.CorrelationID,
		ReceivedAt:    raw.ReceivedAt(),
		Comment:       comment,
		Label:         store.LabelError,
		Payload:       payload,
	}

	ts, transactional := r.opts.errorStore.(store.TransactionalStore)
	if transactional && r.opts.txManager != nil {
		err = r.opts.txManager.Execute(ctx, func(tx transaction.Transaction) error {
			if sp, ok := tx.(transaction.SQLTransactionProvider); ok {
				_, err := ts.StoreMessageTx(ctx, sp.Tx(), rec)
				return err
			}
			_, err := r.opts.errorStore.StoreMessage(ctx, rec)
			return err
		})
	} else {
		_, err = r.opts.errorStore.StoreMessage(ctx, rec)
	}
	if err != nil {
		r.logger.Error("error store write failed", "message_id", id, "error", err)
	}
}

func (r *Receiver) encodeEnvelope(id, corrID string, msg *listener.Message, raw *listener.RawMessage) ([]byte, error) {
	env := &codec.Envelope{
		ID:            id,
		CorrelationID: corrID,
		ReceivedAt:    raw.ReceivedAt(),
		Context:       raw.Context().Map(),
		Payload:       msg.Payload,
	}
	return r.opts.codec.Encode(env)
}

// RetryMessage re-runs a message stored in the error store, identified by
// its storage key. Duplicate checks are bypassed. On success the stored row
// is deleted; on renewed failure its comment is updated in place rather than
// re-inserting a new row.
func (r *Receiver) RetryMessage(ctx context.Context, storageKey string) error {
	if r.opts.errorStore == nil {
		return fmt.Errorf("%w: no error store configured", ErrConfig)
	}

	payload, err := r.opts.errorStore.GetMessage(ctx, storageKey)
	if err != nil {
		return err
	}
	env, err := r.opts.codec.Decode(payload)
	if err != nil {
		return fmt.Errorf("decode stored message %s: %w", storageKey, err)
	}

	msg := &listener.Message{
		ID:            env.ID,
		CorrelationID: env.CorrelationID,
		Payload:       env.Payload,
		ReceivedAt:    env.ReceivedAt,
	}
	raw := listener.NewStoredRawMessage(msg)
	for k, v := range env.Context {
		raw.Context().Set(k, v)
	}

	session := NewSession()
	session.CorrelationID = env.CorrelationID

	r.logger.Info("manual retry", "storage_key", storageKey, "message_id", env.ID)
	result, perr := r.processRawMessage(ctx, raw, session, 0, true, true, nil)
	if perr != nil || !result.Successful() {
		comment := result.Comment
		if comment == "" && perr != nil {
			comment = perr.Error()
		}
		if uerr := r.opts.errorStore.UpdateComment(ctx, storageKey, comment); uerr != nil {
			r.logger.Error("error store comment update failed", "storage_key", storageKey, "error", uerr)
		}
		if perr != nil {
			return perr
		}
		return fmt.Errorf("retry of %s failed: %s", storageKey, comment)
	}

	// The failure is resolved: later legitimate redeliveries of this id
	// start a fresh retry window.
	r.cache.Reset(env.ID)
	return r.opts.errorStore.DeleteMessage(ctx, storageKey)
}

// Health reports whether the receiver is accepting messages
func (r *Receiver) Health(ctx context.Context) error {
	if s := r.state.Get(); s != StateStarted {
		return fmt.Errorf("%w: state %s", ErrNotStarted, s)
	}
	return nil
}

// Status is a point-in-time snapshot of the receiver
type Status struct {
	Name      string
	Listener  string
	State     RunState
	Threads   int
	Suspended bool
	Stats     Stats
}

// Status returns a snapshot of the receiver's state and statistics
func (r *Receiver) Status() Status {
	r.mu.Lock()
	p := r.poller
	r.mu.Unlock()

	threads := r.opts.numThreads
	if p != nil {
		threads = p.process.Limit()
	}
	return Status{
		Name:      r.opts.name,
		Listener:  r.lsn.Name(),
		State:     r.state.Get(),
		Threads:   threads,
		Suspended: r.retry.Suspended(),
		Stats:     r.stats.snapshot(),
	}
}

// Stats returns the receiver's processing statistics
func (r *Receiver) Stats() Stats {
	return r.stats.snapshot()
}
