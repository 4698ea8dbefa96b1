// Package channel provides an in-memory listener backed by Go data
// structures.
//
// IMPORTANT: the channel listener is suitable for single-process pipelines
// and tests. It does NOT survive restarts:
//
//   - Messages are lost on process crash
//   - No persistence beyond process memory
//
// For durable sources, use the redisstream, nats or kafka listeners.
//
// The listener supports both pull and push delivery, the full
// Available/InProcess/Done/Error process-state set, availability peeking and
// per-message delivery counts, which makes it a complete stand-in for a
// state-aware transport in tests.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rbaliyan/receiver/listener"
)

// Listener errors
var (
	ErrQueueFull = errors.New("channel listener queue full")
)

// record is one enqueued message with its durable-equivalent state
type record struct {
	id            string
	correlationID string
	payload       []byte
	state         listener.ProcessState
	deliveries    int
	reason        string
	enqueued      time.Time
}

// Listener is an in-memory pull and push listener.
type Listener struct {
	name   string
	opts   *options
	logger *slog.Logger

	mu      sync.Mutex
	records map[string]*record
	order   []string // arrival order of live records
	open    bool

	handler  listener.Handler
	notify   chan struct{}
	stopPush chan struct{}
	pushWG   sync.WaitGroup
}

// New creates a channel listener
func New(name string, opts ...Option) *Listener {
	o := newOptions(opts...)
	return &Listener{
		name:    name,
		opts:    o,
		logger:  listener.Logger("listener.channel." + name),
		records: make(map[string]*record),
		notify:  make(chan struct{}, 1),
	}
}

// Name returns the listener name
func (l *Listener) Name() string {
	return l.name
}

// Open marks the listener ready for retrieval
func (l *Listener) Open(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = true
	return nil
}

// Close stops delivery. Safe to call more than once; enqueued records stay
// in memory so a reopened listener resumes where it left off.
func (l *Listener) Close(ctx context.Context) error {
	l.mu.Lock()
	l.open = false
	stop := l.stopPush
	l.stopPush = nil
	l.mu.Unlock()

	if stop != nil {
		close(stop)
		l.pushWG.Wait()
	}
	return nil
}

// Publish enqueues a message. An empty id gets a synthetic one. The returned
// id identifies the record for later inspection.
func (l *Listener) Publish(ctx context.Context, payload []byte, id, correlationID string) (string, error) {
	if id == "" {
		id = listener.SyntheticMessageID()
	}

	l.mu.Lock()
	if !l.open {
		l.mu.Unlock()
		return "", listener.ErrListenerClosed
	}
	if l.opts.capacity > 0 && len(l.order) >= l.opts.capacity {
		l.mu.Unlock()
		return "", fmt.Errorf("%w: capacity %d", ErrQueueFull, l.opts.capacity)
	}
	if _, exists := l.records[id]; exists {
		l.mu.Unlock()
		return "", fmt.Errorf("message %s already enqueued", id)
	}
	l.records[id] = &record{
		id:            id,
		correlationID: correlationID,
		payload:       payload,
		state:         listener.StateAvailable,
		enqueued:      time.Now(),
	}
	l.order = append(l.order, id)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return id, nil
}

// GetRawMessage returns the oldest available message without claiming it.
// Claiming happens through ChangeProcessState, so two concurrent pollers may
// observe the same record and race for the InProcess transition.
func (l *Listener) GetRawMessage(ctx context.Context) (*listener.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.open {
		return nil, listener.ErrListenerClosed
	}
	rec := l.firstAvailable()
	if rec == nil {
		return nil, nil
	}
	rec.deliveries++
	return l.wrap(rec), nil
}

// firstAvailable returns the oldest record in StateAvailable. Caller holds
// the lock.
func (l *Listener) firstAvailable() *record {
	for _, id := range l.order {
		if rec := l.records[id]; rec != nil && rec.state == listener.StateAvailable {
			return rec
		}
	}
	return nil
}

func (l *Listener) wrap(rec *record) *listener.RawMessage {
	raw := listener.NewRawMessage(rec.payload, rec.id, rec.correlationID)
	raw.Context().Set("listener", l.name)
	return raw
}

// HasMessageAvailable reports whether a poll would find a message
func (l *Listener) HasMessageAvailable(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return false, listener.ErrListenerClosed
	}
	return l.firstAvailable() != nil, nil
}

// ExtractMessage converts the raw payload into the canonical message
func (l *Listener) ExtractMessage(ctx context.Context, raw *listener.RawMessage) (*listener.Message, error) {
	payload, ok := raw.Payload().([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected payload type %T", listener.ErrExtractFailure, raw.Payload())
	}
	return &listener.Message{
		ID:            raw.ID(),
		CorrelationID: raw.CorrelationID(),
		Payload:       payload,
		ReceivedAt:    raw.ReceivedAt(),
	}, nil
}

// ExtractID returns the message id
func (l *Listener) ExtractID(ctx context.Context, raw *listener.RawMessage) (string, error) {
	if raw.ID() == "" {
		return "", fmt.Errorf("%w: missing id", listener.ErrExtractFailure)
	}
	return raw.ID(), nil
}

// DeliveryCount returns how many times the record was handed out
func (l *Listener) DeliveryCount(ctx context.Context, raw *listener.RawMessage) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[raw.ID()]
	if !ok {
		return -1
	}
	return rec.deliveries
}

// KnownProcessStates declares the full state set
func (l *Listener) KnownProcessStates() map[listener.ProcessState]bool {
	return map[listener.ProcessState]bool{
		listener.StateAvailable: true,
		listener.StateInProcess: true,
		listener.StateDone:      true,
		listener.StateError:     true,
	}
}

// ChangeProcessState transitions the record atomically. A (nil, nil) return
// means the record was not in a state the transition applies from, typically
// because a concurrent consumer claimed it first.
func (l *Listener) ChangeProcessState(ctx context.Context, raw *listener.RawMessage, to listener.ProcessState, reason string) (*listener.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[raw.ID()]
	if !ok {
		return nil, nil
	}

	switch to {
	case listener.StateInProcess:
		if rec.state != listener.StateAvailable {
			return nil, nil // lost the race
		}
	case listener.StateDone, listener.StateError:
		if rec.state != listener.StateInProcess && rec.state != listener.StateAvailable {
			return nil, nil
		}
	case listener.StateAvailable:
		// Returning to Available restarts the delivery history.
		rec.deliveries = 0
	default:
		return nil, fmt.Errorf("unknown process state %q", to)
	}

	rec.state = to
	rec.reason = reason
	return l.wrap(rec), nil
}

// AfterMessageProcessed removes consumed records. A record that failed
// without being rejected stays for redelivery.
func (l *Listener) AfterMessageProcessed(ctx context.Context, result listener.Result, raw *listener.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[raw.ID()]
	if !ok {
		return nil
	}

	if result.Successful() {
		l.remove(rec.id)
		return nil
	}

	// Failed and not consumed: release the claim so the record can be
	// delivered again, unless a state transition already parked it in Error.
	if rec.state == listener.StateInProcess {
		rec.state = listener.StateAvailable
	}
	rec.reason = result.Comment
	return nil
}

// remove deletes a record. Caller holds the lock.
func (l *Listener) remove(id string) {
	delete(l.records, id)
	for i, k := range l.order {
		if k == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Depth returns the number of live records
func (l *Listener) Depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// StartReceiving switches the listener to push delivery: a dispatcher
// goroutine claims available records and invokes the handler.
func (l *Listener) StartReceiving(ctx context.Context, h listener.Handler) error {
	l.mu.Lock()
	if !l.open {
		l.mu.Unlock()
		return listener.ErrListenerClosed
	}
	if l.stopPush != nil {
		l.mu.Unlock()
		return errors.New("already receiving")
	}
	stop := make(chan struct{})
	l.handler = h
	l.stopPush = stop
	l.mu.Unlock()

	l.pushWG.Add(1)
	go l.dispatch(ctx, h, stop)
	return nil
}

// StopReceiving halts push delivery without closing the listener
func (l *Listener) StopReceiving(ctx context.Context) error {
	l.mu.Lock()
	stop := l.stopPush
	l.stopPush = nil
	l.mu.Unlock()

	if stop != nil {
		close(stop)
		l.pushWG.Wait()
	}
	return nil
}

func (l *Listener) dispatch(ctx context.Context, h listener.Handler, stop chan struct{}) {
	defer l.pushWG.Done()

	for {
		raw := l.claimNext()
		if raw == nil {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-l.notify:
				continue
			}
		}

		if err := h(ctx, raw); err != nil {
			l.logger.Warn("push handler failed", "message_id", raw.ID(), "error", err)
		}

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

// claimNext atomically claims the oldest available record for push delivery
func (l *Listener) claimNext() *listener.RawMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.firstAvailable()
	if rec == nil {
		return nil
	}
	rec.state = listener.StateInProcess
	rec.deliveries++
	return l.wrap(rec)
}

// Compile-time checks
var (
	_ listener.PullListener    = (*Listener)(nil)
	_ listener.PushListener    = (*Listener)(nil)
	_ listener.Peeker          = (*Listener)(nil)
	_ listener.DeliveryCounter = (*Listener)(nil)
	_ listener.StateAware      = (*Listener)(nil)
)
