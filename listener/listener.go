// Package listener defines the contract between the receiver core and
// transport-specific source adapters.
//
// A listener surfaces raw inbound messages from an external source (a queue,
// a stream, a directory, an HTTP endpoint) to the receiver. Listeners come in
// two flavors:
//
//   - Pull listeners are polled by the receiver's scheduler. They implement
//     PullListener and return nil when nothing is available.
//   - Push listeners deliver messages on their transport's own goroutines.
//     They implement PushListener and invoke the handler the receiver
//     registers at start time.
//
// Beyond the base contract, a listener may implement optional capability
// interfaces that the receiver probes for with type assertions:
//
//   - Peeker: cheap availability pre-check before opening a transaction
//   - DeliveryCounter: transport-native redelivery counts (e.g. stream
//     pending-entry counters)
//   - StateAware: durable Available/InProcess/Done/Error state transitions
//
// Implementations in this repository:
//   - channel: in-memory source for single-process pipelines and tests
//   - redisstream: Redis Streams consumer groups (pull, state-aware,
//     delivery-count-aware)
//   - nats: NATS subscriptions (push)
//   - kafka: Kafka consumer groups via sarama (push)
package listener

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Listener errors
var (
	ErrListenerClosed = errors.New("listener closed")
	ErrExtractFailure = errors.New("message extraction failed")
)

// ProcessState describes a message's position in a durable workflow.
//
// Not every listener supports every state. A state-aware listener declares
// the subset it knows via StateAware.KnownProcessStates; the receiver only
// requests transitions to declared states.
type ProcessState string

const (
	// StateAvailable means the message is waiting to be picked up.
	StateAvailable ProcessState = "Available"
	// StateInProcess means a consumer has claimed the message.
	StateInProcess ProcessState = "InProcess"
	// StateDone means the message was processed successfully.
	StateDone ProcessState = "Done"
	// StateError means processing failed permanently.
	StateError ProcessState = "Error"
)

// ExitState classifies the outcome of one delivery attempt.
type ExitState string

const (
	// ExitSuccess means the pipeline processed the message, or the message
	// was recognized as an already-processed duplicate.
	ExitSuccess ExitState = "success"
	// ExitError means the pipeline failed or the transaction rolled back.
	ExitError ExitState = "error"
	// ExitRejected means the message exceeded its delivery or retry ceiling
	// and was routed to the error destination without pipeline invocation.
	ExitRejected ExitState = "rejected"
)

// Result describes the outcome of a delivery attempt. It is passed to
// AfterMessageProcessed so the listener can acknowledge, delete or archive
// the source message.
type Result struct {
	State     ExitState
	Duplicate bool   // set with ExitSuccess when the message was skipped as a duplicate
	Comment   string // human-readable description, stored alongside errors
	Err       error  // the processing error, nil on success
}

// Successful reports whether the source message may be considered consumed.
// Rejected messages count as consumed: they have been moved to the error
// destination and must not be redelivered.
func (r Result) Successful() bool {
	return r.State == ExitSuccess || r.State == ExitRejected
}

// Handler is the callback a push listener invokes for every inbound message.
// The handler runs the full receiver processing state machine; its error
// return tells the transport whether redelivery is needed.
type Handler func(ctx context.Context, raw *RawMessage) error

// Listener is the base contract every source adapter satisfies.
//
// Open failures abort receiver startup. Close failures are logged by the
// receiver but never block shutdown. ExtractMessage and ExtractID may
// populate the raw message's context as a side effect.
type Listener interface {
	// Name identifies the listener in logs and metrics.
	Name() string

	// Open prepares the source for message retrieval.
	Open(ctx context.Context) error

	// Close releases source resources. Safe to call more than once.
	Close(ctx context.Context) error

	// ExtractMessage converts the raw transport payload into the canonical
	// message handed to the pipeline.
	ExtractMessage(ctx context.Context, raw *RawMessage) (*Message, error)

	// ExtractID returns the business/technical id for the raw message and
	// may enrich the raw message's context.
	ExtractID(ctx context.Context, raw *RawMessage) (string, error)

	// AfterMessageProcessed is the final hook, invoked exactly once per
	// delivery attempt regardless of outcome.
	AfterMessageProcessed(ctx context.Context, result Result, raw *RawMessage) error
}

// PullListener is implemented by listeners the receiver polls.
type PullListener interface {
	Listener

	// GetRawMessage returns the next available message, or (nil, nil) when
	// nothing is available. It must not block indefinitely; the poll loop
	// bounds retry cadence.
	GetRawMessage(ctx context.Context) (*RawMessage, error)
}

// PushListener is implemented by listeners whose transport delivers messages
// on its own goroutines.
type PushListener interface {
	Listener

	// StartReceiving registers the handler and begins delivery. The handler
	// must be safe for concurrent invocation.
	StartReceiving(ctx context.Context, h Handler) error

	// StopReceiving halts delivery without closing the underlying source.
	StopReceiving(ctx context.Context) error
}

// Peeker is an optional capability: a non-authoritative availability check
// that lets the receiver avoid opening an unnecessary transaction when the
// source is idle.
type Peeker interface {
	HasMessageAvailable(ctx context.Context) (bool, error)
}

// DeliveryCounter is an optional capability for transports that track
// redelivery natively. When absent, the receiver's process-result cache
// substitutes.
type DeliveryCounter interface {
	// DeliveryCount returns how many times the transport has delivered this
	// message, or -1 when unknown.
	DeliveryCount(ctx context.Context, raw *RawMessage) int
}

// StateAware is an optional capability for sources with durable per-message
// process states.
type StateAware interface {
	// KnownProcessStates returns the states this listener supports.
	KnownProcessStates() map[ProcessState]bool

	// ChangeProcessState atomically transitions the message. A (nil, nil)
	// return means the transition could not be applied, typically because a
	// concurrent consumer won the race; the caller must skip the message.
	ChangeProcessState(ctx context.Context, raw *RawMessage, to ProcessState, reason string) (*RawMessage, error)
}

// Redeliverer is an optional capability for transports that guarantee their
// own redelivery of unacknowledged messages. The receiver skips error-store
// routing for such listeners: the source will deliver the message again.
type Redeliverer interface {
	GuaranteesRedelivery() bool
}

// ID generation
var counter uint64

// NewID generates a new unique ID
func NewID() string {
	u, err := uuid.NewRandom()
	if err == nil {
		return u.String()
	}
	return strconv.FormatUint(atomic.AddUint64(&counter, 1), 10)
}

// SyntheticMessageID synthesizes an id for messages whose transport assigned
// none. Processing never begins without an id.
func SyntheticMessageID() string {
	return "synthetic-message-id-" + NewID()
}

// Logger returns a logger with the given component name
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// Jitter adds randomness to a duration to prevent thundering herd.
// Returns a duration between d*(1-factor) and d*(1+factor).
// Factor should be between 0 and 1 (e.g., 0.3 for +/-30% jitter).
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || factor > 1 {
		return d
	}
	jitter := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(d) * (1 + jitter))
}
