package receiver

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/rbaliyan/receiver/codec"
	"github.com/rbaliyan/receiver/listener"
	"github.com/rbaliyan/receiver/store"
	"github.com/rbaliyan/receiver/transaction"
)

// Defaults
var (
	// DefaultPollInterval is the idle sleep between polls that returned
	// nothing.
	DefaultPollInterval = 5 * time.Second

	// DefaultNumThreads is the number of concurrent processing threads for
	// pull listeners.
	DefaultNumThreads = 1

	// DefaultMaxProcessDuration bounds one pipeline invocation.
	DefaultMaxProcessDuration = 10 * time.Minute

	// DefaultStartTimeout bounds listener open on start.
	DefaultStartTimeout = 30 * time.Second

	// DefaultStopTimeout bounds resource close on stop.
	DefaultStopTimeout = 30 * time.Second
)

// OnErrorPolicy decides what happens to the receiver after a message or poll
// failure.
type OnErrorPolicy int

const (
	// OnErrorContinue logs the failure and keeps receiving. Per-message
	// isolation: one bad message never stops the stream.
	OnErrorContinue OnErrorPolicy = iota
	// OnErrorClose stops the receiver on the first failure.
	OnErrorClose
)

// CorrelationExtractor derives the business correlation id from a message
// body. It returns the empty string when no id could be derived.
type CorrelationExtractor func(msg *listener.Message) string

// Options is the receiver configuration. Construct it through New and the
// functional options; the zero value is not usable.
type Options struct {
	name   string
	logger *slog.Logger

	maxRetries    int // ceiling for cache-based retry counts, 0 = unlimited
	maxDeliveries int // ceiling for listener-native delivery counts, 0 = unlimited

	checkForDuplicates bool
	logMessages        bool

	txManager   transaction.Manager
	txAttribute transaction.Propagation

	cacheSize int

	pollInterval      time.Duration
	numThreads        int
	numThreadsPolling int
	pollLimiter       *rate.Limiter
	peekUntransacted  bool

	onError            OnErrorPolicy
	maxProcessDuration time.Duration
	startTimeout       time.Duration
	stopTimeout        time.Duration

	metricsEnabled bool
	tracingEnabled bool

	suspensionListener func(SuspensionEvent)

	errorStore store.Store
	messageLog store.Store

	errorSender Sender
	replySender Sender

	extractor CorrelationExtractor
	codec     codec.Codec
}

// DefaultOptions returns the default receiver configuration
func DefaultOptions() *Options {
	return &Options{
		name:               "receiver",
		checkForDuplicates: true,
		logMessages:        true,
		txAttribute:        transaction.Supports,
		cacheSize:          DefaultProcessResultCacheSize,
		pollInterval:       DefaultPollInterval,
		numThreads:         DefaultNumThreads,
		onError:            OnErrorContinue,
		maxProcessDuration: DefaultMaxProcessDuration,
		startTimeout:       DefaultStartTimeout,
		stopTimeout:        DefaultStopTimeout,
		metricsEnabled:     true,
		tracingEnabled:     true,
		codec:              codec.Default(),
	}
}

// Option configures a receiver
type Option func(*Options)

// WithName sets the receiver name used in logs, metrics and spans
func WithName(name string) Option {
	return func(o *Options) {
		o.name = name
	}
}

// WithLogger sets the logger. Defaults to slog.Default scoped to the
// receiver name.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.logger = logger
	}
}

// WithMaxRetries caps cache-counted processing attempts per message id.
// A message whose count exceeds the cap is routed to the error destination
// without pipeline invocation. Zero disables the ceiling.
func WithMaxRetries(n int) Option {
	return func(o *Options) {
		o.maxRetries = n
	}
}

// WithMaxDeliveries caps listener-native delivery counts. Applies only when
// the listener implements DeliveryCounter. Zero disables the ceiling.
func WithMaxDeliveries(n int) Option {
	return func(o *Options) {
		o.maxDeliveries = n
	}
}

// WithCheckForDuplicates enables/disables the message-log duplicate check.
// Enabled by default; only effective when a message log is configured.
func WithCheckForDuplicates(enabled bool) Option {
	return func(o *Options) {
		o.checkForDuplicates = enabled
	}
}

// WithMessageLogging enables/disables the message-log write that happens
// before the pipeline runs, inside the processing transaction, so a durable
// record exists even if the pipeline crashes mid-flight. Enabled by default;
// only effective when a message log is configured.
func WithMessageLogging(enabled bool) Option {
	return func(o *Options) {
		o.logMessages = enabled
	}
}

// WithTransaction sets the transaction manager and propagation policy for
// message processing.
func WithTransaction(mgr transaction.Manager, attr transaction.Propagation) Option {
	return func(o *Options) {
		o.txManager = mgr
		o.txAttribute = attr
	}
}

// WithProcessResultCacheSize bounds the process-result cache
func WithProcessResultCacheSize(n int) Option {
	return func(o *Options) {
		o.cacheSize = n
	}
}

// WithPollInterval sets the idle sleep after a poll that returned nothing
func WithPollInterval(d time.Duration) Option {
	return func(o *Options) {
		o.pollInterval = d
	}
}

// WithNumThreads sets the number of concurrent processing threads for pull
// listeners. Adjustable at runtime via IncreaseThreadCount and
// DecreaseThreadCount.
func WithNumThreads(n int) Option {
	return func(o *Options) {
		o.numThreads = n
	}
}

// WithNumThreadsPolling caps how many of the processing threads may poll
// concurrently. May be smaller than the thread count so that some threads
// keep polling while others finish processing. Defaults to the thread count.
func WithNumThreadsPolling(n int) Option {
	return func(o *Options) {
		o.numThreadsPolling = n
	}
}

// WithPollRateLimit throttles polls across all polling threads
func WithPollRateLimit(limiter *rate.Limiter) Option {
	return func(o *Options) {
		o.pollLimiter = limiter
	}
}

// WithPeekUntransacted lets an idle poller call the listener's availability
// pre-check outside any transaction, avoiding transaction churn on an empty
// source. Only effective for peekable listeners.
func WithPeekUntransacted(enabled bool) Option {
	return func(o *Options) {
		o.peekUntransacted = enabled
	}
}

// WithOnError sets the failure policy
func WithOnError(policy OnErrorPolicy) Option {
	return func(o *Options) {
		o.onError = policy
	}
}

// WithMaxProcessDuration bounds one pipeline invocation. Zero disables the
// guard.
func WithMaxProcessDuration(d time.Duration) Option {
	return func(o *Options) {
		o.maxProcessDuration = d
	}
}

// WithStartTimeout bounds listener open during Start
func WithStartTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.startTimeout = d
	}
}

// WithStopTimeout bounds resource close during Stop
func WithStopTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.stopTimeout = d
	}
}

// WithMetrics enables/disables OpenTelemetry metrics
func WithMetrics(enabled bool) Option {
	return func(o *Options) {
		o.metricsEnabled = enabled
	}
}

// WithTracing enables/disables OpenTelemetry tracing
func WithTracing(enabled bool) Option {
	return func(o *Options) {
		o.tracingEnabled = enabled
	}
}

// WithSuspensionListener registers a callback for SUSPENDED/RESUMED events
func WithSuspensionListener(fn func(SuspensionEvent)) Option {
	return func(o *Options) {
		o.suspensionListener = fn
	}
}

// WithErrorStore sets the durable store for failed messages
func WithErrorStore(s store.Store) Option {
	return func(o *Options) {
		o.errorStore = s
	}
}

// WithMessageLog sets the durable success log used for duplicate detection
func WithMessageLog(s store.Store) Option {
	return func(o *Options) {
		o.messageLog = s
	}
}

// WithErrorSender sets the sender invoked for failed messages, outside the
// main processing transaction.
func WithErrorSender(s Sender) Option {
	return func(o *Options) {
		o.errorSender = s
	}
}

// WithReplySender sets the sender for pipeline reply messages
func WithReplySender(s Sender) Option {
	return func(o *Options) {
		o.replySender = s
	}
}

// WithCorrelationExtractor sets the extraction applied to the message body
// when no correlation id was supplied externally.
func WithCorrelationExtractor(fn CorrelationExtractor) Option {
	return func(o *Options) {
		o.extractor = fn
	}
}

// WithCodec sets the envelope codec used for durable storage
func WithCodec(c codec.Codec) Option {
	return func(o *Options) {
		o.codec = c
	}
}
