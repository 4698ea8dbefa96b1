package redisstream

import (
	"time"

	"github.com/rbaliyan/receiver/listener"
)

// Default configuration values
var (
	// DefaultClaimMinIdle is how long a pending entry must sit idle before
	// this consumer re-claims it.
	DefaultClaimMinIdle = time.Minute

	// DefaultBlock is the XREADGROUP block duration per poll.
	DefaultBlock = 100 * time.Millisecond
)

// options holds configuration for the stream listener (unexported)
type options struct {
	consumer     string
	startID      string
	block        time.Duration
	claimMinIdle time.Duration
	maxLen       int64
}

// Option configures the stream listener
type Option func(*options)

// WithConsumer sets the consumer name within the group. Defaults to a
// generated unique name, which is right for ephemeral consumers; pin it to
// resume a stable pending list across restarts.
func WithConsumer(name string) Option {
	return func(o *options) {
		if name != "" {
			o.consumer = name
		}
	}
}

// WithStartID sets where a newly created group starts reading.
// "$" (the default) reads only new entries, "0" reads from the beginning.
func WithStartID(id string) Option {
	return func(o *options) {
		if id != "" {
			o.startID = id
		}
	}
}

// WithBlock sets how long one poll blocks waiting for a new entry.
// Zero blocks indefinitely, which stalls shutdown; keep it short.
func WithBlock(d time.Duration) Option {
	return func(o *options) {
		o.block = d
	}
}

// WithClaimMinIdle sets the idle threshold for re-claiming another
// consumer's pending entries. Zero disables claiming.
func WithClaimMinIdle(d time.Duration) Option {
	return func(o *options) {
		o.claimMinIdle = d
	}
}

// WithMaxLen caps the stream length on publish (approximate trimming).
// Zero means no trimming.
func WithMaxLen(n int64) Option {
	return func(o *options) {
		o.maxLen = n
	}
}

// newOptions creates options with defaults and applies provided options
func newOptions(opts ...Option) *options {
	o := &options{
		consumer:     "consumer-" + listener.NewID(),
		startID:      "$",
		block:        DefaultBlock,
		claimMinIdle: DefaultClaimMinIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
