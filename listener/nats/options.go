package nats

// options holds configuration for the NATS listener (unexported)
type options struct {
	queue        string
	pendingLimit int
}

// Option configures the NATS listener
type Option func(*options)

// WithQueue subscribes as part of a queue group so the subject's messages
// are load-balanced across receiver processes.
func WithQueue(name string) Option {
	return func(o *options) {
		o.queue = name
	}
}

// WithPendingLimit caps the subscription's pending message buffer.
// Zero keeps the client default.
func WithPendingLimit(n int) Option {
	return func(o *options) {
		o.pendingLimit = n
	}
}

// newOptions creates options with defaults and applies provided options
func newOptions(opts ...Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
