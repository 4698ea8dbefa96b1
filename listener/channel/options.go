package channel

// options holds configuration for the channel listener (unexported)
type options struct {
	capacity int
}

// Option configures the channel listener
type Option func(*options)

// WithCapacity caps the number of live records. Publish fails with
// ErrQueueFull beyond the cap. Zero (the default) means unbounded.
func WithCapacity(n int) Option {
	return func(o *options) {
		o.capacity = n
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
