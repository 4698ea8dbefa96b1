package receiver

import "errors"

// Receiver errors
var (
	// ErrConfig is returned when the receiver is constructed with an
	// invalid or incomplete configuration.
	ErrConfig = errors.New("invalid receiver configuration")

	// ErrNotStarted is returned when an operation requires a running
	// receiver.
	ErrNotStarted = errors.New("receiver not started")

	// ErrInvalidState is returned when a lifecycle operation is not legal
	// in the current run state.
	ErrInvalidState = errors.New("invalid run state")

	// ErrStartTimeout is returned when the listener does not open within
	// the configured start timeout.
	ErrStartTimeout = errors.New("receiver start timed out")

	// ErrStopTimeout is returned when resources do not close within the
	// configured stop timeout.
	ErrStopTimeout = errors.New("receiver stop timed out")

	// ErrProcessTimeout is returned when the pipeline exceeds the maximum
	// processing duration.
	ErrProcessTimeout = errors.New("pipeline processing timed out")

	// ErrTransactionIntegrity is returned when the processing transaction
	// was completed by something other than the receiver. This indicates a
	// correctness violation: a double commit could process the message
	// twice.
	ErrTransactionIntegrity = errors.New("transaction integrity violation")

	// ErrMessageRejected is carried in the result of a delivery attempt
	// that exceeded its retry or delivery ceiling.
	ErrMessageRejected = errors.New("message rejected")
)
