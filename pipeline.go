package receiver

import (
	"context"
	"sync"

	"github.com/rbaliyan/receiver/listener"
	"github.com/rbaliyan/receiver/transaction"
)

// Session carries per-delivery state across the processing call: the ambient
// transaction, the resolved business correlation id and free-form session
// variables shared with the pipeline.
type Session struct {
	// Tx is the ambient transaction, nil when processing runs
	// untransacted. The receiver sets it according to the configured
	// propagation policy before the pipeline runs.
	Tx transaction.Transaction

	// CorrelationID is the resolved business correlation id. External
	// stores key on this value.
	CorrelationID string

	mu           sync.Mutex
	values       map[string]string
	rollbackOnly bool
}

// NewSession creates an empty session
func NewSession() *Session {
	return &Session{values: make(map[string]string)}
}

// Set stores a session variable
func (s *Session) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]string)
	}
	s.values[key] = value
}

// Get returns a session variable
func (s *Session) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// SetRollbackOnly marks the delivery so the processing transaction rolls
// back even when the pipeline returns success. Pipelines use this to veto a
// commit without raising an error.
func (s *Session) SetRollbackOnly() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbackOnly = true
}

// RollbackOnly reports whether the delivery was marked rollback-only
func (s *Session) RollbackOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbackOnly
}

// PipelineResult is the outcome the pipeline reports for one message.
type PipelineResult struct {
	State    listener.ExitState // success or error as judged by the pipeline
	ExitCode int                // pipeline-specific exit code
	Result   *listener.Message  // optional reply message
}

// Pipeline is the downstream processor. It is a black box to the receiver:
// returned errors and panics are caught and classified, never allowed to
// propagate unclassified.
type Pipeline interface {
	Process(ctx context.Context, correlationID string, msg *listener.Message, session *Session) (*PipelineResult, error)
}

// PipelineFunc adapts a function to the Pipeline interface
type PipelineFunc func(ctx context.Context, correlationID string, msg *listener.Message, session *Session) (*PipelineResult, error)

// Process implements Pipeline
func (f PipelineFunc) Process(ctx context.Context, correlationID string, msg *listener.Message, session *Session) (*PipelineResult, error) {
	return f(ctx, correlationID, msg, session)
}

// Sender delivers a message to an external destination. It backs the
// receiver's reply sender and error sender. The error sender is always
// invoked outside the main processing transaction.
type Sender interface {
	SendMessage(ctx context.Context, msg *listener.Message, session *Session) (*listener.Message, error)
}

// SenderFunc adapts a function to the Sender interface
type SenderFunc func(ctx context.Context, msg *listener.Message, session *Session) (*listener.Message, error)

// SendMessage implements Sender
func (f SenderFunc) SendMessage(ctx context.Context, msg *listener.Message, session *Session) (*listener.Message, error) {
	return f(ctx, msg, session)
}

// Compile-time checks
var (
	_ Pipeline = (PipelineFunc)(nil)
	_ Sender   = (SenderFunc)(nil)
)
