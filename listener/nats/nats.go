// Package nats provides a push listener on NATS subscriptions.
//
// Core NATS delivers at-most-once: an unhandled message is gone. The
// listener therefore reports that it does not guarantee redelivery, which
// makes the receiver route failed messages to the error store. Use a queue
// group to spread one subject across multiple receiver processes.
//
// Message ids and correlation ids travel in headers.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/rbaliyan/receiver/listener"
)

// Header names
const (
	HeaderMessageID     = "Receiver-Message-Id"
	HeaderCorrelationID = "Receiver-Correlation-Id"
)

// Listener errors
var (
	ErrConnRequired = errors.New("nats connection is required")
)

// Listener is a NATS push listener.
type Listener struct {
	name    string
	conn    *nats.Conn
	subject string
	opts    *options
	logger  *slog.Logger

	mu   sync.Mutex
	sub  *nats.Subscription
	open bool
}

// New creates a NATS listener on the given subject
func New(conn *nats.Conn, subject string, opts ...Option) (*Listener, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}
	o := newOptions(opts...)
	return &Listener{
		name:    fmt.Sprintf("nats:%s", subject),
		conn:    conn,
		subject: subject,
		opts:    o,
		logger:  listener.Logger("listener.nats." + subject),
	}, nil
}

// Name returns the listener name
func (l *Listener) Name() string {
	return l.name
}

// Open verifies the connection is usable
func (l *Listener) Open(ctx context.Context) error {
	if status := l.conn.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection not ready: %s", status)
	}
	l.mu.Lock()
	l.open = true
	l.mu.Unlock()
	return nil
}

// Close unsubscribes. The connection is owned by the caller and stays open.
func (l *Listener) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.open = false
	if l.sub != nil {
		if err := l.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) {
			return fmt.Errorf("unsubscribe: %w", err)
		}
		l.sub = nil
	}
	return nil
}

// Publish sends a message on the listener's subject
func (l *Listener) Publish(ctx context.Context, payload []byte, id, correlationID string) error {
	if id == "" {
		id = listener.SyntheticMessageID()
	}
	msg := nats.NewMsg(l.subject)
	msg.Header.Set(HeaderMessageID, id)
	if correlationID != "" {
		msg.Header.Set(HeaderCorrelationID, correlationID)
	}
	msg.Data = payload
	return l.conn.PublishMsg(msg)
}

// StartReceiving subscribes and forwards every message to the handler on the
// subscription's own goroutines.
func (l *Listener) StartReceiving(ctx context.Context, h listener.Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.open {
		return listener.ErrListenerClosed
	}
	if l.sub != nil {
		return errors.New("already receiving")
	}

	cb := func(msg *nats.Msg) {
		raw := listener.NewRawMessage(msg,
			msg.Header.Get(HeaderMessageID),
			msg.Header.Get(HeaderCorrelationID))
		raw.Context().Set("nats.subject", msg.Subject)

		if err := h(ctx, raw); err != nil {
			l.logger.Warn("handler failed", "subject", msg.Subject, "error", err)
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if l.opts.queue != "" {
		sub, err = l.conn.QueueSubscribe(l.subject, l.opts.queue, cb)
	} else {
		sub, err = l.conn.Subscribe(l.subject, cb)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", l.subject, err)
	}
	if l.opts.pendingLimit > 0 {
		if err := sub.SetPendingLimits(l.opts.pendingLimit, -1); err != nil {
			l.logger.Warn("set pending limits failed", "error", err)
		}
	}
	l.sub = sub
	return nil
}

// StopReceiving drains the subscription without closing the listener
func (l *Listener) StopReceiving(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub == nil {
		return nil
	}
	if err := l.sub.Drain(); err != nil && !errors.Is(err, nats.ErrBadSubscription) {
		return fmt.Errorf("drain: %w", err)
	}
	l.sub = nil
	return nil
}

// ExtractMessage converts the NATS message into the canonical message
func (l *Listener) ExtractMessage(ctx context.Context, raw *listener.RawMessage) (*listener.Message, error) {
	msg, ok := raw.Payload().(*nats.Msg)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected payload type %T", listener.ErrExtractFailure, raw.Payload())
	}
	return &listener.Message{
		ID:            raw.ID(),
		CorrelationID: raw.CorrelationID(),
		Payload:       msg.Data,
		ReceivedAt:    raw.ReceivedAt(),
	}, nil
}

// ExtractID returns the message id from the header, synthesizing one when
// the publisher set none.
func (l *Listener) ExtractID(ctx context.Context, raw *listener.RawMessage) (string, error) {
	if id := raw.ID(); id != "" {
		return id, nil
	}
	return listener.SyntheticMessageID(), nil
}

// GuaranteesRedelivery reports that core NATS does not redeliver
func (l *Listener) GuaranteesRedelivery() bool {
	return false
}

// AfterMessageProcessed is a no-op: core NATS has no acknowledgement
func (l *Listener) AfterMessageProcessed(ctx context.Context, result listener.Result, raw *listener.RawMessage) error {
	return nil
}

// Compile-time checks
var (
	_ listener.PushListener = (*Listener)(nil)
	_ listener.Redeliverer  = (*Listener)(nil)
)
