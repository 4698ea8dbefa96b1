// Package kafka provides a push listener on a Kafka consumer group via
// sarama.
//
// Offsets are marked only after the receiver finished a delivery attempt
// with a consumed outcome, so an unprocessed message is re-read after a
// rebalance or restart: the listener guarantees its own redelivery and the
// receiver skips error-store routing for ordinary failures. Rejected
// messages are marked too; they have been moved to the error destination.
//
// Recommended sarama.Config settings for at-least-once delivery:
//
//	config := sarama.NewConfig()
//	config.Consumer.Offsets.AutoCommit.Enable = true
//	config.Consumer.Offsets.Initial = sarama.OffsetOldest
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"

	"github.com/rbaliyan/receiver/listener"
)

// Header names
const (
	HeaderMessageID     = "receiver-message-id"
	HeaderCorrelationID = "receiver-correlation-id"
)

// Listener errors
var (
	ErrClientRequired = errors.New("kafka client is required")
)

// Listener is a Kafka consumer-group push listener.
type Listener struct {
	name   string
	client sarama.Client
	topic  string
	group  string
	logger *slog.Logger

	mu       sync.Mutex
	consumer sarama.ConsumerGroup
	session  sarama.ConsumerGroupSession
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	open     bool
}

// New creates a Kafka listener consuming the topic through the group
func New(client sarama.Client, topic, group string) (*Listener, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	return &Listener{
		name:   fmt.Sprintf("kafka:%s", topic),
		client: client,
		topic:  topic,
		group:  group,
		logger: listener.Logger("listener.kafka." + topic),
	}, nil
}

// Name returns the listener name
func (l *Listener) Name() string {
	return l.name
}

// Open creates the consumer group
func (l *Listener) Open(ctx context.Context) error {
	consumer, err := sarama.NewConsumerGroupFromClient(l.group, l.client)
	if err != nil {
		return fmt.Errorf("create consumer group %s: %w", l.group, err)
	}
	l.mu.Lock()
	l.consumer = consumer
	l.open = true
	l.mu.Unlock()
	return nil
}

// Close stops consuming and closes the group. The client is owned by the
// caller and stays open.
func (l *Listener) Close(ctx context.Context) error {
	if err := l.StopReceiving(ctx); err != nil {
		l.logger.Warn("stop receiving during close failed", "error", err)
	}

	l.mu.Lock()
	consumer := l.consumer
	l.consumer = nil
	l.open = false
	l.mu.Unlock()

	if consumer != nil {
		if err := consumer.Close(); err != nil {
			return fmt.Errorf("close consumer group: %w", err)
		}
	}
	return nil
}

// StartReceiving joins the consumer group and forwards every record to the
// handler on the group session's goroutines.
func (l *Listener) StartReceiving(ctx context.Context, h listener.Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.open || l.consumer == nil {
		return listener.ErrListenerClosed
	}
	if l.cancel != nil {
		return errors.New("already receiving")
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	handler := &groupHandler{listener: l, handler: h}
	consumer := l.consumer

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for runCtx.Err() == nil {
			// Consume returns on every rebalance; loop to rejoin.
			if err := consumer.Consume(runCtx, []string{l.topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) || runCtx.Err() != nil {
					return
				}
				l.logger.Warn("consume failed, rejoining", "error", err)
			}
		}
	}()
	return nil
}

// StopReceiving leaves the consumer group without closing the listener
func (l *Listener) StopReceiving(ctx context.Context) error {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
		l.wg.Wait()
	}
	return nil
}

// ExtractMessage converts the Kafka record into the canonical message
func (l *Listener) ExtractMessage(ctx context.Context, raw *listener.RawMessage) (*listener.Message, error) {
	msg, ok := raw.Payload().(*sarama.ConsumerMessage)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected payload type %T", listener.ErrExtractFailure, raw.Payload())
	}
	return &listener.Message{
		ID:            raw.ID(),
		CorrelationID: raw.CorrelationID(),
		Payload:       msg.Value,
		ReceivedAt:    raw.ReceivedAt(),
	}, nil
}

// ExtractID returns the message id, resolved at wrap time. The
// topic/partition/offset fallback here covers wrappers built outside the
// consume loop.
func (l *Listener) ExtractID(ctx context.Context, raw *listener.RawMessage) (string, error) {
	if id := raw.ID(); id != "" {
		return id, nil
	}
	msg, ok := raw.Payload().(*sarama.ConsumerMessage)
	if !ok {
		return "", fmt.Errorf("%w: unexpected payload type %T", listener.ErrExtractFailure, raw.Payload())
	}
	return recordID(msg), nil
}

// GuaranteesRedelivery reports that unmarked offsets are re-read
func (l *Listener) GuaranteesRedelivery() bool {
	return true
}

// AfterMessageProcessed marks the record's offset once it is consumed.
// Marking a record from a session that already ended is harmless: the next
// session re-reads and re-marks it.
func (l *Listener) AfterMessageProcessed(ctx context.Context, result listener.Result, raw *listener.RawMessage) error {
	if !result.Successful() {
		return nil
	}
	msg, ok := raw.Payload().(*sarama.ConsumerMessage)
	if !ok {
		return nil
	}
	l.mu.Lock()
	session := l.session
	l.mu.Unlock()
	if session != nil {
		session.MarkMessage(msg, "")
	}
	return nil
}

func (l *Listener) setSession(s sarama.ConsumerGroupSession) {
	l.mu.Lock()
	l.session = s
	l.mu.Unlock()
}

// groupHandler implements sarama.ConsumerGroupHandler
type groupHandler struct {
	listener *Listener
	handler  listener.Handler
}

func (h *groupHandler) Setup(s sarama.ConsumerGroupSession) error {
	h.listener.setSession(s)
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.listener.setSession(nil)
	return nil
}

// recordID is the fallback message id for records published without an id
// header. It is stable across redeliveries, unlike a synthetic id, so the
// duplicate check and the delivery ceiling recognize a re-read record.
func recordID(msg *sarama.ConsumerMessage) string {
	return fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
}

// wrapRecord wraps a consumer record, preferring the publisher-assigned id
// header over the topic/partition/offset fallback.
func wrapRecord(msg *sarama.ConsumerMessage) *listener.RawMessage {
	var id, corrID string
	for _, hdr := range msg.Headers {
		switch string(hdr.Key) {
		case HeaderMessageID:
			id = string(hdr.Value)
		case HeaderCorrelationID:
			corrID = string(hdr.Value)
		}
	}
	if id == "" {
		id = recordID(msg)
	}

	raw := listener.NewRawMessage(msg, id, corrID)
	raw.Context().Set("kafka.topic", msg.Topic)
	return raw
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			raw := wrapRecord(msg)
			if err := h.handler(session.Context(), raw); err != nil {
				h.listener.logger.Warn("handler failed", "topic", msg.Topic,
					"partition", msg.Partition, "offset", msg.Offset, "error", err)
			}

		case <-session.Context().Done():
			return nil
		}
	}
}

// Compile-time checks
var (
	_ listener.PushListener = (*Listener)(nil)
	_ listener.Redeliverer  = (*Listener)(nil)
)
