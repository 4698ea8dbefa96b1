// Package redisstream provides a pull listener on Redis Streams consumer
// groups.
//
// Reading through XREADGROUP claims an entry for this consumer, so two
// pollers never observe the same entry as available. Unacknowledged entries
// stay in the group's pending list; the listener re-claims entries that have
// been idle longer than the configured claim threshold, which is how crashed
// consumers' messages come back. The pending-entry retry counter backs the
// receiver's delivery ceiling.
//
// Messages are stream entries with three fields: id, correlation_id and
// payload.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/receiver/listener"
)

// Entry field names
const (
	fieldID            = "id"
	fieldCorrelationID = "correlation_id"
	fieldPayload       = "payload"
)

// Context keys set during retrieval
const (
	ctxKeyStreamID      = "redis.stream_id"
	ctxKeyDeliveryCount = "redis.delivery_count"
)

// Client is the subset of redis commands the listener needs.
// Supports *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XLen(ctx context.Context, stream string) *redis.IntCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
}

// Listener is a Redis Streams pull listener.
type Listener struct {
	name     string
	client   Client
	stream   string
	group    string
	consumer string
	opts     *options
	logger   *slog.Logger

	mu   sync.Mutex
	open bool
}

// New creates a Redis Streams listener reading the given stream through the
// given consumer group.
func New(client Client, stream, group string, opts ...Option) *Listener {
	o := newOptions(opts...)
	return &Listener{
		name:     fmt.Sprintf("redisstream:%s", stream),
		client:   client,
		stream:   stream,
		group:    group,
		consumer: o.consumer,
		opts:     o,
		logger:   listener.Logger("listener.redisstream." + stream),
	}
}

// Name returns the listener name
func (l *Listener) Name() string {
	return l.name
}

// Open creates the consumer group if it does not exist yet
func (l *Listener) Open(ctx context.Context) error {
	err := l.client.XGroupCreateMkStream(ctx, l.stream, l.group, l.opts.startID).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", l.group, l.stream, err)
	}
	l.mu.Lock()
	l.open = true
	l.mu.Unlock()
	return nil
}

// Close stops retrieval. The group and its pending entries stay in Redis.
func (l *Listener) Close(ctx context.Context) error {
	l.mu.Lock()
	l.open = false
	l.mu.Unlock()
	return nil
}

func (l *Listener) isOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// Publish appends a message to the stream
func (l *Listener) Publish(ctx context.Context, payload []byte, id, correlationID string) (string, error) {
	if id == "" {
		id = listener.SyntheticMessageID()
	}
	streamID, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.stream,
		MaxLen: l.opts.maxLen,
		Approx: true,
		Values: map[string]any{
			fieldID:            id,
			fieldCorrelationID: correlationID,
			fieldPayload:       payload,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return streamID, nil
}

// GetRawMessage returns the next entry: first an idle pending entry claimed
// from a dead consumer, then a new one from the stream. Returns (nil, nil)
// when neither exists.
func (l *Listener) GetRawMessage(ctx context.Context) (*listener.RawMessage, error) {
	if !l.isOpen() {
		return nil, listener.ErrListenerClosed
	}

	if raw, err := l.claimIdle(ctx); err != nil || raw != nil {
		return raw, err
	}

	streams, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    l.group,
		Consumer: l.consumer,
		Streams:  []string{l.stream, ">"},
		Count:    1,
		Block:    l.opts.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	for _, s := range streams {
		for _, msg := range s.Messages {
			return l.wrap(msg, 1), nil
		}
	}
	return nil, nil
}

// claimIdle re-claims one pending entry whose consumer has been idle past
// the claim threshold.
func (l *Listener) claimIdle(ctx context.Context) (*listener.RawMessage, error) {
	if l.opts.claimMinIdle <= 0 {
		return nil, nil
	}

	pending, err := l.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: l.stream,
		Group:  l.group,
		Idle:   l.opts.claimMinIdle,
		Start:  "-",
		End:    "+",
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		if errors.Is(err, redis.Nil) {
			err = nil
		}
		return nil, err
	}

	entry := pending[0]
	claimed, err := l.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   l.stream,
		Group:    l.group,
		Consumer: l.consumer,
		MinIdle:  l.opts.claimMinIdle,
		Messages: []string{entry.ID},
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xclaim: %w", err)
	}
	if len(claimed) == 0 {
		// Another consumer claimed it first.
		return nil, nil
	}
	return l.wrap(claimed[0], entry.RetryCount+1), nil
}

func (l *Listener) wrap(msg redis.XMessage, deliveries int64) *listener.RawMessage {
	id, _ := msg.Values[fieldID].(string)
	corrID, _ := msg.Values[fieldCorrelationID].(string)
	if id == "" {
		// The stream entry id is stable across redeliveries, unlike a
		// synthetic id, so a re-claimed entry keeps its identity.
		id = msg.ID
	}

	raw := listener.NewRawMessage(msg, id, corrID)
	raw.Context().Set(ctxKeyStreamID, msg.ID)
	raw.Context().Set(ctxKeyDeliveryCount, strconv.FormatInt(deliveries, 10))
	return raw
}

// HasMessageAvailable reports whether the stream holds any entries. It is a
// non-authoritative hint: entries may already be claimed by other consumers.
func (l *Listener) HasMessageAvailable(ctx context.Context) (bool, error) {
	if !l.isOpen() {
		return false, listener.ErrListenerClosed
	}
	n, err := l.client.XLen(ctx, l.stream).Result()
	if err != nil {
		return false, fmt.Errorf("xlen: %w", err)
	}
	return n > 0, nil
}

// ExtractMessage converts the stream entry into the canonical message
func (l *Listener) ExtractMessage(ctx context.Context, raw *listener.RawMessage) (*listener.Message, error) {
	msg, ok := raw.Payload().(redis.XMessage)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected payload type %T", listener.ErrExtractFailure, raw.Payload())
	}

	var payload []byte
	switch v := msg.Values[fieldPayload].(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		return nil, fmt.Errorf("%w: entry %s has no payload field", listener.ErrExtractFailure, msg.ID)
	}

	return &listener.Message{
		ID:            raw.ID(),
		CorrelationID: raw.CorrelationID(),
		Payload:       payload,
		ReceivedAt:    raw.ReceivedAt(),
	}, nil
}

// ExtractID returns the message id, falling back to the stream entry id
func (l *Listener) ExtractID(ctx context.Context, raw *listener.RawMessage) (string, error) {
	if id := raw.ID(); id != "" {
		return id, nil
	}
	if streamID := raw.Context().Value(ctxKeyStreamID); streamID != "" {
		return streamID, nil
	}
	return "", fmt.Errorf("%w: missing id", listener.ErrExtractFailure)
}

// DeliveryCount returns the pending-entry retry counter recorded at
// retrieval time, or -1 when unknown.
func (l *Listener) DeliveryCount(ctx context.Context, raw *listener.RawMessage) int {
	v := raw.Context().Value(ctxKeyDeliveryCount)
	if v == "" {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}

// GuaranteesRedelivery reports that unacknowledged entries come back through
// the pending list, so the receiver skips error-store routing for ordinary
// failures.
func (l *Listener) GuaranteesRedelivery() bool {
	return true
}

// AfterMessageProcessed acknowledges consumed entries. Failed entries stay
// pending and return via the claim path.
func (l *Listener) AfterMessageProcessed(ctx context.Context, result listener.Result, raw *listener.RawMessage) error {
	if !result.Successful() {
		return nil
	}
	streamID := raw.Context().Value(ctxKeyStreamID)
	if streamID == "" {
		return nil
	}
	if err := l.client.XAck(ctx, l.stream, l.group, streamID).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", streamID, err)
	}
	return nil
}

// Compile-time checks
var (
	_ listener.PullListener    = (*Listener)(nil)
	_ listener.Peeker          = (*Listener)(nil)
	_ listener.DeliveryCounter = (*Listener)(nil)
	_ listener.Redeliverer     = (*Listener)(nil)
)
