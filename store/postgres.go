package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

/*
PostgreSQL Schema:

CREATE TABLE receiver_messages (
    key            VARCHAR(36) PRIMARY KEY,
    message_id     VARCHAR(255) NOT NULL,
    correlation_id VARCHAR(255),
    label          VARCHAR(16) NOT NULL,
    comment        TEXT,
    payload        BYTEA NOT NULL,
    received_at    TIMESTAMP NOT NULL DEFAULT NOW()
);

CREATE INDEX idx_receiver_messages_message_id ON receiver_messages(message_id);
CREATE INDEX idx_receiver_messages_correlation_id ON receiver_messages(correlation_id);
CREATE INDEX idx_receiver_messages_label ON receiver_messages(label);
CREATE INDEX idx_receiver_messages_received_at ON receiver_messages(received_at);
*/

// TransactionalStore extends Store with database transaction support.
//
// Storing the message-log row within the same transaction as the pipeline's
// own database work is what makes the duplicate check exact: if the pipeline
// rolls back, the log row rolls back with it and the message is redelivered.
type TransactionalStore interface {
	Store

	// StoreMessageTx persists a message within an existing transaction.
	StoreMessageTx(ctx context.Context, tx *sql.Tx, msg *Message) (string, error)

	// ContainsMessageIDTx checks for a message id within a transaction.
	ContainsMessageIDTx(ctx context.Context, tx *sql.Tx, id string) (bool, error)
}

// PostgresStore is a PostgreSQL-based store
type PostgresStore struct {
	db    *sql.DB
	table string
	label string
}

// NewPostgresStore creates a new PostgreSQL store for the given label
// (LabelError for an error store, LabelLog for a message log).
func NewPostgresStore(db *sql.DB, label string) *PostgresStore {
	return &PostgresStore{
		db:    db,
		table: "receiver_messages",
		label: label,
	}
}

// WithTable sets a custom table name
func (s *PostgresStore) WithTable(table string) *PostgresStore {
	s.table = table
	return s
}

// StoreMessage persists a message and returns its storage key
func (s *PostgresStore) StoreMessage(ctx context.Context, msg *Message) (string, error) {
	return s.store(ctx, s.db, msg)
}

// StoreMessageTx persists a message within an existing transaction
func (s *PostgresStore) StoreMessageTx(ctx context.Context, tx *sql.Tx, msg *Message) (string, error) {
	return s.store(ctx, tx, msg)
}

// execer covers *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) store(ctx context.Context, db execer, msg *Message) (string, error) {
	if msg.Key != "" {
		return "", fmt.Errorf("message already stored under key %s", msg.Key)
	}

	key := uuid.New().String()
	label := msg.Label
	if label == "" {
		label = s.label
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (key, message_id, correlation_id, label, comment, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.table)

	_, err := db.ExecContext(ctx, query,
		key,
		msg.MessageID,
		msg.CorrelationID,
		label,
		msg.Comment,
		msg.Payload,
		msg.ReceivedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert: %w", err)
	}

	return key, nil
}

// GetMessage returns the stored payload for a storage key
func (s *PostgresStore) GetMessage(ctx context.Context, key string) ([]byte, error) {
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE key = $1 AND label = $2`, s.table)

	var payload []byte
	err := s.db.QueryRowContext(ctx, query, key, s.label).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return payload, nil
}

// BrowseMessage returns the full stored record without consuming it
func (s *PostgresStore) BrowseMessage(ctx context.Context, key string) (*Message, error) {
	query := fmt.Sprintf(`
		SELECT key, message_id, correlation_id, label, comment, payload, received_at
		FROM %s
		WHERE key = $1
	`, s.table)

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, key))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return msg, nil
}

// rowScanner covers *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var correlationID, comment sql.NullString

	err := row.Scan(
		&msg.Key,
		&msg.MessageID,
		&correlationID,
		&msg.Label,
		&comment,
		&msg.Payload,
		&msg.ReceivedAt,
	)
	if err != nil {
		return nil, err
	}

	if correlationID.Valid {
		msg.CorrelationID = correlationID.String
	}
	if comment.Valid {
		msg.Comment = comment.String
	}
	return &msg, nil
}

// DeleteMessage removes a stored message
func (s *PostgresStore) DeleteMessage(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table)

	result, err := s.db.ExecContext(ctx, query, key)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, key)
	}
	return nil
}

// UpdateComment replaces the comment on a stored message
func (s *PostgresStore) UpdateComment(ctx context.Context, key, comment string) error {
	query := fmt.Sprintf(`UPDATE %s SET comment = $1 WHERE key = $2`, s.table)

	result, err := s.db.ExecContext(ctx, query, comment, key)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, key)
	}
	return nil
}

// ContainsMessageID reports whether any stored row carries this message id
func (s *PostgresStore) ContainsMessageID(ctx context.Context, id string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE message_id = $1 AND label = $2)`, s.table)

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, id, s.label).Scan(&exists); err != nil {
		return false, fmt.Errorf("query: %w", err)
	}
	return exists, nil
}

// ContainsMessageIDTx checks for a message id within a transaction
func (s *PostgresStore) ContainsMessageIDTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE message_id = $1 AND label = $2)`, s.table)

	var exists bool
	if err := tx.QueryRowContext(ctx, query, id, s.label).Scan(&exists); err != nil {
		return false, fmt.Errorf("query: %w", err)
	}
	return exists, nil
}

// ContainsCorrelationID reports whether any stored row carries this correlation id
func (s *PostgresStore) ContainsCorrelationID(ctx context.Context, id string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE correlation_id = $1 AND label = $2)`, s.table)

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, id, s.label).Scan(&exists); err != nil {
		return false, fmt.Errorf("query: %w", err)
	}
	return exists, nil
}

// List returns messages matching the filter
func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*Message, error) {
	query, args := s.buildListQuery(filter, false)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return messages, nil
}

// Count returns the number of messages matching the filter
func (s *PostgresStore) Count(ctx context.Context, filter Filter) (int64, error) {
	query, args := s.buildListQuery(filter, true)

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("query: %w", err)
	}
	return count, nil
}

// buildListQuery constructs the WHERE clause for List/Count
func (s *PostgresStore) buildListQuery(filter Filter, count bool) (string, []any) {
	var sb strings.Builder
	var args []any

	if count {
		fmt.Fprintf(&sb, "SELECT COUNT(*) FROM %s", s.table)
	} else {
		fmt.Fprintf(&sb, "SELECT key, message_id, correlation_id, label, comment, payload, received_at FROM %s", s.table)
	}

	var conditions []string
	addArg := func(cond string, val any) {
		args = append(args, val)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if filter.Label != "" {
		addArg("label = $%d", filter.Label)
	}
	if filter.MessageID != "" {
		addArg("message_id = $%d", filter.MessageID)
	}
	if filter.CorrelationID != "" {
		addArg("correlation_id = $%d", filter.CorrelationID)
	}
	if !filter.StartTime.IsZero() {
		addArg("received_at >= $%d", filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		addArg("received_at <= $%d", filter.EndTime)
	}

	if len(conditions) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conditions, " AND "))
	}

	if !count {
		sb.WriteString(" ORDER BY received_at")
		if filter.Limit > 0 {
			fmt.Fprintf(&sb, " LIMIT %d", filter.Limit)
		}
		if filter.Offset > 0 {
			fmt.Fprintf(&sb, " OFFSET %d", filter.Offset)
		}
	}

	return sb.String(), args
}

// Stats returns store statistics
func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		MessagesByLabel: make(map[string]int64),
	}

	query := fmt.Sprintf(`SELECT label, COUNT(*) FROM %s GROUP BY label`, s.table)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var label string
		var count int64
		if err := rows.Scan(&label, &count); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		stats.MessagesByLabel[label] = count
		stats.TotalMessages += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	query = fmt.Sprintf(`SELECT MIN(received_at), MAX(received_at) FROM %s`, s.table)
	var oldest, newest sql.NullTime
	if err := s.db.QueryRowContext(ctx, query).Scan(&oldest, &newest); err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	if oldest.Valid {
		stats.OldestMessage = &oldest.Time
	}
	if newest.Valid {
		stats.NewestMessage = &newest.Time
	}

	return stats, nil
}

// Compile-time checks
var _ Store = (*PostgresStore)(nil)
var _ TransactionalStore = (*PostgresStore)(nil)
var _ StatsProvider = (*PostgresStore)(nil)
