// Package transaction provides transaction management for transacted message
// processing.
//
// A receiver configured with a transaction manager opens a database
// transaction around message processing: the pipeline's database work, the
// message-log insert and the error-store insert all join the same
// transaction, so a message is either fully processed or not processed at
// all.
//
// # Overview
//
// The package provides:
//   - Transaction interface for database-agnostic transaction handling
//   - Manager interface for transaction lifecycle management
//   - SQLManager for SQL database transactions
//   - MongoManager for MongoDB transactions (see mongodb.go)
//   - Propagation policies controlling how processing joins an existing
//     transaction (see propagation.go)
//
// # Basic Usage
//
// Using the SQL transaction manager:
//
//	db, _ := sql.Open("postgres", connString)
//	manager := transaction.NewSQLManager(db)
//
//	err := manager.Execute(ctx, func(tx transaction.Transaction) error {
//	    sqlTx := tx.(transaction.SQLTransactionProvider).Tx()
//
//	    _, err := sqlTx.ExecContext(ctx, "INSERT INTO orders ...", orderID)
//	    return err // non-nil triggers rollback, nil triggers commit
//	})
//
// # Best Practices
//
//   - Keep transactions short to reduce lock contention
//   - Use Execute() for automatic commit/rollback handling
//   - Pair the manager with a transactional store so duplicate detection
//     shares the processing transaction
package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Transaction errors
var (
	// ErrTransactionFailed is returned when a transaction cannot be
	// committed or rolled back.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrTransactionRequired is returned when processing demands an
	// existing transaction and none is present.
	ErrTransactionRequired = errors.New("transaction required")

	// ErrTransactionForbidden is returned when processing forbids a
	// transaction and one is present.
	ErrTransactionForbidden = errors.New("transaction forbidden")

	// ErrTransactionCompleted is returned when committing or rolling back
	// a transaction that something else already completed. Callers treat
	// this as an integrity violation: a double commit could apply work
	// twice, and rolling back a committed transaction means the work the
	// caller wanted undone is already durable.
	ErrTransactionCompleted = errors.New("transaction already completed")
)

// Transaction represents an active database transaction.
//
// This interface provides database-agnostic transaction operations.
// Implementations may wrap SQL transactions, MongoDB sessions, or other
// database-specific transaction types.
//
// Users typically don't call Commit/Rollback directly - the receiver drives
// the transaction lifecycle according to the configured propagation policy.
type Transaction interface {
	// Commit commits the transaction.
	// After Commit, the transaction is no longer usable.
	Commit() error

	// Rollback aborts the transaction.
	// After Rollback, the transaction is no longer usable.
	// Rolling back a transaction that was already completed returns
	// ErrTransactionCompleted.
	Rollback() error
}

// SQLTransactionProvider is implemented by transactions that provide SQL tx access.
//
// Use type assertion to access the underlying *sql.Tx when executing SQL
// queries within the transaction.
//
// Example:
//
//	err := manager.Execute(ctx, func(tx transaction.Transaction) error {
//	    sqlTx, ok := tx.(transaction.SQLTransactionProvider)
//	    if !ok {
//	        return errors.New("not an SQL transaction")
//	    }
//
//	    _, err := sqlTx.Tx().ExecContext(ctx, "INSERT INTO ...", args...)
//	    return err
//	})
type SQLTransactionProvider interface {
	Transaction
	// Tx returns the underlying *sql.Tx for executing SQL queries.
	Tx() *sql.Tx
}

// Manager handles transaction lifecycle.
//
// The Manager interface provides two ways to work with transactions:
//   - Begin/Commit/Rollback: manual control, used by the receiver's
//     propagation logic
//   - Execute: automatic commit/rollback, recommended for application code
//
// Implementations:
//   - SQLManager: for SQL databases (PostgreSQL, MySQL, SQLite, etc.)
//   - MongoManager: for MongoDB (see mongodb.go)
//   - MemoryManager: for tests
type Manager interface {
	// Begin starts a new transaction.
	//
	// The returned Transaction must be either committed or rolled back.
	Begin(ctx context.Context) (Transaction, error)

	// Execute runs a function within a transaction, automatically handling
	// commit/rollback.
	//
	// If fn returns nil, the transaction is committed.
	// If fn returns an error, the transaction is rolled back.
	// If fn panics, the transaction is rolled back and the panic is re-raised.
	Execute(ctx context.Context, fn func(tx Transaction) error) error
}

// SQLTransaction wraps sql.Tx to implement Transaction.
type SQLTransaction struct {
	tx *sql.Tx
}

// Commit commits the SQL transaction
func (t *SQLTransaction) Commit() error {
	err := t.tx.Commit()
	if errors.Is(err, sql.ErrTxDone) {
		return ErrTransactionCompleted
	}
	if err != nil {
		return fmt.Errorf("%w: commit: %v", ErrTransactionFailed, err)
	}
	return nil
}

// Rollback aborts the SQL transaction.
// A transaction that was already completed reports ErrTransactionCompleted
// so the caller can tell external completion from an ordinary rollback.
func (t *SQLTransaction) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return ErrTransactionCompleted
	}
	if err != nil {
		return fmt.Errorf("%w: rollback: %v", ErrTransactionFailed, err)
	}
	return nil
}

// Tx returns the underlying *sql.Tx
func (t *SQLTransaction) Tx() *sql.Tx {
	return t.tx
}

// SQLManager implements Manager for SQL databases.
//
// Example:
//
//	db, _ := sql.Open("postgres", connString)
//	manager := transaction.NewSQLManager(db)
type SQLManager struct {
	db   *sql.DB
	opts *sql.TxOptions
}

// NewSQLManager creates a new SQL transaction manager
func NewSQLManager(db *sql.DB) *SQLManager {
	return &SQLManager{db: db}
}

// WithTxOptions sets the sql.TxOptions used for new transactions
func (m *SQLManager) WithTxOptions(opts *sql.TxOptions) *SQLManager {
	m.opts = opts
	return m
}

// Begin starts a new SQL transaction
func (m *SQLManager) Begin(ctx context.Context) (Transaction, error) {
	tx, err := m.db.BeginTx(ctx, m.opts)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrTransactionFailed, err)
	}
	return &SQLTransaction{tx: tx}, nil
}

// Execute runs fn within a transaction with automatic commit/rollback
func (m *SQLManager) Execute(ctx context.Context, fn func(tx Transaction) error) error {
	return execute(ctx, m, fn)
}

// execute is the shared Execute implementation for all managers
func execute(ctx context.Context, m Manager, fn func(tx Transaction) error) error {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// Compile-time checks
var (
	_ Manager                = (*SQLManager)(nil)
	_ SQLTransactionProvider = (*SQLTransaction)(nil)
)
