package transaction

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryTransaction is an in-memory transaction for testing. It records
// whether it was committed or rolled back.
type MemoryTransaction struct {
	mu         sync.Mutex
	committed  bool
	rolledBack bool
}

// Commit marks the transaction committed
func (t *MemoryTransaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed || t.rolledBack {
		return ErrTransactionCompleted
	}
	t.committed = true
	return nil
}

// Rollback marks the transaction rolled back
func (t *MemoryTransaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed || t.rolledBack {
		return ErrTransactionCompleted
	}
	t.rolledBack = true
	return nil
}

// Committed reports whether Commit was called
func (t *MemoryTransaction) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// RolledBack reports whether Rollback was called
func (t *MemoryTransaction) RolledBack() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rolledBack
}

// MemoryManager is an in-memory Manager for testing. It hands out
// MemoryTransactions and counts how many were begun.
type MemoryManager struct {
	begun atomic.Int64

	mu   sync.Mutex
	last *MemoryTransaction
}

// NewMemoryManager creates a new in-memory transaction manager
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{}
}

// Begin starts a new in-memory transaction
func (m *MemoryManager) Begin(ctx context.Context) (Transaction, error) {
	tx := &MemoryTransaction{}
	m.begun.Add(1)
	m.mu.Lock()
	m.last = tx
	m.mu.Unlock()
	return tx, nil
}

// Execute runs fn within a transaction with automatic commit/rollback
func (m *MemoryManager) Execute(ctx context.Context, fn func(tx Transaction) error) error {
	return execute(ctx, m, fn)
}

// Begun returns the number of transactions started
func (m *MemoryManager) Begun() int64 {
	return m.begun.Load()
}

// Last returns the most recently begun transaction, or nil
func (m *MemoryManager) Last() *MemoryTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Compile-time checks
var (
	_ Manager     = (*MemoryManager)(nil)
	_ Transaction = (*MemoryTransaction)(nil)
)
