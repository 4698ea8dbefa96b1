package transaction

import (
	"context"
	"fmt"
	"sync"
)

// Propagation controls how message processing relates to an existing
// transaction. The receiver evaluates the policy once per delivery, before
// the pipeline runs.
type Propagation int

const (
	// Supports joins an existing transaction if present, otherwise runs
	// without one.
	Supports Propagation = iota

	// Requires joins an existing transaction if present, otherwise begins
	// a new one.
	Requires

	// RequiresNew always begins a new transaction. An existing transaction
	// is left untouched and resumes after processing completes.
	RequiresNew

	// Mandatory requires an existing transaction and fails with
	// ErrTransactionRequired if none is present.
	Mandatory

	// Never forbids a transaction and fails with ErrTransactionForbidden
	// if one is present.
	Never
)

// String returns the policy name
func (p Propagation) String() string {
	switch p {
	case Supports:
		return "supports"
	case Requires:
		return "requires"
	case RequiresNew:
		return "requires_new"
	case Mandatory:
		return "mandatory"
	case Never:
		return "never"
	default:
		return fmt.Sprintf("propagation(%d)", int(p))
	}
}

// ParsePropagation parses a policy name as used in configuration
func ParsePropagation(s string) (Propagation, error) {
	switch s {
	case "supports":
		return Supports, nil
	case "requires":
		return Requires, nil
	case "requires_new":
		return RequiresNew, nil
	case "mandatory":
		return Mandatory, nil
	case "never":
		return Never, nil
	default:
		return 0, fmt.Errorf("unknown propagation policy: %q", s)
	}
}

// Handle is the outcome of applying a propagation policy. It carries the
// transaction processing should use (possibly nil) and remembers whether
// this scope owns the transaction's completion.
//
// Exactly one call to Complete finishes the scope. An inherited transaction
// is never committed or rolled back here; rollback-only is recorded so the
// owner can act on it.
type Handle struct {
	mu           sync.Mutex
	tx           Transaction
	owned        bool
	completed    bool
	rollbackOnly bool
}

// BeginWith applies the propagation policy against the current transaction
// (nil when none is active) and returns the resulting scope.
func BeginWith(ctx context.Context, mgr Manager, current Transaction, p Propagation) (*Handle, error) {
	switch p {
	case Supports:
		return &Handle{tx: current}, nil

	case Requires:
		if current != nil {
			return &Handle{tx: current}, nil
		}
		return beginOwned(ctx, mgr)

	case RequiresNew:
		return beginOwned(ctx, mgr)

	case Mandatory:
		if current == nil {
			return nil, ErrTransactionRequired
		}
		return &Handle{tx: current}, nil

	case Never:
		if current != nil {
			return nil, ErrTransactionForbidden
		}
		return &Handle{}, nil

	default:
		return nil, fmt.Errorf("unknown propagation policy: %v", p)
	}
}

func beginOwned(ctx context.Context, mgr Manager) (*Handle, error) {
	if mgr == nil {
		return nil, fmt.Errorf("%w: no transaction manager configured", ErrTransactionRequired)
	}
	tx, err := mgr.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &Handle{tx: tx, owned: true}, nil
}

// Transaction returns the active transaction, or nil when the scope runs
// without one.
func (h *Handle) Transaction() Transaction {
	return h.tx
}

// Owned reports whether this scope began the transaction and will complete it
func (h *Handle) Owned() bool {
	return h.owned
}

// SetRollbackOnly marks the scope so Complete rolls back even on success.
// On an inherited transaction the mark is recorded without touching the
// transaction itself.
func (h *Handle) SetRollbackOnly() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rollbackOnly = true
}

// RollbackOnly reports whether the scope was marked rollback-only
func (h *Handle) RollbackOnly() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rollbackOnly
}

// Complete finishes the scope. An owned transaction is committed when err is
// nil and the scope is not rollback-only, rolled back otherwise. An
// inherited transaction is left for its owner. Complete is idempotent.
//
// Because Complete runs at most once per scope, an ErrTransactionCompleted
// from either branch means something other than this scope completed the
// transaction, and the error is surfaced rather than swallowed.
func (h *Handle) Complete(err error) error {
	h.mu.Lock()
	if h.completed {
		h.mu.Unlock()
		return nil
	}
	h.completed = true
	rollback := err != nil || h.rollbackOnly
	h.mu.Unlock()

	if !h.owned || h.tx == nil {
		return nil
	}
	if rollback {
		return h.tx.Rollback()
	}
	return h.tx.Commit()
}
