package transaction

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	driversession "go.mongodb.org/mongo-driver/x/mongo/driver/session"
)

// MongoTransaction wraps a MongoDB session to implement Transaction.
//
// MongoDB transactions require a replica set or sharded cluster.
// Standalone MongoDB deployments do not support transactions.
type MongoTransaction struct {
	session mongo.Session
	ctx     mongo.SessionContext
}

// Commit commits the MongoDB transaction
func (t *MongoTransaction) Commit() error {
	defer t.session.EndSession(context.Background())
	if err := t.session.CommitTransaction(t.ctx); err != nil {
		if errors.Is(err, driversession.ErrCommitAfterAbort) {
			return ErrTransactionCompleted
		}
		return fmt.Errorf("%w: commit: %v", ErrTransactionFailed, err)
	}
	return nil
}

// Rollback aborts the MongoDB transaction.
// A session that was already committed or aborted reports
// ErrTransactionCompleted.
func (t *MongoTransaction) Rollback() error {
	defer t.session.EndSession(context.Background())
	if err := t.session.AbortTransaction(t.ctx); err != nil {
		if errors.Is(err, driversession.ErrAbortAfterCommit) || errors.Is(err, driversession.ErrAbortTwice) {
			return ErrTransactionCompleted
		}
		return fmt.Errorf("%w: rollback: %v", ErrTransactionFailed, err)
	}
	return nil
}

// SessionContext returns the MongoDB session context.
//
// Use this context for all MongoDB operations within the transaction:
//
//	sessCtx := mongoTx.SessionContext()
//	_, err := collection.InsertOne(sessCtx, doc)
func (t *MongoTransaction) SessionContext() mongo.SessionContext {
	return t.ctx
}

// MongoSessionProvider is implemented by transactions that provide MongoDB
// session access.
type MongoSessionProvider interface {
	Transaction
	SessionContext() mongo.SessionContext
}

// MongoManager implements Manager for MongoDB.
//
// Requirements:
//   - MongoDB 4.0+ for replica set transactions
//   - MongoDB 4.2+ for sharded cluster transactions
//
// Example:
//
//	client, _ := mongo.Connect(ctx, options.Client().ApplyURI(uri))
//	manager := transaction.NewMongoManager(client)
type MongoManager struct {
	client *mongo.Client
}

// NewMongoManager creates a new MongoDB transaction manager
func NewMongoManager(client *mongo.Client) *MongoManager {
	return &MongoManager{client: client}
}

// Begin starts a new MongoDB transaction
func (m *MongoManager) Begin(ctx context.Context) (Transaction, error) {
	session, err := m.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("%w: start session: %v", ErrTransactionFailed, err)
	}

	if err := session.StartTransaction(); err != nil {
		session.EndSession(ctx)
		return nil, fmt.Errorf("%w: start transaction: %v", ErrTransactionFailed, err)
	}

	return &MongoTransaction{
		session: session,
		ctx:     mongo.NewSessionContext(ctx, session),
	}, nil
}

// Execute runs fn within a transaction with automatic commit/rollback
func (m *MongoManager) Execute(ctx context.Context, fn func(tx Transaction) error) error {
	return execute(ctx, m, fn)
}

// Compile-time checks
var (
	_ Manager              = (*MongoManager)(nil)
	_ MongoSessionProvider = (*MongoTransaction)(nil)
)
