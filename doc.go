// Package receiver implements the message-receiving and delivery-guarantee
// core of an integration runtime: it pulls or accepts inbound messages from a
// source listener, hands each one to a processing pipeline under configured
// transaction and retry semantics, and guarantees that every message ends up
// in exactly one durable outcome: processed, stored in the error store, or
// left for redelivery.
//
// # Overview
//
// A Receiver owns exactly one listener (see the listener package), an
// optional error store and message log (see the store package), optional
// reply and error senders, a bounded process-result cache for duplicate and
// retry detection, and, for pull listeners, a polling scheduler with
// independent poll and process concurrency limits.
//
// # Basic Usage
//
//	lsn := channel.New("orders")
//	rcv, err := receiver.New(lsn, pipeline,
//	    receiver.WithName("orders"),
//	    receiver.WithMaxRetries(5),
//	    receiver.WithErrorStore(store.NewPostgresStore(db, store.LabelError)),
//	    receiver.WithMessageLog(store.NewPostgresStore(db, store.LabelLog)),
//	    receiver.WithTransaction(transaction.NewSQLManager(db), transaction.Requires),
//	)
//	if err != nil {
//	    return err
//	}
//
//	if err := rcv.Start(ctx); err != nil {
//	    return err
//	}
//	defer rcv.Stop(context.Background())
//
// # Delivery guarantees
//
// The receiver provides at-least-once delivery with duplicate suppression.
// When a message log is configured, redelivered messages already recorded
// there are skipped without invoking the pipeline. When it is not, the
// in-memory process-result cache bounds redelivery by retry count.
//
// Failed messages are routed to the error store in a transaction independent
// of the processing transaction, so the error record survives a rollback.
// Stored messages can be re-run with RetryMessage.
package receiver
