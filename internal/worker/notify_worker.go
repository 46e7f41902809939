// Package worker contains the notify worker: it consumes transaction-created
// events and marks the corresponding ledger entries as notified, simulating
// the delivery of a user-facing notification.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bilancio/internal/amqp"
	"bilancio/internal/storage"
)

// NotifyWorker acknowledges materialized transactions.
type NotifyWorker struct {
	storage   *storage.SQLiteRepository
	batchSize int
}

func NewNotifyWorker(repo *storage.SQLiteRepository, batchSize int) *NotifyWorker {
	if batchSize < 1 {
		batchSize = 10
	}
	return &NotifyWorker{
		storage:   repo,
		batchSize: batchSize,
	}
}

// HandleTransactionCreated processes a single transaction-created event.
func (w *NotifyWorker) HandleTransactionCreated(ctx context.Context, msg *amqp.TransactionCreatedMessage) error {
	slog.InfoContext(ctx, "Processing transaction created event",
		"transaction_id", msg.TransactionID,
		"rule_id", msg.RuleID)

	tx, err := w.storage.GetTransaction(ctx, msg.TransactionID)
	if errors.Is(err, storage.ErrTransactionNotFound) {
		// The event outlived its transaction (rule deleted, db reset). Ack it
		// so it does not requeue forever.
		slog.WarnContext(ctx, "Transaction for event no longer exists",
			"transaction_id", msg.TransactionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("get transaction %d: %w", msg.TransactionID, err)
	}

	if err := w.storage.MarkTransactionNotified(ctx, tx.ID, time.Now()); err != nil {
		return fmt.Errorf("mark transaction %d notified: %w", tx.ID, err)
	}

	slog.InfoContext(ctx, "Transaction notified",
		"transaction_id", tx.ID,
		"amount_cents", tx.Amount.Cents,
		"type", tx.Type,
		"occurred_at", tx.OccurredAt.Format(time.RFC3339))

	return nil
}

// ProcessPendingNotifications sweeps entries whose events were lost. Called at
// startup and periodically as a backup for the AMQP path.
func (w *NotifyWorker) ProcessPendingNotifications(ctx context.Context) error {
	pending, err := w.storage.ListUnnotifiedTransactions(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("list unnotified transactions: %w", err)
	}

	if len(pending) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "Processing pending notifications", "count", len(pending))

	for _, tx := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.storage.MarkTransactionNotified(ctx, tx.ID, time.Now()); err != nil {
			slog.ErrorContext(ctx, "Failed to mark transaction notified",
				"transaction_id", tx.ID, "error", err)
			continue
		}
	}

	return nil
}
