package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bilancio/internal/core"
)

// TransactionStore persists ledger entries. The SQLite repository implements
// it; tests substitute a fake.
type TransactionStore interface {
	// CreateTransaction inserts the entry and applies its signed amount to
	// the account balance in one database transaction.
	CreateTransaction(ctx context.Context, tx core.Transaction) (core.Transaction, error)
}

// EventPublisher announces materialized transactions to interested consumers.
type EventPublisher interface {
	PublishTransactionCreated(ctx context.Context, transactionID, ruleID int64) error
}

// TransactionService is the transaction factory: it applies a rule's payload
// as a new ledger entry and announces it over AMQP. Publishing is best-effort;
// the ledger write is the source of truth.
type TransactionService struct {
	store     TransactionStore
	publisher EventPublisher
}

func NewTransactionService(store TransactionStore, publisher EventPublisher) *TransactionService {
	return &TransactionService{store: store, publisher: publisher}
}

// Create materializes one occurrence of a rule as a ledger entry.
func (s *TransactionService) Create(ctx context.Context, rule core.RecurrenceRule, occurredAt time.Time) (core.Transaction, error) {
	ruleID := rule.ID
	entry := core.Transaction{
		AccountID:          rule.AccountID,
		Type:               rule.Type,
		Amount:             rule.Amount,
		CategoryID:         rule.CategoryID,
		CustomCategoryName: rule.CustomCategoryName,
		Note:               rule.Note,
		OccurredAt:         occurredAt,
		RecurringRuleID:    &ruleID,
	}

	saved, err := s.store.CreateTransaction(ctx, entry)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("create transaction: %w", err)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishTransactionCreated(ctx, saved.ID, ruleID); err != nil {
			// The entry is persisted; a lost event only delays notification.
			slog.ErrorContext(ctx, "Failed to publish transaction event",
				"transaction_id", saved.ID,
				"rule_id", ruleID,
				"error", err)
		}
	}

	slog.InfoContext(ctx, "Transaction materialized from rule",
		"transaction_id", saved.ID,
		"rule_id", ruleID,
		"occurred_at", occurredAt.Format("2006-01-02"),
		"amount_cents", saved.Amount.Cents,
		"type", saved.Type)

	return saved, nil
}
