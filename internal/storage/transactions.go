package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bilancio/internal/core"
)

// ErrTransactionNotFound is returned when a transaction id does not exist.
var ErrTransactionNotFound = errors.New("transaction not found")

const transactionColumns = `id, account_id, type, amount_cents, category_id,
	custom_category_name, note, occurred_at, recurring_rule_id`

// CreateTransaction inserts a ledger entry and applies its signed amount to
// the account balance in one database transaction. Implements
// services.TransactionStore.
//
// The (recurring_rule_id, occurred_at) unique index is the storage-level
// backstop of the at-most-once occurrence invariant: when a row for the same
// occurrence already exists, the existing entry is returned unchanged and the
// balance is not touched.
func (r *SQLiteRepository) CreateTransaction(ctx context.Context, entry core.Transaction) (core.Transaction, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO transactions (
			account_id, type, amount_cents, category_id,
			custom_category_name, note, occurred_at, recurring_rule_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.AccountID,
		string(entry.Type),
		entry.Amount.Cents,
		nullableInt64(entry.CategoryID),
		entry.CustomCategoryName,
		entry.Note,
		formatTime(entry.OccurredAt),
		nullableInt64(entry.RecurringRuleID),
	)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return core.Transaction{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		// Another run already materialized this occurrence.
		existing, err := r.getRuleOccurrence(ctx, tx, *entry.RecurringRuleID, entry.OccurredAt)
		if err != nil {
			return core.Transaction{}, err
		}
		if err := tx.Commit(); err != nil {
			return core.Transaction{}, fmt.Errorf("commit: %w", err)
		}
		return existing, nil
	}

	id, err := res.LastInsertId()
	if err != nil {
		return core.Transaction{}, fmt.Errorf("transaction id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance_cents = balance_cents + ? WHERE id = ?`,
		entry.SignedCents(), entry.AccountID); err != nil {
		return core.Transaction{}, fmt.Errorf("apply balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return core.Transaction{}, fmt.Errorf("commit: %w", err)
	}

	entry.ID = id
	return entry, nil
}

func (r *SQLiteRepository) getRuleOccurrence(ctx context.Context, tx *sql.Tx, ruleID int64, occurredAt time.Time) (core.Transaction, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE recurring_rule_id = ? AND occurred_at = ?`,
		ruleID, formatTime(occurredAt))
	entry, err := scanTransaction(row)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("get occurrence for rule %d: %w", ruleID, err)
	}
	return entry, nil
}

// GetTransaction fetches one ledger entry by id.
func (r *SQLiteRepository) GetTransaction(ctx context.Context, id int64) (core.Transaction, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	entry, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Transaction{}, fmt.Errorf("transaction %d: %w", id, ErrTransactionNotFound)
	}
	if err != nil {
		return core.Transaction{}, fmt.Errorf("get transaction %d: %w", id, err)
	}
	return entry, nil
}

// ListRuleTransactions returns the entries a rule materialized, oldest first.
func (r *SQLiteRepository) ListRuleTransactions(ctx context.Context, ruleID int64) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE recurring_rule_id = ? ORDER BY occurred_at`,
		ruleID)
	if err != nil {
		return nil, fmt.Errorf("list rule %d transactions: %w", ruleID, err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// ListUnnotifiedTransactions returns entries whose creation has not yet been
// acknowledged by the notify worker.
func (r *SQLiteRepository) ListUnnotifiedTransactions(ctx context.Context, limit int) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE notified_at IS NULL ORDER BY id LIMIT ?`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("list unnotified transactions: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// MarkTransactionNotified records that the notify worker handled the entry.
func (r *SQLiteRepository) MarkTransactionNotified(ctx context.Context, id int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE transactions SET notified_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark transaction %d notified: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("transaction %d: %w", id, ErrTransactionNotFound)
	}
	return nil
}

func collectTransactions(rows *sql.Rows) ([]core.Transaction, error) {
	var out []core.Transaction
	for rows.Next() {
		entry, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

func scanTransaction(row rowScanner) (core.Transaction, error) {
	var (
		entry      core.Transaction
		txType     string
		categoryID sql.NullInt64
		occurredAt string
		ruleID     sql.NullInt64
	)

	err := row.Scan(
		&entry.ID, &entry.AccountID, &txType, &entry.Amount.Cents, &categoryID,
		&entry.CustomCategoryName, &entry.Note, &occurredAt, &ruleID,
	)
	if err != nil {
		return core.Transaction{}, err
	}

	entry.Type = core.TransactionType(txType)
	if entry.OccurredAt, err = parseTime(occurredAt); err != nil {
		return core.Transaction{}, err
	}
	if categoryID.Valid {
		id := categoryID.Int64
		entry.CategoryID = &id
	}
	if ruleID.Valid {
		id := ruleID.Int64
		entry.RecurringRuleID = &id
	}
	return entry, nil
}
