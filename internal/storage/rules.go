package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"bilancio/internal/core"
)

// ErrRuleNotFound is returned when a rule id does not exist.
var ErrRuleNotFound = errors.New("recurrence rule not found")

const ruleColumns = `id, start_date, repeat_interval, repeat_day, end_type, end_date,
	occurrences, processed_occurrences, last_generated_at, is_active, timezone,
	amount_cents, type, category_id, custom_category_name, account_id, note`

// CreateRule inserts a rule and returns its assigned id. The rule is expected
// to be normalized and validated by the caller.
func (r *SQLiteRepository) CreateRule(ctx context.Context, rule core.RecurrenceRule) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO recurring_rules (
			start_date, repeat_interval, repeat_day, end_type, end_date,
			occurrences, processed_occurrences, last_generated_at, is_active, timezone,
			amount_cents, type, category_id, custom_category_name, account_id, note
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(rule.StartDate),
		string(rule.RepeatInterval),
		nullableInt(rule.RepeatDay),
		string(rule.EndType),
		formatNullableTime(rule.EndDate),
		nullableInt(rule.Occurrences),
		rule.ProcessedOccurrences,
		formatNullableTime(rule.LastGeneratedAt),
		rule.IsActive,
		rule.Timezone,
		rule.Amount.Cents,
		string(rule.Type),
		nullableInt64(rule.CategoryID),
		rule.CustomCategoryName,
		rule.AccountID,
		rule.Note,
	)
	if err != nil {
		return 0, fmt.Errorf("create rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("rule id: %w", err)
	}
	return id, nil
}

// UpdateRule persists a user edit: schedule, end condition and payload.
// Bookkeeping fields are written too so an edit that resets progress is
// possible from one place.
func (r *SQLiteRepository) UpdateRule(ctx context.Context, rule core.RecurrenceRule) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE recurring_rules SET
			start_date = ?, repeat_interval = ?, repeat_day = ?, end_type = ?, end_date = ?,
			occurrences = ?, processed_occurrences = ?, last_generated_at = ?, is_active = ?, timezone = ?,
			amount_cents = ?, type = ?, category_id = ?, custom_category_name = ?, account_id = ?, note = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ?`,
		formatTime(rule.StartDate),
		string(rule.RepeatInterval),
		nullableInt(rule.RepeatDay),
		string(rule.EndType),
		formatNullableTime(rule.EndDate),
		nullableInt(rule.Occurrences),
		rule.ProcessedOccurrences,
		formatNullableTime(rule.LastGeneratedAt),
		rule.IsActive,
		rule.Timezone,
		rule.Amount.Cents,
		string(rule.Type),
		nullableInt64(rule.CategoryID),
		rule.CustomCategoryName,
		rule.AccountID,
		rule.Note,
		rule.ID,
	)
	if err != nil {
		return fmt.Errorf("update rule %d: %w", rule.ID, err)
	}
	return r.requireRuleAffected(res, rule.ID)
}

// SaveRuleProgress persists only the processor-owned bookkeeping. Part of the
// services.RuleRepository contract.
func (r *SQLiteRepository) SaveRuleProgress(ctx context.Context, rule core.RecurrenceRule) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE recurring_rules SET
			processed_occurrences = ?, last_generated_at = ?, is_active = ?,
			updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ?`,
		rule.ProcessedOccurrences,
		formatNullableTime(rule.LastGeneratedAt),
		rule.IsActive,
		rule.ID,
	)
	if err != nil {
		return fmt.Errorf("save rule %d progress: %w", rule.ID, err)
	}
	return r.requireRuleAffected(res, rule.ID)
}

// SetRuleActive pauses or resumes a rule.
func (r *SQLiteRepository) SetRuleActive(ctx context.Context, id int64, active bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE recurring_rules SET is_active = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("set rule %d active: %w", id, err)
	}
	return r.requireRuleAffected(res, id)
}

// DeleteRule removes a rule. Transactions it generated keep their
// recurring_rule_id for history.
func (r *SQLiteRepository) DeleteRule(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM recurring_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule %d: %w", id, err)
	}
	return r.requireRuleAffected(res, id)
}

// GetRule fetches one rule by id. Part of the services.RuleRepository
// contract.
func (r *SQLiteRepository) GetRule(ctx context.Context, id int64) (core.RecurrenceRule, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM recurring_rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.RecurrenceRule{}, fmt.Errorf("rule %d: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return core.RecurrenceRule{}, fmt.Errorf("get rule %d: %w", id, err)
	}
	return rule, nil
}

// ListRules returns every rule, newest first.
func (r *SQLiteRepository) ListRules(ctx context.Context) ([]core.RecurrenceRule, error) {
	return r.queryRules(ctx, `SELECT `+ruleColumns+` FROM recurring_rules ORDER BY id DESC`)
}

// ListActiveRules returns the rules eligible for catch-up processing. Part of
// the services.RuleRepository contract.
func (r *SQLiteRepository) ListActiveRules(ctx context.Context) ([]core.RecurrenceRule, error) {
	return r.queryRules(ctx, `SELECT `+ruleColumns+` FROM recurring_rules WHERE is_active = 1 ORDER BY id`)
}

func (r *SQLiteRepository) queryRules(ctx context.Context, query string, args ...any) ([]core.RecurrenceRule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []core.RecurrenceRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return rules, nil
}

func (r *SQLiteRepository) requireRuleAffected(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("rule %d: %w", id, ErrRuleNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (core.RecurrenceRule, error) {
	var (
		rule            core.RecurrenceRule
		startDate       string
		repeatInterval  string
		repeatDay       sql.NullInt64
		endType         string
		endDate         sql.NullString
		occurrences     sql.NullInt64
		lastGeneratedAt sql.NullString
		txType          string
		categoryID      sql.NullInt64
	)

	err := row.Scan(
		&rule.ID, &startDate, &repeatInterval, &repeatDay, &endType, &endDate,
		&occurrences, &rule.ProcessedOccurrences, &lastGeneratedAt, &rule.IsActive, &rule.Timezone,
		&rule.Amount.Cents, &txType, &categoryID, &rule.CustomCategoryName, &rule.AccountID, &rule.Note,
	)
	if err != nil {
		return core.RecurrenceRule{}, err
	}

	rule.RepeatInterval = core.RepeatInterval(repeatInterval)
	rule.EndType = core.EndType(endType)
	rule.Type = core.TransactionType(txType)

	if rule.StartDate, err = parseTime(startDate); err != nil {
		return core.RecurrenceRule{}, err
	}
	if rule.EndDate, err = parseNullableTime(endDate); err != nil {
		return core.RecurrenceRule{}, err
	}
	if rule.LastGeneratedAt, err = parseNullableTime(lastGeneratedAt); err != nil {
		return core.RecurrenceRule{}, err
	}
	if repeatDay.Valid {
		day := int(repeatDay.Int64)
		rule.RepeatDay = &day
	}
	if occurrences.Valid {
		n := int(occurrences.Int64)
		rule.Occurrences = &n
	}
	if categoryID.Valid {
		id := categoryID.Int64
		rule.CategoryID = &id
	}
	return rule, nil
}
