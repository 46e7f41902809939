package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	Daily   RepeatInterval = "daily"
	Weekly  RepeatInterval = "weekly"
	Monthly RepeatInterval = "monthly"
	Yearly  RepeatInterval = "yearly"
)

const (
	EndNever            EndType = "never"
	EndOnDate           EndType = "endDate"
	EndAfterOccurrences EndType = "occurrences"
)

const (
	Income  TransactionType = "income"
	Expense TransactionType = "expense"
)

// MaxOccurrences bounds the occurrence cap a user can configure.
const MaxOccurrences = 500

type (
	RepeatInterval  string
	EndType         string
	TransactionType string

	// RecurrenceRule is the declarative schedule for a recurring transaction.
	// Scheduling bookkeeping (ProcessedOccurrences, LastGeneratedAt) is owned
	// by the catch-up processor; everything else is set by the user.
	RecurrenceRule struct {
		ID        int64
		StartDate time.Time

		RepeatInterval RepeatInterval
		// RepeatDay is the target day-of-month, 1-31. Set iff the interval
		// is monthly; other intervals derive their cadence from StartDate.
		RepeatDay *int

		EndType     EndType
		EndDate     *time.Time
		Occurrences *int

		ProcessedOccurrences int
		LastGeneratedAt      *time.Time
		IsActive             bool

		// Timezone is the IANA zone used to resolve day boundaries for
		// end-date comparisons. Stored at creation.
		Timezone string

		// Payload copied onto each materialized transaction.
		Amount             Money
		Type               TransactionType
		CategoryID         *int64
		CustomCategoryName string
		AccountID          int64
		Note               string
	}

	// Transaction is a single ledger entry. RecurringRuleID is set when the
	// entry was materialized from a rule.
	Transaction struct {
		ID                 int64
		AccountID          int64
		Type               TransactionType
		Amount             Money
		CategoryID         *int64
		CustomCategoryName string
		Note               string
		OccurredAt         time.Time
		RecurringRuleID    *int64
		CreatedAt          time.Time
	}

	// Account is the minimal account shape the engine needs: a balance to
	// apply materialized transactions against.
	Account struct {
		ID           int64
		Name         string
		BalanceCents int64
	}

	// Category is one entry of the seeded taxonomy.
	Category struct {
		ID            int64
		Type          TransactionType
		Name          string
		IsUserDefined bool
	}
)

var (
	// ErrInvalidRule marks a malformed rule configuration. Detected at
	// create/edit time and re-checked defensively by the calculator.
	ErrInvalidRule = errors.New("invalid recurrence rule")

	ErrInvalidAmount = errors.New("invalid amount")
)

func (i RepeatInterval) Valid() bool {
	switch i {
	case Daily, Weekly, Monthly, Yearly:
		return true
	}
	return false
}

func (e EndType) Valid() bool {
	switch e {
	case EndNever, EndOnDate, EndAfterOccurrences:
		return true
	}
	return false
}

func (t TransactionType) Valid() bool {
	return t == Income || t == Expense
}

// SignedCents returns the amount with the sign implied by the transaction
// type: expenses debit the account, income credits it.
func (t Transaction) SignedCents() int64 {
	if t.Type == Expense {
		return -t.Amount.Cents
	}
	return t.Amount.Cents
}

// Location resolves the rule's stored timezone, falling back to UTC when the
// zone is empty or unknown.
func (r RecurrenceRule) Location() *time.Location {
	if r.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Normalize fills derived defaults before validation: a monthly rule without
// an explicit repeat day anchors on the start date's day-of-month, and any
// other interval must not carry one.
func (r *RecurrenceRule) Normalize() {
	if r.RepeatInterval == Monthly {
		if r.RepeatDay == nil && !r.StartDate.IsZero() {
			day := r.StartDate.Day()
			r.RepeatDay = &day
		}
	} else {
		r.RepeatDay = nil
	}
	if r.Timezone == "" {
		r.Timezone = "UTC"
	}
}

// Validate checks the rule's configuration invariants. All violations are
// reported as ErrInvalidRule so callers can classify with errors.Is.
func (r RecurrenceRule) Validate() error {
	if r.StartDate.IsZero() {
		return fmt.Errorf("%w: start date is required", ErrInvalidRule)
	}
	if !r.RepeatInterval.Valid() {
		return fmt.Errorf("%w: unknown repeat interval %q", ErrInvalidRule, r.RepeatInterval)
	}
	if r.RepeatInterval == Monthly {
		if r.RepeatDay == nil {
			return fmt.Errorf("%w: monthly rule requires a repeat day", ErrInvalidRule)
		}
		if *r.RepeatDay < 1 || *r.RepeatDay > 31 {
			return fmt.Errorf("%w: repeat day %d out of range 1-31", ErrInvalidRule, *r.RepeatDay)
		}
	} else if r.RepeatDay != nil {
		return fmt.Errorf("%w: repeat day is only valid for monthly rules", ErrInvalidRule)
	}

	if !r.EndType.Valid() {
		return fmt.Errorf("%w: unknown end type %q", ErrInvalidRule, r.EndType)
	}
	switch r.EndType {
	case EndOnDate:
		if r.EndDate == nil {
			return fmt.Errorf("%w: end type %q requires an end date", ErrInvalidRule, EndOnDate)
		}
		if dayStart(*r.EndDate).Before(dayStart(r.StartDate)) {
			return fmt.Errorf("%w: end date must not precede the start date", ErrInvalidRule)
		}
		if r.Occurrences != nil {
			return fmt.Errorf("%w: occurrence cap is only valid for end type %q", ErrInvalidRule, EndAfterOccurrences)
		}
	case EndAfterOccurrences:
		if r.Occurrences == nil {
			return fmt.Errorf("%w: end type %q requires an occurrence cap", ErrInvalidRule, EndAfterOccurrences)
		}
		if *r.Occurrences < 1 || *r.Occurrences > MaxOccurrences {
			return fmt.Errorf("%w: occurrence cap must be between 1 and %d", ErrInvalidRule, MaxOccurrences)
		}
		if r.EndDate != nil {
			return fmt.Errorf("%w: end date is only valid for end type %q", ErrInvalidRule, EndOnDate)
		}
	default:
		if r.EndDate != nil || r.Occurrences != nil {
			return fmt.Errorf("%w: end type %q takes neither end date nor occurrence cap", ErrInvalidRule, EndNever)
		}
	}

	if r.ProcessedOccurrences < 0 {
		return fmt.Errorf("%w: processed occurrence count cannot be negative", ErrInvalidRule)
	}
	if r.Occurrences != nil && r.ProcessedOccurrences > *r.Occurrences {
		return fmt.Errorf("%w: processed occurrences exceed the cap", ErrInvalidRule)
	}
	if r.LastGeneratedAt != nil && r.LastGeneratedAt.Before(r.StartDate) {
		return fmt.Errorf("%w: last generated timestamp precedes the start date", ErrInvalidRule)
	}

	if r.Timezone != "" {
		if _, err := time.LoadLocation(r.Timezone); err != nil {
			return fmt.Errorf("%w: unknown timezone %q", ErrInvalidRule, r.Timezone)
		}
	}

	return r.validatePayload()
}

func (r RecurrenceRule) validatePayload() error {
	if err := r.Amount.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown transaction type %q", ErrInvalidRule, r.Type)
	}
	if r.AccountID <= 0 {
		return fmt.Errorf("%w: account is required", ErrInvalidRule)
	}
	if r.CategoryID == nil && strings.TrimSpace(r.CustomCategoryName) == "" {
		return fmt.Errorf("%w: a category or custom category name is required", ErrInvalidRule)
	}
	if len(r.Note) > 200 {
		return fmt.Errorf("%w: note too long (max 200 characters)", ErrInvalidRule)
	}
	return nil
}

// dayStart truncates an instant to midnight of its calendar day, preserving
// the instant's location.
func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
