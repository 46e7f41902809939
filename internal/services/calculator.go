package services

import (
	"fmt"
	"time"

	"bilancio/internal/core"
)

// The calculator is pure date arithmetic: given a rule and a reference
// instant it computes the next occurrence and decides whether the rule has
// run its course. It never touches storage and never reads the wall clock,
// which keeps it fully deterministic under test.

// Advance computes the occurrence instant immediately following cursor along
// the rule's cadence. The anchor is the rule's start date. The cursor's
// time-of-day is preserved across all cadences.
func Advance(cursor time.Time, rule core.RecurrenceRule, anchor time.Time) (time.Time, error) {
	adv, err := GetAdvancer(rule.RepeatInterval)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", core.ErrInvalidRule, err)
	}
	return adv.Advance(cursor, rule, anchor), nil
}

// IsTerminated reports whether the candidate occurrence falls outside the
// rule's end condition. candidateIndex is the zero-based index of the
// candidate, i.e. the number of occurrences already materialized.
func IsTerminated(rule core.RecurrenceRule, candidateIndex int, candidate time.Time) bool {
	switch rule.EndType {
	case core.EndAfterOccurrences:
		return rule.Occurrences != nil && candidateIndex >= *rule.Occurrences
	case core.EndOnDate:
		return rule.EndDate != nil && candidate.After(endOfDay(*rule.EndDate, rule.Location()))
	default:
		return false
	}
}

// NextDueDate returns the single occurrence instant to fire next, or nil when
// nothing is due: either the rule has terminated, or its next occurrence lies
// in the future. An occurrence exactly at now counts as due.
func NextDueDate(rule core.RecurrenceRule, now time.Time) (*time.Time, error) {
	candidate, err := NextOccurrence(rule)
	if err != nil || candidate == nil {
		return nil, err
	}
	if candidate.After(now) {
		return nil, nil
	}
	return candidate, nil
}

// NextOccurrence returns the next occurrence instant on the rule's schedule
// without regard to the present, or nil when the rule has terminated. Used
// for previews; the processor fires on NextDueDate.
func NextOccurrence(rule core.RecurrenceRule) (*time.Time, error) {
	if err := validateSchedule(rule); err != nil {
		return nil, err
	}

	var candidate time.Time
	if rule.ProcessedOccurrences == 0 || rule.LastGeneratedAt == nil {
		candidate = rule.StartDate
	} else {
		next, err := Advance(*rule.LastGeneratedAt, rule, rule.StartDate)
		if err != nil {
			return nil, err
		}
		candidate = next
	}

	if IsTerminated(rule, rule.ProcessedOccurrences, candidate) {
		return nil, nil
	}
	return &candidate, nil
}

// validateSchedule re-checks the scheduling contract the calculator depends
// on. A rule that fails here is a programming error upstream (rules are
// validated before persistence) and fails fast instead of being skipped.
func validateSchedule(rule core.RecurrenceRule) error {
	if rule.StartDate.IsZero() {
		return fmt.Errorf("%w: start date is required", core.ErrInvalidRule)
	}
	if _, err := GetAdvancer(rule.RepeatInterval); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidRule, err)
	}
	switch rule.EndType {
	case core.EndNever:
	case core.EndOnDate:
		if rule.EndDate == nil {
			return fmt.Errorf("%w: end type %q requires an end date", core.ErrInvalidRule, core.EndOnDate)
		}
	case core.EndAfterOccurrences:
		if rule.Occurrences == nil {
			return fmt.Errorf("%w: end type %q requires an occurrence cap", core.ErrInvalidRule, core.EndAfterOccurrences)
		}
	default:
		return fmt.Errorf("%w: unknown end type %q", core.ErrInvalidRule, rule.EndType)
	}
	return nil
}

// endOfDay returns the inclusive end-date boundary: 23:59:59.999 of the
// instant's calendar day, resolved in the rule's timezone.
func endOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 23, 59, 59, 999*int(time.Millisecond), loc)
}
