// Package services provides the recurrence engine: the pure occurrence
// calculator and the stateful catch-up processor that materializes
// transactions from recurring rules.
//
// This file implements the Strategy Pattern for cadence arithmetic. Each
// repeat interval (daily, weekly, monthly, yearly) has its own strategy that
// encapsulates how the next occurrence instant is derived from the previous
// one.
package services

import (
	"fmt"
	"time"

	"bilancio/internal/core"
)

// Advancer is the strategy interface for stepping a rule's occurrence cursor
// forward by one period. Implementations are pure: the result depends only on
// the cursor, the rule's configuration and the anchor date.
type Advancer interface {
	// Advance returns the instant immediately following cursor along the
	// rule's cadence. The anchor is the rule's start date and supplies the
	// day-of-month / day-of-year reference for clamping.
	Advance(cursor time.Time, rule core.RecurrenceRule, anchor time.Time) time.Time
}

// DailyAdvancer steps the cursor by one calendar day.
type DailyAdvancer struct{}

func (DailyAdvancer) Advance(cursor time.Time, _ core.RecurrenceRule, _ time.Time) time.Time {
	return cursor.AddDate(0, 0, 1)
}

// WeeklyAdvancer steps the cursor by seven calendar days, which preserves the
// anchor's weekday.
type WeeklyAdvancer struct{}

func (WeeklyAdvancer) Advance(cursor time.Time, _ core.RecurrenceRule, _ time.Time) time.Time {
	return cursor.AddDate(0, 0, 7)
}

// MonthlyAdvancer steps to the rule's target day in the next calendar month.
// When the target day exceeds the length of that month it is clamped to the
// month's last day. The clamp is re-evaluated every month: a rule targeting
// day 31 lands on Apr 30 but returns to May 31.
type MonthlyAdvancer struct{}

func (MonthlyAdvancer) Advance(cursor time.Time, rule core.RecurrenceRule, anchor time.Time) time.Time {
	targetDay := anchor.Day()
	if rule.RepeatDay != nil {
		targetDay = *rule.RepeatDay
	}

	year, month, _ := cursor.Date()
	month++
	day := targetDay
	if last := daysInMonth(year, month); day > last {
		day = last
	}
	hour, min, sec := cursor.Clock()
	return time.Date(year, month, day, hour, min, sec, cursor.Nanosecond(), cursor.Location())
}

// YearlyAdvancer steps to the anchor's month and day in the next calendar
// year. A Feb 29 anchor is clamped to Feb 28 in non-leap years.
type YearlyAdvancer struct{}

func (YearlyAdvancer) Advance(cursor time.Time, _ core.RecurrenceRule, anchor time.Time) time.Time {
	year := cursor.Year() + 1
	month := anchor.Month()
	day := anchor.Day()
	if last := daysInMonth(year, month); day > last {
		day = last
	}
	hour, min, sec := cursor.Clock()
	return time.Date(year, month, day, hour, min, sec, cursor.Nanosecond(), cursor.Location())
}

// daysInMonth returns the number of days in the given month. The zeroth day
// of the following month normalizes to the last day of this one.
func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// advanceStrategies maps repeat intervals to their advancers.
var advanceStrategies = map[core.RepeatInterval]Advancer{
	core.Daily:   DailyAdvancer{},
	core.Weekly:  WeeklyAdvancer{},
	core.Monthly: MonthlyAdvancer{},
	core.Yearly:  YearlyAdvancer{},
}

// GetAdvancer returns the advancer for a repeat interval, or an error if the
// interval is not supported.
func GetAdvancer(interval core.RepeatInterval) (Advancer, error) {
	adv, ok := advanceStrategies[interval]
	if !ok {
		return nil, fmt.Errorf("unknown repeat interval: %s", interval)
	}
	return adv, nil
}

// RegisterAdvancer registers a custom advancer for a new interval, allowing
// extension without touching the calculator.
func RegisterAdvancer(interval core.RepeatInterval, adv Advancer) {
	advanceStrategies[interval] = adv
}
