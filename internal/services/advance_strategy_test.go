package services

import (
	"testing"
	"time"

	"bilancio/internal/core"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func intPtr(v int) *int { return &v }

func TestDailyAdvancer_Advance(t *testing.T) {
	adv := DailyAdvancer{}
	got := adv.Advance(day(2024, 3, 31), core.RecurrenceRule{}, day(2024, 3, 1))
	if want := day(2024, 4, 1); !got.Equal(want) {
		t.Errorf("Advance() = %v, want %v", got, want)
	}
}

func TestWeeklyAdvancer_Advance(t *testing.T) {
	adv := WeeklyAdvancer{}
	anchor := day(2024, 6, 1) // a Saturday

	got := adv.Advance(anchor, core.RecurrenceRule{}, anchor)
	if want := day(2024, 6, 8); !got.Equal(want) {
		t.Errorf("Advance() = %v, want %v", got, want)
	}
	if got.Weekday() != anchor.Weekday() {
		t.Errorf("Advance() weekday = %v, want %v", got.Weekday(), anchor.Weekday())
	}
}

func TestMonthlyAdvancer_Advance(t *testing.T) {
	adv := MonthlyAdvancer{}
	anchor := day(2024, 1, 31)

	tests := []struct {
		name      string
		cursor    time.Time
		repeatDay *int
		want      time.Time
	}{
		{
			name:      "day 31 into leap February clamps to 29",
			cursor:    day(2024, 1, 31),
			repeatDay: intPtr(31),
			want:      day(2024, 2, 29),
		},
		{
			name:      "clamp releases back to 31 in March",
			cursor:    day(2024, 2, 29),
			repeatDay: intPtr(31),
			want:      day(2024, 3, 31),
		},
		{
			name:      "day 31 into April clamps to 30",
			cursor:    day(2024, 3, 31),
			repeatDay: intPtr(31),
			want:      day(2024, 4, 30),
		},
		{
			name:      "clamp releases back to 31 in May",
			cursor:    day(2024, 4, 30),
			repeatDay: intPtr(31),
			want:      day(2024, 5, 31),
		},
		{
			name:      "day 31 into non-leap February clamps to 28",
			cursor:    day(2025, 1, 31),
			repeatDay: intPtr(31),
			want:      day(2025, 2, 28),
		},
		{
			name:      "unset repeat day falls back to anchor day",
			cursor:    day(2024, 1, 31),
			repeatDay: nil,
			want:      day(2024, 2, 29),
		},
		{
			name:      "december rolls into january",
			cursor:    day(2024, 12, 15),
			repeatDay: intPtr(15),
			want:      day(2025, 1, 15),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := core.RecurrenceRule{RepeatInterval: core.Monthly, RepeatDay: tt.repeatDay}
			got := adv.Advance(tt.cursor, rule, anchor)
			if !got.Equal(tt.want) {
				t.Errorf("Advance(%v) = %v, want %v", tt.cursor, got, tt.want)
			}
		})
	}
}

func TestYearlyAdvancer_Advance(t *testing.T) {
	adv := YearlyAdvancer{}

	t.Run("leap day anchor clamps to Feb 28 in non-leap years", func(t *testing.T) {
		anchor := day(2024, 2, 29)
		got := adv.Advance(anchor, core.RecurrenceRule{}, anchor)
		if want := day(2025, 2, 28); !got.Equal(want) {
			t.Errorf("Advance() = %v, want %v", got, want)
		}
	})

	t.Run("clamp releases on the next leap year", func(t *testing.T) {
		anchor := day(2024, 2, 29)
		got := adv.Advance(day(2027, 2, 28), core.RecurrenceRule{}, anchor)
		if want := day(2028, 2, 29); !got.Equal(want) {
			t.Errorf("Advance() = %v, want %v", got, want)
		}
	})

	t.Run("ordinary anchor keeps month and day", func(t *testing.T) {
		anchor := day(2024, 7, 4)
		got := adv.Advance(day(2024, 7, 4), core.RecurrenceRule{}, anchor)
		if want := day(2025, 7, 4); !got.Equal(want) {
			t.Errorf("Advance() = %v, want %v", got, want)
		}
	})
}

func TestAdvancers_PreserveTimeOfDay(t *testing.T) {
	cursor := time.Date(2024, 1, 31, 9, 30, 15, 0, time.UTC)
	anchor := cursor
	rule := core.RecurrenceRule{RepeatInterval: core.Monthly, RepeatDay: intPtr(31)}

	for name, adv := range map[string]Advancer{
		"daily":   DailyAdvancer{},
		"weekly":  WeeklyAdvancer{},
		"monthly": MonthlyAdvancer{},
		"yearly":  YearlyAdvancer{},
	} {
		t.Run(name, func(t *testing.T) {
			got := adv.Advance(cursor, rule, anchor)
			h, m, s := got.Clock()
			if h != 9 || m != 30 || s != 15 {
				t.Errorf("Advance() time-of-day = %02d:%02d:%02d, want 09:30:15", h, m, s)
			}
		})
	}
}

func TestGetAdvancer(t *testing.T) {
	tests := []struct {
		name     string
		interval core.RepeatInterval
		wantErr  bool
	}{
		{"daily", core.Daily, false},
		{"weekly", core.Weekly, false},
		{"monthly", core.Monthly, false},
		{"yearly", core.Yearly, false},
		{"unknown", core.RepeatInterval("fortnightly"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adv, err := GetAdvancer(tt.interval)
			if (err != nil) != tt.wantErr {
				t.Fatalf("GetAdvancer() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && adv == nil {
				t.Error("GetAdvancer() returned nil advancer")
			}
		})
	}
}
