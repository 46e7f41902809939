package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"bilancio/internal/core"
)

type fakeRuleRepo struct {
	mu    sync.Mutex
	rules map[int64]core.RecurrenceRule
}

func newFakeRuleRepo(rules ...core.RecurrenceRule) *fakeRuleRepo {
	repo := &fakeRuleRepo{rules: make(map[int64]core.RecurrenceRule)}
	for _, r := range rules {
		repo.rules[r.ID] = r
	}
	return repo
}

func (f *fakeRuleRepo) ListActiveRules(context.Context) ([]core.RecurrenceRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.RecurrenceRule
	for _, r := range f.rules {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRuleRepo) GetRule(_ context.Context, id int64) (core.RecurrenceRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rule, ok := f.rules[id]
	if !ok {
		return core.RecurrenceRule{}, fmt.Errorf("rule %d not found", id)
	}
	return rule, nil
}

func (f *fakeRuleRepo) SaveRuleProgress(_ context.Context, rule core.RecurrenceRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[rule.ID] = rule
	return nil
}

func (f *fakeRuleRepo) get(id int64) core.RecurrenceRule {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rules[id]
}

type fakeFactory struct {
	mu      sync.Mutex
	created []core.Transaction
	failAt  int // 1-based call number to fail on; 0 means never
	calls   int
}

func (f *fakeFactory) Create(_ context.Context, rule core.RecurrenceRule, occurredAt time.Time) (core.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAt > 0 && f.calls == f.failAt {
		return core.Transaction{}, errors.New("ledger unavailable")
	}
	ruleID := rule.ID
	tx := core.Transaction{
		ID:              int64(len(f.created) + 1),
		AccountID:       rule.AccountID,
		Type:            rule.Type,
		Amount:          rule.Amount,
		OccurredAt:      occurredAt,
		RecurringRuleID: &ruleID,
	}
	f.created = append(f.created, tx)
	return tx, nil
}

func (f *fakeFactory) dates() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Time, len(f.created))
	for i, tx := range f.created {
		out[i] = tx.OccurredAt
	}
	return out
}

func weeklyCappedRule() core.RecurrenceRule {
	return core.RecurrenceRule{
		ID:             2,
		StartDate:      day(2024, 6, 1),
		RepeatInterval: core.Weekly,
		EndType:        core.EndAfterOccurrences,
		Occurrences:    intPtr(3),
		IsActive:       true,
		Timezone:       "UTC",
		Amount:         core.Money{Cents: 1500},
		Type:           core.Expense,
		AccountID:      1,
	}
}

func TestRunCatchUp_MonthlyDay31Scenario(t *testing.T) {
	repo := newFakeRuleRepo(monthlyDay31Rule())
	factory := &fakeFactory{}
	p := NewCatchUpProcessor(repo, factory, 1)

	report, err := p.RunCatchUp(context.Background(), day(2024, 4, 15))
	if err != nil {
		t.Fatalf("RunCatchUp() error = %v", err)
	}
	if report.Failed() {
		t.Fatalf("RunCatchUp() failures = %v", report.Failures)
	}
	if report.TransactionsCreated != 3 {
		t.Fatalf("TransactionsCreated = %d, want 3", report.TransactionsCreated)
	}

	want := []time.Time{day(2024, 1, 31), day(2024, 2, 29), day(2024, 3, 31)}
	got := factory.dates()
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("occurrence %d = %v, want %v", i, got[i], want[i])
		}
	}

	saved := repo.get(1)
	if saved.ProcessedOccurrences != 3 {
		t.Errorf("saved ProcessedOccurrences = %d, want 3", saved.ProcessedOccurrences)
	}
	if saved.LastGeneratedAt == nil || !saved.LastGeneratedAt.Equal(day(2024, 3, 31)) {
		t.Errorf("saved LastGeneratedAt = %v, want 2024-03-31", saved.LastGeneratedAt)
	}

	// The next occurrence after catch-up is the clamped Apr 30, not yet due.
	next, err := NextDueDate(saved, day(2024, 4, 15))
	if err != nil {
		t.Fatalf("NextDueDate() error = %v", err)
	}
	if next != nil {
		t.Errorf("NextDueDate() = %v, want nil", next)
	}
}

func TestRunCatchUp_Idempotent(t *testing.T) {
	repo := newFakeRuleRepo(monthlyDay31Rule())
	factory := &fakeFactory{}
	p := NewCatchUpProcessor(repo, factory, 1)
	now := day(2024, 4, 15)

	if _, err := p.RunCatchUp(context.Background(), now); err != nil {
		t.Fatalf("first RunCatchUp() error = %v", err)
	}
	report, err := p.RunCatchUp(context.Background(), now)
	if err != nil {
		t.Fatalf("second RunCatchUp() error = %v", err)
	}
	if report.TransactionsCreated != 0 {
		t.Fatalf("second run TransactionsCreated = %d, want 0", report.TransactionsCreated)
	}
	if len(factory.created) != 3 {
		t.Fatalf("total transactions = %d, want 3", len(factory.created))
	}
}

func TestRunCatchUp_OccurrenceCap(t *testing.T) {
	repo := newFakeRuleRepo(weeklyCappedRule())
	factory := &fakeFactory{}
	p := NewCatchUpProcessor(repo, factory, 1)

	// Now far in the future: exactly 3 occurrences ever, regardless.
	report, err := p.RunCatchUp(context.Background(), day(2030, 1, 1))
	if err != nil {
		t.Fatalf("RunCatchUp() error = %v", err)
	}
	if report.TransactionsCreated != 3 {
		t.Fatalf("TransactionsCreated = %d, want 3", report.TransactionsCreated)
	}

	want := []time.Time{day(2024, 6, 1), day(2024, 6, 8), day(2024, 6, 15)}
	got := factory.dates()
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("occurrence %d = %v, want %v", i, got[i], want[i])
		}
	}

	saved := repo.get(2)
	if !saved.IsActive {
		t.Error("natural termination must not flip IsActive")
	}

	// Completed forever: later runs produce nothing.
	report, err = p.RunCatchUp(context.Background(), day(2035, 1, 1))
	if err != nil {
		t.Fatalf("RunCatchUp() error = %v", err)
	}
	if report.TransactionsCreated != 0 {
		t.Fatalf("post-cap TransactionsCreated = %d, want 0", report.TransactionsCreated)
	}
	next, err := NextDueDate(repo.get(2), day(2040, 1, 1))
	if err != nil {
		t.Fatalf("NextDueDate() error = %v", err)
	}
	if next != nil {
		t.Errorf("NextDueDate() after cap = %v, want nil", next)
	}
}

func TestRunCatchUp_FactoryFailureAbortsRuleWithoutPartialCount(t *testing.T) {
	rule := core.RecurrenceRule{
		ID:             3,
		StartDate:      day(2024, 6, 1),
		RepeatInterval: core.Daily,
		EndType:        core.EndNever,
		IsActive:       true,
		Timezone:       "UTC",
	}
	repo := newFakeRuleRepo(rule)
	factory := &fakeFactory{failAt: 2}
	p := NewCatchUpProcessor(repo, factory, 1)

	report, err := p.RunCatchUp(context.Background(), day(2024, 6, 3))
	if err != nil {
		t.Fatalf("RunCatchUp() error = %v", err)
	}
	if report.TransactionsCreated != 1 {
		t.Fatalf("TransactionsCreated = %d, want 1", report.TransactionsCreated)
	}
	if len(report.Failures) != 1 {
		t.Fatalf("Failures = %v, want one entry", report.Failures)
	}
	if !errors.Is(report.Failures[0].Err, ErrMaterializationFailed) {
		t.Fatalf("failure = %v, want ErrMaterializationFailed", report.Failures[0].Err)
	}

	// The failed occurrence did not advance the cursor.
	saved := repo.get(3)
	if saved.ProcessedOccurrences != 1 {
		t.Fatalf("saved ProcessedOccurrences = %d, want 1", saved.ProcessedOccurrences)
	}
	if saved.LastGeneratedAt == nil || !saved.LastGeneratedAt.Equal(day(2024, 6, 1)) {
		t.Fatalf("saved LastGeneratedAt = %v, want 2024-06-01", saved.LastGeneratedAt)
	}

	// A retry with a healthy factory picks up exactly where it left off.
	factory.failAt = 0
	report, err = p.RunCatchUp(context.Background(), day(2024, 6, 3))
	if err != nil {
		t.Fatalf("retry RunCatchUp() error = %v", err)
	}
	if report.Failed() {
		t.Fatalf("retry failures = %v", report.Failures)
	}
	if report.TransactionsCreated != 2 {
		t.Fatalf("retry TransactionsCreated = %d, want 2", report.TransactionsCreated)
	}
}

func TestRunCatchUp_FailedRuleDoesNotBlockOthers(t *testing.T) {
	broken := core.RecurrenceRule{
		ID:             4,
		StartDate:      day(2024, 6, 1),
		RepeatInterval: "fortnightly", // malformed on purpose
		EndType:        core.EndNever,
		IsActive:       true,
	}
	repo := newFakeRuleRepo(broken, weeklyCappedRule())
	factory := &fakeFactory{}
	p := NewCatchUpProcessor(repo, factory, 2)

	report, err := p.RunCatchUp(context.Background(), day(2024, 7, 1))
	if err != nil {
		t.Fatalf("RunCatchUp() error = %v", err)
	}
	if report.TransactionsCreated != 3 {
		t.Fatalf("TransactionsCreated = %d, want 3 from the healthy rule", report.TransactionsCreated)
	}
	if len(report.Failures) != 1 || report.Failures[0].RuleID != 4 {
		t.Fatalf("Failures = %v, want one entry for rule 4", report.Failures)
	}
	if !errors.Is(report.Failures[0].Err, core.ErrInvalidRule) {
		t.Fatalf("failure = %v, want ErrInvalidRule", report.Failures[0].Err)
	}
}

func TestRunCatchUp_PausedRuleAccruesBacklog(t *testing.T) {
	rule := core.RecurrenceRule{
		ID:                   5,
		StartDate:            day(2024, 6, 1),
		RepeatInterval:       core.Daily,
		EndType:              core.EndNever,
		IsActive:             true,
		Timezone:             "UTC",
		ProcessedOccurrences: 5,
		LastGeneratedAt:      timePtr(day(2024, 6, 5)),
	}
	repo := newFakeRuleRepo(rule)
	factory := &fakeFactory{}
	p := NewCatchUpProcessor(repo, factory, 1)

	// Pause the rule, then run well past it: nothing fires, the cursor
	// stays put.
	paused := repo.get(5)
	paused.IsActive = false
	if err := repo.SaveRuleProgress(context.Background(), paused); err != nil {
		t.Fatal(err)
	}
	report, err := p.RunCatchUp(context.Background(), day(2024, 6, 10))
	if err != nil {
		t.Fatalf("RunCatchUp() error = %v", err)
	}
	if report.TransactionsCreated != 0 {
		t.Fatalf("paused rule created %d transactions, want 0", report.TransactionsCreated)
	}
	if got := repo.get(5); !got.LastGeneratedAt.Equal(day(2024, 6, 5)) {
		t.Fatalf("LastGeneratedAt moved during pause: %v", got.LastGeneratedAt)
	}

	// Reactivate ten days later: every occurrence missed while paused is
	// generated, none skipped.
	resumed := repo.get(5)
	resumed.IsActive = true
	if err := repo.SaveRuleProgress(context.Background(), resumed); err != nil {
		t.Fatal(err)
	}
	report, err = p.RunCatchUp(context.Background(), day(2024, 6, 15))
	if err != nil {
		t.Fatalf("RunCatchUp() error = %v", err)
	}
	if report.TransactionsCreated != 10 {
		t.Fatalf("TransactionsCreated = %d, want 10 (days 6 through 15)", report.TransactionsCreated)
	}
	got := factory.dates()
	if !got[0].Equal(day(2024, 6, 6)) || !got[len(got)-1].Equal(day(2024, 6, 15)) {
		t.Fatalf("backlog spans %v..%v, want 2024-06-06..2024-06-15", got[0], got[len(got)-1])
	}
}

func TestRunCatchUp_IterationLimitDeactivatesRule(t *testing.T) {
	// A cursor that never advances would loop forever without the ceiling.
	stuck := core.RepeatInterval("stuck")
	RegisterAdvancer(stuck, stuckAdvancer{})
	defer delete(advanceStrategies, stuck)

	rule := core.RecurrenceRule{
		ID:             6,
		StartDate:      day(2024, 6, 1),
		RepeatInterval: stuck,
		EndType:        core.EndNever,
		IsActive:       true,
	}
	repo := newFakeRuleRepo(rule)
	factory := &fakeFactory{}
	p := NewCatchUpProcessor(repo, factory, 1)

	report, err := p.RunCatchUp(context.Background(), day(2024, 6, 2))
	if err != nil {
		t.Fatalf("RunCatchUp() error = %v", err)
	}
	if len(report.Failures) != 1 || !errors.Is(report.Failures[0].Err, ErrIterationLimitExceeded) {
		t.Fatalf("Failures = %v, want ErrIterationLimitExceeded", report.Failures)
	}
	if saved := repo.get(6); saved.IsActive {
		t.Error("rule should be deactivated after hitting the iteration ceiling")
	}

	// Disabled means disabled: the next run ignores it.
	report, err = p.RunCatchUp(context.Background(), day(2024, 6, 3))
	if err != nil {
		t.Fatalf("RunCatchUp() error = %v", err)
	}
	if report.TransactionsCreated != 0 || report.Failed() {
		t.Fatalf("deactivated rule still processed: %+v", report)
	}
}

type stuckAdvancer struct{}

func (stuckAdvancer) Advance(cursor time.Time, _ core.RecurrenceRule, _ time.Time) time.Time {
	return cursor
}

func TestRunCatchUp_ConcurrentRunsDoNotDoubleGenerate(t *testing.T) {
	repo := newFakeRuleRepo(monthlyDay31Rule())
	factory := &fakeFactory{}
	p := NewCatchUpProcessor(repo, factory, 2)
	now := day(2024, 4, 15)

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.RunCatchUp(context.Background(), now); err != nil {
				t.Errorf("RunCatchUp() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if len(factory.created) != 3 {
		t.Fatalf("total transactions = %d, want 3 across both runs", len(factory.created))
	}
}
