package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"bilancio/internal/core"
)

// maxIterationsPerRule bounds the catch-up loop for a single rule. A healthy
// rule can never need this many steps in one run; hitting the ceiling means
// the cursor is not advancing and the rule is disabled until a human edits it.
const maxIterationsPerRule = 10000

// defaultWorkers bounds the per-rule parallelism of a catch-up run.
const defaultWorkers = 4

var (
	// ErrMaterializationFailed marks a transaction factory rejection. It is
	// recovered per occurrence: the rule's loop stops, the failure lands in
	// the report, and other rules keep processing.
	ErrMaterializationFailed = errors.New("transaction materialization failed")

	// ErrIterationLimitExceeded marks a catch-up loop that hit the safety
	// ceiling. Fatal for that rule only: the rule is deactivated.
	ErrIterationLimitExceeded = errors.New("catch-up iteration limit exceeded")
)

// TransactionFactory materializes one ledger entry per occurrence. Failure
// reasons are opaque to the engine.
type TransactionFactory interface {
	Create(ctx context.Context, rule core.RecurrenceRule, occurredAt time.Time) (core.Transaction, error)
}

// RuleRepository is the narrow persistence surface the processor needs.
type RuleRepository interface {
	ListActiveRules(ctx context.Context) ([]core.RecurrenceRule, error)
	GetRule(ctx context.Context, id int64) (core.RecurrenceRule, error)
	// SaveRuleProgress persists the processor-owned bookkeeping of a rule:
	// ProcessedOccurrences, LastGeneratedAt and IsActive.
	SaveRuleProgress(ctx context.Context, rule core.RecurrenceRule) error
}

// RuleFailure records a non-fatal, per-rule problem encountered during a run.
type RuleFailure struct {
	RuleID int64
	Err    error
}

// ProcessingReport summarizes one catch-up run.
type ProcessingReport struct {
	RulesChecked        int
	TransactionsCreated int
	Failures            []RuleFailure
}

// Failed reports whether any rule finished its loop with an error.
func (r *ProcessingReport) Failed() bool { return len(r.Failures) > 0 }

// CatchUpProcessor drives occurrence generation across all active rules. It
// guarantees at most one materialized transaction per occurrence and correct
// bookkeeping even when many occurrences elapsed since the last run.
type CatchUpProcessor struct {
	rules   RuleRepository
	factory TransactionFactory
	workers int

	// ruleLocks serializes concurrent catch-up runs per rule id, so an API
	// "sync now" racing the periodic scheduler cannot double-generate.
	mu        sync.Mutex
	ruleLocks map[int64]*sync.Mutex
}

// NewCatchUpProcessor creates a processor over the given repository and
// factory. workers <= 0 selects the default parallelism.
func NewCatchUpProcessor(rules RuleRepository, factory TransactionFactory, workers int) *CatchUpProcessor {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &CatchUpProcessor{
		rules:     rules,
		factory:   factory,
		workers:   workers,
		ruleLocks: make(map[int64]*sync.Mutex),
	}
}

// RunCatchUp generates every occurrence that became due at or before now,
// across all active rules. Per-rule failures are reported, not returned: one
// broken rule cannot block the rest of the batch. The returned error covers
// batch-level problems only (listing rules, cancellation).
func (p *CatchUpProcessor) RunCatchUp(ctx context.Context, now time.Time) (*ProcessingReport, error) {
	if p.rules == nil || p.factory == nil {
		return nil, fmt.Errorf("processor not properly initialized")
	}

	active, err := p.rules.ListActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}

	slog.InfoContext(ctx, "Catch-up run started",
		"active_rules", len(active),
		"now", now.Format(time.RFC3339))

	report := &ProcessingReport{RulesChecked: len(active)}
	var reportMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for _, rule := range active {
		g.Go(func() error {
			created, failure := p.catchUpRule(gctx, rule.ID, now)

			reportMu.Lock()
			report.TransactionsCreated += created
			if failure != nil {
				report.Failures = append(report.Failures, RuleFailure{RuleID: rule.ID, Err: failure})
			}
			reportMu.Unlock()

			// Rule failures are reported, never propagated: returning an
			// error here would cancel the sibling rules.
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}

	slog.InfoContext(ctx, "Catch-up run complete",
		"rules_checked", report.RulesChecked,
		"transactions_created", report.TransactionsCreated,
		"failures", len(report.Failures))

	return report, nil
}

// catchUpRule fast-forwards a single rule past now, materializing one
// transaction per elapsed occurrence. Bookkeeping is persisted once, after
// the loop, to bound write volume under long catch-up runs.
//
// The rule's state is re-read under its lock: the listing a run starts from
// may be stale by the time a concurrent run (API sync racing the scheduler)
// has advanced the same rule.
func (p *CatchUpProcessor) catchUpRule(ctx context.Context, ruleID int64, now time.Time) (created int, failure error) {
	lock := p.lockForRule(ruleID)
	lock.Lock()
	defer lock.Unlock()

	rule, err := p.rules.GetRule(ctx, ruleID)
	if err != nil {
		return 0, fmt.Errorf("get rule %d: %w", ruleID, err)
	}
	if !rule.IsActive {
		return 0, nil
	}

	deactivated := false

	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			failure = err
			break
		}
		if i >= maxIterationsPerRule {
			// Non-advancing cursor guard. Disable the rule so it stops
			// consuming every future run until a human edits it.
			rule.IsActive = false
			deactivated = true
			failure = fmt.Errorf("%w: rule %d stopped after %d iterations", ErrIterationLimitExceeded, rule.ID, i)
			break
		}

		due, err := NextDueDate(rule, now)
		if err != nil {
			// Malformed schedule slipped past creation-time validation.
			failure = err
			break
		}
		if due == nil {
			// Caught up to the present, or naturally terminated. Natural
			// termination leaves IsActive untouched so a completed plan
			// stays distinguishable from a paused one.
			break
		}

		if _, err := p.factory.Create(ctx, rule, *due); err != nil {
			// The occurrence was not materialized, so the cursor must not
			// move: no partial or double counting. A later sync retries it.
			failure = fmt.Errorf("%w: rule %d at %s: %v", ErrMaterializationFailed, rule.ID, due.Format(time.RFC3339), err)
			break
		}

		occurredAt := *due
		rule.LastGeneratedAt = &occurredAt
		rule.ProcessedOccurrences++
		created++
	}

	if created > 0 || deactivated {
		if err := p.rules.SaveRuleProgress(ctx, rule); err != nil {
			saveErr := fmt.Errorf("save rule %d progress: %w", rule.ID, err)
			if failure == nil {
				failure = saveErr
			} else {
				failure = errors.Join(failure, saveErr)
			}
		}
	}

	if failure != nil {
		slog.ErrorContext(ctx, "Rule catch-up aborted",
			"rule_id", rule.ID,
			"transactions_created", created,
			"error", failure)
	} else if created > 0 {
		slog.InfoContext(ctx, "Rule caught up",
			"rule_id", rule.ID,
			"transactions_created", created,
			"processed_occurrences", rule.ProcessedOccurrences)
	}

	return created, failure
}

func (p *CatchUpProcessor) lockForRule(id int64) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.ruleLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		p.ruleLocks[id] = lock
	}
	return lock
}
