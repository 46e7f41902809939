package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CatchUpSchedulerConfig holds configuration for the periodic catch-up loop.
type CatchUpSchedulerConfig struct {
	// Interval is how often a catch-up run fires (default: 15m).
	Interval time.Duration

	// Clock supplies "now" for each run (default: SystemClock).
	Clock Clock
}

// DefaultCatchUpSchedulerConfig returns sensible defaults.
func DefaultCatchUpSchedulerConfig() CatchUpSchedulerConfig {
	return CatchUpSchedulerConfig{
		Interval: 15 * time.Minute,
		Clock:    SystemClock,
	}
}

// CatchUpScheduler runs the processor on a fixed interval. It stands in for
// the app-foreground trigger of an interactive client: rules missed while the
// process was down are caught up by the first run after startup.
type CatchUpScheduler struct {
	processor *CatchUpProcessor
	config    CatchUpSchedulerConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewCatchUpScheduler(processor *CatchUpProcessor, config CatchUpSchedulerConfig) *CatchUpScheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultCatchUpSchedulerConfig().Interval
	}
	if config.Clock == nil {
		config.Clock = SystemClock
	}
	return &CatchUpScheduler{processor: processor, config: config}
}

// Start begins the periodic loop, running one catch-up immediately. Returns
// an error if already running.
func (s *CatchUpScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("catch-up scheduler is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.runLoop(ctx)

	slog.InfoContext(ctx, "Catch-up scheduler started", "interval", s.config.Interval)
	return nil
}

// Stop signals the loop to exit and waits for completion or context expiry.
func (s *CatchUpScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	close(s.stopCh)

	select {
	case <-s.doneCh:
		slog.InfoContext(ctx, "Catch-up scheduler stopped gracefully")
	case <-ctx.Done():
		slog.WarnContext(ctx, "Catch-up scheduler stop timed out")
		return ctx.Err()
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// IsRunning reports whether the loop is active.
func (s *CatchUpScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *CatchUpScheduler) runLoop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Catch up immediately on startup.
	s.runOnce(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *CatchUpScheduler) runOnce(ctx context.Context) {
	now := s.config.Clock.Now()
	report, err := s.processor.RunCatchUp(ctx, now)
	if err != nil {
		slog.ErrorContext(ctx, "Scheduled catch-up failed", "error", err)
		return
	}
	if report.Failed() {
		slog.WarnContext(ctx, "Scheduled catch-up finished with rule failures",
			"transactions_created", report.TransactionsCreated,
			"failures", len(report.Failures))
	}
}
