// Package http exposes the recurring transaction engine as a small JSON API.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bilancio/internal/cache"
	"bilancio/internal/core"
	applog "bilancio/internal/log"
	"bilancio/internal/middleware/trace"
	"bilancio/internal/services"
)

// rulesCacheKey is the single key of the rule-list cache. Any rule mutation
// or sync run invalidates it; the TTL bounds staleness from the background
// scheduler advancing bookkeeping.
const rulesCacheKey = "rules"

// RuleStore is the persistence surface the API needs for rule management.
type RuleStore interface {
	CreateRule(ctx context.Context, rule core.RecurrenceRule) (int64, error)
	UpdateRule(ctx context.Context, rule core.RecurrenceRule) error
	GetRule(ctx context.Context, id int64) (core.RecurrenceRule, error)
	ListRules(ctx context.Context) ([]core.RecurrenceRule, error)
	SetRuleActive(ctx context.Context, id int64, active bool) error
	DeleteRule(ctx context.Context, id int64) error
}

// SyncRunner triggers an on-demand catch-up run.
type SyncRunner interface {
	RunCatchUp(ctx context.Context, now time.Time) (*services.ProcessingReport, error)
}

type Server struct {
	http.Server

	rules   RuleStore
	factory services.TransactionFactory
	syncer  SyncRunner
	clock   services.Clock

	listCache        *cache.LRUCache[[]ruleResponse]
	stopCacheCleanup chan struct{}
	shutdownOnce     sync.Once
}

// NewServer wires the API routes. factory is used for capture-first rule
// creation; syncer backs the manual sync endpoint.
func NewServer(addr string, rules RuleStore, factory services.TransactionFactory, syncer SyncRunner, clock services.Clock) *Server {
	if clock == nil {
		clock = services.SystemClock
	}

	s := &Server{
		Server: http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		rules:            rules,
		factory:          factory,
		syncer:           syncer,
		clock:            clock,
		listCache:        cache.NewLRUCache[[]ruleResponse](4, 30*time.Second),
		stopCacheCleanup: make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	tracer := trace.NewMiddleware(clientIP)
	r.Use(tracer.Middleware)
	r.Use(applog.Middleware(applog.New(applog.Config{Component: applog.ComponentHTTP})))
	r.Use(applog.RequestIDMiddleware(func(req *http.Request) string {
		return trace.GetRequestID(req.Context())
	}))

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Route("/recurring", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleCreateRule)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRule)
				r.Put("/", s.handleUpdateRule)
				r.Delete("/", s.handleDeleteRule)
				r.Post("/toggle", s.handleToggleRule)
			})
		})
		r.Post("/sync", s.handleSync)
	})

	s.Server.Handler = r

	go s.startCacheCleanup()

	return s
}

// startCacheCleanup drops expired list-cache entries periodically so an idle
// server does not hold stale payloads until the next request.
func (s *Server) startCacheCleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if cleaned := s.listCache.CleanExpired(); cleaned > 0 {
				slog.Debug("Cache cleanup completed", "entries_removed", cleaned)
			}
		case <-s.stopCacheCleanup:
			return
		}
	}
}

// Shutdown stops the cleanup goroutine and drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		close(s.stopCacheCleanup)
		err = s.Server.Shutdown(ctx)
	})
	return err
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.Server.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func clientIP(r *http.Request) string {
	return r.RemoteAddr
}
