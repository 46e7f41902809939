package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"bilancio/internal/core"
	"bilancio/internal/services"
	"bilancio/internal/storage"
)

type ruleRequest struct {
	StartDate          string  `json:"startDate"`
	RepeatInterval     string  `json:"repeatInterval"`
	RepeatDay          *int    `json:"repeatDay,omitempty"`
	EndType            string  `json:"endType"`
	EndDate            *string `json:"endDate,omitempty"`
	Occurrences        *int    `json:"occurrences,omitempty"`
	Timezone           string  `json:"timezone,omitempty"`
	Amount             string  `json:"amount"`
	Type               string  `json:"type"`
	CategoryID         *int64  `json:"categoryId,omitempty"`
	CustomCategoryName string  `json:"customCategoryName,omitempty"`
	AccountID          int64   `json:"accountId"`
	Note               string  `json:"note,omitempty"`

	// CaptureFirst records the start-date occurrence immediately at creation
	// instead of waiting for the next catch-up run. Create only.
	CaptureFirst bool `json:"captureFirst,omitempty"`
}

type ruleResponse struct {
	ID                   int64   `json:"id"`
	StartDate            string  `json:"startDate"`
	RepeatInterval       string  `json:"repeatInterval"`
	RepeatDay            *int    `json:"repeatDay,omitempty"`
	EndType              string  `json:"endType"`
	EndDate              *string `json:"endDate,omitempty"`
	Occurrences          *int    `json:"occurrences,omitempty"`
	ProcessedOccurrences int     `json:"processedOccurrences"`
	LastGeneratedAt      *string `json:"lastGeneratedAt,omitempty"`
	IsActive             bool    `json:"isActive"`
	Timezone             string  `json:"timezone"`
	Amount               string  `json:"amount"`
	AmountCents          int64   `json:"amountCents"`
	Type                 string  `json:"type"`
	CategoryID           *int64  `json:"categoryId,omitempty"`
	CustomCategoryName   string  `json:"customCategoryName,omitempty"`
	AccountID            int64   `json:"accountId"`
	Note                 string  `json:"note,omitempty"`

	// NextDueDate is a computed preview of when the rule fires next. Absent
	// for paused or terminated rules.
	NextDueDate *string `json:"nextDueDate,omitempty"`
}

// toRule maps the request onto a domain rule. The returned rule is normalized
// but not yet validated.
func (req ruleRequest) toRule() (core.RecurrenceRule, error) {
	startDate, err := time.Parse(time.RFC3339, req.StartDate)
	if err != nil {
		return core.RecurrenceRule{}, errors.New("startDate must be RFC 3339")
	}

	var endDate *time.Time
	if req.EndDate != nil {
		t, err := time.Parse(time.RFC3339, *req.EndDate)
		if err != nil {
			return core.RecurrenceRule{}, errors.New("endDate must be RFC 3339")
		}
		endDate = &t
	}

	cents, err := core.ParseDecimalToCents(req.Amount)
	if err != nil {
		return core.RecurrenceRule{}, errors.New("amount must be a positive decimal")
	}

	rule := core.RecurrenceRule{
		StartDate:          startDate,
		RepeatInterval:     core.RepeatInterval(req.RepeatInterval),
		RepeatDay:          req.RepeatDay,
		EndType:            core.EndType(req.EndType),
		EndDate:            endDate,
		Occurrences:        req.Occurrences,
		IsActive:           true,
		Timezone:           req.Timezone,
		Amount:             core.Money{Cents: cents},
		Type:               core.TransactionType(req.Type),
		CategoryID:         req.CategoryID,
		CustomCategoryName: req.CustomCategoryName,
		AccountID:          req.AccountID,
		Note:               req.Note,
	}
	rule.Normalize()
	return rule, nil
}

func (s *Server) ruleToResponse(rule core.RecurrenceRule) ruleResponse {
	resp := ruleResponse{
		ID:                   rule.ID,
		StartDate:            rule.StartDate.Format(time.RFC3339),
		RepeatInterval:       string(rule.RepeatInterval),
		RepeatDay:            rule.RepeatDay,
		EndType:              string(rule.EndType),
		Occurrences:          rule.Occurrences,
		ProcessedOccurrences: rule.ProcessedOccurrences,
		IsActive:             rule.IsActive,
		Timezone:             rule.Timezone,
		Amount:               rule.Amount.String(),
		AmountCents:          rule.Amount.Cents,
		Type:                 string(rule.Type),
		CategoryID:           rule.CategoryID,
		CustomCategoryName:   rule.CustomCategoryName,
		AccountID:            rule.AccountID,
		Note:                 rule.Note,
	}
	if rule.EndDate != nil {
		v := rule.EndDate.Format(time.RFC3339)
		resp.EndDate = &v
	}
	if rule.LastGeneratedAt != nil {
		v := rule.LastGeneratedAt.Format(time.RFC3339)
		resp.LastGeneratedAt = &v
	}

	if rule.IsActive {
		next, err := services.NextOccurrence(rule)
		if err == nil && next != nil {
			v := next.Format(time.RFC3339)
			resp.NextDueDate = &v
		}
	}
	return resp
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	if cached, ok := s.listCache.Get(rulesCacheKey); ok {
		respondJSON(w, http.StatusOK, cached)
		return
	}

	rules, err := s.rules.ListRules(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to list rules", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}

	resp := make([]ruleResponse, 0, len(rules))
	for _, rule := range rules {
		resp = append(resp, s.ruleToResponse(rule))
	}
	s.listCache.Set(rulesCacheKey, resp)
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id := ruleID(w, r)
	if id == 0 {
		return
	}

	rule, err := s.rules.GetRule(r.Context(), id)
	if errors.Is(err, storage.ErrRuleNotFound) {
		respondError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to get rule", "rule_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to get rule")
		return
	}
	respondJSON(w, http.StatusOK, s.ruleToResponse(rule))
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rule, err := req.toRule()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := rule.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.rules.CreateRule(r.Context(), rule)
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to create rule", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to create rule")
		return
	}
	rule.ID = id

	if req.CaptureFirst {
		if err := s.captureFirstOccurrence(r, &rule); err != nil {
			// The rule exists; only the immediate capture failed. The next
			// catch-up run will materialize the start-date occurrence.
			slog.ErrorContext(r.Context(), "Capture-first failed",
				"rule_id", rule.ID, "error", err)
		}
	}

	s.listCache.Delete(rulesCacheKey)
	slog.InfoContext(r.Context(), "Rule created",
		"rule_id", rule.ID,
		"repeat_interval", rule.RepeatInterval,
		"amount_cents", rule.Amount.Cents,
		"capture_first", req.CaptureFirst)

	respondJSON(w, http.StatusCreated, s.ruleToResponse(rule))
}

// captureFirstOccurrence materializes the start-date transaction immediately
// and advances the bookkeeping to reflect it.
func (s *Server) captureFirstOccurrence(r *http.Request, rule *core.RecurrenceRule) error {
	if _, err := s.factory.Create(r.Context(), *rule, rule.StartDate); err != nil {
		return err
	}
	occurredAt := rule.StartDate
	rule.ProcessedOccurrences = 1
	rule.LastGeneratedAt = &occurredAt
	return s.rules.UpdateRule(r.Context(), *rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := ruleID(w, r)
	if id == 0 {
		return
	}

	existing, err := s.rules.GetRule(r.Context(), id)
	if errors.Is(err, storage.ErrRuleNotFound) {
		respondError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to get rule", "rule_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to get rule")
		return
	}

	var req ruleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rule, err := req.toRule()
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Edits reshape future occurrences only: already materialized history and
	// the processor's bookkeeping are carried over untouched.
	rule.ID = existing.ID
	rule.ProcessedOccurrences = existing.ProcessedOccurrences
	rule.LastGeneratedAt = existing.LastGeneratedAt
	rule.IsActive = existing.IsActive

	if err := rule.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.rules.UpdateRule(r.Context(), rule); err != nil {
		slog.ErrorContext(r.Context(), "Failed to update rule", "rule_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to update rule")
		return
	}

	s.listCache.Delete(rulesCacheKey)
	slog.InfoContext(r.Context(), "Rule updated", "rule_id", id)
	respondJSON(w, http.StatusOK, s.ruleToResponse(rule))
}

func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	id := ruleID(w, r)
	if id == 0 {
		return
	}

	rule, err := s.rules.GetRule(r.Context(), id)
	if errors.Is(err, storage.ErrRuleNotFound) {
		respondError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to get rule", "rule_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to get rule")
		return
	}

	rule.IsActive = !rule.IsActive
	if err := s.rules.SetRuleActive(r.Context(), id, rule.IsActive); err != nil {
		slog.ErrorContext(r.Context(), "Failed to toggle rule", "rule_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to toggle rule")
		return
	}

	s.listCache.Delete(rulesCacheKey)
	slog.InfoContext(r.Context(), "Rule toggled", "rule_id", id, "is_active", rule.IsActive)
	respondJSON(w, http.StatusOK, s.ruleToResponse(rule))
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := ruleID(w, r)
	if id == 0 {
		return
	}

	err := s.rules.DeleteRule(r.Context(), id)
	if errors.Is(err, storage.ErrRuleNotFound) {
		respondError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to delete rule", "rule_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to delete rule")
		return
	}

	s.listCache.Delete(rulesCacheKey)
	slog.InfoContext(r.Context(), "Rule deleted", "rule_id", id)
	w.WriteHeader(http.StatusNoContent)
}
