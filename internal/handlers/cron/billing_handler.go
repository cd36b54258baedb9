// Package cron exposes the billing sweeps and scheduler hooks over HTTP for an
// external scheduler (Cloud Scheduler, Kubernetes CronJob, curl).
package cron

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/kevin07696/recurring-billing/internal/domain"
	"github.com/kevin07696/recurring-billing/internal/services/billing"
	"github.com/kevin07696/recurring-billing/pkg/observability"
	"github.com/kevin07696/recurring-billing/pkg/resilience"
	"github.com/kevin07696/recurring-billing/pkg/shutdown"
	"go.uber.org/zap"
)

// BillingEngine is the part of the engine the cron endpoints drive
type BillingEngine interface {
	ProcessDueRenewals(ctx context.Context) (*billing.BatchResult, error)
	ProcessDueEnds(ctx context.Context) (*billing.BatchResult, error)
	ProcessDueRetries(ctx context.Context) (*billing.BatchResult, error)
	HandleHook(ctx context.Context, hook string, args map[string]string) error
}

// BillingHandler handles cron job endpoints for recurring billing
type BillingHandler struct {
	engine     BillingEngine
	timeouts   *resilience.TimeoutConfig
	logger     *zap.Logger
	cronSecret string // Secret token for authenticating cron requests
	inflight   *shutdown.InFlightTracker
	now        func() time.Time
}

// NewBillingHandler creates a new billing cron handler
func NewBillingHandler(
	engine BillingEngine,
	timeouts *resilience.TimeoutConfig,
	logger *zap.Logger,
	cronSecret string,
) *BillingHandler {
	if timeouts == nil {
		timeouts = resilience.DefaultTimeoutConfig()
	}
	return &BillingHandler{
		engine:     engine,
		timeouts:   timeouts,
		logger:     logger,
		cronSecret: cronSecret,
		now:        time.Now,
	}
}

// TrackInFlight makes shutdown wait for running sweeps and hooks, and refuses
// new ones once it has started
func (h *BillingHandler) TrackInFlight(tracker *shutdown.InFlightTracker) {
	h.inflight = tracker
}

// begin reports whether new work may start; the returned func must be called when it ends
func (h *BillingHandler) begin() (func(), bool) {
	if h.inflight == nil {
		return func() {}, true
	}
	if !h.inflight.Add() {
		return nil, false
	}
	return h.inflight.Done, true
}

// SweepResponse represents the result of one sweep
type SweepResponse struct {
	Success      bool                 `json:"success"`
	Sweep        string               `json:"sweep"`
	Processed    int                  `json:"processed"`
	SuccessCount int                  `json:"success_count"`
	FailureCount int                  `json:"failure_count"`
	Errors       []billing.BatchError `json:"errors,omitempty"`
	ProcessedAt  string               `json:"processed_at"`
}

// HookRequest is the body of POST /hooks/{hook}
type HookRequest struct {
	Args map[string]string `json:"args"`
}

// RegisterRoutes mounts the cron and hook endpoints on mux
func (h *BillingHandler) RegisterRoutes(mux *http.ServeMux) {
	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"POST /cron/process-renewals", h.ProcessRenewals},
		{"POST /cron/process-ends", h.ProcessEnds},
		{"POST /cron/process-retries", h.ProcessRetries},
		{"POST /hooks/{hook}", h.DispatchHook},
		{"GET /cron/health", h.HealthCheck},
	}
	for _, rt := range routes {
		mux.Handle(rt.pattern, observability.HTTPMetrics(rt.pattern, rt.handler))
	}
}

// ProcessRenewals handles POST /cron/process-renewals
func (h *BillingHandler) ProcessRenewals(w http.ResponseWriter, r *http.Request) {
	h.runSweep(w, r, billing.SweepRenewals, h.engine.ProcessDueRenewals)
}

// ProcessEnds handles POST /cron/process-ends
func (h *BillingHandler) ProcessEnds(w http.ResponseWriter, r *http.Request) {
	h.runSweep(w, r, billing.SweepEnds, h.engine.ProcessDueEnds)
}

// ProcessRetries handles POST /cron/process-retries
func (h *BillingHandler) ProcessRetries(w http.ResponseWriter, r *http.Request) {
	h.runSweep(w, r, billing.SweepRetries, h.engine.ProcessDueRetries)
}

func (h *BillingHandler) runSweep(
	w http.ResponseWriter,
	r *http.Request,
	sweep string,
	fn func(context.Context) (*billing.BatchResult, error),
) {
	h.logger.Info("Billing cron job triggered",
		zap.String("sweep", sweep),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.UserAgent()),
	)

	if !h.authenticateRequest(r) {
		h.logger.Warn("Unauthorized cron request", zap.String("remote_addr", r.RemoteAddr))
		h.respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	done, ok := h.begin()
	if !ok {
		h.respondError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	defer done()

	ctx, cancel := h.timeouts.SweepContext(r.Context())
	defer cancel()

	result, err := fn(ctx)
	if err != nil {
		h.logger.Error("Billing sweep failed", zap.String("sweep", sweep), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "sweep failed")
		return
	}

	resp := SweepResponse{
		Success:      result.FailedCount == 0,
		Sweep:        sweep,
		Processed:    result.ProcessedCount,
		SuccessCount: result.SuccessCount,
		FailureCount: result.FailedCount,
		Errors:       result.Errors,
		ProcessedAt:  h.now().UTC().Format(time.RFC3339),
	}

	h.logger.Info("Billing sweep completed",
		zap.String("sweep", sweep),
		zap.Int("processed", resp.Processed),
		zap.Int("success", resp.SuccessCount),
		zap.Int("failed", resp.FailureCount),
	)

	status := http.StatusOK
	if !resp.Success {
		status = http.StatusPartialContent // 206 indicates partial success
	}
	h.respondJSON(w, status, resp)
}

// DispatchHook handles POST /hooks/{hook}, the callback used when an external
// scheduler owns the one-time jobs.
func (h *BillingHandler) DispatchHook(w http.ResponseWriter, r *http.Request) {
	hook := r.PathValue("hook")

	if !h.authenticateRequest(r) {
		h.logger.Warn("Unauthorized hook request",
			zap.String("hook", hook),
			zap.String("remote_addr", r.RemoteAddr),
		)
		h.respondError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req HookRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	// Query parameters fill in args missing from the body
	for key, values := range r.URL.Query() {
		if req.Args == nil {
			req.Args = make(map[string]string)
		}
		if _, ok := req.Args[key]; !ok && len(values) > 0 {
			req.Args[key] = values[0]
		}
	}

	done, ok := h.begin()
	if !ok {
		h.respondError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	defer done()

	ctx, cancel := h.timeouts.HookContext(r.Context())
	defer cancel()

	if err := h.engine.HandleHook(ctx, hook, req.Args); err != nil {
		status := hookErrorStatus(err)
		h.logger.Warn("Hook failed",
			zap.String("hook", hook),
			zap.Int("status", status),
			zap.Error(err),
		)
		h.respondError(w, status, err.Error())
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"hook":    hook,
	})
}

// hookErrorStatus maps engine errors onto the status an external scheduler
// uses to decide whether to retry: 5xx retries, 4xx does not.
func hookErrorStatus(err error) int {
	switch {
	case domain.IsNotFoundError(err):
		return http.StatusNotFound
	case domain.IsInvalidTransition(err), domain.IsDateOrderingError(err):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case domain.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// authenticateRequest accepts the cron secret as X-Cron-Secret or a bearer token
func (h *BillingHandler) authenticateRequest(r *http.Request) bool {
	if h.cronSecret == "" {
		return false
	}

	if secret := r.Header.Get("X-Cron-Secret"); secret != "" {
		return subtle.ConstantTimeCompare([]byte(secret), []byte(h.cronSecret)) == 1
	}

	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return subtle.ConstantTimeCompare([]byte(token), []byte(h.cronSecret)) == 1
	}

	return false
}

func (h *BillingHandler) respondJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// respondError sends an error response
func (h *BillingHandler) respondError(w http.ResponseWriter, statusCode int, message string) {
	h.respondJSON(w, statusCode, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// HealthCheck handles GET /cron/health for monitoring
func (h *BillingHandler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   h.now().UTC().Format(time.RFC3339),
	})
}
