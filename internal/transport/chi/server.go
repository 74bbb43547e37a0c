// Package chi is the HTTP transport: the completion endpoint, the
// operator kill-switch endpoints, health, and metrics.
package chi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/aigate/internal/domain"
	"github.com/kailas-cloud/aigate/internal/logger"
	"github.com/kailas-cloud/aigate/internal/usecase/killswitch"
)

// completions is the gateway pipeline entry point.
type completions interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (domain.CompletionResult, error)
}

// killControl is the operator surface of the kill switch.
type killControl interface {
	Disable(ctx context.Context, reason string, ttl time.Duration) error
	Enable(ctx context.Context) error
	Status(ctx context.Context) (killswitch.Meta, bool)
}

// pinger checks coordination store liveness for the health endpoint.
type pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the HTTP handlers.
type Server struct {
	gateway completions
	kill    killControl
	store   pinger
	logger  *zap.Logger
}

// NewServer creates an HTTP API server.
func NewServer(gateway completions, kill killControl, store pinger, logger *zap.Logger) *Server {
	return &Server{
		gateway: gateway,
		kill:    kill,
		store:   store,
		logger:  logger,
	}
}

// Register mounts all routes on the router.
func (s *Server) Register(r chi.Router) {
	r.Post("/v1/completions", s.createCompletion)
	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/admin/killswitch", func(r chi.Router) {
		r.Get("/", s.killStatus)
		r.Post("/", s.killEngage)
		r.Delete("/", s.killClear)
	})
}

type completionRequest struct {
	UserID      int64  `json:"user_id"`
	GuildID     int64  `json:"guild_id"`
	Tier        string `json:"tier"`
	Mode        string `json:"mode"`
	System      string `json:"system"`
	Prompt      string `json:"prompt"`
	MaxTokens   int    `json:"max_tokens"`
	CharacterID string `json:"character_id"`
	HasMemory   bool   `json:"has_memory"`
}

type completionResponse struct {
	Text             string `json:"text"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	Cached           bool   `json:"cached"`
	Unmetered        bool   `json:"unmetered,omitempty"`
}

func (s *Server) createCompletion(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return
	}

	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "Prompt is required")
		return
	}
	if req.UserID <= 0 {
		writeError(w, http.StatusBadRequest, "validation_failed", "A positive user_id is required")
		return
	}
	if req.Tier == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "Tier is required")
		return
	}

	res, err := s.gateway.Complete(r.Context(), domain.CompletionRequest{
		UserID:          req.UserID,
		GuildID:         req.GuildID,
		Tier:            req.Tier,
		Mode:            domain.ParseMode(req.Mode),
		System:          req.System,
		Prompt:          req.Prompt,
		RequestedTokens: req.MaxTokens,
		CharacterID:     req.CharacterID,
		HasMemory:       req.HasMemory,
	})
	if err != nil {
		s.handleDomainError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, completionResponse{
		Text:             res.Text,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		TotalTokens:      res.TotalTokens,
		Cached:           res.Cached,
		Unmetered:        res.Unmetered,
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if err := s.store.Ping(r.Context()); err != nil {
		// The gateway still serves (degraded) without the store; report
		// it without failing the probe.
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

type killRequest struct {
	Reason string `json:"reason"`
	TTLSec int    `json:"ttl_s"`
}

type killStatusResponse struct {
	Disabled   bool   `json:"disabled"`
	Reason     string `json:"reason,omitempty"`
	DisabledAt int64  `json:"disabled_at,omitempty"`
	TTLSec     int    `json:"ttl_s,omitempty"`
}

func (s *Server) killStatus(w http.ResponseWriter, r *http.Request) {
	meta, disabled := s.kill.Status(r.Context())
	resp := killStatusResponse{Disabled: disabled}
	if disabled {
		resp.Reason = meta.Reason
		resp.DisabledAt = meta.DisabledAt
		resp.TTLSec = meta.TTLSec
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) killEngage(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "Invalid request body: "+err.Error())
		return
	}

	ttl := time.Duration(req.TTLSec) * time.Second
	if err := s.kill.Disable(r.Context(), req.Reason, ttl); err != nil {
		s.logger.Error("Failed to engage kill switch", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Could not persist kill switch")
		return
	}

	s.logger.Warn("Kill switch engaged",
		zap.String("reason", req.Reason), zap.Int("ttl_s", req.TTLSec))
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func (s *Server) killClear(w http.ResponseWriter, r *http.Request) {
	if err := s.kill.Enable(r.Context()); err != nil {
		s.logger.Error("Failed to clear kill switch", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Could not clear kill switch")
		return
	}

	s.logger.Info("Kill switch cleared")
	writeJSON(w, http.StatusOK, map[string]string{"status": "enabled"})
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// setRetryAfter advertises when the client may try again, rounded up to
// whole seconds as the header requires.
func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	if d <= 0 {
		return
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
}

func (s *Server) handleDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	// The request middleware stashes a logger with the request fields
	// already bound; rejections log through it for correlation.
	logger.FromContext(ctx).Warn("Completion rejected", zap.Error(err))

	var exhausted *domain.ExhaustedError
	var open *domain.BreakerOpenError

	switch {
	case errors.Is(err, domain.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, "disabled", "AI features are temporarily disabled")
	case errors.As(err, &exhausted):
		setRetryAfter(w, exhausted.RetryAfter)
		writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many concurrent requests, try again shortly")
	case errors.Is(err, domain.ErrResourceExhausted):
		writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many concurrent requests, try again shortly")
	case errors.Is(err, domain.ErrBudgetExceeded):
		writeError(w, http.StatusTooManyRequests, "budget_exceeded", "Usage budget exceeded for this window")
	case errors.As(err, &open):
		setRetryAfter(w, open.RetryAfter)
		writeError(w, http.StatusServiceUnavailable, "provider_unavailable", "AI provider is temporarily unavailable")
	case errors.Is(err, domain.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, "provider_unavailable", "AI provider is temporarily unavailable")
	case errors.Is(err, domain.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, "provider_timeout", "AI provider did not answer in time")
	case errors.Is(err, domain.ErrProvider):
		writeError(w, http.StatusBadGateway, "provider_error", "AI provider call failed")
	case errors.Is(err, domain.ErrUnknownTier):
		writeError(w, http.StatusBadRequest, "unknown_tier", "Unknown account tier")
	default:
		s.logger.Error("Unhandled completion error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "Internal error")
	}
}
