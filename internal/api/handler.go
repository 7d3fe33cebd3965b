// Package api exposes the governor's operational HTTP surface
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/trogers1052/venom-governor/internal/decay"
	"github.com/trogers1052/venom-governor/internal/gate"
	"github.com/trogers1052/venom-governor/internal/ledger"
	"github.com/trogers1052/venom-governor/internal/metrics"
	"github.com/trogers1052/venom-governor/internal/throttle"
)

const (
	defaultRecent = 50
	maxRecent     = 1000
)

// Handler serves status, ledger queries and operator actions.
// Either governor may be nil when disabled.
type Handler struct {
	ledger   *ledger.Ledger
	decay    *decay.Governor
	throttle *throttle.Controller
	gate     *gate.Gate
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewHandler creates a new API handler
func NewHandler(l *ledger.Ledger, d *decay.Governor, t *throttle.Controller, g *gate.Gate, logger zerolog.Logger) *Handler {
	return &Handler{
		ledger:   l,
		decay:    d,
		throttle: t,
		gate:     g,
		validate: validator.New(),
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// Routes builds the router
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/status", h.Status)
	r.Get("/decay/status", h.DecayStatus)
	r.Get("/throttle/status", h.ThrottleStatus)
	r.Post("/throttle/override", h.Override)

	r.Post("/signals", h.SubmitSignal)
	r.Post("/signals/{id}/outcome", h.RecordOutcome)

	r.Get("/ledger/recent", h.Recent)
	r.Get("/ledger/active", h.Active)
	r.Get("/ledger/signals/{id}", h.SignalHistory)

	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

type statusResponse struct {
	Gate     gate.Snapshot    `json:"gate"`
	Decay    *decay.State     `json:"decay,omitempty"`
	Throttle *throttle.Report `json:"throttle,omitempty"`
	Active   int              `json:"active_signals"`
}

// Status reports both governors and the effective gate
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Gate:   h.gate.Snapshot(),
		Active: len(h.ledger.Active()),
	}
	if h.decay != nil {
		state := h.decay.Status()
		resp.Decay = &state
	}
	if h.throttle != nil {
		report := h.throttle.Status()
		resp.Throttle = &report
	}
	writeJSON(w, http.StatusOK, resp)
}

// DecayStatus returns the decay governor state
func (h *Handler) DecayStatus(w http.ResponseWriter, r *http.Request) {
	if h.decay == nil {
		writeError(w, http.StatusNotFound, "decay governor disabled")
		return
	}
	writeJSON(w, http.StatusOK, h.decay.Status())
}

// ThrottleStatus returns the throttle controller report
func (h *Handler) ThrottleStatus(w http.ResponseWriter, r *http.Request) {
	if h.throttle == nil {
		writeError(w, http.StatusNotFound, "throttle controller disabled")
		return
	}
	writeJSON(w, http.StatusOK, h.throttle.Status())
}

// OverrideRequest forces the throttle controller into a state
type OverrideRequest struct {
	State           string  `json:"state" validate:"required"`
	DurationMinutes float64 `json:"duration_minutes" validate:"gte=0"`
}

// Override applies an operator override
func (h *Handler) Override(w http.ResponseWriter, r *http.Request) {
	if h.throttle == nil {
		writeError(w, http.StatusNotFound, "throttle controller disabled")
		return
	}
	var req OverrideRequest
	if !h.decode(w, r, &req) {
		return
	}

	duration := time.Duration(req.DurationMinutes * float64(time.Minute))
	if err := h.throttle.Override(req.State, duration); err != nil {
		if errors.Is(err, throttle.ErrUnknownState) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error().Err(err).Str("state", req.State).Msg("override failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.throttle.Status())
}

// SignalRequest is a candidate from the signal engine
type SignalRequest struct {
	Symbol         string   `json:"symbol" validate:"required"`
	Direction      string   `json:"direction" validate:"required"`
	Confidence     float64  `json:"confidence" validate:"gte=0,lte=100"`
	EntryPrice     float64  `json:"entry_price" validate:"gt=0"`
	StopLoss       float64  `json:"stop_loss" validate:"gt=0"`
	TakeProfit     float64  `json:"take_profit" validate:"gt=0"`
	Source         string   `json:"source"`
	TCSScore       *float64 `json:"tcs_score"`
	CitadelScore   *float64 `json:"citadel_score"`
	MLFilterPassed *bool    `json:"ml_filter_passed"`
	UserCount      int      `json:"user_count" validate:"gte=0"`
}

// SignalDecision reports what the gate did with a candidate
type SignalDecision struct {
	SignalID  string      `json:"signal_id"`
	Fired     bool        `json:"fired"`
	Threshold float64     `json:"threshold"`
	Source    gate.Source `json:"source"`
	Reason    string      `json:"reason,omitempty"`
}

// SubmitSignal records a candidate, runs it through the gate and marks it
// fired or filtered
func (h *Handler) SubmitSignal(w http.ResponseWriter, r *http.Request) {
	var req SignalRequest
	if !h.decode(w, r, &req) {
		return
	}

	threshold, source := h.gate.Threshold()
	fired := h.gate.ShouldFire(req.Confidence, req.CitadelScore)
	decision := SignalDecision{Fired: fired, Threshold: threshold, Source: source}

	sig := ledger.Signal{
		Symbol:         req.Symbol,
		Direction:      req.Direction,
		Confidence:     req.Confidence,
		EntryPrice:     req.EntryPrice,
		StopLoss:       req.StopLoss,
		TakeProfit:     req.TakeProfit,
		Source:         req.Source,
		TCSScore:       req.TCSScore,
		CitadelScore:   req.CitadelScore,
		MLFilterPassed: req.MLFilterPassed,
	}
	if fired {
		sig.FireReason = fmt.Sprintf("confidence %.1f >= %.1f (%s)", req.Confidence, threshold, source)
	}

	id, err := h.ledger.Generate(sig)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownDirection) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	decision.SignalID = id

	if fired {
		err = h.ledger.MarkFired(id, req.UserCount)
	} else {
		decision.Reason = h.filterReason(req.Confidence, threshold, source)
		err = h.ledger.MarkFiltered(id, decision.Reason)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, decision)
}

func (h *Handler) filterReason(confidence, threshold float64, source gate.Source) string {
	if h.throttle != nil && h.throttle.Locked() {
		return "throttle lockdown"
	}
	if confidence < threshold {
		return fmt.Sprintf("confidence %.1f below %.1f (%s)", confidence, threshold, source)
	}
	return "secondary score below threshold"
}

// OutcomeRequest closes a signal with its result
type OutcomeRequest struct {
	Result         string  `json:"result" validate:"required"`
	Pips           float64 `json:"pips"`
	RuntimeSeconds float64 `json:"runtime_seconds" validate:"gte=0"`
}

// RecordOutcome marks a signal completed
func (h *Handler) RecordOutcome(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req OutcomeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.ledger.IsActive(id) {
		writeError(w, http.StatusNotFound, "signal not active")
		return
	}
	if err := h.ledger.MarkCompleted(id, req.Result, req.Pips, req.RuntimeSeconds); err != nil {
		if errors.Is(err, ledger.ErrInvalidResult) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"signal_id": id, "status": "completed"})
}

// Recent returns the last n ledger entries
func (h *Handler) Recent(w http.ResponseWriter, r *http.Request) {
	n := defaultRecent
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = min(parsed, maxRecent)
	}
	entries, err := h.ledger.Recent(n)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Active returns the open signals
func (h *Handler) Active(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ledger.Active())
}

// SignalHistory returns every ledger entry for one signal
func (h *Handler) SignalHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entries, err := h.ledger.HistoryOf(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, "signal not found")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
