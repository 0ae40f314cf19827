package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/trafficsim/internal/events"
	"github.com/shehryarbajwa/trafficsim/internal/orchestrator"
	"github.com/shehryarbajwa/trafficsim/internal/rotation"
	"github.com/shehryarbajwa/trafficsim/pkg/models"
)

// Runner is the orchestrator surface the handlers need.
type Runner interface {
	Start(spec models.RunSpec) (*models.RunSummary, error)
	RunStatus(runID string) (*models.RunSummary, error)
	Stats() orchestrator.Stats
}

// HistoryReader is the store surface the handlers need.
type HistoryReader interface {
	RecentSessions(limit int) ([]events.SessionRecord, error)
	Events(sessionID, eventType string, limit int) ([]events.EventRecord, error)
	Statistics() (events.Statistics, error)
}

// Handler holds the dependencies behind the HTTP routes.
type Handler struct {
	runner  Runner
	pool    *rotation.Manager
	history HistoryReader
	log     *zap.Logger
	started time.Time
}

// NewHandler wires the HTTP handler set.
func NewHandler(runner Runner, pool *rotation.Manager, history HistoryReader, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		runner:  runner,
		pool:    pool,
		history: history,
		log:     log,
		started: time.Now().UTC(),
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("response encode failed", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// Health handles GET /api/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(h.started).Seconds()),
	})
}

// Stats handles GET /api/stats: live counters plus persisted aggregates and
// the pool health buckets.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"orchestrator": h.runner.Stats(),
	}
	if h.history != nil {
		stored, err := h.history.Statistics()
		if err != nil {
			h.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp["stored"] = stored
	}
	if h.pool != nil {
		snap := h.pool.Snapshot()
		resp["pool"] = map[string]int{
			"healthy":     snap.Healthy,
			"flagged":     snap.Flagged,
			"blacklisted": snap.Blacklisted,
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// StartRun handles POST /api/sessions/run. The run executes in the
// background; the response carries the run id to poll.
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	var spec models.RunSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	summary, err := h.runner.Start(spec)
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidSpec) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.log.Info("run accepted",
		zap.String("run", summary.RunID),
		zap.Int("count", summary.Requested))
	h.writeJSON(w, http.StatusAccepted, summary)
}

// GetRun handles GET /api/runs/{id}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	summary, err := h.runner.RunStatus(runID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// ListSessions handles GET /api/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.writeError(w, http.StatusServiceUnavailable, "session history not enabled")
		return
	}
	sessions, err := h.history.RecentSessions(limitParam(r, 50))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, sessions)
}

// ListEvents handles GET /api/events with optional sessionId and type
// filters.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.writeError(w, http.StatusServiceUnavailable, "event history not enabled")
		return
	}
	q := r.URL.Query()
	recs, err := h.history.Events(q.Get("sessionId"), q.Get("type"), limitParam(r, 100))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, recs)
}

// IPStatus handles GET /api/ip/status.
func (h *Handler) IPStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.pool.Snapshot())
}

// ReenableIP handles POST /api/ip/reenable, the operator escape hatch for
// blacklisted egress points.
func (h *Handler) ReenableIP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		h.writeError(w, http.StatusBadRequest, "body must carry an address")
		return
	}
	if err := h.pool.Reenable(req.Address); err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.log.Info("egress point reenabled", zap.String("egress", req.Address))
	h.writeJSON(w, http.StatusOK, map[string]string{"address": req.Address, "state": "healthy"})
}

func limitParam(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return def
	}
	return n
}
