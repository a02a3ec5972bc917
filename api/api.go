// Package api exposes item lookups and scrape triggers over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/aluiziolira/go-price-scout/models"
	"github.com/aluiziolira/go-price-scout/pipeline"
	"github.com/aluiziolira/go-price-scout/service"
)

// Items is the orchestrator surface the handlers call.
type Items interface {
	GetItem(ctx context.Context, name string) (*models.AggregateResponse, error)
	Rescrape(ctx context.Context, name string, priority models.Priority) (*pipeline.Handle, error)
}

// Status reads the bulk scrape status.
type Status interface {
	SchedulerJobStatus(ctx context.Context) (*models.SchedulerJobStatus, error)
}

// Stores lists the active store directory.
type Stores interface {
	ActiveStores(ctx context.Context) ([]models.Store, error)
}

// Pinger is a dependency checked by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler routes the HTTP API.
type Handler struct {
	items  Items
	status Status
	stores Stores
	checks map[string]Pinger
	mux    *http.ServeMux
}

// NewHandler wires the routes. checks are probed by /healthz under their keys.
func NewHandler(items Items, status Status, stores Stores, checks map[string]Pinger) *Handler {
	h := &Handler{
		items:  items,
		status: status,
		stores: stores,
		checks: checks,
		mux:    http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /items/{name}", h.getItem)
	h.mux.HandleFunc("POST /items/{name}/rescrape", h.rescrape)
	h.mux.HandleFunc("GET /stores", h.listStores)
	h.mux.HandleFunc("GET /scheduler/status", h.schedulerStatus)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", requestID)

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	h.mux.ServeHTTP(rec, r)

	slog.Info("http request",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", rec.status),
		slog.Duration("duration", time.Since(start)),
		slog.String("request_id", requestID),
	)
}

func (h *Handler) getItem(w http.ResponseWriter, r *http.Request) {
	resp, err := h.items.GetItem(r.Context(), r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type rescrapeResponse struct {
	JobID string `json:"jobId"`
}

func (h *Handler) rescrape(w http.ResponseWriter, r *http.Request) {
	priority := models.PriorityHigh
	if r.URL.Query().Get("priority") == "low" {
		priority = models.PriorityLow
	}
	handle, err := h.items.Rescrape(r.Context(), r.PathValue("name"), priority)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rescrapeResponse{JobID: handle.JobID})
}

func (h *Handler) listStores(w http.ResponseWriter, r *http.Request) {
	active, err := h.stores.ActiveStores(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if active == nil {
		active = []models.Store{}
	}
	writeJSON(w, http.StatusOK, active)
}

func (h *Handler) schedulerStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.status.SchedulerJobStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if status == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no bulk scrape has run yet"})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	out := make(map[string]string, len(h.checks))
	code := http.StatusOK
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			out[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		out[name] = "ok"
	}
	writeJSON(w, code, out)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusServiceUnavailable
	switch {
	case errors.Is(err, service.ErrEmptyItem):
		code = http.StatusBadRequest
	case errors.Is(err, service.ErrAlreadyScraping):
		code = http.StatusConflict
	case errors.Is(err, context.Canceled):
		// client went away
		code = 499
	}
	if code >= 500 {
		slog.Error("request failed", slog.Any("error", err))
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", slog.Any("error", err))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
