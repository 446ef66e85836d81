// Package api exposes the ingestion service over HTTP: upload submission,
// batch processing and reporting, the conflict review surface, mapping
// templates, and metrics.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"procurecore/internal/conflict"
	"procurecore/internal/ingest"
	"procurecore/pkg/domain"
)

// Handler serves the ingestion HTTP API.
type Handler struct {
	service *ingest.Service
	metrics http.Handler
	logger  *slog.Logger
	router  *mux.Router
}

// Option customizes handler construction.
type Option func(*Handler)

// WithMetricsHandler mounts a scrape endpoint at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Handler) { s.metrics = h }
}

// WithLogger installs a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Handler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewHandler constructs the HTTP handler over the ingestion service.
func NewHandler(service *ingest.Service, opts ...Option) *Handler {
	h := &Handler{
		service: service,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/uploads", h.handleSubmitUpload).Methods(http.MethodPost)
	v1.HandleFunc("/batches", h.handleListBatches).Methods(http.MethodGet)
	v1.HandleFunc("/batches/{id}", h.handleGetBatch).Methods(http.MethodGet)
	v1.HandleFunc("/batches/{id}/process", h.handleProcessBatch).Methods(http.MethodPost)
	v1.HandleFunc("/batches/{id}/retry", h.handleRetryBatch).Methods(http.MethodPost)
	v1.HandleFunc("/batches/{id}/records", h.handleListRecords).Methods(http.MethodGet)
	v1.HandleFunc("/batches/{id}/report", h.handleBatchReport).Methods(http.MethodGet)
	v1.HandleFunc("/batches/{id}/export", h.handleExportRecords).Methods(http.MethodGet)
	v1.HandleFunc("/batches/{id}/template", h.handleSaveTemplateFromBatch).Methods(http.MethodPost)
	v1.HandleFunc("/conflicts", h.handleListConflicts).Methods(http.MethodGet)
	v1.HandleFunc("/conflicts/{recordID}", h.handleGetConflict).Methods(http.MethodGet)
	v1.HandleFunc("/conflicts/{recordID}/resolution", h.handleResolveConflict).Methods(http.MethodPost)
	v1.HandleFunc("/templates", h.handleSaveTemplate).Methods(http.MethodPut)
	v1.HandleFunc("/templates/{organization}/{name}", h.handleGetTemplate).Methods(http.MethodGet)

	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleSubmitUpload(w http.ResponseWriter, r *http.Request) {
	var up ingest.Upload
	if err := json.NewDecoder(r.Body).Decode(&up); err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload payload")
		return
	}
	batch, err := h.service.SubmitUpload(r.Context(), up)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"batch": batch})
}

func (h *Handler) handleListBatches(w http.ResponseWriter, r *http.Request) {
	organization := strings.TrimSpace(r.URL.Query().Get("organization"))
	if organization == "" {
		writeError(w, http.StatusBadRequest, "organization query parameter is required")
		return
	}
	batches, err := h.service.Batches(r.Context(), organization)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (h *Handler) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.service.Batch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch": batch})
}

func (h *Handler) handleProcessBatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.service.Process(r.Context(), id); err != nil {
		h.writePipelineError(w, err)
		return
	}
	report, err := h.service.Report(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

func (h *Handler) handleRetryBatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.service.Retry(r.Context(), id); err != nil {
		h.writePipelineError(w, err)
		return
	}
	report, err := h.service.Report(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

func (h *Handler) handleListRecords(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.Records(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (h *Handler) handleBatchReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Report(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

func (h *Handler) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	organization := strings.TrimSpace(r.URL.Query().Get("organization"))
	if organization == "" {
		writeError(w, http.StatusBadRequest, "organization query parameter is required")
		return
	}
	conflicts, err := h.service.Conflicts().Open(r.Context(), organization)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (h *Handler) handleGetConflict(w http.ResponseWriter, r *http.Request) {
	entry, err := h.service.Conflicts().Get(r.Context(), mux.Vars(r)["recordID"])
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflict": entry})
}

type resolutionRequest struct {
	Reference  domain.EntryType `json:"reference"`
	EntryID    string           `json:"entry_id,omitempty"`
	CreateNew  bool             `json:"create_new,omitempty"`
	NewName    string           `json:"new_name,omitempty"`
	ResolvedBy string           `json:"resolved_by"`
}

func (h *Handler) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	recordID := mux.Vars(r)["recordID"]
	var req resolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid resolution payload")
		return
	}
	entry, err := h.service.Conflicts().Resolve(r.Context(), recordID, conflict.Choice{
		Reference: req.Reference,
		EntryID:   req.EntryID,
		CreateNew: req.CreateNew,
		NewName:   req.NewName,
	}, req.ResolvedBy)
	if err != nil {
		var decisionConflict domain.DecisionConflictError
		switch {
		case domain.IsNotFound(err):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.As(err, &decisionConflict):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflict": entry})
}

func (h *Handler) handleSaveTemplate(w http.ResponseWriter, r *http.Request) {
	var template domain.MappingTemplate
	if err := json.NewDecoder(r.Body).Decode(&template); err != nil {
		writeError(w, http.StatusBadRequest, "invalid template payload")
		return
	}
	if err := h.service.SaveTemplate(r.Context(), template); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"template": template})
}

func (h *Handler) handleSaveTemplateFromBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid template payload")
		return
	}
	template, err := h.service.SaveTemplateFromBatch(r.Context(), mux.Vars(r)["id"], req.Name)
	if err != nil {
		if domain.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"template": template})
}

func (h *Handler) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	template, err := h.service.Template(r.Context(), vars["organization"], vars["name"])
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"template": template})
}

// writePipelineError maps processing errors: batch failures report the stage
// with 502 so callers can distinguish infrastructure trouble from bad input.
func (h *Handler) writePipelineError(w http.ResponseWriter, err error) {
	var failure domain.BatchFailure
	switch {
	case domain.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &failure):
		h.logger.Error("batch processing failed", "batch_id", failure.BatchID, "stage", failure.Stage, "error", failure.Err)
		writeError(w, http.StatusBadGateway, failure.Error())
	default:
		writeError(w, http.StatusConflict, err.Error())
	}
}

func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	if domain.IsNotFound(err) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.logger.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
