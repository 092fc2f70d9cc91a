package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/engine"
	"github.com/opensource-finance/heron/internal/report"
	"github.com/opensource-finance/heron/internal/waiver"
)

// maxBodyBytes bounds request bodies. A large bureau file is well under it.
const maxBodyBytes = 10 << 20

// Deps holds the collaborators the handlers use. Repository, Cache and Bus
// may be nil; the endpoints that need them answer 503.
type Deps struct {
	Repository domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Engine     *engine.Engine
	Processor  *report.Processor
	Waivers    *waiver.Engine
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	engine    *engine.Engine
	processor *report.Processor
	waivers   *waiver.Engine
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, version string) *Handler {
	return &Handler{
		repo:      deps.Repository,
		cache:     deps.Cache,
		bus:       deps.Bus,
		engine:    deps.Engine,
		processor: deps.Processor,
		waivers:   deps.Waivers,
		version:   version,
	}
}

// AcceptedResponse is returned by POST /analyze?async=true.
type AcceptedResponse struct {
	ReportID string `json:"reportId"`
	Status   string `json:"status"`
	TraceID  string `json:"traceId,omitempty"`
}

// Analyze handles POST /analyze. By default the report is built inline;
// with ?async=true the request is queued for a worker.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var body domain.AnalyzeRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}

	req, err := report.RequestFromAnalyze(tenantID, traceID, &body)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.ConsumerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "consumerId is required",
		})
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		h.enqueue(w, r, &body)
		return
	}

	rep, err := h.processor.Process(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// enqueue publishes the request for the worker and answers 202.
func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, body *domain.AnalyzeRequest) {
	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "asynchronous analysis is not configured",
		})
		return
	}
	if body.ReportID == "" {
		body.ReportID = uuid.New().String()
	}

	payload, err := json.Marshal(body)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	if err := h.bus.Publish(ctx, tenantID, domain.TopicAnalysisRequested, payload); err != nil {
		slog.Error("failed to queue analysis",
			"component", "api",
			"tenant_id", tenantID,
			"report_id", body.ReportID,
			"error", err,
		)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "failed to queue analysis",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, AcceptedResponse{
		ReportID: body.ReportID,
		Status:   "accepted",
		TraceID:  GetTraceID(ctx),
	})
}

// GetReport handles GET /reports/{id}.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	rep, err := h.repo.GetReport(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// ListConsumerReports handles GET /consumers/{consumerID}/reports.
func (h *Handler) ListConsumerReports(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	consumerID := chi.URLParam(r, "consumerID")
	reports, err := h.repo.ListReports(r.Context(), GetTenantID(r.Context()), consumerID, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	summaries := make([]domain.ReportSummary, len(reports))
	for i, rep := range reports {
		summaries[i] = rep.ToSummary()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"consumerId": consumerID,
		"reports":    summaries,
		"count":      len(summaries),
	})
}

// ListRules handles GET /rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	reg := h.engine.Registry()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": reg.Version(),
		"rules":   reg.Definitions(),
		"count":   reg.Len(),
	})
}

// GetRule handles GET /rules/{id}.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "rule id must be a number",
		})
		return
	}

	rule, ok := h.engine.Registry().Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, rule.RuleDefinition)
}

// CreateWaiverRequest is the request body for POST /waivers.
type CreateWaiverRequest struct {
	ID         string     `json:"id,omitempty"`
	Name       string     `json:"name"`
	Expression string     `json:"expression"`
	Reason     string     `json:"reason,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// CreateWaiver handles POST /waivers. Posting an existing id replaces it.
func (h *Handler) CreateWaiver(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req CreateWaiverRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	wv := &domain.Waiver{
		ID:         req.ID,
		TenantID:   tenantID,
		Name:       req.Name,
		Expression: req.Expression,
		Reason:     req.Reason,
		ExpiresAt:  req.ExpiresAt,
		CreatedAt:  time.Now().UTC(),
	}
	if wv.ID == "" {
		wv.ID = uuid.New().String()
	}

	if err := h.waivers.Validate(wv); err != nil {
		writeError(w, err)
		return
	}
	if err := h.repo.SaveWaiver(ctx, tenantID, wv); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("waiver saved",
		"component", "api",
		"tenant_id", tenantID,
		"waiver_id", wv.ID,
		"expression", wv.Expression,
	)
	writeJSON(w, http.StatusCreated, wv)
}

// ListWaivers handles GET /waivers.
func (h *Handler) ListWaivers(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	waivers, err := h.repo.ListWaivers(r.Context(), GetTenantID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if waivers == nil {
		waivers = []*domain.Waiver{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"waivers": waivers,
		"count":   len(waivers),
	})
}

// DeleteWaiver handles DELETE /waivers/{id}.
func (h *Handler) DeleteWaiver(w http.ResponseWriter, r *http.Request) {
	if !h.requireRepo(w) {
		return
	}
	if err := h.repo.DeleteWaiver(r.Context(), GetTenantID(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
		"catalog": h.engine.Registry().Version(),
	})
}

// Ready handles GET /ready.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func (h *Handler) requireRepo(w http.ResponseWriter) bool {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "report storage is not configured",
		})
		return false
	}
	return true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON request body", domain.ErrInvalidInput)
	}
	return nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidWaiver):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "component", "api", "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
