package http

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"fleet-monitor/telemetry/internal/domain"
	"fleet-monitor/telemetry/internal/pipeline"
)

const (
	maxBodyBytes      = 1 << 20
	maxBatchSize      = 500
	defaultAlertLimit = 50
	maxAlertLimit     = 500
	readyTimeout      = 2 * time.Second
)

type Ingester interface {
	Ingest(ctx context.Context, sub pipeline.Submission) (*pipeline.Result, error)
	IngestBatch(ctx context.Context, subs []pipeline.Submission) []pipeline.Result
}

type Aggregates interface {
	Aggregate(ctx context.Context, fleetID int64) (*domain.FleetAggregate, error)
}

type Queries interface {
	FleetExists(ctx context.Context, fleetID int64) (bool, error)
	ReadingByID(ctx context.Context, id int64) (*domain.Reading, error)
	ActivityCounts(ctx context.Context) (domain.ActivityCounts, error)
	ListAlerts(ctx context.Context, vin int64, limit int) ([]domain.Alert, error)
	AlertSummary(ctx context.Context) (map[int64]int64, error)
	AlertTypes(ctx context.Context) ([]domain.AlertType, error)
}

type FleetFeed interface {
	SubscribeFleet(ctx context.Context, fleetID int64) (*redis.PubSub, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Ingester   Ingester
	Aggregates Aggregates
	Queries    Queries
	Feed       FleetFeed
	// Checks are run by /readyz, keyed by dependency name.
	Checks map[string]Pinger
	Logger *zap.Logger
}

type Handler struct {
	Deps
	upgrader websocket.Upgrader
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		Deps: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(NewRequestLogger(h.Logger).Wrap)

	r.HandleFunc("/telemetry", h.postTelemetry).Methods(http.MethodPost)
	r.HandleFunc("/telemetry/batch", h.postTelemetryBatch).Methods(http.MethodPost)
	r.HandleFunc("/telemetry/{id:[0-9]+}", h.getTelemetry).Methods(http.MethodGet)

	r.HandleFunc("/fleets/{fleetID:[0-9]+}/aggregates", h.getFleetAggregates).Methods(http.MethodGet)
	r.HandleFunc("/fleets/{fleetID:[0-9]+}/stream", h.streamFleet).Methods(http.MethodGet)

	r.HandleFunc("/vehicles/activity", h.getActivity).Methods(http.MethodGet)

	r.HandleFunc("/alerts", h.getAlerts).Methods(http.MethodGet)
	r.HandleFunc("/alerts/summary", h.getAlertSummary).Methods(http.MethodGet)
	r.HandleFunc("/alert-types", h.getAlertTypes).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.getReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}

// ─── Ingestion ──────────────────────────────────────────────

func (h *Handler) postTelemetry(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ReadingMessage
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	res, err := h.Ingester.Ingest(r.Context(), req.Submission())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Status == pipeline.StatusAccepted {
		status = http.StatusCreated
	}
	writeJSON(w, status, newIngestResponse(*res))
}

func (h *Handler) postTelemetryBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	switch {
	case len(req.Readings) == 0:
		h.writeError(w, r, domain.Errorf(domain.KindValidation, "readings must not be empty"))
		return
	case len(req.Readings) > maxBatchSize:
		h.writeError(w, r, domain.Errorf(domain.KindValidation, "at most %d readings per batch", maxBatchSize))
		return
	}

	subs := make([]pipeline.Submission, len(req.Readings))
	for i, rr := range req.Readings {
		subs[i] = rr.Submission()
	}

	results := h.Ingester.IngestBatch(r.Context(), subs)

	out := batchResponse{Results: make([]ingestResponse, len(results))}
	for i, res := range results {
		out.Results[i] = newIngestResponse(res)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getTelemetry(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	reading, err := h.Queries.ReadingByID(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReadingResponse(reading))
}

// ─── Fleet read models ──────────────────────────────────────

func (h *Handler) getFleetAggregates(w http.ResponseWriter, r *http.Request) {
	fleetID, err := pathInt(r, "fleetID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	agg, err := h.Aggregates.Aggregate(r.Context(), fleetID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, aggregateResponse{
		FleetID:          agg.FleetID,
		AverageFuel:      agg.AverageFuel,
		TotalDistance24h: agg.TotalDistance24h,
	})
}

func (h *Handler) getActivity(w http.ResponseWriter, r *http.Request) {
	counts, err := h.Queries.ActivityCounts(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, activityResponse{Active: counts.Active, Inactive: counts.Inactive})
}

// ─── Alerts ─────────────────────────────────────────────────

func (h *Handler) getAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var vin int64
	if v := q.Get("vin"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			h.writeError(w, r, domain.Errorf(domain.KindValidation, "vin must be a positive integer"))
			return
		}
		vin = n
	}

	limit := defaultAlertLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, r, domain.Errorf(domain.KindValidation, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxAlertLimit)
	}

	alerts, err := h.Queries.ListAlerts(r.Context(), vin, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAlertResponses(alerts))
}

func (h *Handler) getAlertSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Queries.AlertSummary(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) getAlertTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.Queries.AlertTypes(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]alertTypeResponse, len(types))
	for i, t := range types {
		out[i] = alertTypeResponse{ID: t.ID, Title: t.Title, Description: t.Description}
	}
	writeJSON(w, http.StatusOK, out)
}

// ─── Probes ─────────────────────────────────────────────────

func (h *Handler) getReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	failed := map[string]string{}
	for name, p := range h.Checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ─── Helpers ────────────────────────────────────────────────

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.Wrap(domain.KindValidation, err, "invalid request body")
	}
	return nil
}

func pathInt(r *http.Request, name string) (int64, error) {
	n, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil {
		return 0, domain.Errorf(domain.KindValidation, "%s must be an integer", name)
	}
	return n, nil
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)

	if retryAfter := domain.RetryAfterOf(err); retryAfter > 0 {
		secs := int(math.Ceil(retryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	if status == http.StatusInternalServerError {
		LoggerFrom(r.Context(), h.Logger).Error("request failed", zap.Error(err))
	}

	writeJSON(w, status, errorResponse{Error: errorBody{
		Kind:    string(kind),
		Message: domain.MessageOf(err),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
