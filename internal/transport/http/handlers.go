package httptransport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"lethe/internal/domain"
	"lethe/internal/request"
	"lethe/pkg/platform/sentinel"
)

// Handler is the thin HTTP layer over the request service. It translates
// transport concerns and delegates everything else.
type Handler struct {
	requests *request.Service
	logger   *slog.Logger
}

// NewHandler wires the handler.
func NewHandler(requests *request.Service, logger *slog.Logger) *Handler {
	return &Handler{requests: requests, logger: logger.With("component", "http")}
}

type createRequestBody struct {
	SubjectHash string `json:"subject_hash"`
}

type requestView struct {
	ID                   string            `json:"id"`
	SubjectHash          string            `json:"subject_hash"`
	Status               domain.Status     `json:"status"`
	RequestedAt          time.Time         `json:"requested_at"`
	ApprovedAt           *time.Time        `json:"approved_at,omitempty"`
	StartedAt            *time.Time        `json:"started_at,omitempty"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`
	RetryCount           int               `json:"retry_count"`
	LastError            string            `json:"last_error,omitempty"`
	StepTimingsMS        map[string]int64  `json:"step_timings_ms,omitempty"`
	PartitionsAffected   int               `json:"partitions_affected"`
	WarehouseRowsDeleted int64             `json:"warehouse_rows_deleted"`
	SLABreached          bool              `json:"sla_breached"`
}

type auditEventView struct {
	ID          string        `json:"id"`
	PriorStatus domain.Status `json:"prior_status,omitempty"`
	NewStatus   domain.Status `json:"new_status"`
	Actor       domain.Actor  `json:"actor"`
	Detail      string        `json:"detail,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req, err := h.requests.Create(r.Context(), body.SubjectHash)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"request_id": req.ID.String()})
}

func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	if err := h.requests.Approve(r.Context(), id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(domain.StatusApproved)})
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	req, err := h.requests.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestView(req))
}

func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	events, err := h.requests.AuditTrail(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	views := make([]auditEventView, 0, len(events))
	for _, event := range events {
		views = append(views, auditEventView{
			ID:          event.ID.String(),
			PriorStatus: event.PriorStatus,
			NewStatus:   event.NewStatus,
			Actor:       event.Actor,
			Detail:      event.Detail,
			Timestamp:   event.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": views})
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, sentinel.ErrNotFound):
		writeError(w, http.StatusNotFound, "request not found")
	case errors.Is(err, sentinel.ErrInvalidState):
		writeError(w, http.StatusConflict, "request is not in an approvable state")
	default:
		h.logger.Error("request handling failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func toRequestView(req *domain.ErasureRequest) requestView {
	view := requestView{
		ID:                   req.ID.String(),
		SubjectHash:          req.SubjectHash,
		Status:               req.Status,
		RequestedAt:          req.RequestedAt,
		ApprovedAt:           optionalTime(req.ApprovedAt),
		StartedAt:            optionalTime(req.StartedAt),
		CompletedAt:          optionalTime(req.CompletedAt),
		RetryCount:           req.RetryCount,
		LastError:            req.LastError,
		PartitionsAffected:   req.PartitionsAffected,
		WarehouseRowsDeleted: req.WarehouseRowsDeleted,
		SLABreached:          req.SLABreached,
	}
	if len(req.StepTimings) > 0 {
		view.StepTimingsMS = make(map[string]int64, len(req.StepTimings))
		for step, d := range req.StepTimings {
			view.StepTimingsMS[string(step)] = d.Milliseconds()
		}
	}
	return view
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
