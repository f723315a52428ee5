package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"

	"github.com/odyssey-erp/rental-ledger/internal/ledger"
	"github.com/odyssey-erp/rental-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/rental-ledger/internal/shared"
)

var problemRules = append([]httpx.Rule{
	{Target: ErrUnknownClass, Status: http.StatusBadRequest, Title: "Unknown Document Class"},
	{Target: ErrRunInProgress, Status: http.StatusConflict, Title: "Backfill In Progress"},
	{Target: ErrPolicyNotFound, Status: http.StatusUnprocessableEntity, Title: "Recognition Policy Missing"},
	{Target: ErrInvalidPolicy, Status: http.StatusUnprocessableEntity, Title: "Recognition Policy Invalid"},
}, ledger.ProblemRules...)

// Enqueuer hands a run to the background worker.
type Enqueuer interface {
	EnqueueBackfill(ctx context.Context, tenantID uuid.UUID, class Class, resume bool) (string, error)
}

// Handler exposes backfill endpoints.
type Handler struct {
	logger   *slog.Logger
	engine   *Engine
	enqueuer Enqueuer
}

// NewHandler builds Handler instance. enqueuer may be nil, in which case
// async requests are rejected.
func NewHandler(logger *slog.Logger, engine *Engine, enqueuer Enqueuer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, engine: engine, enqueuer: enqueuer}
}

// MountRoutes registers backfill routes. Triggers are limited per tenant
// on top of the global limiter.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(triggerLimit, time.Minute, httprate.WithKeyFuncs(tenantKey)))
		r.Post("/backfill", h.runAll)
		r.Post("/backfill/{class}", h.run)
	})
}

const triggerLimit = 30

func tenantKey(r *http.Request) (string, error) {
	if caller, ok := shared.CallerFromContext(r.Context()); ok {
		return caller.TenantID.String(), nil
	}
	return httprate.KeyByIP(r)
}

type runRequest struct {
	Resume bool   `json:"resume"`
	From   string `json:"from_date" validate:"omitempty,datetime=2006-01-02"`
	To     string `json:"to_date" validate:"omitempty,datetime=2006-01-02"`
	Async  bool   `json:"async"`
}

func (req runRequest) window() (*time.Time, *time.Time, error) {
	parse := func(field, raw string) (*time.Time, error) {
		if raw == "" {
			return nil, nil
		}
		t, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be YYYY-MM-DD", httpx.ErrValidation, field)
		}
		return &t, nil
	}
	from, err := parse("from_date", req.From)
	if err != nil {
		return nil, nil, err
	}
	to, err := parse("to_date", req.To)
	if err != nil {
		return nil, nil, err
	}
	return from, to, nil
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (runRequest, *time.Time, *time.Time, bool) {
	var req runRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeValid(r, &req); err != nil {
			httpx.RespondError(w, err)
			return req, nil, nil, false
		}
	}
	from, to, err := req.window()
	if err != nil {
		httpx.RespondError(w, err)
		return req, nil, nil, false
	}
	return req, from, to, true
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request) {
	class, err := ParseClass(chi.URLParam(r, "class"))
	if err != nil {
		httpx.RespondError(w, err, problemRules...)
		return
	}
	req, from, to, ok := h.decode(w, r)
	if !ok {
		return
	}
	caller, _ := shared.CallerFromContext(r.Context())
	if req.Async {
		h.enqueue(w, r, caller, class, req.Resume)
		return
	}
	result, err := h.engine.Run(r.Context(), caller, Request{Class: class, Resume: req.Resume, From: from, To: to})
	if err != nil {
		h.fail(w, "run backfill", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) runAll(w http.ResponseWriter, r *http.Request) {
	req, from, to, ok := h.decode(w, r)
	if !ok {
		return
	}
	caller, _ := shared.CallerFromContext(r.Context())
	results := make([]Result, 0, len(Classes))
	for _, class := range Classes {
		result, err := h.engine.Run(r.Context(), caller, Request{Class: class, Resume: req.Resume, From: from, To: to})
		if err != nil {
			h.fail(w, "run backfill", err)
			return
		}
		results = append(results, result)
		if result.Cancelled {
			break
		}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"results": results, "totals": Aggregate(results...)})
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, caller shared.Caller, class Class, resume bool) {
	if h.enqueuer == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Worker Unavailable", "background backfill is not configured")
		return
	}
	if !caller.Valid() {
		httpx.RespondError(w, shared.ErrMissingCaller, problemRules...)
		return
	}
	id, err := h.enqueuer.EnqueueBackfill(r.Context(), caller.TenantID, class, resume)
	if err != nil {
		h.fail(w, "enqueue backfill", err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"task_id": id, "class": string(class)})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, err, problemRules...)
}
