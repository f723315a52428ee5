package statement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/rental-ledger/internal/ledger"
	"github.com/odyssey-erp/rental-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/rental-ledger/internal/shared"
)

var problemRules = append([]httpx.Rule{
	{Target: ErrBalanceMismatch, Status: http.StatusUnprocessableEntity, Title: "Statement Balance Mismatch"},
	{Target: ErrInvalidWindow, Status: http.StatusBadRequest, Title: "Invalid Window"},
	{Target: ErrInvalidStatusTransition, Status: http.StatusConflict, Title: "Invalid Status Transition"},
	{Target: ErrNotFound, Status: http.StatusNotFound, Title: "Statement Not Found"},
}, ledger.ProblemRules...)

// Handler exposes statement endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers statement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/accounts/{id}/statement", h.preview)
	r.Post("/accounts/{id}/statements", h.generate)
	r.Get("/statements/{id}", h.get)
	r.Get("/statements/{id}/verify", h.verify)
	r.Post("/statements/{id}/sent", h.markSent)
	r.Post("/statements/{id}/viewed", h.markViewed)
}

type windowRequest struct {
	From string `json:"from_date" validate:"required,datetime=2006-01-02"`
	To   string `json:"to_date" validate:"required,datetime=2006-01-02"`
}

func (req windowRequest) parse() (time.Time, time.Time, error) {
	from, err := time.Parse(time.DateOnly, req.From)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: from_date must be YYYY-MM-DD", httpx.ErrValidation)
	}
	to, err := time.Parse(time.DateOnly, req.To)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: to_date must be YYYY-MM-DD", httpx.ErrValidation)
	}
	return from, to, nil
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req := windowRequest{From: r.URL.Query().Get("from"), To: r.URL.Query().Get("to")}
	if err := httpx.Validate(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	from, to, err := req.parse()
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	caller, _ := shared.CallerFromContext(r.Context())
	st, err := h.service.Preview(r.Context(), caller, id, from, to)
	if err != nil {
		h.fail(w, "preview statement", err)
		return
	}
	httpx.JSON(w, http.StatusOK, st)
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req windowRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	from, to, err := req.parse()
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	caller, _ := shared.CallerFromContext(r.Context())
	st, err := h.service.Generate(r.Context(), caller, id, from, to)
	if err != nil {
		h.fail(w, "generate statement", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, st)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	caller, _ := shared.CallerFromContext(r.Context())
	st, err := h.service.Get(r.Context(), caller, id)
	if err != nil {
		h.fail(w, "get statement", err)
		return
	}
	httpx.JSON(w, http.StatusOK, st)
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	caller, _ := shared.CallerFromContext(r.Context())
	v, err := h.service.Verify(r.Context(), caller, id)
	if err != nil {
		h.fail(w, "verify statement", err)
		return
	}
	httpx.JSON(w, http.StatusOK, v)
}

func (h *Handler) markSent(w http.ResponseWriter, r *http.Request) {
	h.advance(w, r, h.service.MarkSent)
}

func (h *Handler) markViewed(w http.ResponseWriter, r *http.Request) {
	h.advance(w, r, h.service.MarkViewed)
}

func (h *Handler) advance(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, caller shared.Caller, id uuid.UUID) (Statement, error)) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	caller, _ := shared.CallerFromContext(r.Context())
	st, err := op(r.Context(), caller, id)
	if err != nil {
		h.fail(w, "advance statement", err)
		return
	}
	httpx.JSON(w, http.StatusOK, st)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	var ie *ledger.IntegrityError
	if errors.As(err, &ie) {
		h.logger.Error(op, slog.Any("error", err), slog.String("account_id", ie.AccountID.String()))
	} else {
		h.logger.Warn(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err, problemRules...)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "path id must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}
