package aging

import (
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
	{Target: ErrReconciliationMismatch, Status: http.StatusUnprocessableEntity, Title: "Aging Reconciliation Mismatch"},
}, ledger.ProblemRules...)

// Handler exposes aging endpoints.
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

// MountRoutes registers aging routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/accounts/{id}/aging", h.get)
	r.Post("/accounts/{id}/aging", h.snapshot)
}

type snapshotRequest struct {
	AsOf        string `json:"as_of" validate:"required,datetime=2006-01-02"`
	IncludeZero bool   `json:"include_zero"`
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, asOf, err := parseTarget(r, r.URL.Query().Get("as_of"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	caller, _ := shared.CallerFromContext(r.Context())
	snap, err := h.service.GetSnapshot(r.Context(), caller, id, asOf)
	if err != nil {
		h.fail(w, "get aging", err)
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	var req snapshotRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, asOf, err := parseTarget(r, req.AsOf)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	caller, _ := shared.CallerFromContext(r.Context())
	snap, persisted, err := h.service.Snapshot(r.Context(), caller, id, asOf, req.IncludeZero)
	if err != nil {
		h.fail(w, "snapshot aging", err)
		return
	}
	status := http.StatusOK
	if persisted {
		status = http.StatusCreated
	}
	httpx.JSON(w, status, map[string]any{"snapshot": snap, "persisted": persisted})
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

func parseTarget(r *http.Request, rawDate string) (uuid.UUID, time.Time, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, time.Time{}, fmt.Errorf("%w: account id must be a uuid", httpx.ErrValidation)
	}
	if rawDate == "" {
		return id, dateOnly(time.Now()), nil
	}
	asOf, err := time.Parse(time.DateOnly, rawDate)
	if err != nil {
		return uuid.Nil, time.Time{}, fmt.Errorf("%w: as_of must be YYYY-MM-DD", httpx.ErrValidation)
	}
	return id, asOf, nil
}
