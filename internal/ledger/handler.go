package ledger

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/rental-ledger/internal/money"
	"github.com/odyssey-erp/rental-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/rental-ledger/internal/shared"
)

// ProblemRules maps ledger errors to problem responses. Packages serving
// ledger-derived views append their own rules to these.
var ProblemRules = []httpx.Rule{
	{Target: shared.ErrMissingCaller, Status: http.StatusUnauthorized, Title: "Caller Required"},
	{Target: ErrAccountNotFound, Status: http.StatusNotFound, Title: "Account Not Found"},
	{Target: ErrEntryNotFound, Status: http.StatusNotFound, Title: "Entry Not Found"},
	{Target: ErrTenantMismatch, Status: http.StatusForbidden, Title: "Tenant Mismatch"},
	{Target: ErrInvalidEntryShape, Status: http.StatusBadRequest, Title: "Invalid Entry Shape"},
	{Target: ErrUnbalancedPosting, Status: http.StatusBadRequest, Title: "Unbalanced Posting"},
	{Target: money.ErrInvalidAmount, Status: http.StatusBadRequest, Title: "Invalid Amount"},
	{Target: ErrDuplicateEntry, Status: http.StatusConflict, Title: "Duplicate Entry"},
	{Target: ErrAlreadyReversed, Status: http.StatusConflict, Title: "Already Reversed"},
	{Target: ErrOrphanedEntry, Status: http.StatusUnprocessableEntity, Title: "Orphaned Entry"},
	{Target: ErrBalanceDrift, Status: http.StatusUnprocessableEntity, Title: "Balance Drift"},
}

// Handler exposes ledger endpoints.
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

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/accounts", h.listAccounts)
	r.Get("/accounts/{id}", h.getAccount)
	r.Get("/accounts/{id}/entries", h.listEntries)
	r.Post("/accounts/{id}/entries", h.appendEntry)
	r.Post("/accounts/{id}/recompute", h.recompute)
	r.Get("/accounts/{id}/verify", h.verify)
	r.Post("/postings", h.post)
	r.Post("/entries/{id}/reverse", h.reverse)
}

type draftRequest struct {
	AccountID       string `json:"account_id" validate:"omitempty,uuid"`
	TransactionDate string `json:"transaction_date" validate:"required,datetime=2006-01-02"`
	Debit           string `json:"debit_amount" validate:"omitempty,numeric"`
	Credit          string `json:"credit_amount" validate:"omitempty,numeric"`
	ReferenceType   string `json:"reference_type" validate:"required,oneof=invoice payment adjustment refund contract"`
	ReferenceID     string `json:"reference_id" validate:"required,max=128"`
	IsReversal      bool   `json:"is_reversal"`
	ReversesEntryID string `json:"reverses_entry_id" validate:"omitempty,uuid"`
	Memo            string `json:"memo" validate:"max=500"`
}

func (req draftRequest) draft(accountID uuid.UUID) (Draft, error) {
	date, err := time.Parse(time.DateOnly, req.TransactionDate)
	if err != nil {
		return Draft{}, fmt.Errorf("%w: transaction_date: %v", httpx.ErrValidation, err)
	}
	d := Draft{
		AccountID:       accountID,
		TransactionDate: date,
		ReferenceType:   ReferenceType(req.ReferenceType),
		ReferenceID:     req.ReferenceID,
		IsReversal:      req.IsReversal,
		Memo:            req.Memo,
	}
	if d.Debit, err = parseAmount(req.Debit); err != nil {
		return Draft{}, err
	}
	if d.Credit, err = parseAmount(req.Credit); err != nil {
		return Draft{}, err
	}
	if req.ReversesEntryID != "" {
		id := uuid.MustParse(req.ReversesEntryID)
		d.ReversesEntryID = &id
	}
	return d, nil
}

type postingRequest struct {
	Lines []draftRequest `json:"lines" validate:"required,min=2,dive"`
	Memo  string         `json:"memo" validate:"max=500"`
}

type reverseRequest struct {
	Memo string `json:"memo" validate:"max=500"`
}

type recomputeRequest struct {
	FromEntryID string `json:"from_entry_id" validate:"omitempty,uuid"`
}

type entriesResponse struct {
	Entries    []Entry           `json:"entries"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	caller, _ := shared.CallerFromContext(r.Context())
	accounts, err := h.service.Accounts(r.Context(), caller)
	if err != nil {
		h.fail(w, "list accounts", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	caller, _ := shared.CallerFromContext(r.Context())
	acct, err := h.service.GetAccount(r.Context(), caller, id)
	if err != nil {
		h.fail(w, "get account", err)
		return
	}
	httpx.JSON(w, http.StatusOK, acct)
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	caller, _ := shared.CallerFromContext(r.Context())
	page, err := h.service.ListEntries(r.Context(), caller, id, filter)
	if err != nil {
		h.fail(w, "list entries", err)
		return
	}
	resp := entriesResponse{Entries: page.Entries, Pagination: shared.Pagination{Limit: shared.ClampLimit(filter.Limit)}}
	if resp.Entries == nil {
		resp.Entries = []Entry{}
	}
	if page.Next != nil {
		resp.Pagination.HasMore = true
		resp.Pagination.NextCursor = EncodeCursor(*page.Next)
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) appendEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req draftRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	draft, err := req.draft(id)
	if err != nil {
		h.fail(w, "append entry", err)
		return
	}
	caller, _ := shared.CallerFromContext(r.Context())
	entry, err := h.service.Append(r.Context(), caller, draft)
	if err != nil {
		h.fail(w, "append entry", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) post(w http.ResponseWriter, r *http.Request) {
	var req postingRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	posting := Posting{Memo: req.Memo}
	for idx, line := range req.Lines {
		if line.AccountID == "" {
			httpx.RespondError(w, fmt.Errorf("%w: line %d: account_id required", httpx.ErrValidation, idx))
			return
		}
		d, err := line.draft(uuid.MustParse(line.AccountID))
		if err != nil {
			h.fail(w, "post", err)
			return
		}
		posting.Lines = append(posting.Lines, d)
	}
	caller, _ := shared.CallerFromContext(r.Context())
	entries, err := h.service.Post(r.Context(), caller, posting)
	if err != nil {
		h.fail(w, "post", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"entries": entries})
}

func (h *Handler) reverse(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req reverseRequest
	if err := httpx.DecodeValid(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	caller, _ := shared.CallerFromContext(r.Context())
	rev, err := h.service.Reverse(r.Context(), caller, id, req.Memo)
	if err != nil {
		h.fail(w, "reverse entry", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rev)
}

func (h *Handler) recompute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req recomputeRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeValid(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	var from *uuid.UUID
	if req.FromEntryID != "" {
		parsed := uuid.MustParse(req.FromEntryID)
		from = &parsed
	}
	caller, _ := shared.CallerFromContext(r.Context())
	res, err := h.service.Recompute(r.Context(), caller, id, from)
	if err != nil {
		h.fail(w, "recompute", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) verify(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	caller, _ := shared.CallerFromContext(r.Context())
	report, err := h.service.Verify(r.Context(), caller, id)
	if err != nil {
		h.fail(w, "verify", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	var ie *IntegrityError
	if errors.As(err, &ie) {
		h.logger.Error(op, slog.Any("error", err),
			slog.String("account_id", ie.AccountID.String()),
			slog.String("entry_id", ie.EntryID.String()),
			slog.String("document_id", ie.DocumentID))
	} else {
		h.logger.Warn(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err, ProblemRules...)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "path id must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func parseAmount(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return money.Zero, nil
	}
	return money.Parse(raw)
}

func parseFilter(r *http.Request) (EntryFilter, error) {
	q := r.URL.Query()
	var f EntryFilter
	for key, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return EntryFilter{}, fmt.Errorf("%w: %s must be YYYY-MM-DD", httpx.ErrValidation, key)
		}
		*dst = &t
	}
	if raw := q.Get("reference_type"); raw != "" {
		f.ReferenceType = ReferenceType(raw)
		if !f.ReferenceType.Valid() {
			return EntryFilter{}, fmt.Errorf("%w: unknown reference_type", httpx.ErrValidation)
		}
	}
	f.ActiveOnly = q.Get("active") == "true"
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return EntryFilter{}, fmt.Errorf("%w: limit must be a positive integer", httpx.ErrValidation)
		}
		f.Limit = n
	}
	if raw := q.Get("cursor"); raw != "" {
		pos, err := DecodeCursor(raw)
		if err != nil {
			return EntryFilter{}, err
		}
		f.After = &pos
	}
	return f, nil
}

// EncodeCursor renders a position as an opaque keyset cursor.
func EncodeCursor(p Position) string {
	raw := strings.Join([]string{p.Date.Format(time.DateOnly), p.CreatedAt.UTC().Format(time.RFC3339Nano), p.EntryID.String()}, "|")
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor produced by EncodeCursor.
func DecodeCursor(cursor string) (Position, error) {
	invalid := fmt.Errorf("%w: invalid cursor", httpx.ErrValidation)
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return Position{}, invalid
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 {
		return Position{}, invalid
	}
	date, err := time.Parse(time.DateOnly, parts[0])
	if err != nil {
		return Position{}, invalid
	}
	created, err := time.Parse(time.RFC3339Nano, parts[1])
	if err != nil {
		return Position{}, invalid
	}
	id, err := uuid.Parse(parts[2])
	if err != nil {
		return Position{}, invalid
	}
	return Position{Date: date, CreatedAt: created, EntryID: id}, nil
}
