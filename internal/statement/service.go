package statement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/rental-ledger/internal/ledger"
	"github.com/odyssey-erp/rental-ledger/internal/shared"
)

// DefaultMaxDays bounds the window of one statement.
const DefaultMaxDays = 366

// LedgerReader reads an account's history from one snapshot.
type LedgerReader interface {
	History(ctx context.Context, caller shared.Caller, accountID uuid.UUID, through *time.Time) (ledger.History, error)
}

// Store persists generated statements.
type Store interface {
	InsertStatement(ctx context.Context, st Statement) error
	GetStatement(ctx context.Context, tenantID, id uuid.UUID) (Statement, error)
	// UpdateStatus moves the statement from one status to the next and
	// reports whether a row changed.
	UpdateStatus(ctx context.Context, tenantID, id uuid.UUID, from, to Status, at time.Time) (bool, error)
}

// Service generates and tracks statements.
type Service struct {
	ledger  LedgerReader
	store   Store
	audit   ledger.AuditPort
	logger  *slog.Logger
	now     func() time.Time
	maxDays int
}

// NewService constructs the statement service. audit may be nil.
func NewService(reader LedgerReader, store Store, audit ledger.AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: reader, store: store, audit: audit, logger: logger, now: time.Now, maxDays: DefaultMaxDays}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithMaxDays overrides the window limit.
func (s *Service) WithMaxDays(days int) {
	if days > 0 {
		s.maxDays = days
	}
}

// Preview builds the statement without persisting it.
func (s *Service) Preview(ctx context.Context, caller shared.Caller, accountID uuid.UUID, from, to time.Time) (Statement, error) {
	from, to = dateOnly(from), dateOnly(to)
	if err := s.checkWindow(from, to); err != nil {
		return Statement{}, err
	}
	h, err := s.ledger.History(ctx, caller, accountID, &to)
	if err != nil {
		return Statement{}, err
	}
	return Build(h.Account, h.Entries, from, to)
}

// Generate builds and persists a new statement. Earlier statements for the
// same window are left untouched.
func (s *Service) Generate(ctx context.Context, caller shared.Caller, accountID uuid.UUID, from, to time.Time) (Statement, error) {
	st, err := s.Preview(ctx, caller, accountID, from, to)
	if err != nil {
		return Statement{}, err
	}
	st.ID = uuid.New()
	st.GeneratedBy = caller.ActorID
	st.GeneratedAt = s.now().UTC()
	if err := s.store.InsertStatement(ctx, st); err != nil {
		return Statement{}, fmt.Errorf("statement: persist: %w", err)
	}
	s.record(ctx, caller, "statement.generated", st.ID, map[string]any{
		"account_id": accountID.String(),
		"from_date":  st.From.Format(time.DateOnly),
		"to_date":    st.To.Format(time.DateOnly),
		"digest":     st.Digest,
	})
	return st, nil
}

// Get loads a persisted statement.
func (s *Service) Get(ctx context.Context, caller shared.Caller, id uuid.UUID) (Statement, error) {
	if !caller.Valid() {
		return Statement{}, shared.ErrMissingCaller
	}
	return s.store.GetStatement(ctx, caller.TenantID, id)
}

// MarkSent records delivery of a generated statement.
func (s *Service) MarkSent(ctx context.Context, caller shared.Caller, id uuid.UUID) (Statement, error) {
	return s.advance(ctx, caller, id, StatusSent)
}

// MarkViewed records that the customer opened a sent statement.
func (s *Service) MarkViewed(ctx context.Context, caller shared.Caller, id uuid.UUID) (Statement, error) {
	return s.advance(ctx, caller, id, StatusViewed)
}

// Verify recomputes the digest of a persisted statement.
func (s *Service) Verify(ctx context.Context, caller shared.Caller, id uuid.UUID) (Verification, error) {
	st, err := s.Get(ctx, caller, id)
	if err != nil {
		return Verification{}, err
	}
	computed := Digest(st)
	return Verification{StatementID: st.ID, Stored: st.Digest, Computed: computed, Valid: computed == st.Digest}, nil
}

func (s *Service) advance(ctx context.Context, caller shared.Caller, id uuid.UUID, target Status) (Statement, error) {
	st, err := s.Get(ctx, caller, id)
	if err != nil {
		return Statement{}, err
	}
	if next, ok := st.Status.next(); !ok || next != target {
		return Statement{}, fmt.Errorf("%w: %s to %s", ErrInvalidStatusTransition, st.Status, target)
	}
	at := s.now().UTC()
	changed, err := s.store.UpdateStatus(ctx, caller.TenantID, id, st.Status, target, at)
	if err != nil {
		return Statement{}, err
	}
	if !changed {
		return Statement{}, fmt.Errorf("%w: status changed concurrently", ErrInvalidStatusTransition)
	}
	from := st.Status
	st.Status = target
	switch target {
	case StatusSent:
		st.SentAt = &at
	case StatusViewed:
		st.ViewedAt = &at
	}
	s.record(ctx, caller, "statement."+string(target), id, map[string]any{"from": string(from)})
	return st, nil
}

func (s *Service) checkWindow(from, to time.Time) error {
	if to.Before(from) {
		return fmt.Errorf("%w: from_date after to_date", ErrInvalidWindow)
	}
	days := int(to.Sub(from).Hours()/24) + 1
	if days > s.maxDays {
		return fmt.Errorf("%w: %d days exceeds %d", ErrInvalidWindow, days, s.maxDays)
	}
	return nil
}

func (s *Service) record(ctx context.Context, caller shared.Caller, action string, id uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		TenantID: caller.TenantID,
		ActorID:  caller.ActorID,
		Action:   action,
		Entity:   "statement",
		EntityID: id.String(),
		Meta:     meta,
		At:       s.now(),
	}); err != nil {
		s.logger.Warn("statement audit record failed", slog.String("action", action), slog.Any("error", err))
	}
}
