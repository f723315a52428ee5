package aging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/rental-ledger/internal/ledger"
	"github.com/odyssey-erp/rental-ledger/internal/platform/cache"
	"github.com/odyssey-erp/rental-ledger/internal/shared"
)

// LedgerReader is the slice of the ledger service aging depends on.
type LedgerReader interface {
	History(ctx context.Context, caller shared.Caller, accountID uuid.UUID, through *time.Time) (ledger.History, error)
	Accounts(ctx context.Context, caller shared.Caller) ([]ledger.Account, error)
}

// SnapshotStore persists immutable snapshots.
type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, snap Snapshot) error
	LatestSnapshot(ctx context.Context, tenantID, accountID uuid.UUID, date time.Time) (Snapshot, bool, error)
}

// Service computes, caches and persists aging snapshots.
type Service struct {
	ledger LedgerReader
	store  SnapshotStore
	cache  *cache.Versioned
	group  singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the aging service. cache may be nil.
func NewService(reader LedgerReader, store SnapshotStore, c *cache.Versioned, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: reader, store: store, cache: c, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Classify computes the snapshot from one consistent read of the ledger
// without persisting it.
func (s *Service) Classify(ctx context.Context, caller shared.Caller, accountID uuid.UUID, asOf time.Time) (Snapshot, error) {
	through := dateOnly(asOf)
	h, err := s.ledger.History(ctx, caller, accountID, &through)
	if err != nil {
		return Snapshot{}, err
	}
	return Classify(h.Account, h.Entries, through)
}

// Snapshot computes and persists a snapshot. Zero or negative balances are
// only persisted when includeZero is set; the returned flag reports whether
// a row was written.
func (s *Service) Snapshot(ctx context.Context, caller shared.Caller, accountID uuid.UUID, asOf time.Time, includeZero bool) (Snapshot, bool, error) {
	snap, err := s.Classify(ctx, caller, accountID, asOf)
	if err != nil {
		return Snapshot{}, false, err
	}
	if !snap.Balance.IsPositive() && !includeZero {
		return snap, false, nil
	}
	snap.ID = uuid.New()
	snap.CreatedAt = s.now().UTC()
	if err := s.store.InsertSnapshot(ctx, snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("aging: persist snapshot: %w", err)
	}
	return snap, true, nil
}

// GetSnapshot returns the latest persisted snapshot for the date, or a
// computed one served through the cache.
func (s *Service) GetSnapshot(ctx context.Context, caller shared.Caller, accountID uuid.UUID, asOf time.Time) (Snapshot, error) {
	if !caller.Valid() {
		return Snapshot{}, shared.ErrMissingCaller
	}
	asOf = dateOnly(asOf)
	if s.store != nil {
		snap, ok, err := s.store.LatestSnapshot(ctx, caller.TenantID, accountID, asOf)
		if err != nil {
			return Snapshot{}, err
		}
		if ok {
			return snap, nil
		}
	}
	key, err := s.cache.BuildKey(ctx, CacheScope(caller.TenantID), "aging", accountID.String(), asOf.Format(time.DateOnly))
	if err != nil {
		return Snapshot{}, err
	}
	value, err, _ := s.group.Do(key, func() (any, error) {
		var snap Snapshot
		err := s.cache.FetchJSON(ctx, key, &snap, func(ctx context.Context) (any, error) {
			return s.Classify(ctx, caller, accountID, asOf)
		})
		return snap, err
	})
	if err != nil {
		return Snapshot{}, err
	}
	return value.(Snapshot), nil
}

// AccountError records one account that failed a tenant-wide run.
type AccountError struct {
	AccountID uuid.UUID `json:"account_id"`
	Reason    string    `json:"reason"`
}

// TenantRun summarises SnapshotTenant.
type TenantRun struct {
	Accounts  int            `json:"accounts"`
	Persisted int            `json:"persisted"`
	Skipped   int            `json:"skipped"`
	Errors    []AccountError `json:"errors"`
}

// SnapshotTenant snapshots every asset account of the tenant. Failures are
// collected per account.
func (s *Service) SnapshotTenant(ctx context.Context, caller shared.Caller, asOf time.Time, includeZero bool) (TenantRun, error) {
	accounts, err := s.ledger.Accounts(ctx, caller)
	if err != nil {
		return TenantRun{}, err
	}
	run := TenantRun{Errors: []AccountError{}}
	for _, acct := range accounts {
		if acct.Type != ledger.AccountTypeAsset {
			continue
		}
		if err := ctx.Err(); err != nil {
			return run, err
		}
		run.Accounts++
		_, persisted, err := s.Snapshot(ctx, caller, acct.ID, asOf, includeZero)
		switch {
		case err != nil:
			s.logger.Error("aging snapshot failed", slog.String("account_id", acct.ID.String()), slog.Any("error", err))
			run.Errors = append(run.Errors, AccountError{AccountID: acct.ID, Reason: err.Error()})
		case persisted:
			run.Persisted++
		default:
			run.Skipped++
		}
	}
	return run, nil
}

// CacheScope is the cache version scope of a tenant's ledger views.
func CacheScope(tenantID uuid.UUID) string {
	return "ledger:" + tenantID.String()
}

// Invalidator bumps a tenant's cache scope after ledger mutations.
type Invalidator struct {
	cache *cache.Versioned
}

// NewInvalidator wraps the versioned cache.
func NewInvalidator(c *cache.Versioned) *Invalidator {
	return &Invalidator{cache: c}
}

// Invalidate implements ledger.Invalidator.
func (i *Invalidator) Invalidate(ctx context.Context, tenantID uuid.UUID, _ ...uuid.UUID) error {
	return i.cache.Bump(ctx, CacheScope(tenantID))
}
