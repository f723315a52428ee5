package aging_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/rental-ledger/internal/aging"
	"github.com/odyssey-erp/rental-ledger/internal/ledger"
	"github.com/odyssey-erp/rental-ledger/internal/ledger/ledgertest"
	"github.com/odyssey-erp/rental-ledger/internal/money"
	"github.com/odyssey-erp/rental-ledger/internal/platform/cache"
	"github.com/odyssey-erp/rental-ledger/internal/shared"
)

func day(d int) time.Time {
	return time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d-1)
}

type memorySnapshots struct {
	mu   sync.Mutex
	rows []aging.Snapshot
}

func (m *memorySnapshots) InsertSnapshot(_ context.Context, snap aging.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, snap)
	return nil
}

func (m *memorySnapshots) LatestSnapshot(_ context.Context, tenantID, accountID uuid.UUID, date time.Time) (aging.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		best  aging.Snapshot
		found bool
	)
	for _, s := range m.rows {
		if s.TenantID == tenantID && s.AccountID == accountID && s.AnalysisDate.Equal(date) {
			if !found || s.CreatedAt.After(best.CreatedAt) {
				best, found = s, true
			}
		}
	}
	return best, found, nil
}

type countingReader struct {
	aging.LedgerReader
	mu    sync.Mutex
	calls int
}

func (c *countingReader) History(ctx context.Context, caller shared.Caller, id uuid.UUID, through *time.Time) (ledger.History, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.LedgerReader.History(ctx, caller, id, through)
}

type env struct {
	ledger    *ledger.Service
	store     *ledgertest.Store
	aging     *aging.Service
	reader    *countingReader
	snapshots *memorySnapshots
	caller    shared.Caller
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	versioned := cache.NewVersioned(client, time.Minute)

	store := ledgertest.New()
	ledgerSvc := ledger.NewService(store, nil, aging.NewInvalidator(versioned), nil)
	reader := &countingReader{LedgerReader: ledgerSvc}
	snapshots := &memorySnapshots{}
	return &env{
		ledger:    ledgerSvc,
		store:     store,
		aging:     aging.NewService(reader, snapshots, versioned, nil),
		reader:    reader,
		snapshots: snapshots,
		caller:    shared.Caller{TenantID: uuid.New(), ActorID: "tester"},
	}
}

func (e *env) customer(t *testing.T) ledger.Account {
	t.Helper()
	return e.store.AddAccount(ledger.Account{TenantID: e.caller.TenantID, Code: "CUST", Type: ledger.AccountTypeAsset, OpenedOn: day(1)})
}

func (e *env) invoice(t *testing.T, acct uuid.UUID, d int, amount, ref string) {
	t.Helper()
	_, err := e.ledger.Append(context.Background(), e.caller, ledger.Draft{
		AccountID: acct, TransactionDate: day(d), Debit: money.MustParse(amount), ReferenceType: ledger.RefInvoice, ReferenceID: ref,
	})
	require.NoError(t, err)
}

func (e *env) payment(t *testing.T, acct uuid.UUID, d int, amount, ref string) {
	t.Helper()
	_, err := e.ledger.Append(context.Background(), e.caller, ledger.Draft{
		AccountID: acct, TransactionDate: day(d), Credit: money.MustParse(amount), ReferenceType: ledger.RefPayment, ReferenceID: ref,
	})
	require.NoError(t, err)
}

func TestScenarioPaidInvoiceHasNoAging(t *testing.T) {
	e := newEnv(t)
	acct := e.customer(t)
	e.invoice(t, acct.ID, 1, "100.000", "INV-1")
	e.payment(t, acct.ID, 5, "100.000", "PAY-1")

	require.True(t, e.store.Account(acct.ID).CurrentBalance.IsZero())
	snap, persisted, err := e.aging.Snapshot(context.Background(), e.caller, acct.ID, day(10), false)
	require.NoError(t, err)
	require.False(t, persisted)
	require.True(t, snap.BucketSum().IsZero())

	_, persisted, err = e.aging.Snapshot(context.Background(), e.caller, acct.ID, day(10), true)
	require.NoError(t, err)
	require.True(t, persisted)
}

func TestScenarioUnpaidInvoiceLandsIn91To120(t *testing.T) {
	e := newEnv(t)
	acct := e.customer(t)
	e.invoice(t, acct.ID, 1, "500.000", "INV-1")

	snap, persisted, err := e.aging.Snapshot(context.Background(), e.caller, acct.ID, day(95), false)
	require.NoError(t, err)
	require.True(t, persisted)
	require.Equal(t, "500.000", money.Format(snap.Days91To120))
	require.True(t, snap.Current.IsZero())
	require.True(t, snap.Over120.IsZero())

	got, err := e.aging.GetSnapshot(context.Background(), e.caller, acct.ID, day(95))
	require.NoError(t, err)
	require.Equal(t, snap.ID, got.ID)
}

func TestGetSnapshotCachesUntilLedgerChanges(t *testing.T) {
	e := newEnv(t)
	acct := e.customer(t)
	e.invoice(t, acct.ID, 1, "100", "INV-1")
	ctx := context.Background()

	first, err := e.aging.GetSnapshot(ctx, e.caller, acct.ID, day(20))
	require.NoError(t, err)
	second, err := e.aging.GetSnapshot(ctx, e.caller, acct.ID, day(20))
	require.NoError(t, err)
	require.Equal(t, 1, e.reader.calls)
	require.True(t, first.TotalOutstanding.Equal(second.TotalOutstanding))

	e.payment(t, acct.ID, 10, "40", "PAY-1")
	third, err := e.aging.GetSnapshot(ctx, e.caller, acct.ID, day(20))
	require.NoError(t, err)
	require.Equal(t, 2, e.reader.calls)
	require.Equal(t, "60.000", money.Format(third.TotalOutstanding))
}

func TestGetSnapshotRequiresCaller(t *testing.T) {
	e := newEnv(t)
	_, err := e.aging.GetSnapshot(context.Background(), shared.Caller{}, uuid.New(), day(1))
	require.ErrorIs(t, err, shared.ErrMissingCaller)
}

func TestSnapshotTenantCollectsPerAccount(t *testing.T) {
	e := newEnv(t)
	owing := e.customer(t)
	e.customer(t)
	e.store.AddAccount(ledger.Account{TenantID: e.caller.TenantID, Code: "REV", Type: ledger.AccountTypeRevenue})
	e.invoice(t, owing.ID, 1, "10", "INV-1")

	run, err := e.aging.SnapshotTenant(context.Background(), e.caller, day(31), false)
	require.NoError(t, err)
	require.Equal(t, 2, run.Accounts)
	require.Equal(t, 1, run.Persisted)
	require.Equal(t, 1, run.Skipped)
	require.Empty(t, run.Errors)
}

func TestSnapshotTenantIsolatesFailures(t *testing.T) {
	e := newEnv(t)
	broken := e.customer(t)
	e.invoice(t, broken.ID, 1, "10", "INV-1")
	entries := e.store.Entries(broken.ID)
	e.store.SetRunningBalance(entries[0].ID, money.MustParse("11"))
	healthy := e.customer(t)
	e.invoice(t, healthy.ID, 1, "10", "INV-2")

	run, err := e.aging.SnapshotTenant(context.Background(), e.caller, day(31), false)
	require.NoError(t, err)
	require.Equal(t, 1, run.Persisted)
	require.Len(t, run.Errors, 1)
	require.Equal(t, broken.ID, run.Errors[0].AccountID)
}
