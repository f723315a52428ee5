package statement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/rental-ledger/internal/ledger"
	"github.com/odyssey-erp/rental-ledger/internal/ledger/ledgertest"
	"github.com/odyssey-erp/rental-ledger/internal/money"
	"github.com/odyssey-erp/rental-ledger/internal/shared"
	"github.com/odyssey-erp/rental-ledger/internal/statement"
)

func day(d int) time.Time {
	return time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d-1)
}

type memoryStatements struct {
	mu   sync.Mutex
	rows map[uuid.UUID]statement.Statement
}

func newMemoryStatements() *memoryStatements {
	return &memoryStatements{rows: map[uuid.UUID]statement.Statement{}}
}

func (m *memoryStatements) InsertStatement(_ context.Context, st statement.Statement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.Lines = append([]statement.Line(nil), st.Lines...)
	m.rows[st.ID] = st
	return nil
}

func (m *memoryStatements) GetStatement(_ context.Context, tenantID, id uuid.UUID) (statement.Statement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[id]
	if !ok || st.TenantID != tenantID {
		return statement.Statement{}, statement.ErrNotFound
	}
	st.Lines = append([]statement.Line(nil), st.Lines...)
	return st, nil
}

func (m *memoryStatements) UpdateStatus(_ context.Context, tenantID, id uuid.UUID, from, to statement.Status, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[id]
	if !ok || st.TenantID != tenantID || st.Status != from {
		return false, nil
	}
	st.Status = to
	if to == statement.StatusSent {
		st.SentAt = &at
	} else {
		st.ViewedAt = &at
	}
	m.rows[id] = st
	return true, nil
}

type fixture struct {
	ledger *ledger.Service
	store  *ledgertest.Store
	rows   *memoryStatements
	svc    *statement.Service
	audit  *shared.MemoryAudit
	caller shared.Caller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledgertest.New()
	ledgerSvc := ledger.NewService(store, nil, nil, nil)
	clock := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	ledgerSvc.WithNow(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})
	rows := newMemoryStatements()
	audit := &shared.MemoryAudit{}
	return &fixture{
		ledger: ledgerSvc,
		store:  store,
		rows:   rows,
		svc:    statement.NewService(ledgerSvc, rows, audit, nil),
		audit:  audit,
		caller: shared.Caller{TenantID: uuid.New(), ActorID: "clerk"},
	}
}

func (f *fixture) account(t *testing.T) ledger.Account {
	t.Helper()
	return f.store.AddAccount(ledger.Account{TenantID: f.caller.TenantID, Code: "CUST-1", OpenedOn: day(1)})
}

func (f *fixture) append(t *testing.T, acct uuid.UUID, d int, debit, credit string, ref ledger.ReferenceType, id string) ledger.Entry {
	t.Helper()
	e, err := f.ledger.Append(context.Background(), f.caller, ledger.Draft{
		AccountID: acct, TransactionDate: day(d), Debit: money.MustParse(debit), Credit: money.MustParse(credit),
		ReferenceType: ref, ReferenceID: id,
	})
	require.NoError(t, err)
	return e
}

func TestGenerateIsImmutableAfterCorrection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.account(t)
	f.append(t, acct.ID, 1, "100", "0", ledger.RefInvoice, "INV-1")
	pay := f.append(t, acct.ID, 5, "0", "30", ledger.RefPayment, "PAY-1")

	first, err := f.svc.Generate(ctx, f.caller, acct.ID, day(1), day(10))
	require.NoError(t, err)
	require.Equal(t, "70.000", money.Format(first.ClosingBalance))
	require.Equal(t, "clerk", first.GeneratedBy)
	require.Len(t, f.audit.Logs, 1)
	require.Equal(t, "statement.generated", f.audit.Logs[0].Action)

	_, err = f.ledger.Reverse(ctx, f.caller, pay.ID, "bounced")
	require.NoError(t, err)

	stored, err := f.svc.Get(ctx, f.caller, first.ID)
	require.NoError(t, err)
	require.Equal(t, "70.000", money.Format(stored.ClosingBalance))
	require.Len(t, stored.Lines, 2)
	check, err := f.svc.Verify(ctx, f.caller, first.ID)
	require.NoError(t, err)
	require.True(t, check.Valid)

	second, err := f.svc.Generate(ctx, f.caller, acct.ID, day(1), day(10))
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.Len(t, second.Lines, 3)
	require.Equal(t, "100.000", money.Format(second.ClosingBalance))
	require.NotEqual(t, first.Digest, second.Digest)
}

func TestGenerateRefusesDriftedLedger(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t)
	e := f.append(t, acct.ID, 2, "40", "0", ledger.RefInvoice, "INV-1")
	f.store.SetRunningBalance(e.ID, money.MustParse("41"))

	_, err := f.svc.Generate(context.Background(), f.caller, acct.ID, day(1), day(3))
	require.ErrorIs(t, err, statement.ErrBalanceMismatch)
	require.Empty(t, f.rows.rows)
}

func TestStatusTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.account(t)
	f.append(t, acct.ID, 1, "10", "0", ledger.RefInvoice, "INV-1")
	st, err := f.svc.Generate(ctx, f.caller, acct.ID, day(1), day(1))
	require.NoError(t, err)

	_, err = f.svc.MarkViewed(ctx, f.caller, st.ID)
	require.ErrorIs(t, err, statement.ErrInvalidStatusTransition)

	sent, err := f.svc.MarkSent(ctx, f.caller, st.ID)
	require.NoError(t, err)
	require.Equal(t, statement.StatusSent, sent.Status)
	require.NotNil(t, sent.SentAt)

	_, err = f.svc.MarkSent(ctx, f.caller, st.ID)
	require.ErrorIs(t, err, statement.ErrInvalidStatusTransition)

	viewed, err := f.svc.MarkViewed(ctx, f.caller, st.ID)
	require.NoError(t, err)
	require.Equal(t, statement.StatusViewed, viewed.Status)
	require.Equal(t, st.Digest, viewed.Digest)

	check, err := f.svc.Verify(ctx, f.caller, st.ID)
	require.NoError(t, err)
	require.True(t, check.Valid)
}

func TestWindowLimits(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t)
	f.svc.WithMaxDays(30)

	_, err := f.svc.Preview(context.Background(), f.caller, acct.ID, day(1), day(30))
	require.NoError(t, err)
	_, err = f.svc.Preview(context.Background(), f.caller, acct.ID, day(1), day(31))
	require.ErrorIs(t, err, statement.ErrInvalidWindow)
	_, err = f.svc.Preview(context.Background(), f.caller, acct.ID, day(5), day(4))
	require.ErrorIs(t, err, statement.ErrInvalidWindow)
}

func TestGetIsTenantScoped(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t)
	st, err := f.svc.Generate(context.Background(), f.caller, acct.ID, day(1), day(2))
	require.NoError(t, err)

	other := shared.Caller{TenantID: uuid.New(), ActorID: "intruder"}
	_, err = f.svc.Get(context.Background(), other, st.ID)
	require.ErrorIs(t, err, statement.ErrNotFound)

	_, err = f.svc.Generate(context.Background(), other, acct.ID, day(1), day(2))
	require.ErrorIs(t, err, ledger.ErrTenantMismatch)
}
