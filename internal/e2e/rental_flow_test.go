package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/rental-ledger/internal/aging"
	"github.com/odyssey-erp/rental-ledger/internal/app"
	"github.com/odyssey-erp/rental-ledger/internal/backfill"
	"github.com/odyssey-erp/rental-ledger/internal/ledger"
	"github.com/odyssey-erp/rental-ledger/internal/ledger/ledgertest"
	"github.com/odyssey-erp/rental-ledger/internal/money"
	"github.com/odyssey-erp/rental-ledger/internal/platform/cache"
	"github.com/odyssey-erp/rental-ledger/internal/shared"
	"github.com/odyssey-erp/rental-ledger/internal/statement"
	_ "github.com/odyssey-erp/rental-ledger/internal/testing/guard"
)

func day(d int) time.Time {
	return time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d-1)
}

type documentSource struct {
	mu          sync.Mutex
	policy      backfill.Policy
	docs        map[backfill.Class][]backfill.Document
	checkpoints map[backfill.Class]backfill.Cursor
}

func (s *documentSource) Policy(_ context.Context, tenantID uuid.UUID) (backfill.Policy, error) {
	if s.policy.TenantID != tenantID {
		return backfill.Policy{}, backfill.ErrPolicyNotFound
	}
	return s.policy, nil
}

func (s *documentSource) Scan(_ context.Context, req backfill.ScanRequest) ([]backfill.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := append([]backfill.Document(nil), s.docs[req.Class]...)
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].Date.Equal(docs[j].Date) {
			return docs[i].Date.Before(docs[j].Date)
		}
		return docs[i].ID < docs[j].ID
	})
	var out []backfill.Document
	for _, d := range docs {
		if req.After != nil && (d.Date.Before(req.After.Date) || (d.Date.Equal(req.After.Date) && d.ID <= req.After.ID)) {
			continue
		}
		out = append(out, d)
		if len(out) == req.Limit {
			break
		}
	}
	return out, nil
}

func (s *documentSource) LoadCheckpoint(_ context.Context, _ uuid.UUID, class backfill.Class) (backfill.Cursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.checkpoints[class]
	return at, ok, nil
}

func (s *documentSource) SaveCheckpoint(_ context.Context, _ uuid.UUID, class backfill.Class, at backfill.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[class] = at
	return nil
}

func (s *documentSource) ClearCheckpoint(_ context.Context, _ uuid.UUID, class backfill.Class) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, class)
	return nil
}

type snapshotRows struct {
	mu   sync.Mutex
	rows []aging.Snapshot
}

func (m *snapshotRows) InsertSnapshot(_ context.Context, snap aging.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, snap)
	return nil
}

func (m *snapshotRows) LatestSnapshot(_ context.Context, tenantID, accountID uuid.UUID, date time.Time) (aging.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.rows) - 1; i >= 0; i-- {
		s := m.rows[i]
		if s.TenantID == tenantID && s.AccountID == accountID && s.AnalysisDate.Equal(date) {
			return s, true, nil
		}
	}
	return aging.Snapshot{}, false, nil
}

type statementRows struct {
	mu   sync.Mutex
	rows map[uuid.UUID]statement.Statement
}

func (m *statementRows) InsertStatement(_ context.Context, st statement.Statement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[st.ID] = st
	return nil
}

func (m *statementRows) GetStatement(_ context.Context, tenantID, id uuid.UUID) (statement.Statement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[id]
	if !ok || st.TenantID != tenantID {
		return statement.Statement{}, statement.ErrNotFound
	}
	return st, nil
}

func (m *statementRows) UpdateStatus(_ context.Context, tenantID, id uuid.UUID, from, to statement.Status, at time.Time) (bool, error) {
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

type rentalEnv struct {
	server   *httptest.Server
	store    *ledgertest.Store
	tenant   uuid.UUID
	customer ledger.Account
	cash     ledger.Account
	revenue  ledger.Account
}

func newRentalEnv(t *testing.T) *rentalEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	versioned := cache.NewVersioned(client, time.Minute)

	tenant := uuid.New()
	store := ledgertest.New()
	account := func(code string, typ ledger.AccountType) ledger.Account {
		return store.AddAccount(ledger.Account{TenantID: tenant, Code: code, Name: code, Type: typ, OpenedOn: day(1)})
	}
	env := &rentalEnv{
		store:    store,
		tenant:   tenant,
		customer: account("CUST-ACME", ledger.AccountTypeAsset),
		cash:     account("1000", ledger.AccountTypeAsset),
		revenue:  account("4000", ledger.AccountTypeRevenue),
	}

	source := &documentSource{
		policy: backfill.Policy{
			TenantID:         tenant,
			Recognition:      backfill.RecognitionDirect,
			RevenueAccountID: env.revenue.ID,
			CashAccountID:    env.cash.ID,
		},
		docs:        map[backfill.Class][]backfill.Document{},
		checkpoints: map[backfill.Class]backfill.Cursor{},
	}
	doc := func(kind ledger.ReferenceType, id string, d int, amount string) backfill.Document {
		return backfill.Document{ID: id, Kind: kind, CustomerAccountID: env.customer.ID, Date: day(d), Amount: money.MustParse(amount)}
	}
	source.docs[backfill.ClassContracts] = []backfill.Document{
		doc(ledger.RefContract, "RC-1001", 1, "300"),
		doc(ledger.RefContract, "RC-1002", 46, "200"),
	}
	source.docs[backfill.ClassPayments] = []backfill.Document{
		doc(ledger.RefPayment, "PAY-9001", 50, "100"),
	}

	audit := &shared.MemoryAudit{}
	ledgerSvc := ledger.NewService(store, nil, aging.NewInvalidator(versioned), nil)
	agingSvc := aging.NewService(ledgerSvc, &snapshotRows{}, versioned, nil)
	statementSvc := statement.NewService(ledgerSvc, &statementRows{rows: map[uuid.UUID]statement.Statement{}}, nil, nil)
	engine := backfill.NewEngine(source, ledgerSvc, cache.NewLocker(client), audit, nil, backfill.Config{PageSize: 1, Concurrency: 1})

	router := app.NewRouter(app.RouterParams{
		LedgerHandler:    ledger.NewHandler(nil, ledgerSvc),
		AgingHandler:     aging.NewHandler(nil, agingSvc),
		StatementHandler: statement.NewHandler(nil, statementSvc),
		BackfillHandler:  backfill.NewHandler(nil, engine, nil),
	})
	env.server = httptest.NewServer(router)
	t.Cleanup(env.server.Close)
	return env
}

func (e *rentalEnv) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(app.HeaderTenantID, e.tenant.String())
	req.Header.Set(app.HeaderActorID, "ops@fleet")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

type backfillResponse struct {
	Results []backfill.Result `json:"results"`
	Totals  backfill.Totals   `json:"totals"`
}

func TestRentalFlowBackfillAgingStatement(t *testing.T) {
	env := newRentalEnv(t)

	var first backfillResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/backfill", `{}`, &first))
	require.Len(t, first.Results, len(backfill.Classes))
	require.Equal(t, 3, first.Totals.Created)
	require.Zero(t, first.Totals.Errors)
	require.Equal(t, "400.000", money.Format(env.store.Account(env.customer.ID).CurrentBalance))
	require.Equal(t, "100.000", money.Format(env.store.Account(env.cash.ID).CurrentBalance))

	for _, acct := range []uuid.UUID{env.customer.ID, env.cash.ID, env.revenue.ID} {
		require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/accounts/"+acct.String()+"/verify", "", nil))
	}

	var snap aging.Snapshot
	path := fmt.Sprintf("/accounts/%s/aging?as_of=2024-03-01", env.customer.ID)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, path, "", &snap))
	require.Equal(t, "400.000", money.Format(snap.TotalOutstanding))
	require.Equal(t, "200.000", money.Format(snap.Current))
	require.Equal(t, "200.000", money.Format(snap.Days30To60))
	require.True(t, snap.BucketSum().Equal(snap.Balance))
	require.Len(t, snap.Documents, 2)
	require.Equal(t, "RC-1001", snap.Documents[0].Reference.ID)

	var st statement.Statement
	path = fmt.Sprintf("/accounts/%s/statements", env.customer.ID)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, path, `{"from_date":"2024-01-01","to_date":"2024-03-01"}`, &st))
	require.Equal(t, "0.000", money.Format(st.OpeningBalance))
	require.Equal(t, "500.000", money.Format(st.TotalDebits))
	require.Equal(t, "100.000", money.Format(st.TotalCredits))
	require.Equal(t, "400.000", money.Format(st.ClosingBalance))
	require.Len(t, st.Lines, 3)
	require.Equal(t, statement.StatusGenerated, st.Status)

	var verification statement.Verification
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/statements/"+st.ID.String()+"/verify", "", &verification))
	require.True(t, verification.Valid)
	require.Equal(t, st.Digest, verification.Computed)

	var sent statement.Statement
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/statements/"+st.ID.String()+"/sent", "", &sent))
	require.Equal(t, statement.StatusSent, sent.Status)

	writes := env.store.Writes()
	var second backfillResponse
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/backfill", `{}`, &second))
	require.Zero(t, second.Totals.Created)
	require.Zero(t, second.Totals.Corrected)
	require.Equal(t, 3, second.Totals.Skipped)
	require.Equal(t, writes, env.store.Writes())
}

func TestRentalFlowRejectsMissingTenant(t *testing.T) {
	env := newRentalEnv(t)
	resp, err := http.Post(env.server.URL+"/backfill/contracts", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
