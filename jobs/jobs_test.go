package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/rental-ledger/internal/aging"
	"github.com/odyssey-erp/rental-ledger/internal/backfill"
	jobmetrics "github.com/odyssey-erp/rental-ledger/internal/jobs"
	"github.com/odyssey-erp/rental-ledger/internal/ledger"
	"github.com/odyssey-erp/rental-ledger/internal/ledger/ledgertest"
	"github.com/odyssey-erp/rental-ledger/internal/money"
	"github.com/odyssey-erp/rental-ledger/internal/platform/cache"
	"github.com/odyssey-erp/rental-ledger/internal/shared"
	"github.com/odyssey-erp/rental-ledger/jobs"
)

type staticTenants []uuid.UUID

func (s staticTenants) Tenants(context.Context) ([]uuid.UUID, error) { return s, nil }

type runCall struct {
	tenant uuid.UUID
	class  backfill.Class
	resume bool
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []runCall
	errs  map[backfill.Class]error
}

func (f *fakeRunner) Run(_ context.Context, caller shared.Caller, req backfill.Request) (backfill.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, runCall{tenant: caller.TenantID, class: req.Class, resume: req.Resume})
	if err := f.errs[req.Class]; err != nil {
		return backfill.Result{}, err
	}
	return backfill.Result{Class: req.Class, Processed: 1, Created: 1}, nil
}

func task(t *testing.T, build func() (*asynq.Task, error)) *asynq.Task {
	t.Helper()
	tk, err := build()
	require.NoError(t, err)
	return tk
}

func TestBackfillJobRunsRequestedClass(t *testing.T) {
	runner := &fakeRunner{}
	job := jobs.NewBackfillJob(runner, nil, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
	tenant := uuid.New()

	tk := task(t, func() (*asynq.Task, error) {
		return jobs.NewBackfillTask(jobs.BackfillPayload{TenantID: tenant, Class: "invoices", Resume: true})
	})
	require.NoError(t, job.Handle(context.Background(), tk))
	require.Equal(t, []runCall{{tenant: tenant, class: backfill.ClassInvoices, resume: true}}, runner.calls)
}

func TestBackfillJobFansOutAcrossTenantsAndClasses(t *testing.T) {
	runner := &fakeRunner{errs: map[backfill.Class]error{backfill.ClassInvoices: backfill.ErrRunInProgress}}
	tenants := staticTenants{uuid.New(), uuid.New()}
	job := jobs.NewBackfillJob(runner, tenants, nil, nil)

	tk := task(t, func() (*asynq.Task, error) { return jobs.NewBackfillTask(jobs.BackfillPayload{}) })
	require.NoError(t, job.Handle(context.Background(), tk))
	require.Len(t, runner.calls, len(tenants)*len(backfill.Classes))
	require.Equal(t, tenants[0], runner.calls[0].tenant)
	require.Equal(t, tenants[1], runner.calls[len(backfill.Classes)].tenant)
}

func TestBackfillJobSkipsTenantsWithoutPolicy(t *testing.T) {
	runner := &fakeRunner{errs: map[backfill.Class]error{backfill.ClassContracts: backfill.ErrPolicyNotFound}}
	job := jobs.NewBackfillJob(runner, staticTenants{uuid.New()}, nil, nil)

	tk := task(t, func() (*asynq.Task, error) { return jobs.NewBackfillTask(jobs.BackfillPayload{}) })
	require.NoError(t, job.Handle(context.Background(), tk))
	require.Len(t, runner.calls, 1)
}

func TestBackfillJobReportsFailures(t *testing.T) {
	boom := errors.New("scan failed")
	runner := &fakeRunner{errs: map[backfill.Class]error{backfill.ClassPayments: boom}}
	job := jobs.NewBackfillJob(runner, nil, nil, nil)

	tk := task(t, func() (*asynq.Task, error) {
		return jobs.NewBackfillTask(jobs.BackfillPayload{TenantID: uuid.New(), Class: "payments"})
	})
	require.ErrorIs(t, job.Handle(context.Background(), tk), boom)
}

func TestBackfillJobRejectsBadPayload(t *testing.T) {
	job := jobs.NewBackfillJob(&fakeRunner{}, nil, nil, nil)

	err := job.Handle(context.Background(), asynq.NewTask(jobs.TaskBackfill, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	raw, _ := json.Marshal(jobs.BackfillPayload{TenantID: uuid.New(), Class: "refunds"})
	err = job.Handle(context.Background(), asynq.NewTask(jobs.TaskBackfill, raw))
	require.ErrorIs(t, err, asynq.SkipRetry)

	_, err = jobs.NewBackfillTask(jobs.BackfillPayload{Class: "refunds"})
	require.ErrorIs(t, err, backfill.ErrUnknownClass)
}

type fakeSnapshotter struct {
	mu    sync.Mutex
	asOf  []time.Time
	calls int
}

func (f *fakeSnapshotter) SnapshotTenant(_ context.Context, _ shared.Caller, asOf time.Time, _ bool) (aging.TenantRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.asOf = append(f.asOf, asOf)
	return aging.TenantRun{Accounts: 1, Persisted: 1}, nil
}

func newLocker(t *testing.T) *cache.Locker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewLocker(client)
}

func TestAgingSnapshotJobParsesAsOf(t *testing.T) {
	snaps := &fakeSnapshotter{}
	job := jobs.NewAgingSnapshotJob(snaps, nil, newLocker(t), nil, nil)

	tk := task(t, func() (*asynq.Task, error) {
		return jobs.NewAgingSnapshotTask(jobs.AgingSnapshotPayload{TenantID: uuid.New(), AsOf: "2024-03-31"})
	})
	require.NoError(t, job.Handle(context.Background(), tk))
	require.Equal(t, []time.Time{time.Date(2024, time.March, 31, 0, 0, 0, 0, time.UTC)}, snaps.asOf)

	_, err := jobs.NewAgingSnapshotTask(jobs.AgingSnapshotPayload{AsOf: "31/03/2024"})
	require.Error(t, err)
}

func TestAgingSnapshotJobSkipsHeldLock(t *testing.T) {
	snaps := &fakeSnapshotter{}
	locker := newLocker(t)
	tenant := uuid.New()
	held, err := locker.Obtain(context.Background(), shared.AgingSnapshotLockKey(tenant), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = held.Release(context.Background()) })

	job := jobs.NewAgingSnapshotJob(snaps, nil, locker, nil, nil)
	tk := task(t, func() (*asynq.Task, error) {
		return jobs.NewAgingSnapshotTask(jobs.AgingSnapshotPayload{TenantID: tenant})
	})
	require.NoError(t, job.Handle(context.Background(), tk))
	require.Zero(t, snaps.calls)
}

func TestIntegrityJobDetectsAndRepairsDrift(t *testing.T) {
	store := ledgertest.New()
	svc := ledger.NewService(store, nil, nil, nil)
	caller := shared.SystemCaller(uuid.New())
	opened := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	acct := store.AddAccount(ledger.Account{TenantID: caller.TenantID, Code: "CUST", OpenedOn: opened})
	clean := store.AddAccount(ledger.Account{TenantID: caller.TenantID, Code: "CASH", OpenedOn: opened})
	for _, id := range []uuid.UUID{acct.ID, clean.ID} {
		_, err := svc.Append(context.Background(), caller, ledger.Draft{
			AccountID: id, TransactionDate: opened, Debit: money.MustParse("10"), ReferenceType: ledger.RefInvoice, ReferenceID: "INV-" + id.String(),
		})
		require.NoError(t, err)
	}
	store.SetRunningBalance(store.Entries(acct.ID)[0].ID, money.MustParse("12"))

	reg := prometheus.NewRegistry()
	job := jobs.NewIntegrityJob(svc, store, nil, jobmetrics.NewMetrics(reg))

	report, err := job.Sweep(context.Background(), caller, false)
	require.NoError(t, err)
	require.Equal(t, jobs.IntegrityReport{Accounts: 2, Violations: 1}, report)

	tk := task(t, func() (*asynq.Task, error) { return jobs.NewIntegrityTask(jobs.IntegrityPayload{Repair: true}) })
	require.NoError(t, job.Handle(context.Background(), tk))

	_, err = svc.Verify(context.Background(), caller, acct.ID)
	require.NoError(t, err)
	require.True(t, store.Entries(acct.ID)[0].RunningBalance.Equal(money.MustParse("10")))
}

func TestHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	jobs.NewHandler(nil, nil).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, jobs.QueueDefault, body["queue"])
	require.EqualValues(t, 0, body["pending"])
}
