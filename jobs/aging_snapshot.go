package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/rental-ledger/internal/aging"
	jobmetrics "github.com/odyssey-erp/rental-ledger/internal/jobs"
	"github.com/odyssey-erp/rental-ledger/internal/platform/cache"
	"github.com/odyssey-erp/rental-ledger/internal/shared"
)

// Snapshotter persists aging snapshots for a tenant.
type Snapshotter interface {
	SnapshotTenant(ctx context.Context, caller shared.Caller, asOf time.Time, includeZero bool) (aging.TenantRun, error)
}

// Locker acquires distributed locks.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (cache.Lock, error)
}

// AgingSnapshotJob snapshots every asset account of each tenant.
type AgingSnapshotJob struct {
	snapshots Snapshotter
	tenants   TenantLister
	locker    Locker
	lockTTL   time.Duration
	logger    *slog.Logger
	metrics   *jobmetrics.Metrics
	clock     func() time.Time
}

// NewAgingSnapshotJob initialises the snapshot handler. locker may be nil,
// in which case concurrent runs are not guarded.
func NewAgingSnapshotJob(snapshots Snapshotter, tenants TenantLister, locker Locker, logger *slog.Logger, metrics *jobmetrics.Metrics) *AgingSnapshotJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgingSnapshotJob{
		snapshots: snapshots,
		tenants:   tenants,
		locker:    locker,
		lockTTL:   30 * time.Minute,
		logger:    logger,
		metrics:   metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the snapshot task.
func (j *AgingSnapshotJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.snapshots == nil {
		return errors.New("aging snapshot: handler not configured")
	}
	var payload AgingSnapshotPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("aging snapshot: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	asOf, err := payload.asOf(j.clock())
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics.Track(TaskAgingSnapshot)
	defer func() { err = tracker.End(err) }()

	tenants, err := resolveTenants(ctx, j.tenants, payload.TenantID)
	if err != nil {
		return err
	}
	var failed []error
	for _, tenantID := range tenants {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := j.snapshotTenant(ctx, shared.SystemCaller(tenantID), asOf, payload.IncludeZero); err != nil {
			failed = append(failed, fmt.Errorf("tenant %s: %w", tenantID, err))
		}
	}
	return errors.Join(failed...)
}

func (j *AgingSnapshotJob) snapshotTenant(ctx context.Context, caller shared.Caller, asOf time.Time, includeZero bool) error {
	logger := j.logger.With(slog.String("tenant_id", caller.TenantID.String()), slog.String("as_of", asOf.Format(time.DateOnly)))
	if j.locker != nil {
		lock, err := j.locker.Obtain(ctx, shared.AgingSnapshotLockKey(caller.TenantID), j.lockTTL)
		if errors.Is(err, cache.ErrLockHeld) {
			logger.Info("aging snapshot already running")
			return nil
		}
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("release aging lock", slog.Any("error", err))
			}
		}()
	}
	run, err := j.snapshots.SnapshotTenant(ctx, caller, asOf, includeZero)
	if err != nil {
		return err
	}
	for _, failure := range run.Errors {
		logger.Warn("aging snapshot account failed",
			slog.String("account_id", failure.AccountID.String()),
			slog.String("reason", failure.Reason),
		)
	}
	logger.Info("aging snapshot completed",
		slog.Int("accounts", run.Accounts),
		slog.Int("persisted", run.Persisted),
		slog.Int("skipped", run.Skipped),
		slog.Int("errors", len(run.Errors)),
	)
	return nil
}
