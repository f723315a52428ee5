package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/rental-ledger/internal/backfill"
	jobmetrics "github.com/odyssey-erp/rental-ledger/internal/jobs"
	"github.com/odyssey-erp/rental-ledger/internal/shared"
)

// BackfillRunner executes one backfill run.
type BackfillRunner interface {
	Run(ctx context.Context, caller shared.Caller, req backfill.Request) (backfill.Result, error)
}

// BackfillJob runs backfill classes on behalf of the system actor.
type BackfillJob struct {
	runner  BackfillRunner
	tenants TenantLister
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewBackfillJob initialises the backfill handler.
func NewBackfillJob(runner BackfillRunner, tenants TenantLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *BackfillJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &BackfillJob{runner: runner, tenants: tenants, logger: logger, metrics: metrics}
}

// Handle executes the backfill task.
func (j *BackfillJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.runner == nil {
		return errors.New("backfill job: handler not configured")
	}
	var payload BackfillPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("backfill job: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	classes := backfill.Classes
	if payload.Class != "" {
		class, err := backfill.ParseClass(payload.Class)
		if err != nil {
			return fmt.Errorf("backfill job: %v: %w", err, asynq.SkipRetry)
		}
		classes = []backfill.Class{class}
	}

	tracker := j.metrics.Track(TaskBackfill)
	defer func() { err = tracker.End(err) }()

	tenants, err := resolveTenants(ctx, j.tenants, payload.TenantID)
	if err != nil {
		return err
	}
	var failed []error
	for _, tenantID := range tenants {
		logger := j.logger.With(slog.String("tenant_id", tenantID.String()))
		results, err := j.runTenant(ctx, shared.SystemCaller(tenantID), classes, payload.Resume)
		totals := backfill.Aggregate(results...)
		if errors.Is(err, backfill.ErrPolicyNotFound) || errors.Is(err, backfill.ErrInvalidPolicy) {
			logger.Warn("backfill tenant skipped", slog.Any("error", err))
			continue
		}
		if err != nil {
			logger.Warn("backfill tenant", slog.Any("error", err))
			failed = append(failed, fmt.Errorf("tenant %s: %w", tenantID, err))
			continue
		}
		logger.Info("backfill tenant completed",
			slog.Int("processed", totals.Processed),
			slog.Int("created", totals.Created),
			slog.Int("corrected", totals.Corrected),
			slog.Int("errors", totals.Errors),
			slog.Bool("cancelled", totals.Cancelled),
		)
		if totals.Cancelled {
			return ctx.Err()
		}
	}
	return errors.Join(failed...)
}

func (j *BackfillJob) runTenant(ctx context.Context, caller shared.Caller, classes []backfill.Class, resume bool) ([]backfill.Result, error) {
	results := make([]backfill.Result, 0, len(classes))
	for _, class := range classes {
		result, err := j.runner.Run(ctx, caller, backfill.Request{Class: class, Resume: resume})
		if errors.Is(err, backfill.ErrRunInProgress) {
			j.logger.Info("backfill already running", slog.String("tenant_id", caller.TenantID.String()), slog.String("class", string(class)))
			continue
		}
		if err != nil {
			return results, err
		}
		results = append(results, result)
		if result.Cancelled {
			break
		}
	}
	return results, nil
}
