package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/rental-ledger/internal/jobs"
	"github.com/odyssey-erp/rental-ledger/internal/ledger"
	"github.com/odyssey-erp/rental-ledger/internal/shared"
)

// LedgerChecker verifies and repairs running balances.
type LedgerChecker interface {
	Accounts(ctx context.Context, caller shared.Caller) ([]ledger.Account, error)
	Verify(ctx context.Context, caller shared.Caller, accountID uuid.UUID) (ledger.VerifyReport, error)
	Recompute(ctx context.Context, caller shared.Caller, accountID uuid.UUID, fromEntry *uuid.UUID) (ledger.RecomputeResult, error)
}

// IntegrityReport summarises one tenant sweep.
type IntegrityReport struct {
	Accounts   int `json:"accounts"`
	Violations int `json:"violations"`
	Repaired   int `json:"repaired"`
}

// IntegrityJob sweeps accounts for running balance drift.
type IntegrityJob struct {
	ledger  LedgerChecker
	tenants TenantLister
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewIntegrityJob initialises the integrity handler.
func NewIntegrityJob(checker LedgerChecker, tenants TenantLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *IntegrityJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntegrityJob{ledger: checker, tenants: tenants, logger: logger, metrics: metrics}
}

// Handle executes the integrity task.
func (j *IntegrityJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.ledger == nil {
		return errors.New("integrity: handler not configured")
	}
	var payload IntegrityPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("integrity: decode payload: %v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics.Track(TaskIntegrityCheck)
	defer func() { err = tracker.End(err) }()

	tenants, err := resolveTenants(ctx, j.tenants, payload.TenantID)
	if err != nil {
		return err
	}
	var failed []error
	for _, tenantID := range tenants {
		report, err := j.Sweep(ctx, shared.SystemCaller(tenantID), payload.Repair)
		if err != nil {
			failed = append(failed, fmt.Errorf("tenant %s: %w", tenantID, err))
			continue
		}
		j.logger.Info("integrity sweep completed",
			slog.String("tenant_id", tenantID.String()),
			slog.Int("accounts", report.Accounts),
			slog.Int("violations", report.Violations),
			slog.Int("repaired", report.Repaired),
		)
	}
	return errors.Join(failed...)
}

// Sweep verifies every account of the caller's tenant. Drifted accounts are
// recomputed when repair is set; entries dated before the account opening
// are reported but never repaired.
func (j *IntegrityJob) Sweep(ctx context.Context, caller shared.Caller, repair bool) (IntegrityReport, error) {
	accounts, err := j.ledger.Accounts(ctx, caller)
	if err != nil {
		return IntegrityReport{}, err
	}
	var report IntegrityReport
	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Accounts++
		_, err := j.ledger.Verify(ctx, caller, acct.ID)
		if err == nil {
			continue
		}
		var integrity *ledger.IntegrityError
		if !errors.As(err, &integrity) {
			return report, err
		}
		report.Violations++
		j.logger.Warn("ledger integrity violation",
			slog.String("tenant_id", caller.TenantID.String()),
			slog.String("account_id", acct.ID.String()),
			slog.Any("error", err),
		)
		if !repair || !errors.Is(err, ledger.ErrBalanceDrift) {
			continue
		}
		if _, err := j.ledger.Recompute(ctx, caller, acct.ID, nil); err != nil {
			j.logger.Warn("ledger recompute", slog.String("account_id", acct.ID.String()), slog.Any("error", err))
			continue
		}
		report.Repaired++
	}
	j.metrics.AddIntegrityViolations(report.Violations)
	return report, nil
}
