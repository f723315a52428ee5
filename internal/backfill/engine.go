package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/rental-ledger/internal/ledger"
	"github.com/odyssey-erp/rental-ledger/internal/platform/cache"
	"github.com/odyssey-erp/rental-ledger/internal/platform/db"
	"github.com/odyssey-erp/rental-ledger/internal/shared"
)

// ScanRequest selects one page of eligible documents.
type ScanRequest struct {
	TenantID uuid.UUID
	Class    Class
	After    *Cursor
	From     *time.Time
	To       *time.Time
	Limit    int
}

// Store reads source documents and keeps run checkpoints.
type Store interface {
	Policy(ctx context.Context, tenantID uuid.UUID) (Policy, error)
	Scan(ctx context.Context, req ScanRequest) ([]Document, error)
	LoadCheckpoint(ctx context.Context, tenantID uuid.UUID, class Class) (Cursor, bool, error)
	SaveCheckpoint(ctx context.Context, tenantID uuid.UUID, class Class, at Cursor) error
	ClearCheckpoint(ctx context.Context, tenantID uuid.UUID, class Class) error
}

// Ledger is the slice of the ledger service backfill writes through.
type Ledger interface {
	EntriesForReferences(ctx context.Context, caller shared.Caller, refs []ledger.Reference) ([]ledger.Entry, error)
	Post(ctx context.Context, caller shared.Caller, posting ledger.Posting) ([]ledger.Entry, error)
	Correct(ctx context.Context, caller shared.Caller, c ledger.Correction) (ledger.CorrectionResult, error)
}

// Locker provides the per tenant and class run lock.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (cache.Lock, error)
}

// Recorder receives run totals for metrics.
type Recorder interface {
	ObserveBackfill(class string, created, corrected, skipped, failed int)
}

// Config tunes a run.
type Config struct {
	PageSize    int
	Concurrency int
	LockTTL     time.Duration
	Retry       db.RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 200
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 15 * time.Minute
	}
	if c.Retry.Attempts <= 0 {
		c.Retry = db.DefaultRetryPolicy
	}
	return c
}

// Request describes one class run.
type Request struct {
	Class  Class      `json:"class"`
	Resume bool       `json:"resume"`
	From   *time.Time `json:"from_date,omitempty"`
	To     *time.Time `json:"to_date,omitempty"`
}

// Engine runs the scan, classify and act loop for one class at a time.
type Engine struct {
	store   Store
	ledger  Ledger
	locker  Locker
	audit   ledger.AuditPort
	metrics Recorder
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time
}

// NewEngine constructs the engine. locker and audit may be nil.
func NewEngine(store Store, ledgerSvc Ledger, locker Locker, audit ledger.AuditPort, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, ledger: ledgerSvc, locker: locker, audit: audit, logger: logger, cfg: cfg.withDefaults(), now: time.Now}
}

// WithMetrics attaches a metrics recorder.
func (e *Engine) WithMetrics(r Recorder) {
	e.metrics = r
}

// WithNow overrides the clock for testing.
func (e *Engine) WithNow(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Run backfills one document class for the caller's tenant. Per-document
// failures are collected in the result; the returned error is reserved for
// failures that stop the whole run. A cancelled context stops the run
// between documents and leaves a checkpoint behind.
func (e *Engine) Run(ctx context.Context, caller shared.Caller, req Request) (Result, error) {
	if !caller.Valid() {
		return Result{}, shared.ErrMissingCaller
	}
	if _, err := ParseClass(string(req.Class)); err != nil {
		return Result{}, err
	}
	logger := e.logger.With(slog.String("tenant_id", caller.TenantID.String()), slog.String("class", string(req.Class)))

	var lock cache.Lock
	if e.locker != nil {
		var err error
		lock, err = e.locker.Obtain(ctx, shared.BackfillLockKey(caller.TenantID, string(req.Class)), e.cfg.LockTTL)
		if errors.Is(err, cache.ErrLockHeld) {
			return Result{}, fmt.Errorf("%w: %s", ErrRunInProgress, req.Class)
		}
		if err != nil {
			return Result{}, fmt.Errorf("backfill: obtain lock: %w", err)
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("backfill lock release failed", slog.Any("error", err))
			}
		}()
	}

	policy, err := e.store.Policy(ctx, caller.TenantID)
	if err != nil {
		return Result{}, err
	}
	if err := policy.Validate(); err != nil {
		return Result{}, err
	}

	result := Result{Class: req.Class, Errors: []ItemError{}, StartedAt: e.now().UTC()}
	var cursor *Cursor
	if req.Resume {
		at, ok, err := e.store.LoadCheckpoint(ctx, caller.TenantID, req.Class)
		if err != nil {
			return Result{}, fmt.Errorf("backfill: load checkpoint: %w", err)
		}
		if ok {
			cursor = &at
			logger.Info("backfill resuming", slog.String("after_id", at.ID))
		}
	}

	for {
		if ctx.Err() != nil {
			result.Cancelled = true
			break
		}
		docs, err := e.scan(ctx, ScanRequest{
			TenantID: caller.TenantID, Class: req.Class, After: cursor, From: req.From, To: req.To, Limit: e.cfg.PageSize,
		})
		if err != nil {
			if ctx.Err() != nil {
				result.Cancelled = true
				break
			}
			return result, fmt.Errorf("backfill: scan %s: %w", req.Class, err)
		}
		if len(docs) == 0 {
			break
		}
		outcomes := e.processPage(ctx, caller, policy, docs)
		last := -1
		for i, out := range outcomes {
			if !out.done {
				break
			}
			last = i
			result.add(docs[i], out)
		}
		if last >= 0 {
			at := docs[last].Cursor()
			cursor = &at
			if err := e.store.SaveCheckpoint(context.WithoutCancel(ctx), caller.TenantID, req.Class, at); err != nil {
				logger.Warn("backfill checkpoint save failed", slog.Any("error", err))
			}
		}
		if last < len(docs)-1 {
			// documents after the first unprocessed one are redone on resume
			for i := last + 1; i < len(outcomes); i++ {
				if outcomes[i].done {
					result.add(docs[i], outcomes[i])
				}
			}
			result.Cancelled = true
			break
		}
		if len(docs) < e.cfg.PageSize {
			break
		}
		if lock != nil {
			if err := lock.Refresh(ctx, e.cfg.LockTTL); err != nil {
				return result, fmt.Errorf("backfill: refresh lock: %w", err)
			}
		}
	}

	result.Checkpoint = cursor
	result.FinishedAt = e.now().UTC()
	if !result.Cancelled {
		if err := e.store.ClearCheckpoint(context.WithoutCancel(ctx), caller.TenantID, req.Class); err != nil {
			logger.Warn("backfill checkpoint clear failed", slog.Any("error", err))
		}
	}
	e.finish(ctx, caller, logger, result)
	return result, nil
}

type outcome struct {
	done   bool
	action Action
	err    error
}

func (r *Result) add(doc Document, out outcome) {
	r.Processed++
	switch {
	case out.err != nil:
		r.Errors = append(r.Errors, ItemError{DocumentID: doc.ID, AccountID: doc.CustomerAccountID, Reason: out.err.Error()})
	case out.action == ActionCreate:
		r.Created++
	case out.action == ActionReverse, out.action == ActionReverseAndRecreate:
		r.Corrected++
	default:
		r.Skipped++
	}
}

// processPage reconciles one page. Documents of the same customer account
// run sequentially in page order; different accounts run concurrently.
func (e *Engine) processPage(ctx context.Context, caller shared.Caller, policy Policy, docs []Document) []outcome {
	groups := make(map[uuid.UUID][]int)
	var order []uuid.UUID
	for i, d := range docs {
		if _, ok := groups[d.CustomerAccountID]; !ok {
			order = append(order, d.CustomerAccountID)
		}
		groups[d.CustomerAccountID] = append(groups[d.CustomerAccountID], i)
	}
	outcomes := make([]outcome, len(docs))
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for _, account := range order {
		idxs := groups[account]
		g.Go(func() error {
			for _, i := range idxs {
				if ctx.Err() != nil {
					return nil
				}
				action, err := e.reconcile(context.WithoutCancel(ctx), caller, policy, docs[i])
				outcomes[i] = outcome{done: true, action: action, err: err}
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// reconcile classifies and repairs one document. Transient failures re-run
// the whole step so the unit is re-read by idempotency key before any write
// is issued again. An ambiguous commit earns one extra verification pass;
// when that pass finds the entries in place the original action stands.
func (e *Engine) reconcile(ctx context.Context, caller shared.Caller, policy Policy, doc Document) (Action, error) {
	var (
		attempted Action
		plan      Plan
	)
	for pass := 0; pass < 2; pass++ {
		err := e.cfg.Retry.Do(ctx, func(ctx context.Context, attempt int) error {
			entries, err := e.ledger.EntriesForReferences(ctx, caller, UnitReferences(doc))
			if err != nil {
				return err
			}
			plan, err = Classify(policy, doc, entries)
			if err != nil {
				return err
			}
			if attempt > 1 {
				e.logger.Debug("backfill retry", slog.String("document_id", doc.ID), slog.Int("attempt", attempt))
			}
			return e.apply(ctx, caller, plan)
		})
		switch {
		case err == nil && plan.Action == ActionSkip && attempted != "":
			return attempted, nil
		case err == nil:
			return plan.Action, nil
		case errors.Is(err, ledger.ErrDuplicateEntry):
			return ActionSkip, nil
		case db.IsAmbiguous(err) && pass == 0:
			attempted = plan.Action
			e.logger.Warn("backfill commit outcome unknown, re-verifying", slog.String("document_id", doc.ID), slog.Any("error", err))
			continue
		case db.IsAmbiguous(err):
			return "", fmt.Errorf("%w: %v", ErrOutcomeUnknown, err)
		default:
			if ledger.IsIntegrity(err) {
				e.logger.Error("backfill integrity failure", slog.String("document_id", doc.ID), slog.Any("error", err))
			}
			return "", err
		}
	}
	return "", ErrOutcomeUnknown
}

func (e *Engine) apply(ctx context.Context, caller shared.Caller, plan Plan) error {
	memo := fmt.Sprintf("backfill %s %s", plan.Document.Kind, plan.Document.ID)
	switch plan.Action {
	case ActionSkip:
		return nil
	case ActionCreate:
		if len(plan.Create) >= 2 {
			_, err := e.ledger.Post(ctx, caller, ledger.Posting{Lines: plan.Create, Memo: memo})
			return err
		}
	}
	reverse := make([]uuid.UUID, 0, len(plan.Reverse))
	for _, entry := range plan.Reverse {
		reverse = append(reverse, entry.ID)
	}
	_, err := e.ledger.Correct(ctx, caller, ledger.Correction{Reverse: reverse, Create: plan.Create, Memo: memo})
	return err
}

func (e *Engine) scan(ctx context.Context, req ScanRequest) ([]Document, error) {
	var docs []Document
	err := e.cfg.Retry.Do(ctx, func(ctx context.Context, _ int) error {
		var err error
		docs, err = e.store.Scan(ctx, req)
		return err
	})
	return docs, err
}

func (e *Engine) finish(ctx context.Context, caller shared.Caller, logger *slog.Logger, result Result) {
	attrs := []any{
		slog.Int("processed", result.Processed),
		slog.Int("created", result.Created),
		slog.Int("corrected", result.Corrected),
		slog.Int("skipped", result.Skipped),
		slog.Int("errors", len(result.Errors)),
		slog.Bool("cancelled", result.Cancelled),
	}
	if len(result.Errors) > 0 {
		logger.Warn("backfill finished with errors", attrs...)
	} else {
		logger.Info("backfill finished", attrs...)
	}
	if e.metrics != nil {
		e.metrics.ObserveBackfill(string(result.Class), result.Created, result.Corrected, result.Skipped, len(result.Errors))
	}
	if e.audit == nil {
		return
	}
	meta := map[string]any{
		"processed": result.Processed,
		"created":   result.Created,
		"corrected": result.Corrected,
		"skipped":   result.Skipped,
		"errors":    len(result.Errors),
		"cancelled": result.Cancelled,
	}
	if result.Checkpoint != nil {
		meta["checkpoint_id"] = result.Checkpoint.ID
	}
	if err := e.audit.Record(context.WithoutCancel(ctx), shared.AuditLog{
		TenantID: caller.TenantID,
		ActorID:  caller.ActorID,
		Action:   "backfill.run",
		Entity:   "backfill",
		EntityID: string(result.Class),
		Meta:     meta,
		At:       result.FinishedAt,
	}); err != nil {
		logger.Warn("backfill audit record failed", slog.Any("error", err))
	}
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
