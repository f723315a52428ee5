package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/rental-ledger/jobs"
)

// Enqueuer submits prepared tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    Enqueuer
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers. inspector may be nil when only
// triggering is needed.
func NewJobsCLI(client Enqueuer, inspector *asynq.Inspector) (*JobsCLI, error) {
	if client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	return &JobsCLI{client: client, inspector: inspector}, nil
}

// TriggerOptions carries the payload fields a manual trigger may set. A nil
// tenant fans out to every tenant.
type TriggerOptions struct {
	TenantID    uuid.UUID
	Class       string
	Resume      bool
	AsOf        string
	IncludeZero bool
	Repair      bool
}

// BuildTask maps a job name to its task. Both the short name and the task
// type are accepted.
func BuildTask(name string, opts TriggerOptions) (*asynq.Task, error) {
	switch name {
	case "backfill", jobs.TaskBackfill:
		return jobs.NewBackfillTask(jobs.BackfillPayload{TenantID: opts.TenantID, Class: opts.Class, Resume: opts.Resume})
	case "aging_snapshot", jobs.TaskAgingSnapshot:
		return jobs.NewAgingSnapshotTask(jobs.AgingSnapshotPayload{TenantID: opts.TenantID, AsOf: opts.AsOf, IncludeZero: opts.IncludeZero})
	case "integrity", jobs.TaskIntegrityCheck:
		return jobs.NewIntegrityTask(jobs.IntegrityPayload{TenantID: opts.TenantID, Repair: opts.Repair})
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
}

// Trigger enqueues a supported job by name.
func (c *JobsCLI) Trigger(ctx context.Context, name string, opts TriggerOptions) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	task, err := BuildTask(name, opts)
	if err != nil {
		return nil, err
	}
	return c.client.Enqueue(ctx, task)
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
	}
	return stats, nil
}
