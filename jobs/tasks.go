package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/rental-ledger/internal/backfill"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBackfill reconciles source documents against the ledger.
	TaskBackfill = "ledger:backfill"
	// TaskAgingSnapshot persists aging snapshots for every asset account.
	TaskAgingSnapshot = "ledger:aging_snapshot"
	// TaskIntegrityCheck verifies running balances of every account.
	TaskIntegrityCheck = "ledger:integrity"
)

// BackfillPayload selects the tenant and class of a backfill run. A nil
// tenant fans out to every tenant and an empty class runs every class.
type BackfillPayload struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Class    string    `json:"class,omitempty"`
	Resume   bool      `json:"resume"`
}

// NewBackfillTask constructs a backfill task.
func NewBackfillTask(payload BackfillPayload) (*asynq.Task, error) {
	if payload.Class != "" {
		if _, err := backfill.ParseClass(payload.Class); err != nil {
			return nil, err
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBackfill, data), nil
}

// AgingSnapshotPayload configures a snapshot run. AsOf defaults to the
// current UTC date.
type AgingSnapshotPayload struct {
	TenantID    uuid.UUID `json:"tenant_id"`
	AsOf        string    `json:"as_of,omitempty"`
	IncludeZero bool      `json:"include_zero"`
}

func (p AgingSnapshotPayload) asOf(now time.Time) (time.Time, error) {
	if p.AsOf == "" {
		y, m, d := now.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	t, err := time.Parse(time.DateOnly, p.AsOf)
	if err != nil {
		return time.Time{}, fmt.Errorf("aging snapshot: invalid as_of %q", p.AsOf)
	}
	return t, nil
}

// NewAgingSnapshotTask constructs an aging snapshot task.
func NewAgingSnapshotTask(payload AgingSnapshotPayload) (*asynq.Task, error) {
	if _, err := payload.asOf(time.Now()); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAgingSnapshot, data), nil
}

// IntegrityPayload configures an integrity sweep. Repair recomputes
// accounts whose running balances drifted.
type IntegrityPayload struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Repair   bool      `json:"repair"`
}

// NewIntegrityTask constructs an integrity task.
func NewIntegrityTask(payload IntegrityPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIntegrityCheck, data), nil
}
