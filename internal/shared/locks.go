package shared

import (
	"fmt"

	"github.com/google/uuid"
)

// BackfillLockKey builds the redis key guarding one backfill class per tenant.
func BackfillLockKey(tenantID uuid.UUID, class string) string {
	return fmt.Sprintf("ledger:backfill:%s:%s:lock", tenantID, class)
}

// AgingSnapshotLockKey builds the redis key guarding a tenant-wide snapshot run.
func AgingSnapshotLockKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("ledger:aging:%s:lock", tenantID)
}
