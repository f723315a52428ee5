package jobs

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// TenantLister enumerates the tenants a scheduled run fans out to.
type TenantLister interface {
	Tenants(ctx context.Context) ([]uuid.UUID, error)
}

func resolveTenants(ctx context.Context, lister TenantLister, tenantID uuid.UUID) ([]uuid.UUID, error) {
	if tenantID != uuid.Nil {
		return []uuid.UUID{tenantID}, nil
	}
	if lister == nil {
		return nil, errors.New("jobs: tenant lister not configured")
	}
	return lister.Tenants(ctx)
}
