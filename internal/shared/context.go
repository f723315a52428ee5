package shared

import (
	"context"

	"github.com/google/uuid"
)

// Caller identifies the tenant and actor on whose behalf an operation runs.
// Both values are resolved upstream and treated as opaque.
type Caller struct {
	TenantID uuid.UUID
	ActorID  string
}

// Valid reports whether the caller carries a tenant.
func (c Caller) Valid() bool {
	return c.TenantID != uuid.Nil
}

// SystemCaller builds the caller used by scheduled jobs and the CLI.
func SystemCaller(tenantID uuid.UUID) Caller {
	return Caller{TenantID: tenantID, ActorID: "system"}
}

type callerContextKey struct{}

// ContextWithCaller stores the caller in context.
func ContextWithCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFromContext extracts the caller from context.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(callerContextKey{}).(Caller)
	return caller, ok && caller.Valid()
}
