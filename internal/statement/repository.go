package statement

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists statements in the statements table.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertStatement stores the frozen statement.
func (r *Repository) InsertStatement(ctx context.Context, st Statement) error {
	lines, err := json.Marshal(st.Lines)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO statements (id, tenant_id, account_id, account_code, from_date, to_date, opening_balance,
total_debits, total_credits, closing_balance, lines, digest, status, generated_by, generated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		st.ID, st.TenantID, st.AccountID, st.AccountCode, st.From, st.To, st.OpeningBalance,
		st.TotalDebits, st.TotalCredits, st.ClosingBalance, lines, st.Digest, st.Status, st.GeneratedBy, st.GeneratedAt)
	return err
}

// GetStatement loads a statement scoped to the tenant.
func (r *Repository) GetStatement(ctx context.Context, tenantID, id uuid.UUID) (Statement, error) {
	var (
		st    Statement
		lines []byte
	)
	err := r.pool.QueryRow(ctx, `SELECT id, tenant_id, account_id, account_code, from_date, to_date, opening_balance,
total_debits, total_credits, closing_balance, lines, digest, status, generated_by, generated_at, sent_at, viewed_at
FROM statements WHERE tenant_id=$1 AND id=$2`, tenantID, id).Scan(
		&st.ID, &st.TenantID, &st.AccountID, &st.AccountCode, &st.From, &st.To, &st.OpeningBalance,
		&st.TotalDebits, &st.TotalCredits, &st.ClosingBalance, &lines, &st.Digest, &st.Status, &st.GeneratedBy,
		&st.GeneratedAt, &st.SentAt, &st.ViewedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Statement{}, ErrNotFound
	}
	if err != nil {
		return Statement{}, err
	}
	if err := json.Unmarshal(lines, &st.Lines); err != nil {
		return Statement{}, err
	}
	return st, nil
}

// UpdateStatus advances the status guarded by the expected current value.
func (r *Repository) UpdateStatus(ctx context.Context, tenantID, id uuid.UUID, from, to Status, at time.Time) (bool, error) {
	column := "sent_at"
	if to == StatusViewed {
		column = "viewed_at"
	}
	tag, err := r.pool.Exec(ctx, `UPDATE statements SET status=$4, `+column+`=$5
WHERE tenant_id=$1 AND id=$2 AND status=$3`, tenantID, id, from, to, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
