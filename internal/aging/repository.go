package aging

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists snapshots in aging_snapshots.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertSnapshot stores an immutable snapshot row.
func (r *Repository) InsertSnapshot(ctx context.Context, snap Snapshot) error {
	docs, err := json.Marshal(snap.Documents)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO aging_snapshots (id, tenant_id, account_id, analysis_date, current, days_30_60, days_61_90,
days_91_120, over_120, total_outstanding, balance, oldest_open_document_date, documents, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		snap.ID, snap.TenantID, snap.AccountID, snap.AnalysisDate, snap.Current, snap.Days30To60, snap.Days61To90,
		snap.Days91To120, snap.Over120, snap.TotalOutstanding, snap.Balance, snap.OldestOpenDocumentDate, docs, snap.CreatedAt)
	return err
}

// LatestSnapshot returns the most recent snapshot for the account and date.
// Later rows supersede earlier ones.
func (r *Repository) LatestSnapshot(ctx context.Context, tenantID, accountID uuid.UUID, date time.Time) (Snapshot, bool, error) {
	var (
		snap Snapshot
		docs []byte
	)
	err := r.pool.QueryRow(ctx, `SELECT id, tenant_id, account_id, analysis_date, current, days_30_60, days_61_90, days_91_120,
over_120, total_outstanding, balance, oldest_open_document_date, documents, created_at
FROM aging_snapshots WHERE tenant_id=$1 AND account_id=$2 AND analysis_date=$3
ORDER BY created_at DESC LIMIT 1`, tenantID, accountID, date).Scan(
		&snap.ID, &snap.TenantID, &snap.AccountID, &snap.AnalysisDate, &snap.Current, &snap.Days30To60, &snap.Days61To90, &snap.Days91To120,
		&snap.Over120, &snap.TotalOutstanding, &snap.Balance, &snap.OldestOpenDocumentDate, &docs, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	if len(docs) > 0 {
		if err := json.Unmarshal(docs, &snap.Documents); err != nil {
			return Snapshot{}, false, err
		}
	}
	return snap, true, nil
}
