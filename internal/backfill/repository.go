package backfill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/rental-ledger/internal/ledger"
)

// Repository reads source documents from contracts, invoices and payments
// and keeps policies and checkpoints.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Policy loads the tenant's recognition policy.
func (r *Repository) Policy(ctx context.Context, tenantID uuid.UUID) (Policy, error) {
	var (
		p        Policy
		deferred *uuid.UUID
	)
	err := r.pool.QueryRow(ctx, `SELECT tenant_id, recognition, revenue_account_id, deferred_revenue_account_id, cash_account_id, exempt_fully_paid
FROM ledger_policies WHERE tenant_id=$1`, tenantID).Scan(
		&p.TenantID, &p.Recognition, &p.RevenueAccountID, &deferred, &p.CashAccountID, &p.ExemptFullyPaid)
	if errors.Is(err, pgx.ErrNoRows) {
		return Policy{}, fmt.Errorf("%w: tenant %s", ErrPolicyNotFound, tenantID)
	}
	if err != nil {
		return Policy{}, err
	}
	if deferred != nil {
		p.DeferredRevenueAccountID = *deferred
	}
	return p, nil
}

// The paid amount of a billing unit counts completed payments against the
// contract or its invoice.
const paidSQL = `COALESCE((SELECT SUM(p.amount) FROM payments p
WHERE p.tenant_id = $1 AND p.status = 'completed' AND (p.contract_id = c.id OR p.invoice_id = i.id)), 0)`

var scanSQL = map[Class]string{
	ClassContracts: `SELECT c.id, c.customer_account_id, c.contract_date, c.total_amount,
i.id, i.customer_account_id, i.invoice_date, i.total_amount, ` + paidSQL + `
FROM contracts c
LEFT JOIN invoices i ON i.tenant_id = c.tenant_id AND i.contract_id = c.id AND i.status = 'posted'
WHERE c.tenant_id = $1 AND c.status = 'completed'`,
	ClassMissingInvoices: `SELECT c.id, c.customer_account_id, c.contract_date, c.total_amount,
i.id, i.customer_account_id, i.invoice_date, i.total_amount, ` + paidSQL + `
FROM contracts c
LEFT JOIN invoices i ON FALSE
WHERE c.tenant_id = $1 AND c.status = 'completed'
AND NOT EXISTS (SELECT 1 FROM invoices x WHERE x.tenant_id = c.tenant_id AND x.contract_id = c.id AND x.status = 'posted')`,
	ClassInvoices: `SELECT i.id, i.customer_account_id, i.invoice_date, i.total_amount,
c.id, c.customer_account_id, c.contract_date, c.total_amount, ` + paidSQL + `
FROM invoices i
LEFT JOIN contracts c ON c.tenant_id = i.tenant_id AND c.id = i.contract_id AND c.status = 'completed'
WHERE i.tenant_id = $1 AND i.status = 'posted'`,
	ClassPayments: `SELECT p.id, p.customer_account_id, p.payment_date, p.amount,
NULL::text, NULL::uuid, NULL::date, NULL::numeric, p.amount
FROM payments p
WHERE p.tenant_id = $1 AND p.status = 'completed'`,
}

var scanKeys = map[Class][2]string{
	ClassContracts:       {"c.contract_date", "c.id"},
	ClassMissingInvoices: {"c.contract_date", "c.id"},
	ClassInvoices:        {"i.invoice_date", "i.id"},
	ClassPayments:        {"p.payment_date", "p.id"},
}

var kinds = map[Class][2]ledger.ReferenceType{
	ClassContracts:       {ledger.RefContract, ledger.RefInvoice},
	ClassMissingInvoices: {ledger.RefContract, ledger.RefInvoice},
	ClassInvoices:        {ledger.RefInvoice, ledger.RefContract},
	ClassPayments:        {ledger.RefPayment, ""},
}

// Scan returns the next page of eligible documents in (date, id) order.
func (r *Repository) Scan(ctx context.Context, req ScanRequest) ([]Document, error) {
	base, ok := scanSQL[req.Class]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, req.Class)
	}
	keys := scanKeys[req.Class]
	args := []any{req.TenantID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	var sb strings.Builder
	sb.WriteString(base)
	if req.After != nil {
		fmt.Fprintf(&sb, " AND (%s, %s) > (%s::date, %s::text)", keys[0], keys[1], arg(req.After.Date), arg(req.After.ID))
	}
	if req.From != nil {
		fmt.Fprintf(&sb, " AND %s >= %s::date", keys[0], arg(*req.From))
	}
	if req.To != nil {
		fmt.Fprintf(&sb, " AND %s <= %s::date", keys[0], arg(*req.To))
	}
	fmt.Fprintf(&sb, " ORDER BY %s, %s LIMIT %s", keys[0], keys[1], arg(req.Limit))

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	kind := kinds[req.Class]
	var docs []Document
	for rows.Next() {
		var (
			doc        Document
			account    *uuid.UUID
			linkedID   *string
			linkedAcct *uuid.UUID
			linkedDate *time.Time
			linkedAmt  *decimal.Decimal
			paid       decimal.Decimal
		)
		if err := rows.Scan(&doc.ID, &account, &doc.Date, &doc.Amount,
			&linkedID, &linkedAcct, &linkedDate, &linkedAmt, &paid); err != nil {
			return nil, err
		}
		doc.Kind = kind[0]
		if account != nil {
			doc.CustomerAccountID = *account
		}
		charge := doc.Amount
		if linkedID != nil {
			linked := &Document{ID: *linkedID, Kind: kind[1]}
			if linkedAcct != nil {
				linked.CustomerAccountID = *linkedAcct
			}
			if linkedDate != nil {
				linked.Date = *linkedDate
			}
			if linkedAmt != nil {
				linked.Amount = *linkedAmt
				if linked.Kind == ledger.RefInvoice {
					charge = linked.Amount
				}
			}
			doc.Linked = linked
		}
		doc.FullyPaid = paid.GreaterThanOrEqual(charge)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// LoadCheckpoint returns the saved position of an interrupted run.
func (r *Repository) LoadCheckpoint(ctx context.Context, tenantID uuid.UUID, class Class) (Cursor, bool, error) {
	var at Cursor
	err := r.pool.QueryRow(ctx, `SELECT last_date, last_id FROM backfill_checkpoints WHERE tenant_id=$1 AND class=$2`,
		tenantID, class).Scan(&at.Date, &at.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, err
	}
	return at, true, nil
}

// SaveCheckpoint upserts the position of the last completed document.
func (r *Repository) SaveCheckpoint(ctx context.Context, tenantID uuid.UUID, class Class, at Cursor) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO backfill_checkpoints (tenant_id, class, last_date, last_id, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (tenant_id, class) DO UPDATE SET last_date = EXCLUDED.last_date, last_id = EXCLUDED.last_id, updated_at = NOW()`,
		tenantID, class, at.Date, at.ID)
	return err
}

// ClearCheckpoint removes the checkpoint after a completed run.
func (r *Repository) ClearCheckpoint(ctx context.Context, tenantID uuid.UUID, class Class) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM backfill_checkpoints WHERE tenant_id=$1 AND class=$2`, tenantID, class)
	return err
}
