package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/rental-ledger/internal/platform/db"
)

const (
	constraintActiveKey = "uq_ledger_entries_active_key"
	constraintReverses  = "uq_ledger_entries_reverses"
)

// TxRepository exposes transactional operations.
type TxRepository interface {
	GetAccount(ctx context.Context, id uuid.UUID) (Account, error)
	GetAccountForUpdate(ctx context.Context, id uuid.UUID) (Account, error)
	ListAccounts(ctx context.Context, tenantID uuid.UUID) ([]Account, error)
	UpdateCurrentBalance(ctx context.Context, accountID uuid.UUID, balance decimal.Decimal) error

	GetEntry(ctx context.Context, id uuid.UUID) (Entry, error)
	FindActive(ctx context.Context, key Key) (Entry, bool, error)
	FirstEntry(ctx context.Context, accountID uuid.UUID) (Entry, bool, error)
	LastEntry(ctx context.Context, accountID uuid.UUID) (Entry, bool, error)
	BalanceBefore(ctx context.Context, accountID uuid.UUID, pos Position) (decimal.Decimal, bool, error)
	EntriesFrom(ctx context.Context, accountID uuid.UUID, pos Position) ([]Entry, error)
	ListEntries(ctx context.Context, accountID uuid.UUID, filter EntryFilter) ([]Entry, error)
	EntriesForReferences(ctx context.Context, tenantID uuid.UUID, refs []Reference) ([]Entry, error)
	InsertEntry(ctx context.Context, e Entry) error
	MarkReversed(ctx context.Context, entryID, reversalID uuid.UUID) error
	UpdateRunningBalances(ctx context.Context, updates []BalanceUpdate) error
}

// Repository persists accounts and ledger entries in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// WithReadTx executes fn within a read-only repeatable-read transaction.
func (r *Repository) WithReadTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithReadTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// Tenants lists every tenant that owns at least one account.
func (r *Repository) Tenants(ctx context.Context) ([]uuid.UUID, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("ledger repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM accounts ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

const accountColumns = `id, tenant_id, code, name, type, opening_balance, opened_on, current_balance, created_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.TenantID, &a.Code, &a.Name, &a.Type, &a.OpeningBalance, &a.OpenedOn, &a.CurrentBalance, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	return a, err
}

func (r *txRepository) GetAccount(ctx context.Context, id uuid.UUID) (Account, error) {
	return scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id))
}

func (r *txRepository) GetAccountForUpdate(ctx context.Context, id uuid.UUID) (Account, error) {
	return scanAccount(r.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) ListAccounts(ctx context.Context, tenantID uuid.UUID) ([]Account, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE tenant_id=$1 ORDER BY code, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *txRepository) UpdateCurrentBalance(ctx context.Context, accountID uuid.UUID, balance decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `UPDATE accounts SET current_balance=$2, updated_at=NOW() WHERE id=$1`, accountID, balance)
	return err
}

const entryColumns = `id, tenant_id, account_id, posting_id, transaction_date, debit_amount, credit_amount,
reference_type, reference_id, key_variant, is_reversal, reverses_entry_id, reversed_by_entry_id, replaces_entry_id,
memo, running_balance, created_by, created_at`

const entryOrder = ` ORDER BY transaction_date, created_at, id`

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.TenantID, &e.AccountID, &e.PostingID, &e.TransactionDate, &e.Debit, &e.Credit,
		&e.ReferenceType, &e.ReferenceID, &e.KeyVariant, &e.IsReversal, &e.ReversesEntryID, &e.ReversedByEntryID, &e.ReplacesEntryID,
		&e.Memo, &e.RunningBalance, &e.CreatedBy, &e.CreatedAt)
	return e, err
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func optionalEntry(row pgx.Row) (Entry, bool, error) {
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (r *txRepository) GetEntry(ctx context.Context, id uuid.UUID) (Entry, error) {
	e, err := scanEntry(r.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	return e, err
}

func (r *txRepository) FindActive(ctx context.Context, key Key) (Entry, bool, error) {
	return optionalEntry(r.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries
WHERE account_id=$1 AND reference_type=$2 AND reference_id=$3 AND key_variant=$4
AND NOT is_reversal AND reversed_by_entry_id IS NULL`, key.AccountID, key.Reference.Type, key.Reference.ID, key.Variant))
}

func (r *txRepository) FirstEntry(ctx context.Context, accountID uuid.UUID) (Entry, bool, error) {
	return optionalEntry(r.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE account_id=$1`+entryOrder+` LIMIT 1`, accountID))
}

func (r *txRepository) LastEntry(ctx context.Context, accountID uuid.UUID) (Entry, bool, error) {
	return optionalEntry(r.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE account_id=$1
ORDER BY transaction_date DESC, created_at DESC, id DESC LIMIT 1`, accountID))
}

func (r *txRepository) BalanceBefore(ctx context.Context, accountID uuid.UUID, pos Position) (decimal.Decimal, bool, error) {
	var bal decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT running_balance FROM ledger_entries
WHERE account_id=$1 AND (transaction_date, created_at, id) < ($2, $3, $4)
ORDER BY transaction_date DESC, created_at DESC, id DESC LIMIT 1`, accountID, pos.Date, pos.CreatedAt, pos.EntryID).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return bal, true, nil
}

func (r *txRepository) EntriesFrom(ctx context.Context, accountID uuid.UUID, pos Position) ([]Entry, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries
WHERE account_id=$1 AND (transaction_date, created_at, id) >= ($2, $3, $4)`+entryOrder+` FOR UPDATE`, accountID, pos.Date, pos.CreatedAt, pos.EntryID)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (r *txRepository) ListEntries(ctx context.Context, accountID uuid.UUID, filter EntryFilter) ([]Entry, error) {
	clauses := []string{"account_id=$1"}
	args := []any{accountID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.From != nil {
		clauses = append(clauses, "transaction_date >= "+arg(*filter.From))
	}
	if filter.To != nil {
		clauses = append(clauses, "transaction_date <= "+arg(*filter.To))
	}
	if filter.ReferenceType != "" {
		clauses = append(clauses, "reference_type = "+arg(filter.ReferenceType))
	}
	if filter.ActiveOnly {
		clauses = append(clauses, "NOT is_reversal AND reversed_by_entry_id IS NULL")
	}
	if filter.After != nil {
		clauses = append(clauses, fmt.Sprintf("(transaction_date, created_at, id) > (%s, %s, %s)",
			arg(filter.After.Date), arg(filter.After.CreatedAt), arg(filter.After.EntryID)))
	}
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE ` + strings.Join(clauses, " AND ") + entryOrder
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := r.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (r *txRepository) EntriesForReferences(ctx context.Context, tenantID uuid.UUID, refs []Reference) ([]Entry, error) {
	types := make([]string, len(refs))
	ids := make([]string, len(refs))
	for i, ref := range refs {
		types[i] = string(ref.Type)
		ids[i] = ref.ID
	}
	rows, err := r.tx.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries
WHERE tenant_id=$1 AND (reference_type, reference_id) IN (SELECT t, i FROM unnest($2::text[], $3::text[]) AS r(t, i))`+entryOrder, tenantID, types, ids)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (r *txRepository) InsertEntry(ctx context.Context, e Entry) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO ledger_entries (`+entryColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		e.ID, e.TenantID, e.AccountID, e.PostingID, e.TransactionDate, e.Debit, e.Credit,
		e.ReferenceType, e.ReferenceID, e.KeyVariant, e.IsReversal, e.ReversesEntryID, e.ReversedByEntryID, e.ReplacesEntryID,
		e.Memo, e.RunningBalance, e.CreatedBy, e.CreatedAt)
	switch {
	case err == nil:
		return nil
	case db.IsUniqueViolation(err, constraintActiveKey):
		return &IntegrityError{Err: ErrDuplicateEntry, AccountID: e.AccountID, DocumentID: e.ReferenceID, Detail: "reference_type=" + string(e.ReferenceType)}
	case db.IsUniqueViolation(err, constraintReverses):
		return ErrAlreadyReversed
	}
	return err
}

func (r *txRepository) MarkReversed(ctx context.Context, entryID, reversalID uuid.UUID) error {
	tag, err := r.tx.Exec(ctx, `UPDATE ledger_entries SET reversed_by_entry_id=$2 WHERE id=$1 AND reversed_by_entry_id IS NULL`, entryID, reversalID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyReversed
	}
	return nil
}

func (r *txRepository) UpdateRunningBalances(ctx context.Context, updates []BalanceUpdate) error {
	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue(`UPDATE ledger_entries SET running_balance=$2 WHERE id=$1`, u.EntryID, u.RunningBalance)
	}
	return r.tx.SendBatch(ctx, batch).Close()
}
