package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/rental-ledger/internal/money"
)

// AccountType enumerates chart of accounts categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "asset"
	AccountTypeLiability AccountType = "liability"
	AccountTypeEquity    AccountType = "equity"
	AccountTypeRevenue   AccountType = "revenue"
	AccountTypeExpense   AccountType = "expense"
)

// ReferenceType names the source document class an entry came from.
type ReferenceType string

const (
	RefInvoice    ReferenceType = "invoice"
	RefPayment    ReferenceType = "payment"
	RefAdjustment ReferenceType = "adjustment"
	RefRefund     ReferenceType = "refund"
	RefContract   ReferenceType = "contract"
)

// Valid reports whether t is a known reference type.
func (t ReferenceType) Valid() bool {
	switch t {
	case RefInvoice, RefPayment, RefAdjustment, RefRefund, RefContract:
		return true
	}
	return false
}

// KeyVariantReversal distinguishes the reference key of reversal entries.
const KeyVariantReversal = "reversal"

// Account is a ledger subject: a customer or a chart of accounts node.
// CurrentBalance is a cache maintained in the same transaction as every
// entry mutation; entries remain the source of truth.
type Account struct {
	ID             uuid.UUID       `json:"id"`
	TenantID       uuid.UUID       `json:"tenant_id"`
	Code           string          `json:"code"`
	Name           string          `json:"name"`
	Type           AccountType     `json:"type"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	OpenedOn       time.Time       `json:"opened_on"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Entry is an immutable movement against one account. Only the
// ReversedByEntryID back-reference is ever set after insert, and
// RunningBalance is rewritten by recomputation.
type Entry struct {
	ID                uuid.UUID       `json:"id"`
	TenantID          uuid.UUID       `json:"tenant_id"`
	AccountID         uuid.UUID       `json:"account_id"`
	PostingID         uuid.UUID       `json:"posting_id"`
	TransactionDate   time.Time       `json:"transaction_date"`
	Debit             decimal.Decimal `json:"debit_amount"`
	Credit            decimal.Decimal `json:"credit_amount"`
	ReferenceType     ReferenceType   `json:"reference_type"`
	ReferenceID       string          `json:"reference_id"`
	KeyVariant        string          `json:"key_variant,omitempty"`
	IsReversal        bool            `json:"is_reversal"`
	ReversesEntryID   *uuid.UUID      `json:"reverses_entry_id,omitempty"`
	ReversedByEntryID *uuid.UUID      `json:"reversed_by_entry_id,omitempty"`
	ReplacesEntryID   *uuid.UUID      `json:"replaces_entry_id,omitempty"`
	Memo              string          `json:"memo,omitempty"`
	RunningBalance    decimal.Decimal `json:"running_balance"`
	CreatedBy         string          `json:"created_by,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Active reports whether the entry counts towards the uniqueness invariant:
// it is neither a reversal nor reversed.
func (e Entry) Active() bool {
	return !e.IsReversal && e.ReversedByEntryID == nil
}

// Net is debit minus credit.
func (e Entry) Net() decimal.Decimal {
	return e.Debit.Sub(e.Credit)
}

// IsDebit reports whether the entry moves the debit side.
func (e Entry) IsDebit() bool {
	return e.Debit.IsPositive()
}

// Amount is the nonzero side of the entry.
func (e Entry) Amount() decimal.Decimal {
	if e.IsDebit() {
		return e.Debit
	}
	return e.Credit
}

// Key returns the idempotency key the entry occupies.
func (e Entry) Key() Key {
	return Key{AccountID: e.AccountID, Reference: Reference{Type: e.ReferenceType, ID: e.ReferenceID}, Variant: e.KeyVariant}
}

// Position returns the entry's place in the account's total order.
func (e Entry) Position() Position {
	return Position{Date: e.TransactionDate, CreatedAt: e.CreatedAt, EntryID: e.ID}
}

// Reference addresses a source document.
type Reference struct {
	Type ReferenceType `json:"type"`
	ID   string        `json:"id"`
}

func (r Reference) String() string {
	return fmt.Sprintf("%s:%s", r.Type, r.ID)
}

// Key is the idempotency key (account, reference type, reference id).
// Reversal entries carry Variant KeyVariantReversal.
type Key struct {
	AccountID uuid.UUID
	Reference Reference
	Variant   string
}

// Position is a point in the (transaction_date, created_at, entry_id) order.
type Position struct {
	Date      time.Time
	CreatedAt time.Time
	EntryID   uuid.UUID
}

// Draft is the caller supplied part of an entry.
type Draft struct {
	AccountID       uuid.UUID       `json:"account_id"`
	TransactionDate time.Time       `json:"transaction_date"`
	Debit           decimal.Decimal `json:"debit_amount"`
	Credit          decimal.Decimal `json:"credit_amount"`
	ReferenceType   ReferenceType   `json:"reference_type"`
	ReferenceID     string          `json:"reference_id"`
	IsReversal      bool            `json:"is_reversal"`
	ReversesEntryID *uuid.UUID      `json:"reverses_entry_id,omitempty"`
	ReplacesEntryID *uuid.UUID      `json:"replaces_entry_id,omitempty"`
	Memo            string          `json:"memo,omitempty"`
}

// Validate checks the entry shape: exactly one side positive, the other
// exactly zero, amounts within money.Scale, and a complete reference.
func (d Draft) Validate() error {
	if d.AccountID == uuid.Nil {
		return fmt.Errorf("%w: account required", ErrInvalidEntryShape)
	}
	if d.TransactionDate.IsZero() {
		return fmt.Errorf("%w: transaction date required", ErrInvalidEntryShape)
	}
	if err := money.Validate(d.Debit); err != nil {
		return fmt.Errorf("%w: debit: %w", ErrInvalidEntryShape, err)
	}
	if err := money.Validate(d.Credit); err != nil {
		return fmt.Errorf("%w: credit: %w", ErrInvalidEntryShape, err)
	}
	debitOnly := d.Debit.IsPositive() && d.Credit.IsZero()
	creditOnly := d.Credit.IsPositive() && d.Debit.IsZero()
	if !debitOnly && !creditOnly {
		return fmt.Errorf("%w: exactly one of debit/credit must be positive and the other zero", ErrInvalidEntryShape)
	}
	if !d.ReferenceType.Valid() {
		return fmt.Errorf("%w: unknown reference type %q", ErrInvalidEntryShape, d.ReferenceType)
	}
	if d.ReferenceID == "" {
		return fmt.Errorf("%w: reference id required", ErrInvalidEntryShape)
	}
	if d.IsReversal && d.ReversesEntryID == nil {
		return fmt.Errorf("%w: reversal must name the entry it reverses", ErrInvalidEntryShape)
	}
	if !d.IsReversal && d.ReversesEntryID != nil {
		return fmt.Errorf("%w: reverses_entry_id requires is_reversal", ErrInvalidEntryShape)
	}
	return nil
}

// Key returns the idempotency key the draft would occupy.
func (d Draft) Key() Key {
	k := Key{AccountID: d.AccountID, Reference: Reference{Type: d.ReferenceType, ID: d.ReferenceID}}
	if d.IsReversal {
		k.Variant = KeyVariantReversal
	}
	return k
}

// Posting groups balanced drafts appended atomically.
type Posting struct {
	Lines []Draft `json:"lines"`
	Memo  string  `json:"memo,omitempty"`
}

// Correction reverses entries and appends replacements as one unit.
type Correction struct {
	Reverse []uuid.UUID `json:"reverse"`
	Create  []Draft     `json:"create"`
	Memo    string      `json:"memo,omitempty"`
}

// CorrectionResult lists the rows written by Correct.
type CorrectionResult struct {
	Reversals []Entry `json:"reversals"`
	Created   []Entry `json:"created"`
}

// EntryFilter narrows ListEntries.
type EntryFilter struct {
	From          *time.Time
	To            *time.Time
	ReferenceType ReferenceType
	ActiveOnly    bool
	After         *Position
	Limit         int
}

// EntryPage is one page of entries in total order.
type EntryPage struct {
	Entries []Entry   `json:"entries"`
	Next    *Position `json:"-"`
}

// BalanceUpdate rewrites one cached running balance.
type BalanceUpdate struct {
	EntryID        uuid.UUID
	RunningBalance decimal.Decimal
}

// RecomputeResult reports a Recompute call.
type RecomputeResult struct {
	AccountID uuid.UUID       `json:"account_id"`
	Walked    int             `json:"walked"`
	Rewritten int             `json:"rewritten"`
	Balance   decimal.Decimal `json:"balance"`
}

// VerifyReport summarises a passing integrity check.
type VerifyReport struct {
	AccountID uuid.UUID       `json:"account_id"`
	Entries   int             `json:"entries"`
	Balance   decimal.Decimal `json:"balance"`
}

// History is an account together with its ordered entries read from one
// consistent snapshot.
type History struct {
	Account Account
	Entries []Entry
}
