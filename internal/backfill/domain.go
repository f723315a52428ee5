// Package backfill detects source documents whose ledger entries are
// missing or structurally wrong and repairs them through the ledger service.
package backfill

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/rental-ledger/internal/ledger"
)

var (
	// ErrUnknownClass indicates an unsupported document class.
	ErrUnknownClass = errors.New("backfill: unknown document class")
	// ErrPolicyNotFound indicates the tenant has no recognition policy.
	ErrPolicyNotFound = errors.New("backfill: tenant recognition policy not found")
	// ErrInvalidPolicy indicates an incomplete recognition policy.
	ErrInvalidPolicy = errors.New("backfill: invalid recognition policy")
	// ErrRunInProgress indicates another run holds the class lock.
	ErrRunInProgress = errors.New("backfill: run already in progress")
	// ErrMissingAccount indicates a document without a customer account mapping.
	ErrMissingAccount = errors.New("backfill: document has no customer account")
	// ErrInvalidDocument indicates a document whose figures cannot be posted.
	ErrInvalidDocument = errors.New("backfill: invalid document")
	// ErrOutcomeUnknown indicates a write whose commit could not be confirmed.
	ErrOutcomeUnknown = errors.New("backfill: commit outcome unknown after re-verification")
)

// Class names a backfill document class.
type Class string

const (
	ClassContracts       Class = "contracts"
	ClassInvoices        Class = "invoices"
	ClassPayments        Class = "payments"
	ClassMissingInvoices Class = "missing_invoices"
)

// Classes lists every class in the order a full reconciliation runs them.
var Classes = []Class{ClassContracts, ClassInvoices, ClassMissingInvoices, ClassPayments}

// ParseClass validates raw as a class name.
func ParseClass(raw string) (Class, error) {
	c := Class(raw)
	for _, known := range Classes {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownClass, raw)
}

// Recognition is the tenant's revenue recognition method. It decides which
// document of a billing unit carries the customer charge.
type Recognition string

const (
	RecognitionDirect   Recognition = "direct"
	RecognitionDeferred Recognition = "deferred"
)

// Policy is the per-tenant accounting configuration backfill applies.
type Policy struct {
	TenantID                 uuid.UUID   `json:"tenant_id"`
	Recognition              Recognition `json:"recognition"`
	RevenueAccountID         uuid.UUID   `json:"revenue_account_id"`
	DeferredRevenueAccountID uuid.UUID   `json:"deferred_revenue_account_id"`
	CashAccountID            uuid.UUID   `json:"cash_account_id"`
	ExemptFullyPaid          bool        `json:"exempt_fully_paid"`
}

// Validate checks the policy names every account its method needs.
func (p Policy) Validate() error {
	switch p.Recognition {
	case RecognitionDirect:
	case RecognitionDeferred:
		if p.DeferredRevenueAccountID == uuid.Nil {
			return fmt.Errorf("%w: deferred recognition requires a deferred revenue account", ErrInvalidPolicy)
		}
	default:
		return fmt.Errorf("%w: recognition %q", ErrInvalidPolicy, p.Recognition)
	}
	if p.RevenueAccountID == uuid.Nil || p.CashAccountID == uuid.Nil {
		return fmt.Errorf("%w: revenue and cash accounts are required", ErrInvalidPolicy)
	}
	return nil
}

// Document is an eligible source document: a completed contract, a posted
// invoice or a completed payment. Linked is the other half of a contract's
// billing unit when one exists.
type Document struct {
	ID                string               `json:"id"`
	Kind              ledger.ReferenceType `json:"kind"`
	CustomerAccountID uuid.UUID            `json:"customer_account_id"`
	Date              time.Time            `json:"date"`
	Amount            decimal.Decimal      `json:"amount"`
	FullyPaid         bool                 `json:"fully_paid"`
	Linked            *Document            `json:"linked,omitempty"`
}

// Reference is the ledger reference the document posts under.
func (d Document) Reference() ledger.Reference {
	return ledger.Reference{Type: d.Kind, ID: d.ID}
}

// Cursor returns the keyset position of the document.
func (d Document) Cursor() Cursor {
	return Cursor{Date: d.Date, ID: d.ID}
}

// Cursor is a keyset position in (document date, document id) order.
type Cursor struct {
	Date time.Time `json:"date"`
	ID   string    `json:"id"`
}

// Action is the repair a document needs.
type Action string

const (
	ActionCreate             Action = "create"
	ActionSkip               Action = "skip"
	ActionReverseAndRecreate Action = "reverse_and_recreate"
	ActionReverse            Action = "reverse"
)

// ItemError records one document that could not be reconciled.
type ItemError struct {
	DocumentID string    `json:"document_id"`
	AccountID  uuid.UUID `json:"account_id,omitempty"`
	Reason     string    `json:"reason"`
}

// Result is the fixed-schema outcome of one class run.
type Result struct {
	Class      Class       `json:"class"`
	Processed  int         `json:"processed"`
	Created    int         `json:"created"`
	Corrected  int         `json:"corrected"`
	Skipped    int         `json:"skipped"`
	Errors     []ItemError `json:"errors"`
	Cancelled  bool        `json:"cancelled"`
	Checkpoint *Cursor     `json:"checkpoint,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

// Totals aggregates results across classes.
type Totals struct {
	Runs      int     `json:"runs"`
	Processed int     `json:"processed"`
	Created   int     `json:"created"`
	Corrected int     `json:"corrected"`
	Skipped   int     `json:"skipped"`
	Errors    int     `json:"errors"`
	Cancelled bool    `json:"cancelled"`
	Classes   []Class `json:"classes"`
}

// Aggregate sums results of several runs.
func Aggregate(results ...Result) Totals {
	t := Totals{Classes: []Class{}}
	for _, r := range results {
		t.Runs++
		t.Processed += r.Processed
		t.Created += r.Created
		t.Corrected += r.Corrected
		t.Skipped += r.Skipped
		t.Errors += len(r.Errors)
		t.Cancelled = t.Cancelled || r.Cancelled
		t.Classes = append(t.Classes, r.Class)
	}
	return t
}
