package statement

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/rental-ledger/internal/ledger"
)

var (
	// ErrBalanceMismatch indicates the derived closing balance disagrees with
	// the ledger's running balance.
	ErrBalanceMismatch = errors.New("statement: closing balance mismatch")
	// ErrInvalidWindow indicates an inverted or oversized date window.
	ErrInvalidWindow = errors.New("statement: invalid window")
	// ErrInvalidStatusTransition indicates a status change that is not forward.
	ErrInvalidStatusTransition = errors.New("statement: invalid status transition")
	// ErrNotFound indicates a missing statement.
	ErrNotFound = errors.New("statement: not found")
)

// Status tracks delivery of a generated statement. It never touches the
// frozen figures.
type Status string

const (
	StatusGenerated Status = "generated"
	StatusSent      Status = "sent"
	StatusViewed    Status = "viewed"
)

// next returns the only status s may move to.
func (s Status) next() (Status, bool) {
	switch s {
	case StatusGenerated:
		return StatusSent, true
	case StatusSent:
		return StatusViewed, true
	}
	return "", false
}

// Line is a frozen copy of one ledger entry inside the window.
type Line struct {
	EntryID         uuid.UUID            `json:"entry_id"`
	TransactionDate time.Time            `json:"transaction_date"`
	ReferenceType   ledger.ReferenceType `json:"reference_type"`
	ReferenceID     string               `json:"reference_id"`
	Memo            string               `json:"memo,omitempty"`
	Debit           decimal.Decimal      `json:"debit_amount"`
	Credit          decimal.Decimal      `json:"credit_amount"`
	IsReversal      bool                 `json:"is_reversal"`
	RunningBalance  decimal.Decimal      `json:"running_balance"`
}

// Statement is an immutable export of one account over [From, To].
type Statement struct {
	ID             uuid.UUID       `json:"id"`
	TenantID       uuid.UUID       `json:"tenant_id"`
	AccountID      uuid.UUID       `json:"account_id"`
	AccountCode    string          `json:"account_code"`
	From           time.Time       `json:"from_date"`
	To             time.Time       `json:"to_date"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	TotalDebits    decimal.Decimal `json:"total_debits"`
	TotalCredits   decimal.Decimal `json:"total_credits"`
	ClosingBalance decimal.Decimal `json:"closing_balance"`
	Lines          []Line          `json:"lines"`
	Digest         string          `json:"digest"`
	Status         Status          `json:"status"`
	GeneratedBy    string          `json:"generated_by,omitempty"`
	GeneratedAt    time.Time       `json:"generated_at"`
	SentAt         *time.Time      `json:"sent_at,omitempty"`
	ViewedAt       *time.Time      `json:"viewed_at,omitempty"`
}

// Verification reports whether a stored statement still matches its digest.
type Verification struct {
	StatementID uuid.UUID `json:"statement_id"`
	Stored      string    `json:"stored_digest"`
	Computed    string    `json:"computed_digest"`
	Valid       bool      `json:"valid"`
}
