package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrInvalidEntryShape indicates a draft with both or neither sides set.
	ErrInvalidEntryShape = errors.New("ledger: invalid entry shape")
	// ErrAccountNotFound indicates a missing account.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrTenantMismatch indicates an account owned by another tenant.
	ErrTenantMismatch = errors.New("ledger: account belongs to another tenant")
	// ErrEntryNotFound indicates a missing entry.
	ErrEntryNotFound = errors.New("ledger: entry not found")
	// ErrDuplicateEntry indicates an active entry already holds the idempotency key.
	ErrDuplicateEntry = errors.New("ledger: duplicate entry")
	// ErrAlreadyReversed indicates the entry already has a reversal.
	ErrAlreadyReversed = errors.New("ledger: entry already reversed")
	// ErrUnbalancedPosting indicates debits differ from credits.
	ErrUnbalancedPosting = errors.New("ledger: posting must balance")
	// ErrOrphanedEntry indicates an entry dated before the account opened.
	ErrOrphanedEntry = errors.New("ledger: entry dated before account opening")
	// ErrBalanceDrift indicates a cached balance disagrees with the entries.
	ErrBalanceDrift = errors.New("ledger: cached balance drift")
)

// IntegrityError carries audit context for a data integrity failure.
type IntegrityError struct {
	Err        error
	AccountID  uuid.UUID
	EntryID    uuid.UUID
	DocumentID string
	Detail     string
}

func (e *IntegrityError) Error() string {
	parts := []string{e.Err.Error()}
	if e.AccountID != uuid.Nil {
		parts = append(parts, "account_id="+e.AccountID.String())
	}
	if e.EntryID != uuid.Nil {
		parts = append(parts, "entry_id="+e.EntryID.String())
	}
	if e.DocumentID != "" {
		parts = append(parts, "document_id="+e.DocumentID)
	}
	if e.Detail != "" {
		parts = append(parts, e.Detail)
	}
	return strings.Join(parts, " ")
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// IsIntegrity reports whether err is an integrity failure that must reach
// an operator rather than be retried or downgraded.
func IsIntegrity(err error) bool {
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return true
	}
	return errors.Is(err, ErrDuplicateEntry) || errors.Is(err, ErrOrphanedEntry) || errors.Is(err, ErrBalanceDrift)
}

func orphaned(accountID uuid.UUID, e Entry) error {
	return &IntegrityError{
		Err:        ErrOrphanedEntry,
		AccountID:  accountID,
		EntryID:    e.ID,
		DocumentID: e.ReferenceID,
		Detail:     fmt.Sprintf("transaction_date=%s", e.TransactionDate.Format("2006-01-02")),
	}
}
