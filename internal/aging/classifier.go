// Package aging classifies an account's outstanding balance into age
// buckets. Credits settle the oldest open document first.
package aging

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/rental-ledger/internal/ledger"
)

// ErrReconciliationMismatch indicates the bucket sum disagrees with the balance.
var ErrReconciliationMismatch = errors.New("aging: bucket sum does not reconcile with balance")

// Bucket names an age band.
type Bucket string

const (
	BucketCurrent    Bucket = "current"
	Bucket30To60     Bucket = "30_60"
	Bucket61To90     Bucket = "61_90"
	Bucket91To120    Bucket = "91_120"
	BucketOver120    Bucket = "over_120"
	openingReference        = "opening_balance"
)

// BucketFor maps an age in days to its band. Boundaries are inclusive on
// the lower end: 30, 61, 91 and 121 start a new band.
func BucketFor(ageDays int) Bucket {
	switch {
	case ageDays < 30:
		return BucketCurrent
	case ageDays < 61:
		return Bucket30To60
	case ageDays < 91:
		return Bucket61To90
	case ageDays < 121:
		return Bucket91To120
	default:
		return BucketOver120
	}
}

// OpenDocument is a debit still carrying unpaid balance.
type OpenDocument struct {
	Reference   ledger.Reference `json:"reference"`
	Date        time.Time        `json:"date"`
	Amount      decimal.Decimal  `json:"amount"`
	Outstanding decimal.Decimal  `json:"outstanding"`
	AgeDays     int              `json:"age_days"`
	Bucket      Bucket           `json:"bucket"`
}

// Snapshot is a point-in-time classification of one account.
type Snapshot struct {
	ID                     uuid.UUID       `json:"id"`
	TenantID               uuid.UUID       `json:"tenant_id"`
	AccountID              uuid.UUID       `json:"account_id"`
	AnalysisDate           time.Time       `json:"analysis_date"`
	Current                decimal.Decimal `json:"current"`
	Days30To60             decimal.Decimal `json:"days_30_60"`
	Days61To90             decimal.Decimal `json:"days_61_90"`
	Days91To120            decimal.Decimal `json:"days_91_120"`
	Over120                decimal.Decimal `json:"over_120"`
	TotalOutstanding       decimal.Decimal `json:"total_outstanding"`
	Balance                decimal.Decimal `json:"balance"`
	OldestOpenDocumentDate *time.Time      `json:"oldest_open_document_date,omitempty"`
	Documents              []OpenDocument  `json:"documents"`
	CreatedAt              time.Time       `json:"created_at"`
}

// BucketSum adds the five bands.
func (s Snapshot) BucketSum() decimal.Decimal {
	return s.Current.Add(s.Days30To60).Add(s.Days61To90).Add(s.Days91To120).Add(s.Over120)
}

func (s *Snapshot) add(b Bucket, amount decimal.Decimal) {
	switch b {
	case BucketCurrent:
		s.Current = s.Current.Add(amount)
	case Bucket30To60:
		s.Days30To60 = s.Days30To60.Add(amount)
	case Bucket61To90:
		s.Days61To90 = s.Days61To90.Add(amount)
	case Bucket91To120:
		s.Days91To120 = s.Days91To120.Add(amount)
	default:
		s.Over120 = s.Over120.Add(amount)
	}
}

// Classify buckets the account's balance as of asOf. entries must be the
// account's entries in total order; entries dated after asOf are ignored.
// A balance at or below zero yields an empty snapshot.
func Classify(acct ledger.Account, entries []ledger.Entry, asOf time.Time) (Snapshot, error) {
	asOf = dateOnly(asOf)
	snap := Snapshot{
		TenantID:     acct.TenantID,
		AccountID:    acct.ID,
		AnalysisDate: asOf,
		Current:      decimal.Zero,
		Days30To60:   decimal.Zero,
		Days61To90:   decimal.Zero,
		Days91To120:  decimal.Zero,
		Over120:      decimal.Zero,
		Documents:    []OpenDocument{},
	}

	visible := make([]ledger.Entry, 0, len(entries))
	for _, e := range entries {
		if !dateOnly(e.TransactionDate).After(asOf) {
			visible = append(visible, e)
		}
	}
	balance := acct.OpeningBalance
	if n := len(visible); n > 0 {
		balance = visible[n-1].RunningBalance
	}
	snap.Balance = balance
	snap.TotalOutstanding = decimal.Zero
	if !balance.IsPositive() {
		return snap, nil
	}

	// Reversal pairs are both dated on the original date, so a pair is
	// either entirely visible or entirely hidden.
	netted := make(map[uuid.UUID]bool)
	for _, e := range visible {
		if e.IsReversal && e.ReversesEntryID != nil {
			netted[*e.ReversesEntryID] = true
			netted[e.ID] = true
		}
	}

	var docs []OpenDocument
	credits := decimal.Zero
	switch {
	case acct.OpeningBalance.IsPositive():
		docs = append(docs, OpenDocument{
			Reference: ledger.Reference{Type: ledger.RefAdjustment, ID: openingReference},
			Date:      dateOnly(acct.OpenedOn),
			Amount:    acct.OpeningBalance,
		})
	case acct.OpeningBalance.IsNegative():
		credits = credits.Add(acct.OpeningBalance.Neg())
	}
	for _, e := range visible {
		if netted[e.ID] {
			continue
		}
		if e.IsDebit() {
			docs = append(docs, OpenDocument{
				Reference: ledger.Reference{Type: e.ReferenceType, ID: e.ReferenceID},
				Date:      dateOnly(e.TransactionDate),
				Amount:    e.Debit,
			})
			continue
		}
		credits = credits.Add(e.Credit)
	}

	// FIFO: settle the oldest document first. docs are in ledger order,
	// which is date order, with the opening balance first.
	for i := range docs {
		applied := decimal.Min(credits, docs[i].Amount)
		credits = credits.Sub(applied)
		docs[i].Outstanding = docs[i].Amount.Sub(applied)
		if !docs[i].Outstanding.IsPositive() {
			continue
		}
		docs[i].AgeDays = daysBetween(docs[i].Date, asOf)
		docs[i].Bucket = BucketFor(docs[i].AgeDays)
		snap.add(docs[i].Bucket, docs[i].Outstanding)
		snap.Documents = append(snap.Documents, docs[i])
		if snap.OldestOpenDocumentDate == nil {
			oldest := docs[i].Date
			snap.OldestOpenDocumentDate = &oldest
		}
	}
	snap.TotalOutstanding = snap.BucketSum()

	if !snap.TotalOutstanding.Equal(balance) {
		return Snapshot{}, &ledger.IntegrityError{
			Err:       ErrReconciliationMismatch,
			AccountID: acct.ID,
			Detail:    fmt.Sprintf("buckets=%s balance=%s unapplied_credit=%s", snap.TotalOutstanding, balance, credits),
		}
	}
	return snap, nil
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysBetween(from, to time.Time) int {
	return int(dateOnly(to).Sub(dateOnly(from)).Hours() / 24)
}
