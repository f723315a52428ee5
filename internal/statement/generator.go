package statement

import (
	"fmt"
	"time"

	"github.com/odyssey-erp/rental-ledger/internal/ledger"
	"github.com/odyssey-erp/rental-ledger/internal/money"
)

// Build projects the entries of acct into a statement for [from, to]. The
// entries must be the account's history through to, in ledger order.
// The derived closing balance must equal the running balance of the last
// entry on or before to.
func Build(acct ledger.Account, entries []ledger.Entry, from, to time.Time) (Statement, error) {
	from, to = dateOnly(from), dateOnly(to)
	if to.Before(from) {
		return Statement{}, fmt.Errorf("%w: from_date %s after to_date %s", ErrInvalidWindow, from.Format(time.DateOnly), to.Format(time.DateOnly))
	}
	st := Statement{
		TenantID:       acct.TenantID,
		AccountID:      acct.ID,
		AccountCode:    acct.Code,
		From:           from,
		To:             to,
		OpeningBalance: ledger.BalanceAsOf(acct.OpeningBalance, entries, ledger.Position{Date: from}),
		TotalDebits:    money.Zero,
		TotalCredits:   money.Zero,
		Lines:          []Line{},
		Status:         StatusGenerated,
	}
	expected := st.OpeningBalance
	for _, e := range entries {
		date := dateOnly(e.TransactionDate)
		if date.After(to) {
			break
		}
		if date.Before(from) {
			continue
		}
		st.Lines = append(st.Lines, Line{
			EntryID:         e.ID,
			TransactionDate: date,
			ReferenceType:   e.ReferenceType,
			ReferenceID:     e.ReferenceID,
			Memo:            e.Memo,
			Debit:           e.Debit,
			Credit:          e.Credit,
			IsReversal:      e.IsReversal,
			RunningBalance:  e.RunningBalance,
		})
		st.TotalDebits = st.TotalDebits.Add(e.Debit)
		st.TotalCredits = st.TotalCredits.Add(e.Credit)
		expected = e.RunningBalance
	}
	st.ClosingBalance = st.OpeningBalance.Add(st.TotalDebits).Sub(st.TotalCredits)
	if !st.ClosingBalance.Equal(expected) {
		return Statement{}, &ledger.IntegrityError{
			Err:       ErrBalanceMismatch,
			AccountID: acct.ID,
			Detail: fmt.Sprintf("derived=%s running=%s window=%s..%s", money.Format(st.ClosingBalance), money.Format(expected),
				from.Format(time.DateOnly), to.Format(time.DateOnly)),
		}
	}
	st.Digest = Digest(st)
	return st, nil
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
