package ledger

import (
	"bytes"
	"sort"

	"github.com/shopspring/decimal"
)

// Compare orders positions by transaction date, then created_at, then entry
// id. It returns -1, 0 or 1.
func (p Position) Compare(o Position) int {
	if c := p.Date.Compare(o.Date); c != 0 {
		return c
	}
	if c := p.CreatedAt.Compare(o.CreatedAt); c != 0 {
		return c
	}
	return bytes.Compare(p.EntryID[:], o.EntryID[:])
}

// Before reports whether p sorts strictly before o.
func (p Position) Before(o Position) bool {
	return p.Compare(o) < 0
}

// SortEntries sorts entries into the account's deterministic total order.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Position().Before(entries[j].Position())
	})
}

// Fold recomputes running balances in place as a prefix sum starting from
// start. Entries must already be ordered. It returns the rows whose cached
// balance changed and the final balance.
func Fold(start decimal.Decimal, entries []Entry) ([]BalanceUpdate, decimal.Decimal) {
	running := start
	var updates []BalanceUpdate
	for i := range entries {
		running = running.Add(entries[i].Net())
		if !entries[i].RunningBalance.Equal(running) {
			updates = append(updates, BalanceUpdate{EntryID: entries[i].ID, RunningBalance: running})
		}
		entries[i].RunningBalance = running
	}
	return updates, running
}

// BalanceAsOf returns the running balance after the last entry positioned
// strictly before limit, or opening when there is none. Entries must be ordered.
func BalanceAsOf(opening decimal.Decimal, entries []Entry, limit Position) decimal.Decimal {
	idx := sort.Search(len(entries), func(i int) bool {
		return !entries[i].Position().Before(limit)
	})
	if idx == 0 {
		return opening
	}
	return entries[idx-1].RunningBalance
}

// ActiveBalance is opening plus the net of every active entry. Reversal
// pairs net to zero, so this equals the running balance of the last entry
// when the cache is consistent.
func ActiveBalance(opening decimal.Decimal, entries []Entry) decimal.Decimal {
	total := opening
	for _, e := range entries {
		if e.Active() {
			total = total.Add(e.Net())
		}
	}
	return total
}
