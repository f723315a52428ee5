package backfill

import (
	"github.com/odyssey-erp/rental-ledger/internal/ledger"
)

// Plan is the repair classification of one document.
type Plan struct {
	Document Document       `json:"document"`
	Action   Action         `json:"action"`
	Reverse  []ledger.Entry `json:"reverse,omitempty"`
	Create   []ledger.Draft `json:"create,omitempty"`
}

// Classify diffs the expected lines of the document's billing unit against
// the unit's active entries. Lines are matched by idempotency key first and
// then compared on side, amount and date. An active entry no expected line
// claims is surplus and gets reversed. With ExemptFullyPaid a settled
// contract or invoice that already has entries is left as it is.
func Classify(p Policy, doc Document, entries []ledger.Entry) (Plan, error) {
	expected, err := Expected(p, doc)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{Document: doc}

	active := make(map[ledger.Key]ledger.Entry)
	var order []ledger.Key
	for _, e := range entries {
		if !e.Active() {
			continue
		}
		k := e.Key()
		if _, dup := active[k]; !dup {
			order = append(order, k)
		}
		active[k] = e
	}

	if p.ExemptFullyPaid && doc.Kind != ledger.RefPayment && doc.FullyPaid && len(active) > 0 {
		plan.Action = ActionSkip
		return plan, nil
	}

	claimed := make(map[ledger.Key]bool, len(expected))
	for _, d := range expected {
		k := d.Key()
		claimed[k] = true
		e, ok := active[k]
		switch {
		case !ok:
			plan.Create = append(plan.Create, d)
		case !matches(e, d):
			id := e.ID
			d.ReplacesEntryID = &id
			plan.Reverse = append(plan.Reverse, e)
			plan.Create = append(plan.Create, d)
		}
	}
	for _, k := range order {
		if !claimed[k] {
			plan.Reverse = append(plan.Reverse, active[k])
		}
	}

	switch {
	case len(plan.Reverse) == 0 && len(plan.Create) == 0:
		plan.Action = ActionSkip
	case len(plan.Reverse) == 0:
		plan.Action = ActionCreate
	case len(plan.Create) == 0:
		plan.Action = ActionReverse
	default:
		plan.Action = ActionReverseAndRecreate
	}
	return plan, nil
}

func matches(e ledger.Entry, d ledger.Draft) bool {
	return e.Debit.Equal(d.Debit) && e.Credit.Equal(d.Credit) &&
		dateOnly(e.TransactionDate).Equal(dateOnly(d.TransactionDate))
}
