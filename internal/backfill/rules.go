package backfill

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/odyssey-erp/rental-ledger/internal/ledger"
	"github.com/odyssey-erp/rental-ledger/internal/money"
)

// UnitReferences lists the ledger references a document's billing unit
// may have entries under.
func UnitReferences(doc Document) []ledger.Reference {
	refs := []ledger.Reference{doc.Reference()}
	if doc.Linked != nil {
		refs = append(refs, doc.Linked.Reference())
	}
	return refs
}

// Expected returns the lines the billing unit of doc must carry under the
// policy. A contract and its invoice produce the same lines whichever of
// the two is scanned.
func Expected(p Policy, doc Document) ([]ledger.Draft, error) {
	switch doc.Kind {
	case ledger.RefPayment:
		return paymentLines(p, doc)
	case ledger.RefContract, ledger.RefInvoice:
		carrier := chargeCarrier(p.Recognition, doc)
		credit := p.RevenueAccountID
		if p.Recognition == RecognitionDeferred {
			credit = p.DeferredRevenueAccountID
		}
		if err := checkDocument(carrier); err != nil {
			return nil, err
		}
		return pair(carrier, carrier.CustomerAccountID, credit, memo(carrier)), nil
	}
	return nil, fmt.Errorf("%w: kind %q", ErrInvalidDocument, doc.Kind)
}

// chargeCarrier picks the document of the unit that carries the customer
// charge: the contract under direct recognition, the invoice under deferred.
func chargeCarrier(r Recognition, doc Document) Document {
	var contract, invoice *Document
	for _, d := range []*Document{&doc, doc.Linked} {
		if d == nil {
			continue
		}
		switch d.Kind {
		case ledger.RefContract:
			contract = d
		case ledger.RefInvoice:
			invoice = d
		}
	}
	switch {
	case r == RecognitionDeferred && invoice != nil:
		return *invoice
	case contract != nil:
		return *contract
	}
	return *invoice
}

func paymentLines(p Policy, doc Document) ([]ledger.Draft, error) {
	if err := checkDocument(doc); err != nil {
		return nil, err
	}
	lines := pair(doc, p.CashAccountID, doc.CustomerAccountID, memo(doc))
	if p.Recognition == RecognitionDeferred {
		lines = append(lines, pair(doc, p.DeferredRevenueAccountID, p.RevenueAccountID, "revenue recognised on "+memo(doc))...)
	}
	return lines, nil
}

func pair(doc Document, debit, credit uuid.UUID, memo string) []ledger.Draft {
	amount := money.Round(doc.Amount)
	return []ledger.Draft{
		{AccountID: debit, TransactionDate: doc.Date, Debit: amount, Credit: money.Zero, ReferenceType: doc.Kind, ReferenceID: doc.ID, Memo: memo},
		{AccountID: credit, TransactionDate: doc.Date, Debit: money.Zero, Credit: amount, ReferenceType: doc.Kind, ReferenceID: doc.ID, Memo: memo},
	}
}

func checkDocument(doc Document) error {
	if doc.CustomerAccountID == uuid.Nil {
		return fmt.Errorf("%w: %s %s", ErrMissingAccount, doc.Kind, doc.ID)
	}
	if !doc.Amount.IsPositive() {
		return fmt.Errorf("%w: %s %s amount %s", ErrInvalidDocument, doc.Kind, doc.ID, doc.Amount)
	}
	if err := money.Validate(doc.Amount); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrInvalidDocument, doc.Kind, doc.ID, err)
	}
	return nil
}

func memo(doc Document) string {
	return fmt.Sprintf("backfill %s %s", doc.Kind, doc.ID)
}
