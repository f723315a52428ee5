package aging

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/rental-ledger/internal/ledger"
	"github.com/odyssey-erp/rental-ledger/internal/money"
)

func day(d int) time.Time {
	return time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, d-1)
}

type book struct {
	acct    ledger.Account
	entries []ledger.Entry
	seq     time.Duration
}

func newBook(opening string) *book {
	return &book{acct: ledger.Account{ID: uuid.New(), TenantID: uuid.New(), OpeningBalance: money.MustParse(opening), OpenedOn: day(1)}}
}

func (b *book) add(d int, ref ledger.ReferenceType, id, debit, credit string) *ledger.Entry {
	b.seq += time.Second
	b.entries = append(b.entries, ledger.Entry{
		ID:              uuid.New(),
		AccountID:       b.acct.ID,
		TransactionDate: day(d),
		Debit:           money.MustParse(debit),
		Credit:          money.MustParse(credit),
		ReferenceType:   ref,
		ReferenceID:     id,
		CreatedAt:       day(1).Add(b.seq),
	})
	return &b.entries[len(b.entries)-1]
}

func (b *book) reverse(target *ledger.Entry) {
	b.seq += time.Second
	rev := ledger.Entry{
		ID:              uuid.New(),
		AccountID:       b.acct.ID,
		TransactionDate: target.TransactionDate,
		Debit:           target.Credit,
		Credit:          target.Debit,
		ReferenceType:   target.ReferenceType,
		ReferenceID:     target.ReferenceID,
		IsReversal:      true,
		ReversesEntryID: &target.ID,
		CreatedAt:       day(1).Add(b.seq),
	}
	target.ReversedByEntryID = &rev.ID
	b.entries = append(b.entries, rev)
}

func (b *book) classify(t *testing.T, asOf int) Snapshot {
	t.Helper()
	ledger.SortEntries(b.entries)
	ledger.Fold(b.acct.OpeningBalance, b.entries)
	snap, err := Classify(b.acct, b.entries, day(asOf))
	require.NoError(t, err)
	require.True(t, snap.BucketSum().Equal(snap.TotalOutstanding))
	if snap.Balance.IsPositive() {
		require.True(t, snap.TotalOutstanding.Equal(snap.Balance))
	} else {
		require.True(t, snap.TotalOutstanding.IsZero())
	}
	return snap
}

func requireBuckets(t *testing.T, snap Snapshot, current, d30, d61, d91, over string) {
	t.Helper()
	require.Equal(t, current, money.Format(snap.Current), "current")
	require.Equal(t, d30, money.Format(snap.Days30To60), "30_60")
	require.Equal(t, d61, money.Format(snap.Days61To90), "61_90")
	require.Equal(t, d91, money.Format(snap.Days91To120), "91_120")
	require.Equal(t, over, money.Format(snap.Over120), "over_120")
}

func TestBucketBoundaries(t *testing.T) {
	cases := map[int]Bucket{
		0: BucketCurrent, 29: BucketCurrent,
		30: Bucket30To60, 60: Bucket30To60,
		61: Bucket61To90, 90: Bucket61To90,
		91: Bucket91To120, 120: Bucket91To120,
		121: BucketOver120, 400: BucketOver120,
	}
	for age, want := range cases {
		require.Equal(t, want, BucketFor(age), "age %d", age)
	}
}

func TestClassifySettledAccountIsEmpty(t *testing.T) {
	b := newBook("0")
	b.add(1, ledger.RefInvoice, "INV-1", "100", "0")
	b.add(5, ledger.RefPayment, "PAY-1", "0", "100")

	snap := b.classify(t, 10)
	require.True(t, snap.Balance.IsZero())
	requireBuckets(t, snap, "0.000", "0.000", "0.000", "0.000", "0.000")
	require.Nil(t, snap.OldestOpenDocumentDate)
	require.Empty(t, snap.Documents)
}

func TestClassifyUnpaidInvoiceAges(t *testing.T) {
	b := newBook("0")
	b.add(1, ledger.RefInvoice, "INV-1", "500", "0")

	snap := b.classify(t, 95)
	requireBuckets(t, snap, "0.000", "0.000", "0.000", "500.000", "0.000")
	require.Equal(t, day(1), *snap.OldestOpenDocumentDate)
	require.Equal(t, 94, snap.Documents[0].AgeDays)
}

func TestClassifyAppliesCreditsOldestFirst(t *testing.T) {
	b := newBook("0")
	b.add(1, ledger.RefInvoice, "INV-1", "100", "0")
	b.add(40, ledger.RefInvoice, "INV-2", "200", "0")
	b.add(50, ledger.RefPayment, "PAY-1", "0", "150")

	snap := b.classify(t, 70)
	// INV-1 is settled in full; the remaining 50 of the payment reduces INV-2.
	requireBuckets(t, snap, "0.000", "150.000", "0.000", "0.000", "0.000")
	require.Equal(t, day(40), *snap.OldestOpenDocumentDate)
	require.Len(t, snap.Documents, 1)
	require.Equal(t, "INV-2", snap.Documents[0].Reference.ID)
}

func TestClassifyPartialPaymentSpreadsAcrossBuckets(t *testing.T) {
	b := newBook("0")
	b.add(1, ledger.RefContract, "C-1", "100", "0")
	b.add(70, ledger.RefInvoice, "INV-2", "100", "0")
	b.add(110, ledger.RefInvoice, "INV-3", "100", "0")
	b.add(115, ledger.RefPayment, "PAY-1", "0", "60")

	snap := b.classify(t, 130)
	requireBuckets(t, snap, "100.000", "100.000", "0.000", "0.000", "40.000")
}

func TestClassifyOpeningBalance(t *testing.T) {
	positive := newBook("50")
	snap := positive.classify(t, 40)
	requireBuckets(t, snap, "0.000", "50.000", "0.000", "0.000", "0.000")

	negative := newBook("-30")
	negative.add(10, ledger.RefInvoice, "INV-1", "100", "0")
	snap = negative.classify(t, 20)
	requireBuckets(t, snap, "70.000", "0.000", "0.000", "0.000", "0.000")
}

func TestClassifySkipsReversedPairs(t *testing.T) {
	b := newBook("0")
	wrong := b.add(1, ledger.RefInvoice, "INV-1", "100", "0")
	b.reverse(wrong)
	b.add(1, ledger.RefInvoice, "INV-1", "80", "0")

	snap := b.classify(t, 45)
	requireBuckets(t, snap, "0.000", "80.000", "0.000", "0.000", "0.000")
	require.Len(t, snap.Documents, 1)
	require.Equal(t, "80.000", money.Format(snap.Documents[0].Amount))
}

func TestClassifyIgnoresFutureEntries(t *testing.T) {
	b := newBook("0")
	b.add(1, ledger.RefInvoice, "INV-1", "100", "0")
	b.add(20, ledger.RefPayment, "PAY-1", "0", "100")

	snap := b.classify(t, 10)
	requireBuckets(t, snap, "100.000", "0.000", "0.000", "0.000", "0.000")
}

func TestClassifyNegativeBalanceIsEmpty(t *testing.T) {
	b := newBook("0")
	b.add(1, ledger.RefInvoice, "INV-1", "100", "0")
	b.add(2, ledger.RefPayment, "PAY-1", "0", "130")

	snap := b.classify(t, 10)
	require.Equal(t, "-30.000", money.Format(snap.Balance))
	require.True(t, snap.TotalOutstanding.IsZero())
}

func TestClassifyReportsMismatch(t *testing.T) {
	b := newBook("0")
	b.add(1, ledger.RefInvoice, "INV-1", "100", "0")
	ledger.Fold(b.acct.OpeningBalance, b.entries)
	b.entries[0].RunningBalance = money.MustParse("120")

	_, err := Classify(b.acct, b.entries, day(10))
	require.ErrorIs(t, err, ErrReconciliationMismatch)
	var ie *ledger.IntegrityError
	require.True(t, errors.As(err, &ie))
	require.Equal(t, b.acct.ID, ie.AccountID)
}
