package statement

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

type movement struct {
	day    int
	debit  string
	credit string
}

func history(t *testing.T, opening string, moves ...movement) (ledger.Account, []ledger.Entry) {
	t.Helper()
	acct := ledger.Account{ID: uuid.New(), TenantID: uuid.New(), Code: "CUST-1", OpeningBalance: money.MustParse(opening), OpenedOn: day(1)}
	created := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	entries := make([]ledger.Entry, 0, len(moves))
	for i, m := range moves {
		entries = append(entries, ledger.Entry{
			ID:              uuid.New(),
			TenantID:        acct.TenantID,
			AccountID:       acct.ID,
			TransactionDate: day(m.day),
			Debit:           money.MustParse(m.debit),
			Credit:          money.MustParse(m.credit),
			ReferenceType:   ledger.RefInvoice,
			ReferenceID:     "DOC-" + string(rune('A'+i)),
			CreatedAt:       created.Add(time.Duration(i) * time.Second),
		})
	}
	ledger.SortEntries(entries)
	ledger.Fold(acct.OpeningBalance, entries)
	return acct, entries
}

func TestBuildClosesWindow(t *testing.T) {
	acct, entries := history(t, "0",
		movement{1, "100", "0"},
		movement{5, "0", "30"},
		movement{10, "50", "0"},
		movement{20, "0", "20"},
	)

	st, err := Build(acct, entries[:3], day(5), day(10))
	require.NoError(t, err)
	require.Equal(t, "100.000", money.Format(st.OpeningBalance))
	require.Equal(t, "50.000", money.Format(st.TotalDebits))
	require.Equal(t, "30.000", money.Format(st.TotalCredits))
	require.Equal(t, "120.000", money.Format(st.ClosingBalance))
	require.Len(t, st.Lines, 2)
	require.Equal(t, entries[1].ID, st.Lines[0].EntryID)
	require.Equal(t, StatusGenerated, st.Status)
	require.Len(t, st.Digest, 64)
}

func TestBuildIgnoresEntriesAfterWindow(t *testing.T) {
	acct, entries := history(t, "0", movement{1, "100", "0"}, movement{20, "0", "20"})

	st, err := Build(acct, entries, day(1), day(10))
	require.NoError(t, err)
	require.Len(t, st.Lines, 1)
	require.Equal(t, "100.000", money.Format(st.ClosingBalance))
}

func TestBuildUsesAccountOpeningWithoutPriorEntries(t *testing.T) {
	acct, entries := history(t, "250", movement{3, "10", "0"})

	st, err := Build(acct, entries, day(1), day(5))
	require.NoError(t, err)
	require.Equal(t, "250.000", money.Format(st.OpeningBalance))
	require.Equal(t, "260.000", money.Format(st.ClosingBalance))
}

func TestBuildEmptyWindowCarriesOpening(t *testing.T) {
	acct, entries := history(t, "0", movement{1, "75", "0"})

	st, err := Build(acct, entries, day(10), day(12))
	require.NoError(t, err)
	require.Empty(t, st.Lines)
	require.Equal(t, "75.000", money.Format(st.OpeningBalance))
	require.True(t, st.OpeningBalance.Equal(st.ClosingBalance))
}

func TestBuildOpeningExcludesEntriesOnFromDate(t *testing.T) {
	acct, entries := history(t, "0", movement{4, "10", "0"}, movement{5, "20", "0"}, movement{5, "0", "5"})

	st, err := Build(acct, entries, day(5), day(5))
	require.NoError(t, err)
	require.Equal(t, "10.000", money.Format(st.OpeningBalance))
	require.Len(t, st.Lines, 2)
	require.Equal(t, "25.000", money.Format(st.ClosingBalance))
}

func TestBuildDetectsRunningBalanceMismatch(t *testing.T) {
	acct, entries := history(t, "0", movement{1, "100", "0"}, movement{5, "0", "30"})
	entries[1].RunningBalance = money.MustParse("80")

	_, err := Build(acct, entries, day(1), day(10))
	require.ErrorIs(t, err, ErrBalanceMismatch)
	var ie *ledger.IntegrityError
	require.True(t, errors.As(err, &ie))
	require.Equal(t, acct.ID, ie.AccountID)
}

func TestBuildRejectsInvertedWindow(t *testing.T) {
	acct, entries := history(t, "0")
	_, err := Build(acct, entries, day(10), day(9))
	require.ErrorIs(t, err, ErrInvalidWindow)
}

func TestDigestCoversLines(t *testing.T) {
	acct, entries := history(t, "0", movement{1, "100", "0"})
	st, err := Build(acct, entries, day(1), day(1))
	require.NoError(t, err)
	require.Equal(t, st.Digest, Digest(st))

	st.Status = StatusViewed
	require.Equal(t, st.Digest, Digest(st))

	st.Lines[0].Debit = money.MustParse("101")
	require.NotEqual(t, st.Digest, Digest(st))
}

func TestStatusOnlyMovesForward(t *testing.T) {
	next, ok := StatusGenerated.next()
	require.True(t, ok)
	require.Equal(t, StatusSent, next)
	next, ok = StatusSent.next()
	require.True(t, ok)
	require.Equal(t, StatusViewed, next)
	_, ok = StatusViewed.next()
	require.False(t, ok)
}
