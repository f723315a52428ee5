package statement

import (
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/odyssey-erp/rental-ledger/internal/money"
)

// Digest is the blake2b-256 hash of the statement's frozen figures and lines.
// Status and delivery timestamps are excluded.
func Digest(st Statement) string {
	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "%s|%s|%s|%s\n", st.TenantID, st.AccountID, st.From.Format(time.DateOnly), st.To.Format(time.DateOnly))
	fmt.Fprintf(h, "%s|%s|%s|%s\n", money.Format(st.OpeningBalance), money.Format(st.TotalDebits),
		money.Format(st.TotalCredits), money.Format(st.ClosingBalance))
	for _, l := range st.Lines {
		writeLine(h, l)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeLine(w io.Writer, l Line) {
	fmt.Fprintf(w, "%s|%s|%s|%s|%s|%s|%t|%s\n", l.EntryID, l.TransactionDate.Format(time.DateOnly), l.ReferenceType, l.ReferenceID,
		money.Format(l.Debit), money.Format(l.Credit), l.IsReversal, money.Format(l.RunningBalance))
}
