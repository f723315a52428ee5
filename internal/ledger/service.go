package ledger

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/rental-ledger/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	WithReadTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Invalidator drops derived read models after a committed mutation.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID uuid.UUID, accountIDs ...uuid.UUID) error
}

// Service owns every mutation of ledger entries. Each mutation runs in one
// transaction holding the row lock of every account it touches.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	invalidator Invalidator
	logger      *slog.Logger
	now         func() time.Time
	newID       func() uuid.UUID
}

// NewService constructs the ledger service.
func NewService(repo RepositoryPort, audit AuditPort, invalidator Invalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, invalidator: invalidator, logger: logger, now: time.Now, newID: newEntryID}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func newEntryID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// Append validates and persists a single entry. A draft marked as reversal
// must mirror the entry named by ReversesEntryID.
func (s *Service) Append(ctx context.Context, caller shared.Caller, draft Draft) (Entry, error) {
	if !caller.Valid() {
		return Entry{}, shared.ErrMissingCaller
	}
	if err := draft.Validate(); err != nil {
		return Entry{}, err
	}
	var out Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		acct, err := s.lockAccount(ctx, tx, caller, draft.AccountID)
		if err != nil {
			return err
		}
		if draft.IsReversal {
			original, err := tx.GetEntry(ctx, *draft.ReversesEntryID)
			if err != nil {
				return err
			}
			if err := mirrors(draft, original); err != nil {
				return err
			}
			out, err = s.reverseEntry(ctx, tx, caller, &acct, original, s.newID(), draft.Memo)
			return err
		}
		out, err = s.insertDraft(ctx, tx, caller, &acct, draft, s.newID())
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	s.afterCommit(ctx, caller, "ledger.entry.append", out.ID.String(), map[string]any{
		"account_id":     out.AccountID.String(),
		"reference_type": string(out.ReferenceType),
		"reference_id":   out.ReferenceID,
		"is_reversal":    out.IsReversal,
	}, out.AccountID)
	return out, nil
}

// Post appends a balanced set of drafts sharing one posting id.
func (s *Service) Post(ctx context.Context, caller shared.Caller, posting Posting) ([]Entry, error) {
	if !caller.Valid() {
		return nil, shared.ErrMissingCaller
	}
	if len(posting.Lines) < 2 {
		return nil, fmt.Errorf("%w: posting requires at least two lines", ErrInvalidEntryShape)
	}
	for idx, line := range posting.Lines {
		if err := line.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", idx, err)
		}
		if line.IsReversal {
			return nil, fmt.Errorf("%w: line %d: reversals go through Reverse or Correct", ErrInvalidEntryShape, idx)
		}
	}
	if err := balanced(nil, posting.Lines); err != nil {
		return nil, err
	}
	accountIDs := uniqueAccounts(nil, posting.Lines)
	var out []Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		accounts, err := s.lockAccounts(ctx, tx, caller, accountIDs)
		if err != nil {
			return err
		}
		postingID := s.newID()
		out = out[:0]
		for _, line := range posting.Lines {
			if line.Memo == "" {
				line.Memo = posting.Memo
			}
			acct := accounts[line.AccountID]
			e, err := s.insertDraft(ctx, tx, caller, acct, line, postingID)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, caller, "ledger.posting.create", out[0].PostingID.String(), map[string]any{
		"lines": len(out),
	}, accountIDs...)
	return out, nil
}

// Reverse inserts the counter-entry of entryID dated on the original date
// and links both rows. Financial fields of the original never change.
func (s *Service) Reverse(ctx context.Context, caller shared.Caller, entryID uuid.UUID, memo string) (Entry, error) {
	if !caller.Valid() {
		return Entry{}, shared.ErrMissingCaller
	}
	var out Entry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		original, err := tx.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		acct, err := s.lockAccount(ctx, tx, caller, original.AccountID)
		if err != nil {
			return err
		}
		// re-read under the account lock
		original, err = tx.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		out, err = s.reverseEntry(ctx, tx, caller, &acct, original, s.newID(), memo)
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	s.afterCommit(ctx, caller, "ledger.entry.reverse", entryID.String(), map[string]any{
		"reversal_id": out.ID.String(),
	}, out.AccountID)
	return out, nil
}

// Correct reverses the listed entries and appends the replacement drafts in
// one transaction. The union of reversals and replacements must balance.
func (s *Service) Correct(ctx context.Context, caller shared.Caller, c Correction) (CorrectionResult, error) {
	if !caller.Valid() {
		return CorrectionResult{}, shared.ErrMissingCaller
	}
	if len(c.Reverse) == 0 && len(c.Create) == 0 {
		return CorrectionResult{}, fmt.Errorf("%w: empty correction", ErrInvalidEntryShape)
	}
	for idx, d := range c.Create {
		if err := d.Validate(); err != nil {
			return CorrectionResult{}, fmt.Errorf("create %d: %w", idx, err)
		}
		if d.IsReversal {
			return CorrectionResult{}, fmt.Errorf("%w: create %d: reversals belong in Reverse", ErrInvalidEntryShape, idx)
		}
	}
	var result CorrectionResult
	var touched []uuid.UUID
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		result = CorrectionResult{}
		originals := make([]Entry, 0, len(c.Reverse))
		for _, id := range c.Reverse {
			e, err := tx.GetEntry(ctx, id)
			if err != nil {
				return err
			}
			originals = append(originals, e)
		}
		touched = uniqueAccounts(originals, c.Create)
		accounts, err := s.lockAccounts(ctx, tx, caller, touched)
		if err != nil {
			return err
		}
		for i := range originals {
			if originals[i], err = tx.GetEntry(ctx, originals[i].ID); err != nil {
				return err
			}
		}
		if err := balanced(originals, c.Create); err != nil {
			return err
		}
		postingID := s.newID()
		for _, original := range originals {
			rev, err := s.reverseEntry(ctx, tx, caller, accounts[original.AccountID], original, postingID, c.Memo)
			if err != nil {
				return err
			}
			result.Reversals = append(result.Reversals, rev)
		}
		for _, d := range c.Create {
			if d.Memo == "" {
				d.Memo = c.Memo
			}
			e, err := s.insertDraft(ctx, tx, caller, accounts[d.AccountID], d, postingID)
			if err != nil {
				return err
			}
			result.Created = append(result.Created, e)
		}
		return nil
	})
	if err != nil {
		return CorrectionResult{}, err
	}
	s.afterCommit(ctx, caller, "ledger.entry.correct", correctionEntity(result), map[string]any{
		"reversed": len(result.Reversals),
		"created":  len(result.Created),
		"memo":     c.Memo,
	}, touched...)
	return result, nil
}

// Recompute re-walks the account from fromEntry (or from the first entry)
// and rewrites every running balance that differs from the prefix sum.
// Running it twice on an unchanged entry set rewrites nothing.
func (s *Service) Recompute(ctx context.Context, caller shared.Caller, accountID uuid.UUID, fromEntry *uuid.UUID) (RecomputeResult, error) {
	if !caller.Valid() {
		return RecomputeResult{}, shared.ErrMissingCaller
	}
	var out RecomputeResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		acct, err := s.lockAccount(ctx, tx, caller, accountID)
		if err != nil {
			return err
		}
		first, ok, err := tx.FirstEntry(ctx, acct.ID)
		if err != nil {
			return err
		}
		if ok && beforeOpening(acct, first.TransactionDate) {
			return orphaned(acct.ID, first)
		}
		var from Position
		if fromEntry != nil {
			e, err := tx.GetEntry(ctx, *fromEntry)
			if err != nil {
				return err
			}
			if e.AccountID != acct.ID {
				return fmt.Errorf("%w: entry %s is not on account %s", ErrEntryNotFound, e.ID, acct.ID)
			}
			from = e.Position()
		}
		walked, rewritten, final, err := s.refold(ctx, tx, acct, from)
		if err != nil {
			return err
		}
		out = RecomputeResult{AccountID: acct.ID, Walked: len(walked), Rewritten: rewritten, Balance: final}
		return nil
	})
	if err != nil {
		return RecomputeResult{}, err
	}
	if out.Rewritten > 0 {
		s.afterCommit(ctx, caller, "ledger.account.recompute", accountID.String(), map[string]any{
			"rewritten": out.Rewritten,
		}, accountID)
	}
	return out, nil
}

// Verify checks the account against its entries without modifying
// anything: no entry predates the opening, every running balance equals
// its prefix sum and the cached current balance equals the active sum.
func (s *Service) Verify(ctx context.Context, caller shared.Caller, accountID uuid.UUID) (VerifyReport, error) {
	h, err := s.History(ctx, caller, accountID, nil)
	if err != nil {
		return VerifyReport{}, err
	}
	acct := h.Account
	running := acct.OpeningBalance
	for _, e := range h.Entries {
		if beforeOpening(acct, e.TransactionDate) {
			return VerifyReport{}, orphaned(acct.ID, e)
		}
		running = running.Add(e.Net())
		if !e.RunningBalance.Equal(running) {
			return VerifyReport{}, &IntegrityError{
				Err:        ErrBalanceDrift,
				AccountID:  acct.ID,
				EntryID:    e.ID,
				DocumentID: e.ReferenceID,
				Detail:     fmt.Sprintf("running_balance=%s expected=%s", e.RunningBalance, running),
			}
		}
	}
	active := ActiveBalance(acct.OpeningBalance, h.Entries)
	if !active.Equal(running) {
		return VerifyReport{}, &IntegrityError{
			Err:       ErrBalanceDrift,
			AccountID: acct.ID,
			Detail:    fmt.Sprintf("unmatched reversal: folded=%s active=%s", running, active),
		}
	}
	if !acct.CurrentBalance.Equal(active) {
		return VerifyReport{}, &IntegrityError{
			Err:       ErrBalanceDrift,
			AccountID: acct.ID,
			Detail:    fmt.Sprintf("current_balance=%s expected=%s", acct.CurrentBalance, active),
		}
	}
	return VerifyReport{AccountID: acct.ID, Entries: len(h.Entries), Balance: active}, nil
}

// GetAccount returns one account of the caller's tenant.
func (s *Service) GetAccount(ctx context.Context, caller shared.Caller, accountID uuid.UUID) (Account, error) {
	var acct Account
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		acct, err = readAccount(ctx, tx, caller, accountID)
		return err
	})
	return acct, err
}

// Accounts lists the caller's accounts.
func (s *Service) Accounts(ctx context.Context, caller shared.Caller) ([]Account, error) {
	if !caller.Valid() {
		return nil, shared.ErrMissingCaller
	}
	var out []Account
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = tx.ListAccounts(ctx, caller.TenantID)
		return err
	})
	return out, err
}

// ListEntries returns a page of an account's entries in total order.
func (s *Service) ListEntries(ctx context.Context, caller shared.Caller, accountID uuid.UUID, filter EntryFilter) (EntryPage, error) {
	limit := shared.ClampLimit(filter.Limit)
	filter.Limit = limit + 1
	var page EntryPage
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := readAccount(ctx, tx, caller, accountID); err != nil {
			return err
		}
		entries, err := tx.ListEntries(ctx, accountID, filter)
		if err != nil {
			return err
		}
		if len(entries) > limit {
			entries = entries[:limit]
			next := entries[len(entries)-1].Position()
			page.Next = &next
		}
		page.Entries = entries
		return nil
	})
	return page, err
}

// History reads the account and every entry dated on or before through
// (all entries when nil) from one snapshot.
func (s *Service) History(ctx context.Context, caller shared.Caller, accountID uuid.UUID, through *time.Time) (History, error) {
	var h History
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx TxRepository) error {
		acct, err := readAccount(ctx, tx, caller, accountID)
		if err != nil {
			return err
		}
		entries, err := tx.ListEntries(ctx, accountID, EntryFilter{To: through})
		if err != nil {
			return err
		}
		h = History{Account: acct, Entries: entries}
		return nil
	})
	return h, err
}

// EntriesForReferences returns every entry, active or not, recorded under
// the given source documents for the caller's tenant.
func (s *Service) EntriesForReferences(ctx context.Context, caller shared.Caller, refs []Reference) ([]Entry, error) {
	if !caller.Valid() {
		return nil, shared.ErrMissingCaller
	}
	if len(refs) == 0 {
		return nil, nil
	}
	var out []Entry
	err := s.repo.WithReadTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = tx.EntriesForReferences(ctx, caller.TenantID, refs)
		return err
	})
	return out, err
}

func readAccount(ctx context.Context, tx TxRepository, caller shared.Caller, id uuid.UUID) (Account, error) {
	if !caller.Valid() {
		return Account{}, shared.ErrMissingCaller
	}
	acct, err := tx.GetAccount(ctx, id)
	if err != nil {
		return Account{}, err
	}
	if acct.TenantID != caller.TenantID {
		return Account{}, ErrTenantMismatch
	}
	return acct, nil
}

func (s *Service) lockAccount(ctx context.Context, tx TxRepository, caller shared.Caller, id uuid.UUID) (Account, error) {
	acct, err := tx.GetAccountForUpdate(ctx, id)
	if err != nil {
		return Account{}, err
	}
	if acct.TenantID != caller.TenantID {
		return Account{}, ErrTenantMismatch
	}
	return acct, nil
}

// lockAccounts takes row locks in ascending id order so concurrent
// multi-account writers cannot deadlock.
func (s *Service) lockAccounts(ctx context.Context, tx TxRepository, caller shared.Caller, ids []uuid.UUID) (map[uuid.UUID]*Account, error) {
	sorted := append([]uuid.UUID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i][:], sorted[j][:]) < 0 })
	out := make(map[uuid.UUID]*Account, len(sorted))
	for _, id := range sorted {
		acct, err := s.lockAccount(ctx, tx, caller, id)
		if err != nil {
			return nil, err
		}
		out[id] = &acct
	}
	return out, nil
}

func (s *Service) insertDraft(ctx context.Context, tx TxRepository, caller shared.Caller, acct *Account, d Draft, postingID uuid.UUID) (Entry, error) {
	e := Entry{
		ID:              s.newID(),
		TenantID:        acct.TenantID,
		AccountID:       acct.ID,
		PostingID:       postingID,
		TransactionDate: d.TransactionDate,
		Debit:           d.Debit,
		Credit:          d.Credit,
		ReferenceType:   d.ReferenceType,
		ReferenceID:     d.ReferenceID,
		ReplacesEntryID: d.ReplacesEntryID,
		Memo:            d.Memo,
		CreatedBy:       caller.ActorID,
		CreatedAt:       s.now().UTC(),
	}
	if beforeOpening(*acct, e.TransactionDate) {
		return Entry{}, orphaned(acct.ID, e)
	}
	existing, found, err := tx.FindActive(ctx, e.Key())
	if err != nil {
		return Entry{}, err
	}
	if found {
		return Entry{}, &IntegrityError{
			Err:        ErrDuplicateEntry,
			AccountID:  acct.ID,
			EntryID:    existing.ID,
			DocumentID: e.ReferenceID,
			Detail:     "reference_type=" + string(e.ReferenceType),
		}
	}
	if err := s.place(ctx, tx, acct, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *Service) reverseEntry(ctx context.Context, tx TxRepository, caller shared.Caller, acct *Account, original Entry, postingID uuid.UUID, memo string) (Entry, error) {
	if original.AccountID != acct.ID {
		return Entry{}, fmt.Errorf("%w: entry %s is not on account %s", ErrEntryNotFound, original.ID, acct.ID)
	}
	if original.IsReversal {
		return Entry{}, fmt.Errorf("%w: a reversal cannot be reversed", ErrInvalidEntryShape)
	}
	if original.ReversedByEntryID != nil {
		return Entry{}, ErrAlreadyReversed
	}
	originalID := original.ID
	rev := Entry{
		ID:              s.newID(),
		TenantID:        original.TenantID,
		AccountID:       original.AccountID,
		PostingID:       postingID,
		TransactionDate: original.TransactionDate,
		Debit:           original.Credit,
		Credit:          original.Debit,
		ReferenceType:   original.ReferenceType,
		ReferenceID:     original.ReferenceID,
		KeyVariant:      KeyVariantReversal,
		IsReversal:      true,
		ReversesEntryID: &originalID,
		Memo:            memo,
		CreatedBy:       caller.ActorID,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.place(ctx, tx, acct, &rev); err != nil {
		return Entry{}, err
	}
	if err := tx.MarkReversed(ctx, original.ID, rev.ID); err != nil {
		return Entry{}, err
	}
	return rev, nil
}

// place inserts e and maintains running balances. An entry positioned at or
// after the account's last entry takes the O(1) path; anything earlier
// refolds the suffix from its own position.
func (s *Service) place(ctx context.Context, tx TxRepository, acct *Account, e *Entry) error {
	last, ok, err := tx.LastEntry(ctx, acct.ID)
	if err != nil {
		return err
	}
	if !ok || !e.Position().Before(last.Position()) {
		prev := acct.OpeningBalance
		if ok {
			prev = last.RunningBalance
		}
		e.RunningBalance = prev.Add(e.Net())
		if err := tx.InsertEntry(ctx, *e); err != nil {
			return err
		}
		acct.CurrentBalance = e.RunningBalance
		return tx.UpdateCurrentBalance(ctx, acct.ID, acct.CurrentBalance)
	}
	if err := tx.InsertEntry(ctx, *e); err != nil {
		return err
	}
	walked, _, final, err := s.refold(ctx, tx, *acct, e.Position())
	if err != nil {
		return err
	}
	if len(walked) > 0 && walked[0].ID == e.ID {
		e.RunningBalance = walked[0].RunningBalance
	}
	acct.CurrentBalance = final
	return nil
}

// refold recomputes the running balances of every entry at or after from
// and stores the final balance as the account's current balance.
func (s *Service) refold(ctx context.Context, tx TxRepository, acct Account, from Position) ([]Entry, int, decimal.Decimal, error) {
	start, ok, err := tx.BalanceBefore(ctx, acct.ID, from)
	if err != nil {
		return nil, 0, decimal.Zero, err
	}
	if !ok {
		start = acct.OpeningBalance
	}
	entries, err := tx.EntriesFrom(ctx, acct.ID, from)
	if err != nil {
		return nil, 0, decimal.Zero, err
	}
	updates, final := Fold(start, entries)
	if len(updates) > 0 {
		if err := tx.UpdateRunningBalances(ctx, updates); err != nil {
			return nil, 0, decimal.Zero, err
		}
	}
	if err := tx.UpdateCurrentBalance(ctx, acct.ID, final); err != nil {
		return nil, 0, decimal.Zero, err
	}
	return entries, len(updates), final, nil
}

func (s *Service) afterCommit(ctx context.Context, caller shared.Caller, action, entityID string, meta map[string]any, accountIDs ...uuid.UUID) {
	if s.invalidator != nil {
		if err := s.invalidator.Invalidate(ctx, caller.TenantID, accountIDs...); err != nil {
			s.logger.Warn("ledger cache invalidation failed", slog.String("action", action), slog.Any("error", err))
		}
	}
	if s.audit != nil {
		if err := s.audit.Record(ctx, shared.AuditLog{
			TenantID: caller.TenantID,
			ActorID:  caller.ActorID,
			Action:   action,
			Entity:   "ledger_entry",
			EntityID: entityID,
			Meta:     meta,
			At:       s.now(),
		}); err != nil {
			s.logger.Warn("ledger audit record failed", slog.String("action", action), slog.Any("error", err))
		}
	}
}

func beforeOpening(acct Account, date time.Time) bool {
	if acct.OpenedOn.IsZero() {
		return false
	}
	return dateOnly(date).Before(dateOnly(acct.OpenedOn))
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// mirrors checks a reversal draft against the entry it names.
func mirrors(d Draft, original Entry) error {
	switch {
	case original.AccountID != d.AccountID:
		return fmt.Errorf("%w: reversal account differs from original", ErrInvalidEntryShape)
	case original.ReferenceType != d.ReferenceType || original.ReferenceID != d.ReferenceID:
		return fmt.Errorf("%w: reversal reference differs from original", ErrInvalidEntryShape)
	case !original.Debit.Equal(d.Credit) || !original.Credit.Equal(d.Debit):
		return fmt.Errorf("%w: reversal must swap the original amounts", ErrInvalidEntryShape)
	case !dateOnly(original.TransactionDate).Equal(dateOnly(d.TransactionDate)):
		return fmt.Errorf("%w: reversal is dated on the original transaction date", ErrInvalidEntryShape)
	}
	return nil
}

// balanced checks that reversing originals and appending drafts moves equal
// debits and credits.
func balanced(originals []Entry, drafts []Draft) error {
	debit, credit := decimal.Zero, decimal.Zero
	for _, e := range originals {
		debit = debit.Add(e.Credit)
		credit = credit.Add(e.Debit)
	}
	for _, d := range drafts {
		debit = debit.Add(d.Debit)
		credit = credit.Add(d.Credit)
	}
	if !debit.Equal(credit) {
		return fmt.Errorf("%w: debit=%s credit=%s", ErrUnbalancedPosting, debit, credit)
	}
	return nil
}

func uniqueAccounts(entries []Entry, drafts []Draft) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	add := func(id uuid.UUID) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, e := range entries {
		add(e.AccountID)
	}
	for _, d := range drafts {
		add(d.AccountID)
	}
	return out
}

func correctionEntity(r CorrectionResult) string {
	switch {
	case len(r.Created) > 0:
		return r.Created[0].PostingID.String()
	case len(r.Reversals) > 0:
		return r.Reversals[0].PostingID.String()
	}
	return "empty"
}
