// Package ledgertest provides an in-memory ledger store for tests in
// packages that consume the ledger service.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/rental-ledger/internal/ledger"
)

// Store implements ledger.RepositoryPort in memory. Transactions are
// serialised and work on a copy of the state that is only published when
// fn succeeds, so a failing transaction leaves no trace.
type Store struct {
	mu     sync.Mutex
	state  state
	faults []fault
	writes int
}

type state struct {
	accounts map[uuid.UUID]ledger.Account
	entries  map[uuid.UUID]ledger.Entry
}

type fault struct {
	err    error
	landed bool
}

// New returns an empty store.
func New() *Store {
	return &Store{state: state{accounts: map[uuid.UUID]ledger.Account{}, entries: map[uuid.UUID]ledger.Entry{}}}
}

func (s state) clone() state {
	out := state{
		accounts: make(map[uuid.UUID]ledger.Account, len(s.accounts)),
		entries:  make(map[uuid.UUID]ledger.Entry, len(s.entries)),
	}
	for k, v := range s.accounts {
		out.accounts[k] = v
	}
	for k, v := range s.entries {
		out.entries[k] = v
	}
	return out
}

// AddAccount registers an account. Missing ids and timestamps are filled in
// and the current balance starts at the opening balance.
func (s *Store) AddAccount(acct ledger.Account) ledger.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acct.ID == uuid.Nil {
		acct.ID = uuid.New()
	}
	if acct.Type == "" {
		acct.Type = ledger.AccountTypeAsset
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now().UTC()
		acct.UpdatedAt = acct.CreatedAt
	}
	acct.CurrentBalance = acct.OpeningBalance
	s.state.accounts[acct.ID] = acct
	return acct
}

// Tenants lists the tenants owning at least one account.
func (s *Store) Tenants(context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[uuid.UUID]bool{}
	var out []uuid.UUID
	for _, acct := range s.state.accounts {
		if !seen[acct.TenantID] {
			seen[acct.TenantID] = true
			out = append(out, acct.TenantID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// Account returns the committed account.
func (s *Store) Account(id uuid.UUID) ledger.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.accounts[id]
}

// Entries returns the committed entries of the account in total order.
func (s *Store) Entries(accountID uuid.UUID) []ledger.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.sorted(accountID)
}

// ActiveEntries returns the committed active entries of the account.
func (s *Store) ActiveEntries(accountID uuid.UUID) []ledger.Entry {
	var out []ledger.Entry
	for _, e := range s.Entries(accountID) {
		if e.Active() {
			out = append(out, e)
		}
	}
	return out
}

// SetRunningBalance overwrites a cached running balance, simulating drift.
func (s *Store) SetRunningBalance(entryID uuid.UUID, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.state.entries[entryID]
	e.RunningBalance = balance
	s.state.entries[entryID] = e
}

// SetCurrentBalance overwrites the cached account balance.
func (s *Store) SetCurrentBalance(accountID uuid.UUID, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.state.accounts[accountID]
	a.CurrentBalance = balance
	s.state.accounts[accountID] = a
}

// InsertRaw stores an entry without any validation, for seeding legacy or
// corrupt data.
func (s *Store) InsertRaw(e ledger.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.entries[e.ID] = e
}

// FailCommit queues a commit fault for the next write transaction. When
// landed is true the writes are published before err is returned, which is
// how an ambiguous commit looks to the caller.
func (s *Store) FailCommit(err error, landed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, fault{err: err, landed: landed})
}

// Writes counts committed write transactions.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// WithTx implements ledger.RepositoryPort.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := &tx{state: s.state.clone()}
	if err := fn(ctx, work); err != nil {
		return err
	}
	if len(s.faults) > 0 {
		f := s.faults[0]
		s.faults = s.faults[1:]
		if f.landed {
			s.state = work.state
			s.writes++
		}
		return f.err
	}
	s.state = work.state
	s.writes++
	return nil
}

// WithReadTx implements ledger.RepositoryPort.
func (s *Store) WithReadTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, &tx{state: s.state.clone(), readOnly: true})
}

var errReadOnly = errors.New("ledgertest: write in read-only transaction")

type tx struct {
	state    state
	readOnly bool
}

func (s state) sorted(accountID uuid.UUID) []ledger.Entry {
	var out []ledger.Entry
	for _, e := range s.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	ledger.SortEntries(out)
	return out
}

func (t *tx) GetAccount(_ context.Context, id uuid.UUID) (ledger.Account, error) {
	a, ok := t.state.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return a, nil
}

func (t *tx) GetAccountForUpdate(ctx context.Context, id uuid.UUID) (ledger.Account, error) {
	if t.readOnly {
		return ledger.Account{}, errReadOnly
	}
	return t.GetAccount(ctx, id)
}

func (t *tx) ListAccounts(_ context.Context, tenantID uuid.UUID) ([]ledger.Account, error) {
	var out []ledger.Account
	for _, a := range t.state.accounts {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (t *tx) UpdateCurrentBalance(_ context.Context, accountID uuid.UUID, balance decimal.Decimal) error {
	if t.readOnly {
		return errReadOnly
	}
	a, ok := t.state.accounts[accountID]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	a.CurrentBalance = balance
	t.state.accounts[accountID] = a
	return nil
}

func (t *tx) GetEntry(_ context.Context, id uuid.UUID) (ledger.Entry, error) {
	e, ok := t.state.entries[id]
	if !ok {
		return ledger.Entry{}, ledger.ErrEntryNotFound
	}
	return e, nil
}

func (t *tx) FindActive(_ context.Context, key ledger.Key) (ledger.Entry, bool, error) {
	for _, e := range t.state.entries {
		if e.Active() && e.Key() == key {
			return e, true, nil
		}
	}
	return ledger.Entry{}, false, nil
}

func (t *tx) FirstEntry(_ context.Context, accountID uuid.UUID) (ledger.Entry, bool, error) {
	entries := t.state.sorted(accountID)
	if len(entries) == 0 {
		return ledger.Entry{}, false, nil
	}
	return entries[0], true, nil
}

func (t *tx) LastEntry(_ context.Context, accountID uuid.UUID) (ledger.Entry, bool, error) {
	entries := t.state.sorted(accountID)
	if len(entries) == 0 {
		return ledger.Entry{}, false, nil
	}
	return entries[len(entries)-1], true, nil
}

func (t *tx) BalanceBefore(_ context.Context, accountID uuid.UUID, pos ledger.Position) (decimal.Decimal, bool, error) {
	var (
		bal   decimal.Decimal
		found bool
	)
	for _, e := range t.state.sorted(accountID) {
		if !e.Position().Before(pos) {
			break
		}
		bal, found = e.RunningBalance, true
	}
	return bal, found, nil
}

func (t *tx) EntriesFrom(_ context.Context, accountID uuid.UUID, pos ledger.Position) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for _, e := range t.state.sorted(accountID) {
		if !e.Position().Before(pos) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *tx) ListEntries(_ context.Context, accountID uuid.UUID, filter ledger.EntryFilter) ([]ledger.Entry, error) {
	var out []ledger.Entry
	for _, e := range t.state.sorted(accountID) {
		switch {
		case filter.From != nil && e.TransactionDate.Before(*filter.From):
			continue
		case filter.To != nil && e.TransactionDate.After(*filter.To):
			continue
		case filter.ReferenceType != "" && e.ReferenceType != filter.ReferenceType:
			continue
		case filter.ActiveOnly && !e.Active():
			continue
		case filter.After != nil && !filter.After.Before(e.Position()):
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (t *tx) EntriesForReferences(_ context.Context, tenantID uuid.UUID, refs []ledger.Reference) ([]ledger.Entry, error) {
	wanted := make(map[ledger.Reference]struct{}, len(refs))
	for _, r := range refs {
		wanted[r] = struct{}{}
	}
	var out []ledger.Entry
	for _, e := range t.state.entries {
		if e.TenantID != tenantID {
			continue
		}
		if _, ok := wanted[ledger.Reference{Type: e.ReferenceType, ID: e.ReferenceID}]; ok {
			out = append(out, e)
		}
	}
	ledger.SortEntries(out)
	return out, nil
}

func (t *tx) InsertEntry(_ context.Context, e ledger.Entry) error {
	if t.readOnly {
		return errReadOnly
	}
	if _, exists := t.state.entries[e.ID]; exists {
		return fmt.Errorf("ledgertest: entry %s already exists", e.ID)
	}
	for _, other := range t.state.entries {
		if e.Active() && other.Active() && other.Key() == e.Key() {
			return &ledger.IntegrityError{Err: ledger.ErrDuplicateEntry, AccountID: e.AccountID, EntryID: other.ID, DocumentID: e.ReferenceID}
		}
		if e.ReversesEntryID != nil && other.ReversesEntryID != nil && *other.ReversesEntryID == *e.ReversesEntryID {
			return ledger.ErrAlreadyReversed
		}
	}
	t.state.entries[e.ID] = e
	return nil
}

func (t *tx) MarkReversed(_ context.Context, entryID, reversalID uuid.UUID) error {
	if t.readOnly {
		return errReadOnly
	}
	e, ok := t.state.entries[entryID]
	if !ok {
		return ledger.ErrEntryNotFound
	}
	if e.ReversedByEntryID != nil {
		return ledger.ErrAlreadyReversed
	}
	id := reversalID
	e.ReversedByEntryID = &id
	t.state.entries[entryID] = e
	return nil
}

func (t *tx) UpdateRunningBalances(_ context.Context, updates []ledger.BalanceUpdate) error {
	if t.readOnly {
		return errReadOnly
	}
	for _, u := range updates {
		e, ok := t.state.entries[u.EntryID]
		if !ok {
			return ledger.ErrEntryNotFound
		}
		e.RunningBalance = u.RunningBalance
		t.state.entries[u.EntryID] = e
	}
	return nil
}
