package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// WithTx holds the write lock for the whole callback, so every ledger
// operation is serialized; a snapshot taken on entry is restored if the
// callback fails.
type MemoryStore struct {
	mu        sync.RWMutex
	nextID    int64
	accounts  map[int64]*model.Account
	emails    map[string]int64
	positions map[int64]map[string]model.Position
	txns      map[int64][]model.Transaction

	// leaderboard is kept sorted by total worth; rankings indexes it by account.
	leaderboard *btree.BTreeG[model.LeaderboardEntry]
	rankings    map[int64]model.LeaderboardEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[int64]*model.Account),
		emails:      make(map[string]int64),
		positions:   make(map[int64]map[string]model.Position),
		txns:        make(map[int64][]model.Transaction),
		leaderboard: btree.NewG(16, rankedAbove),
		rankings:    make(map[int64]model.LeaderboardEntry),
	}
}

// rankedAbove orders entries by total worth descending, ties by account ID.
func rankedAbove(a, b model.LeaderboardEntry) bool {
	if c := a.TotalWorth.Cmp(b.TotalWorth); c != 0 {
		return c > 0
	}
	return a.AccountID < b.AccountID
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.emails[a.Email]; exists {
		return fmt.Errorf("account %s: %w", a.Email, ErrConflict)
	}

	s.nextID++
	a.ID = s.nextID

	// Store a copy to avoid external mutation.
	copy := *a
	s.accounts[a.ID] = &copy
	s.emails[a.Email] = a.ID
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id int64) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetAccountByEmail(_ context.Context, email string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.emails[email]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", email, ErrNotFound)
	}
	copy := *s.accounts[id]
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, accountID int64) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	held := s.positions[accountID]
	positions := make([]model.Position, 0, len(held))
	for _, p := range held {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Ticker < positions[j].Ticker
	})
	return positions, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, accountID int64) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Transaction, len(s.txns[accountID]))
	copy(result, s.txns[accountID])
	return result, nil
}

func (s *MemoryStore) UpsertLeaderboardEntry(_ context.Context, e *model.LeaderboardEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.rankings[e.AccountID]; ok {
		s.leaderboard.Delete(old)
	}
	s.leaderboard.ReplaceOrInsert(*e)
	s.rankings[e.AccountID] = *e
	return nil
}

func (s *MemoryStore) ListLeaderboard(_ context.Context) ([]model.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]model.LeaderboardEntry, 0, s.leaderboard.Len())
	s.leaderboard.Ascend(func(e model.LeaderboardEntry) bool {
		entries = append(entries, e)
		return true
	})
	return entries, nil
}

// WithTx runs fn under the store's write lock. fn must only use the Tx it is
// given; calling other MemoryStore methods from inside fn deadlocks.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&memoryTx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	if err := ctx.Err(); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// memorySnapshot is a deep copy of the ledger state a Tx may write.
type memorySnapshot struct {
	accounts  map[int64]model.Account
	positions map[int64]map[string]model.Position
	txns      map[int64][]model.Transaction
}

func (s *MemoryStore) snapshot() memorySnapshot {
	snap := memorySnapshot{
		accounts:  make(map[int64]model.Account, len(s.accounts)),
		positions: make(map[int64]map[string]model.Position, len(s.positions)),
		txns:      make(map[int64][]model.Transaction, len(s.txns)),
	}
	for id, a := range s.accounts {
		snap.accounts[id] = *a
	}
	for id, held := range s.positions {
		m := make(map[string]model.Position, len(held))
		for k, p := range held {
			m[k] = p
		}
		snap.positions[id] = m
	}
	for id, list := range s.txns {
		snap.txns[id] = append([]model.Transaction(nil), list...)
	}
	return snap
}

func (s *MemoryStore) restore(snap memorySnapshot) {
	for id, a := range snap.accounts {
		a := a
		s.accounts[id] = &a
	}
	s.positions = snap.positions
	s.txns = snap.txns
}

// memoryTx writes directly into the store; the caller holds s.mu.
type memoryTx struct {
	s *MemoryStore
}

func (t *memoryTx) LockAccount(_ context.Context, id int64) (*model.Account, error) {
	a, ok := t.s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (t *memoryTx) SetBalance(_ context.Context, accountID int64, balance decimal.Decimal) error {
	a, ok := t.s.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %d: %w", accountID, ErrNotFound)
	}
	a.Balance = balance
	return nil
}

func (t *memoryTx) GetPosition(_ context.Context, accountID int64, ticker string) (*model.Position, error) {
	p, ok := t.s.positions[accountID][ticker]
	if !ok {
		return nil, fmt.Errorf("position %d/%s: %w", accountID, ticker, ErrNotFound)
	}
	return &p, nil
}

func (t *memoryTx) SavePosition(_ context.Context, p *model.Position) error {
	held, ok := t.s.positions[p.AccountID]
	if !ok {
		held = make(map[string]model.Position)
		t.s.positions[p.AccountID] = held
	}
	held[p.Ticker] = *p
	return nil
}

func (t *memoryTx) DeletePosition(_ context.Context, accountID int64, ticker string) error {
	if _, ok := t.s.positions[accountID][ticker]; !ok {
		return fmt.Errorf("position %d/%s: %w", accountID, ticker, ErrNotFound)
	}
	delete(t.s.positions[accountID], ticker)
	return nil
}

func (t *memoryTx) InsertTransaction(_ context.Context, txn *model.Transaction) error {
	t.s.txns[txn.AccountID] = append(t.s.txns[txn.AccountID], *txn)
	return nil
}

func (t *memoryTx) DeleteAccountHistory(_ context.Context, accountID int64) error {
	delete(t.s.positions, accountID)
	delete(t.s.txns, accountID)
	return nil
}
