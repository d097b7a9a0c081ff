package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Reads check Redis first then fall back to the primary. Ledger
// mutations always go to the primary inside WithTx, and every account a
// transaction touched is invalidated once it commits.
//
// Invalidation writes a short-lived tombstone instead of deleting the key,
// and fills use SET NX. A reader that loaded a pre-commit row cannot put it
// back while the tombstone lives.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	return s.primary.CreateAccount(ctx, a)
}

func (s *CachedStore) UpsertLeaderboardEntry(ctx context.Context, e *model.LeaderboardEntry) error {
	if err := s.primary.UpsertLeaderboardEntry(ctx, e); err != nil {
		return err
	}
	s.invalidate(ctx, leaderboardKey)
	return nil
}

func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	touched := make(map[int64]struct{})
	err := s.primary.WithTx(ctx, func(tx Tx) error {
		return fn(&trackingTx{Tx: tx, touched: touched})
	})
	if err != nil {
		return err
	}

	keys := make([]string, 0, 2*len(touched))
	for id := range touched {
		keys = append(keys, accountKey(id), positionsKey(id))
	}
	s.invalidate(ctx, keys...)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	var a model.Account
	if s.load(ctx, accountKey(id), &a) {
		return &a, nil
	}

	acct, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.save(ctx, accountKey(id), acct)
	return acct, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, accountID int64) ([]model.Position, error) {
	var positions []model.Position
	if s.load(ctx, positionsKey(accountID), &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, positionsKey(accountID), positions)
	return positions, nil
}

func (s *CachedStore) ListLeaderboard(ctx context.Context) ([]model.LeaderboardEntry, error) {
	var entries []model.LeaderboardEntry
	if s.load(ctx, leaderboardKey, &entries) {
		return entries, nil
	}

	entries, err := s.primary.ListLeaderboard(ctx)
	if err != nil {
		return nil, err
	}
	s.save(ctx, leaderboardKey, entries)
	return entries, nil
}

// --- Passthrough (not cached) ---

// GetAccountByEmail backs login, which needs the password hash. The hash
// is never serialized, so cached snapshots cannot serve it.
func (s *CachedStore) GetAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	return s.primary.GetAccountByEmail(ctx, email)
}

func (s *CachedStore) ListTransactions(ctx context.Context, accountID int64) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx, accountID)
}

// --- Cache helpers ---

// invalidationHold is how long a tombstone blocks refills after a write.
const invalidationHold = 2 * time.Second

var tombstone = []byte("-")

func (s *CachedStore) load(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil || bytes.Equal(data, tombstone) {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// save fills key unless it is already present, tombstones included.
func (s *CachedStore) save(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.SetNX(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	hold := invalidationHold
	if s.ttl > 0 && s.ttl < hold {
		hold = s.ttl
	}
	pipe := s.rdb.Pipeline()
	for _, k := range keys {
		pipe.Set(ctx, k, tombstone, hold)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		// Fall back to a plain delete so stale entries do not outlive the write.
		s.rdb.Del(ctx, keys...)
	}
}

// trackingTx records which accounts a transaction wrote to.
type trackingTx struct {
	Tx
	touched map[int64]struct{}
}

func (t *trackingTx) SetBalance(ctx context.Context, accountID int64, balance decimal.Decimal) error {
	t.touched[accountID] = struct{}{}
	return t.Tx.SetBalance(ctx, accountID, balance)
}

func (t *trackingTx) SavePosition(ctx context.Context, p *model.Position) error {
	t.touched[p.AccountID] = struct{}{}
	return t.Tx.SavePosition(ctx, p)
}

func (t *trackingTx) DeletePosition(ctx context.Context, accountID int64, ticker string) error {
	t.touched[accountID] = struct{}{}
	return t.Tx.DeletePosition(ctx, accountID, ticker)
}

func (t *trackingTx) DeleteAccountHistory(ctx context.Context, accountID int64) error {
	t.touched[accountID] = struct{}{}
	return t.Tx.DeleteAccountHistory(ctx, accountID)
}

const leaderboardKey = "leaderboard"

func accountKey(id int64) string   { return fmt.Sprintf("account:%d", id) }
func positionsKey(id int64) string { return fmt.Sprintf("positions:%d", id) }
