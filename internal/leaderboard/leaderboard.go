// Package leaderboard maintains a ranking of client-reported total worth.
// Entries are a mirrored cache; nothing here touches ledger balances.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
	"github.com/papertrade/ledger-engine/internal/money"
	"github.com/papertrade/ledger-engine/internal/store"
)

// ErrInvalidWorth is returned for a negative or over-precise total worth.
var ErrInvalidWorth = errors.New("leaderboard: invalid total worth")

// Service records and ranks account total worth.
type Service struct {
	store store.Store
	now   func() time.Time
}

// NewService creates a leaderboard service over st.
func NewService(st store.Store) *Service {
	return &Service{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// Submit stores the account's latest total worth, replacing any earlier entry.
func (s *Service) Submit(ctx context.Context, accountID int64, totalWorth decimal.Decimal) (*model.LeaderboardEntry, error) {
	if err := money.Validate(totalWorth); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWorth, err)
	}
	if totalWorth.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidWorth, totalWorth)
	}

	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", model.ErrAccountNotFound, accountID)
		}
		return nil, &model.StorageError{Op: "get account", Err: err}
	}

	entry := &model.LeaderboardEntry{
		AccountID:  accountID,
		Name:       acct.Name,
		TotalWorth: totalWorth,
		UpdatedAt:  s.now(),
	}
	if err := s.store.UpsertLeaderboardEntry(ctx, entry); err != nil {
		return nil, &model.StorageError{Op: "upsert leaderboard", Err: err}
	}
	return entry, nil
}

// Standings returns every entry, highest total worth first.
func (s *Service) Standings(ctx context.Context) ([]model.LeaderboardEntry, error) {
	entries, err := s.store.ListLeaderboard(ctx)
	if err != nil {
		return nil, &model.StorageError{Op: "list leaderboard", Err: err}
	}
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}
	return entries, nil
}
