// Package position implements weighted-average cost basis accounting for a
// single (account, ticker) holding.
//
// The functions here are pure: they never touch storage. The ledger engine
// loads the current position, applies a buy or sell, and persists the result
// in the same transaction as the balance change.
package position

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
	"github.com/papertrade/ledger-engine/internal/money"
)

// ApplyBuy returns the position after buying qty shares at price.
//
// If existing is nil a new position is opened with the trade's quantity and
// price. Otherwise shares are added and the average price is recomputed as
// the weighted average of the old holding and the new lot. existing is not
// modified.
func ApplyBuy(existing *model.Position, accountID int64, ticker string, qty, price decimal.Decimal, now time.Time) (*model.Position, error) {
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: got %s", model.ErrInvalidQuantity, qty)
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: got %s", model.ErrInvalidPrice, price)
	}

	if existing == nil {
		return &model.Position{
			AccountID:    accountID,
			Ticker:       ticker,
			SharesOwned:  qty,
			AveragePrice: price,
			UpdatedAt:    now,
		}, nil
	}

	avg, err := money.WeightedAverage(existing.SharesOwned, existing.AveragePrice, qty, price)
	if err != nil {
		return nil, fmt.Errorf("position %s: %w", existing.Ticker, err)
	}

	next := *existing
	next.SharesOwned = existing.SharesOwned.Add(qty)
	next.AveragePrice = avg
	next.UpdatedAt = now
	return &next, nil
}

// ApplySell returns the position after selling qty shares.
//
// The average price is never changed by a sell. When the remaining share
// count is exactly zero, removed is true and the returned position carries
// the zero quantity; callers delete it rather than storing it.
func ApplySell(existing *model.Position, qty decimal.Decimal, now time.Time) (next *model.Position, removed bool, err error) {
	if existing == nil {
		return nil, false, model.ErrPositionNotFound
	}
	if !qty.IsPositive() {
		return nil, false, fmt.Errorf("%w: got %s", model.ErrInvalidQuantity, qty)
	}
	if qty.GreaterThan(existing.SharesOwned) {
		return nil, false, fmt.Errorf("%w: selling %s of %s, holding %s",
			model.ErrInsufficientShares, qty, existing.Ticker, existing.SharesOwned)
	}

	p := *existing
	p.SharesOwned = existing.SharesOwned.Sub(qty)
	p.UpdatedAt = now
	return &p, p.SharesOwned.IsZero(), nil
}
