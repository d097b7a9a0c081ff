// Package model defines the core domain types shared across the ledger.
// All monetary values and share quantities use shopspring/decimal; never
// float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known trade side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Account holds a user's identity and cash balance. Balance is never negative.
type Account struct {
	ID           int64           `json:"id" db:"id"`
	Name         string          `json:"name" db:"name"`
	Email        string          `json:"email" db:"email"`
	PasswordHash string          `json:"-" db:"password_hash"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Position is an account's holding in one ticker. SharesOwned is strictly
// positive while the position exists; AveragePrice is the weighted-average
// purchase price per share and only moves on buys.
type Position struct {
	AccountID    int64           `json:"account_id" db:"account_id"`
	Ticker       string          `json:"ticker" db:"ticker"`
	SharesOwned  decimal.Decimal `json:"shares_owned" db:"shares_owned"`
	AveragePrice decimal.Decimal `json:"average_price" db:"average_price"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Transaction is an immutable record of a trade execution.
// Once created it is never modified; only an account reset removes it.
// Schema: {account, ticker, side, quantity, price, timestamp}
type Transaction struct {
	ID        string          `json:"id" db:"id"`
	AccountID int64           `json:"account_id" db:"account_id"`
	Ticker    string          `json:"ticker" db:"ticker"`
	Side      Side            `json:"side" db:"side"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// LeaderboardEntry mirrors a client-reported total worth for ranking.
// It is a cache and plays no part in ledger invariants.
type LeaderboardEntry struct {
	AccountID  int64           `json:"account_id" db:"account_id"`
	Name       string          `json:"name" db:"name"`
	TotalWorth decimal.Decimal `json:"total_worth" db:"total_worth"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}
