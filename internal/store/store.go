// Package store defines the persistence interface for the ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("store: conflict")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for the read paths.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account and assigns its ID.
	// Returns ErrConflict if the email is taken.
	CreateAccount(ctx context.Context, account *model.Account) error

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id int64) (*model.Account, error)

	// GetAccountByEmail retrieves an account by its unique email.
	GetAccountByEmail(ctx context.Context, email string) (*model.Account, error)

	// --- Read paths ---

	// ListPositions returns an account's open positions ordered by ticker.
	ListPositions(ctx context.Context, accountID int64) ([]model.Position, error)

	// ListTransactions returns an account's trades in insertion order.
	ListTransactions(ctx context.Context, accountID int64) ([]model.Transaction, error)

	// --- Leaderboard ---

	// UpsertLeaderboardEntry inserts or replaces an account's ranking row.
	UpsertLeaderboardEntry(ctx context.Context, entry *model.LeaderboardEntry) error

	// ListLeaderboard returns entries ordered by total worth, highest first.
	ListLeaderboard(ctx context.Context) ([]model.LeaderboardEntry, error)

	// --- Ledger mutations ---

	// WithTx runs fn inside a single atomic unit. If fn returns an error, or
	// the commit fails, nothing fn wrote is visible afterwards. The Tx must
	// not be used after fn returns.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of ledger writes that must commit together.
type Tx interface {
	// LockAccount loads an account and holds it exclusively until the
	// transaction ends, serializing concurrent operations on the same account.
	LockAccount(ctx context.Context, id int64) (*model.Account, error)

	// SetBalance overwrites an account's cash balance.
	SetBalance(ctx context.Context, accountID int64, balance decimal.Decimal) error

	// GetPosition returns the position for (accountID, ticker) or ErrNotFound.
	GetPosition(ctx context.Context, accountID int64, ticker string) (*model.Position, error)

	// SavePosition inserts or updates a position.
	SavePosition(ctx context.Context, position *model.Position) error

	// DeletePosition removes the position for (accountID, ticker).
	DeletePosition(ctx context.Context, accountID int64, ticker string) error

	// InsertTransaction appends an immutable trade record.
	InsertTransaction(ctx context.Context, txn *model.Transaction) error

	// DeleteAccountHistory removes every position and transaction for an account.
	DeleteAccountHistory(ctx context.Context, accountID int64) error
}
