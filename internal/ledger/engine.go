// Package ledger implements the paper-trading ledger engine: cash balances,
// weighted-average positions and the transaction history behind buy, sell
// and reset.
//
// Every mutating operation runs inside one store transaction that first
// locks the account row. Business rules are checked before anything is
// written, and any storage failure rolls back the balance, position and
// history changes together.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/metrics"
	"github.com/papertrade/ledger-engine/internal/model"
	"github.com/papertrade/ledger-engine/internal/money"
	"github.com/papertrade/ledger-engine/internal/position"
	"github.com/papertrade/ledger-engine/internal/store"
	"github.com/papertrade/ledger-engine/internal/ticker"
)

// TradeObserver is notified after a trade commits. Implementations must not
// block; the WebSocket hub drops messages when its buffer is full.
type TradeObserver interface {
	TradeExecuted(result TradeResult)
}

// TradeResult describes a committed buy or sell.
type TradeResult struct {
	Account     model.Account
	Position    *model.Position // nil when a sell closed the position
	Transaction model.Transaction
	Total       decimal.Decimal // cost of a buy, proceeds of a sell
}

// Portfolio is an account snapshot with its open positions.
type Portfolio struct {
	Account   model.Account
	Positions []model.Position
}

// History is an account snapshot with its trades, oldest first.
type History struct {
	Account      model.Account
	Transactions []model.Transaction
}

// Engine executes ledger operations against a Store. It keeps no account
// state between calls; every operation reloads from the store.
type Engine struct {
	store           store.Store
	history         *Recorder
	startingBalance decimal.Decimal
	now             func() time.Time
	logger          *slog.Logger
	observer        TradeObserver
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithObserver registers a listener for committed trades.
func WithObserver(o TradeObserver) Option {
	return func(e *Engine) { e.observer = o }
}

// NewEngine creates a ledger engine. startingBalance is assigned to new
// accounts and restored on reset.
func NewEngine(st store.Store, startingBalance decimal.Decimal, opts ...Option) *Engine {
	e := &Engine{
		store:           st,
		startingBalance: startingBalance,
		now:             func() time.Time { return time.Now().UTC() },
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.history = NewRecorder(st, e.now)
	return e
}

// StartingBalance returns the balance given to new and reset accounts.
func (e *Engine) StartingBalance() decimal.Decimal {
	return e.startingBalance
}

// --- Accounts ---

// Open registers a new account with the starting balance. passwordHash must
// already be hashed; the engine never sees plaintext passwords.
func (e *Engine) Open(ctx context.Context, name, email, passwordHash string) (*model.Account, error) {
	name = strings.TrimSpace(name)
	email = normalizeEmail(email)
	if name == "" || email == "" {
		return nil, &model.ValidationError{Message: "name and email are required"}
	}

	acct := &model.Account{
		Name:         name,
		Email:        email,
		PasswordHash: passwordHash,
		Balance:      e.startingBalance,
		CreatedAt:    e.now(),
	}
	if err := e.store.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", model.ErrAccountAlreadyExists, email)
		}
		return nil, &model.StorageError{Op: "create account", Err: err}
	}

	metrics.AccountsOpened.Inc()
	e.logger.Info("account opened", "account", acct.ID, "email", acct.Email)
	return acct, nil
}

// Account returns an account snapshot.
func (e *Engine) Account(ctx context.Context, id int64) (*model.Account, error) {
	acct, err := e.store.GetAccount(ctx, id)
	if err != nil {
		return nil, accountErr(id, "get account", err)
	}
	return acct, nil
}

// AccountByEmail looks an account up by email, including its password hash.
func (e *Engine) AccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	email = normalizeEmail(email)
	acct, err := e.store.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", model.ErrAccountNotFound, email)
		}
		return nil, &model.StorageError{Op: "get account by email", Err: err}
	}
	return acct, nil
}

// Portfolio returns the account with its open positions ordered by ticker.
func (e *Engine) Portfolio(ctx context.Context, id int64) (*Portfolio, error) {
	acct, err := e.Account(ctx, id)
	if err != nil {
		return nil, err
	}
	positions, err := e.store.ListPositions(ctx, id)
	if err != nil {
		return nil, &model.StorageError{Op: "list positions", Err: err}
	}
	if positions == nil {
		positions = []model.Position{}
	}
	return &Portfolio{Account: *acct, Positions: positions}, nil
}

// History returns the account with its trades in the order they happened.
func (e *Engine) History(ctx context.Context, id int64) (*History, error) {
	acct, err := e.Account(ctx, id)
	if err != nil {
		return nil, err
	}
	txns, err := e.history.ListByAccount(ctx, id)
	if err != nil {
		return nil, &model.StorageError{Op: "list transactions", Err: err}
	}
	return &History{Account: *acct, Transactions: txns}, nil
}

// --- Trades ---

// Buy debits qty*price from the account and adds qty shares of symbol at
// price to its position, recomputing the weighted-average cost basis.
func (e *Engine) Buy(ctx context.Context, accountID int64, symbol string, qty, price decimal.Decimal) (*TradeResult, error) {
	return e.trade(ctx, model.SideBuy, accountID, symbol, qty, price)
}

// Sell credits qty*price to the account and removes qty shares of symbol.
// The position is deleted when no shares remain.
func (e *Engine) Sell(ctx context.Context, accountID int64, symbol string, qty, price decimal.Decimal) (*TradeResult, error) {
	return e.trade(ctx, model.SideSell, accountID, symbol, qty, price)
}

func (e *Engine) trade(ctx context.Context, side model.Side, accountID int64, symbol string, qty, price decimal.Decimal) (*TradeResult, error) {
	start := time.Now()

	result, err := e.executeTrade(ctx, side, accountID, symbol, qty, price)

	metrics.TradeLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TradeRejections.WithLabelValues(string(side), rejectionReason(err)).Inc()
		e.logRejection(side, accountID, symbol, err)
		return nil, err
	}

	total, _ := result.Total.Float64()
	metrics.TradesTotal.WithLabelValues(string(side)).Inc()
	metrics.TradeVolume.WithLabelValues(string(side)).Add(total)

	e.logger.Info("trade executed",
		"trade_id", result.Transaction.ID,
		"account", accountID,
		"ticker", result.Transaction.Ticker,
		"side", string(side),
		"qty", qty.String(),
		"price", price.String(),
		"total", result.Total.String(),
		"balance", result.Account.Balance.String(),
	)

	if e.observer != nil {
		e.observer.TradeExecuted(*result)
	}
	return result, nil
}

func (e *Engine) executeTrade(ctx context.Context, side model.Side, accountID int64, symbol string, qty, price decimal.Decimal) (*TradeResult, error) {
	sym, err := ticker.Normalize(symbol)
	if err != nil {
		return nil, err
	}
	if err := validateAmounts(side, qty, price); err != nil {
		return nil, err
	}

	var result *TradeResult
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		acct, err := tx.LockAccount(ctx, accountID)
		if err != nil {
			return accountErr(accountID, "lock account", err)
		}

		existing, err := tx.GetPosition(ctx, accountID, sym)
		if errors.Is(err, store.ErrNotFound) {
			existing = nil
		} else if err != nil {
			return &model.StorageError{Op: "get position", Err: err}
		}

		if side == model.SideBuy {
			result, err = e.applyBuy(ctx, tx, acct, existing, sym, qty, price)
		} else {
			result, err = e.applySell(ctx, tx, acct, existing, sym, qty, price)
		}
		return err
	})
	if err != nil {
		return nil, asStorageError("trade", err)
	}
	return result, nil
}

func (e *Engine) applyBuy(ctx context.Context, tx store.Tx, acct *model.Account, existing *model.Position, sym string, qty, price decimal.Decimal) (*TradeResult, error) {
	cost := money.Cost(qty, price)
	if cost.GreaterThan(acct.Balance) {
		return nil, fmt.Errorf("%w: cost %s exceeds balance %s",
			model.ErrInsufficientBalance, cost, acct.Balance)
	}

	next, err := position.ApplyBuy(existing, acct.ID, sym, qty, price, e.now())
	if err != nil {
		return nil, err
	}

	balance := acct.Balance.Sub(cost)
	if err := tx.SetBalance(ctx, acct.ID, balance); err != nil {
		return nil, &model.StorageError{Op: "debit balance", Err: err}
	}
	if err := tx.SavePosition(ctx, next); err != nil {
		return nil, &model.StorageError{Op: "save position", Err: err}
	}
	txn, err := e.history.Record(ctx, tx, acct.ID, sym, model.SideBuy, qty, price)
	if err != nil {
		return nil, &model.StorageError{Op: "record transaction", Err: err}
	}

	acct.Balance = balance
	return &TradeResult{Account: *acct, Position: next, Transaction: *txn, Total: cost}, nil
}

func (e *Engine) applySell(ctx context.Context, tx store.Tx, acct *model.Account, existing *model.Position, sym string, qty, price decimal.Decimal) (*TradeResult, error) {
	if existing == nil {
		return nil, fmt.Errorf("%w: account %d holds no %s", model.ErrPositionNotFound, acct.ID, sym)
	}

	next, removed, err := position.ApplySell(existing, qty, e.now())
	if err != nil {
		return nil, err
	}

	proceeds := money.Cost(qty, price)
	balance := acct.Balance.Add(proceeds)
	if err := tx.SetBalance(ctx, acct.ID, balance); err != nil {
		return nil, &model.StorageError{Op: "credit balance", Err: err}
	}
	if removed {
		if err := tx.DeletePosition(ctx, acct.ID, sym); err != nil {
			return nil, &model.StorageError{Op: "delete position", Err: err}
		}
		next = nil
	} else if err := tx.SavePosition(ctx, next); err != nil {
		return nil, &model.StorageError{Op: "save position", Err: err}
	}
	txn, err := e.history.Record(ctx, tx, acct.ID, sym, model.SideSell, qty, price)
	if err != nil {
		return nil, &model.StorageError{Op: "record transaction", Err: err}
	}

	acct.Balance = balance
	return &TradeResult{Account: *acct, Position: next, Transaction: *txn, Total: proceeds}, nil
}

// --- Reset ---

// Reset deletes every position and transaction of the account and restores
// the starting balance. It is irreversible.
func (e *Engine) Reset(ctx context.Context, accountID int64) (*model.Account, error) {
	var acct *model.Account
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		acct, err = tx.LockAccount(ctx, accountID)
		if err != nil {
			return accountErr(accountID, "lock account", err)
		}
		if err := tx.DeleteAccountHistory(ctx, accountID); err != nil {
			return &model.StorageError{Op: "delete history", Err: err}
		}
		if err := tx.SetBalance(ctx, accountID, e.startingBalance); err != nil {
			return &model.StorageError{Op: "reset balance", Err: err}
		}
		acct.Balance = e.startingBalance
		return nil
	})
	if err != nil {
		return nil, asStorageError("reset", err)
	}

	metrics.AccountResets.Inc()
	e.logger.Info("account reset", "account", accountID, "balance", e.startingBalance.String())
	return acct, nil
}

// --- Helpers ---

// validateAmounts bounds both values before anything formats or compares
// them.
func validateAmounts(side model.Side, qty, price decimal.Decimal) error {
	if err := money.Validate(qty); err != nil {
		return fmt.Errorf("%w: %w", model.ErrInvalidQuantity, err)
	}
	if !qty.IsPositive() {
		return fmt.Errorf("%w: %s %s", model.ErrInvalidQuantity, side, qty)
	}
	if err := money.Validate(price); err != nil {
		return fmt.Errorf("%w: %w", model.ErrInvalidPrice, err)
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: %s at %s", model.ErrInvalidPrice, side, price)
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// accountErr maps a store lookup failure to ErrAccountNotFound or a StorageError.
func accountErr(id int64, op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %d", model.ErrAccountNotFound, id)
	}
	return &model.StorageError{Op: op, Err: err}
}

// ruleErrors are the business-rule failures callers can act on.
var ruleErrors = []error{
	model.ErrAccountNotFound,
	model.ErrAccountAlreadyExists,
	model.ErrPositionNotFound,
	model.ErrInvalidQuantity,
	model.ErrInvalidPrice,
	model.ErrInsufficientBalance,
	model.ErrInsufficientShares,
	ticker.ErrInvalidTicker,
}

func isRuleError(err error) bool {
	for _, target := range ruleErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// asStorageError passes business-rule errors and StorageErrors through and
// wraps anything else (begin/commit failures, cancellation) as a StorageError.
func asStorageError(op string, err error) error {
	var se *model.StorageError
	if errors.As(err, &se) || isRuleError(err) {
		return err
	}
	return &model.StorageError{Op: op, Err: err}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, model.ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, model.ErrPositionNotFound):
		return "position_not_found"
	case errors.Is(err, model.ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, model.ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, ticker.ErrInvalidTicker):
		return "invalid_ticker"
	case errors.Is(err, model.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, model.ErrInsufficientShares):
		return "insufficient_shares"
	default:
		return "storage"
	}
}

func (e *Engine) logRejection(side model.Side, accountID int64, symbol string, err error) {
	attrs := []any{"account", accountID, "ticker", symbol, "side", string(side), "err", err}
	var se *model.StorageError
	if errors.As(err, &se) {
		e.logger.Error("trade failed", attrs...)
		return
	}
	e.logger.Info("trade rejected", attrs...)
}
