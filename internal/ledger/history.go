package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
	"github.com/papertrade/ledger-engine/internal/store"
)

// Recorder is the append-only transaction history. Appends happen inside
// the ledger transaction that performed the trade; reads go straight to the
// store.
type Recorder struct {
	store store.Store
	now   func() time.Time
}

// NewRecorder creates a history recorder over st. now stamps each record.
func NewRecorder(st store.Store, now func() time.Time) *Recorder {
	return &Recorder{store: st, now: now}
}

// Record appends a trade to the account's history through tx. It fails only
// when the store does, and that error is returned unchanged.
func (r *Recorder) Record(ctx context.Context, tx store.Tx, accountID int64, ticker string, side model.Side, qty, price decimal.Decimal) (*model.Transaction, error) {
	txn := &model.Transaction{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Ticker:    ticker,
		Side:      side,
		Quantity:  qty,
		Price:     price,
		Timestamp: r.now(),
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// ListByAccount returns an account's trades, oldest first.
func (r *Recorder) ListByAccount(ctx context.Context, accountID int64) ([]model.Transaction, error) {
	txns, err := r.store.ListTransactions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if txns == nil {
		txns = []model.Transaction{}
	}
	return txns, nil
}
