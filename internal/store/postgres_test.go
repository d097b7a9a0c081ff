package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/papertrade/ledger-engine/internal/model"
)

// newTestPostgres connects to LEDGER_TEST_DATABASE_URL or skips.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LEDGER_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestPostgresStore_LedgerRoundTrip(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()

	a := &model.Account{
		Name:         "pg user",
		Email:        fmt.Sprintf("pg-%s@example.com", uuid.NewString()),
		PasswordHash: "x",
		Balance:      d("100000"),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.CreateAccount(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateAccount(ctx, &model.Account{Name: "dup", Email: a.Email, PasswordHash: "x", Balance: d("1"), CreatedAt: time.Now()}); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for duplicate email, got %v", err)
	}

	err := s.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.LockAccount(ctx, a.ID); err != nil {
			return err
		}
		if err := tx.SetBalance(ctx, a.ID, d("99999.123456")); err != nil {
			return err
		}
		if err := tx.SavePosition(ctx, &model.Position{AccountID: a.ID, Ticker: "AAPL", SharesOwned: d("1.5"), AveragePrice: d("10.333333"), UpdatedAt: time.Now()}); err != nil {
			return err
		}
		return tx.InsertTransaction(ctx, &model.Transaction{ID: uuid.NewString(), AccountID: a.ID, Ticker: "AAPL", Side: model.SideBuy, Quantity: d("1.5"), Price: d("10.333"), Timestamp: time.Now()})
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}

	got, err := s.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Balance.Equal(d("99999.123456")) {
		t.Errorf("expected exact balance, got %s", got.Balance)
	}

	positions, _ := s.ListPositions(ctx, a.ID)
	if len(positions) != 1 || !positions[0].AveragePrice.Equal(d("10.333333")) {
		t.Errorf("unexpected positions: %+v", positions)
	}

	// A failing transaction leaves nothing behind.
	boom := errors.New("boom")
	err = s.WithTx(ctx, func(tx Tx) error {
		_ = tx.DeleteAccountHistory(ctx, a.ID)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	txns, _ := s.ListTransactions(ctx, a.ID)
	if len(txns) != 1 {
		t.Errorf("rollback failed, expected 1 transaction, got %d", len(txns))
	}
}
