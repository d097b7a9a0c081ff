package leaderboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
	"github.com/papertrade/ledger-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seed(t *testing.T, ms *store.MemoryStore, name, email string) int64 {
	t.Helper()
	a := &model.Account{Name: name, Email: email, Balance: d("100000"), CreatedAt: time.Now()}
	if err := ms.CreateAccount(context.Background(), a); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return a.ID
}

func TestSubmitAndStandings(t *testing.T) {
	ms := store.NewMemoryStore()
	svc := NewService(ms)
	ctx := context.Background()

	alice := seed(t, ms, "alice", "alice@example.com")
	bob := seed(t, ms, "bob", "bob@example.com")

	if _, err := svc.Submit(ctx, alice, d("101000.5")); err != nil {
		t.Fatalf("submit alice: %v", err)
	}
	if _, err := svc.Submit(ctx, bob, d("99000")); err != nil {
		t.Fatalf("submit bob: %v", err)
	}
	entry, err := svc.Submit(ctx, bob, d("150000"))
	if err != nil {
		t.Fatalf("resubmit bob: %v", err)
	}
	if entry.Name != "bob" {
		t.Errorf("expected name copied from account, got %q", entry.Name)
	}

	standings, err := svc.Standings(ctx)
	if err != nil {
		t.Fatalf("standings: %v", err)
	}
	if len(standings) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(standings))
	}
	if standings[0].Name != "bob" || !standings[0].TotalWorth.Equal(d("150000")) {
		t.Errorf("expected bob first with 150000, got %+v", standings[0])
	}
	if standings[1].Name != "alice" {
		t.Errorf("expected alice second, got %+v", standings[1])
	}
}

func TestSubmit_AccountNotFound(t *testing.T) {
	svc := NewService(store.NewMemoryStore())
	_, err := svc.Submit(context.Background(), 12, d("1"))
	if !errors.Is(err, model.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestSubmit_InvalidWorth(t *testing.T) {
	ms := store.NewMemoryStore()
	svc := NewService(ms)
	id := seed(t, ms, "alice", "alice@example.com")

	for _, worth := range []string{"-1", "10.0001", "1e30", "-1e20000000", "1e-20000000"} {
		if _, err := svc.Submit(context.Background(), id, d(worth)); !errors.Is(err, ErrInvalidWorth) {
			t.Errorf("worth=%s: expected ErrInvalidWorth, got %v", worth, err)
		}
	}
}

func TestStandings_Empty(t *testing.T) {
	svc := NewService(store.NewMemoryStore())
	standings, err := svc.Standings(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if standings == nil || len(standings) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", standings)
	}
}
