package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Ledger transactions run at READ COMMITTED; the account row is taken with
// SELECT ... FOR UPDATE, which serializes operations on the same account
// while different accounts proceed in parallel.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO accounts (name, email, password_hash, balance, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)
		 RETURNING id`,
		a.Name, a.Email, a.PasswordHash, a.Balance.String(), a.CreatedAt,
	).Scan(&a.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("account %s: %w", a.Email, ErrConflict)
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

const selectAccount = `SELECT id, name, email, password_hash, balance::TEXT, created_at FROM accounts`

func (s *PostgresStore) GetAccount(ctx context.Context, id int64) (*model.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, selectAccount+` WHERE id = $1`, id), fmt.Sprint(id))
}

func (s *PostgresStore) GetAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, selectAccount+` WHERE email = $1`, email), email)
}

func (s *PostgresStore) ListPositions(ctx context.Context, accountID int64) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, ticker, shares_owned::TEXT, average_price::TEXT, updated_at
		 FROM positions WHERE account_id = $1 ORDER BY ticker`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := []model.Position{}
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListTransactions(ctx context.Context, accountID int64) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, account_id, ticker, side, quantity::TEXT, price::TEXT, timestamp
		 FROM transactions WHERE account_id = $1 ORDER BY timestamp, seq`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (s *PostgresStore) UpsertLeaderboardEntry(ctx context.Context, e *model.LeaderboardEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO leaderboard (account_id, name, total_worth, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)
		 ON CONFLICT (account_id) DO UPDATE
		 SET name = EXCLUDED.name, total_worth = EXCLUDED.total_worth, updated_at = EXCLUDED.updated_at`,
		e.AccountID, e.Name, e.TotalWorth.String(), e.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) ListLeaderboard(ctx context.Context) ([]model.LeaderboardEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, name, total_worth::TEXT, updated_at
		 FROM leaderboard ORDER BY total_worth DESC, account_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []model.LeaderboardEntry{}
	for rows.Next() {
		var e model.LeaderboardEntry
		var worthS string
		if err := rows.Scan(&e.AccountID, &e.Name, &worthS, &e.UpdatedAt); err != nil {
			return nil, err
		}
		if e.TotalWorth, err = decimal.NewFromString(worthS); err != nil {
			return nil, fmt.Errorf("parse total_worth: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// WithTx runs fn in a pgx transaction. The transaction is rolled back on
// every exit path that does not reach a successful commit.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) LockAccount(ctx context.Context, id int64) (*model.Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, selectAccount+` WHERE id = $1 FOR UPDATE`, id), fmt.Sprint(id))
}

func (t *postgresTx) SetBalance(ctx context.Context, accountID int64, balance decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts SET balance = $2::NUMERIC WHERE id = $1`,
		accountID, balance.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %d: %w", accountID, ErrNotFound)
	}
	return nil
}

func (t *postgresTx) GetPosition(ctx context.Context, accountID int64, ticker string) (*model.Position, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT account_id, ticker, shares_owned::TEXT, average_price::TEXT, updated_at
		 FROM positions WHERE account_id = $1 AND ticker = $2`, accountID, ticker)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %d/%s: %w", accountID, ticker, ErrNotFound)
	}
	return p, err
}

func (t *postgresTx) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (account_id, ticker, shares_owned, average_price, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)
		 ON CONFLICT (account_id, ticker) DO UPDATE
		 SET shares_owned = EXCLUDED.shares_owned,
		     average_price = EXCLUDED.average_price,
		     updated_at = EXCLUDED.updated_at`,
		p.AccountID, p.Ticker, p.SharesOwned.String(), p.AveragePrice.String(), p.UpdatedAt,
	)
	return err
}

func (t *postgresTx) DeletePosition(ctx context.Context, accountID int64, ticker string) error {
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM positions WHERE account_id = $1 AND ticker = $2`, accountID, ticker)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %d/%s: %w", accountID, ticker, ErrNotFound)
	}
	return nil
}

func (t *postgresTx) InsertTransaction(ctx context.Context, e *model.Transaction) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (id, account_id, ticker, side, quantity, price, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
		e.ID, e.AccountID, e.Ticker, string(e.Side),
		e.Quantity.String(), e.Price.String(), e.Timestamp,
	)
	return err
}

func (t *postgresTx) DeleteAccountHistory(ctx context.Context, accountID int64) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM positions WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("delete positions: %w", err)
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM transactions WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("delete transactions: %w", err)
	}
	return nil
}

// --- Scan helpers ---

func scanAccount(row pgx.Row, key string) (*model.Account, error) {
	var a model.Account
	var balanceS string
	err := row.Scan(&a.ID, &a.Name, &a.Email, &a.PasswordHash, &balanceS, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", key, err)
	}
	if a.Balance, err = decimal.NewFromString(balanceS); err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return &a, nil
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var sharesS, avgS string
	if err := row.Scan(&p.AccountID, &p.Ticker, &sharesS, &avgS, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.SharesOwned, err = decimal.NewFromString(sharesS); err != nil {
		return nil, fmt.Errorf("parse shares_owned: %w", err)
	}
	if p.AveragePrice, err = decimal.NewFromString(avgS); err != nil {
		return nil, fmt.Errorf("parse average_price: %w", err)
	}
	return &p, nil
}

// pgxRows is the subset of pgx.Rows used by scanTransactions.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanTransactions(rows pgxRows) ([]model.Transaction, error) {
	txns := []model.Transaction{}
	for rows.Next() {
		var e model.Transaction
		var side, qtyS, priceS string

		if err := rows.Scan(&e.ID, &e.AccountID, &e.Ticker, &side,
			&qtyS, &priceS, &e.Timestamp); err != nil {
			return nil, err
		}

		var err error
		e.Side = model.Side(side)
		if e.Quantity, err = decimal.NewFromString(qtyS); err != nil {
			return nil, fmt.Errorf("parse quantity: %w", err)
		}
		if e.Price, err = decimal.NewFromString(priceS); err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}

		txns = append(txns, e)
	}
	return txns, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
