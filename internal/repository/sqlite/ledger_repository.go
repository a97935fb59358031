package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tubefetch/internal/domain"
	"tubefetch/internal/repository"
)

const createLedgerTables = `
CREATE TABLE IF NOT EXISTS accounts (
	id INTEGER PRIMARY KEY,
	balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS credit_transactions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	account_id INTEGER NOT NULL,
	amount INTEGER NOT NULL,
	kind TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	balance_after INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_credit_transactions_account ON credit_transactions(account_id, seq);
`

type LedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) repository.LedgerRepository {
	return &LedgerRepository{db: db}
}

func (r *LedgerRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createLedgerTables); err != nil {
		return fmt.Errorf("create ledger tables: %w", err)
	}
	return nil
}

func (r *LedgerRepository) CreateAccount(ctx context.Context, accountID int64) (*domain.Account, bool, error) {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
INSERT OR IGNORE INTO accounts (id, balance, created_at, updated_at)
VALUES (?, 0, ?, ?)`,
		accountID,
		now,
		now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert account: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("account rows affected: %w", err)
	}

	account, err := r.GetAccount(ctx, accountID)
	if err != nil {
		return nil, false, err
	}
	return account, aff > 0, nil
}

func (r *LedgerRepository) GetAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, balance, created_at, updated_at
FROM accounts
WHERE id=?`,
		accountID,
	)

	var account domain.Account
	if err := row.Scan(&account.ID, &account.Balance, &account.CreatedAt, &account.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account %d: %w", accountID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &account, nil
}

func (r *LedgerRepository) Apply(ctx context.Context, accountID int64, amount int64, kind domain.TransactionKind, description string) (*domain.Transaction, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // safe no-op on commit

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
UPDATE accounts
SET balance = balance + ?, updated_at=?
WHERE id=? AND balance + ? >= 0`,
		amount,
		now,
		accountID,
		amount,
	)
	if err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("balance rows affected: %w", err)
	}
	if aff == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id=?`, accountID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account %d: %w", accountID, domain.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("check account: %w", err)
		}
		return nil, fmt.Errorf("account %d needs %d credits: %w", accountID, -amount, domain.ErrInsufficientCredits)
	}

	txn := &domain.Transaction{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Amount:      amount,
		Kind:        kind,
		Description: description,
		CreatedAt:   now,
	}
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id=?`, accountID).Scan(&txn.BalanceAfter); err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO credit_transactions (id, account_id, amount, kind, description, balance_after, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.AccountID,
		txn.Amount,
		string(txn.Kind),
		txn.Description,
		txn.BalanceAfter,
		txn.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}
	return txn, nil
}

func (r *LedgerRepository) ListTransactions(ctx context.Context, accountID int64, limit, offset int) ([]domain.Transaction, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM credit_transactions WHERE account_id=?`, accountID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT id, account_id, amount, kind, description, balance_after, created_at
FROM credit_transactions
WHERE account_id=?
ORDER BY seq DESC
LIMIT ? OFFSET ?`,
		accountID,
		limit,
		offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		var (
			txn  domain.Transaction
			kind string
		)
		if err := rows.Scan(&txn.ID, &txn.AccountID, &txn.Amount, &kind, &txn.Description, &txn.BalanceAfter, &txn.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan transaction: %w", err)
		}
		txn.Kind = domain.TransactionKind(kind)
		txns = append(txns, txn)
	}

	return txns, total, rows.Err()
}
