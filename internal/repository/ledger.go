package repository

import (
	"context"

	"tubefetch/internal/domain"
)

// LedgerRepository persists credit accounts and their transaction history.
type LedgerRepository interface {
	Init(ctx context.Context) error
	// CreateAccount creates a zero balance account; created is false when it already exists.
	CreateAccount(ctx context.Context, accountID int64) (account *domain.Account, created bool, err error)
	GetAccount(ctx context.Context, accountID int64) (*domain.Account, error)
	// Apply adds amount to the balance and appends the matching transaction in one
	// database transaction. A change that would make the balance negative is rejected
	// with domain.ErrInsufficientCredits and leaves no trace.
	Apply(ctx context.Context, accountID int64, amount int64, kind domain.TransactionKind, description string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, accountID int64, limit, offset int) ([]domain.Transaction, int, error)
}
