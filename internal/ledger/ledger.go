// Package ledger owns per-account credit balances and their append-only history.
package ledger

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"tubefetch/internal/domain"
	"tubefetch/internal/repository"
)

const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100
)

// Service exposes atomic credit operations.
type Service interface {
	OpenAccount(ctx context.Context, accountID int64, bonus int64) (*domain.Account, error)
	Reserve(ctx context.Context, accountID int64, amount int64, description string) (*domain.Transaction, error)
	Refund(ctx context.Context, accountID int64, amount int64, description string) (*domain.Transaction, error)
	Purchase(ctx context.Context, accountID int64, amount int64, description string) (*domain.Transaction, error)
	Balance(ctx context.Context, accountID int64) (int64, error)
	History(ctx context.Context, accountID int64, limit, offset int) ([]domain.Transaction, int, error)
}

type service struct {
	repo   repository.LedgerRepository
	locks  *keyedMutex
	logger *logrus.Logger
}

func NewService(repo repository.LedgerRepository, logger *logrus.Logger) Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &service{
		repo:   repo,
		locks:  newKeyedMutex(),
		logger: logger,
	}
}

// OpenAccount creates the account if missing and credits the signup bonus once.
func (s *service) OpenAccount(ctx context.Context, accountID int64, bonus int64) (*domain.Account, error) {
	unlock := s.locks.Lock(accountID)
	defer unlock()

	account, created, err := s.repo.CreateAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("open account %d: %w", accountID, err)
	}
	if !created || bonus <= 0 {
		return account, nil
	}

	txn, err := s.repo.Apply(ctx, accountID, bonus, domain.TransactionBonus, "signup bonus")
	if err != nil {
		return nil, fmt.Errorf("credit signup bonus: %w", err)
	}
	account.Balance = txn.BalanceAfter
	return account, nil
}

// Reserve debits amount if the balance covers it. On domain.ErrInsufficientCredits
// nothing changes.
func (s *service) Reserve(ctx context.Context, accountID int64, amount int64, description string) (*domain.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: reserve amount must be positive", domain.ErrInvalidRequest)
	}

	unlock := s.locks.Lock(accountID)
	defer unlock()

	txn, err := s.repo.Apply(ctx, accountID, -amount, domain.TransactionUsage, description)
	if err != nil {
		return nil, err
	}
	s.logger.WithField("account_id", accountID).Debugf("reserved %d credits, balance %d", amount, txn.BalanceAfter)
	return txn, nil
}

func (s *service) Refund(ctx context.Context, accountID int64, amount int64, description string) (*domain.Transaction, error) {
	return s.credit(ctx, accountID, amount, domain.TransactionRefund, description)
}

func (s *service) Purchase(ctx context.Context, accountID int64, amount int64, description string) (*domain.Transaction, error) {
	return s.credit(ctx, accountID, amount, domain.TransactionPurchase, description)
}

func (s *service) credit(ctx context.Context, accountID int64, amount int64, kind domain.TransactionKind, description string) (*domain.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %s amount must be positive", domain.ErrInvalidRequest, kind)
	}

	unlock := s.locks.Lock(accountID)
	defer unlock()

	txn, err := s.repo.Apply(ctx, accountID, amount, kind, description)
	if err != nil {
		return nil, err
	}
	s.logger.WithField("account_id", accountID).Debugf("%s of %d credits, balance %d", kind, amount, txn.BalanceAfter)
	return txn, nil
}

func (s *service) Balance(ctx context.Context, accountID int64) (int64, error) {
	account, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// History lists transactions newest first together with the total count.
func (s *service) History(ctx context.Context, accountID int64, limit, offset int) ([]domain.Transaction, int, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	if _, err := s.repo.GetAccount(ctx, accountID); err != nil {
		return nil, 0, err
	}
	return s.repo.ListTransactions(ctx, accountID, limit, offset)
}
