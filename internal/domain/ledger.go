package domain

import "time"

type TransactionKind string

const (
	TransactionBonus    TransactionKind = "bonus"
	TransactionUsage    TransactionKind = "usage"
	TransactionRefund   TransactionKind = "refund"
	TransactionPurchase TransactionKind = "purchase"
)

// Account holds the credit balance of one user.
type Account struct {
	ID        int64
	Balance   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transaction is an append-only audit record of a balance change.
type Transaction struct {
	ID           string
	AccountID    int64
	Amount       int64
	Kind         TransactionKind
	Description  string
	BalanceAfter int64
	CreatedAt    time.Time
}
