package domain

import "time"

// User represents an authenticated user of the system. The user's id doubles as the id
// of its ledger account.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
