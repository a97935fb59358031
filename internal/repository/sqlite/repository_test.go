package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubefetch/internal/domain"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "repo.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestUserRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewUserRepository(openTestDB(t))
	require.NoError(t, repo.Init(ctx))
	require.NoError(t, repo.Init(ctx), "init is idempotent")

	user := &domain.User{Username: "alice", PasswordHash: "hash"}
	id, err := repo.Create(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, id, user.ID)

	byName, err := repo.GetByUsername(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, id, byName.ID)

	byID, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hash", byID.PasswordHash)

	_, err = repo.Create(ctx, &domain.User{Username: "Alice", PasswordHash: "x"})
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = repo.GetByID(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, repo.Delete(ctx, id))
	require.NoError(t, repo.Delete(ctx, id), "delete is idempotent")
	_, err = repo.GetByUsername(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = repo.Create(ctx, &domain.User{Username: "alice", PasswordHash: "again"})
	assert.NoError(t, err, "a deleted username can be registered again")
}

func TestLedgerRepositoryApply(t *testing.T) {
	ctx := context.Background()
	repo := NewLedgerRepository(openTestDB(t))
	require.NoError(t, repo.Init(ctx))

	_, created, err := repo.CreateAccount(ctx, 1)
	require.NoError(t, err)
	assert.True(t, created)
	_, created, err = repo.CreateAccount(ctx, 1)
	require.NoError(t, err)
	assert.False(t, created)

	txn, err := repo.Apply(ctx, 1, 4, domain.TransactionPurchase, "credit purchase")
	require.NoError(t, err)
	assert.Equal(t, int64(4), txn.BalanceAfter)
	assert.NotEmpty(t, txn.ID)

	_, err = repo.Apply(ctx, 1, -5, domain.TransactionUsage, "too much")
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)

	_, err = repo.Apply(ctx, 2, 1, domain.TransactionRefund, "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	txn, err = repo.Apply(ctx, 1, -4, domain.TransactionUsage, "exact")
	require.NoError(t, err)
	assert.Equal(t, int64(0), txn.BalanceAfter)

	txns, total, err := repo.ListTransactions(ctx, 1, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, txns, 2)
	assert.Equal(t, "exact", txns[0].Description)
	assert.Equal(t, domain.TransactionPurchase, txns[1].Kind)

	account, err := repo.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.Balance)
}
