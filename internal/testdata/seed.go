package testdata

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jask/banksync/internal/database"
	"github.com/jask/banksync/internal/database/repository"
	"github.com/jask/banksync/internal/provider"
)

// OpenDB creates a migrated sqlite database in a temp dir.
func OpenDB(t testing.TB) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, database.RunMigrations(path))
	db, err := database.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// Sealer stores credentials for a connection.
type Sealer interface {
	Seal(ctx context.Context, connectionID string, pair provider.CredentialPair) error
}

// SeedConnection inserts an active idle connection for userID holding the
// given tokens, sealed through v.
func SeedConnection(t testing.TB, db *sql.DB, v Sealer, userID, access, refresh string, expiresAt *time.Time) repository.Connection {
	t.Helper()
	ctx := context.Background()
	conn := repository.Connection{
		ID:       uuid.NewString(),
		UserID:   userID,
		BankName: "Test Bank",
		Status:   repository.ConnectionActive,
	}
	repo := repository.NewConnectionRepo(db)
	require.NoError(t, repo.Create(ctx, conn))
	require.NoError(t, v.Seal(ctx, conn.ID, provider.CredentialPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiresAt}))
	got, err := repo.Get(ctx, conn.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	return *got
}
