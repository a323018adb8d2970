package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jask/banksync/internal/database/repository"
	"github.com/jask/banksync/internal/provider"
	"github.com/jask/banksync/internal/testdata"
	"github.com/jask/banksync/internal/vault"
)

const testUser = "user-1"

type harness struct {
	db     *sql.DB
	bank   *testdata.FakeBank
	client *provider.Client
	vault  *vault.Vault
	sync   *SyncService
	link   *LinkService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testdata.OpenDB(t)
	bank := testdata.NewFakeBank(t)
	client := provider.New(provider.Config{
		BaseURL:      bank.URL(),
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		Timeout:      5 * time.Second,
	})
	c, err := vault.NewCipher(vault.CipherAESGCM, []byte("service-test-secret"))
	require.NoError(t, err)
	v := vault.New(c, repository.NewConnectionRepo(db), client)
	return &harness{
		db:     db,
		bank:   bank,
		client: client,
		vault:  v,
		sync: &SyncService{
			DB:         db,
			Tokens:     v,
			Bank:       client,
			Reconciler: &Reconciler{DB: db},
			Duplicates: &DuplicateDetector{DB: db},
		},
		link: &LinkService{DB: db, Auth: client, Vault: v},
	}
}

// seed creates a connection holding the fake bank's current tokens.
func (h *harness) seed(t *testing.T) repository.Connection {
	t.Helper()
	exp := time.Now().Add(time.Hour)
	return testdata.SeedConnection(t, h.db, h.vault, testUser, h.bank.AccessToken(), "refresh-0", &exp)
}

func (h *harness) connection(t *testing.T, id string) repository.Connection {
	t.Helper()
	c, err := repository.NewConnectionRepo(h.db).Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, c)
	return *c
}

func (h *harness) account(t *testing.T, connID, externalID string) repository.Account {
	t.Helper()
	a, err := repository.NewAccountRepo(h.db).GetByExternal(context.Background(), connID, externalID)
	require.NoError(t, err)
	require.NotNil(t, a)
	return *a
}

func (h *harness) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, h.db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func day(offset int) string {
	return time.Now().UTC().AddDate(0, 0, offset).Format(time.RFC3339)
}
