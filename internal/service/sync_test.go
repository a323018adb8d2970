package service

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/jask/banksync/internal/database/repository"
	"github.com/jask/banksync/internal/provider"
	"github.com/jask/banksync/internal/testdata"
	"github.com/jask/banksync/internal/vault"
)

func strptr(s string) *string { return &s }

func TestSyncImportsAccountsAndTransactions(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := testContext(t)
	conn := h.seed(t)

	h.bank.AddAccount(testdata.Account{ID: "acc-1", Name: "Main", Type: "current", Currency: "RUB", Balance: "1500.50", AvailableBalance: strptr("1400.00")})
	h.bank.AddTransaction("acc-1", testdata.Transaction{ID: "tx-1", Amount: "-250.00", Type: "debit", Description: "Coffee", MerchantName: "Cafe", Date: day(-2)})

	res, err := h.sync.Sync(ctx, conn.ID, testUser)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	require.Equal(t, 1, res.AccountsSynced)
	require.Equal(t, 1, res.TransactionsSynced)

	acct := h.account(t, conn.ID, "acc-1")
	require.Equal(t, testUser, acct.UserID)
	require.Equal(t, "Main", acct.Name)
	require.Equal(t, repository.AccountChecking, acct.Type)
	require.True(t, acct.Balance.Equal(decimal.RequireFromString("1500.50")))
	require.True(t, acct.AvailableBalance.Valid)
	require.Equal(t, repository.AccountActive, acct.Status)
	require.NotNil(t, acct.LastSyncedAt)
	require.Nil(t, acct.SyncError)

	tx, err := repository.NewTransactionRepo(h.db).GetByExternalID(ctx, "tx-1")
	require.NoError(t, err)
	require.NotNil(t, tx)
	require.Equal(t, acct.ID, tx.AccountID)
	require.Equal(t, repository.TransactionExpense, tx.Type)
	require.True(t, tx.Amount.Equal(decimal.NewFromInt(250)))
	require.Equal(t, repository.TransactionCompleted, tx.Status)
	require.Equal(t, "Coffee", *tx.Description)

	c := h.connection(t, conn.ID)
	require.Equal(t, repository.ConnectionActive, c.Status)
	require.Equal(t, repository.SyncIdle, c.SyncState)
	require.NotNil(t, c.LastSyncedAt)
	require.Nil(t, c.LastError)
}

func TestSyncDefaultsAccountNameAndCurrency(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.seed(t)
	h.bank.AddAccount(testdata.Account{ID: "acc-1", Type: "card", Balance: "0"})

	res, err := h.sync.Sync(testContext(t), conn.ID, testUser)
	require.NoError(t, err)
	require.True(t, res.Success)

	acct := h.account(t, conn.ID, "acc-1")
	require.Equal(t, "Test Bank Account", acct.Name)
	require.Equal(t, "RUB", acct.Currency)
	require.Equal(t, repository.AccountCreditCard, acct.Type)
	require.False(t, acct.AvailableBalance.Valid)
}

func TestSyncIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := testContext(t)
	conn := h.seed(t)
	h.bank.AddAccount(testdata.Account{ID: "acc-1", Name: "Main", Type: "savings", Balance: "100"})
	h.bank.AddTransaction("acc-1", testdata.Transaction{ID: "tx-1", Amount: "50", Type: "credit", Description: "Interest", Date: day(-1)})
	h.bank.AddTransaction("acc-1", testdata.Transaction{ID: "tx-2", Amount: "-20", Type: "transfer", Description: "To savings", Date: day(-1)})

	first, err := h.sync.Sync(ctx, conn.ID, testUser)
	require.NoError(t, err)
	require.Equal(t, 2, first.TransactionsSynced)

	// User edits survive a re-sync; provider corrections land.
	acct := h.account(t, conn.ID, "acc-1")
	txRepo := repository.NewTransactionRepo(h.db)
	tx1, err := txRepo.GetByExternalID(ctx, "tx-1")
	require.NoError(t, err)
	require.NoError(t, txRepo.UpdateNotes(ctx, tx1.ID, strptr("monthly")))
	require.NoError(t, repository.NewAccountRepo(h.db).UpdateName(ctx, acct.ID, "Rainy day"))
	h.bank.AddTransaction("acc-1", testdata.Transaction{ID: "tx-1", Amount: "55", Type: "credit", Description: "Interest (adjusted)", Date: day(-1)})
	h.bank.AddAccount(testdata.Account{ID: "acc-1", Name: "Main", Type: "savings", Balance: "175"})

	second, err := h.sync.Sync(ctx, conn.ID, testUser)
	require.NoError(t, err)
	require.True(t, second.Success)
	require.Equal(t, 1, second.AccountsSynced)
	require.Equal(t, 0, second.TransactionsSynced)
	require.Equal(t, 1, h.count(t, "accounts"))
	require.Equal(t, 2, h.count(t, "transactions"))

	tx1, err = txRepo.GetByExternalID(ctx, "tx-1")
	require.NoError(t, err)
	require.True(t, tx1.Amount.Equal(decimal.NewFromInt(55)))
	require.Equal(t, "Interest (adjusted)", *tx1.Description)
	require.Equal(t, "monthly", *tx1.Notes)
	require.Equal(t, repository.TransactionIncome, tx1.Type)

	tx2, err := txRepo.GetByExternalID(ctx, "tx-2")
	require.NoError(t, err)
	require.Equal(t, repository.TransactionTransfer, tx2.Type)
	require.True(t, tx2.Amount.Equal(decimal.NewFromInt(20)))

	acct = h.account(t, conn.ID, "acc-1")
	require.Equal(t, "Rainy day", acct.Name)
	require.True(t, acct.Balance.Equal(decimal.NewFromInt(175)))
}

func TestSyncIsolatesAccountFailures(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := testContext(t)
	conn := h.seed(t)
	h.bank.AddAccount(testdata.Account{ID: "acc-1", Name: "Main", Balance: "10"})
	h.bank.AddAccount(testdata.Account{ID: "acc-2", Name: "Card", Balance: "20"})
	h.bank.AddTransaction("acc-1", testdata.Transaction{ID: "tx-1", Amount: "-5", Date: day(-1)})
	h.bank.AddTransaction("acc-2", testdata.Transaction{ID: "tx-2", Amount: "-7", Date: day(-1)})
	h.bank.FailTransactions("acc-2", http.StatusBadGateway)

	res, err := h.sync.Sync(ctx, conn.ID, testUser)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 2, res.AccountsSynced)
	require.Equal(t, 1, res.TransactionsSynced)

	require.Nil(t, h.account(t, conn.ID, "acc-1").SyncError)
	failed := h.account(t, conn.ID, "acc-2")
	require.NotNil(t, failed.SyncError)
	require.Contains(t, *failed.SyncError, "502")
	require.Equal(t, repository.ConnectionActive, h.connection(t, conn.ID).Status)

	h.bank.FailTransactions("acc-2", 0)
	res, err = h.sync.Sync(ctx, conn.ID, testUser)
	require.NoError(t, err)
	require.Equal(t, 1, res.TransactionsSynced)
	require.Nil(t, h.account(t, conn.ID, "acc-2").SyncError)
}

func TestSyncAccountListFailureIsFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.seed(t)
	h.bank.AddAccount(testdata.Account{ID: "acc-1", Balance: "10"})
	h.bank.FailAccounts(http.StatusServiceUnavailable)

	res, err := h.sync.Sync(testContext(t), conn.ID, testUser)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Zero(t, res.AccountsSynced)
	require.Zero(t, res.TransactionsSynced)
	var perr *provider.ProviderError
	require.True(t, errors.As(res.Err, &perr))
	require.Equal(t, http.StatusServiceUnavailable, perr.StatusCode)

	c := h.connection(t, conn.ID)
	require.Equal(t, repository.ConnectionError, c.Status)
	require.Equal(t, repository.SyncIdle, c.SyncState)
	require.NotNil(t, c.LastError)
	require.Nil(t, c.LastSyncedAt)
	require.Zero(t, h.count(t, "accounts"))
}

func TestSyncRecoversFromErrorStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := testContext(t)
	conn := h.seed(t)
	h.bank.FailAccounts(http.StatusInternalServerError)
	res, err := h.sync.Sync(ctx, conn.ID, testUser)
	require.NoError(t, err)
	require.False(t, res.Success)

	h.bank.FailAccounts(0)
	res, err = h.sync.Sync(ctx, conn.ID, testUser)
	require.NoError(t, err)
	require.True(t, res.Success)
	c := h.connection(t, conn.ID)
	require.Equal(t, repository.ConnectionActive, c.Status)
	require.Nil(t, c.LastError)
}

func TestSyncCredentialDecryptFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := testContext(t)
	conn := repository.Connection{ID: "conn-bad", UserID: testUser, BankName: "Test Bank", AccessTokenEncrypted: strptr("bm90LWEtY2lwaGVydGV4dA==")}
	require.NoError(t, repository.NewConnectionRepo(h.db).Create(ctx, conn))
	h.bank.AddAccount(testdata.Account{ID: "acc-1", Balance: "1"})

	res, err := h.sync.Sync(ctx, conn.ID, testUser)
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Zero(t, res.AccountsSynced)
	var cerr *vault.CredentialError
	require.True(t, errors.As(res.Err, &cerr))

	c := h.connection(t, conn.ID)
	require.Equal(t, repository.ConnectionError, c.Status)
	require.Equal(t, repository.SyncIdle, c.SyncState)
	require.Zero(t, h.count(t, "accounts"))
	require.Zero(t, h.bank.TransactionCalls("acc-1"))
}

func TestSyncRefreshesExpiringToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := testContext(t)
	exp := time.Now().Add(10 * time.Second)
	conn := testdata.SeedConnection(t, h.db, h.vault, testUser, "access-0", "refresh-0", &exp)
	h.bank.AddAccount(testdata.Account{ID: "acc-1", Balance: "1"})

	res, err := h.sync.Sync(ctx, conn.ID, testUser)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	require.Equal(t, 1, h.bank.RefreshCalls())
	require.Equal(t, "access-1", h.bank.AccessToken())

	res, err = h.sync.Sync(ctx, conn.ID, testUser)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	require.Equal(t, 1, h.bank.RefreshCalls())
}

func TestSyncRejectsConcurrentRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := testContext(t)
	conn := h.seed(t)
	h.bank.AddAccount(testdata.Account{ID: "acc-1", Balance: "1"})

	entered, release := h.bank.Hold()
	t.Cleanup(release)
	type outcome struct {
		res SyncResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.sync.Sync(ctx, conn.ID, testUser)
		done <- outcome{res, err}
	}()
	<-entered

	_, err := h.sync.Sync(ctx, conn.ID, testUser)
	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, conn.ID, conflict.ConnectionID)

	release()
	first := <-done
	require.NoError(t, first.err)
	require.True(t, first.res.Success)

	res, err := h.sync.Sync(ctx, conn.ID, testUser)
	require.NoError(t, err)
	require.True(t, res.Success)
}

func TestSyncRejectsUnknownForeignAndDisconnected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := testContext(t)
	conn := h.seed(t)

	var nf *NotFoundError
	_, err := h.sync.Sync(ctx, "missing", testUser)
	require.True(t, errors.As(err, &nf))
	_, err = h.sync.Sync(ctx, conn.ID, "someone-else")
	require.True(t, errors.As(err, &nf))

	require.NoError(t, h.link.Disconnect(ctx, testUser, conn.ID))
	_, err = h.sync.Sync(ctx, conn.ID, testUser)
	var disc *DisconnectedError
	require.True(t, errors.As(err, &disc))
	require.Equal(t, repository.SyncIdle, h.connection(t, conn.ID).SyncState)
}
