package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jask/banksync/internal/database"
	"github.com/jask/banksync/internal/database/repository"
	"github.com/jask/banksync/internal/metrics"
	"github.com/jask/banksync/internal/provider"
)

const (
	DefaultWindow      = 30 * 24 * time.Hour
	DefaultConcurrency = 4

	finalizeTimeout = 10 * time.Second
)

// TokenSource yields a valid access token for a connection.
type TokenSource interface {
	Ensure(ctx context.Context, conn *repository.Connection) (string, error)
}

// BankClient is the read side of the provider API.
type BankClient interface {
	FetchAccounts(ctx context.Context, accessToken string) ([]provider.ExternalAccount, error)
	FetchTransactions(ctx context.Context, accessToken, accountExternalID string, from, to time.Time) ([]provider.ExternalTransaction, error)
}

// SyncResult is the outcome of a synchronization run that got as far as
// acquiring the connection. Err holds the cause when Success is false.
type SyncResult struct {
	Success            bool   `json:"success"`
	Message            string `json:"message"`
	AccountsSynced     int    `json:"accounts_synced"`
	TransactionsSynced int    `json:"transactions_synced"`
	Err                error  `json:"-"`
}

// SyncService pulls accounts and transactions for one connection at a time.
// At most one run per connection is in flight; concurrent callers get a
// ConflictError.
type SyncService struct {
	DB         *sql.DB
	Tokens     TokenSource
	Bank       BankClient
	Reconciler *Reconciler
	// Duplicates is optional; when set, accounts with new rows are scanned.
	Duplicates *DuplicateDetector
	Log        *zap.Logger
	Metrics    *metrics.Metrics
	// Window is the trailing transaction window; zero means DefaultWindow.
	Window time.Duration
	// Concurrency bounds parallel transaction fetches; zero means DefaultConcurrency.
	Concurrency int
	Now         func() time.Time
}

type accountFetch struct {
	txns []provider.ExternalTransaction
	err  error
}

// Sync runs one synchronization of connectionID on behalf of userID.
//
// A NotFoundError, DisconnectedError or ConflictError is returned before any
// state changes. Once the run owns the connection, failures are reported in
// the result with a nil error: token and account list failures mark the
// connection as errored with zero counts, while per-account transaction
// failures are recorded on the account and leave the connection active.
func (s *SyncService) Sync(ctx context.Context, connectionID, userID string) (SyncResult, error) {
	log := s.logger().With(zap.String("connection_id", connectionID))
	conns := repository.NewConnectionRepo(s.DB)

	conn, err := conns.Get(ctx, connectionID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("load connection: %w", err)
	}
	if conn == nil || conn.UserID != userID {
		return SyncResult{}, &NotFoundError{Resource: "bank connection", ID: connectionID}
	}
	if conn.Status == repository.ConnectionDisconnected {
		return SyncResult{}, &DisconnectedError{ConnectionID: connectionID}
	}
	acquired, err := conns.TryBeginSync(ctx, connectionID, s.now())
	if err != nil {
		return SyncResult{}, fmt.Errorf("acquire connection: %w", err)
	}
	if !acquired {
		return SyncResult{}, &ConflictError{ConnectionID: connectionID}
	}

	start := time.Now()
	log.Info("sync started")
	res, err := s.run(ctx, log, conn)
	if err != nil {
		return SyncResult{}, err
	}
	outcome := "succeeded"
	if !res.Success {
		outcome = "failed"
	}
	s.Metrics.ObserveSync(outcome, time.Since(start))
	log.Info("sync finished",
		zap.Bool("success", res.Success),
		zap.Int("accounts", res.AccountsSynced),
		zap.Int("transactions", res.TransactionsSynced),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

func (s *SyncService) run(ctx context.Context, log *zap.Logger, conn *repository.Connection) (SyncResult, error) {
	token, err := s.Tokens.Ensure(ctx, conn)
	if err != nil {
		return s.fail(ctx, log, conn.ID, err)
	}
	external, err := s.Bank.FetchAccounts(ctx, token)
	if err != nil {
		return s.fail(ctx, log, conn.ID, err)
	}
	accountsSynced, err := s.Reconciler.MergeAccounts(ctx, conn, external)
	if err != nil {
		return s.fail(ctx, log, conn.ID, err)
	}
	accounts, err := repository.NewAccountRepo(s.DB).ListByConnection(ctx, conn.ID)
	if err != nil {
		return s.fail(ctx, log, conn.ID, err)
	}

	to := s.now()
	from := to.Add(-s.window())
	fetched := s.fetchAll(ctx, token, accounts, from, to)

	annotations := make(map[string]*string, len(accounts))
	txnsSynced := 0
	for i, acct := range accounts {
		if acct.ExternalID == nil {
			continue
		}
		err := fetched[i].err
		if err == nil {
			var n int
			n, err = s.Reconciler.MergeTransactions(ctx, acct, fetched[i].txns)
			txnsSynced += n
			if err == nil && n > 0 && s.Duplicates != nil {
				if _, derr := s.Duplicates.Scan(ctx, acct.ID, from); derr != nil {
					log.Warn("duplicate scan failed", zap.String("account_id", acct.ID), zap.Error(derr))
				}
			}
		}
		if err != nil {
			msg := err.Error()
			annotations[acct.ID] = &msg
			s.Metrics.AccountFailed()
			log.Warn("account transactions not synced", zap.String("account_id", acct.ID), zap.Error(err))
			continue
		}
		annotations[acct.ID] = nil
	}

	syncedAt := s.now()
	err = s.finalize(ctx, func(ctx context.Context, tx *sql.Tx) error {
		accts := repository.NewAccountRepo(tx)
		for id, msg := range annotations {
			if err := accts.SetSyncError(ctx, id, msg); err != nil {
				return fmt.Errorf("annotate account %s: %w", id, err)
			}
		}
		return repository.NewConnectionRepo(tx).FinishSync(ctx, conn.ID, repository.ConnectionActive, nil, &syncedAt)
	})
	if err != nil {
		return SyncResult{}, fmt.Errorf("finish sync: %w", err)
	}
	return SyncResult{
		Success:            true,
		Message:            "Synchronization completed successfully",
		AccountsSynced:     accountsSynced,
		TransactionsSynced: txnsSynced,
	}, nil
}

// fetchAll fetches transactions for every account with an external id. The
// result is indexed like accounts. A failed fetch never cancels the others.
func (s *SyncService) fetchAll(ctx context.Context, token string, accounts []repository.Account, from, to time.Time) []accountFetch {
	out := make([]accountFetch, len(accounts))
	var g errgroup.Group
	g.SetLimit(s.concurrency())
	for i, acct := range accounts {
		if acct.ExternalID == nil {
			continue
		}
		i, acct := i, acct
		g.Go(func() error {
			txns, err := s.Bank.FetchTransactions(ctx, token, *acct.ExternalID, from, to)
			out[i] = accountFetch{txns: txns, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// fail marks the connection as errored and releases it. Counts are zero.
func (s *SyncService) fail(ctx context.Context, log *zap.Logger, connectionID string, cause error) (SyncResult, error) {
	msg := cause.Error()
	log.Error("sync failed", zap.Error(cause))
	err := s.finalize(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return repository.NewConnectionRepo(tx).FinishSync(ctx, connectionID, repository.ConnectionError, &msg, nil)
	})
	if err != nil {
		return SyncResult{}, fmt.Errorf("record sync failure: %w", err)
	}
	return SyncResult{
		Success: false,
		Message: "Synchronization failed: " + msg,
		Err:     cause,
	}, nil
}

// finalize runs fn even when the caller's context is already done so the
// connection is not left running.
func (s *SyncService) finalize(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	return database.WithTx(ctx, s.DB, func(tx *sql.Tx) error { return fn(ctx, tx) })
}

func (s *SyncService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return database.Now()
}

func (s *SyncService) window() time.Duration {
	if s.Window > 0 {
		return s.Window
	}
	return DefaultWindow
}

func (s *SyncService) concurrency() int {
	if s.Concurrency > 0 {
		return s.Concurrency
	}
	return DefaultConcurrency
}

func (s *SyncService) logger() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}
