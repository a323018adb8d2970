package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jask/banksync/internal/database"
	"github.com/jask/banksync/internal/database/repository"
	"github.com/jask/banksync/internal/provider"
)

const defaultCurrency = "RUB"

// Reconciler merges provider records into local storage. Records are matched
// by their natural keys and never deleted. Each merge call runs in one
// transaction.
type Reconciler struct {
	DB  *sql.DB
	Now func() time.Time
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return database.Now()
}

// MergeAccounts upserts the provider accounts of conn by (connection, external
// id). New accounts belong to the connection's user. Existing accounts get
// fresh balances, status and sync timestamp; their names are kept. It returns
// the number of accounts processed.
func (r *Reconciler) MergeAccounts(ctx context.Context, conn *repository.Connection, external []provider.ExternalAccount) (int, error) {
	now := r.now()
	processed := 0
	err := database.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		accounts := repository.NewAccountRepo(tx)
		for _, ea := range external {
			if ea.ExternalID == "" {
				continue
			}
			existing, err := accounts.GetByExternal(ctx, conn.ID, ea.ExternalID)
			if err != nil {
				return fmt.Errorf("lookup account %s: %w", ea.ExternalID, err)
			}
			if existing != nil {
				if err := accounts.ApplySync(ctx, existing.ID, ea.Balance, ea.AvailableBalance, now); err != nil {
					return fmt.Errorf("update account %s: %w", existing.ID, err)
				}
				processed++
				continue
			}

			name := ea.Name
			if name == "" {
				name = conn.BankName + " Account"
			}
			currency := ea.Currency
			if currency == "" {
				currency = defaultCurrency
			}
			connID, extID := conn.ID, ea.ExternalID
			acct := repository.Account{
				ID:               uuid.NewString(),
				UserID:           conn.UserID,
				ConnectionID:     &connID,
				ExternalID:       &extID,
				Name:             name,
				Type:             provider.MapAccountType(ea.Type),
				Currency:         currency,
				Balance:          ea.Balance,
				AvailableBalance: ea.AvailableBalance,
				Status:           repository.AccountActive,
				LastSyncedAt:     &now,
			}
			if err := accounts.Insert(ctx, acct); err != nil {
				return fmt.Errorf("insert account %s: %w", ea.ExternalID, err)
			}
			processed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return processed, nil
}

// MergeTransactions upserts the provider transactions of account by external
// id. New rows store the absolute amount with a mapped type. Known rows only
// get amount and description refreshed, so user edits such as category and
// notes survive. It returns the number of newly inserted rows.
func (r *Reconciler) MergeTransactions(ctx context.Context, account repository.Account, external []provider.ExternalTransaction) (int, error) {
	now := r.now()
	inserted := 0
	err := database.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		txns := repository.NewTransactionRepo(tx)
		for _, et := range external {
			if et.ExternalID == "" {
				continue
			}
			existing, err := txns.GetByExternalID(ctx, et.ExternalID)
			if err != nil {
				return fmt.Errorf("lookup transaction %s: %w", et.ExternalID, err)
			}
			if existing != nil {
				if err := txns.RefreshFromProvider(ctx, existing.ID, et.Amount.Abs(), optional(et.Description)); err != nil {
					return fmt.Errorf("refresh transaction %s: %w", et.ExternalID, err)
				}
				continue
			}

			occurred := now
			if et.Date != nil {
				occurred = et.Date.UTC()
			}
			currency := et.Currency
			if currency == "" {
				currency = account.Currency
			}
			if currency == "" {
				currency = defaultCurrency
			}
			extID := et.ExternalID
			t := repository.Transaction{
				ID:           uuid.NewString(),
				UserID:       account.UserID,
				AccountID:    account.ID,
				Type:         provider.MapTransactionType(et.Type, et.Amount),
				Amount:       et.Amount.Abs(),
				Currency:     currency,
				Description:  optional(et.Description),
				MerchantName: optional(et.MerchantName),
				OccurredAt:   occurred,
				PostedAt:     et.PostedDate,
				Status:       repository.TransactionCompleted,
				ExternalID:   &extID,
			}
			if err := txns.Insert(ctx, t); err != nil {
				return fmt.Errorf("insert transaction %s: %w", et.ExternalID, err)
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
