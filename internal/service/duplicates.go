package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"

	"github.com/jask/banksync/internal/database"
	"github.com/jask/banksync/internal/database/repository"
)

const (
	duplicateWindow   = 7 * 24 * time.Hour
	duplicateMaxRatio = 0.4

	reviewPending   = "pending"
	reviewMerged    = "merged"
	reviewDismissed = "dismissed"
)

// DuplicateDetector queues synced transactions that look like a manually
// entered transaction on the same account. It never merges on its own; a
// queued pair waits for Decide.
type DuplicateDetector struct {
	DB *sql.DB
}

// Scan compares the synced transactions of accountID that occurred at or
// after since with the account's manual transactions and queues likely
// duplicates. It returns the number of candidate pairs found.
func (d *DuplicateDetector) Scan(ctx context.Context, accountID string, since time.Time) (int, error) {
	txns := repository.NewTransactionRepo(d.DB)
	all, err := txns.List(ctx, repository.TransactionFilters{AccountID: accountID, From: since.Add(-duplicateWindow)})
	if err != nil {
		return 0, fmt.Errorf("list transactions: %w", err)
	}
	var synced, manual []repository.Transaction
	for _, t := range all {
		if t.Status == repository.TransactionCancelled {
			continue
		}
		if t.ExternalID == nil {
			manual = append(manual, t)
		} else if !t.OccurredAt.Before(since) {
			synced = append(synced, t)
		}
	}
	if len(manual) == 0 || len(synced) == 0 {
		return 0, nil
	}

	pending := repository.NewReconciliationRepo(d.DB)
	found := 0
	for _, s := range synced {
		for _, m := range manual {
			if !matchFuzzyCandidate(s, m) {
				continue
			}
			pr := repository.PendingReconciliation{
				ID:             uuid.NewString(),
				TransactionAID: s.ID,
				TransactionBID: m.ID,
				Similarity:     similarity(s, m),
				Status:         reviewPending,
			}
			if err := pending.Add(ctx, pr); err != nil {
				return found, fmt.Errorf("queue pair %s/%s: %w", s.ID, m.ID, err)
			}
			found++
		}
	}
	return found, nil
}

// Pending lists queued pairs awaiting a decision.
func (d *DuplicateDetector) Pending(ctx context.Context) ([]repository.PendingReconciliation, error) {
	return repository.NewReconciliationRepo(d.DB).ListPending(ctx)
}

// Decide resolves a queued pair. Confirming it cancels the manual row and
// carries its category and notes onto the synced row when that has none.
func (d *DuplicateDetector) Decide(ctx context.Context, pendingID string, isDuplicate bool) error {
	return database.WithTx(ctx, d.DB, func(tx *sql.Tx) error {
		pending := repository.NewReconciliationRepo(tx)
		pr, err := pending.Get(ctx, pendingID)
		if err != nil {
			return err
		}
		if pr == nil {
			return &NotFoundError{Resource: "reconciliation", ID: pendingID}
		}
		if pr.Status != reviewPending {
			return fmt.Errorf("reconciliation %s already %s", pendingID, pr.Status)
		}
		if !isDuplicate {
			return pending.UpdateStatus(ctx, pendingID, reviewDismissed)
		}

		txns := repository.NewTransactionRepo(tx)
		keep, err := txns.Get(ctx, pr.TransactionAID)
		if err != nil {
			return err
		}
		drop, err := txns.Get(ctx, pr.TransactionBID)
		if err != nil {
			return err
		}
		if keep == nil || drop == nil {
			return &NotFoundError{Resource: "transaction", ID: pr.TransactionAID + "/" + pr.TransactionBID}
		}
		if keep.CategoryID == nil && drop.CategoryID != nil {
			if err := txns.UpdateCategory(ctx, keep.ID, drop.CategoryID); err != nil {
				return err
			}
		}
		if keep.Notes == nil && drop.Notes != nil {
			if err := txns.UpdateNotes(ctx, keep.ID, drop.Notes); err != nil {
				return err
			}
		}
		if err := txns.UpdateStatus(ctx, drop.ID, repository.TransactionCancelled); err != nil {
			return err
		}
		return pending.UpdateStatus(ctx, pendingID, reviewMerged)
	})
}

func matchFuzzyCandidate(a, b repository.Transaction) bool {
	if !a.Amount.Equal(b.Amount) || a.Type != b.Type {
		return false
	}
	if absDuration(a.OccurredAt.Sub(b.OccurredAt)) > duplicateWindow {
		return false
	}
	da, db := strings.ToUpper(label(a)), strings.ToUpper(label(b))
	maxlen := max(len(da), len(db))
	if maxlen == 0 {
		return false
	}
	return float64(levenshtein.ComputeDistance(da, db))/float64(maxlen) < duplicateMaxRatio
}

func similarity(a, b repository.Transaction) float64 {
	if !a.Amount.Equal(b.Amount) {
		return 0
	}
	da, db := strings.ToUpper(label(a)), strings.ToUpper(label(b))
	maxlen := max(len(da), len(db))
	if maxlen == 0 {
		return 0
	}
	return 1 - float64(levenshtein.ComputeDistance(da, db))/float64(maxlen)
}

// label is the text compared between two transactions.
func label(t repository.Transaction) string {
	if t.Description != nil && *t.Description != "" {
		return *t.Description
	}
	if t.MerchantName != nil {
		return *t.MerchantName
	}
	return ""
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
