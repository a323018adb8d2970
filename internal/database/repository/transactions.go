package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const transactionColumns = `id, user_id, account_id, category_id, related_account_id, type, amount,
	currency, description, merchant_name, notes, occurred_at, posted_at, status, external_id,
	created_at, updated_at`

// TransactionFilters defines list filters.
type TransactionFilters struct {
	UserID    string
	AccountID string
	Status    TransactionStatus
	From      time.Time // inclusive; zero = unbounded
	To        time.Time // exclusive; zero = unbounded
	// Manual restricts to rows without an external id when set.
	Manual bool
	Search string
}

// TransactionRepo handles transactions.
type TransactionRepo struct {
	db DBTX
}

func NewTransactionRepo(db DBTX) *TransactionRepo { return &TransactionRepo{db: db} }

func (r *TransactionRepo) Insert(ctx context.Context, t Transaction) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO transactions(
	 id, user_id, account_id, category_id, related_account_id, type, amount, currency,
	 description, merchant_name, notes, occurred_at, posted_at, status, external_id,
	 created_at, updated_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`,
		t.ID, t.UserID, t.AccountID, t.CategoryID, t.RelatedAccountID, t.Type, t.Amount, t.Currency,
		t.Description, t.MerchantName, t.Notes, t.OccurredAt, t.PostedAt, t.Status, t.ExternalID)
	return err
}

// RefreshFromProvider updates the only fields a provider may correct after
// the fact. Category, notes and status stay untouched.
func (r *TransactionRepo) RefreshFromProvider(ctx context.Context, id string, amount decimal.Decimal, description *string) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE transactions SET amount = ?, description = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, amount, description, id)
	return err
}

func (r *TransactionRepo) UpdateCategory(ctx context.Context, id string, categoryID *string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE transactions SET category_id = ?, updated_at=CURRENT_TIMESTAMP WHERE id = ?`, categoryID, id)
	return err
}

func (r *TransactionRepo) UpdateNotes(ctx context.Context, id string, notes *string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE transactions SET notes = ?, updated_at=CURRENT_TIMESTAMP WHERE id = ?`, notes, id)
	return err
}

func (r *TransactionRepo) UpdateStatus(ctx context.Context, id string, status TransactionStatus) error {
	_, err := r.db.ExecContext(ctx, `UPDATE transactions SET status = ?, updated_at=CURRENT_TIMESTAMP WHERE id = ?`, status, id)
	return err
}

// GetByExternalID returns nil when no row carries the external id.
func (r *TransactionRepo) GetByExternalID(ctx context.Context, externalID string) (*Transaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE external_id = ?`, externalID)
	return optionalTransaction(scanTransaction(row))
}

func (r *TransactionRepo) Get(ctx context.Context, id string) (*Transaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	return optionalTransaction(scanTransaction(row))
}

func (r *TransactionRepo) List(ctx context.Context, f TransactionFilters) ([]Transaction, error) {
	var where []string
	var args []any

	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if !f.From.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		where = append(where, "occurred_at < ?")
		args = append(args, f.To.UTC())
	}
	if f.Manual {
		where = append(where, "external_id IS NULL")
	}
	if f.Search != "" {
		where = append(where, "description LIKE ?")
		args = append(args, "%"+f.Search+"%")
	}

	query := "SELECT " + transactionColumns + " FROM transactions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY occurred_at DESC, created_at DESC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func optionalTransaction(t Transaction, err error) (*Transaction, error) {
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func scanTransaction(row scanner) (Transaction, error) {
	var t Transaction
	var category, related, desc, merchant, notes, external sql.NullString
	var posted sql.NullTime
	if err := row.Scan(&t.ID, &t.UserID, &t.AccountID, &category, &related, &t.Type, &t.Amount,
		&t.Currency, &desc, &merchant, &notes, &t.OccurredAt, &posted, &t.Status, &external,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return Transaction{}, err
	}
	t.CategoryID = nullString(category)
	t.RelatedAccountID = nullString(related)
	t.Description = nullString(desc)
	t.MerchantName = nullString(merchant)
	t.Notes = nullString(notes)
	t.ExternalID = nullString(external)
	t.PostedAt = nullTime(posted)
	t.OccurredAt = t.OccurredAt.UTC()
	return t, nil
}
