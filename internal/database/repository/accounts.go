package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

const accountColumns = `id, user_id, bank_connection_id, external_id, name, account_type, currency,
	balance, available_balance, status, last_synced_at, sync_error, created_at, updated_at`

// AccountRepo handles accounts.
type AccountRepo struct {
	db DBTX
}

func NewAccountRepo(db DBTX) *AccountRepo {
	return &AccountRepo{db: db}
}

func (r *AccountRepo) Insert(ctx context.Context, a Account) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO accounts(
	 id, user_id, bank_connection_id, external_id, name, account_type, currency, balance,
	 available_balance, status, last_synced_at, sync_error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, a.ID, a.UserID, a.ConnectionID, a.ExternalID, a.Name, a.Type, a.Currency, a.Balance,
		a.AvailableBalance, a.Status, a.LastSyncedAt, a.SyncError)
	return err
}

// ApplySync overwrites the provider-owned fields of a synced account and
// clears any previous sync error. The display name is left alone.
func (r *AccountRepo) ApplySync(ctx context.Context, id string, balance decimal.Decimal, available decimal.NullDecimal, syncedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE accounts
	SET balance = ?, available_balance = ?, last_synced_at = ?, status = 'active',
	 sync_error = NULL, updated_at = CURRENT_TIMESTAMP
	WHERE id = ?
	`, balance, available, syncedAt, id)
	return err
}

func (r *AccountRepo) SetSyncError(ctx context.Context, id string, msg *string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE accounts SET sync_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, msg, id)
	return err
}

func (r *AccountRepo) UpdateName(ctx context.Context, id, name string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE accounts SET name = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, name, id)
	return err
}

// Get returns nil when the account does not exist.
func (r *AccountRepo) Get(ctx context.Context, id string) (*Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return optionalAccount(scanAccount(row))
}

// GetByExternal looks an account up by its reconciliation key.
func (r *AccountRepo) GetByExternal(ctx context.Context, connectionID, externalID string) (*Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE bank_connection_id = ? AND external_id = ?`, connectionID, externalID)
	return optionalAccount(scanAccount(row))
}

func (r *AccountRepo) ListByConnection(ctx context.Context, connectionID string) ([]Account, error) {
	return r.list(ctx, `SELECT `+accountColumns+` FROM accounts WHERE bank_connection_id = ? ORDER BY created_at, id`, connectionID)
}

func (r *AccountRepo) ListByUser(ctx context.Context, userID string) ([]Account, error) {
	return r.list(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = ? ORDER BY name`, userID)
}

func (r *AccountRepo) list(ctx context.Context, query string, args ...any) ([]Account, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func optionalAccount(a Account, err error) (*Account, error) {
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func scanAccount(row scanner) (Account, error) {
	var a Account
	var conn, external, syncErr sql.NullString
	var synced sql.NullTime
	if err := row.Scan(&a.ID, &a.UserID, &conn, &external, &a.Name, &a.Type, &a.Currency,
		&a.Balance, &a.AvailableBalance, &a.Status, &synced, &syncErr, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Account{}, err
	}
	a.ConnectionID = nullString(conn)
	a.ExternalID = nullString(external)
	a.SyncError = nullString(syncErr)
	a.LastSyncedAt = nullTime(synced)
	return a, nil
}
