package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const connectionColumns = `id, user_id, bank_name, bank_bic, status, access_token_encrypted,
	refresh_token_encrypted, token_expires_at, last_synced_at, last_error, sync_state,
	sync_started_at, created_at, updated_at`

// ConnectionRepo handles bank connections.
type ConnectionRepo struct {
	db DBTX
}

func NewConnectionRepo(db DBTX) *ConnectionRepo {
	return &ConnectionRepo{db: db}
}

func (r *ConnectionRepo) Create(ctx context.Context, c Connection) error {
	if c.Status == "" {
		c.Status = ConnectionActive
	}
	if c.SyncState == "" {
		c.SyncState = SyncIdle
	}
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO bank_connections(
	 id, user_id, bank_name, bank_bic, status, access_token_encrypted, refresh_token_encrypted,
	 token_expires_at, sync_state, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, c.ID, c.UserID, c.BankName, c.BankBIC, c.Status, c.AccessTokenEncrypted,
		c.RefreshTokenEncrypted, c.TokenExpiresAt, c.SyncState)
	return err
}

// Get returns nil when the connection does not exist.
func (r *ConnectionRepo) Get(ctx context.Context, id string) (*Connection, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM bank_connections WHERE id = ?`, id)
	c, err := scanConnection(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *ConnectionRepo) ListByUser(ctx context.Context, userID string) ([]Connection, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+connectionColumns+` FROM bank_connections WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TryBeginSync moves an idle, non-disconnected connection into the running
// state. It reports false when another run already holds the connection or
// the connection cannot be synchronized.
func (r *ConnectionRepo) TryBeginSync(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
	UPDATE bank_connections
	SET sync_state = 'running', sync_started_at = ?, updated_at = CURRENT_TIMESTAMP
	WHERE id = ? AND sync_state = 'idle' AND status != 'disconnected'
	`, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishSync records the terminal outcome of a run and releases the
// connection. A nil syncedAt keeps the previous last_synced_at.
func (r *ConnectionRepo) FinishSync(ctx context.Context, id string, status ConnectionStatus, lastError *string, syncedAt *time.Time) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE bank_connections
	SET status = CASE WHEN status = 'disconnected' THEN status ELSE ? END,
	 last_error = ?,
	 last_synced_at = COALESCE(?, last_synced_at),
	 sync_state = 'idle',
	 sync_started_at = NULL,
	 updated_at = CURRENT_TIMESTAMP
	WHERE id = ?
	`, status, lastError, syncedAt, id)
	return err
}

// UpdateCredentials stores an already-encrypted credential pair.
func (r *ConnectionRepo) UpdateCredentials(ctx context.Context, id, accessEnc, refreshEnc string, expiresAt *time.Time) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE bank_connections
	SET access_token_encrypted = ?, refresh_token_encrypted = ?, token_expires_at = ?, updated_at = CURRENT_TIMESTAMP
	WHERE id = ?
	`, accessEnc, refreshEnc, expiresAt, id)
	return err
}

func (r *ConnectionRepo) UpdateStatus(ctx context.Context, id string, status ConnectionStatus) error {
	_, err := r.db.ExecContext(ctx, `UPDATE bank_connections SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, status, id)
	return err
}

// ReleaseStale returns connections whose run started before cutoff to the
// idle state with the given status and error message.
func (r *ConnectionRepo) ReleaseStale(ctx context.Context, cutoff time.Time, status ConnectionStatus, message string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
	UPDATE bank_connections
	SET sync_state = 'idle', sync_started_at = NULL,
	 status = CASE WHEN status = 'disconnected' THEN status ELSE ? END,
	 last_error = ?, updated_at = CURRENT_TIMESTAMP
	WHERE sync_state = 'running' AND sync_started_at < ?
	`, status, message, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanConnection(row scanner) (Connection, error) {
	var c Connection
	var bic, access, refresh, lastErr sql.NullString
	var expires, synced, started sql.NullTime
	if err := row.Scan(&c.ID, &c.UserID, &c.BankName, &bic, &c.Status, &access, &refresh,
		&expires, &synced, &lastErr, &c.SyncState, &started, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Connection{}, err
	}
	c.BankBIC = nullString(bic)
	c.AccessTokenEncrypted = nullString(access)
	c.RefreshTokenEncrypted = nullString(refresh)
	c.LastError = nullString(lastErr)
	c.TokenExpiresAt = nullTime(expires)
	c.LastSyncedAt = nullTime(synced)
	c.SyncStartedAt = nullTime(started)
	return c, nil
}
