// Package vault keeps provider credentials encrypted at rest and hands out
// valid access tokens, refreshing them shortly before they expire.
package vault

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jask/banksync/internal/database/repository"
	"github.com/jask/banksync/internal/metrics"
	"github.com/jask/banksync/internal/provider"
)

// RefreshMargin is how close to expiry a token may get before it is refreshed.
const RefreshMargin = 30 * time.Second

// CredentialStore persists an encrypted token pair for a connection.
type CredentialStore interface {
	UpdateCredentials(ctx context.Context, id, accessEnc, refreshEnc string, expiresAt *time.Time) error
}

// Refresher exchanges a refresh token for a new credential pair.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (provider.CredentialPair, error)
}

// CredentialError means no usable access token could be produced. The
// connection needs attention before it can sync again.
type CredentialError struct {
	ConnectionID string
	Reason       string
	Err          error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credentials for connection %s: %s: %v", e.ConnectionID, e.Reason, e.Err)
	}
	return fmt.Sprintf("credentials for connection %s: %s", e.ConnectionID, e.Reason)
}

func (e *CredentialError) Unwrap() error { return e.Err }

type Vault struct {
	cipher    Cipher
	store     CredentialStore
	refresher Refresher
	now       func() time.Time
	log       *zap.Logger
	metrics   *metrics.Metrics
}

type Option func(*Vault)

func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		if now != nil {
			v.now = now
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(v *Vault) {
		if l != nil {
			v.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Vault) { v.metrics = m }
}

func New(c Cipher, store CredentialStore, refresher Refresher, opts ...Option) *Vault {
	v := &Vault{
		cipher:    c,
		store:     store,
		refresher: refresher,
		now:       time.Now,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Ensure returns an access token for conn that stays valid for more than
// RefreshMargin, refreshing and persisting a new pair when needed. A
// connection without a recorded expiry is treated as never expiring.
func (v *Vault) Ensure(ctx context.Context, conn *repository.Connection) (string, error) {
	if conn.AccessTokenEncrypted == nil {
		return "", &CredentialError{ConnectionID: conn.ID, Reason: "no access token stored"}
	}
	access, err := v.open(conn.ID, *conn.AccessTokenEncrypted)
	if err != nil {
		return "", &CredentialError{ConnectionID: conn.ID, Reason: "decrypt access token", Err: err}
	}
	if conn.TokenExpiresAt == nil || conn.TokenExpiresAt.Sub(v.now()) > RefreshMargin {
		return access, nil
	}

	if conn.RefreshTokenEncrypted == nil {
		return "", &CredentialError{ConnectionID: conn.ID, Reason: "access token expiring and no refresh token stored"}
	}
	refresh, err := v.open(conn.ID, *conn.RefreshTokenEncrypted)
	if err != nil {
		return "", &CredentialError{ConnectionID: conn.ID, Reason: "decrypt refresh token", Err: err}
	}
	pair, err := v.refresher.RefreshToken(ctx, refresh)
	if err != nil {
		return "", &CredentialError{ConnectionID: conn.ID, Reason: "refresh rejected", Err: err}
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = refresh
	}
	if err := v.Seal(ctx, conn.ID, pair); err != nil {
		return "", err
	}
	v.metrics.TokenRefreshed()
	v.log.Info("access token refreshed", zap.String("connection_id", conn.ID))
	return pair.AccessToken, nil
}

// Seal encrypts pair and stores it for connectionID.
func (v *Vault) Seal(ctx context.Context, connectionID string, pair provider.CredentialPair) error {
	if pair.AccessToken == "" {
		return &CredentialError{ConnectionID: connectionID, Reason: "empty access token"}
	}
	access, err := v.seal(connectionID, pair.AccessToken)
	if err != nil {
		return &CredentialError{ConnectionID: connectionID, Reason: "encrypt access token", Err: err}
	}
	refresh, err := v.seal(connectionID, pair.RefreshToken)
	if err != nil {
		return &CredentialError{ConnectionID: connectionID, Reason: "encrypt refresh token", Err: err}
	}
	if err := v.store.UpdateCredentials(ctx, connectionID, access, refresh, pair.ExpiresAt); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	return nil
}

func (v *Vault) seal(connectionID, plain string) (string, error) {
	ct, err := v.cipher.Seal([]byte(plain), []byte(connectionID))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

func (v *Vault) open(connectionID, enc string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", err
	}
	pt, err := v.cipher.Open(raw, []byte(connectionID))
	if err != nil {
		return "", errors.New("ciphertext does not authenticate")
	}
	return string(pt), nil
}
