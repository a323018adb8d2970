package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jask/banksync/internal/database/repository"
	"github.com/jask/banksync/internal/provider"
)

// Authorizer performs the provider side of the OAuth2 authorization code flow.
type Authorizer interface {
	AuthorizationURL(state, redirectURI string) string
	ExchangeCode(ctx context.Context, code, redirectURI string) (provider.CredentialPair, error)
}

// CredentialSealer stores freshly issued credentials for a connection.
type CredentialSealer interface {
	Seal(ctx context.Context, connectionID string, pair provider.CredentialPair) error
}

// LinkRequest carries the result of a completed consent redirect.
type LinkRequest struct {
	UserID      string
	BankName    string
	BankBIC     string
	Code        string
	RedirectURI string
}

// LinkService manages the lifecycle of bank connections outside of sync.
type LinkService struct {
	DB    *sql.DB
	Auth  Authorizer
	Vault CredentialSealer
	Log   *zap.Logger
}

// AuthorizationURL returns the consent URL together with the state value the
// caller must verify on redirect.
func (s *LinkService) AuthorizationURL(redirectURI string) (authURL, state string, err error) {
	if strings.TrimSpace(redirectURI) == "" {
		return "", "", &ValidationError{Field: "redirect_uri", Message: "required"}
	}
	state = uuid.NewString()
	return s.Auth.AuthorizationURL(state, redirectURI), state, nil
}

// Link exchanges the authorization code and stores a new active connection
// with its encrypted credentials.
func (s *LinkService) Link(ctx context.Context, req LinkRequest) (*repository.Connection, error) {
	switch {
	case req.UserID == "":
		return nil, &ValidationError{Field: "user_id", Message: "required"}
	case strings.TrimSpace(req.BankName) == "":
		return nil, &ValidationError{Field: "bank_name", Message: "required"}
	case req.Code == "":
		return nil, &ValidationError{Field: "code", Message: "required"}
	}
	pair, err := s.Auth.ExchangeCode(ctx, req.Code, req.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}

	conns := repository.NewConnectionRepo(s.DB)
	conn := repository.Connection{
		ID:       uuid.NewString(),
		UserID:   req.UserID,
		BankName: strings.TrimSpace(req.BankName),
		BankBIC:  optional(strings.TrimSpace(req.BankBIC)),
		Status:   repository.ConnectionActive,
	}
	if err := conns.Create(ctx, conn); err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}
	if err := s.Vault.Seal(ctx, conn.ID, pair); err != nil {
		msg := err.Error()
		if ferr := conns.FinishSync(ctx, conn.ID, repository.ConnectionError, &msg, nil); ferr != nil {
			s.logger().Error("mark connection errored", zap.String("connection_id", conn.ID), zap.Error(ferr))
		}
		return nil, fmt.Errorf("store credentials: %w", err)
	}
	s.logger().Info("bank connection linked", zap.String("connection_id", conn.ID), zap.String("bank", conn.BankName))
	return conns.Get(ctx, conn.ID)
}

// Disconnect marks an owned connection disconnected. Accounts and
// transactions are kept.
func (s *LinkService) Disconnect(ctx context.Context, userID, connectionID string) error {
	if _, err := s.Get(ctx, userID, connectionID); err != nil {
		return err
	}
	if err := repository.NewConnectionRepo(s.DB).UpdateStatus(ctx, connectionID, repository.ConnectionDisconnected); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	s.logger().Info("bank connection disconnected", zap.String("connection_id", connectionID))
	return nil
}

func (s *LinkService) List(ctx context.Context, userID string) ([]repository.Connection, error) {
	return repository.NewConnectionRepo(s.DB).ListByUser(ctx, userID)
}

// Get returns the connection when it exists and belongs to userID.
func (s *LinkService) Get(ctx context.Context, userID, connectionID string) (*repository.Connection, error) {
	conn, err := repository.NewConnectionRepo(s.DB).Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn == nil || conn.UserID != userID {
		return nil, &NotFoundError{Resource: "bank connection", ID: connectionID}
	}
	return conn, nil
}

// Accounts lists the accounts synced through an owned connection.
func (s *LinkService) Accounts(ctx context.Context, userID, connectionID string) ([]repository.Account, error) {
	if _, err := s.Get(ctx, userID, connectionID); err != nil {
		return nil, err
	}
	return repository.NewAccountRepo(s.DB).ListByConnection(ctx, connectionID)
}

func (s *LinkService) logger() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}
