package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/jask/banksync/internal/database/repository"
	"github.com/jask/banksync/internal/provider"
	"github.com/jask/banksync/internal/service"
)

type syncRequest struct {
	ConnectionID string `json:"connection_id"`
}

type linkRequest struct {
	BankName    string `json:"bank_name"`
	BankBIC     string `json:"bank_bic"`
	Code        string `json:"code"`
	RedirectURI string `json:"redirect_uri"`
}

type connectionView struct {
	ID           string     `json:"id"`
	BankName     string     `json:"bank_name"`
	BankBIC      *string    `json:"bank_bic"`
	Status       string     `json:"status"`
	SyncState    string     `json:"sync_state"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
	LastError    *string    `json:"last_error"`
	CreatedAt    time.Time  `json:"created_at"`
}

type accountView struct {
	ID               string     `json:"id"`
	ExternalID       *string    `json:"external_id"`
	Name             string     `json:"name"`
	Type             string     `json:"type"`
	Currency         string     `json:"currency"`
	Balance          string     `json:"balance"`
	AvailableBalance *string    `json:"available_balance"`
	Status           string     `json:"status"`
	LastSyncedAt     *time.Time `json:"last_synced_at"`
	SyncError        *string    `json:"sync_error"`
}

type connectionDetail struct {
	connectionView
	Accounts []accountView `json:"accounts"`
}

func (s *Server) syncConnection(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConnectionID == "" {
		writeError(w, http.StatusBadRequest, "connection_id required")
		return
	}
	ctx := r.Context()
	if s.syncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.syncTimeout)
		defer cancel()
	}
	res, err := s.sync.Sync(ctx, req.ConnectionID, UserID(r.Context()))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.links.List(r.Context(), UserID(r.Context()))
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]connectionView, 0, len(conns))
	for _, c := range conns {
		out = append(out, toConnectionView(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getConnection(w http.ResponseWriter, r *http.Request) {
	userID, id := UserID(r.Context()), mux.Vars(r)["id"]
	conn, err := s.links.Get(r.Context(), userID, id)
	if err != nil {
		s.fail(w, err)
		return
	}
	accounts, err := s.links.Accounts(r.Context(), userID, id)
	if err != nil {
		s.fail(w, err)
		return
	}
	detail := connectionDetail{connectionView: toConnectionView(*conn), Accounts: make([]accountView, 0, len(accounts))}
	for _, a := range accounts {
		detail.Accounts = append(detail.Accounts, toAccountView(a))
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) linkConnection(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	conn, err := s.links.Link(r.Context(), service.LinkRequest{
		UserID:      UserID(r.Context()),
		BankName:    req.BankName,
		BankBIC:     req.BankBIC,
		Code:        req.Code,
		RedirectURI: req.RedirectURI,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toConnectionView(*conn))
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.links.Disconnect(r.Context(), UserID(r.Context()), mux.Vars(r)["id"]); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) {
	authURL, state, err := s.links.AuthorizationURL(r.URL.Query().Get("redirect_uri"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authorization_url": authURL, "state": state})
}

// fail maps service errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var (
		notFound     *service.NotFoundError
		conflict     *service.ConflictError
		disconnected *service.DisconnectedError
		invalid      *service.ValidationError
		upstream     *provider.ProviderError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &disconnected):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &upstream):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func toConnectionView(c repository.Connection) connectionView {
	return connectionView{
		ID:           c.ID,
		BankName:     c.BankName,
		BankBIC:      c.BankBIC,
		Status:       string(c.Status),
		SyncState:    string(c.SyncState),
		LastSyncedAt: c.LastSyncedAt,
		LastError:    c.LastError,
		CreatedAt:    c.CreatedAt,
	}
}

func toAccountView(a repository.Account) accountView {
	v := accountView{
		ID:           a.ID,
		ExternalID:   a.ExternalID,
		Name:         a.Name,
		Type:         string(a.Type),
		Currency:     a.Currency,
		Balance:      a.Balance.String(),
		Status:       string(a.Status),
		LastSyncedAt: a.LastSyncedAt,
		SyncError:    a.SyncError,
	}
	if a.AvailableBalance.Valid {
		s := a.AvailableBalance.Decimal.String()
		v.AvailableBalance = &s
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
