// Package testdata provides an in-process fake of the bank aggregator API
// and helpers to seed connections for tests.
package testdata

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/mux"
)

// Account is an account as served by the fake bank.
type Account struct {
	ID               string  `json:"account_number"`
	Name             string  `json:"name,omitempty"`
	Type             string  `json:"type,omitempty"`
	Currency         string  `json:"currency,omitempty"`
	Balance          string  `json:"balance"`
	AvailableBalance *string `json:"available_balance,omitempty"`
}

// Transaction is a transaction as served by the fake bank.
type Transaction struct {
	ID           string `json:"id"`
	Amount       string `json:"amount"`
	Type         string `json:"type,omitempty"`
	Currency     string `json:"currency,omitempty"`
	Description  string `json:"description,omitempty"`
	MerchantName string `json:"merchant_name,omitempty"`
	Date         string `json:"date,omitempty"`
	PostedDate   string `json:"posted_date,omitempty"`
}

// FakeBank serves accounts, transactions and OAuth tokens. All methods are
// safe for concurrent use with in-flight requests.
type FakeBank struct {
	Server *httptest.Server

	mu             sync.Mutex
	accessToken    string
	refreshToken   string
	authCode       string
	accounts       []Account
	transactions   map[string][]Transaction
	accountsStatus int
	txnStatus      map[string]int
	gate           chan struct{}
	entered        chan struct{}
	refreshCalls   int
	txnCalls       map[string]int
	issued         int
}

// NewFakeBank starts a fake bank that accepts access token "access-0" and
// refresh token "refresh-0", and exchanges authorization code "code-ok".
func NewFakeBank(t testing.TB) *FakeBank {
	t.Helper()
	b := &FakeBank{
		accessToken:  "access-0",
		refreshToken: "refresh-0",
		authCode:     "code-ok",
		transactions: map[string][]Transaction{},
		txnStatus:    map[string]int{},
		txnCalls:     map[string]int{},
	}
	r := mux.NewRouter()
	r.HandleFunc("/api/v1/accounts", b.handleAccounts).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/accounts/{id}/transactions", b.handleTransactions).Methods(http.MethodGet)
	r.HandleFunc("/oauth/token", b.handleToken).Methods(http.MethodPost)
	b.Server = httptest.NewServer(r)
	t.Cleanup(b.Server.Close)
	return b
}

func (b *FakeBank) URL() string { return b.Server.URL }

func (b *FakeBank) AccessToken() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accessToken
}

func (b *FakeBank) AddAccount(a Account) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.accounts {
		if b.accounts[i].ID == a.ID {
			b.accounts[i] = a
			return
		}
	}
	b.accounts = append(b.accounts, a)
}

func (b *FakeBank) AddTransaction(accountID string, tx Transaction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.transactions[accountID]
	for i := range list {
		if list[i].ID == tx.ID {
			list[i] = tx
			return
		}
	}
	b.transactions[accountID] = append(list, tx)
}

// FailAccounts makes the account list endpoint answer with status.
// Zero restores normal behaviour.
func (b *FakeBank) FailAccounts(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accountsStatus = status
}

// FailTransactions makes the transaction endpoint of one account answer with status.
func (b *FakeBank) FailTransactions(accountID string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.txnStatus[accountID] = status
}

// Hold makes account list requests wait until the returned release func is
// called. The entered channel receives once per held request.
func (b *FakeBank) Hold() (entered <-chan struct{}, release func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = make(chan struct{})
	b.entered = make(chan struct{}, 16)
	gate := b.gate
	var once sync.Once
	return b.entered, func() { once.Do(func() { close(gate) }) }
}

func (b *FakeBank) RefreshCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshCalls
}

func (b *FakeBank) TransactionCalls(accountID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.txnCalls[accountID]
}

func (b *FakeBank) authorized(r *http.Request) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return r.Header.Get("Authorization") == "Bearer "+b.accessToken
}

func (b *FakeBank) handleAccounts(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	gate, entered := b.gate, b.entered
	b.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if !b.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid access token")
		return
	}
	b.mu.Lock()
	status := b.accountsStatus
	accounts := append([]Account(nil), b.accounts...)
	b.mu.Unlock()
	if status != 0 {
		writeError(w, status, "accounts unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (b *FakeBank) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		writeError(w, http.StatusUnauthorized, "invalid access token")
		return
	}
	id := mux.Vars(r)["id"]
	b.mu.Lock()
	b.txnCalls[id]++
	status := b.txnStatus[id]
	txns := append([]Transaction(nil), b.transactions[id]...)
	b.mu.Unlock()
	if status != 0 {
		writeError(w, status, fmt.Sprintf("transactions for %s unavailable", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}

func (b *FakeBank) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") != b.authCode {
			writeError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
	case "refresh_token":
		b.refreshCalls++
		if r.PostForm.Get("refresh_token") != b.refreshToken {
			writeError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}
	b.issued++
	b.accessToken = fmt.Sprintf("access-%d", b.issued)
	b.refreshToken = fmt.Sprintf("refresh-%d", b.issued)
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  b.accessToken,
		"refresh_token": b.refreshToken,
		"token_type":    "Bearer",
		"expires_in":    3600,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "message": msg})
}
