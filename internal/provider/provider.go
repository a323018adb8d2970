// Package provider is the HTTP client for the bank aggregator API. It fetches
// accounts and transactions for an access token and performs the OAuth2 code
// exchange and token refresh.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/jask/banksync/internal/metrics"
)

const (
	DefaultTimeout = 25 * time.Second
	defaultExpiry  = time.Hour
	maxErrorBody   = 4 << 10
)

// Config configures a Client.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	// RateLimit is requests per second across all operations; zero disables pacing.
	RateLimit float64
	Burst     int
}

// Client talks to one provider deployment. It is safe for concurrent use.
type Client struct {
	base    string
	timeout time.Duration
	http    *http.Client
	oauth   oauth2.Config
	limiter *rate.Limiter
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Client)

// WithHTTPClient replaces the transport used for every call.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func New(cfg Config, opts ...Option) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	c := &Client{
		base:    base,
		timeout: timeout,
		http:    &http.Client{},
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   base + "/oauth/authorize",
				TokenURL:  base + "/oauth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: []string{"accounts", "transactions"},
		},
		limiter: limiter,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProviderError reports a failed provider call. StatusCode is zero for
// transport failures and timeouts.
type ProviderError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: http %d: %s", e.Op, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("provider %s: %s", e.Op, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// CredentialPair is a plaintext token pair as issued by the provider.
type CredentialPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// ExternalAccount is an account as reported by the provider.
type ExternalAccount struct {
	ExternalID       string
	Name             string
	Type             string
	Currency         string
	Balance          decimal.Decimal
	AvailableBalance decimal.NullDecimal
}

// ExternalTransaction is a transaction as reported by the provider. Amount is
// signed: positive for inflow.
type ExternalTransaction struct {
	ExternalID   string
	Amount       decimal.Decimal
	Type         string
	Currency     string
	Description  string
	MerchantName string
	Date         *time.Time
	PostedDate   *time.Time
}

type wireAccount struct {
	ID               string              `json:"id"`
	AccountNumber    string              `json:"account_number"`
	Name             string              `json:"name"`
	Type             string              `json:"type"`
	Currency         string              `json:"currency"`
	Balance          decimal.Decimal     `json:"balance"`
	AvailableBalance decimal.NullDecimal `json:"available_balance"`
}

type wireTransaction struct {
	ID           string          `json:"id"`
	Amount       decimal.Decimal `json:"amount"`
	Type         string          `json:"type"`
	Currency     string          `json:"currency"`
	Description  string          `json:"description"`
	MerchantName string          `json:"merchant_name"`
	Date         flexTime        `json:"date"`
	PostedDate   flexTime        `json:"posted_date"`
}

// FetchAccounts lists the accounts visible to accessToken.
func (c *Client) FetchAccounts(ctx context.Context, accessToken string) ([]ExternalAccount, error) {
	var body struct {
		Accounts []wireAccount `json:"accounts"`
	}
	if err := c.getJSON(ctx, "fetch_accounts", accessToken, "/api/v1/accounts", nil, &body); err != nil {
		return nil, err
	}
	out := make([]ExternalAccount, 0, len(body.Accounts))
	for _, a := range body.Accounts {
		id := a.AccountNumber
		if id == "" {
			id = a.ID
		}
		out = append(out, ExternalAccount{
			ExternalID:       id,
			Name:             a.Name,
			Type:             a.Type,
			Currency:         a.Currency,
			Balance:          a.Balance,
			AvailableBalance: a.AvailableBalance,
		})
	}
	return out, nil
}

// FetchTransactions lists the transactions of one account within [from, to].
func (c *Client) FetchTransactions(ctx context.Context, accessToken, accountExternalID string, from, to time.Time) ([]ExternalTransaction, error) {
	q := url.Values{}
	q.Set("date_from", from.Format(time.RFC3339))
	q.Set("date_to", to.Format(time.RFC3339))
	path := "/api/v1/accounts/" + url.PathEscape(accountExternalID) + "/transactions"

	var body struct {
		Transactions []wireTransaction `json:"transactions"`
	}
	if err := c.getJSON(ctx, "fetch_transactions", accessToken, path, q, &body); err != nil {
		return nil, err
	}
	out := make([]ExternalTransaction, 0, len(body.Transactions))
	for _, t := range body.Transactions {
		out = append(out, ExternalTransaction{
			ExternalID:   t.ID,
			Amount:       t.Amount,
			Type:         t.Type,
			Currency:     t.Currency,
			Description:  t.Description,
			MerchantName: t.MerchantName,
			Date:         t.Date.ptr(),
			PostedDate:   t.PostedDate.ptr(),
		})
	}
	return out, nil
}

// AuthorizationURL builds the consent URL the user is redirected to.
func (c *Client) AuthorizationURL(state, redirectURI string) string {
	conf := c.oauth
	conf.RedirectURL = redirectURI
	return conf.AuthCodeURL(state)
}

// ExchangeCode trades an authorization code for a credential pair.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (CredentialPair, error) {
	const op = "exchange_code"
	if err := c.wait(ctx, op); err != nil {
		return CredentialPair{}, err
	}
	ctx, cancel := c.oauthContext(ctx)
	defer cancel()

	conf := c.oauth
	conf.RedirectURL = redirectURI
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return CredentialPair{}, c.tokenError(op, err)
	}
	c.metrics.ObserveProvider(op, http.StatusOK)
	return c.pair(tok), nil
}

// RefreshToken obtains a fresh access token. When the provider does not
// rotate the refresh token the old one is returned in the pair.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (CredentialPair, error) {
	const op = "refresh_token"
	if err := c.wait(ctx, op); err != nil {
		return CredentialPair{}, err
	}
	ctx, cancel := c.oauthContext(ctx)
	defer cancel()

	tok, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return CredentialPair{}, c.tokenError(op, err)
	}
	c.metrics.ObserveProvider(op, http.StatusOK)
	pair := c.pair(tok)
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}
	return pair, nil
}

func (c *Client) pair(tok *oauth2.Token) CredentialPair {
	exp := tok.Expiry
	if exp.IsZero() {
		exp = c.now().Add(defaultExpiry)
	}
	exp = exp.UTC()
	return CredentialPair{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    &exp,
	}
}

func (c *Client) oauthContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	return context.WithValue(ctx, oauth2.HTTPClient, c.http), cancel
}

func (c *Client) tokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		c.metrics.ObserveProvider(op, re.Response.StatusCode)
		msg := re.ErrorDescription
		if msg == "" {
			msg = re.ErrorCode
		}
		if msg == "" {
			msg = errorMessage(re.Body)
		}
		return &ProviderError{Op: op, StatusCode: re.Response.StatusCode, Message: msg, Err: err}
	}
	c.metrics.ObserveProvider(op, 0)
	return &ProviderError{Op: op, Message: err.Error(), Err: err}
}

func (c *Client) wait(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &ProviderError{Op: op, Message: "rate limiter", Err: err}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, op, accessToken, path string, q url.Values, dst any) error {
	if err := c.wait(ctx, op); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &ProviderError{Op: op, Message: "build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.ObserveProvider(op, 0)
		return &ProviderError{Op: op, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()
	c.metrics.ObserveProvider(op, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &ProviderError{Op: op, StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return &ProviderError{Op: op, StatusCode: resp.StatusCode, Message: "decode response", Err: err}
	}
	return nil
}

func errorMessage(raw []byte) string {
	var body struct {
		Error       string `json:"error"`
		Message     string `json:"message"`
		Detail      string `json:"detail"`
		Description string `json:"error_description"`
	}
	if json.Unmarshal(raw, &body) == nil {
		for _, s := range []string{body.Description, body.Message, body.Detail, body.Error} {
			if s != "" {
				return s
			}
		}
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		return "empty response"
	}
	return msg
}

// flexTime accepts RFC 3339 timestamps, naive timestamps and plain dates.
type flexTime struct {
	t     time.Time
	valid bool
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	var s string
	if string(b) == "null" {
		return nil
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			f.t, f.valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unrecognized time %q", s)
}

func (f flexTime) ptr() *time.Time {
	if !f.valid {
		return nil
	}
	t := f.t
	return &t
}
