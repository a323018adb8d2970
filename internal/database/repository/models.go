package repository

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConnectionStatus is the persisted status of a bank connection.
type ConnectionStatus string

const (
	ConnectionActive       ConnectionStatus = "active"
	ConnectionExpired      ConnectionStatus = "expired"
	ConnectionError        ConnectionStatus = "error"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// SyncState tracks whether a synchronization run currently owns a connection.
type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncRunning SyncState = "running"
)

// Connection represents a bank_connections row.
type Connection struct {
	ID                    string
	UserID                string
	BankName              string
	BankBIC               *string
	Status                ConnectionStatus
	AccessTokenEncrypted  *string
	RefreshTokenEncrypted *string
	TokenExpiresAt        *time.Time
	LastSyncedAt          *time.Time
	LastError             *string
	SyncState             SyncState
	SyncStartedAt         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type AccountType string

const (
	AccountChecking   AccountType = "checking"
	AccountSavings    AccountType = "savings"
	AccountCreditCard AccountType = "credit_card"
	AccountInvestment AccountType = "investment"
	AccountLoan       AccountType = "loan"
)

type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountInactive AccountStatus = "inactive"
	AccountClosed   AccountStatus = "closed"
	AccountError    AccountStatus = "error"
)

// Account represents an accounts row. ConnectionID and ExternalID are nil for
// manually created accounts.
type Account struct {
	ID               string
	UserID           string
	ConnectionID     *string
	ExternalID       *string
	Name             string
	Type             AccountType
	Currency         string
	Balance          decimal.Decimal
	AvailableBalance decimal.NullDecimal
	Status           AccountStatus
	LastSyncedAt     *time.Time
	SyncError        *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type TransactionType string

const (
	TransactionIncome   TransactionType = "income"
	TransactionExpense  TransactionType = "expense"
	TransactionTransfer TransactionType = "transfer"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionCancelled TransactionStatus = "cancelled"
)

// Transaction represents a transaction row. Amount is always unsigned; the
// direction is carried by Type.
type Transaction struct {
	ID               string
	UserID           string
	AccountID        string
	CategoryID       *string
	RelatedAccountID *string
	Type             TransactionType
	Amount           decimal.Decimal
	Currency         string
	Description      *string
	MerchantName     *string
	Notes            *string
	OccurredAt       time.Time
	PostedAt         *time.Time
	Status           TransactionStatus
	ExternalID       *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Category represents a category row.
type Category struct {
	ID        string
	ParentID  *string
	Name      string
	SortOrder int
}

// PendingReconciliation represents potential duplicate.
type PendingReconciliation struct {
	ID             string
	TransactionAID string
	TransactionBID string
	Similarity     float64
	Status         string
	CreatedAt      time.Time
}
