package provider

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/jask/banksync/internal/database/repository"
)

// MapAccountType translates a provider account type. Unknown values map to
// checking.
func MapAccountType(t string) repository.AccountType {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "current", "checking":
		return repository.AccountChecking
	case "savings":
		return repository.AccountSavings
	case "credit_card", "card":
		return repository.AccountCreditCard
	case "investment":
		return repository.AccountInvestment
	case "loan":
		return repository.AccountLoan
	default:
		return repository.AccountChecking
	}
}

// MapTransactionType derives the local type from the provider type and the
// signed amount. Transfers are recognized by type; everything else is income
// when the amount is positive and expense otherwise.
func MapTransactionType(t string, amount decimal.Decimal) repository.TransactionType {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "transfer", "internal_transfer":
		return repository.TransactionTransfer
	}
	if amount.IsPositive() {
		return repository.TransactionIncome
	}
	return repository.TransactionExpense
}
