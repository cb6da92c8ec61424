package models

import (
	"database/sql"
	"time"
)

// Transaction types
const (
	TransactionTypeTransfer       = "TRANSFER"
	TransactionTypeDeposit        = "DEPOSIT"
	TransactionTypeCharge         = "CHARGE"
	TransactionTypeInvoicePayment = "INVOICE_PAYMENT"
)

// TransactionStatusPosted is the only transaction status: failed
// operations never produce a transaction row.
const TransactionStatusPosted = "POSTED"

// Transaction is one atomic balance movement, always carrying exactly
// two entries. Amount is the debit-leg amount in the sender's currency;
// TargetCurrency and ExchangeRate are set only when conversion occurred.
type Transaction struct {
	ID             string          `json:"id" db:"id"`
	Reference      string          `json:"reference" db:"reference"`
	Type           string          `json:"type" db:"type"`
	Amount         int64           `json:"amount" db:"amount"` // in minor units
	Currency       string          `json:"currency" db:"currency"`
	TargetCurrency sql.NullString  `json:"target_currency,omitempty" db:"target_currency"`
	ExchangeRate   sql.NullFloat64 `json:"exchange_rate,omitempty" db:"exchange_rate"`
	Description    string          `json:"description" db:"description"`
	Status         string          `json:"status" db:"status"`
	IdempotencyKey sql.NullString  `json:"idempotency_key,omitempty" db:"idempotency_key"`
	FromAccountID  string          `json:"from_account_id" db:"from_account_id"`
	ToAccountID    string          `json:"to_account_id" db:"to_account_id"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Entry is one leg of a transaction: negative for the debited account,
// positive for the credited account.
type Entry struct {
	ID            int       `json:"id" db:"id"`
	TransactionID string    `json:"transaction_id" db:"transaction_id"`
	AccountID     string    `json:"account_id" db:"account_id"`
	Amount        int64     `json:"amount" db:"amount"` // in minor units, signed
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// EntryHistoryItem is an account-statement view of an entry joined with
// its transaction.
type EntryHistoryItem struct {
	EntryID     int       `json:"entry_id"`
	Amount      int64     `json:"amount"`
	Type        string    `json:"type"` // DEBIT or CREDIT
	Description string    `json:"description"`
	Reference   string    `json:"reference"`
	Status      string    `json:"status"`
	Date        time.Time `json:"date"`
}
