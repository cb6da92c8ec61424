package models

import (
	"time"
)

// Invoice statuses. PENDING is the initial state; the others are terminal.
const (
	InvoiceStatusPending = "PENDING"
	InvoiceStatusPaid    = "PAID"
	InvoiceStatusFailed  = "FAILED"
	InvoiceStatusExpired = "EXPIRED"
)

// Invoice is a payment request against a creditor account. Amount is in
// the creditor's currency, minor units.
type Invoice struct {
	ID                string     `json:"id" db:"id"`
	Reference         string     `json:"reference" db:"reference"`
	Amount            int64      `json:"amount" db:"amount"`
	CreditorAccountID string     `json:"creditor_account_id" db:"creditor_account_id"`
	Description       string     `json:"description" db:"description"`
	WebhookURL        string     `json:"webhook_url" db:"webhook_url"`
	Status            string     `json:"status" db:"status"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	PaidAt            *time.Time `json:"paid_at,omitempty" db:"paid_at"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
}

// Terminal reports whether the invoice can no longer transition.
func (i *Invoice) Terminal() bool {
	return i.Status != InvoiceStatusPending
}
