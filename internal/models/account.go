package models

import (
	"time"
)

// AccountStatus values
const (
	AccountStatusActive = "ACTIVE"
	AccountStatusFrozen = "FROZEN"
	AccountStatusClosed = "CLOSED"
)

// Account holds a balance in a single currency. Balance is stored in
// minor units (cents) and reflects the signed sum of all entries ever
// posted against the account.
type Account struct {
	ID             string    `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	AccountNumber  string    `json:"account_number" db:"account_number"`
	Currency       string    `json:"currency" db:"currency"`
	Balance        int64     `json:"balance" db:"balance"` // in minor units
	AllowOverdraft bool      `json:"allow_overdraft" db:"allow_overdraft"`
	WebhookURL     string    `json:"webhook_url,omitempty" db:"webhook_url"`
	PinHash        string    `json:"-" db:"pin_hash"`
	Status         string    `json:"status" db:"status"`
	Version        int       `json:"version" db:"version"` // for optimistic locking
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}
