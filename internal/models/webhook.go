package models

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// WebhookEvent statuses.
const (
	WebhookStatusPending    = "PENDING"
	WebhookStatusProcessing = "PROCESSING"
	WebhookStatusCompleted  = "COMPLETED"
	WebhookStatusFailed     = "FAILED"
)

// Webhook event kinds. The payload schema is a closed union: every
// event the system emits is one of these.
const (
	EventInvoicePaid          = "INVOICE_PAID"
	EventInvoicePaymentFailed = "INVOICE_PAYMENT_FAILED"
	EventInvoiceExpired       = "INVOICE_EXPIRED"
	EventTransferPosted       = "TRANSFER_POSTED"
)

// WebhookPayload is the JSON body delivered to a receiver. Fields not
// relevant to the event kind are omitted.
type WebhookPayload struct {
	Event     string `json:"event"`
	InvoiceID string `json:"invoiceId,omitempty"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount,omitempty"`
	Currency  string `json:"currency,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Value implements driver.Valuer so payloads persist as JSONB.
func (p WebhookPayload) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements sql.Scanner for JSONB payload columns.
func (p *WebhookPayload) Scan(value any) error {
	if value == nil {
		*p = WebhookPayload{}
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, p)
}

// WebhookEvent is an outbox row. Producers insert it PENDING inside the
// same database transaction as the state change it describes; the
// sweeper and delivery worker own it from there.
type WebhookEvent struct {
	ID        string         `json:"id" db:"id"`
	Endpoint  string         `json:"endpoint" db:"endpoint"`
	Payload   WebhookPayload `json:"payload" db:"payload"`
	Status    string         `json:"status" db:"status"`
	Attempts  int            `json:"attempts" db:"attempts"`
	LastError sql.NullString `json:"last_error,omitempty" db:"last_error"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}
