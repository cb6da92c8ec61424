package services

import (
	"errors"
	"fmt"
)

// Business-rule failures are always returned to the caller as typed
// errors; none are logged and swallowed at the service layer.
var (
	ErrAmountNotPositive      = errors.New("amount must be positive")
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	ErrDescriptionRequired    = errors.New("description is required")
	ErrWebhookURLRequired     = errors.New("webhook url is required")

	ErrSenderNotFound    = errors.New("sender account not found")
	ErrRecipientNotFound = errors.New("recipient account not found")
	ErrBuyerNotFound     = errors.New("buyer account not found")
	ErrSellerNotFound    = errors.New("seller account not found")
	ErrPayerNotFound     = errors.New("payer account not found")
	ErrCreditorNotFound  = errors.New("creditor account not found")
	ErrAccountNotFound   = errors.New("account not found")
	ErrInvoiceNotFound   = errors.New("invoice not found")

	ErrSelfTransfer              = errors.New("cannot transfer to the same account")
	ErrInsufficientFunds         = errors.New("insufficient funds")
	ErrTreasuryInsufficientFunds = errors.New("treasury insufficient funds")

	ErrInvalidPIN     = errors.New("invalid transaction pin")
	ErrInvoiceExpired = errors.New("invoice has expired")

	ErrRatesUnavailable = errors.New("exchange rates unavailable")
)

// LimitExceededError reports an amount over the per-transaction ceiling.
type LimitExceededError struct {
	Amount int64
	Limit  int64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("transaction limit exceeded: %d > %d", e.Amount, e.Limit)
}

// RateNotFoundError names the currency pair missing from the rate table.
type RateNotFoundError struct {
	From string
	To   string
}

func (e *RateNotFoundError) Error() string {
	return fmt.Sprintf("rate not available for pair %s-%s", e.From, e.To)
}

// InvoiceStateError reports a payment attempt against a terminal invoice.
type InvoiceStateError struct {
	Status string
}

func (e *InvoiceStateError) Error() string {
	return fmt.Sprintf("invoice is already %s", e.Status)
}
