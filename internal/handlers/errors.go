package handlers

import (
	"errors"
	"net/http"

	"github.com/vaultbank/backend/internal/services"
)

// statusForError maps service-layer failures onto HTTP status codes so
// every handler reports them the same way.
func statusForError(err error) int {
	var limitErr *services.LimitExceededError
	var rateErr *services.RateNotFoundError
	var stateErr *services.InvoiceStateError

	switch {
	case errors.Is(err, services.ErrSenderNotFound),
		errors.Is(err, services.ErrRecipientNotFound),
		errors.Is(err, services.ErrBuyerNotFound),
		errors.Is(err, services.ErrSellerNotFound),
		errors.Is(err, services.ErrPayerNotFound),
		errors.Is(err, services.ErrCreditorNotFound),
		errors.Is(err, services.ErrAccountNotFound),
		errors.Is(err, services.ErrInvoiceNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidPIN):
		return http.StatusUnauthorized
	case errors.As(err, &stateErr):
		return http.StatusConflict
	case errors.Is(err, services.ErrInvoiceExpired):
		return http.StatusGone
	case errors.Is(err, services.ErrInsufficientFunds),
		errors.Is(err, services.ErrTreasuryInsufficientFunds),
		errors.As(err, &limitErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, services.ErrRatesUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, services.ErrAmountNotPositive),
		errors.Is(err, services.ErrIdempotencyKeyRequired),
		errors.Is(err, services.ErrDescriptionRequired),
		errors.Is(err, services.ErrWebhookURLRequired),
		errors.Is(err, services.ErrSelfTransfer),
		errors.As(err, &rateErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func sendServiceError(w http.ResponseWriter, err error) {
	status := statusForError(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "Internal server error"
	}
	services.SendErrorResponse(w, message, status, nil)
}
