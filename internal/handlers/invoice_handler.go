package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vaultbank/backend/internal/models"
	"github.com/vaultbank/backend/internal/money"
	"github.com/vaultbank/backend/internal/services"
)

type InvoiceHandler struct {
	service   *services.InvoiceService
	validator *services.ValidationHelper
	log       *zap.Logger
}

func NewInvoiceHandler(service *services.InvoiceService, log *zap.Logger) *InvoiceHandler {
	return &InvoiceHandler{
		service:   service,
		validator: services.NewValidationHelper(),
		log:       log,
	}
}

// Create registers a new PENDING invoice against a creditor account.
func (h *InvoiceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CreditorAccountID string `json:"creditorAccountId" validate:"required,uuid"`
		Amount            string `json:"amount" validate:"required"`
		Reference         string `json:"reference"`
		Description       string `json:"description" validate:"required"`
		WebhookURL        string `json:"webhookUrl" validate:"required,url"`
		ExpiresAt         string `json:"expiresAt"`
	}
	if !decodeBody(w, r, h.validator, &req) {
		return
	}

	amount, err := money.ToMinorUnit(req.Amount)
	if err != nil {
		services.SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			services.SendErrorResponse(w, "expiresAt must be RFC3339", http.StatusBadRequest, nil)
			return
		}
		expiresAt = &t
	}

	invoice, err := h.service.CreateInvoice(r.Context(), services.CreateInvoiceInput{
		CreditorID:  req.CreditorAccountID,
		Amount:      amount,
		Reference:   req.Reference,
		Description: req.Description,
		WebhookURL:  req.WebhookURL,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		h.log.Warn("invoice creation rejected", zap.Error(err))
		sendServiceError(w, err)
		return
	}

	services.SendJSONResponse(w, http.StatusCreated, map[string]any{
		"success": true,
		"data":    invoice,
	})
}

// Pay attempts payment of the invoice in the URL with the payer's PIN.
// A funds failure returns 200 with the FAILED invoice rather than an
// error status: the attempt was processed and the state advanced.
func (h *InvoiceHandler) Pay(w http.ResponseWriter, r *http.Request) {
	invoiceID := chi.URLParam(r, "invoiceID")

	var req struct {
		PayerID string `json:"payerId" validate:"required,uuid"`
		PIN     string `json:"pin" validate:"required,min=4,max=8"`
	}
	if !decodeBody(w, r, h.validator, &req) {
		return
	}

	invoice, err := h.service.PayInvoice(r.Context(), services.PayInvoiceInput{
		InvoiceID:      invoiceID,
		PayerID:        req.PayerID,
		PIN:            req.PIN,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.log.Warn("invoice payment rejected",
			zap.String("invoice_id", invoiceID), zap.Error(err))
		sendServiceError(w, err)
		return
	}

	services.SendJSONResponse(w, http.StatusOK, map[string]any{
		"success": invoice.Status == models.InvoiceStatusPaid,
		"data":    invoice,
	})
}

// Get returns the invoice by id.
func (h *InvoiceHandler) Get(w http.ResponseWriter, r *http.Request) {
	invoice, err := h.service.GetInvoice(r.Context(), chi.URLParam(r, "invoiceID"))
	if err != nil {
		sendServiceError(w, err)
		return
	}

	services.SendJSONResponse(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    invoice,
	})
}

// QR returns a base64 PNG QR code for point-of-sale payment of the
// invoice.
func (h *InvoiceHandler) QR(w http.ResponseWriter, r *http.Request) {
	qrImage, err := h.service.InvoiceQR(r.Context(), chi.URLParam(r, "invoiceID"))
	if err != nil {
		sendServiceError(w, err)
		return
	}

	services.SendJSONResponse(w, http.StatusOK, map[string]any{
		"success": true,
		"qrImage": qrImage,
	})
}
