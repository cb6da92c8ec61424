package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/vaultbank/backend/internal/money"
	"github.com/vaultbank/backend/internal/services"
)

type TransferHandler struct {
	service   *services.TransferService
	validator *services.ValidationHelper
	log       *zap.Logger
}

func NewTransferHandler(service *services.TransferService, log *zap.Logger) *TransferHandler {
	return &TransferHandler{
		service:   service,
		validator: services.NewValidationHelper(),
		log:       log,
	}
}

// Transfer moves funds between two accounts, converting currencies when
// they differ. The Idempotency-Key header is required; replays return
// the original transaction.
func (h *TransferHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SenderID        string `json:"senderId" validate:"required,uuid"`
		ToAccountNumber string `json:"toAccountNumber" validate:"required,len=10,numeric"`
		Amount          string `json:"amount" validate:"required"`
		Description     string `json:"description"`
		Reference       string `json:"reference"`
	}
	if !decodeBody(w, r, h.validator, &req) {
		return
	}

	amount, err := money.ToMinorUnit(req.Amount)
	if err != nil {
		services.SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	txn, err := h.service.TransferFunds(r.Context(), services.TransferInput{
		SenderID:        req.SenderID,
		ToAccountNumber: req.ToAccountNumber,
		Amount:          amount,
		Description:     req.Description,
		Reference:       req.Reference,
		IdempotencyKey:  r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.log.Warn("transfer rejected", zap.Error(err))
		sendServiceError(w, err)
		return
	}

	services.SendJSONResponse(w, http.StatusCreated, map[string]any{
		"success": true,
		"data":    txn,
	})
}

// Deposit credits an account from the treasury, converting from the
// treasury currency when needed.
func (h *TransferHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ToAccountNumber string `json:"toAccountNumber" validate:"required,len=10,numeric"`
		Amount          string `json:"amount" validate:"required"`
		Reference       string `json:"reference"`
	}
	if !decodeBody(w, r, h.validator, &req) {
		return
	}

	amount, err := money.ToMinorUnit(req.Amount)
	if err != nil {
		services.SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	txn, err := h.service.DepositFunds(r.Context(), req.ToAccountNumber, amount, req.Reference)
	if err != nil {
		h.log.Warn("deposit rejected", zap.Error(err))
		sendServiceError(w, err)
		return
	}

	services.SendJSONResponse(w, http.StatusCreated, map[string]any{
		"success": true,
		"data":    txn,
	})
}

// Charge debits a buyer in favor of a seller account number.
func (h *TransferHandler) Charge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BuyerID             string `json:"buyerId" validate:"required,uuid"`
		SellerAccountNumber string `json:"sellerAccountNumber" validate:"required,len=10,numeric"`
		Amount              string `json:"amount" validate:"required"`
		Description         string `json:"description"`
		Reference           string `json:"reference"`
	}
	if !decodeBody(w, r, h.validator, &req) {
		return
	}

	amount, err := money.ToMinorUnit(req.Amount)
	if err != nil {
		services.SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	txn, err := h.service.ChargePayment(r.Context(), req.BuyerID, req.SellerAccountNumber,
		amount, req.Description, req.Reference)
	if err != nil {
		h.log.Warn("charge rejected", zap.Error(err))
		sendServiceError(w, err)
		return
	}

	services.SendJSONResponse(w, http.StatusCreated, map[string]any{
		"success": true,
		"data":    txn,
	})
}

// decodeBody applies the shared request-body discipline: a 1MB cap, no
// unknown fields, exactly one JSON object, then struct validation.
func decodeBody(w http.ResponseWriter, r *http.Request, v *services.ValidationHelper, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := v.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}
