package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vaultbank/backend/internal/middleware"
	"github.com/vaultbank/backend/internal/services"
)

type AccountHandler struct {
	service   *services.AccountService
	validator *services.ValidationHelper
	log       *zap.Logger
}

func NewAccountHandler(service *services.AccountService, log *zap.Logger) *AccountHandler {
	return &AccountHandler{
		service:   service,
		validator: services.NewValidationHelper(),
		log:       log,
	}
}

// Create provisions a new account.
func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string `json:"name" validate:"required,min=2,max=100"`
		Currency       string `json:"currency" validate:"required,len=3,alpha"`
		PIN            string `json:"pin" validate:"required,min=4,max=8,numeric"`
		WebhookURL     string `json:"webhookUrl" validate:"omitempty,url"`
		AllowOverdraft bool   `json:"allowOverdraft"`
	}
	if !decodeBody(w, r, h.validator, &req) {
		return
	}

	account, err := h.service.CreateAccount(r.Context(), services.CreateAccountInput{
		Name:           req.Name,
		Currency:       req.Currency,
		PIN:            req.PIN,
		WebhookURL:     req.WebhookURL,
		AllowOverdraft: req.AllowOverdraft,
	})
	if err != nil {
		h.log.Error("account creation failed", zap.Error(err))
		sendServiceError(w, err)
		return
	}

	token, err := middleware.IssueToken(account.ID)
	if err != nil {
		h.log.Error("token issuance failed", zap.Error(err))
		sendServiceError(w, err)
		return
	}

	services.SendJSONResponse(w, http.StatusCreated, map[string]any{
		"success":     true,
		"data":        account,
		"accessToken": token,
	})
}

// Get returns the account by id.
func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		sendServiceError(w, err)
		return
	}

	services.SendJSONResponse(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    account,
	})
}

// GetByNumber resolves an account by its 10-digit number.
func (h *AccountHandler) GetByNumber(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.GetAccountByNumber(r.Context(), chi.URLParam(r, "accountNumber"))
	if err != nil {
		sendServiceError(w, err)
		return
	}

	services.SendJSONResponse(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    account,
	})
}

// History returns the account statement, newest first. The limit query
// parameter caps the page size.
func (h *AccountHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	history, err := h.service.GetHistory(r.Context(), chi.URLParam(r, "accountID"), limit)
	if err != nil {
		sendServiceError(w, err)
		return
	}

	services.SendJSONResponse(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    history,
	})
}
