package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"time"

	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/vaultbank/backend/internal/models"
)

// InvoiceService drives an invoice through its payment lifecycle:
// PENDING then exactly one of PAID, FAILED or EXPIRED. Terminal states
// never transition again. All lifecycle webhooks go through the outbox
// in the same database transaction as the status change.
type InvoiceService struct {
	db     *sql.DB
	ledger *LedgerService
	outbox *WebhookService
	creds  CredentialVerifier
	log    *zap.Logger
}

func NewInvoiceService(db *sql.DB, ledger *LedgerService, outbox *WebhookService, creds CredentialVerifier, log *zap.Logger) *InvoiceService {
	return &InvoiceService{
		db:     db,
		ledger: ledger,
		outbox: outbox,
		creds:  creds,
		log:    log,
	}
}

type CreateInvoiceInput struct {
	CreditorID  string
	Amount      int64
	Reference   string
	Description string
	WebhookURL  string
	ExpiresAt   *time.Time
}

func (s *InvoiceService) CreateInvoice(ctx context.Context, in CreateInvoiceInput) (*models.Invoice, error) {
	if in.Amount <= 0 {
		return nil, ErrAmountNotPositive
	}
	if in.Description == "" {
		return nil, ErrDescriptionRequired
	}
	if in.WebhookURL == "" {
		return nil, ErrWebhookURLRequired
	}

	var creditorID string
	err := s.db.QueryRow(`SELECT id FROM accounts WHERE id = $1`, in.CreditorID).Scan(&creditorID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrCreditorNotFound, in.CreditorID)
	}
	if err != nil {
		return nil, err
	}

	invoice := &models.Invoice{
		ID:                uuid.NewString(),
		Reference:         defaultReference(in.Reference, "INV"),
		Amount:            in.Amount,
		CreditorAccountID: in.CreditorID,
		Description:       in.Description,
		WebhookURL:        in.WebhookURL,
		Status:            models.InvoiceStatusPending,
		ExpiresAt:         in.ExpiresAt,
		CreatedAt:         time.Now(),
	}

	_, err = s.db.Exec(`
		INSERT INTO invoices
		(id, reference, amount, creditor_account_id, description, webhook_url, status, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		invoice.ID, invoice.Reference, invoice.Amount, invoice.CreditorAccountID,
		invoice.Description, invoice.WebhookURL, invoice.Status, invoice.ExpiresAt, invoice.CreatedAt)
	if err != nil {
		return nil, err
	}
	return invoice, nil
}

type PayInvoiceInput struct {
	InvoiceID      string
	PayerID        string
	PIN            string
	IdempotencyKey string
}

// PayInvoice attempts payment of a PENDING invoice.
//
// An expired PENDING invoice transitions to EXPIRED, emits its webhook
// event and fails the attempt; that transition commits even though the
// call errors. A valid PIN with insufficient balance transitions the
// invoice to FAILED and returns it WITHOUT an error, alongside a queued
// INVOICE_PAYMENT_FAILED event; callers must not treat that as a
// rollback case. Success moves the money, marks the invoice PAID and
// queues INVOICE_PAID, all in one transaction. Replaying a known
// idempotency key returns the current invoice state untouched.
func (s *InvoiceService) PayInvoice(ctx context.Context, in PayInvoiceInput) (*models.Invoice, error) {
	if in.IdempotencyKey != "" {
		replayed, err := s.idempotencyReplay(in)
		if err != nil {
			return nil, err
		}
		if replayed != nil {
			return replayed, nil
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	invoice, err := s.lockInvoiceTx(tx, in.InvoiceID)
	if err != nil {
		return nil, err
	}

	// Lazy expiry fires before the terminal-status check, and its
	// transition commits despite the attempt failing.
	if invoice.Status == models.InvoiceStatusPending &&
		invoice.ExpiresAt != nil && time.Now().After(*invoice.ExpiresAt) {
		if err := s.setInvoiceStatusTx(tx, invoice, models.InvoiceStatusExpired, nil); err != nil {
			return nil, err
		}
		if _, err := s.outbox.CreateEventTx(tx, invoice.WebhookURL, models.WebhookPayload{
			Event:     models.EventInvoiceExpired,
			InvoiceID: invoice.ID,
			Reference: invoice.Reference,
			Status:    models.InvoiceStatusExpired,
		}); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, ErrInvoiceExpired
	}

	if invoice.Status != models.InvoiceStatusPending {
		return nil, &InvoiceStateError{Status: invoice.Status}
	}

	payer, err := s.lockPaymentAccountsTx(tx, in.PayerID, invoice.CreditorAccountID)
	if err != nil {
		return nil, err
	}

	if !s.creds.Verify(in.PIN, payer.PinHash) {
		return nil, ErrInvalidPIN
	}

	if !payer.AllowOverdraft && payer.Balance < invoice.Amount {
		if err := s.setInvoiceStatusTx(tx, invoice, models.InvoiceStatusFailed, nil); err != nil {
			return nil, err
		}
		if _, err := s.outbox.CreateEventTx(tx, invoice.WebhookURL, models.WebhookPayload{
			Event:     models.EventInvoicePaymentFailed,
			InvoiceID: invoice.ID,
			Reference: invoice.Reference,
			Status:    models.InvoiceStatusFailed,
			Reason:    "Insufficient funds",
		}); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		s.log.Info("invoice payment failed on funds",
			zap.String("invoice_id", invoice.ID), zap.String("payer", payer.ID))
		return invoice, nil
	}

	txn := &models.Transaction{
		ID:            uuid.NewString(),
		Reference:     invoice.Reference,
		Type:          models.TransactionTypeInvoicePayment,
		Amount:        invoice.Amount,
		Currency:      payer.Currency,
		Description:   invoice.Description,
		Status:        models.TransactionStatusPosted,
		FromAccountID: payer.ID,
		ToAccountID:   invoice.CreditorAccountID,
		CreatedAt:     time.Now(),
	}
	if in.IdempotencyKey != "" {
		txn.IdempotencyKey = sql.NullString{String: in.IdempotencyKey, Valid: true}
	}

	if err := s.insertTransactionTx(tx, txn); err != nil {
		if isUniqueViolation(err) {
			// Concurrent attempt with the same key committed first.
			tx.Rollback()
			return s.getInvoice(in.InvoiceID)
		}
		return nil, err
	}

	if err := s.ledger.ApplyLegsTx(tx, LegParams{
		TransactionID: txn.ID,
		FromAccountID: payer.ID,
		ToAccountID:   invoice.CreditorAccountID,
		DebitAmount:   invoice.Amount,
		CreditAmount:  invoice.Amount,
	}); err != nil {
		return nil, err
	}

	paidAt := time.Now()
	if err := s.setInvoiceStatusTx(tx, invoice, models.InvoiceStatusPaid, &paidAt); err != nil {
		return nil, err
	}

	if _, err := s.outbox.CreateEventTx(tx, invoice.WebhookURL, models.WebhookPayload{
		Event:     models.EventInvoicePaid,
		InvoiceID: invoice.ID,
		Reference: invoice.Reference,
		Status:    models.InvoiceStatusPaid,
		Amount:    invoice.Amount,
		Currency:  payer.Currency,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.log.Info("invoice paid",
		zap.String("invoice_id", invoice.ID),
		zap.String("payer", payer.ID),
		zap.Int64("amount", invoice.Amount))
	return invoice, nil
}

// GetInvoice returns the invoice by id.
func (s *InvoiceService) GetInvoice(ctx context.Context, invoiceID string) (*models.Invoice, error) {
	return s.getInvoice(invoiceID)
}

// InvoiceQR renders a base64 PNG QR code carrying the invoice
// reference and creditor account number for point-of-sale scanning.
func (s *InvoiceService) InvoiceQR(ctx context.Context, invoiceID string) (string, error) {
	invoice, err := s.getInvoice(invoiceID)
	if err != nil {
		return "", err
	}

	var accountNumber string
	if err := s.db.QueryRow(`SELECT account_number FROM accounts WHERE id = $1`,
		invoice.CreditorAccountID).Scan(&accountNumber); err != nil {
		return "", err
	}

	payload, err := json.Marshal(map[string]any{
		"reference":     invoice.Reference,
		"accountNumber": accountNumber,
		"amount":        invoice.Amount,
		"invoiceId":     invoice.ID,
	})
	if err != nil {
		return "", err
	}

	qr, err := qrcode.New(string(payload), qrcode.Medium)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (s *InvoiceService) idempotencyReplay(in PayInvoiceInput) (*models.Invoice, error) {
	var txnID string
	err := s.db.QueryRow(`SELECT id FROM transactions WHERE idempotency_key = $1`,
		in.IdempotencyKey).Scan(&txnID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("idempotency hit, returning current invoice state",
		zap.String("idempotency_key", in.IdempotencyKey))
	return s.getInvoice(in.InvoiceID)
}

func (s *InvoiceService) getInvoice(invoiceID string) (*models.Invoice, error) {
	invoice := &models.Invoice{}
	err := s.db.QueryRow(`
		SELECT id, reference, amount, creditor_account_id, description, webhook_url,
		       status, expires_at, paid_at, created_at
		FROM invoices WHERE id = $1`, invoiceID).Scan(
		&invoice.ID, &invoice.Reference, &invoice.Amount, &invoice.CreditorAccountID,
		&invoice.Description, &invoice.WebhookURL, &invoice.Status,
		&invoice.ExpiresAt, &invoice.PaidAt, &invoice.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return invoice, nil
}

func (s *InvoiceService) lockInvoiceTx(tx *sql.Tx, invoiceID string) (*models.Invoice, error) {
	invoice := &models.Invoice{}
	err := tx.QueryRow(`
		SELECT id, reference, amount, creditor_account_id, description, webhook_url,
		       status, expires_at, paid_at, created_at
		FROM invoices WHERE id = $1
		FOR UPDATE`, invoiceID).Scan(
		&invoice.ID, &invoice.Reference, &invoice.Amount, &invoice.CreditorAccountID,
		&invoice.Description, &invoice.WebhookURL, &invoice.Status,
		&invoice.ExpiresAt, &invoice.PaidAt, &invoice.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return invoice, nil
}

// lockPaymentAccountsTx takes the payer and creditor row locks in
// ascending id order, the same order the ledger uses, so an invoice
// payment can never deadlock against a concurrent transfer between the
// same pair of accounts.
func (s *InvoiceService) lockPaymentAccountsTx(tx *sql.Tx, payerID, creditorID string) (*models.Account, error) {
	if creditorID < payerID {
		if err := s.lockAccountRowTx(tx, creditorID); err != nil {
			return nil, err
		}
		return s.lockPayerTx(tx, payerID)
	}
	payer, err := s.lockPayerTx(tx, payerID)
	if err != nil {
		return nil, err
	}
	if creditorID != payerID {
		if err := s.lockAccountRowTx(tx, creditorID); err != nil {
			return nil, err
		}
	}
	return payer, nil
}

func (s *InvoiceService) lockAccountRowTx(tx *sql.Tx, accountID string) error {
	var id string
	err := tx.QueryRow(`SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&id)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return err
}

func (s *InvoiceService) lockPayerTx(tx *sql.Tx, payerID string) (*models.Account, error) {
	payer := &models.Account{}
	err := tx.QueryRow(`
		SELECT id, currency, balance, allow_overdraft, pin_hash, version
		FROM accounts WHERE id = $1
		FOR UPDATE`, payerID).Scan(
		&payer.ID, &payer.Currency, &payer.Balance, &payer.AllowOverdraft,
		&payer.PinHash, &payer.Version)
	if err == sql.ErrNoRows {
		return nil, ErrPayerNotFound
	}
	if err != nil {
		return nil, err
	}
	return payer, nil
}

func (s *InvoiceService) setInvoiceStatusTx(tx *sql.Tx, invoice *models.Invoice, status string, paidAt *time.Time) error {
	_, err := tx.Exec(`
		UPDATE invoices SET status = $1, paid_at = $2 WHERE id = $3`,
		status, paidAt, invoice.ID)
	if err != nil {
		return err
	}
	invoice.Status = status
	invoice.PaidAt = paidAt
	return nil
}

func (s *InvoiceService) insertTransactionTx(tx *sql.Tx, txn *models.Transaction) error {
	_, err := tx.Exec(`
		INSERT INTO transactions
		(id, reference, type, amount, currency, target_currency, exchange_rate,
		 description, status, idempotency_key, from_account_id, to_account_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		txn.ID, txn.Reference, txn.Type, txn.Amount, txn.Currency,
		txn.TargetCurrency, txn.ExchangeRate, txn.Description, txn.Status,
		txn.IdempotencyKey, txn.FromAccountID, txn.ToAccountID, txn.CreatedAt)
	return err
}
