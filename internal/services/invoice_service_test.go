package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vaultbank/backend/internal/models"
)

const lockInvoiceQuery = `SELECT id, reference, amount, creditor_account_id, description, webhook_url, status, expires_at, paid_at, created_at FROM invoices WHERE id = \$1 FOR UPDATE`
const lockPayerQuery = `SELECT id, currency, balance, allow_overdraft, pin_hash, version FROM accounts WHERE id = \$1 FOR UPDATE`
const lockCreditorQuery = `SELECT id FROM accounts WHERE id = \$1 FOR UPDATE`
const setInvoiceStatusQuery = `UPDATE invoices SET status = \$1, paid_at = \$2 WHERE id = \$3`
const insertOutboxQuery = `INSERT INTO webhook_events`

// staticPIN accepts one plaintext and rejects everything else, standing
// in for argon2 verification.
type staticPIN string

func (p staticPIN) Verify(plaintext, storedHash string) bool { return plaintext == string(p) }

func invoiceRows(id string, amount int64, status string, expiresAt, paidAt *time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "reference", "amount", "creditor_account_id", "description",
		"webhook_url", "status", "expires_at", "paid_at", "created_at",
	}).AddRow(id, "INV-1", amount, "acct-b", "coffee",
		"https://merchant.example/hooks", status, expiresAt, paidAt, time.Now())
}

func payerRows(id, currency string, balance int64, allowOverdraft bool, pinHash string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "currency", "balance", "allow_overdraft", "pin_hash", "version",
	}).AddRow(id, currency, balance, allowOverdraft, pinHash, 1)
}

func newInvoiceFixture(t *testing.T) (*InvoiceService, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	outbox := NewWebhookService(db, nil, "webhook_delivery_queue", "test-secret", zap.NewNop())
	service := NewInvoiceService(db, NewLedgerService(db), outbox, staticPIN("1234"), zap.NewNop())
	return service, mock, func() { db.Close() }
}

func TestInvoiceService_CreateInvoice(t *testing.T) {
	service, mock, done := newInvoiceFixture(t)
	defer done()

	t.Run("creates a pending invoice", func(t *testing.T) {
		mock.ExpectQuery(`SELECT id FROM accounts WHERE id = \$1`).
			WithArgs("acct-b").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("acct-b"))
		mock.ExpectExec("INSERT INTO invoices").
			WillReturnResult(sqlmock.NewResult(1, 1))

		invoice, err := service.CreateInvoice(context.Background(), CreateInvoiceInput{
			CreditorID:  "acct-b",
			Amount:      500,
			Description: "coffee",
			WebhookURL:  "https://merchant.example/hooks",
		})
		require.NoError(t, err)
		assert.Equal(t, models.InvoiceStatusPending, invoice.Status)
		assert.NotEmpty(t, invoice.Reference)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown creditor", func(t *testing.T) {
		mock.ExpectQuery(`SELECT id FROM accounts WHERE id = \$1`).
			WithArgs("nope").
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := service.CreateInvoice(context.Background(), CreateInvoiceInput{
			CreditorID:  "nope",
			Amount:      500,
			Description: "coffee",
			WebhookURL:  "https://merchant.example/hooks",
		})
		assert.ErrorIs(t, err, ErrCreditorNotFound)
	})

	t.Run("validation failures", func(t *testing.T) {
		_, err := service.CreateInvoice(context.Background(), CreateInvoiceInput{
			CreditorID: "acct-b", Amount: 0, Description: "x", WebhookURL: "https://x",
		})
		assert.ErrorIs(t, err, ErrAmountNotPositive)

		_, err = service.CreateInvoice(context.Background(), CreateInvoiceInput{
			CreditorID: "acct-b", Amount: 500, WebhookURL: "https://x",
		})
		assert.ErrorIs(t, err, ErrDescriptionRequired)

		_, err = service.CreateInvoice(context.Background(), CreateInvoiceInput{
			CreditorID: "acct-b", Amount: 500, Description: "x",
		})
		assert.ErrorIs(t, err, ErrWebhookURLRequired)
	})
}

func TestInvoiceService_PayInvoice(t *testing.T) {
	t.Run("successful payment marks PAID and queues the event", func(t *testing.T) {
		service, mock, done := newInvoiceFixture(t)
		defer done()

		mock.ExpectBegin()
		mock.ExpectQuery(lockInvoiceQuery).
			WithArgs("inv-1").
			WillReturnRows(invoiceRows("inv-1", 500, models.InvoiceStatusPending, nil, nil))
		mock.ExpectQuery(lockPayerQuery).
			WithArgs("acct-a").
			WillReturnRows(payerRows("acct-a", "USD", 5000, false, "stored"))
		mock.ExpectQuery(lockCreditorQuery).
			WithArgs("acct-b").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("acct-b"))

		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery(lockAccountQuery).
			WithArgs("acct-a").
			WillReturnRows(lockedAccountRows("acct-a", 5000, false, 1))
		mock.ExpectQuery(lockAccountQuery).
			WithArgs("acct-b").
			WillReturnRows(lockedAccountRows("acct-b", 0, false, 1))
		mock.ExpectExec("INSERT INTO entries").
			WithArgs(sqlmock.AnyArg(), "acct-a", int64(-500), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO entries").
			WithArgs(sqlmock.AnyArg(), "acct-b", int64(500), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(4500), sqlmock.AnyArg(), "acct-a", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(500), sqlmock.AnyArg(), "acct-b", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec(setInvoiceStatusQuery).
			WithArgs(models.InvoiceStatusPaid, sqlmock.AnyArg(), "inv-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(insertOutboxQuery).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		invoice, err := service.PayInvoice(context.Background(), PayInvoiceInput{
			InvoiceID: "inv-1",
			PayerID:   "acct-a",
			PIN:       "1234",
		})
		require.NoError(t, err)
		assert.Equal(t, models.InvoiceStatusPaid, invoice.Status)
		assert.NotNil(t, invoice.PaidAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("creditor sorting before payer is locked first", func(t *testing.T) {
		// Account locks must always be taken in ascending id order, the
		// same order the ledger uses, or a concurrent transfer between
		// the same pair could deadlock against the payment.
		service, mock, done := newInvoiceFixture(t)
		defer done()

		mock.ExpectBegin()
		mock.ExpectQuery(lockInvoiceQuery).
			WithArgs("inv-1").
			WillReturnRows(invoiceRows("inv-1", 500, models.InvoiceStatusPending, nil, nil))
		mock.ExpectQuery(lockCreditorQuery).
			WithArgs("acct-b").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("acct-b"))
		mock.ExpectQuery(lockPayerQuery).
			WithArgs("acct-z").
			WillReturnRows(payerRows("acct-z", "USD", 5000, false, "stored"))

		mock.ExpectExec("INSERT INTO transactions").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery(lockAccountQuery).
			WithArgs("acct-b").
			WillReturnRows(lockedAccountRows("acct-b", 0, false, 1))
		mock.ExpectQuery(lockAccountQuery).
			WithArgs("acct-z").
			WillReturnRows(lockedAccountRows("acct-z", 5000, false, 1))
		mock.ExpectExec("INSERT INTO entries").
			WithArgs(sqlmock.AnyArg(), "acct-z", int64(-500), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO entries").
			WithArgs(sqlmock.AnyArg(), "acct-b", int64(500), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(4500), sqlmock.AnyArg(), "acct-z", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(500), sqlmock.AnyArg(), "acct-b", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec(setInvoiceStatusQuery).
			WithArgs(models.InvoiceStatusPaid, sqlmock.AnyArg(), "inv-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(insertOutboxQuery).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		invoice, err := service.PayInvoice(context.Background(), PayInvoiceInput{
			InvoiceID: "inv-1",
			PayerID:   "acct-z",
			PIN:       "1234",
		})
		require.NoError(t, err)
		assert.Equal(t, models.InvoiceStatusPaid, invoice.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wrong PIN leaves the invoice untouched", func(t *testing.T) {
		service, mock, done := newInvoiceFixture(t)
		defer done()

		mock.ExpectBegin()
		mock.ExpectQuery(lockInvoiceQuery).
			WithArgs("inv-1").
			WillReturnRows(invoiceRows("inv-1", 500, models.InvoiceStatusPending, nil, nil))
		mock.ExpectQuery(lockPayerQuery).
			WithArgs("acct-a").
			WillReturnRows(payerRows("acct-a", "USD", 5000, false, "stored"))
		mock.ExpectQuery(lockCreditorQuery).
			WithArgs("acct-b").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("acct-b"))
		mock.ExpectRollback()

		_, err := service.PayInvoice(context.Background(), PayInvoiceInput{
			InvoiceID: "inv-1",
			PayerID:   "acct-a",
			PIN:       "9999",
		})
		assert.ErrorIs(t, err, ErrInvalidPIN)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds commits FAILED and returns no error", func(t *testing.T) {
		service, mock, done := newInvoiceFixture(t)
		defer done()

		mock.ExpectBegin()
		mock.ExpectQuery(lockInvoiceQuery).
			WithArgs("inv-1").
			WillReturnRows(invoiceRows("inv-1", 500, models.InvoiceStatusPending, nil, nil))
		mock.ExpectQuery(lockPayerQuery).
			WithArgs("acct-a").
			WillReturnRows(payerRows("acct-a", "USD", 100, false, "stored"))
		mock.ExpectQuery(lockCreditorQuery).
			WithArgs("acct-b").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("acct-b"))
		mock.ExpectExec(setInvoiceStatusQuery).
			WithArgs(models.InvoiceStatusFailed, nil, "inv-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(insertOutboxQuery).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		invoice, err := service.PayInvoice(context.Background(), PayInvoiceInput{
			InvoiceID: "inv-1",
			PayerID:   "acct-a",
			PIN:       "1234",
		})
		require.NoError(t, err)
		assert.Equal(t, models.InvoiceStatusFailed, invoice.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("expired invoice transitions and the transition commits", func(t *testing.T) {
		service, mock, done := newInvoiceFixture(t)
		defer done()

		past := time.Now().Add(-time.Hour)

		mock.ExpectBegin()
		mock.ExpectQuery(lockInvoiceQuery).
			WithArgs("inv-1").
			WillReturnRows(invoiceRows("inv-1", 500, models.InvoiceStatusPending, &past, nil))
		mock.ExpectExec(setInvoiceStatusQuery).
			WithArgs(models.InvoiceStatusExpired, nil, "inv-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(insertOutboxQuery).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		_, err := service.PayInvoice(context.Background(), PayInvoiceInput{
			InvoiceID: "inv-1",
			PayerID:   "acct-a",
			PIN:       "1234",
		})
		assert.ErrorIs(t, err, ErrInvoiceExpired)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal invoice conflicts", func(t *testing.T) {
		service, mock, done := newInvoiceFixture(t)
		defer done()

		paidAt := time.Now().Add(-time.Minute)

		mock.ExpectBegin()
		mock.ExpectQuery(lockInvoiceQuery).
			WithArgs("inv-1").
			WillReturnRows(invoiceRows("inv-1", 500, models.InvoiceStatusPaid, nil, &paidAt))
		mock.ExpectRollback()

		_, err := service.PayInvoice(context.Background(), PayInvoiceInput{
			InvoiceID: "inv-1",
			PayerID:   "acct-a",
			PIN:       "1234",
		})
		var stateErr *InvoiceStateError
		require.ErrorAs(t, err, &stateErr)
		assert.Equal(t, models.InvoiceStatusPaid, stateErr.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("known idempotency key returns current state without locking", func(t *testing.T) {
		service, mock, done := newInvoiceFixture(t)
		defer done()

		paidAt := time.Now().Add(-time.Minute)

		mock.ExpectQuery(`SELECT id FROM transactions WHERE idempotency_key = \$1`).
			WithArgs("key-1").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("txn-1"))
		mock.ExpectQuery(`SELECT id, reference, amount, creditor_account_id, description, webhook_url, status, expires_at, paid_at, created_at FROM invoices WHERE id = \$1`).
			WithArgs("inv-1").
			WillReturnRows(invoiceRows("inv-1", 500, models.InvoiceStatusPaid, nil, &paidAt))

		invoice, err := service.PayInvoice(context.Background(), PayInvoiceInput{
			InvoiceID:      "inv-1",
			PayerID:        "acct-a",
			PIN:            "1234",
			IdempotencyKey: "key-1",
		})
		require.NoError(t, err)
		assert.Equal(t, models.InvoiceStatusPaid, invoice.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing invoice", func(t *testing.T) {
		service, mock, done := newInvoiceFixture(t)
		defer done()

		mock.ExpectBegin()
		mock.ExpectQuery(lockInvoiceQuery).
			WithArgs("nope").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "reference", "amount", "creditor_account_id", "description",
				"webhook_url", "status", "expires_at", "paid_at", "created_at",
			}))
		mock.ExpectRollback()

		_, err := service.PayInvoice(context.Background(), PayInvoiceInput{
			InvoiceID: "nope",
			PayerID:   "acct-a",
			PIN:       "1234",
		})
		assert.ErrorIs(t, err, ErrInvoiceNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
