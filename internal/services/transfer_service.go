package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/vaultbank/backend/internal/config"
	"github.com/vaultbank/backend/internal/models"
	"github.com/vaultbank/backend/internal/money"
)

// TransferService orchestrates the three money-movement operations:
// peer transfer, treasury deposit and charge. Each runs its legs
// through the ledger inside one database transaction; funds checks are
// re-taken against locked rows in there regardless of any pre-check.
type TransferService struct {
	db       *sql.DB
	ledger   *LedgerService
	exchange *ExchangeService
	outbox   *WebhookService
	bank     config.Bank
	log      *zap.Logger
}

func NewTransferService(db *sql.DB, ledger *LedgerService, exchange *ExchangeService, outbox *WebhookService, bank config.Bank, log *zap.Logger) *TransferService {
	return &TransferService{
		db:       db,
		ledger:   ledger,
		exchange: exchange,
		outbox:   outbox,
		bank:     bank,
		log:      log,
	}
}

// TransferInput describes a peer transfer. IdempotencyKey is mandatory
// on this path.
type TransferInput struct {
	SenderID        string
	ToAccountNumber string
	Amount          int64
	Description     string
	Reference       string
	IdempotencyKey  string
}

// TransferFunds moves Amount from the sender to the account number
// given, converting when currencies differ. The credit leg is the
// ceiling of the converted amount, so the recipient never loses the
// fractional unit. Replaying the same idempotency key returns the
// original transaction without re-executing.
func (s *TransferService) TransferFunds(ctx context.Context, in TransferInput) (*models.Transaction, error) {
	if in.IdempotencyKey == "" {
		return nil, ErrIdempotencyKeyRequired
	}

	if existing, err := s.findByIdempotencyKey(in.IdempotencyKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	if in.Amount <= 0 {
		return nil, ErrAmountNotPositive
	}

	recipient, err := s.loadAccountByNumber(in.ToAccountNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRecipientNotFound, in.ToAccountNumber)
	}
	sender, err := s.loadAccountByID(in.SenderID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSenderNotFound, in.SenderID)
	}
	if sender.ID == recipient.ID {
		return nil, ErrSelfTransfer
	}

	// Pre-check against the balance just read; the ledger re-validates
	// against the locked row inside the transaction.
	if !sender.AllowOverdraft && sender.Balance < in.Amount {
		return nil, fmt.Errorf("%w: available %d, required %d",
			ErrInsufficientFunds, sender.Balance, in.Amount)
	}

	rate := 1.0
	converted := sender.Currency != recipient.Currency
	if converted {
		rate, err = s.exchange.GetLiveRate(ctx, sender.Currency, recipient.Currency)
		if err != nil {
			return nil, err
		}
	}

	debitAmount := in.Amount
	creditAmount := money.ConvertCeil(in.Amount, rate)

	txn := &models.Transaction{
		ID:             uuid.NewString(),
		Reference:      defaultReference(in.Reference, "REF"),
		Type:           models.TransactionTypeTransfer,
		Amount:         debitAmount,
		Currency:       sender.Currency,
		Description:    in.Description,
		Status:         models.TransactionStatusPosted,
		IdempotencyKey: sql.NullString{String: in.IdempotencyKey, Valid: true},
		FromAccountID:  sender.ID,
		ToAccountID:    recipient.ID,
		CreatedAt:      time.Now(),
	}
	if converted {
		txn.TargetCurrency = sql.NullString{String: recipient.Currency, Valid: true}
		txn.ExchangeRate = sql.NullFloat64{Float64: rate, Valid: true}
	}

	err = s.withTx(func(tx *sql.Tx) error {
		if err := s.insertTransactionTx(tx, txn); err != nil {
			return err
		}
		if err := s.ledger.ApplyLegsTx(tx, LegParams{
			TransactionID: txn.ID,
			FromAccountID: sender.ID,
			ToAccountID:   recipient.ID,
			DebitAmount:   debitAmount,
			CreditAmount:  creditAmount,
		}); err != nil {
			return err
		}
		if recipient.WebhookURL != "" {
			_, err := s.outbox.CreateEventTx(tx, recipient.WebhookURL, models.WebhookPayload{
				Event:     models.EventTransferPosted,
				Reference: txn.Reference,
				Status:    txn.Status,
				Amount:    creditAmount,
				Currency:  recipient.Currency,
			})
			return err
		}
		return nil
	})
	if err != nil {
		// A concurrent request with the same key won the insert race;
		// hand back its result instead of a constraint error.
		if isUniqueViolation(err) {
			if existing, lookupErr := s.findByIdempotencyKey(in.IdempotencyKey); lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	s.log.Info("transfer posted",
		zap.String("transaction_id", txn.ID),
		zap.String("from", sender.ID),
		zap.String("to", recipient.ID),
		zap.Int64("debit", debitAmount),
		zap.Int64("credit", creditAmount))
	return txn, nil
}

// DepositFunds credits a customer account from the treasury. The
// treasury leg is debited the ceiling of the converted cost, and a
// per-transaction ceiling applies.
func (s *TransferService) DepositFunds(ctx context.Context, toAccountNumber string, amount int64, reference string) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, ErrAmountNotPositive
	}
	if amount > s.bank.MaxTransactionLimit {
		return nil, &LimitExceededError{Amount: amount, Limit: s.bank.MaxTransactionLimit}
	}

	treasury, err := s.loadAccountByID(s.bank.TreasuryAccountID)
	if err != nil {
		return nil, fmt.Errorf("treasury account: %w", err)
	}
	recipient, err := s.loadAccountByNumber(toAccountNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRecipientNotFound, toAccountNumber)
	}

	rate := 1.0
	converted := treasury.Currency != recipient.Currency
	if converted {
		rate, err = s.exchange.GetLiveRate(ctx, treasury.Currency, recipient.Currency)
		if err != nil {
			return nil, err
		}
	}

	creditAmount := amount
	debitAmount := money.ConvertCeil(amount, rate)

	txn := &models.Transaction{
		ID:            uuid.NewString(),
		Reference:     defaultReference(reference, "DEP"),
		Type:          models.TransactionTypeDeposit,
		Amount:        debitAmount,
		Currency:      treasury.Currency,
		Description:   fmt.Sprintf("Treasury deposit (%g rate)", rate),
		Status:        models.TransactionStatusPosted,
		FromAccountID: treasury.ID,
		ToAccountID:   recipient.ID,
		CreatedAt:     time.Now(),
	}
	if converted {
		txn.TargetCurrency = sql.NullString{String: recipient.Currency, Valid: true}
		txn.ExchangeRate = sql.NullFloat64{Float64: rate, Valid: true}
	}

	err = s.withTx(func(tx *sql.Tx) error {
		if err := s.insertTransactionTx(tx, txn); err != nil {
			return err
		}
		return s.ledger.ApplyLegsTx(tx, LegParams{
			TransactionID:      txn.ID,
			FromAccountID:      treasury.ID,
			ToAccountID:        recipient.ID,
			DebitAmount:        debitAmount,
			CreditAmount:       creditAmount,
			RequireSourceFunds: true,
		})
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return nil, fmt.Errorf("%w: needs %d %s",
				ErrTreasuryInsufficientFunds, debitAmount, treasury.Currency)
		}
		return nil, err
	}

	s.log.Info("deposit posted",
		zap.String("transaction_id", txn.ID),
		zap.String("to", recipient.ID),
		zap.Int64("credit", creditAmount),
		zap.Int64("treasury_debit", debitAmount))
	return txn, nil
}

// ChargePayment debits a buyer in favour of a seller. Unlike transfer
// and deposit, the credit leg is floored: the fractional unit of a
// converted charge stays with the bank.
func (s *TransferService) ChargePayment(ctx context.Context, buyerID, sellerAccountNumber string, amount int64, description, reference string) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, ErrAmountNotPositive
	}
	if amount > s.bank.MaxTransactionLimit {
		return nil, &LimitExceededError{Amount: amount, Limit: s.bank.MaxTransactionLimit}
	}

	buyer, err := s.loadAccountByID(buyerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBuyerNotFound, buyerID)
	}
	seller, err := s.loadAccountByNumber(sellerAccountNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSellerNotFound, sellerAccountNumber)
	}
	if buyer.ID == seller.ID {
		return nil, ErrSelfTransfer
	}

	rate := 1.0
	converted := buyer.Currency != seller.Currency
	if converted {
		rate, err = s.exchange.GetLiveRate(ctx, buyer.Currency, seller.Currency)
		if err != nil {
			return nil, err
		}
	}

	debitAmount := amount
	creditAmount := money.ConvertFloor(amount, rate)

	if description == "" {
		description = "Payment charge"
	}
	txn := &models.Transaction{
		ID:            uuid.NewString(),
		Reference:     defaultReference(reference, "CHG"),
		Type:          models.TransactionTypeCharge,
		Amount:        debitAmount,
		Currency:      buyer.Currency,
		Description:   description,
		Status:        models.TransactionStatusPosted,
		FromAccountID: buyer.ID,
		ToAccountID:   seller.ID,
		CreatedAt:     time.Now(),
	}
	if converted {
		txn.TargetCurrency = sql.NullString{String: seller.Currency, Valid: true}
		txn.ExchangeRate = sql.NullFloat64{Float64: rate, Valid: true}
	}

	err = s.withTx(func(tx *sql.Tx) error {
		if err := s.insertTransactionTx(tx, txn); err != nil {
			return err
		}
		return s.ledger.ApplyLegsTx(tx, LegParams{
			TransactionID: txn.ID,
			FromAccountID: buyer.ID,
			ToAccountID:   seller.ID,
			DebitAmount:   debitAmount,
			CreditAmount:  creditAmount,
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("charge posted",
		zap.String("transaction_id", txn.ID),
		zap.String("buyer", buyer.ID),
		zap.String("seller", seller.ID),
		zap.Int64("debit", debitAmount),
		zap.Int64("credit", creditAmount))
	return txn, nil
}

func (s *TransferService) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *TransferService) insertTransactionTx(tx *sql.Tx, txn *models.Transaction) error {
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

func (s *TransferService) findByIdempotencyKey(key string) (*models.Transaction, error) {
	txn := &models.Transaction{}
	err := s.db.QueryRow(`
		SELECT id, reference, type, amount, currency, target_currency, exchange_rate,
		       description, status, idempotency_key, from_account_id, to_account_id, created_at
		FROM transactions
		WHERE idempotency_key = $1`, key).Scan(
		&txn.ID, &txn.Reference, &txn.Type, &txn.Amount, &txn.Currency,
		&txn.TargetCurrency, &txn.ExchangeRate, &txn.Description, &txn.Status,
		&txn.IdempotencyKey, &txn.FromAccountID, &txn.ToAccountID, &txn.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *TransferService) loadAccountByID(id string) (*models.Account, error) {
	return s.loadAccount(`
		SELECT id, name, account_number, currency, balance, allow_overdraft,
		       COALESCE(webhook_url, ''), status, version
		FROM accounts WHERE id = $1`, id)
}

func (s *TransferService) loadAccountByNumber(accountNumber string) (*models.Account, error) {
	return s.loadAccount(`
		SELECT id, name, account_number, currency, balance, allow_overdraft,
		       COALESCE(webhook_url, ''), status, version
		FROM accounts WHERE account_number = $1`, accountNumber)
}

func (s *TransferService) loadAccount(query string, arg any) (*models.Account, error) {
	var account models.Account
	err := s.db.QueryRow(query, arg).Scan(
		&account.ID, &account.Name, &account.AccountNumber, &account.Currency,
		&account.Balance, &account.AllowOverdraft, &account.WebhookURL,
		&account.Status, &account.Version)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func defaultReference(reference, prefix string) string {
	if reference != "" {
		return reference
	}
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
