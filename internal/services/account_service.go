package services

import (
	"context"
	cryptorand "crypto/rand"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vaultbank/backend/internal/models"
)

// AccountService manages account provisioning and statement views.
type AccountService struct {
	db    *sql.DB
	creds *Argon2Credentials
	log   *zap.Logger
}

func NewAccountService(db *sql.DB, creds *Argon2Credentials, log *zap.Logger) *AccountService {
	return &AccountService{db: db, creds: creds, log: log}
}

type CreateAccountInput struct {
	Name           string
	Currency       string
	PIN            string
	WebhookURL     string
	AllowOverdraft bool
}

// CreateAccount provisions a zero-balance account with a freshly
// generated 10-digit account number and an argon2id-hashed PIN.
func (s *AccountService) CreateAccount(ctx context.Context, in CreateAccountInput) (*models.Account, error) {
	pinHash, err := s.creds.Hash(in.PIN)
	if err != nil {
		return nil, fmt.Errorf("hashing pin: %w", err)
	}

	account := &models.Account{
		ID:             uuid.NewString(),
		Name:           in.Name,
		Currency:       in.Currency,
		Balance:        0,
		AllowOverdraft: in.AllowOverdraft,
		WebhookURL:     in.WebhookURL,
		PinHash:        pinHash,
		Status:         models.AccountStatusActive,
		Version:        1,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	// Account numbers collide rarely; retry a few times on the unique
	// index rather than coordinating generation.
	for attempt := 0; attempt < 5; attempt++ {
		account.AccountNumber, err = generateAccountNumber()
		if err != nil {
			return nil, err
		}

		_, err = s.db.Exec(`
			INSERT INTO accounts
			(id, name, account_number, currency, balance, allow_overdraft,
			 webhook_url, pin_hash, status, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			account.ID, account.Name, account.AccountNumber, account.Currency,
			account.Balance, account.AllowOverdraft, account.WebhookURL,
			account.PinHash, account.Status, account.Version,
			account.CreatedAt, account.UpdatedAt)
		if err == nil {
			s.log.Info("account created",
				zap.String("account_id", account.ID),
				zap.String("account_number", account.AccountNumber))
			return account, nil
		}
		if !isUniqueViolation(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("generating account number: %w", err)
}

// GetAccount returns the account by id, without the PIN hash.
func (s *AccountService) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	return s.queryAccount(`WHERE id = $1`, accountID)
}

// GetAccountByNumber returns the account by its 10-digit number.
func (s *AccountService) GetAccountByNumber(ctx context.Context, accountNumber string) (*models.Account, error) {
	return s.queryAccount(`WHERE account_number = $1`, accountNumber)
}

func (s *AccountService) queryAccount(where string, arg any) (*models.Account, error) {
	account := &models.Account{}
	err := s.db.QueryRow(`
		SELECT id, name, account_number, currency, balance, allow_overdraft,
		       COALESCE(webhook_url, ''), status, version, created_at, updated_at
		FROM accounts `+where, arg).Scan(
		&account.ID, &account.Name, &account.AccountNumber, &account.Currency,
		&account.Balance, &account.AllowOverdraft, &account.WebhookURL,
		&account.Status, &account.Version, &account.CreatedAt, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// GetHistory returns the account statement, most recent first. Each
// item is one entry leg typed DEBIT or CREDIT from the account's point
// of view, with the absolute amount.
func (s *AccountService) GetHistory(ctx context.Context, accountID string, limit int) ([]models.EntryHistoryItem, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT e.id, e.amount, t.description, t.reference, t.status, e.created_at
		FROM entries e
		JOIN transactions t ON t.id = e.transaction_id
		WHERE e.account_id = $1
		ORDER BY e.created_at DESC, e.id DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := []models.EntryHistoryItem{}
	for rows.Next() {
		var item models.EntryHistoryItem
		if err := rows.Scan(&item.EntryID, &item.Amount, &item.Description,
			&item.Reference, &item.Status, &item.Date); err != nil {
			return nil, err
		}
		if item.Amount < 0 {
			item.Type = "DEBIT"
			item.Amount = -item.Amount
		} else {
			item.Type = "CREDIT"
		}
		history = append(history, item)
	}
	return history, rows.Err()
}

// generateAccountNumber produces a 10-digit number with a non-zero
// leading digit.
func generateAccountNumber() (string, error) {
	first, err := cryptorand.Int(cryptorand.Reader, big.NewInt(9))
	if err != nil {
		return "", err
	}
	number := fmt.Sprintf("%d", first.Int64()+1)
	for i := 0; i < 9; i++ {
		digit, err := cryptorand.Int(cryptorand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		number += fmt.Sprintf("%d", digit.Int64())
	}
	return number, nil
}
