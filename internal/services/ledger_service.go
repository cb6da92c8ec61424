package services

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/vaultbank/backend/internal/models"
)

// LedgerService is the single primitive for moving money: apply a debit
// leg and a credit leg to two accounts and record the paired entries,
// all inside a caller-owned database transaction. Either both legs land
// or neither does.
type LedgerService struct {
	db *sql.DB
}

func NewLedgerService(db *sql.DB) *LedgerService {
	return &LedgerService{db: db}
}

// LegParams describes the two legs of a posted transaction. Debit and
// credit amounts are positive; they differ when currency conversion
// occurred.
type LegParams struct {
	TransactionID string
	FromAccountID string
	ToAccountID   string
	DebitAmount   int64
	CreditAmount  int64
	// RequireSourceFunds enforces the balance check even when the
	// source account allows overdraft. The treasury deposit path uses
	// it: the treasury may run negative for its own operations but
	// never to fund a customer deposit.
	RequireSourceFunds bool
}

// ApplyLegsTx locks both accounts, enforces the overdraft policy
// against the freshly-read balance, applies the balance deltas and
// writes the two entries. Overdraft is checked here, not on whatever
// balance the caller read earlier, so concurrent debits cannot slip
// past the policy.
func (s *LedgerService) ApplyLegsTx(tx *sql.Tx, p LegParams) error {
	if p.FromAccountID == p.ToAccountID {
		return ErrSelfTransfer
	}
	if p.DebitAmount <= 0 || p.CreditAmount < 0 {
		return ErrAmountNotPositive
	}

	// Lock accounts in consistent order to prevent deadlocks.
	firstLock, secondLock := p.FromAccountID, p.ToAccountID
	if p.FromAccountID > p.ToAccountID {
		firstLock, secondLock = p.ToAccountID, p.FromAccountID
	}

	first, err := s.lockAccount(tx, firstLock)
	if err != nil {
		return err
	}
	second, err := s.lockAccount(tx, secondLock)
	if err != nil {
		return err
	}

	from, to := first, second
	if firstLock != p.FromAccountID {
		from, to = second, first
	}

	if (!from.AllowOverdraft || p.RequireSourceFunds) && from.Balance < p.DebitAmount {
		return fmt.Errorf("%w: account %s has %d, needs %d",
			ErrInsufficientFunds, from.ID, from.Balance, p.DebitAmount)
	}

	if err := s.createEntry(tx, p.TransactionID, from.ID, -p.DebitAmount); err != nil {
		return err
	}
	if err := s.createEntry(tx, p.TransactionID, to.ID, p.CreditAmount); err != nil {
		return err
	}

	if err := s.updateBalance(tx, from.ID, from.Balance-p.DebitAmount, from.Version); err != nil {
		return err
	}
	return s.updateBalance(tx, to.ID, to.Balance+p.CreditAmount, to.Version)
}

func (s *LedgerService) lockAccount(tx *sql.Tx, accountID string) (*models.Account, error) {
	var account models.Account
	err := tx.QueryRow(`
		SELECT id, balance, allow_overdraft, version, updated_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID).Scan(
		&account.ID, &account.Balance, &account.AllowOverdraft, &account.Version, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return &account, err
}

func (s *LedgerService) createEntry(tx *sql.Tx, transactionID, accountID string, amount int64) error {
	_, err := tx.Exec(`
		INSERT INTO entries (transaction_id, account_id, amount, created_at)
		VALUES ($1, $2, $3, $4)`,
		transactionID, accountID, amount, time.Now())
	return err
}

func (s *LedgerService) updateBalance(tx *sql.Tx, accountID string, newBalance int64, version int) error {
	result, err := tx.Exec(`
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, time.Now(), accountID, version)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for account %s", accountID)
	}

	return nil
}
