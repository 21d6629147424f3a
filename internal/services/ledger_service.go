package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/resumely/backend/internal/config"
	"github.com/resumely/backend/internal/models"
)

var (
	ErrDuplicateEvent      = errors.New("event already processed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// LedgerService owns the accounts, transactions and processed_events tables.
// Every balance mutation goes through ApplyLedgered; nothing else writes them.
type LedgerService struct {
	db          *sql.DB
	seedBalance int64
}

func NewLedgerService(db *sql.DB, cfg *config.CreditsConfig) *LedgerService {
	return &LedgerService{
		db:          db,
		seedBalance: cfg.SeedBalance,
	}
}

// ApplyParams describes a single ledgered balance change.
type ApplyParams struct {
	UserID          string
	Delta           int64
	Kind            string
	ExternalEventID string // empty for admin actions without an idempotency key
	AmountPaid      *int64
	Currency        *string
	Reason          *string
	ActorID         *string
	AllowNegative   bool
}

// ApplyLedgered applies a balance change as one atomic unit: the idempotency
// record, the transaction row and the balance update commit or roll back
// together. Concurrent duplicate deliveries of the same external event are
// arbitrated by the unique constraint on processed_events, not by
// application-level locking: the loser gets ErrDuplicateEvent.
func (s *LedgerService) ApplyLedgered(params ApplyParams) (*models.Transaction, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin ledger transaction: %w", err)
	}
	defer tx.Rollback()

	txn := &models.Transaction{
		ID:         uuid.NewString(),
		UserID:     params.UserID,
		Kind:       params.Kind,
		Delta:      params.Delta,
		AmountPaid: params.AmountPaid,
		Currency:   params.Currency,
		Reason:     params.Reason,
		ActorID:    params.ActorID,
		CreatedAt:  time.Now().UTC(),
	}
	if params.ExternalEventID != "" {
		eventID := params.ExternalEventID
		txn.ExternalEventID = &eventID

		if err := s.markEventProcessed(tx, eventID, txn.ID, txn.CreatedAt); err != nil {
			return nil, err
		}
	}

	account, err := s.lockOrCreateAccount(tx, params.UserID)
	if err != nil {
		return nil, err
	}

	newBalance := account.Balance + params.Delta
	if newBalance < 0 && !params.AllowNegative {
		return nil, ErrInsufficientBalance
	}

	if err := s.createTransaction(tx, txn); err != nil {
		return nil, err
	}

	if err := s.updateAccountBalance(tx, account.UserID, newBalance, account.Version); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ledger transaction: %w", err)
	}

	return txn, nil
}

// GetBalance returns the committed balance for a user. Accounts are created
// lazily on first transaction, so an unknown user reports the seed balance.
func (s *LedgerService) GetBalance(userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRow(`
		SELECT balance FROM accounts
		WHERE user_id = $1`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return s.seedBalance, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance lookup: %w", err)
	}
	return balance, nil
}

// ListTransactions returns a page of a user's transactions, newest first.
func (s *LedgerService) ListTransactions(userID string, limit, offset int) ([]models.Transaction, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, kind, delta, external_event_id, amount_paid, currency, reason, actor_id, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("transaction listing: %w", err)
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		var txn models.Transaction
		if err := rows.Scan(&txn.ID, &txn.UserID, &txn.Kind, &txn.Delta,
			&txn.ExternalEventID, &txn.AmountPaid, &txn.Currency,
			&txn.Reason, &txn.ActorID, &txn.CreatedAt); err != nil {
			return nil, err
		}
		transactions = append(transactions, txn)
	}
	return transactions, rows.Err()
}

// FindTransactionByEventID returns the transaction a provider event produced.
// Used to answer a redelivered event with the original result.
func (s *LedgerService) FindTransactionByEventID(eventID string) (*models.Transaction, error) {
	var txn models.Transaction
	err := s.db.QueryRow(`
		SELECT id, user_id, kind, delta, external_event_id, amount_paid, currency, reason, actor_id, created_at
		FROM transactions
		WHERE external_event_id = $1`, eventID).
		Scan(&txn.ID, &txn.UserID, &txn.Kind, &txn.Delta,
			&txn.ExternalEventID, &txn.AmountPaid, &txn.Currency,
			&txn.Reason, &txn.ActorID, &txn.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("event transaction lookup: %w", err)
	}
	return &txn, nil
}

// Ping executes a trivial read for the readiness probe.
func (s *LedgerService) Ping(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

func (s *LedgerService) markEventProcessed(tx *sql.Tx, eventID, transactionID string, processedAt time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO processed_events (external_event_id, transaction_id, processed_at)
		VALUES ($1, $2, $3)`,
		eventID, transactionID, processedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateEvent
	}
	return err
}

func (s *LedgerService) lockOrCreateAccount(tx *sql.Tx, userID string) (*models.Account, error) {
	now := time.Now().UTC()
	if _, err := tx.Exec(`
		INSERT INTO accounts (user_id, balance, version, created_at, updated_at)
		VALUES ($1, $2, 1, $3, $3)
		ON CONFLICT (user_id) DO NOTHING`,
		userID, s.seedBalance, now); err != nil {
		return nil, err
	}

	var account models.Account
	err := tx.QueryRow(`
		SELECT user_id, balance, version FROM accounts
		WHERE user_id = $1
		FOR UPDATE`, userID).Scan(&account.UserID, &account.Balance, &account.Version)

	return &account, err
}

func (s *LedgerService) createTransaction(tx *sql.Tx, txn *models.Transaction) error {
	_, err := tx.Exec(`
		INSERT INTO transactions (id, user_id, kind, delta, external_event_id, amount_paid, currency, reason, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		txn.ID, txn.UserID, txn.Kind, txn.Delta, txn.ExternalEventID,
		txn.AmountPaid, txn.Currency, txn.Reason, txn.ActorID, txn.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateEvent
	}
	return err
}

func (s *LedgerService) updateAccountBalance(tx *sql.Tx, userID string, newBalance int64, version int) error {
	result, err := tx.Exec(`
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE user_id = $3 AND version = $4`,
		newBalance, time.Now().UTC(), userID, version)

	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for account %s", userID)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
