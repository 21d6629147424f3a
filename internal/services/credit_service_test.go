package services

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/lib/pq"
	"github.com/resumely/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

func newCreditServiceForTest(t *testing.T) (*CreditService, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	cfg := testCreditsConfig()
	ledger := NewLedgerService(db, cfg)
	service := NewCreditService(ledger, nil, cfg)
	return service, mock, func() { db.Close() }
}

func TestCreditService_creditsFor(t *testing.T) {
	service, _, cleanup := newCreditServiceForTest(t)
	defer cleanup()

	t.Run("converts minor units at configured rate", func(t *testing.T) {
		delta, err := service.creditsFor(500)
		assert.NoError(t, err)
		assert.Equal(t, int64(100), delta)
	})

	t.Run("rejects zero amount", func(t *testing.T) {
		_, err := service.creditsFor(0)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("rejects negative amount", func(t *testing.T) {
		_, err := service.creditsFor(-500)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("rejects amount below one credit", func(t *testing.T) {
		_, err := service.creditsFor(3)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestCreditService_ApplyPurchase(t *testing.T) {
	t.Run("credits the converted delta", func(t *testing.T) {
		service, mock, cleanup := newCreditServiceForTest(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO processed_events").
			WithArgs("evt_1", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO accounts").
			WithArgs("user-1", int64(50), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("SELECT user_id, balance, version FROM accounts").
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance", "version"}).
				AddRow("user-1", 50, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "user-1", models.KindPurchase, int64(100), "evt_1", int64(500), "USD", nil, nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts SET balance").
			WithArgs(int64(150), sqlmock.AnyArg(), "user-1", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		txn, duplicate, err := service.ApplyPurchase(PaymentEvent{
			ID:       "evt_1",
			Type:     EventPaymentSucceeded,
			Amount:   500,
			Currency: "USD",
			UserID:   "user-1",
		})
		assert.NoError(t, err)
		assert.False(t, duplicate)
		assert.Equal(t, int64(100), txn.Delta)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("redelivery returns the original transaction", func(t *testing.T) {
		service, mock, cleanup := newCreditServiceForTest(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO processed_events").
			WithArgs("evt_1", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		mock.ExpectQuery("SELECT id, user_id, kind, delta, external_event_id, amount_paid, currency, reason, actor_id, created_at FROM transactions").
			WithArgs("evt_1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "kind", "delta", "external_event_id", "amount_paid", "currency", "reason", "actor_id", "created_at"}).
				AddRow("tx-original", "user-1", models.KindPurchase, 100, "evt_1", 500, "USD", nil, nil, time.Now()))

		txn, duplicate, err := service.ApplyPurchase(PaymentEvent{
			ID:       "evt_1",
			Type:     EventPaymentSucceeded,
			Amount:   500,
			Currency: "USD",
			UserID:   "user-1",
		})
		assert.NoError(t, err)
		assert.True(t, duplicate)
		assert.Equal(t, "tx-original", txn.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cached event short-circuits before the database", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, redisMock := redismock.NewClientMock()
		cfg := testCreditsConfig()
		ledger := NewLedgerService(db, cfg)
		service := NewCreditService(ledger, redisClient, cfg)

		redisMock.ExpectExists("credits:event:evt_1").SetVal(1)

		mock.ExpectQuery("SELECT id, user_id, kind, delta, external_event_id, amount_paid, currency, reason, actor_id, created_at FROM transactions").
			WithArgs("evt_1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "kind", "delta", "external_event_id", "amount_paid", "currency", "reason", "actor_id", "created_at"}).
				AddRow("tx-original", "user-1", models.KindPurchase, 100, "evt_1", 500, "USD", nil, nil, time.Now()))

		txn, duplicate, err := service.ApplyPurchase(PaymentEvent{
			ID:       "evt_1",
			Type:     EventPaymentSucceeded,
			Amount:   500,
			Currency: "USD",
			UserID:   "user-1",
		})
		assert.NoError(t, err)
		assert.True(t, duplicate)
		assert.Equal(t, "tx-original", txn.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})
}

func TestCreditService_ApplyRefund(t *testing.T) {
	t.Run("debit blocked when it would go negative", func(t *testing.T) {
		service, mock, cleanup := newCreditServiceForTest(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO processed_events").
			WithArgs("evt_refund", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO accounts").
			WithArgs("user-1", int64(50), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("SELECT user_id, balance, version FROM accounts").
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance", "version"}).
				AddRow("user-1", 50, 1))
		mock.ExpectRollback()

		_, _, err := service.ApplyRefund(PaymentEvent{
			ID:       "evt_refund",
			Type:     EventPaymentRefunded,
			Amount:   500, // -100 credits against a balance of 50
			Currency: "USD",
			UserID:   "user-1",
		})
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("policy may permit a negative balance", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		cfg := testCreditsConfig()
		cfg.AllowNegativeOnRefund = true
		ledger := NewLedgerService(db, cfg)
		service := NewCreditService(ledger, nil, cfg)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO processed_events").
			WithArgs("evt_refund", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO accounts").
			WithArgs("user-1", int64(50), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("SELECT user_id, balance, version FROM accounts").
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance", "version"}).
				AddRow("user-1", 50, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "user-1", models.KindRefund, int64(-100), "evt_refund", int64(500), "USD", nil, nil, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts SET balance").
			WithArgs(int64(-50), sqlmock.AnyArg(), "user-1", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		txn, duplicate, err := service.ApplyRefund(PaymentEvent{
			ID:       "evt_refund",
			Type:     EventPaymentRefunded,
			Amount:   500,
			Currency: "USD",
			UserID:   "user-1",
		})
		assert.NoError(t, err)
		assert.False(t, duplicate)
		assert.Equal(t, int64(-100), txn.Delta)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCreditService_Adjust(t *testing.T) {
	t.Run("threads the idempotency key through the guard", func(t *testing.T) {
		service, mock, cleanup := newCreditServiceForTest(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO processed_events").
			WithArgs("admin:key-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO accounts").
			WithArgs("user-1", int64(50), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("SELECT user_id, balance, version FROM accounts").
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance", "version"}).
				AddRow("user-1", 50, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "user-1", models.KindAdminAdjustment, int64(25), "admin:key-1", nil, nil, "goodwill grant", "admin-1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts SET balance").
			WithArgs(int64(75), sqlmock.AnyArg(), "user-1", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		txn, duplicate, err := service.Adjust("user-1", 25, "goodwill grant", "admin-1", "key-1")
		assert.NoError(t, err)
		assert.False(t, duplicate)
		assert.Equal(t, models.KindAdminAdjustment, txn.Kind)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("without key no guard row is written", func(t *testing.T) {
		service, mock, cleanup := newCreditServiceForTest(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO accounts").
			WithArgs("user-1", int64(50), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery("SELECT user_id, balance, version FROM accounts").
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "balance", "version"}).
				AddRow("user-1", 50, 1))
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), "user-1", models.KindAdminAdjustment, int64(-30), nil, nil, nil, "chargeback", "admin-1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts SET balance").
			WithArgs(int64(20), sqlmock.AnyArg(), "user-1", 1).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		_, duplicate, err := service.Adjust("user-1", -30, "chargeback", "admin-1", "")
		assert.NoError(t, err)
		assert.False(t, duplicate)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
