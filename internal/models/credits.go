package models

import (
	"time"
)

// Transaction kinds. The log is append-only; corrections are new
// compensating transactions, never updates.
const (
	KindPurchase        = "PURCHASE"
	KindAdminAdjustment = "ADMIN_ADJUSTMENT"
	KindRefund          = "REFUND"
)

type Account struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Balance   int64     `json:"balance" db:"balance"`
	Version   int       `json:"version" db:"version"` // for optimistic locking
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Transaction is a single credit movement on an account.
type Transaction struct {
	ID              string    `json:"id" db:"id"`
	UserID          string    `json:"user_id" db:"user_id"`
	Kind            string    `json:"kind" db:"kind"`
	Delta           int64     `json:"delta" db:"delta"`
	ExternalEventID *string   `json:"external_event_id,omitempty" db:"external_event_id"`
	AmountPaid      *int64    `json:"amount_paid,omitempty" db:"amount_paid"` // minor currency units
	Currency        *string   `json:"currency,omitempty" db:"currency"`
	Reason          *string   `json:"reason,omitempty" db:"reason"`
	ActorID         *string   `json:"actor_id,omitempty" db:"actor_id"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// ProcessedEvent records a provider event that has already been applied.
// Its existence implies the transaction exists and the balance reflects it.
type ProcessedEvent struct {
	ExternalEventID string    `json:"external_event_id" db:"external_event_id"`
	TransactionID   string    `json:"transaction_id" db:"transaction_id"`
	ProcessedAt     time.Time `json:"processed_at" db:"processed_at"`
}
