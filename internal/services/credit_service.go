package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/resumely/backend/internal/config"
	"github.com/resumely/backend/internal/models"
)

var ErrInvalidAmount = errors.New("payment amount does not convert to a positive credit delta")

// adminEventPrefix namespaces client-supplied idempotency keys so they can
// never collide with provider event ids in the same uniqueness guard.
const adminEventPrefix = "admin:"

const eventCacheTTL = 72 * time.Hour

// CreditService translates payment amounts into credit deltas and routes
// every change through the ledger. It is the only caller of ApplyLedgered.
type CreditService struct {
	ledger                *LedgerService
	redis                 *redis.Client
	minorUnitsPerCredit   int64
	allowNegativeOnRefund bool
}

func NewCreditService(ledger *LedgerService, redisClient *redis.Client, cfg *config.CreditsConfig) *CreditService {
	return &CreditService{
		ledger:                ledger,
		redis:                 redisClient,
		minorUnitsPerCredit:   cfg.MinorUnitsPerCredit,
		allowNegativeOnRefund: cfg.AllowNegativeOnRefund,
	}
}

// PaymentEvent is the minimal verified provider event the applier consumes.
type PaymentEvent struct {
	ID       string
	Type     string
	Amount   int64 // minor currency units
	Currency string
	UserID   string
}

// ApplyPurchase credits a user for a verified payment. The second return
// value reports whether this delivery was a duplicate; duplicates resolve to
// the transaction the first delivery created, so redelivery looks like
// success to the provider.
func (s *CreditService) ApplyPurchase(event PaymentEvent) (*models.Transaction, bool, error) {
	delta, err := s.creditsFor(event.Amount)
	if err != nil {
		return nil, false, err
	}

	// Fast path only. The unique constraint inside ApplyLedgered is what
	// actually closes the check-then-act race.
	if s.isKnownEvent(event.ID) {
		return s.priorResult(event.ID)
	}

	amount := event.Amount
	currency := event.Currency
	txn, err := s.ledger.ApplyLedgered(ApplyParams{
		UserID:          event.UserID,
		Delta:           delta,
		Kind:            models.KindPurchase,
		ExternalEventID: event.ID,
		AmountPaid:      &amount,
		Currency:        &currency,
	})
	if errors.Is(err, ErrDuplicateEvent) {
		log.Printf("[CREDITS] Duplicate purchase event %s for user %s", event.ID, event.UserID)
		return s.priorResult(event.ID)
	}
	if err != nil {
		return nil, false, err
	}

	s.cacheEvent(event.ID)
	log.Printf("[CREDITS] Applied purchase event %s: user %s +%d credits", event.ID, event.UserID, delta)
	return txn, false, nil
}

// ApplyRefund debits credits previously granted for a refunded payment.
// Whether a refund may take the balance negative is policy, not assumption.
func (s *CreditService) ApplyRefund(event PaymentEvent) (*models.Transaction, bool, error) {
	delta, err := s.creditsFor(event.Amount)
	if err != nil {
		return nil, false, err
	}

	if s.isKnownEvent(event.ID) {
		return s.priorResult(event.ID)
	}

	amount := event.Amount
	currency := event.Currency
	txn, err := s.ledger.ApplyLedgered(ApplyParams{
		UserID:          event.UserID,
		Delta:           -delta,
		Kind:            models.KindRefund,
		ExternalEventID: event.ID,
		AmountPaid:      &amount,
		Currency:        &currency,
		AllowNegative:   s.allowNegativeOnRefund,
	})
	if errors.Is(err, ErrDuplicateEvent) {
		log.Printf("[CREDITS] Duplicate refund event %s for user %s", event.ID, event.UserID)
		return s.priorResult(event.ID)
	}
	if err != nil {
		return nil, false, err
	}

	s.cacheEvent(event.ID)
	log.Printf("[CREDITS] Applied refund event %s: user %s -%d credits", event.ID, event.UserID, delta)
	return txn, false, nil
}

// Adjust applies a manual balance change on behalf of an admin. An optional
// client-supplied idempotency key is threaded through the same uniqueness
// guard as provider events.
func (s *CreditService) Adjust(userID string, delta int64, reason, actorID, idempotencyKey string) (*models.Transaction, bool, error) {
	eventID := ""
	if idempotencyKey != "" {
		eventID = adminEventPrefix + idempotencyKey
	}

	txn, err := s.ledger.ApplyLedgered(ApplyParams{
		UserID:          userID,
		Delta:           delta,
		Kind:            models.KindAdminAdjustment,
		ExternalEventID: eventID,
		Reason:          &reason,
		ActorID:         &actorID,
	})
	if errors.Is(err, ErrDuplicateEvent) {
		log.Printf("[CREDITS] Duplicate admin adjustment key %q for user %s", idempotencyKey, userID)
		return s.priorResult(eventID)
	}
	if err != nil {
		return nil, false, err
	}

	log.Printf("[CREDITS] Admin %s adjusted user %s by %d credits: %s", actorID, userID, delta, reason)
	return txn, false, nil
}

func (s *CreditService) creditsFor(amountMinor int64) (int64, error) {
	if amountMinor <= 0 || s.minorUnitsPerCredit <= 0 {
		return 0, ErrInvalidAmount
	}
	delta := amountMinor / s.minorUnitsPerCredit
	if delta <= 0 {
		return 0, ErrInvalidAmount
	}
	return delta, nil
}

func (s *CreditService) priorResult(eventID string) (*models.Transaction, bool, error) {
	txn, err := s.ledger.FindTransactionByEventID(eventID)
	if err != nil {
		return nil, false, fmt.Errorf("duplicate event %s has no recorded transaction: %w", eventID, err)
	}
	return txn, true, nil
}

func (s *CreditService) isKnownEvent(eventID string) bool {
	if s.redis == nil {
		return false
	}
	ctx := context.Background()
	key := fmt.Sprintf("credits:event:%s", eventID)
	exists, err := s.redis.Exists(ctx, key).Result()
	if err != nil {
		log.Printf("[CREDITS] Event cache lookup failed: %v", err)
		return false
	}
	return exists > 0
}

func (s *CreditService) cacheEvent(eventID string) {
	if s.redis == nil {
		return
	}
	ctx := context.Background()
	key := fmt.Sprintf("credits:event:%s", eventID)
	if err := s.redis.Set(ctx, key, "1", eventCacheTTL).Err(); err != nil {
		log.Printf("[CREDITS] Failed to cache event %s: %v", eventID, err)
	}
}
