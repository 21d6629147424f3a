package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/resumely/backend/internal/config"
)

// SignatureHeader carries the provider's HMAC-SHA256 hex digest of the raw body.
const SignatureHeader = "X-Webhook-Signature"

const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentRefunded  = "payment.refunded"
)

// WebhookService receives provider payment events and drives the credit
// applier. Delivery is at-least-once; the applier's idempotency guard makes
// redelivery safe.
type WebhookService struct {
	credits   *CreditService
	validator *ValidationHelper
	secret    []byte
}

func NewWebhookService(credits *CreditService, cfg *config.CreditsConfig) *WebhookService {
	return &WebhookService{
		credits:   credits,
		validator: NewValidationHelper(),
		secret:    []byte(cfg.WebhookSecret),
	}
}

// WebhookEvent is the provider's wire schema for a payment event.
type WebhookEvent struct {
	ID       string `json:"id" validate:"required"`
	Type     string `json:"type" validate:"required"`
	Amount   int64  `json:"amount" validate:"required,gt=0"` // minor currency units
	Currency string `json:"currency" validate:"required,len=3"`
	UserID   string `json:"userId" validate:"required"`
}

// HandlePaymentEvent processes a provider webhook delivery
// @Summary Receive a payment provider event
// @Description Verify, deduplicate and apply a payment event to the credit ledger
// @Tags webhooks
// @Accept json
// @Produce json
// @Param X-Webhook-Signature header string true "HMAC-SHA256 hex signature of the body"
// @Param event body WebhookEvent true "Provider event"
// @Success 200 {object} map[string]interface{} "applied or duplicate"
// @Failure 400 {object} ErrorResponse "Malformed event"
// @Failure 401 {object} ErrorResponse "Signature verification failed"
// @Router /webhooks/payments [post]
func (ws *WebhookService) HandlePaymentEvent(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		SendErrorResponse(w, "Failed to read request body", http.StatusBadRequest, nil)
		return
	}

	// Verification happens before any database work; a forged event must
	// never reach the ledger.
	if err := ws.verifySignature(body, r.Header.Get(SignatureHeader)); err != nil {
		log.Printf("[WEBHOOK] Signature verification failed: %v", err)
		SendErrorResponse(w, "Signature verification failed", http.StatusUnauthorized, nil)
		return
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		SendErrorResponse(w, "Malformed event payload", http.StatusBadRequest, nil)
		return
	}

	if err := ws.validator.ValidateStruct(&event); err != nil {
		SendErrorResponse(w, "Malformed event payload", http.StatusBadRequest, err)
		return
	}

	payment := PaymentEvent{
		ID:       event.ID,
		Type:     event.Type,
		Amount:   event.Amount,
		Currency: event.Currency,
		UserID:   event.UserID,
	}

	var (
		txn       interface{}
		duplicate bool
	)
	switch event.Type {
	case EventPaymentSucceeded:
		txn, duplicate, err = ws.credits.ApplyPurchase(payment)
	case EventPaymentRefunded:
		txn, duplicate, err = ws.credits.ApplyRefund(payment)
	default:
		SendErrorResponse(w, "Unsupported event type", http.StatusBadRequest, nil)
		return
	}

	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			SendErrorResponse(w, "Malformed event payload", http.StatusBadRequest, nil)
			return
		}
		if errors.Is(err, ErrInsufficientBalance) {
			SendErrorResponse(w, "Insufficient balance", http.StatusConflict, nil)
			return
		}
		log.Printf("[WEBHOOK] Failed to apply event %s: %v", event.ID, err)
		SendErrorResponse(w, "Failed to process event", http.StatusInternalServerError, nil)
		return
	}

	status := "applied"
	if duplicate {
		status = "duplicate"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      status,
		"transaction": txn,
	})
}

func (ws *WebhookService) verifySignature(body []byte, signature string) error {
	if len(ws.secret) == 0 {
		return errors.New("webhook secret not configured")
	}
	if signature == "" {
		return errors.New("missing signature header")
	}

	h := hmac.New(sha256.New, ws.secret)
	h.Write(body)
	expected := hex.EncodeToString(h.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("signature mismatch")
	}
	return nil
}
