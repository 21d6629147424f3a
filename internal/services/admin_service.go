package services

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
)

// AdminService exposes manual balance corrections. Credential checks happen
// in the admin auth middleware before these handlers run.
type AdminService struct {
	credits   *CreditService
	ledger    *LedgerService
	validator *ValidationHelper
}

func NewAdminService(credits *CreditService, ledger *LedgerService) *AdminService {
	return &AdminService{
		credits:   credits,
		ledger:    ledger,
		validator: NewValidationHelper(),
	}
}

// AdjustRequest is the admin adjustment request payload
// @Description Manual credit adjustment request
type AdjustRequest struct {
	UserID string `json:"userId" validate:"required"`                // Target user
	Delta  int64  `json:"delta" validate:"required"`                 // Signed credit change
	Reason string `json:"reason" validate:"required,min=3,max=500"` // Free-text justification
}

// Adjust applies a manual credit adjustment
// @Summary Adjust a user's credit balance
// @Description Grant or debit credits manually; routed through the same ledger as automated credits
// @Tags admin
// @Accept json
// @Produce json
// @Param Idempotency-Key header string false "Client idempotency key"
// @Param request body AdjustRequest true "Adjustment data"
// @Success 200 {object} map[string]interface{} "Resulting balance and transaction"
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse "Insufficient balance"
// @Router /admin/credits/adjust [post]
func (as *AdminService) Adjust(w http.ResponseWriter, r *http.Request) {
	adminID, ok := r.Context().Value("userID").(string)
	if !ok || adminID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req AdjustRequest
	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := as.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")

	txn, duplicate, err := as.credits.Adjust(req.UserID, req.Delta, req.Reason, adminID, idempotencyKey)
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			SendErrorResponse(w, "Insufficient balance", http.StatusConflict, nil)
			return
		}
		log.Printf("[ADMIN] Adjustment failed for user %s: %v", req.UserID, err)
		SendErrorResponse(w, "Failed to apply adjustment", http.StatusInternalServerError, nil)
		return
	}

	balance, err := as.ledger.GetBalance(req.UserID)
	if err != nil {
		log.Printf("[ADMIN] Balance readback failed for user %s: %v", req.UserID, err)
		SendErrorResponse(w, "Failed to read balance", http.StatusInternalServerError, nil)
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
		"balance":     balance,
	})
}
