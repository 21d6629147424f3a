package services

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/resumely/backend/internal/config"
)

// QueryService serves read-only balance and history projections. Reads go
// straight to Postgres; no cache sits between a committed write and a read.
type QueryService struct {
	ledger       *LedgerService
	defaultLimit int
	maxLimit     int
}

func NewQueryService(ledger *LedgerService, cfg *config.CreditsConfig) *QueryService {
	return &QueryService{
		ledger:       ledger,
		defaultLimit: cfg.HistoryDefaultLimit,
		maxLimit:     cfg.HistoryMaxLimit,
	}
}

// GetBalance returns the caller's current credit balance
// @Summary Get credit balance
// @Tags credits
// @Produce json
// @Success 200 {object} map[string]int64
// @Failure 401 {object} ErrorResponse
// @Router /credits/balance [get]
func (qs *QueryService) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	balance, err := qs.ledger.GetBalance(userID)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int64{"balance": balance})
}

// GetHistory returns the caller's transaction history, newest first
// @Summary Get credit transaction history
// @Tags credits
// @Produce json
// @Param limit query int false "Page size (default 20, max 100)"
// @Param offset query int false "Page offset"
// @Success 200 {object} map[string]interface{}
// @Failure 401 {object} ErrorResponse
// @Router /credits/history [get]
func (qs *QueryService) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := qs.defaultLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > qs.maxLimit {
		limit = qs.maxLimit
	}

	offset := 0
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	transactions, err := qs.ledger.ListTransactions(userID, limit, offset)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch history", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"transactions": transactions,
		"count":        len(transactions),
	})
}
