package handler

import (
	"log/slog"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/bankfeed-aggregator/internal/api/middleware"
	"github.com/bankfeed-aggregator/internal/api/service"
)

// BankHandler handles HTTP requests for linked bank management
type BankHandler struct {
	bankService service.BankService
	logger      *slog.Logger
}

// NewBankHandler creates a new bank handler
func NewBankHandler(logger *slog.Logger, bankService service.BankService) *BankHandler {
	return &BankHandler{
		bankService: bankService,
		logger:      logger,
	}
}

// List returns the user's linked banks with their cached accounts
func (h *BankHandler) List(c *gin.Context) {
	userID := middleware.GetUserID(c)

	banks, err := h.bankService.ListBanks(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list banks", "user_id", userID, "error", err)
		RespondInternalError(c)
		return
	}

	response := BanksResponse{Banks: make([]BankResponse, 0, len(banks))}
	for _, bank := range banks {
		response.Banks = append(response.Banks, mapBank(bank))
	}
	RespondOK(c, response)
}

// Revoke unlinks the banks named by the bank_ids query parameter, either a
// comma-separated id list or "all". Each bank is revoked independently.
func (h *BankHandler) Revoke(c *gin.Context) {
	userID := middleware.GetUserID(c)

	connIDs, ok := h.parseBankIDs(c, userID)
	if !ok {
		return
	}

	results, failures := h.bankService.RevokeBanks(c.Request.Context(), userID, connIDs)

	successCount := 0
	for _, result := range results {
		if result.Revoked {
			successCount++
		}
	}

	RespondOK(c, RevokeBanksResponse{
		Message:      "Bank connections revoked",
		SuccessCount: successCount,
		Results:      results,
		Failures:     failures,
	})
}

// parseBankIDs resolves the bank_ids query parameter into connection ids.
// Responds with an error and returns ok=false when the parameter is invalid.
func (h *BankHandler) parseBankIDs(c *gin.Context, userID string) ([]uuid.UUID, bool) {
	raw := c.Query("bank_ids")
	if raw == "" {
		RespondBadRequest(c, "Missing bank_ids query parameter (a comma-separated id list or \"all\")")
		return nil, false
	}

	if raw == "all" {
		ids, err := h.bankService.AllBankIDs(c.Request.Context(), userID)
		if err != nil {
			h.logger.Error("Failed to resolve all bank ids", "user_id", userID, "error", err)
			RespondInternalError(c)
			return nil, false
		}
		return ids, true
	}

	parts := strings.Split(raw, ",")
	ids := make([]uuid.UUID, 0, len(parts))
	for _, part := range parts {
		id, err := uuid.Parse(strings.TrimSpace(part))
		if err != nil {
			RespondBadRequest(c, "Invalid bank id: "+part)
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}
