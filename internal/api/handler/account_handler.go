package handler

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bankfeed-aggregator/internal/api/middleware"
	"github.com/bankfeed-aggregator/internal/api/service"
)

// AccountHandler handles HTTP requests for consolidated balances
type AccountHandler struct {
	accountService service.AccountService
	logger         *slog.Logger
}

// NewAccountHandler creates a new account handler
func NewAccountHandler(logger *slog.Logger, accountService service.AccountService) *AccountHandler {
	return &AccountHandler{
		accountService: accountService,
		logger:         logger,
	}
}

// Get serves the consolidated balance view, from cache when it is fresh.
// Partial institution failures still return 200 with the errors listed.
func (h *AccountHandler) Get(c *gin.Context) {
	userID := middleware.GetUserID(c)

	cache, fromStored, err := h.accountService.GetAccounts(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to get consolidated accounts", "user_id", userID, "error", err)
		RespondInternalError(c)
		return
	}

	RespondOK(c, mapConsolidated(cache, fromStored))
}

// Refresh rebuilds the consolidated view from live institution data
func (h *AccountHandler) Refresh(c *gin.Context) {
	userID := middleware.GetUserID(c)

	cache, err := h.accountService.RefreshAccounts(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to refresh consolidated accounts", "user_id", userID, "error", err)
		RespondInternalError(c)
		return
	}

	RespondOK(c, mapConsolidated(cache, false))
}

// DataInfo reports the cached view's freshness without touching upstream
func (h *AccountHandler) DataInfo(c *gin.Context) {
	userID := middleware.GetUserID(c)

	info, err := h.accountService.DataInfo(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to get accounts data info", "user_id", userID, "error", err)
		RespondInternalError(c)
		return
	}

	response := DataInfoResponse{
		HasData:   info.HasData,
		AgeHours:  info.Age.Hours(),
		IsExpired: info.Expired,
		IsStale:   info.Stale,
	}
	if info.HasData {
		response.LastUpdated = info.LastUpdated.Format(time.RFC3339)
	}
	RespondOK(c, response)
}
