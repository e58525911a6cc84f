package handler

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/bankfeed-aggregator/internal/aggregator"
	"github.com/bankfeed-aggregator/internal/api/middleware"
	"github.com/bankfeed-aggregator/internal/api/service"
	"github.com/bankfeed-aggregator/internal/domain/connection"
	"github.com/bankfeed-aggregator/internal/storage"
)

// defaultTransactionWindowDays bounds GET /transactions when days is absent
const defaultTransactionWindowDays = 30

// TransactionHandler handles HTTP requests for transaction sync and listing
type TransactionHandler struct {
	transactionService service.TransactionService
	logger             *slog.Logger
}

// NewTransactionHandler creates a new transaction handler
func NewTransactionHandler(logger *slog.Logger, transactionService service.TransactionService) *TransactionHandler {
	return &TransactionHandler{
		transactionService: transactionService,
		logger:             logger,
	}
}

// List returns the user's synced transactions within the trailing day window
func (h *TransactionHandler) List(c *gin.Context) {
	userID := middleware.GetUserID(c)

	days := defaultTransactionWindowDays
	if raw := c.Query("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			RespondBadRequest(c, "days must be a non-negative integer")
			return
		}
		days = parsed
	}

	transactions, err := h.transactionService.ListTransactions(c.Request.Context(), userID, days)
	if err != nil {
		h.logger.Error("Failed to list transactions", "user_id", userID, "error", err)
		RespondInternalError(c)
		return
	}

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)
	RespondOK(c, TransactionsResponse{
		Transactions:     transactions,
		TransactionCount: len(transactions),
		DateRange: DateRange{
			Start: start.Format("2006-01-02"),
			End:   end.Format("2006-01-02"),
		},
	})
}

// Refresh runs an incremental sync for one connection
func (h *TransactionHandler) Refresh(c *gin.Context) {
	userID := middleware.GetUserID(c)
	connID, ok := h.connectionID(c)
	if !ok {
		return
	}

	result, err := h.transactionService.Sync(c.Request.Context(), userID, connID)
	if err != nil {
		h.respondSyncError(c, userID, connID, err)
		return
	}

	RespondOK(c, mapSyncResult(result))
}

// SyncAll runs an incremental sync across every syncable connection
func (h *TransactionHandler) SyncAll(c *gin.Context) {
	userID := middleware.GetUserID(c)

	results, failures, err := h.transactionService.SyncAll(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to sync all connections", "user_id", userID, "error", err)
		RespondInternalError(c)
		return
	}

	response := SyncAllResponse{
		Results:  make(map[string]SyncResponse, len(results)),
		Failures: failures,
	}
	for connID, result := range results {
		response.Results[connID] = mapSyncResult(result)
	}
	RespondOK(c, response)
}

// ForceRefresh starts a background full-history resync and returns 202 with
// the status endpoint to poll
func (h *TransactionHandler) ForceRefresh(c *gin.Context) {
	userID := middleware.GetUserID(c)
	connID, ok := h.connectionID(c)
	if !ok {
		return
	}

	if err := h.transactionService.ForceFullResync(c.Request.Context(), userID, connID); err != nil {
		h.respondSyncError(c, userID, connID, err)
		return
	}

	RespondAccepted(c, ForceRefreshResponse{
		Status:       "async_operation",
		ConnectionID: connID.String(),
		Poll:         "/api/v1/transactions/resync-status/" + connID.String(),
	})
}

// ResyncStatus serves the background resync's polled status
func (h *TransactionHandler) ResyncStatus(c *gin.Context) {
	userID := middleware.GetUserID(c)
	connID, ok := h.connectionID(c)
	if !ok {
		return
	}

	status, err := h.transactionService.ResyncStatus(c.Request.Context(), userID, connID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound{}) {
			RespondNotFound(c, "No resync has been requested for this connection")
			return
		}
		h.logger.Error("Failed to get resync status", "user_id", userID, "connection_id", connID.String(), "error", err)
		RespondInternalError(c)
		return
	}

	RespondOK(c, status)
}

// connectionID parses the :connectionId path parameter
func (h *TransactionHandler) connectionID(c *gin.Context) (uuid.UUID, bool) {
	idParam := c.Param("connectionId")
	connID, err := uuid.Parse(idParam)
	if err != nil {
		h.logger.Error("Invalid connection ID", "id", idParam, "error", err)
		RespondBadRequest(c, "Invalid connection ID")
		return uuid.Nil, false
	}
	return connID, true
}

// respondSyncError maps engine errors onto HTTP statuses
func (h *TransactionHandler) respondSyncError(c *gin.Context, userID string, connID uuid.UUID, err error) {
	var notFoundErr connection.ErrNotFound
	if errors.As(err, &notFoundErr) {
		RespondNotFound(c, "Bank connection not found")
		return
	}
	if errors.Is(err, aggregator.ErrItemLoginRequired) {
		RespondConflict(c, "This bank requires the user to re-authenticate")
		return
	}
	if aggregator.Retryable(err) {
		RespondBadGateway(c, "Provider is temporarily unavailable")
		return
	}
	h.logger.Error("Transaction sync failed", "user_id", userID, "connection_id", connID.String(), "error", err)
	RespondInternalError(c)
}
