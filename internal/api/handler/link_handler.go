package handler

import (
	"errors"
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/bankfeed-aggregator/internal/aggregator"
	"github.com/bankfeed-aggregator/internal/api/middleware"
	"github.com/bankfeed-aggregator/internal/api/service"
	"github.com/bankfeed-aggregator/internal/domain/connection"
)

// LinkHandler handles HTTP requests for the bank link flow
type LinkHandler struct {
	linkService service.LinkService
	logger      *slog.Logger
}

// NewLinkHandler creates a new link handler
func NewLinkHandler(logger *slog.Logger, linkService service.LinkService) *LinkHandler {
	return &LinkHandler{
		linkService: linkService,
		logger:      logger,
	}
}

// CreateToken starts a link flow and returns the short-lived link token
func (h *LinkHandler) CreateToken(c *gin.Context) {
	userID := middleware.GetUserID(c)

	token, err := h.linkService.CreateLinkToken(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to create link token", "user_id", userID, "error", err)
		if aggregator.Retryable(err) {
			RespondBadGateway(c, "Provider is temporarily unavailable")
			return
		}
		RespondInternalError(c)
		return
	}

	RespondOK(c, LinkTokenResponse{LinkToken: token})
}

// Exchange completes the link flow, registering a new bank connection.
// Returns 409 when the institution is already linked for this user.
func (h *LinkHandler) Exchange(c *gin.Context) {
	var req ExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", "error", err)
		RespondBadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	userID := middleware.GetUserID(c)
	conn, err := h.linkService.ExchangePublicToken(c.Request.Context(), userID, req.PublicToken)
	if err != nil {
		var duplicateErr connection.ErrDuplicate
		if errors.As(err, &duplicateErr) {
			h.logger.Warn("Attempt to link an already linked institution",
				"user_id", userID,
				"institution_id", duplicateErr.InstitutionID)
			RespondConflict(c, "This bank is already linked")
			return
		}
		if errors.Is(err, aggregator.ErrItem) {
			RespondBadRequest(c, "Invalid public token")
			return
		}
		h.logger.Error("Failed to exchange public token", "user_id", userID, "error", err)
		if aggregator.Retryable(err) {
			RespondBadGateway(c, "Provider is temporarily unavailable")
			return
		}
		RespondInternalError(c)
		return
	}

	RespondCreated(c, ExchangeResponse{
		ItemID:          conn.ID.String(),
		InstitutionID:   conn.InstitutionID,
		InstitutionName: conn.InstitutionName,
		Status:          string(conn.Status),
	})
}
