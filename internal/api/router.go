package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bankfeed-aggregator/internal/api/handler"
	"github.com/bankfeed-aggregator/internal/api/middleware"
)

// setupRouter configures API routes and middleware for the application
func setupRouter(
	logger *slog.Logger,
	r *gin.Engine,
	linkHandler *handler.LinkHandler,
	accountHandler *handler.AccountHandler,
	bankHandler *handler.BankHandler,
	transactionHandler *handler.TransactionHandler,
) {
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.CorrelationID())
	r.Use(middleware.Logger(logger))

	// Every data endpoint requires the caller's identity
	v1 := r.Group("/api/v1")
	v1.Use(middleware.UserIdentity())
	{
		link := v1.Group("/link")
		{
			link.POST("/token", linkHandler.CreateToken)
			link.POST("/exchange", linkHandler.Exchange)
		}

		accounts := v1.Group("/accounts")
		{
			accounts.GET("", accountHandler.Get)
			accounts.POST("/refresh", accountHandler.Refresh)
			accounts.GET("/data-info", accountHandler.DataInfo)
		}

		banks := v1.Group("/banks")
		{
			banks.GET("", bankHandler.List)
			banks.DELETE("", bankHandler.Revoke)
		}

		transactions := v1.Group("/transactions")
		{
			transactions.GET("", transactionHandler.List)
			transactions.POST("/refresh/:connectionId", transactionHandler.Refresh)
			transactions.POST("/force-refresh/:connectionId", transactionHandler.ForceRefresh)
			transactions.GET("/resync-status/:connectionId", transactionHandler.ResyncStatus)
			transactions.POST("/sync-all", transactionHandler.SyncAll)
		}
	}

	// Health check endpoint for monitoring
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().UTC()})
	})
}
