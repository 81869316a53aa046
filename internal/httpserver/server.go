package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/closetloop/credit/pkg/credit"
)

// Run boots the REST facade over the credit service and blocks until the
// context is cancelled or the listener fails.
func Run(ctx context.Context, cfg Config, service *credit.Service, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}
	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(sessionMiddleware(cfg))

	api.GET("/credits/my-balance", handler.handleMyBalance)
	api.GET("/credits/my-history", handler.handleMyHistory)
	api.POST("/credits/earn", handler.handleEarn)
	api.DELETE("/credits/:creditID", handler.handleDeleteCredit)
	api.GET("/rewards", handler.handleListRewards)
	api.POST("/rewards/exchange/:rewardID", handler.handleExchange)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *credit.Service
	cfg     Config
}

type earnRequest struct {
	UserID       string `json:"user_id"`
	Amount       int64  `json:"amount"`
	ActivityName string `json:"activity_name"`
	Type         string `json:"type"`
}

type creditEntryResponse struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	Amount       int64  `json:"amount"`
	Type         string `json:"type"`
	ActivityName string `json:"activity_name"`
	Date         string `json:"date"`
}

type rewardResponse struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Cost        int64           `json:"cost"`
	ImageURL    string          `json:"image_url"`
	Type        string          `json:"type"`
	Stock       int64           `json:"stock"`
	Details     json.RawMessage `json:"details"`
}

type allocationResponse struct {
	SourceEntryID string `json:"source_entry_id"`
	Amount        int64  `json:"amount"`
}

func (handler *httpHandler) handleMyBalance(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	balance, err := handler.service.Balance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "balance read failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id": userID.String(),
		"balance": balance.Int64(),
	})
}

func (handler *httpHandler) handleMyHistory(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	limit := 0
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	entries, err := handler.service.History(requestCtx, userID, limit)
	if err != nil {
		handler.respondError(ctx, "history read failed", err)
		return
	}
	payload := make([]creditEntryResponse, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, mapEntryResponse(entry))
	}
	ctx.JSON(http.StatusOK, payload)
}

func (handler *httpHandler) handleEarn(ctx *gin.Context) {
	var request earnRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := credit.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", "user_id is required"))
		return
	}
	amount, err := credit.NewPositiveAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be greater than zero"))
		return
	}
	entryType := credit.EntryEarnedEvent
	if request.Type != "" {
		entryType, err = credit.ParseEntryType(request.Type)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_type", "unknown credit type"))
			return
		}
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	entry, err := handler.service.Earn(requestCtx, userID, amount, entryType, request.ActivityName)
	if err != nil {
		handler.respondError(ctx, "earn failed", err)
		return
	}
	ctx.JSON(http.StatusCreated, mapEntryResponse(entry))
}

func (handler *httpHandler) handleDeleteCredit(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	entryID, err := credit.NewEntryID(ctx.Param("creditID"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_credit_id", "credit id is required"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	if err := handler.service.DeleteEntry(requestCtx, entryID, userID); err != nil {
		handler.respondError(ctx, "delete failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"deleted": entryID.String()})
}

func (handler *httpHandler) handleListRewards(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	rewards, err := handler.service.ListRewards(requestCtx)
	if err != nil {
		handler.respondError(ctx, "reward list failed", err)
		return
	}
	payload := make([]rewardResponse, 0, len(rewards))
	for _, reward := range rewards {
		payload = append(payload, rewardResponse{
			ID:          reward.RewardID.String(),
			Name:        reward.Name,
			Description: reward.Description,
			Cost:        reward.Cost.Int64(),
			ImageURL:    reward.ImageURL,
			Type:        reward.Type.String(),
			Stock:       reward.Stock,
			Details:     json.RawMessage(reward.Details),
		})
	}
	ctx.JSON(http.StatusOK, payload)
}

func (handler *httpHandler) handleExchange(ctx *gin.Context) {
	userID, ok := handler.sessionUser(ctx)
	if !ok {
		return
	}
	rewardID, err := credit.NewRewardID(ctx.Param("rewardID"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_reward_id", "reward id is required"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	receipt, err := handler.service.Exchange(requestCtx, userID, rewardID)
	if err != nil {
		handler.respondError(ctx, "exchange failed", err)
		return
	}
	allocations := make([]allocationResponse, 0, len(receipt.Allocations))
	for _, allocation := range receipt.Allocations {
		allocations = append(allocations, allocationResponse{
			SourceEntryID: allocation.SourceEntryID.String(),
			Amount:        allocation.Amount.Int64(),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"reward_name":       receipt.RewardName,
		"used_credits":      receipt.Cost.Int64(),
		"remaining_credits": receipt.RemainingBalance.Int64(),
		"allocations":       allocations,
	})
}

func (handler *httpHandler) sessionUser(ctx *gin.Context) (credit.UserID, bool) {
	userID, err := credit.NewUserID(sessionUserID(ctx))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return credit.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

// respondError maps domain errors onto stable status categories: bad input
// is 4xx the client must fix, business-rule blocks are 409, anything from
// the storage layer is 500 and worth a retry.
func (handler *httpHandler) respondError(ctx *gin.Context, logMessage string, err error) {
	switch {
	case errors.Is(err, credit.ErrUserNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("user_not_found", "user does not exist"))
	case errors.Is(err, credit.ErrEntryNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("credit_not_found", "credit entry does not exist"))
	case errors.Is(err, credit.ErrRewardNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("reward_not_found", "reward does not exist"))
	case errors.Is(err, credit.ErrInsufficientBalance):
		ctx.JSON(http.StatusConflict, errorResponse("insufficient_balance", "not enough credits"))
	case errors.Is(err, credit.ErrRewardOutOfStock):
		ctx.JSON(http.StatusConflict, errorResponse("out_of_stock", "reward is out of stock"))
	case errors.Is(err, credit.ErrInvalidAmount):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", "amount must be greater than zero"))
	default:
		handler.logger.Error(logMessage, zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("storage_error", "operation failed"))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": code, "message": message}
}

func mapEntryResponse(entry credit.Entry) creditEntryResponse {
	return creditEntryResponse{
		ID:           entry.EntryID.String(),
		UserID:       entry.UserID.String(),
		Amount:       entry.Amount.Int64(),
		Type:         entry.Type.String(),
		ActivityName: entry.ActivityName,
		Date:         time.Unix(entry.DateUnixUTC, 0).UTC().Format(time.RFC3339),
	}
}
