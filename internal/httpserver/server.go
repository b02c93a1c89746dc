// Package httpserver exposes the coin ledger over HTTP: a
// session-authenticated API for the web app and a bearer-JWT webhook surface
// for the payment provider and admin tooling.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/magiccoin/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// Run boots the HTTP facade using the supplied configuration.
func Run(ctx context.Context, cfg Config, service *ledger.Service, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}

	router := setupRouter(cfg, handler, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("coin api listening", zap.String("addr", cfg.ListenAddr))
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

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware("auth_claims"))

	api.GET("/wallet", handler.handleWallet)
	api.POST("/wallet/initialize", handler.handleInitialize)
	api.POST("/spend", handler.handleSpend)
	api.GET("/transactions", handler.handleTransactions)
	api.GET("/usage", handler.handleUsage)
	api.GET("/packages", handler.handlePackages)
	api.GET("/costs/:apiID", handler.handleCosts)

	hooks := router.Group("/hooks")
	hooks.Use(webhookAuth(cfg))

	hooks.POST("/purchase", handler.handlePurchaseHook)
	hooks.POST("/subscription", handler.handleSubscriptionHook)
	hooks.POST("/admin-grant", handler.handleAdminGrantHook)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *ledger.Service
	cfg     Config
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	handler.respondWithWallet(ctx, userID)
}

func (handler *httpHandler) handleInitialize(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	initialCoins, err := handler.initialCoins(requestCtx)
	if err != nil {
		handler.respondError(ctx, "initial balance lookup failed", err)
		return
	}
	if _, err := handler.service.InitializeBalance(requestCtx, userID, initialCoins); err != nil {
		handler.respondError(ctx, "initialize failed", err)
		return
	}
	handler.respondWithWallet(ctx, userID)
}

func (handler *httpHandler) handleSpend(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	var request spendRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	reference, amount, err := handler.resolveSpend(requestCtx, request)
	if err != nil {
		handler.respondError(ctx, "spend rejected", err)
		return
	}

	description := request.Description
	if strings.TrimSpace(description) == "" {
		description = "spend"
	}
	balance, err := handler.service.Spend(requestCtx, userID, amount, description, reference)
	if err != nil {
		handler.respondError(ctx, "spend failed", err)
		return
	}
	if reference != nil {
		if usageKind, counted := reference.UsageKind(); counted {
			if err := handler.service.UpdateMonthlyUsage(requestCtx, userID, usageKind, 1); err != nil {
				handler.logger.Warn("usage update failed", zap.Error(err))
			}
		}
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"balance": balancePayloadFrom(balance),
	})
}

// resolveSpend works out the debit and its reference. An explicit amount wins;
// otherwise the configured per-provider cost for the generation kind applies.
func (handler *httpHandler) resolveSpend(ctx context.Context, request spendRequest) (*ledger.Reference, ledger.PositiveCoinAmount, error) {
	var reference *ledger.Reference
	if strings.TrimSpace(request.ReferenceKind) != "" {
		kind, err := ledger.ParseReferenceKind(request.ReferenceKind)
		if err != nil {
			return nil, ledger.PositiveCoinAmount{}, err
		}
		parsed, err := ledger.NewReference(kind, request.ReferenceID)
		if err != nil {
			return nil, ledger.PositiveCoinAmount{}, err
		}
		reference = &parsed
	}

	coins := request.Amount
	if coins == 0 && reference != nil {
		apiID := defaultIfEmpty(request.APIID, "default")
		costs, err := handler.service.GetAPICosts(ctx, apiID)
		if err != nil {
			return nil, ledger.PositiveCoinAmount{}, err
		}
		switch reference.Kind() {
		case ledger.ReferenceGenerationImage:
			coins = costs.ImageCoins.Int64()
		case ledger.ReferenceGenerationVideo:
			coins = costs.VideoCoins.Int64()
		}
	}
	amount, err := ledger.NewPositiveCoinAmount(coins)
	if err != nil {
		return nil, ledger.PositiveCoinAmount{}, err
	}
	return reference, amount, nil
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "0"))

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	transactions, err := handler.service.GetTransactions(requestCtx, userID, limit)
	if err != nil {
		handler.respondError(ctx, "transactions fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": transactionPayloadsFrom(transactions)})
}

func (handler *httpHandler) handleUsage(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	var yearMonth ledger.YearMonth
	if raw := ctx.Query("month"); raw != "" {
		parsed, err := ledger.NewYearMonth(raw)
		if err != nil {
			handler.respondError(ctx, "usage fetch failed", err)
			return
		}
		yearMonth = parsed
	}
	if yearMonth.IsZero() {
		yearMonth = ledger.YearMonthOf(time.Now().UTC().Unix())
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	usage, err := handler.service.GetUserMonthlyUsage(requestCtx, userID, yearMonth)
	if err != nil {
		if errors.Is(err, ledger.ErrUsageNotFound) {
			ctx.JSON(http.StatusOK, gin.H{"usage": usagePayload{
				YearMonth: yearMonth.String(),
			}})
			return
		}
		handler.respondError(ctx, "usage fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"usage": usagePayloadFrom(usage)})
}

func (handler *httpHandler) handlePackages(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	packages, err := handler.service.GetPackages(requestCtx)
	if err != nil {
		handler.respondError(ctx, "package fetch failed", err)
		return
	}
	payloads := make([]packagePayload, 0, len(packages))
	for _, coinPackage := range packages {
		payloads = append(payloads, packagePayload{
			PackageID:     coinPackage.PackageID,
			Name:          coinPackage.Name,
			CoinsAmount:   coinPackage.CoinsAmount.Int64(),
			BonusCoins:    coinPackage.BonusCoins.Int64(),
			TotalCoins:    coinPackage.TotalCoins().Int64(),
			PriceUSDCents: coinPackage.PriceUSDCents,
			Features:      coinPackage.Features,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"packages": payloads})
}

func (handler *httpHandler) handleCosts(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	costs, err := handler.service.GetAPICosts(requestCtx, ctx.Param("apiID"))
	if err != nil {
		handler.respondError(ctx, "cost fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"image_coins": costs.ImageCoins.Int64(),
		"video_coins": costs.VideoCoins.Int64(),
	})
}

func (handler *httpHandler) handlePurchaseHook(ctx *gin.Context) {
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	handler.applyGrant(ctx, request, ledger.TransactionPurchase, ledger.ReferencePackagePurchase, "coin package purchase")
}

func (handler *httpHandler) handleSubscriptionHook(ctx *gin.Context) {
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	handler.applyGrant(ctx, request, ledger.TransactionSubscriptionGrant, ledger.ReferenceSubscriptionTerm, "subscription coin grant")
}

func (handler *httpHandler) handleAdminGrantHook(ctx *gin.Context) {
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	handler.applyGrant(ctx, request, ledger.TransactionAdminGrant, ledger.ReferenceAdminAdjustment, "admin coin grant")
}

// applyGrant credits a webhook grant. The event id rides along as the
// transaction reference, so provider retries hit the duplicate guard and
// grant exactly once.
func (handler *httpHandler) applyGrant(ctx *gin.Context, request grantRequest, txType ledger.TransactionType, referenceKind ledger.ReferenceKind, defaultDescription string) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, "grant rejected", err)
		return
	}
	amount, err := ledger.NewPositiveCoinAmount(request.Coins + request.BonusCoins)
	if err != nil {
		handler.respondError(ctx, "grant rejected", err)
		return
	}
	reference, err := ledger.NewReference(referenceKind, request.EventID)
	if err != nil {
		handler.respondError(ctx, "grant rejected", err)
		return
	}
	description := request.Description
	if strings.TrimSpace(description) == "" {
		description = defaultDescription
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	balance, err := handler.service.Earn(requestCtx, userID, amount, description, txType, &reference)
	if err != nil {
		handler.respondError(ctx, "grant failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"balance": balancePayloadFrom(balance),
	})
}

func (handler *httpHandler) respondWithWallet(ctx *gin.Context, userID ledger.UserID) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	balance, err := handler.service.GetBalance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, "wallet fetch failed", err)
		return
	}
	transactions, err := handler.service.GetTransactions(requestCtx, userID, walletHistoryLimit)
	if err != nil {
		handler.respondError(ctx, "wallet fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": walletResponse{
		Balance:      balancePayloadFrom(balance),
		Transactions: transactionPayloadsFrom(transactions),
	}})
}

// initialCoins reads the signup grant from settings, keeping the documented
// default when the key is absent or malformed.
func (handler *httpHandler) initialCoins(ctx context.Context) (ledger.CoinAmount, error) {
	raw, err := handler.service.GetSettingOrDefault(ctx, settingInitialBalance, strconv.FormatInt(ledger.DefaultInitialCoins.Int64(), 10))
	if err != nil {
		return 0, err
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed < 0 {
		return ledger.DefaultInitialCoins, nil
	}
	return ledger.CoinAmount(parsed), nil
}

func (handler *httpHandler) sessionUserID(ctx *gin.Context) (ledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session subject"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) respondError(ctx *gin.Context, logMessage string, err error) {
	status, code, message := classifyError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error(logMessage, zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, message))
}

func classifyError(err error) (int, string, string) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds", "not enough coins"
	case errors.Is(err, ledger.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found", "no balance for user"
	case errors.Is(err, ledger.ErrDuplicateReference):
		return http.StatusConflict, "duplicate_reference", "event already applied"
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidUserID),
		errors.Is(err, ledger.ErrInvalidReference),
		errors.Is(err, ledger.ErrInvalidTransactionType),
		errors.Is(err, ledger.ErrInvalidYearMonth),
		errors.Is(err, ledger.ErrInvalidUsageKind):
		return http.StatusBadRequest, "invalid_request", err.Error()
	}
	return http.StatusBadGateway, "ledger_error", "ledger unavailable"
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get("auth_claims")
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

// webhookAuth verifies the HS256 bearer token the payment provider signs.
func webhookAuth(cfg Config) gin.HandlerFunc {
	signingKey := []byte(cfg.WebhookSigningKey)
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		rawToken, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(rawToken) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		token, err := jwt.Parse(rawToken, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return signingKey, nil
		}, jwt.WithIssuer(cfg.WebhookIssuer), jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid bearer token"))
			return
		}
		ctx.Next()
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type spendRequest struct {
	Amount        int64  `json:"amount"`
	Description   string `json:"description"`
	ReferenceKind string `json:"reference_kind"`
	ReferenceID   string `json:"reference_id"`
	APIID         string `json:"api_id"`
}

type grantRequest struct {
	UserID      string `json:"user_id"`
	Coins       int64  `json:"coins"`
	BonusCoins  int64  `json:"bonus_coins"`
	EventID     string `json:"event_id"`
	Description string `json:"description"`
}

type walletResponse struct {
	Balance      balancePayload       `json:"balance"`
	Transactions []transactionPayload `json:"transactions"`
}

type balancePayload struct {
	UserID      string `json:"user_id"`
	Coins       int64  `json:"coins"`
	TotalEarned int64  `json:"total_earned"`
	TotalSpent  int64  `json:"total_spent"`
}

type transactionPayload struct {
	TransactionID  string `json:"transaction_id"`
	Type           string `json:"type"`
	Amount         int64  `json:"amount"`
	BalanceAfter   int64  `json:"balance_after"`
	Description    string `json:"description"`
	ReferenceKind  string `json:"reference_kind,omitempty"`
	ReferenceID    string `json:"reference_id,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type usagePayload struct {
	YearMonth       string `json:"year_month"`
	ImagesGenerated int64  `json:"images_generated"`
	VideosGenerated int64  `json:"videos_generated"`
	CoinsGranted    int64  `json:"coins_granted"`
}

type packagePayload struct {
	PackageID     string   `json:"package_id"`
	Name          string   `json:"name"`
	CoinsAmount   int64    `json:"coins_amount"`
	BonusCoins    int64    `json:"bonus_coins"`
	TotalCoins    int64    `json:"total_coins"`
	PriceUSDCents int64    `json:"price_usd_cents"`
	Features      []string `json:"features,omitempty"`
}

func balancePayloadFrom(balance ledger.Balance) balancePayload {
	return balancePayload{
		UserID:      balance.UserID.String(),
		Coins:       balance.Coins.Int64(),
		TotalEarned: balance.TotalEarned.Int64(),
		TotalSpent:  balance.TotalSpent.Int64(),
	}
}

func transactionPayloadsFrom(transactions []ledger.Transaction) []transactionPayload {
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payload := transactionPayload{
			TransactionID:  transaction.TransactionID,
			Type:           transaction.Type.String(),
			Amount:         transaction.Amount.Int64(),
			BalanceAfter:   transaction.BalanceAfter.Int64(),
			Description:    transaction.Description,
			CreatedUnixUTC: transaction.CreatedUnixUTC,
		}
		if transaction.Reference != nil {
			payload.ReferenceKind = transaction.Reference.Kind().String()
			payload.ReferenceID = transaction.Reference.ID()
		}
		payloads = append(payloads, payload)
	}
	return payloads
}

func usagePayloadFrom(usage ledger.MonthlyUsage) usagePayload {
	return usagePayload{
		YearMonth:       usage.YearMonth.String(),
		ImagesGenerated: usage.ImagesGenerated,
		VideosGenerated: usage.VideosGenerated,
		CoinsGranted:    usage.CoinsGranted.Int64(),
	}
}
