// Package httpapi exposes the billing service over HTTP for the marketplace frontend.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
)

// BillingService is the subset of billing.Service the API calls.
type BillingService interface {
	RegisterWallet(ctx context.Context, registration billing.WalletRegistration) (billing.Wallet, error)
	ListWallets(ctx context.Context, userID billing.UserID) ([]billing.Wallet, error)
	GetWallet(ctx context.Context, userID billing.UserID, walletID billing.WalletID) (billing.Wallet, error)
	SetWalletActive(ctx context.Context, userID billing.UserID, walletID billing.WalletID, active bool) (billing.WalletToggle, error)
	DeleteWallet(ctx context.Context, userID billing.UserID, walletID billing.WalletID) error
	ListEntries(ctx context.Context, userID billing.UserID, limit int) ([]billing.Entry, error)
	Charge(ctx context.Context, request billing.ChargeRequest) (billing.Entry, error)
	CreateListing(ctx context.Context, draft billing.ListingDraft) (billing.ListingCharge, error)
	ActivateListing(ctx context.Context, hostID billing.UserID, listingID billing.ListingID, images []billing.Image) (billing.ListingCharge, error)
	DeactivateListing(ctx context.Context, hostID billing.UserID, listingID billing.ListingID) (billing.Listing, error)
	ListDailyCharges(ctx context.Context, hostID billing.UserID, listingID billing.ListingID, limit int) ([]billing.DailyChargeRecord, error)
	RunDailyCharge(ctx context.Context, amount billing.Amount, date billing.ChargeDate, dryRun bool) (billing.DailyChargeSummary, error)
	Refund(ctx context.Context, request billing.RefundRequest) (billing.Entry, error)
}

// Server owns the gin router and the HTTP listener.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	handler http.Handler
}

// Option customizes a Server.
type Option func(*serverOptions)

type serverOptions struct {
	logger      *zap.Logger
	metrics     http.Handler
	now         func() time.Time
	dailyCharge billing.Amount
}

// WithLogger sets the request error logger.
func WithLogger(logger *zap.Logger) Option {
	return func(options *serverOptions) {
		options.logger = logger
	}
}

// WithMetricsHandler mounts a handler at /metrics.
func WithMetricsHandler(handler http.Handler) Option {
	return func(options *serverOptions) {
		options.metrics = handler
	}
}

// WithClock overrides the clock used to pick the default charge date.
func WithClock(now func() time.Time) Option {
	return func(options *serverOptions) {
		options.now = now
	}
}

// WithDailyCharge sets the amount used when an operator run omits one.
func WithDailyCharge(amount billing.Amount) Option {
	return func(options *serverOptions) {
		options.dailyCharge = amount
	}
}

// NewServer validates cfg and builds the router.
func NewServer(cfg Config, service BillingService, options ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if service == nil {
		return nil, errors.New("billing service is required")
	}
	resolved := serverOptions{logger: zap.NewNop(), now: time.Now}
	for _, option := range options {
		if option != nil {
			option(&resolved)
		}
	}
	if resolved.logger == nil {
		resolved.logger = zap.NewNop()
	}
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	handler := &httpHandler{
		logger:      resolved.logger,
		service:     service,
		cfg:         cfg,
		now:         resolved.now,
		dailyCharge: resolved.dailyCharge,
	}
	return &Server{
		cfg:     cfg,
		logger:  resolved.logger,
		handler: setupRouter(cfg, handler, validator, resolved.metrics),
	}, nil
}

// Handler returns the routed http.Handler.
func (server *Server) Handler() http.Handler {
	return server.handler
}

// Run serves until ctx is cancelled.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              server.cfg.ListenAddr,
		Handler:           server.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("billing api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator, metrics http.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Accept-Language"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	api := router.Group("/api")

	admin := api.Group("/admin")
	admin.Use(handler.requireAdmin)
	admin.POST("/daily-charges", handler.handleRunDailyCharge)
	admin.POST("/refunds", handler.handleRefund)

	user := api.Group("")
	user.Use(validator.GinMiddleware(claimsContextKey))
	user.GET("/wallets", handler.handleListWallets)
	user.POST("/wallets", handler.handleRegisterWallet)
	user.GET("/wallets/:id", handler.handleGetWallet)
	user.POST("/wallets/:id/toggle", handler.handleToggleWallet)
	user.DELETE("/wallets/:id", handler.handleDeleteWallet)
	user.GET("/transactions", handler.handleListTransactions)
	user.POST("/charges", handler.handleCharge)
	user.POST("/listings", handler.handleCreateListing)
	user.POST("/listings/:id/activate", handler.handleActivateListing)
	user.POST("/listings/:id/deactivate", handler.handleDeactivateListing)
	user.GET("/listings/:id/daily-charges", handler.handleListDailyCharges)

	return router
}
