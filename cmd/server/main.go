package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ksred/positions-api/internal/auth"
	"github.com/ksred/positions-api/internal/config"
	"github.com/ksred/positions-api/internal/credentials"
	"github.com/ksred/positions-api/internal/database"
	"github.com/ksred/positions-api/internal/exchange"
	"github.com/ksred/positions-api/internal/trading"
	"github.com/ksred/positions-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// setupLogging configures the global logger. Development gets pretty console
// output; LOG_FILE additionally tees everything into a rotated file.
func setupLogging(cfg *config.Config) {
	var out io.Writer = os.Stdout
	if !cfg.IsProduction() {
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	if cfg.LogFile != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	zlog.Logger = zerolog.New(out).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main wires storage, the exchange gateway and the HTTP routes, then serves
// until SIGINT or SIGTERM
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid configuration")
	}
	setupLogging(cfg)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer func() {
		if err := database.Close(db); err != nil {
			zlog.Error().Err(err).Msg("Failed to close database")
		}
	}()

	authService := auth.NewService(cfg.JWTSecret, cfg.TokenTTL)

	credentialService := credentials.NewService(db, credentials.Options{
		EncryptionKey:  cfg.EncryptionKey,
		StorageTimeout: cfg.StorageTimeout,
	})
	credentialHandlers := credentials.NewGinHandlers(credentialService, authService)

	var venue *exchange.Paper
	if cfg.Exchange == "paper" {
		venue = exchange.NewPaper(exchange.PaperOptions{
			MinLatency:      20,
			MaxLatency:      120,
			SuccessRate:     cfg.PaperSuccessRate,
			FeeRate:         0.0006,
			StartingBalance: cfg.PaperBalance,
		})
		zlog.Warn().Float64("balance", cfg.PaperBalance).Msg("Running against the paper exchange")
	}

	gateways := func(creds exchange.Credentials) (exchange.Gateway, error) {
		return exchange.NewGateway(cfg.Exchange, creds, exchange.Options{
			BaseURL: cfg.BitgetBaseURL,
			Timeout: cfg.GatewayTimeout,
			Paper:   venue,
		})
	}

	tradingService := trading.NewService(db, credentialService, gateways, trading.Options{
		GatewayTimeout: cfg.GatewayTimeout,
		StorageTimeout: cfg.StorageTimeout,
		LockTimeout:    cfg.LockTimeout,
		IdempotencyTTL: cfg.IdempotencyTTL,
	})
	tradingHandlers := trading.NewGinHandlers(tradingService)

	// Create and start housekeeping processor
	processor := trading.NewProcessor(tradingService.GetDB(), cfg.HousekeepingInterval)
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	go processor.Start(processorCtx)

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(), middleware.RateLimit())

	setupRoutes(router, authService, credentialHandlers, tradingHandlers)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info().Str("port", cfg.Port).Str("exchange", cfg.Exchange).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// In-flight exit legs get the shutdown window to finish
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GatewayTimeout+5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes registers the public account and trading endpoints plus the
// JWT-protected views of a user's own keys and trades
func setupRoutes(
	router *gin.Engine,
	tokens middleware.TokenValidator,
	credentialHandlers *credentials.GinHandlers,
	tradingHandlers *trading.GinHandlers,
) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/register", credentialHandlers.RegisterHandler())
	router.POST("/login", credentialHandlers.LoginHandler())

	users := router.Group("/users")
	{
		users.GET("/inactive", credentialHandlers.ListInactiveHandler())
		users.PUT("/:id/activate", credentialHandlers.ActivateHandler())
	}

	router.POST("/add_api_key", credentialHandlers.AddAPIKeyHandler())
	router.POST("/get-balance/", tradingHandlers.GetBalanceHandler())
	router.POST("/open_position/", tradingHandlers.OpenPositionHandler())

	authed := router.Group("")
	authed.Use(middleware.JWTAuth(tokens))
	{
		authed.GET("/api_keys", credentialHandlers.ListAPIKeysHandler())
		authed.GET("/trades/:trade_id", tradingHandlers.GetTradeHandler())
	}
}
