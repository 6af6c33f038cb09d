package trading

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ksred/positions-api/internal/apperr"
	"github.com/ksred/positions-api/internal/exchange"
	"github.com/ksred/positions-api/pkg/response"
	"gorm.io/gorm"
)

// Service handles balance queries, position opening and the trade journal
type Service struct {
	db           *Database
	store        CredentialStore
	gateways     GatewayFactory
	orchestrator *Orchestrator
	opts         Options
}

// NewService creates a new trading service with the given database connection
func NewService(gormDB *gorm.DB, store CredentialStore, gateways GatewayFactory, opts Options) *Service {
	opts.setDefaults()
	db := NewDatabase(gormDB)
	return &Service{
		db:           db,
		store:        store,
		gateways:     gateways,
		orchestrator: NewOrchestrator(store, db, gateways, opts),
		opts:         opts,
	}
}

// GetDB returns the journal database for background processing
func (s *Service) GetDB() *Database {
	return s.db
}

// OpenPosition runs one trade attempt through the orchestrator
func (s *Service) OpenPosition(ctx context.Context, req Request) (*Summary, error) {
	return s.orchestrator.Open(ctx, req)
}

// FetchBalance queries the exchange balance with the supplied credentials.
// The secret is always required. When apiKey is registered the supplied
// secrets must match the stored record, whose passphrase fills in a missing one.
func (s *Service) FetchBalance(ctx context.Context, creds exchange.Credentials) (*exchange.Balance, error) {
	creds.APIKey = strings.TrimSpace(creds.APIKey)
	if creds.APIKey == "" {
		return nil, apperr.InvalidParameter("apiKey is required")
	}
	if creds.APISecret == "" {
		return nil, apperr.InvalidParameter("apiSecret is required")
	}

	record, err := s.store.FindAPIKey(ctx, creds.APIKey)
	switch {
	case err == nil:
		if err := checkSecrets(creds.APISecret, creds.Passphrase, record); err != nil {
			return nil, err
		}
		if creds.Passphrase == "" {
			creds.Passphrase = record.APIPassphrase
		}
	case !errors.Is(err, apperr.NotFound("")):
		return nil, err
	}

	gw, err := s.gateways(creds)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindGateway, "failed to build exchange client", err)
	}

	balance, err := callGateway(ctx, s.opts.GatewayTimeout, func(ctx context.Context) (*exchange.Balance, error) {
		return gw.FetchBalance(ctx)
	})
	if err != nil {
		return nil, gatewayFailure("failed to fetch balance", err)
	}
	if balance == nil {
		return nil, apperr.NotFound("Balance information not found")
	}
	return balance, nil
}

// GetTrade returns a journaled trade owned by ownerUserID
func (s *Service) GetTrade(ctx context.Context, tradeID string, ownerUserID uint) (*Trade, error) {
	storageCtx, cancel := context.WithTimeout(ctx, s.opts.StorageTimeout)
	defer cancel()

	trade, err := s.db.GetTrade(storageCtx, tradeID)
	if err != nil {
		return nil, apperr.Storage("failed to load trade", err)
	}
	if trade == nil || trade.OwnerUserID != ownerUserID {
		return nil, apperr.NotFound("Trade not found")
	}
	return trade, nil
}

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for trading endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type balanceRequest struct {
	APIKey     string `json:"apiKey" binding:"required"`
	APISecret  string `json:"apiSecret" binding:"required"`
	Passphrase string `json:"passphrase"`
}

type openPositionRequest struct {
	APIKey          string    `json:"apiKey" binding:"required"`
	APISecret       string    `json:"apiSecret"`
	Passphrase      string    `json:"passphrase"`
	Symbol          string    `json:"symbol"`
	EntryPrice      float64   `json:"entryPrice"`
	TPLevels        []float64 `json:"tpLevels"`
	TPPercents      []float64 `json:"tpPercents"`
	StopLossPercent float64   `json:"stopLossPercent"`
	Side            string    `json:"side"`
}

type openPositionResponse struct {
	Message string `json:"message"`
	*Summary
}

// GetBalanceHandler handles POST /get-balance/
func (h *GinHandlers) GetBalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req balanceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body: "+err.Error())
			return
		}

		balance, err := h.service.FetchBalance(c.Request.Context(), exchange.Credentials{
			APIKey:     req.APIKey,
			APISecret:  req.APISecret,
			Passphrase: req.Passphrase,
		})
		response.Handle(c, balance, err)
	}
}

// OpenPositionHandler handles POST /open_position/
// An optional Idempotency-Key header makes retries return the first result
func (h *GinHandlers) OpenPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var body openPositionRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, "Invalid request body: "+err.Error())
			return
		}

		req := Request{
			APIKey:             body.APIKey,
			APISecret:          body.APISecret,
			Passphrase:         body.Passphrase,
			Symbol:             body.Symbol,
			EntryPrice:         body.EntryPrice,
			TakeProfitLevels:   body.TPLevels,
			TakeProfitPercents: body.TPPercents,
			StopLossPercent:    body.StopLossPercent,
			Side:               body.Side,
			IdempotencyKey:     strings.TrimSpace(c.GetHeader("Idempotency-Key")),
		}
		if err := req.Validate(); err != nil {
			response.Fail(c, err)
			return
		}

		summary, err := h.service.OpenPosition(c.Request.Context(), req)
		if err != nil {
			tradeID := ""
			if summary != nil {
				tradeID = summary.TradeID
			}
			response.FailTrade(c, err, tradeID)
			return
		}

		response.Success(c, openPositionResponse{Message: outcomeMessage(summary), Summary: summary})
	}
}

// GetTradeHandler handles GET /trades/:trade_id for the authenticated owner
func (h *GinHandlers) GetTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetUint("userID")
		if userID == 0 {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}

		tradeID := c.Param("trade_id")
		if tradeID == "" {
			response.BadRequest(c, "Trade ID is required")
			return
		}

		trade, err := h.service.GetTrade(c.Request.Context(), tradeID, userID)
		response.Handle(c, trade, err)
	}
}

func outcomeMessage(s *Summary) string {
	switch {
	case s.Outcome == OutcomeMaxPositions:
		return "Max active positions reached."
	case s.AnyLegFailed:
		return "Position opened, but some exit orders failed."
	default:
		return "Position opened successfully."
	}
}
