package trading

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/positions-api/internal/apperr"
	"github.com/ksred/positions-api/internal/credentials"
	"github.com/ksred/positions-api/internal/exchange"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Request is one open-position instruction
type Request struct {
	APIKey             string
	APISecret          string // optional, must match the stored secret when set
	Passphrase         string // optional, must match the stored passphrase when set
	Symbol             string
	EntryPrice         float64
	TakeProfitLevels   []float64
	TakeProfitPercents []float64
	StopLossPercent    float64
	Side               string // LONG or SHORT
	IdempotencyKey     string
}

// Summary reports what the orchestrator did for one request
type Summary struct {
	TradeID            string     `json:"tradeId"`
	Outcome            string     `json:"outcome"`
	Symbol             string     `json:"symbol"`
	Side               string     `json:"side"`
	Size               float64    `json:"size"`
	OpenPositions      int        `json:"openPositions"`
	EntryOrderID       string     `json:"entryOrderId,omitempty"`
	TakeProfitOrderIDs []string   `json:"takeProfitOrderIds"`
	StopLossOrderID    string     `json:"stopLossOrderId,omitempty"`
	AnyLegFailed       bool       `json:"anyLegFailed"`
	Legs               []TradeLeg `json:"legs"`
	Replayed           bool       `json:"replayed,omitempty"`

	failure *apperr.Error
}

// CredentialStore resolves API keys to their stored records
type CredentialStore interface {
	FindAPIKey(ctx context.Context, apiKey string) (*credentials.APIKey, error)
}

// Journal persists trade attempts and answers idempotent replays
type Journal interface {
	FindReplay(ctx context.Context, key string, now time.Time) (*IdempotencyRecord, error)
	GetTrade(ctx context.Context, tradeID string) (*Trade, error)
	RecordTrade(ctx context.Context, trade *Trade, record *IdempotencyRecord) error
}

// GatewayFactory builds a gateway bound to one exchange account
type GatewayFactory func(creds exchange.Credentials) (exchange.Gateway, error)

// Options bounds every blocking step of the orchestrator
type Options struct {
	GatewayTimeout time.Duration
	StorageTimeout time.Duration
	LockTimeout    time.Duration
	IdempotencyTTL time.Duration
}

func (o *Options) setDefaults() {
	if o.GatewayTimeout <= 0 {
		o.GatewayTimeout = 10 * time.Second
	}
	if o.StorageTimeout <= 0 {
		o.StorageTimeout = 5 * time.Second
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = 15 * time.Second
	}
	if o.IdempotencyTTL <= 0 {
		o.IdempotencyTTL = 24 * time.Hour
	}
}

// Orchestrator opens positions: cap check, sizing, entry, then exit legs.
// Requests for the same API key run one at a time.
type Orchestrator struct {
	store    CredentialStore
	journal  Journal
	gateways GatewayFactory
	locks    *keyLocks
	opts     Options
	now      func() time.Time
	newID    func() string
}

func NewOrchestrator(store CredentialStore, journal Journal, gateways GatewayFactory, opts Options) *Orchestrator {
	opts.setDefaults()
	return &Orchestrator{
		store:    store,
		journal:  journal,
		gateways: gateways,
		locks:    newKeyLocks(),
		opts:     opts,
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// Open runs one trade attempt. A full position cap is not an error: the
// summary carries OutcomeMaxPositions. Failures of exit legs are reported in
// the summary and never undo the entry.
func (o *Orchestrator) Open(ctx context.Context, req Request) (*Summary, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	lockCtx, cancel := context.WithTimeout(ctx, o.opts.LockTimeout)
	release, err := o.locks.Acquire(lockCtx, req.APIKey)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.KindTimeout, "request ended while waiting for the API key lock", err)
		}
		return nil, apperr.Wrap(apperr.KindTimeout, "another trade on this API key is still in progress", err)
	}
	defer release()

	record, err := o.store.FindAPIKey(ctx, req.APIKey)
	if err != nil {
		return nil, err
	}
	if err := checkSecrets(req.APISecret, req.Passphrase, record); err != nil {
		return nil, err
	}

	scopedKey, requestHash := "", ""
	if req.IdempotencyKey != "" {
		scopedKey = fmt.Sprintf("%d:%s", record.ID, req.IdempotencyKey)
		requestHash = req.fingerprint()
		if summary, err := o.replay(ctx, scopedKey, requestHash); summary != nil || err != nil {
			return summary, err
		}
	}

	gw, err := o.gateways(exchange.Credentials{
		APIKey:     record.APIKey,
		APISecret:  record.APISecret,
		Passphrase: record.APIPassphrase,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindGateway, "failed to build exchange client", err)
	}

	trade := &Trade{
		TradeID:         o.newID(),
		APIKeyID:        record.ID,
		OwnerUserID:     record.OwnerUserID,
		Exchange:        gw.Name(),
		Symbol:          req.Symbol,
		Side:            req.Side,
		EntryPrice:      req.EntryPrice,
		StopLossPercent: req.StopLossPercent,
	}

	logger := log.With().
		Str("trade_id", trade.TradeID).
		Str("exchange", gw.Name()).
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Logger()

	summary := o.run(ctx, gw, record, req, trade, logger)
	o.record(ctx, trade, scopedKey, requestHash, logger)

	if summary.failure != nil {
		return summary, summary.failure
	}
	return summary, nil
}

// run walks the trade through its states and fills trade as it goes
func (o *Orchestrator) run(ctx context.Context, gw exchange.Gateway, record *credentials.APIKey, req Request, trade *Trade, logger zerolog.Logger) *Summary {
	// CHECKING_CAP
	positions, err := callGateway(ctx, o.opts.GatewayTimeout, func(ctx context.Context) ([]exchange.Position, error) {
		return gw.FetchOpenPositions(ctx)
	})
	if err != nil {
		return o.fail(trade, gatewayFailure("failed to fetch open positions", err), logger)
	}
	trade.OpenPositions = len(positions)

	if len(positions) >= record.MaxOpenPositions {
		trade.Outcome = OutcomeMaxPositions
		logger.Info().
			Int("open_positions", len(positions)).
			Int("max_positions", record.MaxOpenPositions).
			Msg("position cap reached, nothing placed")
		return summarize(trade)
	}

	// SIZING
	balance, err := callGateway(ctx, o.opts.GatewayTimeout, func(ctx context.Context) (*exchange.Balance, error) {
		return gw.FetchBalance(ctx)
	})
	if err != nil {
		return o.fail(trade, gatewayFailure("failed to fetch balance", err), logger)
	}
	available := 0.0
	if balance != nil {
		available = balance.Available
	}

	size, err := ComputeSize(available, record.RiskPercent, req.StopLossPercent, float64(record.Leverage))
	if err != nil {
		return o.fail(trade, err, logger)
	}
	trade.Size = size

	// PLACING_ENTRY
	entrySide := exchange.SideBuy
	if req.Side == SideShort {
		entrySide = exchange.SideSell
	}
	exitSide := entrySide.Opposite()

	entry := o.place(ctx, gw, trade, exchange.OrderSpec{
		Symbol: req.Symbol,
		Side:   entrySide,
		Kind:   exchange.LegEntry,
		Size:   size,
		Price:  req.EntryPrice,
	}, logger)
	if entry.Status != LegPlaced {
		return o.fail(trade, apperr.New(apperr.Kind(entry.ErrorKind), entry.ErrorMessage), logger)
	}
	trade.EntryOrderID = entry.OrderID

	// PLACING_EXITS. The entry is live, so exits must not be abandoned when
	// the caller goes away.
	exitCtx := context.WithoutCancel(ctx)

	for i, level := range req.TakeProfitLevels {
		legSize := percentOf(size, req.TakeProfitPercents[i])
		spec := exchange.OrderSpec{
			Symbol:        req.Symbol,
			Side:          exitSide,
			Kind:          exchange.LegTakeProfit,
			Size:          legSize,
			Price:         level,
			ParentOrderID: entry.OrderID,
		}
		if legSize <= 0 {
			o.skip(trade, spec)
			continue
		}
		o.place(exitCtx, gw, trade, spec, logger)
	}

	o.place(exitCtx, gw, trade, exchange.OrderSpec{
		Symbol:        req.Symbol,
		Side:          exitSide,
		Kind:          exchange.LegStopLoss,
		Size:          size,
		Price:         stopLossTrigger(req.EntryPrice, req.StopLossPercent, req.Side),
		ParentOrderID: entry.OrderID,
	}, logger)

	// DONE
	trade.Outcome = OutcomeOpened
	for _, leg := range trade.Legs {
		if leg.Status == LegFailed {
			trade.AnyLegFailed = true
		}
		if leg.Kind == string(exchange.LegStopLoss) && leg.Status == LegPlaced {
			trade.StopLossOrderID = leg.OrderID
		}
	}

	event := logger.Info()
	if trade.AnyLegFailed {
		event = logger.Warn()
	}
	event.
		Float64("size", size).
		Str("entry_order_id", trade.EntryOrderID).
		Bool("any_leg_failed", trade.AnyLegFailed).
		Msg("position opened")

	return summarize(trade)
}

// place sends one order under its own timeout and appends the leg result
func (o *Orchestrator) place(ctx context.Context, gw exchange.Gateway, trade *Trade, spec exchange.OrderSpec, logger zerolog.Logger) TradeLeg {
	seq := len(trade.Legs)
	spec.ClientOrderID = fmt.Sprintf("%s-%d", trade.TradeID, seq)

	leg := TradeLeg{
		TradeID:       trade.TradeID,
		Seq:           seq,
		Kind:          string(spec.Kind),
		Side:          string(spec.Side),
		Size:          spec.Size,
		Price:         spec.Price,
		ParentOrderID: spec.ParentOrderID,
	}

	handle, err := callGateway(ctx, o.opts.GatewayTimeout, func(ctx context.Context) (*exchange.OrderHandle, error) {
		return gw.PlaceOrder(ctx, spec)
	})
	if err != nil {
		failure := gatewayFailure(fmt.Sprintf("failed to place %s order", spec.Kind), err)
		leg.Status = LegFailed
		leg.ErrorKind = string(failure.Kind)
		leg.ErrorMessage = failure.Message
		logger.Warn().Err(err).Int("seq", seq).Str("kind", leg.Kind).Msg("order leg failed")
	} else {
		leg.Status = LegPlaced
		leg.OrderID = handle.OrderID
	}

	trade.Legs = append(trade.Legs, leg)
	return leg
}

func (o *Orchestrator) skip(trade *Trade, spec exchange.OrderSpec) {
	trade.Legs = append(trade.Legs, TradeLeg{
		TradeID:       trade.TradeID,
		Seq:           len(trade.Legs),
		Kind:          string(spec.Kind),
		Side:          string(spec.Side),
		Price:         spec.Price,
		ParentOrderID: spec.ParentOrderID,
		Status:        LegSkipped,
	})
}

func (o *Orchestrator) fail(trade *Trade, err error, logger zerolog.Logger) *Summary {
	var failure *apperr.Error
	if !errors.As(err, &failure) {
		failure = apperr.Wrap(apperr.KindGateway, err.Error(), err)
	}

	trade.Outcome = OutcomeFailed
	trade.FailureKind = string(failure.Kind)
	trade.FailureMessage = failure.Message
	logger.Warn().Err(err).Str("kind", trade.FailureKind).Msg("trade failed")

	summary := summarize(trade)
	summary.failure = failure
	return summary
}

// record journals the attempt. Journal errors are logged and never change
// the outcome reported to the caller.
func (o *Orchestrator) record(ctx context.Context, trade *Trade, scopedKey, requestHash string, logger zerolog.Logger) {
	trade.CreatedAt = o.now()

	var idem *IdempotencyRecord
	if scopedKey != "" {
		idem = &IdempotencyRecord{
			IdempotencyKey: scopedKey,
			ResourceID:     trade.TradeID,
			ResourceType:   "trade",
			RequestHash:    requestHash,
			ExpiresAt:      trade.CreatedAt.Add(o.opts.IdempotencyTTL),
		}
	}

	journalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.StorageTimeout)
	defer cancel()

	if err := o.journal.RecordTrade(journalCtx, trade, idem); err != nil {
		logger.Error().Err(err).Msg("failed to journal trade")
	}
}

// replay answers a reused idempotency key with the journaled summary. A key
// first used for a different request is a Conflict.
func (o *Orchestrator) replay(ctx context.Context, scopedKey, requestHash string) (*Summary, error) {
	storageCtx, cancel := context.WithTimeout(ctx, o.opts.StorageTimeout)
	defer cancel()

	record, err := o.journal.FindReplay(storageCtx, scopedKey, o.now())
	if err != nil {
		return nil, apperr.Storage("failed to look up idempotency key", err)
	}
	if record == nil {
		return nil, nil
	}
	if record.RequestHash != "" && record.RequestHash != requestHash {
		return nil, apperr.Conflict("Idempotency-Key was already used for a different request")
	}

	trade, err := o.journal.GetTrade(storageCtx, record.ResourceID)
	if err != nil {
		return nil, apperr.Storage("failed to load replayed trade", err)
	}
	if trade == nil {
		return nil, nil
	}

	log.Info().Str("trade_id", trade.TradeID).Msg("idempotent replay")

	summary := summarize(trade)
	summary.Replayed = true
	if trade.Outcome == OutcomeFailed {
		return summary, apperr.New(apperr.Kind(trade.FailureKind), trade.FailureMessage)
	}
	return summary, nil
}

// checkSecrets compares supplied secrets with the stored record. Empty values
// are not compared.
func checkSecrets(secret, passphrase string, record *credentials.APIKey) error {
	if secret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(record.APISecret)) != 1 {
		return apperr.InvalidCredential("API secret does not match the stored key")
	}
	if passphrase != "" && subtle.ConstantTimeCompare([]byte(passphrase), []byte(record.APIPassphrase)) != 1 {
		return apperr.InvalidCredential("passphrase does not match the stored key")
	}
	return nil
}

func callGateway[T any](ctx context.Context, timeout time.Duration, call func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return call(callCtx)
}

// gatewayFailure classifies a gateway error, keeping deadline expiry apart
// from rejections and transport failures
func gatewayFailure(message string, err error) *apperr.Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(apperr.KindTimeout, message+": timed out", err)
	}

	var ee *exchange.Error
	if errors.As(err, &ee) {
		reason := "exchange rejected the request"
		if ee.Network {
			reason = "exchange unreachable"
		}
		return apperr.Wrap(apperr.KindGateway, fmt.Sprintf("%s: %s: %s", message, reason, ee.Error()), err)
	}
	return apperr.Wrap(apperr.KindGateway, message, err)
}

func percentOf(size, percent float64) float64 {
	return decimal.NewFromFloat(size).
		Mul(decimal.NewFromFloat(percent)).
		Div(decimal.NewFromInt(100)).
		InexactFloat64()
}

// stopLossTrigger is stopLossPercent below entry for longs and above for shorts
func stopLossTrigger(entry, stopLossPercent float64, side string) float64 {
	offset := decimal.NewFromFloat(entry).Mul(decimal.NewFromFloat(stopLossPercent)).Div(decimal.NewFromInt(100))
	if side == SideShort {
		return decimal.NewFromFloat(entry).Add(offset).InexactFloat64()
	}
	return decimal.NewFromFloat(entry).Sub(offset).InexactFloat64()
}

func summarize(trade *Trade) *Summary {
	summary := &Summary{
		TradeID:            trade.TradeID,
		Outcome:            trade.Outcome,
		Symbol:             trade.Symbol,
		Side:               trade.Side,
		Size:               trade.Size,
		OpenPositions:      trade.OpenPositions,
		EntryOrderID:       trade.EntryOrderID,
		TakeProfitOrderIDs: []string{},
		StopLossOrderID:    trade.StopLossOrderID,
		AnyLegFailed:       trade.AnyLegFailed,
		Legs:               trade.Legs,
	}
	if summary.Legs == nil {
		summary.Legs = []TradeLeg{}
	}
	for _, leg := range trade.Legs {
		if leg.Kind == string(exchange.LegTakeProfit) && leg.Status == LegPlaced {
			summary.TakeProfitOrderIDs = append(summary.TakeProfitOrderIDs, leg.OrderID)
		}
	}
	return summary
}
