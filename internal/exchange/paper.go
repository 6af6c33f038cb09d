package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const paperName = "paper"

// PaperOptions configures the simulated venue
type PaperOptions struct {
	MinLatency      int     // in milliseconds
	MaxLatency      int     // in milliseconds
	SuccessRate     float64 // 0-1, probability an order is accepted
	FeeRate         float64 // fraction of notional charged on entry
	StartingBalance float64 // USDT credited to every new account
}

// Paper is an in-process futures venue. Accounts are keyed by API key and
// keep their positions across gateways, so the position cap can be exercised
// end to end without a real exchange.
type Paper struct {
	opts PaperOptions

	mu       sync.Mutex
	rng      *rand.Rand
	seq      int64
	accounts map[string]*paperAccount
}

type paperAccount struct {
	balance   float64
	positions map[string]*Position // by symbol + hold side
	orders    map[string]OrderSpec
	placed    []OrderSpec
}

func NewPaper(opts PaperOptions) *Paper {
	if opts.MaxLatency < opts.MinLatency {
		opts.MaxLatency = opts.MinLatency
	}
	return &Paper{
		opts:     opts,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		accounts: make(map[string]*paperAccount),
	}
}

// Gateway returns a client bound to the account of creds.APIKey
func (p *Paper) Gateway(creds Credentials) Gateway {
	return &paperGateway{venue: p, apiKey: creds.APIKey}
}

// ClosePosition removes every open position on symbol for the account
func (p *Paper) ClosePosition(apiKey, symbol string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	acct := p.account(apiKey)
	closed := 0
	for key, pos := range acct.positions {
		if pos.Symbol == symbol {
			delete(acct.positions, key)
			closed++
		}
	}
	return closed
}

// Orders returns the orders accepted for the account in placement order
func (p *Paper) Orders(apiKey string) []OrderSpec {
	p.mu.Lock()
	defer p.mu.Unlock()

	acct := p.account(apiKey)
	out := make([]OrderSpec, len(acct.placed))
	copy(out, acct.placed)
	return out
}

// account must be called with p.mu held
func (p *Paper) account(apiKey string) *paperAccount {
	acct, ok := p.accounts[apiKey]
	if !ok {
		acct = &paperAccount{
			balance:   p.opts.StartingBalance,
			positions: make(map[string]*Position),
			orders:    make(map[string]OrderSpec),
		}
		p.accounts[apiKey] = acct
	}
	return acct
}

// latency simulates the network round trip and honours ctx
func (p *Paper) latency(ctx context.Context, op string) error {
	p.mu.Lock()
	ms := p.opts.MinLatency
	if spread := p.opts.MaxLatency - p.opts.MinLatency; spread > 0 {
		ms += p.rng.Intn(spread + 1)
	}
	p.mu.Unlock()

	if ms <= 0 {
		if err := ctx.Err(); err != nil {
			return &Error{Exchange: paperName, Op: op, Message: "request aborted", Network: true, Err: err}
		}
		return nil
	}

	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return &Error{Exchange: paperName, Op: op, Message: "request aborted", Network: true, Err: ctx.Err()}
	}
}

type paperGateway struct {
	venue  *Paper
	apiKey string
}

func (g *paperGateway) Name() string {
	return paperName
}

func (g *paperGateway) FetchBalance(ctx context.Context) (*Balance, error) {
	if err := g.venue.latency(ctx, "fetch-balance"); err != nil {
		return nil, err
	}

	g.venue.mu.Lock()
	defer g.venue.mu.Unlock()

	acct := g.venue.account(g.apiKey)
	return &Balance{
		Exchange:  paperName,
		Currency:  "USDT",
		Available: acct.balance,
		Equity:    acct.balance,
	}, nil
}

func (g *paperGateway) FetchOpenPositions(ctx context.Context) ([]Position, error) {
	if err := g.venue.latency(ctx, "fetch-positions"); err != nil {
		return nil, err
	}

	g.venue.mu.Lock()
	defer g.venue.mu.Unlock()

	acct := g.venue.account(g.apiKey)
	positions := make([]Position, 0, len(acct.positions))
	for _, pos := range acct.positions {
		positions = append(positions, *pos)
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Symbol+positions[i].HoldSide < positions[j].Symbol+positions[j].HoldSide
	})
	return positions, nil
}

func (g *paperGateway) PlaceOrder(ctx context.Context, spec OrderSpec) (*OrderHandle, error) {
	logger := log.With().
		Str("exchange", paperName).
		Str("symbol", spec.Symbol).
		Str("kind", string(spec.Kind)).
		Float64("size", spec.Size).
		Float64("price", spec.Price).
		Logger()

	if err := g.venue.latency(ctx, "place-order"); err != nil {
		return nil, err
	}

	g.venue.mu.Lock()
	defer g.venue.mu.Unlock()

	if g.venue.rng.Float64() >= g.venue.opts.SuccessRate {
		logger.Warn().Float64("success_rate", g.venue.opts.SuccessRate).Msg("order rejected by simulated venue")
		return nil, &Error{Exchange: paperName, Op: "place-order", Code: "SIMULATED_REJECT", Message: "order rejected"}
	}
	if spec.Size <= 0 || spec.Price <= 0 {
		return nil, &Error{Exchange: paperName, Op: "place-order", Code: "INVALID_ORDER", Message: "size and price must be positive"}
	}

	acct := g.venue.account(g.apiKey)

	switch spec.Kind {
	case LegEntry:
		fee := spec.Size * spec.Price * g.venue.opts.FeeRate
		if fee > acct.balance {
			return nil, &Error{Exchange: paperName, Op: "place-order", Code: "INSUFFICIENT_BALANCE", Message: "insufficient balance for fee"}
		}
		acct.balance -= fee

		holdSide := "long"
		if spec.Side == SideSell {
			holdSide = "short"
		}
		key := spec.Symbol + ":" + holdSide
		pos, ok := acct.positions[key]
		if !ok {
			pos = &Position{Symbol: spec.Symbol, HoldSide: holdSide}
			acct.positions[key] = pos
		}
		pos.EntryPrice = (pos.EntryPrice*pos.Size + spec.Price*spec.Size) / (pos.Size + spec.Size)
		pos.Size += spec.Size
	case LegTakeProfit, LegStopLoss:
		parent, ok := acct.orders[spec.ParentOrderID]
		if !ok || parent.Kind != LegEntry {
			return nil, &Error{Exchange: paperName, Op: "place-tpsl-order", Code: "PARENT_NOT_FOUND", Message: "parent order not found"}
		}
		if parent.Side == spec.Side || !strings.EqualFold(parent.Symbol, spec.Symbol) {
			return nil, &Error{Exchange: paperName, Op: "place-tpsl-order", Code: "INVALID_ORDER", Message: "exit leg does not close the parent position"}
		}
	default:
		return nil, &Error{Exchange: paperName, Op: "place-order", Code: "INVALID_ORDER", Message: "unknown order kind " + string(spec.Kind)}
	}

	g.venue.seq++
	orderID := fmt.Sprintf("PAPER-%d", g.venue.seq)
	acct.orders[orderID] = spec
	acct.placed = append(acct.placed, spec)

	logger.Info().Str("order_id", orderID).Msg("order accepted by simulated venue")
	return &OrderHandle{OrderID: orderID, ClientOrderID: spec.ClientOrderID}, nil
}
