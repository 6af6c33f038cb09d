package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ksred/positions-api/internal/apperr"
	"github.com/ksred/positions-api/internal/credentials"
	"github.com/ksred/positions-api/internal/exchange"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gatewayCall struct {
	Op   string
	Spec exchange.OrderSpec
}

// scriptedGateway records every call and fails on demand
type scriptedGateway struct {
	mu        sync.Mutex
	calls     []gatewayCall
	positions []exchange.Position
	balance   *exchange.Balance
	placeErr  func(n int, spec exchange.OrderSpec) error
	block     string // op that waits for ctx to end
	orders    int
}

func (g *scriptedGateway) Name() string { return "scripted" }

func (g *scriptedGateway) record(ctx context.Context, op string, spec exchange.OrderSpec) error {
	g.mu.Lock()
	g.calls = append(g.calls, gatewayCall{Op: op, Spec: spec})
	g.mu.Unlock()

	if g.block == op {
		<-ctx.Done()
		return &exchange.Error{Exchange: "scripted", Op: op, Message: "aborted", Network: true, Err: ctx.Err()}
	}
	return nil
}

func (g *scriptedGateway) FetchBalance(ctx context.Context) (*exchange.Balance, error) {
	if err := g.record(ctx, "balance", exchange.OrderSpec{}); err != nil {
		return nil, err
	}
	return g.balance, nil
}

func (g *scriptedGateway) FetchOpenPositions(ctx context.Context) ([]exchange.Position, error) {
	if err := g.record(ctx, "positions", exchange.OrderSpec{}); err != nil {
		return nil, err
	}
	return g.positions, nil
}

func (g *scriptedGateway) PlaceOrder(ctx context.Context, spec exchange.OrderSpec) (*exchange.OrderHandle, error) {
	if err := g.record(ctx, "place", spec); err != nil {
		return nil, err
	}

	g.mu.Lock()
	n := g.orders
	g.orders++
	g.mu.Unlock()

	if g.placeErr != nil {
		if err := g.placeErr(n, spec); err != nil {
			return nil, err
		}
	}
	return &exchange.OrderHandle{OrderID: fmt.Sprintf("O%d", n)}, nil
}

func (g *scriptedGateway) ops() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.calls))
	for _, c := range g.calls {
		out = append(out, c.Op)
	}
	return out
}

func (g *scriptedGateway) placed() []exchange.OrderSpec {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []exchange.OrderSpec
	for _, c := range g.calls {
		if c.Op == "place" {
			out = append(out, c.Spec)
		}
	}
	return out
}

type memoryStore struct {
	keys map[string]credentials.APIKey
}

func (s *memoryStore) FindAPIKey(_ context.Context, apiKey string) (*credentials.APIKey, error) {
	k, ok := s.keys[apiKey]
	if !ok {
		return nil, apperr.NotFound("User API key not found")
	}
	return &k, nil
}

type memoryJournal struct {
	mu      sync.Mutex
	trades  []*Trade
	replays map[string]*IdempotencyRecord
	failErr error
}

func newMemoryJournal() *memoryJournal {
	return &memoryJournal{replays: make(map[string]*IdempotencyRecord)}
}

func (j *memoryJournal) FindReplay(_ context.Context, key string, now time.Time) (*IdempotencyRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec, ok := j.replays[key]
	if !ok || !rec.ExpiresAt.After(now) {
		return nil, nil
	}
	return rec, nil
}

func (j *memoryJournal) GetTrade(_ context.Context, tradeID string) (*Trade, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, t := range j.trades {
		if t.TradeID == tradeID {
			return t, nil
		}
	}
	return nil, nil
}

func (j *memoryJournal) RecordTrade(_ context.Context, trade *Trade, record *IdempotencyRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.failErr != nil {
		return j.failErr
	}
	j.trades = append(j.trades, trade)
	if record != nil {
		j.replays[record.IdempotencyKey] = record
	}
	return nil
}

func testKey() credentials.APIKey {
	return credentials.APIKey{
		ID:               1,
		OwnerUserID:      9,
		APIKey:           "key-1",
		APISecret:        "secret-1",
		APIPassphrase:    "phrase-1",
		RiskPercent:      5,
		MaxOpenPositions: 3,
		Leverage:         10,
	}
}

func newTestOrchestrator(gw exchange.Gateway, journal *memoryJournal, opts Options) *Orchestrator {
	store := &memoryStore{keys: map[string]credentials.APIKey{"key-1": testKey()}}
	factory := func(exchange.Credentials) (exchange.Gateway, error) { return gw, nil }
	return NewOrchestrator(store, journal, factory, opts)
}

func kindOf(err error) apperr.Kind {
	kind, _ := apperr.KindOf(err)
	return kind
}

func TestOpenPlacesLegsInOrder(t *testing.T) {
	gw := &scriptedGateway{balance: &exchange.Balance{Available: 1000}}
	journal := newMemoryJournal()
	o := newTestOrchestrator(gw, journal, Options{})

	summary, err := o.Open(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, OutcomeOpened, summary.Outcome)
	assert.Equal(t, 100.0, summary.Size)
	assert.Equal(t, []string{"positions", "balance", "place", "place", "place", "place"}, gw.ops())

	placed := gw.placed()
	require.Len(t, placed, 4)

	assert.Equal(t, exchange.LegEntry, placed[0].Kind)
	assert.Equal(t, exchange.SideBuy, placed[0].Side)
	assert.Equal(t, 100.0, placed[0].Size)
	assert.Equal(t, 100.0, placed[0].Price)

	for i, level := range []float64{110, 120} {
		tp := placed[i+1]
		assert.Equal(t, exchange.LegTakeProfit, tp.Kind)
		assert.Equal(t, exchange.SideSell, tp.Side)
		assert.Equal(t, 50.0, tp.Size)
		assert.Equal(t, level, tp.Price)
		assert.Equal(t, "O0", tp.ParentOrderID)
	}

	sl := placed[3]
	assert.Equal(t, exchange.LegStopLoss, sl.Kind)
	assert.Equal(t, exchange.SideSell, sl.Side)
	assert.Equal(t, 100.0, sl.Size)
	assert.Equal(t, 95.0, sl.Price)
	assert.Equal(t, "O0", sl.ParentOrderID)

	assert.Equal(t, "O0", summary.EntryOrderID)
	assert.Equal(t, []string{"O1", "O2"}, summary.TakeProfitOrderIDs)
	assert.Equal(t, "O3", summary.StopLossOrderID)
	assert.False(t, summary.AnyLegFailed)

	require.Len(t, journal.trades, 1)
	assert.Equal(t, summary.TradeID, journal.trades[0].TradeID)
	assert.Len(t, journal.trades[0].Legs, 4)
}

func TestOpenShortMirrorsSides(t *testing.T) {
	gw := &scriptedGateway{balance: &exchange.Balance{Available: 1000}}
	o := newTestOrchestrator(gw, newMemoryJournal(), Options{})

	req := validRequest()
	req.Side = "short"
	req.TakeProfitLevels = []float64{90}
	req.TakeProfitPercents = []float64{100}

	_, err := o.Open(context.Background(), req)
	require.NoError(t, err)

	placed := gw.placed()
	require.Len(t, placed, 3)
	assert.Equal(t, exchange.SideSell, placed[0].Side)
	assert.Equal(t, exchange.SideBuy, placed[1].Side)
	assert.Equal(t, exchange.SideBuy, placed[2].Side)
	assert.Equal(t, 105.0, placed[2].Price)
}

func TestOpenAtCapIsNoOp(t *testing.T) {
	gw := &scriptedGateway{
		balance:   &exchange.Balance{Available: 1000},
		positions: []exchange.Position{{Symbol: "A"}, {Symbol: "B"}, {Symbol: "C"}},
	}
	journal := newMemoryJournal()
	o := newTestOrchestrator(gw, journal, Options{})

	summary, err := o.Open(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, OutcomeMaxPositions, summary.Outcome)
	assert.Equal(t, []string{"positions"}, gw.ops())
	assert.Empty(t, summary.Legs)
	require.Len(t, journal.trades, 1)
	assert.Equal(t, OutcomeMaxPositions, journal.trades[0].Outcome)
}

func TestOpenChildFailureKeepsEntry(t *testing.T) {
	gw := &scriptedGateway{
		balance: &exchange.Balance{Available: 1000},
		placeErr: func(n int, spec exchange.OrderSpec) error {
			if n == 2 {
				return &exchange.Error{Exchange: "scripted", Op: "place-tpsl-order", Code: "40786", Message: "trigger price invalid"}
			}
			return nil
		},
	}
	o := newTestOrchestrator(gw, newMemoryJournal(), Options{})

	summary, err := o.Open(context.Background(), validRequest())
	require.NoError(t, err)

	assert.Equal(t, OutcomeOpened, summary.Outcome)
	assert.True(t, summary.AnyLegFailed)
	assert.Equal(t, "O0", summary.EntryOrderID)
	assert.Equal(t, []string{"O1"}, summary.TakeProfitOrderIDs)
	assert.Equal(t, "O3", summary.StopLossOrderID, "stop-loss is still placed after a failed take-profit")

	require.Len(t, summary.Legs, 4)
	assert.Equal(t, LegFailed, summary.Legs[2].Status)
	assert.Equal(t, string(apperr.KindGateway), summary.Legs[2].ErrorKind)
	assert.Contains(t, summary.Legs[2].ErrorMessage, "trigger price invalid")
}

func TestOpenEntryFailureAborts(t *testing.T) {
	gw := &scriptedGateway{
		balance: &exchange.Balance{Available: 1000},
		placeErr: func(n int, spec exchange.OrderSpec) error {
			return &exchange.Error{Exchange: "scripted", Op: "place-order", Code: "40762", Message: "insufficient balance"}
		},
	}
	journal := newMemoryJournal()
	o := newTestOrchestrator(gw, journal, Options{})

	summary, err := o.Open(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, apperr.KindGateway, kindOf(err))
	assert.Len(t, gw.placed(), 1)

	require.NotNil(t, summary)
	assert.Equal(t, OutcomeFailed, summary.Outcome)
	require.Len(t, journal.trades, 1)
	assert.Equal(t, string(apperr.KindGateway), journal.trades[0].FailureKind)
}

func TestOpenSizingFailure(t *testing.T) {
	gw := &scriptedGateway{balance: nil}
	o := newTestOrchestrator(gw, newMemoryJournal(), Options{})

	_, err := o.Open(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidParameter, kindOf(err))
	assert.Empty(t, gw.placed())
}

func TestOpenGatewayTimeout(t *testing.T) {
	gw := &scriptedGateway{balance: &exchange.Balance{Available: 1000}, block: "balance"}
	o := newTestOrchestrator(gw, newMemoryJournal(), Options{GatewayTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := o.Open(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, apperr.KindTimeout, kindOf(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, gw.placed())
}

func TestOpenLockTimeout(t *testing.T) {
	gw := &scriptedGateway{balance: &exchange.Balance{Available: 1000}}
	o := newTestOrchestrator(gw, newMemoryJournal(), Options{LockTimeout: 20 * time.Millisecond})

	release, err := o.locks.Acquire(context.Background(), "key-1")
	require.NoError(t, err)
	defer release()

	_, err = o.Open(context.Background(), validRequest())
	require.Error(t, err)
	assert.Equal(t, apperr.KindTimeout, kindOf(err))
	assert.Empty(t, gw.ops())
}

func TestOpenRejectsBeforeRemoteCalls(t *testing.T) {
	gw := &scriptedGateway{balance: &exchange.Balance{Available: 1000}}
	o := newTestOrchestrator(gw, newMemoryJournal(), Options{})

	req := validRequest()
	req.TakeProfitPercents = []float64{100}
	_, err := o.Open(context.Background(), req)
	assert.Equal(t, apperr.KindInvalidParameter, kindOf(err))

	req = validRequest()
	req.APISecret = "not-the-secret"
	_, err = o.Open(context.Background(), req)
	assert.Equal(t, apperr.KindInvalidCredential, kindOf(err))

	req = validRequest()
	req.APIKey = "unknown"
	_, err = o.Open(context.Background(), req)
	assert.Equal(t, apperr.KindNotFound, kindOf(err))

	assert.Empty(t, gw.ops())
}

func TestOpenMatchingSecretsAccepted(t *testing.T) {
	gw := &scriptedGateway{balance: &exchange.Balance{Available: 1000}}
	o := newTestOrchestrator(gw, newMemoryJournal(), Options{})

	req := validRequest()
	req.APISecret = "secret-1"
	req.Passphrase = "phrase-1"
	_, err := o.Open(context.Background(), req)
	assert.NoError(t, err)
}

func TestOpenIdempotentReplay(t *testing.T) {
	gw := &scriptedGateway{balance: &exchange.Balance{Available: 1000}}
	o := newTestOrchestrator(gw, newMemoryJournal(), Options{})

	req := validRequest()
	req.IdempotencyKey = "retry-1"

	first, err := o.Open(context.Background(), req)
	require.NoError(t, err)
	calls := len(gw.ops())

	second, err := o.Open(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.TradeID, second.TradeID)
	assert.Equal(t, first.EntryOrderID, second.EntryOrderID)
	assert.Len(t, gw.ops(), calls, "replay makes no gateway calls")
}

func TestOpenReusedKeyWithDifferentRequestConflicts(t *testing.T) {
	gw := &scriptedGateway{balance: &exchange.Balance{Available: 1000}}
	o := newTestOrchestrator(gw, newMemoryJournal(), Options{})

	req := validRequest()
	req.IdempotencyKey = "retry-1"
	_, err := o.Open(context.Background(), req)
	require.NoError(t, err)
	calls := len(gw.ops())

	tests := []struct {
		name   string
		mutate func(r *Request)
	}{
		{"other symbol", func(r *Request) { r.Symbol = "ETHUSDT" }},
		{"other side", func(r *Request) { r.Side = "short" }},
		{"other entry", func(r *Request) { r.EntryPrice = 101 }},
		{"other take-profits", func(r *Request) { r.TakeProfitPercents = []float64{70, 30} }},
		{"other stop", func(r *Request) { r.StopLossPercent = 4 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := validRequest()
			other.IdempotencyKey = "retry-1"
			tt.mutate(&other)

			summary, err := o.Open(context.Background(), other)
			require.Error(t, err)
			assert.Nil(t, summary)
			assert.Equal(t, apperr.KindConflict, kindOf(err))
		})
	}

	assert.Len(t, gw.ops(), calls, "a conflicting key places nothing")

	same := validRequest()
	same.IdempotencyKey = "retry-1"
	same.Symbol = " btcusdt "
	summary, err := o.Open(context.Background(), same)
	require.NoError(t, err)
	assert.True(t, summary.Replayed)
}

func TestOpenJournalFailureDoesNotChangeOutcome(t *testing.T) {
	gw := &scriptedGateway{balance: &exchange.Balance{Available: 1000}}
	journal := newMemoryJournal()
	journal.failErr = errors.New("database is locked")
	o := newTestOrchestrator(gw, journal, Options{})

	summary, err := o.Open(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, OutcomeOpened, summary.Outcome)
}

func TestOpenConcurrentRequestsRespectCap(t *testing.T) {
	venue := exchange.NewPaper(exchange.PaperOptions{
		MinLatency:      2,
		MaxLatency:      8,
		SuccessRate:     1,
		StartingBalance: 1000,
	})
	store := &memoryStore{keys: map[string]credentials.APIKey{}}
	key := testKey()
	key.MaxOpenPositions = 1
	store.keys[key.APIKey] = key

	factory := func(creds exchange.Credentials) (exchange.Gateway, error) { return venue.Gateway(creds), nil }
	o := NewOrchestrator(store, newMemoryJournal(), factory, Options{})

	symbols := []string{"BTCUSDT", "ETHUSDT"}
	summaries := make([]*Summary, len(symbols))
	errs := make([]error, len(symbols))

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, symbol := range symbols {
		wg.Add(1)
		go func(i int, symbol string) {
			defer wg.Done()
			<-start
			req := validRequest()
			req.Symbol = symbol
			summaries[i], errs[i] = o.Open(context.Background(), req)
		}(i, symbol)
	}
	close(start)
	wg.Wait()

	outcomes := map[string]int{}
	for i := range symbols {
		require.NoError(t, errs[i])
		outcomes[summaries[i].Outcome]++
	}
	assert.Equal(t, 1, outcomes[OutcomeOpened])
	assert.Equal(t, 1, outcomes[OutcomeMaxPositions])

	entries := 0
	for _, spec := range venue.Orders("key-1") {
		if spec.Kind == exchange.LegEntry {
			entries++
		}
	}
	assert.Equal(t, 1, entries)
}
