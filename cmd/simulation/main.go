package main

import (
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// The simulation drives a running server started with EXCHANGE=paper
const (
	numWorkers        = 5
	requestsPerWorker = 8
	maxOpenPositions  = 10
	defaultServer     = "http://localhost:8000"
)

var (
	symbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT", "DOGEUSDT"}
	sides   = []string{"LONG", "SHORT"}
	prices  = map[string]float64{
		"BTCUSDT":  60000,
		"ETHUSDT":  3000,
		"SOLUSDT":  150,
		"XRPUSDT":  0.6,
		"DOGEUSDT": 0.15,
	}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// apiError is the error body every endpoint returns
type apiError struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// openResult is the subset of the open_position response the simulation reads
type openResult struct {
	Message      string `json:"message"`
	TradeID      string `json:"tradeId"`
	Outcome      string `json:"outcome"`
	AnyLegFailed bool   `json:"anyLegFailed"`
	Replayed     bool   `json:"replayed"`
}

// simulationClient handles HTTP communication with the positions API
type simulationClient struct {
	rest      *resty.Client
	authToken string
	apiKey    string
	apiSecret string

	mu    sync.Mutex
	stats map[string]*routeStats
}

func newSimulationClient(baseURL string) *simulationClient {
	return &simulationClient{
		rest: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(30 * time.Second).
			SetHeader("Content-Type", "application/json"),
		stats: map[string]*routeStats{
			"register": {name: "Register"},
			"inactive": {name: "List Inactive"},
			"activate": {name: "Activate"},
			"login":    {name: "Login"},
			"addKey":   {name: "Add API Key"},
			"balance":  {name: "Get Balance"},
			"open":     {name: "Open Position"},
			"trade":    {name: "Get Trade"},
			"keys":     {name: "List API Keys"},
		},
	}
}

// call executes req and records its latency under route. Any non-200
// response counts as a failure and is returned as an error.
func (sc *simulationClient) call(route string, req *resty.Request, method, path string) (*resty.Response, error) {
	start := time.Now()
	resp, err := req.Execute(method, path)

	sc.mu.Lock()
	defer sc.mu.Unlock()
	stats := sc.stats[route]
	stats.addDuration(time.Since(start))

	if err != nil {
		stats.failures++
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		stats.failures++
		var body apiError
		if e, ok := resp.Error().(*apiError); ok && e != nil {
			body = *e
		}
		return resp, fmt.Errorf("%s %s failed with status %d: %s %s", method, path, resp.StatusCode(), body.Kind, body.Detail)
	}
	return resp, nil
}

// onboard registers a fresh user, activates it, logs in and adds an API key
func (sc *simulationClient) onboard() error {
	username := "sim-" + uuid.NewString()[:8]
	password := uuid.NewString()

	_, err := sc.call("register", sc.rest.R().
		SetBody(map[string]string{"username": username, "password": password, "uid": uuid.NewString()}).
		SetError(&apiError{}), http.MethodPost, "/register")
	if err != nil {
		return err
	}

	var inactive struct {
		InactiveUsers []struct {
			ID       uint   `json:"id"`
			Username string `json:"username"`
		} `json:"inactiveUsers"`
	}
	if _, err := sc.call("inactive", sc.rest.R().SetResult(&inactive).SetError(&apiError{}), http.MethodGet, "/users/inactive"); err != nil {
		return err
	}

	var userID uint
	for _, u := range inactive.InactiveUsers {
		if u.Username == username {
			userID = u.ID
		}
	}
	if userID == 0 {
		return fmt.Errorf("registered user %s not listed as inactive", username)
	}

	if _, err := sc.call("activate", sc.rest.R().SetError(&apiError{}), http.MethodPut, fmt.Sprintf("/users/%d/activate", userID)); err != nil {
		return err
	}

	var login struct {
		Token string `json:"token"`
	}
	_, err = sc.call("login", sc.rest.R().
		SetBody(map[string]string{"username": username, "password": password}).
		SetResult(&login).
		SetError(&apiError{}), http.MethodPost, "/login")
	if err != nil {
		return err
	}
	sc.authToken = login.Token

	sc.apiKey = "sim_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	sc.apiSecret = uuid.NewString()
	_, err = sc.call("addKey", sc.rest.R().
		SetBody(map[string]interface{}{
			"userId":    userID,
			"apikey":    sc.apiKey,
			"apisecret": sc.apiSecret,
			"apiphrase": "simulation",
			"risk":      1,
			"posCount":  maxOpenPositions,
			"percent":   100,
			"leverage":  5,
		}).
		SetError(&apiError{}), http.MethodPost, "/add_api_key")
	if err != nil {
		return err
	}

	log.Info().Str("username", username).Uint("user_id", userID).Msg("Simulation user onboarded")
	return nil
}

func (sc *simulationClient) balance() (float64, error) {
	var out struct {
		Available float64 `json:"available"`
	}
	_, err := sc.call("balance", sc.rest.R().
		SetBody(map[string]string{"apiKey": sc.apiKey, "apiSecret": sc.apiSecret}).
		SetResult(&out).
		SetError(&apiError{}), http.MethodPost, "/get-balance/")
	return out.Available, err
}

// openPosition submits a random bracket order
func (sc *simulationClient) openPosition(idempotencyKey string) (*openResult, error) {
	symbol := symbols[rand.Intn(len(symbols))]
	side := sides[rand.Intn(len(sides))]
	entry := prices[symbol]

	tp := []float64{entry * 1.02, entry * 1.05}
	if side == "SHORT" {
		tp = []float64{entry * 0.98, entry * 0.95}
	}

	var out openResult
	_, err := sc.call("open", sc.rest.R().
		SetHeader("Idempotency-Key", idempotencyKey).
		SetBody(map[string]interface{}{
			"apiKey":          sc.apiKey,
			"symbol":          symbol,
			"entryPrice":      entry,
			"tpLevels":        tp,
			"tpPercents":      []float64{50, 50},
			"stopLossPercent": 2,
			"side":            side,
		}).
		SetResult(&out).
		SetError(&apiError{}), http.MethodPost, "/open_position/")
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (sc *simulationClient) getTrade(tradeID string) error {
	_, err := sc.call("trade", sc.rest.R().
		SetAuthToken(sc.authToken).
		SetError(&apiError{}), http.MethodGet, "/trades/"+tradeID)
	return err
}

func (sc *simulationClient) listKeys() (int, error) {
	var out struct {
		APIKeys []struct {
			APIKey string `json:"apiKey"`
		} `json:"apiKeys"`
	}
	_, err := sc.call("keys", sc.rest.R().
		SetAuthToken(sc.authToken).
		SetResult(&out).
		SetError(&apiError{}), http.MethodGet, "/api_keys")
	return len(out.APIKeys), err
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	names := make([]string, 0, len(sc.stats))
	for key := range sc.stats {
		names = append(names, key)
	}
	sort.Strings(names)

	for _, key := range names {
		stats := sc.stats[key]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main onboards one user and fires concurrent open_position requests at a
// single API key, then checks that the position cap held
func main() {
	baseURL := os.Getenv("SERVER_ADDRESS")
	if baseURL == "" {
		baseURL = defaultServer
	}

	simClient := newSimulationClient(baseURL)
	if err := simClient.onboard(); err != nil {
		log.Fatal().Err(err).Msg("Failed to onboard simulation user")
	}

	startBalance, err := simClient.balance()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to fetch starting balance")
	}

	stats := struct {
		sync.Mutex
		Opened       int
		Capped       int
		PartialExits int
		Failed       int
		Replayed     int
		TradeIDs     []string
		StartTime    time.Time
	}{StartTime: time.Now()}

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := 0; j < requestsPerWorker; j++ {
				key := uuid.NewString()
				result, err := simClient.openPosition(key)
				if err != nil {
					log.Error().Err(err).Int("worker_id", workerID).Msg("Open position failed")
					stats.Lock()
					stats.Failed++
					stats.Unlock()
					continue
				}

				// Every fifth request is retried to exercise idempotent replay
				if j%5 == 0 {
					if again, err := simClient.openPosition(key); err == nil && again.Replayed && again.TradeID == result.TradeID {
						stats.Lock()
						stats.Replayed++
						stats.Unlock()
					}
				}

				stats.Lock()
				switch result.Outcome {
				case "opened":
					stats.Opened++
					stats.TradeIDs = append(stats.TradeIDs, result.TradeID)
					if result.AnyLegFailed {
						stats.PartialExits++
					}
				case "max_positions":
					stats.Capped++
				}
				stats.Unlock()

				log.Info().
					Int("worker_id", workerID).
					Str("trade_id", result.TradeID).
					Str("outcome", result.Outcome).
					Msg(result.Message)

				time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	for _, tradeID := range stats.TradeIDs {
		if err := simClient.getTrade(tradeID); err != nil {
			log.Error().Err(err).Str("trade_id", tradeID).Msg("Failed to fetch trade")
		}
	}

	keys, err := simClient.listKeys()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list API keys")
	}

	endBalance, err := simClient.balance()
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch final balance")
	}

	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("POSITIONS SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Requests:          %d
Opened:            %d
Partial exits:     %d
Max positions:     %d
Failed:            %d
Replayed:          %d
API keys:          %d
Balance:           %.2f -> %.2f
Duration:          %v
`, numWorkers*requestsPerWorker, stats.Opened, stats.PartialExits, stats.Capped, stats.Failed,
		stats.Replayed, keys, startBalance, endBalance, duration.Round(time.Millisecond))

	log.Info().
		Int("opened", stats.Opened).
		Int("capped", stats.Capped).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}
