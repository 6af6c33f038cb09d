package trading

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/ksred/positions-api/internal/apperr"
)

// Validate normalizes and checks an open-position request before any remote
// call is made. Side is upper-cased in place.
func (r *Request) Validate() error {
	r.APIKey = strings.TrimSpace(r.APIKey)
	r.Symbol = strings.TrimSpace(r.Symbol)
	r.Side = strings.ToUpper(strings.TrimSpace(r.Side))

	if r.APIKey == "" {
		return apperr.InvalidParameter("apiKey is required")
	}
	if r.Symbol == "" {
		return apperr.InvalidParameter("symbol is required")
	}
	if !positiveFinite(r.EntryPrice) {
		return apperr.InvalidParameter(fmt.Sprintf("entryPrice must be positive, got %v", r.EntryPrice))
	}
	if r.Side != SideLong && r.Side != SideShort {
		return apperr.InvalidParameter(fmt.Sprintf("side must be LONG or SHORT, got %q", r.Side))
	}
	if len(r.TakeProfitLevels) != len(r.TakeProfitPercents) {
		return apperr.InvalidParameter(fmt.Sprintf(
			"tpLevels and tpPercents must have the same length, got %d and %d",
			len(r.TakeProfitLevels), len(r.TakeProfitPercents)))
	}

	var total float64
	for i, level := range r.TakeProfitLevels {
		if !positiveFinite(level) {
			return apperr.InvalidParameter(fmt.Sprintf("tpLevels[%d] must be positive, got %v", i, level))
		}
		pct := r.TakeProfitPercents[i]
		if math.IsNaN(pct) || pct < 0 || pct > 100 {
			return apperr.InvalidParameter(fmt.Sprintf("tpPercents[%d] must be between 0 and 100, got %v", i, pct))
		}
		total += pct
	}
	if total > 100+1e-9 {
		return apperr.InvalidParameter(fmt.Sprintf("tpPercents must sum to at most 100, got %v", total))
	}

	if math.IsNaN(r.StopLossPercent) || r.StopLossPercent <= 0 || r.StopLossPercent >= 100 {
		return apperr.InvalidParameter(fmt.Sprintf("stopLossPercent must be between 0 and 100 exclusive, got %v", r.StopLossPercent))
	}

	return nil
}

// fingerprint identifies what a validated request asks for. Credentials and
// the idempotency key itself are left out.
func (r *Request) fingerprint() string {
	raw, _ := json.Marshal(struct {
		Symbol     string    `json:"symbol"`
		Side       string    `json:"side"`
		EntryPrice float64   `json:"entryPrice"`
		TPLevels   []float64 `json:"tpLevels"`
		TPPercents []float64 `json:"tpPercents"`
		StopLoss   float64   `json:"stopLossPercent"`
	}{
		Symbol:     strings.ToUpper(r.Symbol),
		Side:       r.Side,
		EntryPrice: r.EntryPrice,
		TPLevels:   r.TakeProfitLevels,
		TPPercents: r.TakeProfitPercents,
		StopLoss:   r.StopLossPercent,
	})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
