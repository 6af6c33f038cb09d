package trading

import (
	"fmt"
	"math"

	"github.com/ksred/positions-api/internal/apperr"
)

// ComputeSize returns the order size risking riskPercent of balance when the
// stop sits stopLossPercent away from entry, scaled by leverage:
//
//	(balance * riskPercent / 100 / stopLossPercent) * leverage
func ComputeSize(balance, riskPercent, stopLossPercent, leverage float64) (float64, error) {
	for _, v := range []float64{balance, riskPercent, stopLossPercent, leverage} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, apperr.InvalidParameter("sizing inputs must be finite numbers")
		}
	}

	switch {
	case stopLossPercent <= 0:
		return 0, apperr.InvalidParameter(fmt.Sprintf("stop loss percent must be positive, got %v", stopLossPercent))
	case balance <= 0:
		return 0, apperr.InvalidParameter(fmt.Sprintf("available balance must be positive, got %v", balance))
	case riskPercent <= 0 || riskPercent > 100:
		return 0, apperr.InvalidParameter(fmt.Sprintf("risk percent must be in (0, 100], got %v", riskPercent))
	case leverage < 1:
		return 0, apperr.InvalidParameter(fmt.Sprintf("leverage must be at least 1, got %v", leverage))
	}

	size := (balance * riskPercent / 100 / stopLossPercent) * leverage
	if math.IsNaN(size) || math.IsInf(size, 0) || size <= 0 {
		return 0, apperr.InvalidParameter(fmt.Sprintf("computed position size is not a positive finite number: %v", size))
	}
	return size, nil
}
