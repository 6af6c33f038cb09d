package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Side of an order on the exchange
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side that closes a position opened with s
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// LegKind tells the gateway how to route an order
type LegKind string

const (
	LegEntry      LegKind = "entry"
	LegTakeProfit LegKind = "take_profit"
	LegStopLoss   LegKind = "stop_loss"
)

// Credentials authenticate against one exchange account
type Credentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// Balance is the futures account balance in the margin coin
type Balance struct {
	Exchange  string          `json:"exchange"`
	Currency  string          `json:"currency"`
	Available float64         `json:"available"`
	Equity    float64         `json:"equity"`
	Raw       json.RawMessage `json:"accounts,omitempty"`
}

// Position is an open position reported by the exchange
type Position struct {
	Symbol     string  `json:"symbol"`
	HoldSide   string  `json:"holdSide"`
	Size       float64 `json:"size"`
	EntryPrice float64 `json:"entryPrice"`
}

// OrderSpec describes one order. Entry orders are limit orders at Price;
// take-profit and stop-loss legs trigger at Price and close part or all of
// the position opened by ParentOrderID.
type OrderSpec struct {
	Symbol        string
	Side          Side
	Kind          LegKind
	Size          float64
	Price         float64
	ParentOrderID string
	ClientOrderID string
}

// OrderHandle references an order owned by the exchange
type OrderHandle struct {
	OrderID       string `json:"orderId"`
	ClientOrderID string `json:"clientOid,omitempty"`
}

// Gateway is the capability set the orchestrator needs from an exchange.
// Implementations must honour ctx cancellation on every call.
type Gateway interface {
	Name() string
	FetchBalance(ctx context.Context) (*Balance, error)
	FetchOpenPositions(ctx context.Context) ([]Position, error)
	PlaceOrder(ctx context.Context, spec OrderSpec) (*OrderHandle, error)
}

// Error is a failed gateway call. Network reports a transport failure or an
// unreachable exchange; otherwise the exchange answered and rejected the call.
type Error struct {
	Exchange string
	Op       string
	Code     string
	Message  string
	Network  bool
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Exchange)
	b.WriteString(" ")
	b.WriteString(e.Op)
	b.WriteString(": ")
	if e.Code != "" {
		b.WriteString(e.Code)
		b.WriteString(" ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error so errors.Is works with context errors
func (e *Error) Unwrap() error {
	return e.Err
}

// IsNetwork reports whether err is a transport level gateway failure
func IsNetwork(err error) bool {
	var ee *Error
	return errors.As(err, &ee) && ee.Network
}

// IsRejected reports whether the exchange answered and refused the call
func IsRejected(err error) bool {
	var ee *Error
	return errors.As(err, &ee) && !ee.Network
}
