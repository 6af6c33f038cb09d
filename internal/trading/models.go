package trading

import (
	"time"

	"gorm.io/gorm"
)

const (
	OutcomeOpened       = "opened"
	OutcomeMaxPositions = "max_positions"
	OutcomeFailed       = "failed"

	LegPlaced  = "placed"
	LegFailed  = "failed"
	LegSkipped = "skipped" // zero-size take-profit, never sent

	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Trade is the journal entry of one open-position attempt, written for every
// outcome including no-ops and failures
type Trade struct {
	ID              uint       `gorm:"primaryKey" json:"-"`
	TradeID         string     `gorm:"uniqueIndex;not null" json:"tradeId"`
	APIKeyID        uint       `gorm:"column:api_key_id;not null" json:"-"`
	OwnerUserID     uint       `gorm:"column:owner_user_id" json:"-"`
	Exchange        string     `json:"exchange"`
	Symbol          string     `json:"symbol"`
	Side            string     `json:"side"` // LONG or SHORT
	EntryPrice      float64    `json:"entryPrice"`
	StopLossPercent float64    `json:"stopLossPercent"`
	Size            float64    `json:"size"`
	OpenPositions   int        `json:"openPositions"`
	Outcome         string     `json:"outcome"`
	FailureKind     string     `json:"failureKind,omitempty"`
	FailureMessage  string     `json:"failureMessage,omitempty"`
	EntryOrderID    string     `json:"entryOrderId,omitempty"`
	StopLossOrderID string     `json:"stopLossOrderId,omitempty"`
	AnyLegFailed    bool       `json:"anyLegFailed"`
	Legs            []TradeLeg `gorm:"foreignKey:TradeID;references:TradeID" json:"legs"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// TradeLeg is one order of a trade: the entry, a take-profit or the stop-loss
type TradeLeg struct {
	ID            uint    `gorm:"primaryKey" json:"-"`
	TradeID       string  `gorm:"column:trade_id;not null" json:"-"`
	Seq           int     `gorm:"column:seq" json:"seq"`
	Kind          string  `json:"kind"`
	Side          string  `json:"side"` // BUY or SELL
	Size          float64 `json:"size"`
	Price         float64 `json:"price"`
	ParentOrderID string  `json:"parentOrderId,omitempty"`
	OrderID       string  `json:"orderId,omitempty"`
	Status        string  `json:"status"`
	ErrorKind     string  `json:"errorKind,omitempty"`
	ErrorMessage  string  `json:"error,omitempty"`
}

// IdempotencyRecord binds a client key to the trade it produced and to the
// fingerprint of the request that used it first
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	RequestHash    string    `gorm:"column:request_hash" json:"request_hash"`
	ExpiresAt      time.Time `gorm:"column:expires_at" json:"expires_at"`
}
