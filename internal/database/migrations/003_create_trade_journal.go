package migrations

import (
	"github.com/ksred/positions-api/internal/trading"
	"gorm.io/gorm"
)

// CreateTradeJournal creates the trade journal and idempotency tables
func CreateTradeJournal(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&trading.Trade{},
		&trading.TradeLeg{},
		&trading.IdempotencyRecord{},
	); err != nil {
		return err
	}

	indexes := []string{
		// Journal lookups by credential
		`CREATE INDEX IF NOT EXISTS idx_trades_api_key 
		 ON trades(api_key_id)`,

		// Leg listing in placement order
		`CREATE INDEX IF NOT EXISTS idx_trade_legs_trade_seq 
		 ON trade_legs(trade_id, seq)`,

		// Housekeeping sweeps by expiry
		`CREATE INDEX IF NOT EXISTS idx_idempotency_records_expires_at 
		 ON idempotency_records(expires_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
