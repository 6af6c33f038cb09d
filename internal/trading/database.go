package trading

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// RecordTrade writes the trade, its legs and the optional idempotency record
// in one transaction. An expired record holding the same key is replaced.
func (d *Database) RecordTrade(ctx context.Context, trade *Trade, record *IdempotencyRecord) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(trade).Error; err != nil {
			return err
		}

		if record == nil {
			return nil
		}

		if err := tx.Unscoped().
			Where("idempotency_key = ? AND expires_at <= ?", record.IdempotencyKey, time.Now()).
			Delete(&IdempotencyRecord{}).Error; err != nil {
			return err
		}

		return tx.Create(record).Error
	})
}

// GetTrade loads a trade with its legs in placement order
func (d *Database) GetTrade(ctx context.Context, tradeID string) (*Trade, error) {
	var trade Trade
	err := d.db.WithContext(ctx).
		Preload("Legs", func(db *gorm.DB) *gorm.DB { return db.Order("seq") }).
		Where("trade_id = ?", tradeID).
		First(&trade).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trade, nil
}

// GetIdempotencyRecord retrieves an idempotency record by key
func (d *Database) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// FindReplay returns the idempotency record for key, or nil when it is
// missing or expired at now
func (d *Database) FindReplay(ctx context.Context, key string, now time.Time) (*IdempotencyRecord, error) {
	record, err := d.GetIdempotencyRecord(ctx, key)
	if err != nil || record == nil || !record.ExpiresAt.After(now) {
		return nil, err
	}
	return record, nil
}

// PurgeExpiredIdempotency hard deletes records that expired before now
func (d *Database) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	result := d.db.WithContext(ctx).Unscoped().
		Where("expires_at < ?", now).
		Delete(&IdempotencyRecord{})
	return result.RowsAffected, result.Error
}
