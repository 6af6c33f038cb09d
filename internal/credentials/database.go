package credentials

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateAccount(ctx context.Context, account *Account) error {
	return d.db.WithContext(ctx).Create(account).Error
}

func (d *Database) GetAccountByID(ctx context.Context, id uint) (*Account, error) {
	var account Account
	if err := d.db.WithContext(ctx).First(&account, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (d *Database) GetAccountByUsername(ctx context.Context, username string) (*Account, error) {
	var account Account
	if err := d.db.WithContext(ctx).Where("username = ?", username).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (d *Database) ListAccountsByStatus(ctx context.Context, status string) ([]Account, error) {
	var accounts []Account
	err := d.db.WithContext(ctx).Where("status = ?", status).Order("id").Find(&accounts).Error
	return accounts, err
}

func (d *Database) SetAccountStatus(ctx context.Context, id uint, status string) error {
	return d.db.WithContext(ctx).Model(&Account{}).Where("id = ?", id).Update("status", status).Error
}

func (d *Database) CreateAPIKey(ctx context.Context, key *APIKey) error {
	return d.db.WithContext(ctx).Create(key).Error
}

func (d *Database) GetAPIKeyByKey(ctx context.Context, apiKey string) (*APIKey, error) {
	var key APIKey
	if err := d.db.WithContext(ctx).Where("api_key = ?", apiKey).First(&key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &key, nil
}

func (d *Database) ListAPIKeysByOwner(ctx context.Context, ownerID uint) ([]APIKey, error) {
	var keys []APIKey
	err := d.db.WithContext(ctx).Where("owner_user_id = ?", ownerID).Order("id").Find(&keys).Error
	return keys, err
}

// isUniqueViolation reports whether err comes from a UNIQUE constraint
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
