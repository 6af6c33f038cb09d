package migrations

import (
	"github.com/ksred/positions-api/internal/credentials"
	"gorm.io/gorm"
)

// CreateAPIKeys creates the api_keys table. api_key carries a unique index
// (declared on the model) since it is used as the credential lookup key.
func CreateAPIKeys(db *gorm.DB) error {
	if err := db.AutoMigrate(&credentials.APIKey{}); err != nil {
		return err
	}

	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_api_keys_owner 
		ON api_keys(owner_user_id)`).Error
}
