package migrations

import (
	"github.com/ksred/positions-api/internal/credentials"
	"gorm.io/gorm"
)

// CreateAccounts creates the accounts table. The unique index on username is
// what makes registration atomic; the service never checks before inserting.
func CreateAccounts(db *gorm.DB) error {
	if err := db.AutoMigrate(&credentials.Account{}); err != nil {
		return err
	}

	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_accounts_status 
		ON accounts(status)`).Error
}
