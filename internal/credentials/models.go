package credentials

import "time"

const (
	StatusInactive = "inactive"
	StatusActive   = "active"
)

// Account is a registered user. Only a bcrypt hash of the password is stored.
type Account struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	UID          string    `gorm:"column:uid;not null" json:"uid"`
	Status       string    `gorm:"not null;default:inactive" json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Account) TableName() string { return "accounts" }

// APIKey is an exchange credential owned by one account together with its
// risk settings. Secret and passphrase are AES-GCM encrypted at rest; records
// returned by Service.FindAPIKey carry them decrypted.
type APIKey struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	OwnerUserID       uint      `gorm:"column:owner_user_id;not null" json:"user_id"`
	APIKey            string    `gorm:"column:api_key;uniqueIndex;not null" json:"api_key"`
	APISecret         string    `gorm:"column:api_secret;not null" json:"-"`
	APIPassphrase     string    `gorm:"column:api_passphrase" json:"-"`
	RiskPercent       float64   `gorm:"column:risk_percent" json:"risk"`
	MaxOpenPositions  int       `gorm:"column:max_open_positions" json:"pos_count"`
	AllocationPercent float64   `gorm:"column:allocation_percent" json:"percent"`
	Leverage          int       `gorm:"column:leverage" json:"leverage"`
	CreatedAt         time.Time `json:"created_at"`
}

func (APIKey) TableName() string { return "api_keys" }

// Redacted returns the key with all but the last four characters masked
func (k *APIKey) Redacted() string {
	if len(k.APIKey) <= 4 {
		return "****"
	}
	return "****" + k.APIKey[len(k.APIKey)-4:]
}
