package keypool

import "time"

// ProviderKey is one upstream API credential with a daily quota.
// used_today <= daily_limit holds for any key handed out by Acquire; a release
// racing an acquire can transiently undercount, which is tolerated.
type ProviderKey struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement"`
	Provider      string `gorm:"type:varchar(32);index;not null"`
	Secret        string `gorm:"type:varchar(256);not null" json:"-"`
	DailyLimit    int    `gorm:"not null"`
	UsedToday     int    `gorm:"not null"`
	LastResetDate string `gorm:"type:varchar(10);not null"` // YYYY-MM-DD
	IsActive      bool   `gorm:"not null;default:true"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (ProviderKey) TableName() string { return "provider_keys" }
