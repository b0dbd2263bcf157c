package database

import (
	"strconv"
	"strings"
	"time"
)

type Tier struct {
	ID           uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name         string `gorm:"uniqueIndex;not null" json:"name"`
	MaxAccounts  int    `gorm:"not null" json:"max_accounts"`
	MaxResources int    `gorm:"not null" json:"max_resources"`
}

type User struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null;size:64" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	Role         string    `gorm:"not null;default:user" json:"role"`
	TierID       uint      `gorm:"not null;default:1" json:"tier_id"`
	Banned       bool      `gorm:"not null;default:false" json:"banned"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Tier Tier `gorm:"foreignKey:TierID" json:"tier"`
}

// Account is a platform identity boosted on behalf of an owner.
// Password, SharedSecret and RefreshToken hold fernet ciphertext.
type Account struct {
	ID             uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	Handle         string     `gorm:"uniqueIndex;not null;size:128" json:"handle"`
	Password       string     `gorm:"not null" json:"-"`
	SharedSecret   string     `gorm:"not null;default:''" json:"-"`
	RefreshToken   string     `gorm:"not null;default:''" json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	Online         bool       `gorm:"not null;default:true" json:"online"`
	Resources      string     `gorm:"not null;default:''" json:"-"` // comma-separated app ids, in declaration order
	OwnerID        uint       `gorm:"not null;index" json:"owner_id"`
	Running        bool       `gorm:"not null;default:false;index" json:"running"`
	TotalHours     float64    `gorm:"not null;default:0" json:"total_hours"`
	Identity       string     `gorm:"not null;default:''" json:"identity"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ResourceIDs decodes the Resources column.
func (a *Account) ResourceIDs() []uint32 {
	if a.Resources == "" {
		return nil
	}
	parts := strings.Split(a.Resources, ",")
	ids := make([]uint32, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil || n == 0 {
			continue
		}
		ids = append(ids, uint32(n))
	}
	return ids
}

// EncodeResourceIDs is the inverse of Account.ResourceIDs.
func EncodeResourceIDs(ids []uint32) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	return strings.Join(parts, ",")
}

// HasSharedSecret reports whether a second-factor seed is stored.
func (a *Account) HasSharedSecret() bool {
	return a.SharedSecret != ""
}

// Resource is the global usage aggregate for one app id.
type Resource struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	AppID      uint32    `gorm:"uniqueIndex;not null" json:"app_id"`
	Name       string    `gorm:"not null" json:"name"`
	TotalHours float64   `gorm:"not null;default:0" json:"total_hours"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// AccountResource is the per-account usage aggregate for one app id.
type AccountResource struct {
	AccountID  uint    `gorm:"primaryKey" json:"account_id"`
	ResourceID uint    `gorm:"primaryKey" json:"resource_id"`
	Hours      float64 `gorm:"not null;default:0" json:"hours"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func allModels() []interface{} {
	return []interface{}{&Tier{}, &User{}, &Account{}, &Resource{}, &AccountResource{}, &Setting{}}
}
