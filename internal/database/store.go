package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Store is the persistence layer used by the session core and the account
// service. All usage writes are additive so they are safe to retry.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for package-level helpers and tests.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) GetAccount(ctx context.Context, id uint) (*Account, error) {
	var a Account
	if err := s.db.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// GetOwnedAccount looks an account up by handle, scoped to its owner.
func (s *Store) GetOwnedAccount(ctx context.Context, ownerID uint, handle string) (*Account, error) {
	var a Account
	if err := s.db.WithContext(ctx).Where("owner_id = ? AND handle = ?", ownerID, handle).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) HandleExists(ctx context.Context, handle string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Account{}).Where("handle = ?", handle).Count(&count).Error
	return count > 0, err
}

func (s *Store) ListAccounts(ctx context.Context, ownerID uint) ([]Account, error) {
	var accounts []Account
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("id").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

func (s *Store) ListAllAccounts(ctx context.Context) ([]Account, error) {
	var accounts []Account
	if err := s.db.WithContext(ctx).Order("id").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// ListRunning returns every account whose persisted running flag is set.
func (s *Store) ListRunning(ctx context.Context) ([]Account, error) {
	var accounts []Account
	if err := s.db.WithContext(ctx).Where("running = ?", true).Order("id").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

func (s *Store) CountAccounts(ctx context.Context, ownerID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Account{}).Where("owner_id = ?", ownerID).Count(&count).Error
	return count, err
}

// OwnerTier returns the tier of the user owning accounts.
func (s *Store) OwnerTier(ctx context.Context, ownerID uint) (*Tier, error) {
	var u User
	if err := s.db.WithContext(ctx).Preload("Tier").First(&u, ownerID).Error; err != nil {
		return nil, err
	}
	return &u.Tier, nil
}

func (s *Store) CreateAccount(ctx context.Context, a *Account) error {
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("create account %s: %w", a.Handle, err)
	}
	return nil
}

// DeleteAccount removes the account and its per-resource rows. Global
// resource aggregates are kept.
func (s *Store) DeleteAccount(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("account_id = ?", id).Delete(&AccountResource{}).Error; err != nil {
			return fmt.Errorf("delete account resources: %w", err)
		}
		res := tx.Delete(&Account{}, id)
		if res.Error != nil {
			return fmt.Errorf("delete account %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("delete account %d: %w", id, gorm.ErrRecordNotFound)
		}
		return nil
	})
}

func (s *Store) SetRunning(ctx context.Context, id uint, running bool) error {
	return s.updateColumn(ctx, id, "running", running)
}

// SetToken stores an encrypted session token. An empty token clears it.
func (s *Store) SetToken(ctx context.Context, id uint, ciphertext string, expiresAt *time.Time) error {
	if ciphertext == "" {
		expiresAt = nil
	}
	res := s.db.WithContext(ctx).Model(&Account{}).Where("id = ?", id).Updates(map[string]interface{}{
		"refresh_token":    ciphertext,
		"token_expires_at": expiresAt,
	})
	if res.Error != nil {
		return fmt.Errorf("set token for account %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("set token for account %d: %w", id, gorm.ErrRecordNotFound)
	}
	return nil
}

func (s *Store) SetIdentity(ctx context.Context, id uint, identity string) error {
	return s.updateColumn(ctx, id, "identity", identity)
}

func (s *Store) SetPresence(ctx context.Context, id uint, online bool) error {
	return s.updateColumn(ctx, id, "online", online)
}

func (s *Store) SetSharedSecret(ctx context.Context, id uint, ciphertext string) error {
	return s.updateColumn(ctx, id, "shared_secret", ciphertext)
}

// SetResources replaces the ordered resource list and makes sure a global
// aggregate row exists for every id.
func (s *Store) SetResources(ctx context.Context, id uint, appIDs []uint32) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Account{}).Where("id = ?", id).Update("resources", EncodeResourceIDs(appIDs))
		if res.Error != nil {
			return fmt.Errorf("set resources for account %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("set resources for account %d: %w", id, gorm.ErrRecordNotFound)
		}
		for _, appID := range appIDs {
			if _, err := ensureResource(tx, appID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) updateColumn(ctx context.Context, id uint, column string, value interface{}) error {
	res := s.db.WithContext(ctx).Model(&Account{}).Where("id = ?", id).Update(column, value)
	if res.Error != nil {
		return fmt.Errorf("update %s for account %d: %w", column, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update %s for account %d: %w", column, id, gorm.ErrRecordNotFound)
	}
	return nil
}

// AddUsage atomically increments the account total, the global aggregate of
// every listed resource, and the account's per-resource aggregate.
func (s *Store) AddUsage(ctx context.Context, id uint, hours float64, appIDs []uint32) error {
	if hours <= 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Account{}).Where("id = ?", id).
			UpdateColumn("total_hours", gorm.Expr("total_hours + ?", hours))
		if res.Error != nil {
			return fmt.Errorf("increment account %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("increment account %d: %w", id, gorm.ErrRecordNotFound)
		}

		for _, appID := range appIDs {
			r, err := ensureResource(tx, appID)
			if err != nil {
				return err
			}
			if err := tx.Model(&Resource{}).Where("id = ?", r.ID).
				Updates(map[string]interface{}{
					"total_hours": gorm.Expr("total_hours + ?", hours),
					"updated_at":  time.Now(),
				}).Error; err != nil {
				return fmt.Errorf("increment resource %d: %w", appID, err)
			}

			link := AccountResource{AccountID: id, ResourceID: r.ID}
			if err := tx.Where(&link).FirstOrCreate(&link).Error; err != nil {
				return fmt.Errorf("link resource %d: %w", appID, err)
			}
			if err := tx.Model(&AccountResource{}).
				Where("account_id = ? AND resource_id = ?", id, r.ID).
				UpdateColumn("hours", gorm.Expr("hours + ?", hours)).Error; err != nil {
				return fmt.Errorf("increment account resource %d: %w", appID, err)
			}
		}
		return nil
	})
}

func ensureResource(tx *gorm.DB, appID uint32) (*Resource, error) {
	r := Resource{AppID: appID}
	if err := tx.Where("app_id = ?", appID).
		Attrs(Resource{Name: fmt.Sprintf("App %d", appID)}).
		FirstOrCreate(&r).Error; err != nil {
		return nil, fmt.Errorf("ensure resource %d: %w", appID, err)
	}
	return &r, nil
}

// SetResourceName records a display name resolved from the metadata cache.
func (s *Store) SetResourceName(ctx context.Context, appID uint32, name string) error {
	return s.db.WithContext(ctx).Model(&Resource{}).Where("app_id = ?", appID).Update("name", name).Error
}

// ResourceUsage is one row of a per-account usage breakdown.
type ResourceUsage struct {
	AppID uint32  `json:"app_id"`
	Name  string  `json:"name"`
	Hours float64 `json:"hours"`
}

// TopResources returns an account's resources ordered by accumulated hours.
func (s *Store) TopResources(ctx context.Context, accountID uint, limit int) ([]ResourceUsage, error) {
	var rows []ResourceUsage
	err := s.db.WithContext(ctx).Table("account_resources").
		Select("resources.app_id AS app_id, resources.name AS name, account_resources.hours AS hours").
		Joins("JOIN resources ON resources.id = account_resources.resource_id").
		Where("account_resources.account_id = ?", accountID).
		Order("account_resources.hours DESC").
		Limit(limit).
		Scan(&rows).Error
	return rows, err
}

// Leaderboard returns the most used resources across all accounts.
func (s *Store) Leaderboard(ctx context.Context, limit int) ([]Resource, error) {
	var rows []Resource
	err := s.db.WithContext(ctx).Where("total_hours > 0").Order("total_hours DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// Stats summarizes the installation for the dashboard.
type Stats struct {
	Users       int64   `json:"users"`
	Accounts    int64   `json:"accounts"`
	Running     int64   `json:"running"`
	GlobalHours float64 `json:"global_hours"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	db := s.db.WithContext(ctx)
	if err := db.Model(&User{}).Count(&st.Users).Error; err != nil {
		return st, err
	}
	if err := db.Model(&Account{}).Count(&st.Accounts).Error; err != nil {
		return st, err
	}
	if err := db.Model(&Account{}).Where("running = ?", true).Count(&st.Running).Error; err != nil {
		return st, err
	}
	var sum struct{ Total float64 }
	if err := db.Model(&Account{}).Select("COALESCE(SUM(total_hours), 0) AS total").Scan(&sum).Error; err != nil {
		return st, err
	}
	st.GlobalHours = sum.Total
	return st, nil
}

func (s *Store) GetSetting(key string) (string, error) {
	var st Setting
	if err := s.db.Where("key = ?", key).First(&st).Error; err != nil {
		return "", err
	}
	return st.Value, nil
}

func (s *Store) SetSetting(key, value string) error {
	return s.db.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}
