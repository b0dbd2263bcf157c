package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Init opens the database at path, migrates it and seeds defaults.
func Init(path string) error {
	dbDir := filepath.Dir(path)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}

	return migrate(DB)
}

// OpenInMemory returns a migrated and seeded in-memory database. The pool is
// pinned to one connection so every query sees the same database.
func OpenInMemory() (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	if err := seedTiers(db); err != nil {
		return fmt.Errorf("seed tiers: %w", err)
	}
	return nil
}

// Default tiers. IDs are stable so users can reference them before seeding.
var defaultTiers = []Tier{
	{ID: 1, Name: "free", MaxAccounts: 1, MaxResources: 5},
	{ID: 2, Name: "premium", MaxAccounts: 5, MaxResources: 32},
	{ID: 3, Name: "ultra", MaxAccounts: 20, MaxResources: 32},
}

func seedTiers(db *gorm.DB) error {
	for _, t := range defaultTiers {
		var count int64
		db.Model(&Tier{}).Where("id = ?", t.ID).Count(&count)
		if count > 0 {
			continue
		}
		tier := t
		if err := db.Create(&tier).Error; err != nil {
			return fmt.Errorf("seed tier %s: %w", t.Name, err)
		}
	}
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// IsNotFound reports whether err is gorm's record-not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// User helpers

func GetUserByUsername(username string) (*User, error) {
	var u User
	if err := DB.Preload("Tier").Where("username = ?", username).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByID(id uint) (*User, error) {
	var u User
	if err := DB.Preload("Tier").First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func CreateUser(user *User) error {
	return DB.Create(user).Error
}

// DeleteUser removes the user row. Accounts must be torn down by the caller
// first so live sessions are stopped.
func DeleteUser(id uint) error {
	return DB.Delete(&User{}, id).Error
}

func UpdateUserPassword(id uint, hash string) error {
	return DB.Model(&User{}).Where("id = ?", id).Update("password_hash", hash).Error
}

func SetUserBanned(id uint, banned bool) error {
	return DB.Model(&User{}).Where("id = ?", id).Update("banned", banned).Error
}

func SetUserTier(id, tierID uint) error {
	var count int64
	DB.Model(&Tier{}).Where("id = ?", tierID).Count(&count)
	if count == 0 {
		return fmt.Errorf("tier %d: %w", tierID, gorm.ErrRecordNotFound)
	}
	return DB.Model(&User{}).Where("id = ?", id).Update("tier_id", tierID).Error
}

func ListUsers() ([]User, error) {
	var users []User
	if err := DB.Preload("Tier").Order("id").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func ListTiers() ([]Tier, error) {
	var tiers []Tier
	if err := DB.Order("id").Find(&tiers).Error; err != nil {
		return nil, err
	}
	return tiers, nil
}

func UserCount() (int64, error) {
	var count int64
	err := DB.Model(&User{}).Count(&count).Error
	return count, err
}

func GetFirstAdmin() (*User, error) {
	var u User
	if err := DB.Preload("Tier").Where("role = ?", "admin").Order("id").First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}
