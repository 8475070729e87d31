package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// DatabaseUserDirectory persists users using GORM. Lookups filter the
// lifecycle column explicitly; there is no implicit soft-delete behavior.
type DatabaseUserDirectory struct {
	db *gorm.DB
}

type userDirectoryRecord struct {
	ID            string `gorm:"column:id;primaryKey"`
	EnterpriseID  string `gorm:"column:enterprise_id;index;not null"`
	Email         string `gorm:"column:email;uniqueIndex;not null"`
	Role          string `gorm:"column:role;not null"`
	PasswordHash  string `gorm:"column:password_hash;not null"`
	Status        string `gorm:"column:status;not null"`
	CreatedAtUnix int64  `gorm:"column:created_at_unix;not null"`
}

func (userDirectoryRecord) TableName() string {
	return "users"
}

// NewDatabaseUserDirectory constructs a directory over an open GORM handle
// and ensures its schema.
func NewDatabaseUserDirectory(ctx context.Context, gormDB *gorm.DB) (*DatabaseUserDirectory, error) {
	if gormDB == nil {
		return nil, errors.New("directory.open: database handle is required")
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&userDirectoryRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("directory.migrate: %w", migrateErr)
	}
	return &DatabaseUserDirectory{db: gormDB}, nil
}

// FindByEmail returns the active entry for the email or ErrUserNotFound.
func (directory *DatabaseUserDirectory) FindByEmail(ctx context.Context, email string) (UserRecord, error) {
	var record userDirectoryRecord
	err := directory.db.WithContext(ctx).
		Where("email = ? AND status = ?", normalizeEmail(email), string(UserStatusActive)).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return UserRecord{}, ErrUserNotFound
		}
		return UserRecord{}, fmt.Errorf("directory.find_email: %w", err)
	}
	return directoryRecordToUser(record), nil
}

// FindByID returns the active entry for the user id or ErrUserNotFound.
func (directory *DatabaseUserDirectory) FindByID(ctx context.Context, userID string) (UserRecord, error) {
	var record userDirectoryRecord
	err := directory.db.WithContext(ctx).
		Where("id = ? AND status = ?", userID, string(UserStatusActive)).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return UserRecord{}, ErrUserNotFound
		}
		return UserRecord{}, fmt.Errorf("directory.find_id: %w", err)
	}
	return directoryRecordToUser(record), nil
}

// Insert adds a new entry, failing with ErrDuplicateEmail on an email collision.
func (directory *DatabaseUserDirectory) Insert(ctx context.Context, record UserRecord) (UserRecord, error) {
	row := userDirectoryRecord{
		ID:            record.ID,
		EnterpriseID:  record.EnterpriseID,
		Email:         normalizeEmail(record.Email),
		Role:          record.Role,
		PasswordHash:  record.PasswordHash,
		Status:        string(record.Status),
		CreatedAtUnix: record.CreatedAt.Unix(),
	}
	if err := directory.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
			return UserRecord{}, ErrDuplicateEmail
		}
		return UserRecord{}, fmt.Errorf("directory.insert: %w", err)
	}
	return directoryRecordToUser(row), nil
}

// UpdatePasswordHash replaces the stored hash for an active user.
func (directory *DatabaseUserDirectory) UpdatePasswordHash(ctx context.Context, userID string, passwordHash string) error {
	result := directory.db.WithContext(ctx).Model(&userDirectoryRecord{}).
		Where("id = ? AND status = ?", userID, string(UserStatusActive)).
		Update("password_hash", passwordHash)
	if result.Error != nil {
		return fmt.Errorf("directory.update_hash: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Deactivate soft-deletes the entry. The row stays; lookups stop returning it.
func (directory *DatabaseUserDirectory) Deactivate(ctx context.Context, userID string) error {
	result := directory.db.WithContext(ctx).Model(&userDirectoryRecord{}).
		Where("id = ?", userID).
		Update("status", string(UserStatusDeactivated))
	if result.Error != nil {
		return fmt.Errorf("directory.deactivate: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

func directoryRecordToUser(record userDirectoryRecord) UserRecord {
	return UserRecord{
		ID:           record.ID,
		EnterpriseID: record.EnterpriseID,
		Email:        record.Email,
		Role:         record.Role,
		PasswordHash: record.PasswordHash,
		Status:       UserStatus(record.Status),
		CreatedAt:    time.Unix(record.CreatedAtUnix, 0).UTC(),
	}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique") || strings.Contains(message, "duplicate")
}
