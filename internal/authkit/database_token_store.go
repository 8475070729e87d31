package authkit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("token_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("token_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("token_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("token_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("token_store.unsupported_no_scheme")
)

// DatabaseTokenStore persists revocable tokens using GORM.
type DatabaseTokenStore struct {
	db          *gorm.DB
	driverLabel string
	clock       Clock
}

// Driver exposes the selected database driver label.
func (store *DatabaseTokenStore) Driver() string {
	return store.driverLabel
}

// DB exposes the underlying handle so sibling stores can share one connection.
func (store *DatabaseTokenStore) DB() *gorm.DB {
	return store.db
}

type storedTokenRecord struct {
	TokenHash    string `gorm:"column:token_hash;primaryKey"`
	UserID       string `gorm:"column:user_id;index:idx_stored_tokens_owner_kind,priority:1;not null"`
	EnterpriseID string `gorm:"column:enterprise_id;not null"`
	Kind         string `gorm:"column:kind;index:idx_stored_tokens_owner_kind,priority:2;not null"`
	IssuedAtUnix int64  `gorm:"column:issued_at_unix;not null"`
	ExpiresUnix  int64  `gorm:"column:expires_unix;index;not null"`
}

func (storedTokenRecord) TableName() string {
	return "stored_tokens"
}

// OpenDatabase opens a silent GORM handle for a database URL
// (postgres:// or sqlite://) and reports the selected driver.
func OpenDatabase(databaseURL string) (*gorm.DB, string, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, "", fmt.Errorf("token_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, "", err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, "", fmt.Errorf("token_store.open.%s: %w", driverLabel, openErr)
	}
	return gormDB, driverLabel, nil
}

// NewDatabaseTokenStore constructs a GORM-backed store from a database URL.
func NewDatabaseTokenStore(ctx context.Context, databaseURL string, clock Clock) (*DatabaseTokenStore, error) {
	gormDB, driverLabel, openErr := OpenDatabase(databaseURL)
	if openErr != nil {
		return nil, openErr
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&storedTokenRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("token_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &DatabaseTokenStore{
		db:          gormDB,
		driverLabel: driverLabel,
		clock:       clock,
	}, nil
}

// Put upserts a record inside one transaction so a kind mismatch is detected
// atomically with the write.
func (store *DatabaseTokenStore) Put(ctx context.Context, token StoredToken) error {
	hashValue := hashTokenValue(token.Value)
	record := storedTokenRecord{
		TokenHash:    hashValue,
		UserID:       token.UserID,
		EnterpriseID: token.EnterpriseID,
		Kind:         string(token.Kind),
		IssuedAtUnix: token.IssuedAt.Unix(),
		ExpiresUnix:  token.ExpiresAt.Unix(),
	}
	txErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing storedTokenRecord
		findErr := tx.Where("token_hash = ?", hashValue).Take(&existing).Error
		switch {
		case findErr == nil:
			if existing.Kind != record.Kind {
				return ErrTokenKindConflict
			}
			return tx.Model(&storedTokenRecord{}).Where("token_hash = ?", hashValue).Updates(map[string]any{
				"user_id":        record.UserID,
				"enterprise_id":  record.EnterpriseID,
				"issued_at_unix": record.IssuedAtUnix,
				"expires_unix":   record.ExpiresUnix,
			}).Error
		case errors.Is(findErr, gorm.ErrRecordNotFound):
			return tx.Create(&record).Error
		default:
			return findErr
		}
	})
	if txErr != nil {
		if errors.Is(txErr, ErrTokenKindConflict) {
			return ErrTokenKindConflict
		}
		return fmt.Errorf("token_store.put.%s: %w", store.driverLabel, txErr)
	}
	return nil
}

// GetByValue returns a live record. Expired rows report ErrTokenNotFound.
func (store *DatabaseTokenStore) GetByValue(ctx context.Context, value string, kind TokenKind) (StoredToken, error) {
	var record storedTokenRecord
	err := store.db.WithContext(ctx).
		Where("token_hash = ? AND kind = ? AND expires_unix >= ?", hashTokenValue(value), string(kind), store.clock.Now().Unix()).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return StoredToken{}, ErrTokenNotFound
		}
		return StoredToken{}, fmt.Errorf("token_store.get.%s: %w", store.driverLabel, err)
	}
	return recordToStoredToken(value, record), nil
}

// ConsumeByValue deletes a live row and returns it. The delete carries the
// expiry predicate, so a row that expired between calls cannot be consumed.
func (store *DatabaseTokenStore) ConsumeByValue(ctx context.Context, value string, kind TokenKind) (StoredToken, error) {
	hashValue := hashTokenValue(value)
	nowUnix := store.clock.Now().Unix()
	var consumed StoredToken
	txErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record storedTokenRecord
		findErr := tx.Where("token_hash = ? AND kind = ? AND expires_unix >= ?", hashValue, string(kind), nowUnix).Take(&record).Error
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			return ErrTokenNotFound
		}
		if findErr != nil {
			return findErr
		}
		result := tx.Where("token_hash = ? AND kind = ? AND expires_unix >= ?", hashValue, string(kind), nowUnix).Delete(&storedTokenRecord{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrTokenNotFound
		}
		consumed = recordToStoredToken(value, record)
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, ErrTokenNotFound) {
			return StoredToken{}, ErrTokenNotFound
		}
		return StoredToken{}, fmt.Errorf("token_store.consume.%s: %w", store.driverLabel, txErr)
	}
	return consumed, nil
}

// DeleteByValue removes a record. Absent records are not an error.
func (store *DatabaseTokenStore) DeleteByValue(ctx context.Context, value string) error {
	err := store.db.WithContext(ctx).
		Where("token_hash = ?", hashTokenValue(value)).
		Delete(&storedTokenRecord{}).Error
	if err != nil {
		return fmt.Errorf("token_store.delete.%s: %w", store.driverLabel, err)
	}
	return nil
}

// DeleteAllForOwner removes every record for the user, optionally restricted to kinds.
func (store *DatabaseTokenStore) DeleteAllForOwner(ctx context.Context, userID string, kinds ...TokenKind) error {
	query := store.db.WithContext(ctx).Where("user_id = ?", userID)
	if len(kinds) > 0 {
		kindValues := make([]string, 0, len(kinds))
		for _, kind := range kinds {
			kindValues = append(kindValues, string(kind))
		}
		query = query.Where("kind IN ?", kindValues)
	}
	if err := query.Delete(&storedTokenRecord{}).Error; err != nil {
		return fmt.Errorf("token_store.delete_owner.%s: %w", store.driverLabel, err)
	}
	return nil
}

// SweepExpired deletes rows whose expiry precedes now, by expiry comparison only.
func (store *DatabaseTokenStore) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	result := store.db.WithContext(ctx).
		Where("expires_unix < ?", now.Unix()).
		Delete(&storedTokenRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("token_store.sweep.%s: %w", store.driverLabel, result.Error)
	}
	return result.RowsAffected, nil
}

func recordToStoredToken(value string, record storedTokenRecord) StoredToken {
	return StoredToken{
		Value:        value,
		UserID:       record.UserID,
		EnterpriseID: record.EnterpriseID,
		Kind:         TokenKind(record.Kind),
		IssuedAt:     time.Unix(record.IssuedAtUnix, 0).UTC(),
		ExpiresAt:    time.Unix(record.ExpiresUnix, 0).UTC(),
	}
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("token_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("token_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("token_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("token_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
