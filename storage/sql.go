package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const defaultSQLRetries = 8

// kvRow is one key in the versioned key-value table. Every write bumps Version
// and is conditioned on the version that was read, so two instances sharing a
// database cannot silently lose each other's updates.
type kvRow struct {
	Key       string     `gorm:"column:kv_key;primaryKey;size:191"`
	Value     []byte     `gorm:"column:value;not null"`
	Version   uint64     `gorm:"column:version;not null"`
	ExpiresAt *time.Time `gorm:"column:expires_at;index"`
	UpdatedAt time.Time  `gorm:"column:updated_at"`
}

func (kvRow) TableName() string { return "claim_kv" }

// SQLConfig selects the SQL driver and connection string.
type SQLConfig struct {
	Driver     string
	DSN        string
	MaxRetries int
}

// SQLDB implements Database on top of gorm with optimistic version checks.
type SQLDB struct {
	db         *gorm.DB
	maxRetries int
	nowFn      func() time.Time
}

// NewSQLDB opens the configured database and migrates the key-value table.
func NewSQLDB(cfg SQLConfig) (*SQLDB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("sql dsn required")
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open sql store: %w", err)
	}
	if err := db.AutoMigrate(&kvRow{}); err != nil {
		return nil, fmt.Errorf("migrate sql store: %w", err)
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultSQLRetries
	}
	return &SQLDB{db: db, maxRetries: maxRetries, nowFn: time.Now}, nil
}

// WithClock overrides the clock used for TTL expiry.
func (s *SQLDB) WithClock(now func() time.Time) *SQLDB {
	if now != nil {
		s.nowFn = now
	}
	return s
}

func (s *SQLDB) expired(row kvRow) bool {
	return row.ExpiresAt != nil && !s.nowFn().Before(*row.ExpiresAt)
}

func (s *SQLDB) load(ctx context.Context, key string) (kvRow, bool, error) {
	var row kvRow
	err := s.db.WithContext(ctx).Where("kv_key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return kvRow{}, false, nil
	}
	if err != nil {
		return kvRow{}, false, fmt.Errorf("sql get: %w", err)
	}
	return row, true, nil
}

func (s *SQLDB) Get(ctx context.Context, key string) ([]byte, error) {
	row, ok, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok || s.expired(row) {
		return nil, ErrNotFound
	}
	return row.Value, nil
}

func (s *SQLDB) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.nowFn().UTC()
	var expires *time.Time
	if ttl > 0 {
		at := now.Add(ttl)
		expires = &at
	}
	row := kvRow{Key: key, Value: value, Version: 1, ExpiresAt: expires, UpdatedAt: now}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "kv_key"}},
		DoUpdates: clause.Assignments(map[string]any{
			"value":      value,
			"expires_at": expires,
			"updated_at": now,
			"version":    gorm.Expr("claim_kv.version + 1"),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("sql set: %w", err)
	}
	return nil
}

func (s *SQLDB) Delete(ctx context.Context, key string) (bool, error) {
	row, ok, err := s.load(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	res := s.db.WithContext(ctx).Where("kv_key = ?", key).Delete(&kvRow{})
	if res.Error != nil {
		return false, fmt.Errorf("sql delete: %w", res.Error)
	}
	return res.RowsAffected > 0 && !s.expired(row), nil
}

// Update reads the row, applies fn, and writes back only if the version is
// unchanged. A lost race is retried from a fresh read.
func (s *SQLDB) Update(ctx context.Context, key string, fn UpdateFunc) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		row, exists, err := s.load(ctx, key)
		if err != nil {
			return err
		}
		var current []byte
		if exists && !s.expired(row) {
			current = row.Value
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		committed, err := s.commit(ctx, key, row, exists, next)
		if err != nil {
			return err
		}
		if committed {
			return nil
		}
	}
	return ErrConflict
}

func (s *SQLDB) commit(ctx context.Context, key string, row kvRow, exists bool, next []byte) (bool, error) {
	db := s.db.WithContext(ctx)
	now := s.nowFn().UTC()
	switch {
	case next == nil && !exists:
		return true, nil
	case next == nil:
		res := db.Where("kv_key = ? AND version = ?", key, row.Version).Delete(&kvRow{})
		if res.Error != nil {
			return false, fmt.Errorf("sql delete: %w", res.Error)
		}
		return res.RowsAffected > 0, nil
	case !exists:
		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&kvRow{
			Key:       key,
			Value:     next,
			Version:   1,
			UpdatedAt: now,
		})
		if res.Error != nil {
			return false, fmt.Errorf("sql insert: %w", res.Error)
		}
		return res.RowsAffected > 0, nil
	default:
		res := db.Model(&kvRow{}).
			Where("kv_key = ? AND version = ?", key, row.Version).
			Updates(map[string]any{
				"value":      next,
				"version":    row.Version + 1,
				"expires_at": nil,
				"updated_at": now,
			})
		if res.Error != nil {
			return false, fmt.Errorf("sql update: %w", res.Error)
		}
		return res.RowsAffected > 0, nil
	}
}

func (s *SQLDB) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
