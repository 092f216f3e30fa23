package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xeptore/flaw/v8"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/xeptore/mcauth/errutil"
)

const defaultAccountKey = "default_account"

type accountRow struct {
	ID           string    `gorm:"primaryKey"`
	Username     string    `gorm:"not null"`
	AccessToken  string    `gorm:"not null"`
	RefreshToken string    `gorm:"not null"`
	ExpiresAt    time.Time `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (accountRow) TableName() string {
	return "accounts"
}

func (r accountRow) record() Record {
	return Record{
		ID:           r.ID,
		Username:     r.Username,
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    r.ExpiresAt,
	}
}

type settingRow struct {
	Key   string `gorm:"column:name;primaryKey"`
	Value string `gorm:"not null"`
}

func (settingRow) TableName() string {
	return "settings"
}

type SQLite struct {
	db *gorm.DB
}

var _ Backend = (*SQLite)(nil)

// OpenSQLite opens or creates the database at path. The file is restricted to its owner.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, flaw.From(errors.New("sqlite path cannot be empty"))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); nil != err {
		flawP := flaw.P{"path": path, "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to create database directory: %v", err)).Append(flawP)
	}

	db, err := openGorm(path)
	if nil != err {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); nil != err {
		flawP := flaw.P{"path": path, "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to restrict database permissions: %v", err)).Append(flawP)
	}
	return &SQLite{db: db}, nil
}

// OpenSQLiteMemory opens a private in-memory database.
func OpenSQLiteMemory() (*SQLite, error) {
	db, err := openGorm("file::memory:")
	if nil != err {
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func openGorm(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{ //nolint:exhaustruct
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if nil != err {
		flawP := flaw.P{"dsn": dsn, "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to open database: %v", err)).Append(flawP)
	}

	sqlDB, err := db.DB()
	if nil != err {
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to get database handle: %v", err)).Append(flawP)
	}
	// A single connection keeps in-memory databases alive and serializes writers.
	sqlDB.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA busy_timeout=5000", "PRAGMA synchronous=NORMAL"} {
		if _, err := sqlDB.Exec(pragma); nil != err {
			flawP := flaw.P{"pragma": pragma, "err_debug_tree": errutil.Tree(err).FlawP()}
			return nil, flaw.From(fmt.Errorf("failed to apply pragma: %v", err)).Append(flawP)
		}
	}

	if err := db.AutoMigrate(&accountRow{}, &settingRow{}); nil != err { //nolint:exhaustruct
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to migrate database: %v", err)).Append(flawP)
	}
	return db, nil
}

func dbError(ctx context.Context, op string, err error) error {
	if errutil.IsContext(ctx) {
		return ctx.Err()
	}
	flawP := flaw.P{"op": op, "err_debug_tree": errutil.Tree(err).FlawP()}
	return flaw.From(fmt.Errorf("failed to %s: %v", op, err)).Append(flawP)
}

func (s *SQLite) Load(ctx context.Context) (*Snapshot, error) {
	var rows []accountRow
	if err := s.db.WithContext(ctx).Order("created_at").Find(&rows).Error; nil != err {
		return nil, dbError(ctx, "load accounts", err)
	}
	out := &Snapshot{Records: make([]Record, len(rows)), DefaultID: ""}
	for i, row := range rows {
		out.Records[i] = row.record()
	}

	var setting settingRow
	err := s.db.WithContext(ctx).Where("name = ?", defaultAccountKey).Take(&setting).Error
	switch {
	case nil == err:
		out.DefaultID = setting.Value
	case errors.Is(err, gorm.ErrRecordNotFound):
	default:
		return nil, dbError(ctx, "load default account", err)
	}
	return out, nil
}

func (s *SQLite) Put(ctx context.Context, rec Record, makeDefault bool) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := accountRow{
			ID:           rec.ID,
			Username:     rec.Username,
			AccessToken:  rec.AccessToken,
			RefreshToken: rec.RefreshToken,
			ExpiresAt:    rec.ExpiresAt.UTC(),
			CreatedAt:    time.Time{},
			UpdatedAt:    time.Time{},
		}
		upsert := clause.OnConflict{ //nolint:exhaustruct
			Columns:   []clause.Column{{Name: "id"}}, //nolint:exhaustruct
			DoUpdates: clause.AssignmentColumns([]string{"username", "access_token", "refresh_token", "expires_at", "updated_at"}),
		}
		if err := tx.Clauses(upsert).Create(&row).Error; nil != err {
			return err
		}
		if makeDefault {
			return setDefault(tx, rec.ID)
		}
		return nil
	})
	if nil != err {
		return dbError(ctx, "store account", err)
	}
	return nil
}

func setDefault(tx *gorm.DB, id string) error {
	if id == "" {
		return tx.Where("name = ?", defaultAccountKey).Delete(&settingRow{}).Error //nolint:exhaustruct
	}
	upsert := clause.OnConflict{ //nolint:exhaustruct
		Columns:   []clause.Column{{Name: "name"}}, //nolint:exhaustruct
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}
	return tx.Clauses(upsert).Create(&settingRow{Key: defaultAccountKey, Value: id}).Error
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&accountRow{}) //nolint:exhaustruct
		if nil != res.Error {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("name = ? AND value = ?", defaultAccountKey, id).Delete(&settingRow{}).Error //nolint:exhaustruct
	})
	switch {
	case nil == err:
		return nil
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	default:
		return dbError(ctx, "delete account", err)
	}
}

func (s *SQLite) SetDefault(ctx context.Context, id string) error {
	if err := setDefault(s.db.WithContext(ctx), id); nil != err {
		return dbError(ctx, "set default account", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if nil != err {
		return dbError(context.Background(), "get database handle", err)
	}
	if err := sqlDB.Close(); nil != err {
		return dbError(context.Background(), "close database", err)
	}
	return nil
}
