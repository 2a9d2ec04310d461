// Package store persists raw WHOIS responses keyed by lookup identity.
// Entries are write-once in practice and never expire.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// sessionPragmas run on every session connection. synchronous=FULL is what
// makes a committed Put durable.
var sessionPragmas = []string{
	"PRAGMA synchronous=FULL;",
	"PRAGMA busy_timeout=5000;",
}

// ErrStore is wrapped by every open, read and write failure.
var ErrStore = errors.New("whois cache")

// Entry is one cached response. Only the raw text is stored; structured
// fields are derived again on every read.
type Entry struct {
	Identity  string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	Text      string    `gorm:"type:TEXT NOT NULL"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
}

// TableName implements the GORM tabler interface.
func (Entry) TableName() string { return "whois_entries" }

// SQLite is a single-file cache. Every call opens the file, works inside one
// transaction and closes it again, so no handle outlives the call.
type SQLite struct {
	path    string
	pragmas []string

	// Single writer; reads never overlap a write either.
	mu sync.Mutex
}

// OpenSQLite creates the cache file and schema if needed.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrStore)
	}
	// Fail early if parent directory does not exist.
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStore, err)
		}
	}

	s := &SQLite{path: path, pragmas: sessionPragmas}
	err := s.session(ctx, func(db *gorm.DB) error {
		return db.AutoMigrate(&Entry{})
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Path() string { return s.path }

func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		entry Entry
		found bool
	)
	err := s.session(ctx, func(db *gorm.DB) error {
		err := db.Where("identity = ?", key).Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return entry.Text, found, nil
}

func (s *SQLite) Put(ctx context.Context, key, text string) error {
	return s.session(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			return tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "identity"}},
				DoUpdates: clause.AssignmentColumns([]string{"text"}),
			}).Create(&Entry{Identity: key, Text: text}).Error
		})
	})
}

// Keys lists every cached identity in lexical order.
func (s *SQLite) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.session(ctx, func(db *gorm.DB) error {
		return db.Model(&Entry{}).Order("identity").Pluck("identity", &keys).Error
	})
	return keys, err
}

// Close is a no-op; sessions release the file themselves.
func (s *SQLite) Close() error { return nil }

// session opens the file, runs fn and always closes the handle, flushing
// committed pages to disk before returning.
func (s *SQLite) session(ctx context.Context, fn func(db *gorm.DB) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := gorm.Open(sqlite.Open(s.path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrStore, s.path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	defer func() {
		if cerr := sqlDB.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%w: close %s: %v", ErrStore, s.path, cerr)
		}
	}()

	// PRAGMAs are per connection; keep exactly one.
	sqlDB.SetMaxOpenConns(1)
	for _, p := range s.pragmas {
		if err := db.Exec(p).Error; err != nil {
			return fmt.Errorf("%w: %s: %s: %v", ErrStore, s.path, strings.TrimSuffix(p, ";"), err)
		}
	}

	if err := fn(db.WithContext(ctx)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStore, s.path, err)
	}
	return nil
}
