// Package sqlstore is a durable cache.Store on GORM, usable with SQLite for a
// single agent or MySQL for a shared deployment.
package sqlstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gorm_logger "gorm.io/gorm/logger"

	"github.com/vigilhome/vigil-agent/internal/cache"
	"github.com/vigilhome/vigil-agent/internal/errors"
)

// Store implements cache.Store over a GORM database.
type Store struct {
	db *gorm.DB
}

var _ cache.Store = (*Store)(nil)

// OpenSQLite opens (or creates) a SQLite database file.
func OpenSQLite(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_foreign_keys=ON&_busy_timeout=5000"), gormConfig())
	if err != nil {
		return nil, storageError(err, "sqlite", "open")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, storageError(err, "sqlite", "open")
	}
	// SQLite allows a single writer.
	sqlDB.SetMaxOpenConns(1)
	return New(db)
}

// OpenMySQL connects to MySQL using a go-sql-driver DSN.
func OpenMySQL(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), gormConfig())
	if err != nil {
		return nil, storageError(err, "mysql", "open")
	}
	return New(db)
}

// New wraps an open database and migrates the cache tables.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&StoreRecord{}, &EntryRecord{}); err != nil {
		return nil, storageError(err, db.Name(), "migrate")
	}
	return &Store{db: db}, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: gorm_logger.Default.LogMode(gorm_logger.Silent),
	}
}

func storageError(err error, dialect, op string) error {
	return errors.New(fmt.Errorf("sqlstore %s: %w", op, err)).
		Component("sqlstore").
		Category(errors.CategoryStorage).
		Context("dialect", dialect).
		Context("operation", op).
		Build()
}

func (s *Store) Open(ctx context.Context, name string) (cache.Cache, error) {
	rec := StoreRecord{Name: name}
	if err := s.db.WithContext(ctx).FirstOrCreate(&rec, StoreRecord{Name: name}).Error; err != nil {
		return nil, fmt.Errorf("failed to open cache store %s: %w", name, err)
	}
	return &Cache{db: s.db, name: name}, nil
}

func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&StoreRecord{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to look up cache store %s: %w", name, err)
	}
	return count > 0, nil
}

func (s *Store) Names(ctx context.Context) ([]string, error) {
	var names []string
	if err := s.db.WithContext(ctx).Model(&StoreRecord{}).Order("name ASC").Pluck("name", &names).Error; err != nil {
		return nil, fmt.Errorf("failed to list cache stores: %w", err)
	}
	return names, nil
}

// Delete removes the store row and its entries in one transaction.
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	var removed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("store_name = ?", name).Delete(&EntryRecord{}).Error; err != nil {
			return fmt.Errorf("failed to delete entries of %s: %w", name, err)
		}
		result := tx.Where("name = ?", name).Delete(&StoreRecord{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete cache store %s: %w", name, result.Error)
		}
		removed = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Cache is one generation's rows in cache_entries.
type Cache struct {
	db   *gorm.DB
	name string
}

func (c *Cache) Name() string { return c.name }

func (c *Cache) Match(ctx context.Context, key string) (*cache.Entry, bool, error) {
	var rec EntryRecord
	err := c.db.WithContext(ctx).
		Where("store_name = ? AND key_hash = ?", c.name, hashKey(key)).
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to match %s in %s: %w", key, c.name, err)
	}
	entry, err := fromRecord(&rec)
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

func (c *Cache) Put(ctx context.Context, entry *cache.Entry) error {
	return c.PutAll(ctx, []*cache.Entry{entry})
}

// PutAll upserts every entry inside one transaction. It fails with
// cache.ErrStoreDeleted once the store row is gone; the row is share-locked
// for the rest of the transaction so a concurrent Delete waits for it.
func (c *Cache) PutAll(ctx context.Context, entries []*cache.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	records := make([]EntryRecord, 0, len(entries))
	for _, e := range entries {
		rec, err := c.toRecord(e)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}

	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec StoreRecord
		err := c.lockStore(tx).Where("name = ?", c.name).Take(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("store %s: %w", c.name, cache.ErrStoreDeleted)
		}
		if err != nil {
			return fmt.Errorf("failed to check cache store %s: %w", c.name, err)
		}

		err = tx.Omit(clause.Associations).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "store_name"}, {Name: "key_hash"}},
			DoUpdates: clause.AssignmentColumns([]string{"cache_key", "url", "status", "header", "body", "stored_at"}),
		}).Create(&records).Error
		if err != nil {
			return fmt.Errorf("failed to store %d entries in %s: %w", len(records), c.name, err)
		}
		return nil
	})
}

// lockStore share-locks the store row where the dialect supports it. SQLite
// serializes writers already.
func (c *Cache) lockStore(tx *gorm.DB) *gorm.DB {
	if tx.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "SHARE"})
}

func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := c.db.WithContext(ctx).Model(&EntryRecord{}).
		Where("store_name = ?", c.name).
		Order("id ASC").
		Pluck("cache_key", &keys).Error; err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", c.name, err)
	}
	return keys, nil
}

func (c *Cache) toRecord(e *cache.Entry) (EntryRecord, error) {
	header, err := json.Marshal(e.Header)
	if err != nil {
		return EntryRecord{}, fmt.Errorf("failed to encode headers for %s: %w", e.Key, err)
	}
	return EntryRecord{
		StoreName: c.name,
		KeyHash:   hashKey(e.Key),
		Key:       e.Key,
		URL:       e.URL,
		Status:    e.Status,
		Header:    string(header),
		Body:      e.Body,
		StoredAt:  e.StoredAt,
	}, nil
}

func fromRecord(rec *EntryRecord) (*cache.Entry, error) {
	header := make(http.Header)
	if rec.Header != "" {
		if err := json.Unmarshal([]byte(rec.Header), &header); err != nil {
			return nil, fmt.Errorf("failed to decode headers for %s: %w", rec.Key, err)
		}
	}
	return &cache.Entry{
		Key:      rec.Key,
		URL:      rec.URL,
		Status:   rec.Status,
		Header:   header,
		Body:     rec.Body,
		StoredAt: rec.StoredAt,
	}, nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
