package store

import (
	"context"
	stdErrors "errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	warperrors "github.com/mirkobrombin/go-keylock/v1/errors"
)

const defaultGormTableName = "keylock_locks"

// gormLock is the row model. The primary key constraint on key_id is what
// makes SetIfAbsent atomic.
type gormLock struct {
	Key   string `gorm:"primaryKey;column:key_id"`
	Value string `gorm:"column:value"`
}

// GormStore implements Store on top of any SQL database supported by GORM.
type GormStore struct {
	db        *gorm.DB
	tableName string
	opts      options
}

// GormOption configures a GormStore.
type GormOption func(*GormStore)

// WithGormTableName sets the table name for the GormStore.
func WithGormTableName(name string) GormOption {
	return func(s *GormStore) {
		s.tableName = name
	}
}

// WithGormStoreOptions applies the common backend options.
func WithGormStoreOptions(opts ...Option) GormOption {
	return func(s *GormStore) {
		s.opts = buildOptions(opts)
	}
}

// NewGormStore returns a new GormStore, creating its table when missing.
func NewGormStore(db *gorm.DB, opts ...GormOption) (*GormStore, error) {
	s := &GormStore{
		db:        db,
		tableName: defaultGormTableName,
		opts:      buildOptions(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	if !db.Migrator().HasTable(s.tableName) {
		if err := db.Table(s.tableName).AutoMigrate(&gormLock{}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SetIfAbsent implements Store.SetIfAbsent.
func (s *GormStore) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	res := s.db.WithContext(cctx).Table(s.tableName).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&gormLock{Key: key, Value: value})
	if res.Error != nil {
		return false, mapGormErr(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Delete implements Store.Delete.
func (s *GormStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	res := s.db.WithContext(cctx).Table(s.tableName).Delete(&gormLock{}, "key_id = ?", key)
	if res.Error != nil {
		return false, mapGormErr(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Exists implements Checker.Exists.
func (s *GormStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var n int64
	if err := s.db.WithContext(cctx).Table(s.tableName).Where("key_id = ?", key).Count(&n).Error; err != nil {
		return false, mapGormErr(err)
	}
	return n > 0, nil
}

func mapGormErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return warperrors.ErrTimeout
	}
	return err
}
