package store_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-keylock/v1/store"
)

func newGormStore(t *testing.T, opts ...store.GormOption) (*store.GormStore, *gorm.DB) {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	s, err := store.NewGormStore(db, opts...)
	if err != nil {
		t.Fatalf("NewGormStore: %v", err)
	}
	return s, db
}

func TestGormStoreProtocol(t *testing.T) {
	s, _ := newGormStore(t)
	exerciseStore(t, s)
}

func TestGormStoreCustomTable(t *testing.T) {
	s, db := newGormStore(t, store.WithGormTableName("custom_locks"))
	if !db.Migrator().HasTable("custom_locks") {
		t.Fatal("expected custom table to be created")
	}
	exerciseStore(t, s)
}

func TestGormStoreOutOfBandDelete(t *testing.T) {
	s, db := newGormStore(t)
	ctx := context.Background()
	if _, err := s.SetIfAbsent(ctx, "k", "token"); err != nil {
		t.Fatalf("SetIfAbsent: %v", err)
	}
	if err := db.Exec("DELETE FROM keylock_locks WHERE key_id = ?", "k").Error; err != nil {
		t.Fatalf("raw delete: %v", err)
	}
	if ok, err := s.Delete(ctx, "k"); err != nil || ok {
		t.Fatalf("Delete: expected missing key, got ok=%v err=%v", ok, err)
	}
}
