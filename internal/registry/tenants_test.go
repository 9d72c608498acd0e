package registry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/traksense/ingest-core/internal/store"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&store.Tenant{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestResolveKnownTenant(t *testing.T) {
	db := openTestDB(t)
	want := uuid.New()
	if err := db.Create(&store.Tenant{ID: want, Slug: "hospital-sao-lucas", Name: "Hospital São Lucas"}).Error; err != nil {
		t.Fatalf("seed tenant: %v", err)
	}

	r := New(db, nil, time.Minute)
	got, err := r.Resolve(context.Background(), "hospital-sao-lucas")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != want {
		t.Fatalf("resolved %s, want %s", got, want)
	}
}

func TestResolveServesFromProcessCache(t *testing.T) {
	db := openTestDB(t)
	want := uuid.New()
	if err := db.Create(&store.Tenant{ID: want, Slug: "acme", Name: "Acme"}).Error; err != nil {
		t.Fatalf("seed tenant: %v", err)
	}

	r := New(db, nil, time.Minute)
	if _, err := r.Resolve(context.Background(), "acme"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	// drop the row; the cached entry must keep answering until it expires
	if err := db.Where("slug = ?", "acme").Delete(&store.Tenant{}).Error; err != nil {
		t.Fatalf("delete tenant: %v", err)
	}
	got, err := r.Resolve(context.Background(), "acme")
	if err != nil {
		t.Fatalf("cached resolve: %v", err)
	}
	if got != want {
		t.Fatalf("cached resolve returned %s, want %s", got, want)
	}
}

func TestResolveUnknownTenant(t *testing.T) {
	db := openTestDB(t)
	r := New(db, nil, time.Minute)
	if _, err := r.Resolve(context.Background(), "ghost"); err != ErrUnknownTenant {
		t.Fatalf("expected ErrUnknownTenant, got %v", err)
	}
	if _, err := r.Resolve(context.Background(), ""); err != ErrUnknownTenant {
		t.Fatalf("empty slug should be unknown, got %v", err)
	}
}

func TestResolveNegativeCacheExpires(t *testing.T) {
	db := openTestDB(t)
	r := New(db, nil, time.Minute)

	now := time.Now()
	r.nowFn = func() time.Time { return now }

	if _, err := r.Resolve(context.Background(), "late-tenant"); err != ErrUnknownTenant {
		t.Fatalf("expected ErrUnknownTenant, got %v", err)
	}

	// the row appears, but the negative entry still holds
	want := uuid.New()
	if err := db.Create(&store.Tenant{ID: want, Slug: "late-tenant", Name: "Late"}).Error; err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	if _, err := r.Resolve(context.Background(), "late-tenant"); err != ErrUnknownTenant {
		t.Fatalf("negative cache should still answer, got %v", err)
	}

	now = now.Add(negativeTTL + time.Second)
	got, err := r.Resolve(context.Background(), "late-tenant")
	if err != nil {
		t.Fatalf("resolve after negative expiry: %v", err)
	}
	if got != want {
		t.Fatalf("resolved %s, want %s", got, want)
	}
}

func TestResolveCaseSensitive(t *testing.T) {
	db := openTestDB(t)
	if err := db.Create(&store.Tenant{ID: uuid.New(), Slug: "acme", Name: "Acme"}).Error; err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	r := New(db, nil, time.Minute)
	if _, err := r.Resolve(context.Background(), "Acme"); err != ErrUnknownTenant {
		t.Fatalf("slug match must be case significant, got %v", err)
	}
}
