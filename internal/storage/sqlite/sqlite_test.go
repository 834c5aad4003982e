package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/cloudrelay/internal/credstore"
	pgstore "github.com/jkaninda/cloudrelay/internal/storage/postgres"
)

func testStore(t *testing.T, opts ...pgstore.RepoOption) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "nested", "test.db")}, logger, opts...)
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("Open with empty path succeeded")
	}
}

func TestStore_PutGetDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if _, err := s.Get(ctx, "abc"); !errors.Is(err, credstore.ErrNotFound) {
		t.Fatalf("Get before Put = %v, want ErrNotFound", err)
	}

	if _, err := s.Put(ctx, "abc", "k1", 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.Put(ctx, "abc", "k2", 0); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	got, err := s.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.APIKey != "k2" {
		t.Errorf("APIKey = %q, want k2", got.APIKey)
	}
	if n, _ := s.Len(ctx); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}

	if err := s.Delete(ctx, "abc"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "abc"); !errors.Is(err, credstore.ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
}

func TestStore_Expiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s := testStore(t, pgstore.WithClock(clock))
	ctx := context.Background()

	_, _ = s.Put(ctx, "short", "k", time.Minute)
	_, _ = s.Put(ctx, "forever", "k", 0)

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()

	if _, err := s.Get(ctx, "short"); !errors.Is(err, credstore.ErrNotFound) {
		t.Errorf("Get expired = %v, want ErrNotFound", err)
	}
	n, err := s.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if _, err := s.Get(ctx, "forever"); err != nil {
		t.Errorf("non-expiring binding lost: %v", err)
	}
}

func TestStore_Sealed(t *testing.T) {
	identity, _, err := credstore.GenerateAgeIdentity()
	if err != nil {
		t.Fatalf("GenerateAgeIdentity: %v", err)
	}
	sealer, err := credstore.NewAgeSealer(identity)
	if err != nil {
		t.Fatalf("NewAgeSealer: %v", err)
	}
	s := testStore(t, pgstore.WithSealer(sealer))
	ctx := context.Background()

	if _, err := s.Put(ctx, "abc", "provider-key", 0); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var model pgstore.CredentialModel
	if err := s.db.Where("user_id = ?", "abc").First(&model).Error; err != nil {
		t.Fatalf("raw load: %v", err)
	}
	if !model.Sealed || model.APIKey == "provider-key" {
		t.Fatal("key stored in the clear")
	}

	got, err := s.Get(ctx, "abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.APIKey != "provider-key" {
		t.Errorf("APIKey = %q", got.APIKey)
	}

	plain := pgstore.NewCredentialRepository(s.db)
	if _, err := plain.Get(ctx, "abc"); !errors.Is(err, pgstore.ErrSealerRequired) {
		t.Errorf("Get without sealer = %v, want ErrSealerRequired", err)
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	s, err := Open(Config{Path: path}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Put(ctx, "abc", "k1", 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	s.Close()

	s, err = Open(Config{Path: path}, logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Get(ctx, "abc")
	if err != nil || got.APIKey != "k1" {
		t.Errorf("Get after reopen = %v, %v", got, err)
	}
}
