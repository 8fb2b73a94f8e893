package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"classroom-battle-service/internal/domain"
)

func openTestStore(t *testing.T) *ProgressionStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "progression.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestProgressionStoreCreateGet(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	profile := domain.Profile{
		StudentID: "s1", Class: domain.ClassGuardian, Level: 1,
		MaxHP: 12, MaxMP: 4, CurrentHP: 12, CurrentMP: 4,
		UpdatedAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	if err := store.Create(ctx, profile); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, profile); !errors.Is(err, domain.ErrProfileExists) {
		t.Fatalf("expected exists, got %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Class != domain.ClassGuardian || got.MaxHP != 12 || !got.UpdatedAt.Equal(profile.UpdatedAt) {
		t.Fatalf("unexpected profile %+v", got)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, domain.ErrProfileNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestProgressionStoreApplyOncePerGrant(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	_ = store.Create(ctx, domain.Profile{StudentID: "s1", Class: domain.ClassMage, Level: 1, MaxHP: 6, MaxMP: 12, CurrentHP: 6, CurrentMP: 12})

	add := func(p domain.Profile) (domain.Profile, error) {
		p.Experience += 25
		return p, nil
	}
	p, applied, err := store.Apply(ctx, "s1", "session-1", add)
	if err != nil || !applied || p.Experience != 25 {
		t.Fatalf("first apply: %+v applied=%v err=%v", p, applied, err)
	}
	p, applied, err = store.Apply(ctx, "s1", "session-1", add)
	if err != nil || applied || p.Experience != 25 {
		t.Fatalf("duplicate grant should be skipped: %+v applied=%v err=%v", p, applied, err)
	}
	p, applied, _ = store.Apply(ctx, "s1", "", add)
	if !applied || p.Experience != 50 {
		t.Fatalf("unkeyed apply should run: %+v", p)
	}

	stored, _ := store.Get(ctx, "s1")
	if stored.Experience != 50 {
		t.Fatalf("expected persisted 50 xp, got %d", stored.Experience)
	}
}

func TestProgressionStoreApplyRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	_ = store.Create(ctx, domain.Profile{StudentID: "s1", Class: domain.ClassHealer, Level: 1})

	boom := errors.New("boom")
	_, _, err := store.Apply(ctx, "s1", "session-1", func(p domain.Profile) (domain.Profile, error) {
		return p, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	// the failed attempt must not have consumed the grant key
	if _, applied, err := store.Apply(ctx, "s1", "session-1", func(p domain.Profile) (domain.Profile, error) {
		p.Experience = 10
		return p, nil
	}); err != nil || !applied {
		t.Fatalf("expected grant to apply after rollback: applied=%v err=%v", applied, err)
	}
}
