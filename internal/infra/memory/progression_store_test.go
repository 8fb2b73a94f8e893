package memory

import (
	"context"
	"errors"
	"testing"

	"classroom-battle-service/internal/domain"
)

func TestProgressionStoreGrantOnce(t *testing.T) {
	ctx := context.Background()
	store := NewProgressionStore()
	if err := store.Create(ctx, domain.Profile{StudentID: "s1", Class: domain.ClassMage, Level: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, domain.Profile{StudentID: "s1"}); !errors.Is(err, domain.ErrProfileExists) {
		t.Fatalf("expected exists error, got %v", err)
	}

	add := func(p domain.Profile) (domain.Profile, error) {
		p.Experience += 10
		return p, nil
	}
	if _, applied, err := store.Apply(ctx, "s1", "battle-1", add); err != nil || !applied {
		t.Fatalf("first apply: applied=%v err=%v", applied, err)
	}
	if p, applied, err := store.Apply(ctx, "s1", "battle-1", add); err != nil || applied || p.Experience != 10 {
		t.Fatalf("second apply should be skipped: %+v applied=%v err=%v", p, applied, err)
	}
	if p, _, _ := store.Apply(ctx, "s1", "", add); p.Experience != 20 {
		t.Fatalf("unkeyed apply should always run, got %d", p.Experience)
	}

	if _, _, err := store.Apply(ctx, "nobody", "battle-1", add); !errors.Is(err, domain.ErrProfileNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
