package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"classroom-battle-service/internal/app"
	"classroom-battle-service/internal/domain"
	"classroom-battle-service/internal/infra/memory"
	"classroom-battle-service/internal/progression"
)

func TestRewardPolicyBossVictory(t *testing.T) {
	policy := app.DefaultRewardPolicy()
	session := domain.Session{
		Mode:             domain.ModeBoss,
		CumulativeResult: 12,
		Participants: map[string]domain.ParticipantTally{
			"alice": {Answered: 3, Correct: 2},
			"bob":   {Answered: 1, Correct: 0},
		},
	}

	awards := policy.Compute(session, domain.Content{BossHP: 10})
	if got, want := awards["alice"], 5+20+25; got != want {
		t.Fatalf("alice: got %d, want %d", got, want)
	}
	if got, want := awards["bob"], 5+25; got != want {
		t.Fatalf("bob: got %d, want %d", got, want)
	}

	awards = policy.Compute(session, domain.Content{BossHP: 50})
	if awards["alice"] != 25 || awards["bob"] != 5 {
		t.Fatalf("no victory bonus expected below boss hp, got %v", awards)
	}
}

func TestRewardPolicyDuelWinner(t *testing.T) {
	policy := app.DefaultRewardPolicy()
	session := domain.Session{
		Mode: domain.ModeDuel,
		Participants: map[string]domain.ParticipantTally{
			"alice": {Answered: 2, Correct: 2},
			"bob":   {Answered: 2, Correct: 1},
		},
	}
	awards := policy.Compute(session, domain.Content{})
	if got, want := awards["alice"], 5+20+20; got != want {
		t.Fatalf("winner: got %d, want %d", got, want)
	}
	if got, want := awards["bob"], 5+10; got != want {
		t.Fatalf("runner-up: got %d, want %d", got, want)
	}

	session.Participants["bob"] = domain.ParticipantTally{Answered: 2, Correct: 2}
	awards = policy.Compute(session, domain.Content{})
	if awards["alice"] != 25 || awards["bob"] != 25 {
		t.Fatalf("a tie has no winner bonus, got %v", awards)
	}
}

func TestRewardApplierGrantsOncePerSession(t *testing.T) {
	ctx := context.Background()
	profiles := memory.NewProgressionStore()
	roller := progression.NewRandRoller(7)
	for _, id := range []string{"alice", "bob"} {
		p, _ := progression.NewProfile(id, domain.ClassHealer)
		if err := profiles.Create(ctx, p); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	grantedAt := time.Date(2026, 10, 2, 15, 30, 0, 0, time.UTC)
	applier := app.NewRewardApplierWithClock(profiles, nil, roller, app.RewardPolicy{ParticipationXP: 100}, func() time.Time { return grantedAt })

	session := domain.Session{
		ID:   "s-1",
		Mode: domain.ModeBoss,
		Participants: map[string]domain.ParticipantTally{
			"alice": {Answered: 1},
			"bob":   {Answered: 1},
		},
	}
	grants, err := applier.ApplyRewards(ctx, session, domain.Content{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(grants) != 2 || grants[0].StudentID != "alice" || !grants[0].Applied || !grants[0].LeveledUp || grants[0].Level != 2 {
		t.Fatalf("unexpected grants %+v", grants)
	}

	again, err := applier.ApplyRewards(ctx, session, domain.Content{})
	if err != nil {
		t.Fatalf("reapply: %v", err)
	}
	for _, g := range again {
		if g.Applied {
			t.Fatalf("grant for %s applied twice", g.StudentID)
		}
	}
	alice, _ := profiles.Get(ctx, "alice")
	if alice.Experience != 100 {
		t.Fatalf("expected 100 xp after duplicate apply, got %d", alice.Experience)
	}
	if !alice.UpdatedAt.Equal(grantedAt) {
		t.Fatalf("expected profile stamped with grant time %s, got %s", grantedAt, alice.UpdatedAt)
	}
}

func TestRewardApplierReportsMissingProfiles(t *testing.T) {
	ctx := context.Background()
	profiles := memory.NewProgressionStore()
	p, _ := progression.NewProfile("alice", domain.ClassMage)
	_ = profiles.Create(ctx, p)

	applier := app.NewRewardApplier(profiles, nil, progression.NewRandRoller(1), app.DefaultRewardPolicy())
	session := domain.Session{
		ID: "s-2",
		Participants: map[string]domain.ParticipantTally{
			"alice": {Answered: 1, Correct: 1},
			"ghost": {Answered: 1, Correct: 1},
		},
	}
	grants, err := applier.ApplyRewards(ctx, session, domain.Content{})
	if !errors.Is(err, domain.ErrProfileNotFound) {
		t.Fatalf("expected profile not found in joined error, got %v", err)
	}
	if len(grants) != 2 || !grants[0].Applied || grants[1].Applied {
		t.Fatalf("other students must still be granted, got %+v", grants)
	}
}
