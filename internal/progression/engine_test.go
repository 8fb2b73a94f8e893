package progression

import (
	"errors"
	"testing"

	"classroom-battle-service/internal/domain"
)

// fixedRoller always rolls the same face, capped at the die size.
type fixedRoller struct {
	face  int
	calls int
}

func (r *fixedRoller) Roll(sides int) int {
	r.calls++
	if r.face > sides {
		return sides
	}
	return r.face
}

func TestNewProfile(t *testing.T) {
	p, err := NewProfile("s1", domain.ClassMage)
	if err != nil {
		t.Fatalf("new profile: %v", err)
	}
	if p.Level != 1 || p.MaxHP != 6 || p.MaxMP != 12 || p.CurrentHP != 6 || p.CurrentMP != 12 {
		t.Fatalf("unexpected base mage profile: %+v", p)
	}

	if _, err := NewProfile("s1", "bard"); !errors.Is(err, domain.ErrUnknownClass) {
		t.Fatalf("expected unknown class, got %v", err)
	}
}

func TestApplyExperienceDeltaLevelUp(t *testing.T) {
	p, _ := NewProfile("s1", domain.ClassGuardian)
	p.CurrentHP = 3
	roller := &fixedRoller{face: 5}

	out, err := ApplyExperienceDelta(p, 320, DefaultTable(), roller)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Level != 3 {
		t.Fatalf("expected level 3, got %d", out.Level)
	}
	// two levels gained: 2x d8 (5) and 2x d4 (capped at 4)
	if out.MaxHP != 12+10 || out.MaxMP != 4+8 {
		t.Fatalf("unexpected maxima hp=%d mp=%d", out.MaxHP, out.MaxMP)
	}
	if out.CurrentHP != out.MaxHP || out.CurrentMP != out.MaxMP {
		t.Fatalf("expected full restore on level up, got %+v", out)
	}
	if roller.calls != 4 {
		t.Fatalf("expected 4 rolls, got %d", roller.calls)
	}
	if out.Experience != 320 {
		t.Fatalf("expected 320 xp, got %d", out.Experience)
	}
}

func TestApplyExperienceDeltaSameLevel(t *testing.T) {
	p, _ := NewProfile("s1", domain.ClassHealer)
	p.CurrentHP = 2
	roller := &fixedRoller{face: 6}

	out, err := ApplyExperienceDelta(p, 40, DefaultTable(), roller)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Level != 1 || out.CurrentHP != 2 || roller.calls != 0 {
		t.Fatalf("expected xp-only change, got %+v (rolls %d)", out, roller.calls)
	}
}

func TestApplyExperienceDeltaDeLevel(t *testing.T) {
	p := domain.Profile{
		StudentID:  "s1",
		Class:      domain.ClassHealer,
		Experience: 1000,
		Level:      5,
		MaxHP:      40,
		MaxMP:      30,
		CurrentHP:  35,
		CurrentMP:  9,
	}

	out, err := ApplyExperienceDelta(p, -750, DefaultTable(), &fixedRoller{face: 1})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Level != 2 {
		t.Fatalf("expected level 2, got %d", out.Level)
	}
	if out.MaxHP != 8+3 || out.MaxMP != 8+3 {
		t.Fatalf("expected formula maxima 11/11, got %d/%d", out.MaxHP, out.MaxMP)
	}
	if out.CurrentHP != 11 || out.CurrentMP != 9 {
		t.Fatalf("expected clamped hp 11 and untouched mp 9, got %d/%d", out.CurrentHP, out.CurrentMP)
	}

	again, _ := ApplyExperienceDelta(out, 0, DefaultTable(), &fixedRoller{face: 1})
	if again != out {
		t.Fatalf("zero delta after de-level changed profile: %+v vs %+v", again, out)
	}
}

func TestApplyExperienceDeltaFloorsAtZero(t *testing.T) {
	p, _ := NewProfile("s1", domain.ClassMage)
	p.Experience = 50

	out, err := ApplyExperienceDelta(p, -500, DefaultTable(), &fixedRoller{face: 1})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Experience != 0 || out.Level != 1 {
		t.Fatalf("expected 0 xp at level 1, got %+v", out)
	}
}

func TestApplyExperienceDeltaRoundTripRestoresLevel(t *testing.T) {
	roller := NewRandRoller(42)
	for _, class := range Classes() {
		start, _ := NewProfile("s1", class)
		start.Experience = 250
		start.Level = LevelForExperience(DefaultTable(), 250)

		for _, d := range []int{1, 60, 500, 4000, 50000} {
			up, err := ApplyExperienceDelta(start, d, DefaultTable(), roller)
			if err != nil {
				t.Fatalf("apply up: %v", err)
			}
			back, err := ApplyExperienceDelta(up, start.Experience-up.Experience, DefaultTable(), roller)
			if err != nil {
				t.Fatalf("apply down: %v", err)
			}
			if back.Level != start.Level || back.Experience != start.Experience {
				t.Fatalf("%s +%d: expected level %d xp %d, got level %d xp %d",
					class, d, start.Level, start.Experience, back.Level, back.Experience)
			}
		}
	}
}

func TestApplyExperienceDeltaUnknownClass(t *testing.T) {
	_, err := ApplyExperienceDelta(domain.Profile{Class: "bard", Level: 1}, 10, DefaultTable(), &fixedRoller{face: 1})
	if !errors.Is(err, domain.ErrUnknownClass) {
		t.Fatalf("expected unknown class, got %v", err)
	}
}

func TestRandRollerRange(t *testing.T) {
	r := NewRandRoller(7)
	for i := 0; i < 1000; i++ {
		v := r.Roll(6)
		if v < 1 || v > 6 {
			t.Fatalf("roll out of range: %d", v)
		}
	}
	if r.Roll(0) != 0 {
		t.Fatalf("expected 0 for a zero-sided die")
	}
}
