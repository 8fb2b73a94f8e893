package progression

import (
	"fmt"

	"classroom-battle-service/internal/domain"
)

// NewProfile returns a level 1 profile at the class's base stats.
func NewProfile(studentID string, class domain.CharacterClass) (domain.Profile, error) {
	g, ok := GrowthFor(class)
	if !ok {
		return domain.Profile{}, fmt.Errorf("%w: %q", domain.ErrUnknownClass, class)
	}
	hp, mp := g.maxForLevel(1)
	return domain.Profile{
		StudentID: studentID,
		Class:     class,
		Level:     1,
		MaxHP:     hp,
		MaxMP:     mp,
		CurrentHP: hp,
		CurrentMP: mp,
	}, nil
}

// ApplyExperienceDelta adds delta to the profile's experience and recomputes
// level and stats. It is the only function that changes Level, MaxHP or MaxMP.
//
// Gaining levels rolls the class dice once per level and fully restores HP and
// MP, so it must not be applied twice for the same reward. Losing levels
// recomputes the maxima from the class formula and clamps current values.
func ApplyExperienceDelta(p domain.Profile, delta int, table Table, roller Roller) (domain.Profile, error) {
	g, ok := GrowthFor(p.Class)
	if !ok {
		return p, fmt.Errorf("%w: %q", domain.ErrUnknownClass, p.Class)
	}

	newXP := p.Experience + delta
	if newXP < 0 {
		newXP = 0
	}
	newLevel := LevelForExperience(table, newXP)

	out := p
	out.Experience = newXP
	if out.Level < 1 {
		out.Level = 1
	}

	switch {
	case newLevel > out.Level:
		for lvl := out.Level; lvl < newLevel; lvl++ {
			out.MaxHP += roller.Roll(g.HitDie)
			out.MaxMP += roller.Roll(g.MagicDie)
		}
		out.CurrentHP = out.MaxHP
		out.CurrentMP = out.MaxMP
	case newLevel < out.Level:
		out.MaxHP, out.MaxMP = g.maxForLevel(newLevel)
		out.CurrentHP = min(out.CurrentHP, out.MaxHP)
		out.CurrentMP = min(out.CurrentMP, out.MaxMP)
	}
	out.Level = newLevel
	return out, nil
}
