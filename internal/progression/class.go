package progression

import "classroom-battle-service/internal/domain"

// Growth describes how a class gains HP and MP.
//
// Level-up uses the dice; de-leveling uses the Base and PerLevel constants.
// The two are deliberately not equal in expectation, so a profile that levels
// up and back down lands on the formula values rather than its old stats.
type Growth struct {
	HitDie     int
	MagicDie   int
	BaseHP     int
	BaseMP     int
	HPPerLevel int
	MPPerLevel int
}

var growthProfiles = map[domain.CharacterClass]Growth{
	domain.ClassGuardian: {HitDie: 8, MagicDie: 4, BaseHP: 12, BaseMP: 4, HPPerLevel: 4, MPPerLevel: 2},
	domain.ClassMage:     {HitDie: 4, MagicDie: 8, BaseHP: 6, BaseMP: 12, HPPerLevel: 2, MPPerLevel: 4},
	domain.ClassHealer:   {HitDie: 6, MagicDie: 6, BaseHP: 8, BaseMP: 8, HPPerLevel: 3, MPPerLevel: 3},
}

// GrowthFor returns the growth profile of class.
func GrowthFor(class domain.CharacterClass) (Growth, bool) {
	g, ok := growthProfiles[class]
	return g, ok
}

// Classes lists the known classes.
func Classes() []domain.CharacterClass {
	return []domain.CharacterClass{domain.ClassGuardian, domain.ClassMage, domain.ClassHealer}
}

// maxForLevel is the closed-form stat line used when de-leveling.
func (g Growth) maxForLevel(level int) (hp, mp int) {
	if level < 1 {
		level = 1
	}
	return g.BaseHP + g.HPPerLevel*(level-1), g.BaseMP + g.MPPerLevel*(level-1)
}
