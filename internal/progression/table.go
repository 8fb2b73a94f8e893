// Package progression maps experience to levels and grows character stats.
//
// Everything here is pure apart from the die rolls, which are taken from a
// caller-supplied Roller so that tests and replays can fix the sequence.
package progression

import (
	"fmt"
	"sort"

	"classroom-battle-service/internal/domain"
)

// MaxTableLevels bounds custom tables.
const MaxTableLevels = 100

// Table holds the minimum experience for each level; Table[0] is level 1.
type Table []int

var defaultTable = Table{
	0, 100, 300, 600, 1000,
	1500, 2100, 2800, 3600, 4500,
	5500, 6600, 7800, 9100, 10500,
	12000, 13600, 15300, 17100, 19000,
}

// DefaultTable returns a copy of the built-in 20 level table.
func DefaultTable() Table {
	return append(Table(nil), defaultTable...)
}

// MaxLevel is the highest level reachable with t.
func (t Table) MaxLevel() int {
	return len(t)
}

// Threshold returns the experience required for level, or -1 if level is outside the table.
func (t Table) Threshold(level int) int {
	if level < 1 || level > len(t) {
		return -1
	}
	return t[level-1]
}

// LevelForExperience returns the highest level whose threshold is <= xp,
// clamped to [1, MaxLevel]. An empty table yields level 1.
func LevelForExperience(t Table, xp int) int {
	if len(t) == 0 {
		return 1
	}
	// first index whose threshold exceeds xp
	idx := sort.Search(len(t), func(i int) bool { return t[i] > xp })
	if idx < 1 {
		return 1
	}
	return idx
}

// ValidateTable rejects tables that do not start at zero or are not strictly increasing.
func ValidateTable(t Table) error {
	if len(t) == 0 {
		return fmt.Errorf("%w: table is empty", domain.ErrInvalidLevelTable)
	}
	if len(t) > MaxTableLevels {
		return fmt.Errorf("%w: %d levels exceeds maximum of %d", domain.ErrInvalidLevelTable, len(t), MaxTableLevels)
	}
	if t[0] != 0 {
		return fmt.Errorf("%w: level 1 threshold must be 0, got %d", domain.ErrInvalidLevelTable, t[0])
	}
	for i := 1; i < len(t); i++ {
		if t[i] <= t[i-1] {
			return fmt.Errorf("%w: level %d threshold %d does not exceed level %d threshold %d",
				domain.ErrInvalidLevelTable, i+1, t[i], i, t[i-1])
		}
	}
	return nil
}
