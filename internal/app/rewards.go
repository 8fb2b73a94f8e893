package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"classroom-battle-service/internal/domain"
	"classroom-battle-service/internal/progression"
)

// RewardPolicy sets the experience handed out when a battle completes.
type RewardPolicy struct {
	ParticipationXP   int
	XPPerCorrect      int
	VictoryBonusXP    int
	DuelWinnerBonusXP int
}

// DefaultRewardPolicy is used when no policy is configured.
func DefaultRewardPolicy() RewardPolicy {
	return RewardPolicy{
		ParticipationXP:   5,
		XPPerCorrect:      10,
		VictoryBonusXP:    25,
		DuelWinnerBonusXP: 20,
	}
}

// Compute returns the experience owed to each participant of a completed session.
func (p RewardPolicy) Compute(s domain.Session, content domain.Content) map[string]int {
	awards := make(map[string]int, len(s.Participants))
	for studentID, tally := range s.Participants {
		awards[studentID] = p.ParticipationXP + tally.Correct*p.XPPerCorrect
	}

	switch s.Mode {
	case domain.ModeDuel:
		if winner, ok := duelWinner(s.Participants); ok {
			awards[winner] += p.DuelWinnerBonusXP
		}
	default:
		if content.BossHP > 0 && s.CumulativeResult >= content.BossHP {
			for studentID := range awards {
				awards[studentID] += p.VictoryBonusXP
			}
		}
	}
	return awards
}

// duelWinner returns the unique student with the most correct answers.
func duelWinner(tallies map[string]domain.ParticipantTally) (string, bool) {
	best, winner, tied := -1, "", false
	for studentID, tally := range tallies {
		switch {
		case tally.Correct > best:
			best, winner, tied = tally.Correct, studentID, false
		case tally.Correct == best:
			tied = true
		}
	}
	if winner == "" || tied {
		return "", false
	}
	return winner, true
}

// LevelTables resolves the experience table used for an owner's students.
type LevelTables interface {
	LevelTable(ctx context.Context, ownerID string) (progression.Table, error)
}

// RewardApplier grants battle experience through the progression store.
type RewardApplier struct {
	profiles ProgressionRepository
	tables   LevelTables
	roller   progression.Roller
	policy   RewardPolicy
	now      func() time.Time
}

func NewRewardApplier(profiles ProgressionRepository, tables LevelTables, roller progression.Roller, policy RewardPolicy) *RewardApplier {
	return NewRewardApplierWithClock(profiles, tables, roller, policy, time.Now)
}

// NewRewardApplierWithClock is NewRewardApplier with an injectable clock (tests).
func NewRewardApplierWithClock(profiles ProgressionRepository, tables LevelTables, roller progression.Roller, policy RewardPolicy, now func() time.Time) *RewardApplier {
	return &RewardApplier{profiles: profiles, tables: tables, roller: roller, policy: policy, now: now}
}

// ApplyRewards grants each participant their experience once. The session id is
// used as the grant key, so a repeated call does not grant again. A failure for
// one student does not stop the others; all failures are joined in the error.
func (a *RewardApplier) ApplyRewards(ctx context.Context, s domain.Session, content domain.Content) ([]domain.Grant, error) {
	table := progression.DefaultTable()
	if a.tables != nil {
		custom, err := a.tables.LevelTable(ctx, s.OwnerID)
		if err != nil {
			log.Printf("session %s: level table for %s unavailable, using default: %v", s.ID, s.OwnerID, err)
		} else {
			table = custom
		}
	}

	awards := a.policy.Compute(s, content)
	grantedAt := a.now()
	studentIDs := make([]string, 0, len(awards))
	for id := range awards {
		studentIDs = append(studentIDs, id)
	}
	sort.Strings(studentIDs)

	grants := make([]domain.Grant, 0, len(studentIDs))
	var errs []error
	for _, studentID := range studentIDs {
		xp := awards[studentID]
		grant := domain.Grant{StudentID: studentID, XP: xp}
		before := 0
		profile, applied, err := a.profiles.Apply(ctx, studentID, s.ID, func(p domain.Profile) (domain.Profile, error) {
			before = p.Level
			next, err := progression.ApplyExperienceDelta(p, xp, table, a.roller)
			if err != nil {
				return p, err
			}
			next.UpdatedAt = grantedAt
			return next, nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("grant %d xp to %s: %w", xp, studentID, err))
			grants = append(grants, grant)
			continue
		}
		grant.Applied = applied
		grant.Level = profile.Level
		grant.LeveledUp = applied && profile.Level > before
		grants = append(grants, grant)
	}
	return grants, errors.Join(errs...)
}
