package app

import (
	"context"
	"fmt"
	"time"

	"classroom-battle-service/internal/domain"
	"classroom-battle-service/internal/progression"
)

// ProgressionService manages student profiles and per-owner level tables
// outside of battles (enrollment, admin corrections, quest rewards).
type ProgressionService struct {
	store    DocumentStore
	profiles ProgressionRepository
	roller   progression.Roller
	now      func() time.Time
}

func NewProgressionService(store DocumentStore, profiles ProgressionRepository, roller progression.Roller) *ProgressionService {
	return &ProgressionService{store: store, profiles: profiles, roller: roller, now: time.Now}
}

type levelTableDoc struct {
	Thresholds []int     `json:"thresholds"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Enroll creates a level 1 profile for a student.
func (s *ProgressionService) Enroll(ctx context.Context, studentID string, class domain.CharacterClass) (domain.Profile, error) {
	profile, err := progression.NewProfile(studentID, class)
	if err != nil {
		return domain.Profile{}, err
	}
	profile.UpdatedAt = s.now()
	if err := s.profiles.Create(ctx, profile); err != nil {
		return domain.Profile{}, err
	}
	return profile, nil
}

// Profile returns a student's progression record.
func (s *ProgressionService) Profile(ctx context.Context, studentID string) (domain.Profile, error) {
	return s.profiles.Get(ctx, studentID)
}

// AdjustExperience applies delta outside of a battle. Negative deltas may de-level.
// ownerID selects a custom level table; empty uses the default.
func (s *ProgressionService) AdjustExperience(ctx context.Context, studentID, ownerID string, delta int) (domain.Profile, error) {
	table := progression.DefaultTable()
	if ownerID != "" {
		t, err := s.LevelTable(ctx, ownerID)
		if err != nil {
			return domain.Profile{}, err
		}
		table = t
	}
	profile, _, err := s.profiles.Apply(ctx, studentID, "", func(p domain.Profile) (domain.Profile, error) {
		next, err := progression.ApplyExperienceDelta(p, delta, table, s.roller)
		if err != nil {
			return p, err
		}
		next.UpdatedAt = s.now()
		return next, nil
	})
	return profile, err
}

// SetLevelTable validates and stores a custom table for ownerID.
func (s *ProgressionService) SetLevelTable(ctx context.Context, ownerID string, thresholds []int) error {
	if err := progression.ValidateTable(thresholds); err != nil {
		return err
	}
	doc, err := EncodeDocument(levelTableDoc{Thresholds: thresholds, UpdatedAt: s.now()})
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, levelTablePath(ownerID), doc, false); err != nil {
		return fmt.Errorf("store level table: %w", err)
	}
	return nil
}

// LevelTable returns ownerID's custom table, or the default if none is stored.
func (s *ProgressionService) LevelTable(ctx context.Context, ownerID string) (progression.Table, error) {
	doc, ok, err := s.store.Get(ctx, levelTablePath(ownerID))
	if err != nil {
		return nil, fmt.Errorf("load level table: %w", err)
	}
	if !ok {
		return progression.DefaultTable(), nil
	}
	var stored levelTableDoc
	if err := DecodeDocument(doc, &stored); err != nil {
		return nil, err
	}
	table := progression.Table(stored.Thresholds)
	// tables written around SetLevelTable are checked again on read
	if err := progression.ValidateTable(table); err != nil {
		return nil, fmt.Errorf("owner %s: %w", ownerID, err)
	}
	return table, nil
}
