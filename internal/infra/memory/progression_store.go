package memory

import (
	"context"
	"sync"

	"classroom-battle-service/internal/app"
	"classroom-battle-service/internal/domain"
)

// ProgressionStore is an in-memory implementation of app.ProgressionRepository.
type ProgressionStore struct {
	mu       sync.Mutex
	profiles map[string]domain.Profile
	grants   map[grantKey]struct{}
}

type grantKey struct {
	studentID string
	key       string
}

func NewProgressionStore() *ProgressionStore {
	return &ProgressionStore{
		profiles: make(map[string]domain.Profile),
		grants:   make(map[grantKey]struct{}),
	}
}

func (s *ProgressionStore) Create(_ context.Context, profile domain.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[profile.StudentID]; ok {
		return domain.ErrProfileExists
	}
	s.profiles[profile.StudentID] = profile
	return nil
}

func (s *ProgressionStore) Get(_ context.Context, studentID string) (domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	profile, ok := s.profiles[studentID]
	if !ok {
		return domain.Profile{}, domain.ErrProfileNotFound
	}
	return profile, nil
}

func (s *ProgressionStore) Apply(_ context.Context, studentID, key string, fn app.ProfileFunc) (domain.Profile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	profile, ok := s.profiles[studentID]
	if !ok {
		return domain.Profile{}, false, domain.ErrProfileNotFound
	}
	gk := grantKey{studentID: studentID, key: key}
	if key != "" {
		if _, done := s.grants[gk]; done {
			return profile, false, nil
		}
	}
	next, err := fn(profile)
	if err != nil {
		return profile, false, err
	}
	s.profiles[studentID] = next
	if key != "" {
		s.grants[gk] = struct{}{}
	}
	return next, true, nil
}
