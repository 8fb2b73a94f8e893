package app

import (
	"context"

	"classroom-battle-service/internal/domain"
)

// ContentRepository loads battle question sets (from cache/backing store).
type ContentRepository interface {
	GetContent(ctx context.Context, contentID string) (domain.Content, error)
}

// ProfileFunc transforms a profile inside a single read-modify-write.
type ProfileFunc func(domain.Profile) (domain.Profile, error)

// ProgressionRepository persists student progression records.
//
// Apply runs fn on the current profile and stores the result atomically. A
// non-empty grantKey is recorded with the write; if the same (student, grantKey)
// pair was already applied, fn is not run and applied is false.
type ProgressionRepository interface {
	Create(ctx context.Context, profile domain.Profile) error
	Get(ctx context.Context, studentID string) (domain.Profile, error)
	Apply(ctx context.Context, studentID, grantKey string, fn ProfileFunc) (profile domain.Profile, applied bool, err error)
}
