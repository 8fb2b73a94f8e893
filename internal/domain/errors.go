package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when a command is issued from a state that does not permit it.
	ErrInvalidState = errors.New("invalid session state")
	// ErrAlreadyActive is returned when an owner arms a session while another is not yet ended.
	ErrAlreadyActive = errors.New("owner already has an active session")
	// ErrNotFound is returned when a session does not exist (never armed or already purged).
	ErrNotFound = errors.New("session not found")
	// ErrContentNotFound indicates the question set could not be loaded.
	ErrContentNotFound = errors.New("content not found")
	// ErrProfileNotFound indicates a student has no progression record.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrProfileExists is returned when enrolling a student twice.
	ErrProfileExists = errors.New("profile already exists")
	// ErrInvalidLevelTable indicates a custom experience table failed validation.
	ErrInvalidLevelTable = errors.New("invalid level table")
	// ErrUnknownClass indicates a profile references a class without a growth profile.
	ErrUnknownClass = errors.New("unknown character class")
)

// StateError reports which operation was refused and the status the session was in.
type StateError struct {
	Op     string
	Status SessionStatus
	Reason string
}

func (e *StateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s (status %s)", e.Op, e.Reason, e.Status)
	}
	return fmt.Sprintf("%s not allowed while %s", e.Op, e.Status)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }
