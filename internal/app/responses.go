package app

import (
	"context"
	"fmt"
	"time"

	"classroom-battle-service/internal/domain"
)

// Rejection reasons reported on receipts. They are informational; rejected
// answers are never returned as errors.
const (
	RejectSessionNotFound = "session not found"
	RejectRoundNotOpen    = "round not open"
	RejectStaleRound      = "answer is for a different round"
	RejectRoundExpired    = "round time expired"
	RejectInvalidChoice   = "choice out of range"
)

// ResponseClient records student answers for the open round.
type ResponseClient struct {
	store    DocumentStore
	contents ContentRepository
	now      func() time.Time
	grace    time.Duration
}

// NewResponseClient builds a ResponseClient. grace extends timed rounds to absorb client latency.
func NewResponseClient(store DocumentStore, contents ContentRepository, grace time.Duration) *ResponseClient {
	return &ResponseClient{store: store, contents: contents, now: time.Now, grace: grace}
}

// NewResponseClientWithClock is test-only for deterministic timestamps.
func NewResponseClientWithClock(store DocumentStore, contents ContentRepository, grace time.Duration, now func() time.Time) *ResponseClient {
	return &ResponseClient{store: store, contents: contents, now: now, grace: grace}
}

// SubmitAnswer stores (or overwrites) a student's answer for roundIndex. The
// answer is silently rejected unless that round is open right now; only store
// failures are returned as errors.
func (r *ResponseClient) SubmitAnswer(ctx context.Context, sessionID, studentID string, roundIndex, choiceIndex int) (domain.Receipt, error) {
	receipt := domain.Receipt{RoundIndex: roundIndex}

	doc, ok, err := r.store.Get(ctx, sessionPath(sessionID))
	if err != nil {
		return receipt, fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return rejected(receipt, RejectSessionNotFound), nil
	}
	var s domain.Session
	if err := DecodeDocument(doc, &s); err != nil {
		return receipt, err
	}
	if s.Status != domain.StatusRoundOpen {
		return rejected(receipt, RejectRoundNotOpen), nil
	}
	if roundIndex != s.CurrentRoundIndex {
		return rejected(receipt, RejectStaleRound), nil
	}
	now := r.now()
	if !s.RoundDeadline.IsZero() && now.After(s.RoundDeadline.Add(r.grace)) {
		return rejected(receipt, RejectRoundExpired), nil
	}

	content, err := r.contents.GetContent(ctx, s.ContentID)
	if err != nil {
		return receipt, err
	}
	if roundIndex >= len(content.Questions) {
		return rejected(receipt, RejectStaleRound), nil
	}
	question := content.Questions[roundIndex]
	if choiceIndex < 0 || choiceIndex >= len(question.Choices) {
		return rejected(receipt, RejectInvalidChoice), nil
	}

	response, err := EncodeDocument(domain.Response{
		StudentID:           studentID,
		RoundIndexAnswered:  roundIndex,
		SelectedChoiceIndex: choiceIndex,
		IsCorrect:           choiceIndex == question.CorrectIndex,
		SubmittedAt:         now,
	})
	if err != nil {
		return receipt, err
	}
	if err := r.store.Set(ctx, responsePath(sessionID, roundIndex, studentID), response, false); err != nil {
		return receipt, fmt.Errorf("write response: %w", err)
	}
	receipt.Accepted = true
	return receipt, nil
}

func rejected(receipt domain.Receipt, reason string) domain.Receipt {
	receipt.Accepted = false
	receipt.Reason = reason
	return receipt
}
