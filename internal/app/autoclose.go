package app

import (
	"context"
	"errors"
	"log"
	"time"

	"classroom-battle-service/internal/domain"
)

const autoCloseTimeout = 10 * time.Second

// scheduleAutoClose arms a timer that closes exactly this round at its deadline.
// If the session has moved on by then the close is refused by the guard.
func (c *Coordinator) scheduleAutoClose(s domain.Session) {
	if !c.autoClose || s.Status != domain.StatusRoundOpen || s.RoundDeadline.IsZero() {
		return
	}
	delay := s.RoundDeadline.Sub(c.now())
	if delay < 0 {
		delay = 0
	}
	sessionID, round := s.ID, s.CurrentRoundIndex

	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if t, ok := c.timers[sessionID]; ok {
		t.Stop()
	}
	c.timers[sessionID] = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), autoCloseTimeout)
		defer cancel()
		result, err := c.closeRound(ctx, sessionID, round)
		switch {
		case err == nil:
			log.Printf("session %s: round %d auto-closed with %d/%d correct", sessionID, round, result.CorrectCount, result.ResponseCount)
		case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrNotFound):
		default:
			log.Printf("session %s: auto-close round %d: %v", sessionID, round, err)
		}
	})
}

func (c *Coordinator) stopTimer(sessionID string) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if t, ok := c.timers[sessionID]; ok {
		t.Stop()
		delete(c.timers, sessionID)
	}
}
