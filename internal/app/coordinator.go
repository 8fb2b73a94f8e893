package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"classroom-battle-service/internal/domain"
	"github.com/google/uuid"
)

// Rewarder applies end-of-battle rewards for a completed session.
type Rewarder interface {
	ApplyRewards(ctx context.Context, session domain.Session, content domain.Content) ([]domain.Grant, error)
}

// AdvanceOutcome reports whether Advance opened the next round or ended the battle.
type AdvanceOutcome struct {
	Ended   bool           `json:"ended"`
	Session domain.Session `json:"session"`
	Grants  []domain.Grant `json:"grants,omitempty"`
}

// Coordinator drives the battle state machine over a DocumentStore.
//
// Every transition re-reads the session and checks its status inside a
// single-document read-modify-write, so commands can be retried or raced
// (a double-clicked "close round") without corrupting the aggregate.
type Coordinator struct {
	store    DocumentStore
	contents ContentRepository
	rewarder Rewarder

	now          func() time.Time
	newID        func() string
	minRoundTime time.Duration
	autoClose    bool

	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDGenerator overrides the session id generator.
func WithIDGenerator(newID func() string) Option {
	return func(c *Coordinator) { c.newID = newID }
}

// WithMinRoundDuration refuses CloseRound until a round has been open for d.
func WithMinRoundDuration(d time.Duration) Option {
	return func(c *Coordinator) { c.minRoundTime = d }
}

// WithAutoClose closes timed rounds automatically at their deadline.
func WithAutoClose(enabled bool) Option {
	return func(c *Coordinator) { c.autoClose = enabled }
}

// NewCoordinator builds a Coordinator. rewarder may be nil, in which case
// completed sessions end without progression updates.
func NewCoordinator(store DocumentStore, contents ContentRepository, rewarder Rewarder, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		contents: contents,
		rewarder: rewarder,
		now:      time.Now,
		newID:    uuid.NewString,
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type ownerClaim struct {
	SessionID string    `json:"sessionId"`
	ClaimedAt time.Time `json:"claimedAt"`
}

// Arm creates a new session for ownerID in the armed state.
func (c *Coordinator) Arm(ctx context.Context, ownerID, contentID string) (domain.Session, error) {
	content, err := c.contents.GetContent(ctx, contentID)
	if err != nil {
		return domain.Session{}, err
	}
	if len(content.Questions) == 0 {
		return domain.Session{}, fmt.Errorf("%w: content %s has no questions", domain.ErrInvalidState, contentID)
	}

	now := c.now()
	mode := content.Mode
	if mode == "" {
		mode = domain.ModeBoss
	}
	session := domain.Session{
		ID:         c.newID(),
		OwnerID:    ownerID,
		ContentID:  contentID,
		Mode:       mode,
		Status:     domain.StatusArmed,
		RoundCount: len(content.Questions),
		Revision:   1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	doc, err := EncodeDocument(session)
	if err != nil {
		return domain.Session{}, err
	}
	// The session is written before the owner claim so a concurrent Arm never
	// sees a claim pointing at a session that does not exist yet.
	if err := c.store.Set(ctx, sessionPath(session.ID), doc, false); err != nil {
		return domain.Session{}, fmt.Errorf("arm: write session: %w", err)
	}

	if err := c.claimOwner(ctx, ownerID, session.ID, now); err != nil {
		if delErr := c.store.Delete(ctx, sessionPath(session.ID)); delErr != nil {
			log.Printf("arm: remove unclaimed session %s: %v", session.ID, delErr)
		}
		return domain.Session{}, err
	}

	log.Printf("session %s armed by %s with content %s (%d rounds)", session.ID, ownerID, contentID, session.RoundCount)
	return session, nil
}

const claimAttempts = 5

// claimOwner points the owner index at sessionID unless it names another
// session that is still active. The holder is resolved with plain reads; the
// update only swaps the claim if it still names the holder that was checked.
func (c *Coordinator) claimOwner(ctx context.Context, ownerID, sessionID string, now time.Time) error {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		holder, err := c.claimHolder(ctx, ownerID)
		if err != nil {
			return err
		}
		if holder != "" && holder != sessionID {
			active, err := c.isActive(ctx, holder)
			if err != nil {
				return err
			}
			if active {
				return fmt.Errorf("%w: session %s", domain.ErrAlreadyActive, holder)
			}
		}

		moved := false
		_, err = c.store.Update(ctx, ownerPath(ownerID), func(cur Document, exists bool) (Document, error) {
			moved = false
			var claim ownerClaim
			if exists {
				if err := DecodeDocument(cur, &claim); err != nil {
					return nil, err
				}
			}
			if claim.SessionID != holder {
				moved = true
				return nil, ErrUnchanged
			}
			return EncodeDocument(ownerClaim{SessionID: sessionID, ClaimedAt: now})
		})
		if err != nil {
			return fmt.Errorf("arm: claim owner: %w", err)
		}
		if !moved {
			return nil
		}
	}
	return fmt.Errorf("%w: owner %s is being armed concurrently", domain.ErrAlreadyActive, ownerID)
}

func (c *Coordinator) claimHolder(ctx context.Context, ownerID string) (string, error) {
	doc, ok, err := c.store.Get(ctx, ownerPath(ownerID))
	if err != nil {
		return "", fmt.Errorf("arm: read owner claim: %w", err)
	}
	if !ok {
		return "", nil
	}
	var claim ownerClaim
	if err := DecodeDocument(doc, &claim); err != nil {
		return "", err
	}
	return claim.SessionID, nil
}

// Session returns the current view of a session.
func (c *Coordinator) Session(ctx context.Context, sessionID string) (domain.Session, error) {
	return c.load(ctx, sessionID)
}

// OpenRound opens the current round from armed or round_closed.
func (c *Coordinator) OpenRound(ctx context.Context, sessionID string) (domain.Session, error) {
	s, err := c.load(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if err := guardOpen("open round", s); err != nil {
		return s, err
	}
	content, err := c.contents.GetContent(ctx, s.ContentID)
	if err != nil {
		return s, err
	}

	updated, err := c.transition(ctx, sessionID, func(cur *domain.Session) error {
		if err := guardOpen("open round", *cur); err != nil {
			return err
		}
		c.openCurrent(cur, content)
		return nil
	})
	if err != nil {
		return updated, err
	}
	if err := c.purgeRound(ctx, updated); err != nil {
		log.Printf("session %s: %v", sessionID, err)
	}
	c.scheduleAutoClose(updated)
	return updated, nil
}

// CloseRound closes the open round and aggregates its responses. Closing a
// round that is already closed returns the stored result without recounting.
func (c *Coordinator) CloseRound(ctx context.Context, sessionID string) (domain.RoundResult, error) {
	return c.closeRound(ctx, sessionID, -1)
}

func (c *Coordinator) closeRound(ctx context.Context, sessionID string, expectRound int) (domain.RoundResult, error) {
	s, err := c.load(ctx, sessionID)
	if err != nil {
		return domain.RoundResult{}, err
	}
	if expectRound >= 0 && s.CurrentRoundIndex != expectRound {
		return domain.RoundResult{}, &domain.StateError{Op: "close round", Status: s.Status, Reason: "round already moved on"}
	}
	switch s.Status {
	case domain.StatusRoundClosed:
		if s.LastRoundResult != nil {
			return *s.LastRoundResult, nil
		}
		return domain.RoundResult{}, &domain.StateError{Op: "close round", Status: s.Status}
	case domain.StatusRoundOpen:
	default:
		return domain.RoundResult{}, &domain.StateError{Op: "close round", Status: s.Status}
	}
	if c.minRoundTime > 0 && c.now().Before(s.RoundOpenedAt.Add(c.minRoundTime)) {
		return domain.RoundResult{}, &domain.StateError{Op: "close round", Status: s.Status, Reason: "minimum round duration not reached"}
	}

	content, err := c.contents.GetContent(ctx, s.ContentID)
	if err != nil {
		return domain.RoundResult{}, err
	}
	if s.CurrentRoundIndex >= len(content.Questions) {
		return domain.RoundResult{}, fmt.Errorf("%w: round %d outside content %s", domain.ErrInvalidState, s.CurrentRoundIndex, s.ContentID)
	}
	question := content.Questions[s.CurrentRoundIndex]

	// Snapshot read: a response landing after this point is not counted.
	responses, err := c.readResponses(ctx, sessionID, s.CurrentRoundIndex)
	if err != nil {
		return domain.RoundResult{}, err
	}

	var result domain.RoundResult
	_, err = c.transition(ctx, sessionID, func(cur *domain.Session) error {
		if cur.Status == domain.StatusRoundClosed && cur.LastRoundResult != nil && cur.LastRoundResult.RoundIndex == s.CurrentRoundIndex {
			result = *cur.LastRoundResult
			return ErrUnchanged
		}
		if cur.Status != domain.StatusRoundOpen || cur.CurrentRoundIndex != s.CurrentRoundIndex {
			return &domain.StateError{Op: "close round", Status: cur.Status}
		}
		counted := countedResponses(*cur, responses)
		result = aggregateRound(cur.CurrentRoundIndex, question, counted, c.now())
		foldTallies(cur, question, counted)
		cur.Status = domain.StatusRoundClosed
		cur.CumulativeResult += result.Damage
		cur.LastRoundResult = &result
		cur.RoundDeadline = time.Time{}
		return nil
	})
	if err != nil {
		return domain.RoundResult{}, err
	}
	c.stopTimer(sessionID)
	return result, nil
}

// Advance opens the next round, or ends the session after the last one and
// applies rewards exactly once. A duplicate Advance after the end is a no-op.
func (c *Coordinator) Advance(ctx context.Context, sessionID string) (AdvanceOutcome, error) {
	s, err := c.load(ctx, sessionID)
	if err != nil {
		return AdvanceOutcome{}, err
	}
	switch s.Status {
	case domain.StatusEnded:
		return AdvanceOutcome{Ended: true, Session: s}, nil
	case domain.StatusRoundClosed:
	default:
		return AdvanceOutcome{Session: s}, &domain.StateError{Op: "advance", Status: s.Status}
	}

	content, err := c.contents.GetContent(ctx, s.ContentID)
	if err != nil {
		return AdvanceOutcome{Session: s}, err
	}
	if s.IsLastRound() {
		return c.finish(ctx, s, content)
	}

	next := s.CurrentRoundIndex + 1
	opened := false
	updated, err := c.transition(ctx, sessionID, func(cur *domain.Session) error {
		opened = false
		if cur.Status == domain.StatusRoundOpen && cur.CurrentRoundIndex == next {
			return ErrUnchanged
		}
		if cur.Status != domain.StatusRoundClosed || cur.CurrentRoundIndex != s.CurrentRoundIndex {
			return &domain.StateError{Op: "advance", Status: cur.Status}
		}
		cur.CurrentRoundIndex = next
		c.openCurrent(cur, content)
		opened = true
		return nil
	})
	if err != nil {
		return AdvanceOutcome{Session: updated}, err
	}
	// A duplicate Advance that found the round already open leaves its answers alone.
	if !opened {
		return AdvanceOutcome{Session: updated}, nil
	}
	if err := c.purgeRound(ctx, updated); err != nil {
		log.Printf("session %s: %v", sessionID, err)
	}
	c.scheduleAutoClose(updated)
	return AdvanceOutcome{Session: updated}, nil
}

func (c *Coordinator) finish(ctx context.Context, s domain.Session, content domain.Content) (AdvanceOutcome, error) {
	latched := false
	ended, err := c.transition(ctx, s.ID, func(cur *domain.Session) error {
		latched = false
		if cur.Status == domain.StatusEnded {
			return ErrUnchanged
		}
		if cur.Status != domain.StatusRoundClosed {
			return &domain.StateError{Op: "advance", Status: cur.Status}
		}
		c.end(cur, domain.EndCompleted)
		latched = true
		return nil
	})
	if err != nil {
		return AdvanceOutcome{Session: ended}, err
	}
	// Only the caller that flipped the latch applies rewards.
	if !latched {
		return AdvanceOutcome{Ended: true, Session: ended}, nil
	}

	var grants []domain.Grant
	if c.rewarder != nil {
		grants, err = c.rewarder.ApplyRewards(ctx, ended, content)
		if err != nil {
			log.Printf("session %s: reward application incomplete: %v", s.ID, err)
		}
	}
	marked, err := c.transition(ctx, s.ID, func(cur *domain.Session) error {
		if cur.RewardsApplied {
			return ErrUnchanged
		}
		cur.RewardsApplied = true
		return nil
	})
	if err == nil {
		ended = marked
	} else {
		log.Printf("session %s: mark rewards applied: %v", s.ID, err)
	}

	c.cleanup(ctx, ended)
	log.Printf("session %s completed: cumulative %d, %d grants", s.ID, ended.CumulativeResult, len(grants))
	return AdvanceOutcome{Ended: true, Session: ended, Grants: grants}, nil
}

// Terminate ends a session from any state without applying rewards.
func (c *Coordinator) Terminate(ctx context.Context, sessionID string) (domain.Session, error) {
	s, err := c.load(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if s.Status == domain.StatusEnded {
		return s, nil
	}
	updated, err := c.transition(ctx, sessionID, func(cur *domain.Session) error {
		if cur.Status == domain.StatusEnded {
			return ErrUnchanged
		}
		c.end(cur, domain.EndTerminated)
		return nil
	})
	if err != nil {
		return updated, err
	}
	c.cleanup(ctx, updated)
	log.Printf("session %s terminated", sessionID)
	return updated, nil
}

// Purge deletes an ended session. Afterwards every operation on it returns ErrNotFound.
func (c *Coordinator) Purge(ctx context.Context, sessionID string) error {
	s, err := c.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Status != domain.StatusEnded {
		return &domain.StateError{Op: "purge", Status: s.Status}
	}
	c.cleanup(ctx, s)
	if err := c.store.Delete(ctx, sessionPath(sessionID)); err != nil {
		return fmt.Errorf("purge session: %w", err)
	}
	return nil
}

// Watch streams session views as the store reports changes. The first value is
// the current state; stale or duplicate notifications are dropped by revision.
// The channel closes when the session is deleted or cancel is called.
func (c *Coordinator) Watch(ctx context.Context, sessionID string) (<-chan domain.Session, func(), error) {
	path := sessionPath(sessionID)
	changes, stop, err := c.store.Subscribe(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	initial, err := c.load(ctx, sessionID)
	if err != nil {
		stop()
		return nil, nil, err
	}

	out := make(chan domain.Session, 8)
	done := make(chan struct{})
	go func() {
		defer close(out)
		last := initial.Revision
		select {
		case out <- initial:
		case <-done:
			return
		}
		for {
			select {
			case change, ok := <-changes:
				if !ok {
					return
				}
				if change.Path != path {
					continue
				}
				if change.Type == ChangeDeleted {
					return
				}
				var s domain.Session
				if err := DecodeDocument(change.Document, &s); err != nil {
					log.Printf("watch %s: %v", sessionID, err)
					continue
				}
				if s.Revision <= last {
					continue
				}
				last = s.Revision
				select {
				case out <- s:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			stop()
		})
	}
	return out, cancel, nil
}

// Close stops pending auto-close timers.
func (c *Coordinator) Close() {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

func (c *Coordinator) load(ctx context.Context, sessionID string) (domain.Session, error) {
	doc, ok, err := c.store.Get(ctx, sessionPath(sessionID))
	if err != nil {
		return domain.Session{}, fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return domain.Session{}, fmt.Errorf("%w: %s", domain.ErrNotFound, sessionID)
	}
	var s domain.Session
	if err := DecodeDocument(doc, &s); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

func (c *Coordinator) isActive(ctx context.Context, sessionID string) (bool, error) {
	s, err := c.load(ctx, sessionID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.Status != domain.StatusEnded, nil
}

// transition applies fn to the stored session in one guarded read-modify-write.
// If fn returns ErrUnchanged the current session is returned with a nil error.
func (c *Coordinator) transition(ctx context.Context, sessionID string, fn func(*domain.Session) error) (domain.Session, error) {
	var out domain.Session
	_, err := c.store.Update(ctx, sessionPath(sessionID), func(cur Document, exists bool) (Document, error) {
		if !exists {
			return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, sessionID)
		}
		var s domain.Session
		if err := DecodeDocument(cur, &s); err != nil {
			return nil, err
		}
		out = s
		if err := fn(&s); err != nil {
			return nil, err
		}
		s.Revision++
		s.UpdatedAt = c.now()
		out = s
		return EncodeDocument(s)
	})
	return out, err
}

func guardOpen(op string, s domain.Session) error {
	if s.Status == domain.StatusArmed || s.Status == domain.StatusRoundClosed {
		return nil
	}
	return &domain.StateError{Op: op, Status: s.Status}
}

func (c *Coordinator) openCurrent(s *domain.Session, content domain.Content) {
	now := c.now()
	s.Status = domain.StatusRoundOpen
	s.LastRoundResult = nil
	s.RoundOpenedAt = now
	s.RoundDeadline = time.Time{}
	if s.CurrentRoundIndex < len(content.Questions) {
		if limit := content.Questions[s.CurrentRoundIndex].TimeLimit(); limit > 0 {
			s.RoundDeadline = now.Add(limit)
		}
	}
}

func (c *Coordinator) end(s *domain.Session, reason domain.EndReason) {
	s.Status = domain.StatusEnded
	s.EndReason = reason
	s.EndedAt = c.now()
	s.LastRoundResult = nil
	s.RoundDeadline = time.Time{}
}

// purgeRound removes responses for the round s has just opened that were
// submitted before it opened. Only the caller whose transition opened the
// round calls it, and an answer accepted for that round always carries a
// later SubmittedAt.
func (c *Coordinator) purgeRound(ctx context.Context, s domain.Session) error {
	entries, err := c.store.List(ctx, responsesPath(s.ID, s.CurrentRoundIndex))
	if err != nil {
		return fmt.Errorf("list responses: %w", err)
	}
	for _, entry := range entries {
		var r domain.Response
		if err := DecodeDocument(entry.Document, &r); err == nil && !r.SubmittedAt.Before(s.RoundOpenedAt) {
			continue
		}
		if err := c.store.Delete(ctx, entry.Path); err != nil {
			return fmt.Errorf("purge response: %w", err)
		}
	}
	return nil
}

// cleanup drops per-round data and releases the owner claim of an ended session.
func (c *Coordinator) cleanup(ctx context.Context, s domain.Session) {
	c.stopTimer(s.ID)
	for round := 0; round <= s.CurrentRoundIndex && round < s.RoundCount; round++ {
		entries, err := c.store.List(ctx, responsesPath(s.ID, round))
		if err != nil {
			log.Printf("session %s: list round %d responses: %v", s.ID, round, err)
			continue
		}
		for _, entry := range entries {
			if err := c.store.Delete(ctx, entry.Path); err != nil {
				log.Printf("session %s: delete %s: %v", s.ID, entry.Path, err)
			}
		}
	}
	_, err := c.store.Update(ctx, ownerPath(s.OwnerID), func(cur Document, exists bool) (Document, error) {
		if !exists {
			return nil, ErrUnchanged
		}
		var claim ownerClaim
		if err := DecodeDocument(cur, &claim); err != nil {
			return nil, err
		}
		if claim.SessionID != s.ID {
			return nil, ErrUnchanged
		}
		return nil, nil
	})
	if err != nil {
		log.Printf("session %s: release owner %s: %v", s.ID, s.OwnerID, err)
	}
}

type storedResponse struct {
	studentID string
	response  domain.Response
}

func (c *Coordinator) readResponses(ctx context.Context, sessionID string, round int) ([]storedResponse, error) {
	entries, err := c.store.List(ctx, responsesPath(sessionID, round))
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	out := make([]storedResponse, 0, len(entries))
	for _, entry := range entries {
		var r domain.Response
		if err := DecodeDocument(entry.Document, &r); err != nil {
			log.Printf("session %s: skip unreadable response %s: %v", sessionID, entry.Path, err)
			continue
		}
		_, studentID := SplitPath(entry.Path)
		out = append(out, storedResponse{studentID: studentID, response: r})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].studentID < out[j].studentID })
	return out, nil
}

// countedResponses re-validates responses against the session: the path key is
// the student identity, and the answer must belong to the open round.
func countedResponses(s domain.Session, responses []storedResponse) []storedResponse {
	counted := make([]storedResponse, 0, len(responses))
	for _, r := range responses {
		if r.response.RoundIndexAnswered != s.CurrentRoundIndex {
			continue
		}
		if r.response.SubmittedAt.Before(s.RoundOpenedAt) {
			continue
		}
		counted = append(counted, r)
	}
	return counted
}

func aggregateRound(round int, q domain.Question, counted []storedResponse, closedAt time.Time) domain.RoundResult {
	result := domain.RoundResult{
		RoundIndex:    round,
		QuestionID:    q.ID,
		ResponseCount: len(counted),
		ClosedAt:      closedAt,
	}
	for _, r := range counted {
		if r.response.SelectedChoiceIndex == q.CorrectIndex {
			result.CorrectCount++
		}
	}
	result.Damage = result.CorrectCount * q.DamageValue()
	return result
}

func foldTallies(s *domain.Session, q domain.Question, counted []storedResponse) {
	if len(counted) == 0 {
		return
	}
	if s.Participants == nil {
		s.Participants = make(map[string]domain.ParticipantTally, len(counted))
	}
	for _, r := range counted {
		tally := s.Participants[r.studentID]
		tally.Answered++
		if r.response.SelectedChoiceIndex == q.CorrectIndex {
			tally.Correct++
			tally.Damage += q.DamageValue()
		}
		s.Participants[r.studentID] = tally
	}
}
