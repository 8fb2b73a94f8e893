package domain

import "time"

// SessionStatus is the lifecycle state of a battle session.
type SessionStatus string

const (
	StatusArmed       SessionStatus = "armed"
	StatusRoundOpen   SessionStatus = "round_open"
	StatusRoundClosed SessionStatus = "round_closed"
	StatusEnded       SessionStatus = "ended"
)

// BattleMode selects how a finished session is rewarded.
type BattleMode string

const (
	ModeBoss BattleMode = "boss"
	ModeDuel BattleMode = "duel"
)

// EndReason records why a session reached StatusEnded.
type EndReason string

const (
	EndCompleted  EndReason = "completed"
	EndTerminated EndReason = "terminated"
)

// Session is the shared, mutable record of one battle.
type Session struct {
	ID                string                      `json:"id"`
	OwnerID           string                      `json:"ownerId"`
	ContentID         string                      `json:"contentId"`
	Mode              BattleMode                  `json:"mode"`
	Status            SessionStatus               `json:"status"`
	CurrentRoundIndex int                         `json:"currentRoundIndex"`
	RoundCount        int                         `json:"roundCount"`
	CumulativeResult  int                         `json:"cumulativeResult"`
	LastRoundResult   *RoundResult                `json:"lastRoundResult,omitempty"`
	RoundOpenedAt     time.Time                   `json:"roundOpenedAt"`
	RoundDeadline     time.Time                   `json:"roundDeadline"`
	Participants      map[string]ParticipantTally `json:"participants,omitempty"`
	EndReason         EndReason                   `json:"endReason,omitempty"`
	RewardsApplied    bool                        `json:"rewardsApplied"`
	Revision          int64                       `json:"revision"`
	CreatedAt         time.Time                   `json:"createdAt"`
	UpdatedAt         time.Time                   `json:"updatedAt"`
	EndedAt           time.Time                   `json:"endedAt"`
}

// IsLastRound reports whether the current round is the final question.
func (s Session) IsLastRound() bool {
	return s.CurrentRoundIndex+1 >= s.RoundCount
}

// ParticipantTally accumulates one student's counted answers across closed rounds.
type ParticipantTally struct {
	Answered int `json:"answered"`
	Correct  int `json:"correct"`
	Damage   int `json:"damage"`
}

// RoundResult is the aggregate computed when a round closes.
type RoundResult struct {
	RoundIndex    int       `json:"roundIndex"`
	QuestionID    string    `json:"questionId"`
	ResponseCount int       `json:"responseCount"`
	CorrectCount  int       `json:"correctCount"`
	Damage        int       `json:"damage"`
	ClosedAt      time.Time `json:"closedAt"`
}

// Response is one student's answer for one round. Resubmission overwrites it.
type Response struct {
	StudentID           string    `json:"studentId"`
	RoundIndexAnswered  int       `json:"roundIndexAnswered"`
	SelectedChoiceIndex int       `json:"selectedChoiceIndex"`
	IsCorrect           bool      `json:"isCorrect"`
	SubmittedAt         time.Time `json:"submittedAt"`
}

// Receipt tells a student client whether its answer was stored.
type Receipt struct {
	Accepted   bool   `json:"accepted"`
	Reason     string `json:"reason,omitempty"`
	RoundIndex int    `json:"roundIndex"`
}

// Question is a multiple-choice question with a correct index and a damage weight.
type Question struct {
	ID               string   `json:"id"`
	Prompt           string   `json:"prompt"`
	Choices          []string `json:"choices"`
	CorrectIndex     int      `json:"correctIndex"`
	Damage           int      `json:"damage"` // defaults to 1 if zero
	TimeLimitSeconds int      `json:"timeLimitSeconds,omitempty"`
}

// DamageValue returns the configured damage or the default of 1.
func (q Question) DamageValue() int {
	if q.Damage > 0 {
		return q.Damage
	}
	return 1
}

// TimeLimit returns the answer window, or zero when the round is untimed.
func (q Question) TimeLimit() time.Duration {
	if q.TimeLimitSeconds <= 0 {
		return 0
	}
	return time.Duration(q.TimeLimitSeconds) * time.Second
}

// Content is an immutable question set driving a battle.
type Content struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Mode      BattleMode `json:"mode"`
	BossHP    int        `json:"bossHp,omitempty"`
	Questions []Question `json:"questions"`
}

// Clone returns a copy that shares no slices with c.
func (c Content) Clone() Content {
	out := c
	if c.Questions != nil {
		out.Questions = make([]Question, len(c.Questions))
		for i, q := range c.Questions {
			q.Choices = append([]string(nil), q.Choices...)
			out.Questions[i] = q
		}
	}
	return out
}

// CharacterClass selects a progression growth profile.
type CharacterClass string

const (
	ClassGuardian CharacterClass = "guardian"
	ClassMage     CharacterClass = "mage"
	ClassHealer   CharacterClass = "healer"
)

// Profile is the progression subset of a student's durable record.
type Profile struct {
	StudentID  string         `json:"studentId"`
	Class      CharacterClass `json:"class"`
	Experience int            `json:"experience"`
	Level      int            `json:"level"`
	MaxHP      int            `json:"maxHp"`
	MaxMP      int            `json:"maxMp"`
	CurrentHP  int            `json:"currentHp"`
	CurrentMP  int            `json:"currentMp"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Grant describes one reward applied to a student at the end of a battle.
type Grant struct {
	StudentID string `json:"studentId"`
	XP        int    `json:"xp"`
	Applied   bool   `json:"applied"`
	Level     int    `json:"level"`
	LeveledUp bool   `json:"leveledUp"`
}
