package models

import (
	"time"

	"github.com/google/uuid"
)

// Round is the question selection currently offered to participants.
type Round struct {
	ID        uuid.UUID `json:"id"`
	Questions []int     `json:"questions"` // pool indices, in presentation order
	DrawnAt   time.Time `json:"drawn_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"` // zero when the round never closes on its own
}

// Len returns the number of questions in the round.
func (r Round) Len() int { return len(r.Questions) }

// Empty reports whether no round has been drawn yet.
func (r Round) Empty() bool { return len(r.Questions) == 0 }

// Closed reports whether the round lifetime has elapsed at now.
func (r Round) Closed(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// QuestionAt resolves a round position to its pool index.
func (r Round) QuestionAt(position int) (int, bool) {
	if position < 0 || position >= len(r.Questions) {
		return 0, false
	}
	return r.Questions[position], true
}
