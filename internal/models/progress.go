package models

// Progress is a user's standing in the current round.
type Progress struct {
	UserID   int64 `json:"user_id"`
	Position int   `json:"position"`
	Correct  int   `json:"correct"`
	Finished bool  `json:"finished"`
}
