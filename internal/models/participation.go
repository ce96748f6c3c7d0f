package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Outcome values for a Participation. The outcome is set exactly once:
// pending -> no_prize or pending -> won, never back.
const (
	OutcomePending = "pending"
	OutcomeNoPrize = "no_prize"
	OutcomeWon     = "won"
)

// Participation records one user's interaction with one calendar door.
// The (user_id, day) pair carries a unique index, which is what enforces
// the one-door-per-user-per-day rule under concurrent opens.
type Participation struct {
	bun.BaseModel `bun:"table:participations"`

	ID       int64     `bun:"id,pk,autoincrement" json:"id"`
	UserID   string    `bun:"user_id,notnull" json:"user_id"`
	Day      int       `bun:"day,notnull" json:"day"`
	OpenedAt time.Time `bun:"opened_at,notnull" json:"opened_at"`
	Outcome  string    `bun:"outcome,notnull" json:"outcome"`
}
