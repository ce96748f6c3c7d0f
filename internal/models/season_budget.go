package models

import (
	"github.com/uptrace/bun"
)

// SeasonBudget is the season-wide prize counter. Remaining is only ever
// changed through a conditional decrement (remaining > 0), so concurrent
// winning draws cannot push the reward count above Cap.
type SeasonBudget struct {
	bun.BaseModel `bun:"table:season_budget"`

	Season    int `bun:"season,pk" json:"season"`
	Cap       int `bun:"cap,notnull" json:"cap"`
	Remaining int `bun:"remaining,notnull" json:"remaining"`
}
