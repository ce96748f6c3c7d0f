package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Reward is a single awarded prize. Created only by the draw engine at the
// moment a win is decided; Redeemed is flipped later by the redemption
// endpoint, never by the engine.
type Reward struct {
	bun.BaseModel `bun:"table:rewards"`

	RewardID        string    `bun:"reward_id,pk" json:"reward_id"`
	Season          int       `bun:"season,notnull" json:"season"`
	UserID          string    `bun:"user_id,notnull" json:"user_id"`
	Day             int       `bun:"day,notnull" json:"day"`
	PrizeName       string    `bun:"prize_name,notnull" json:"prize_name"`
	Sponsor         string    `bun:"sponsor,nullzero" json:"sponsor,omitempty"`
	SponsorLink     string    `bun:"sponsor_link,nullzero" json:"sponsor_link,omitempty"`
	RedemptionToken string    `bun:"redemption_token,unique,notnull" json:"redemption_token"`
	QRCode          []byte    `bun:"qr_code" json:"-"`
	IssuedAt        time.Time `bun:"issued_at,notnull" json:"issued_at"`
	Redeemed        bool      `bun:"redeemed,nullzero" json:"redeemed"`
}
