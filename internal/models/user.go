package models

import (
	"time"

	"github.com/uptrace/bun"
)

type User struct {
	bun.BaseModel `bun:"table:users"`

	ID           string    `bun:"id,pk" json:"id"`
	Email        string    `bun:"email,unique,notnull" json:"email"`
	DisplayName  string    `bun:"display_name,notnull" json:"display_name"`
	PasswordHash string    `bun:"password_hash" json:"-"`
	Placeholder  bool      `bun:"placeholder,nullzero" json:"placeholder,omitempty"`
	CreatedAt    time.Time `bun:"created_at,notnull" json:"created_at"`
}
