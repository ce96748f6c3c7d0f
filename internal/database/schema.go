package database

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"ms-advent/internal/models"
)

// CreateSchema creates the tables and indexes for SQLite deployments.
// Postgres deployments run versioned SQL migrations instead (see Runner).
func CreateSchema(ctx context.Context, db *bun.DB) error {
	tables := []interface{}{
		(*models.User)(nil),
		(*models.Participation)(nil),
		(*models.Reward)(nil),
		(*models.SeasonBudget)(nil),
	}
	for _, model := range tables {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table for %T: %w", model, err)
		}
	}

	// The one-door-per-user-per-day rule lives in this index.
	_, err := db.NewCreateIndex().
		Model((*models.Participation)(nil)).
		Index("idx_participations_user_day").
		Unique().
		Column("user_id", "day").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create participation index: %w", err)
	}

	// At most one reward per user and door within a season.
	_, err = db.NewCreateIndex().
		Model((*models.Reward)(nil)).
		Index("idx_rewards_season_user_day").
		Unique().
		Column("season", "user_id", "day").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create reward index: %w", err)
	}

	return nil
}
