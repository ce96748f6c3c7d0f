package db

import (
	"context"

	"ms-advent/internal/draw"
	"ms-advent/internal/models"
)

// DailyStats aggregates opens and wins per calendar day for the status
// display. Counts every season sharing the table; participations only exist
// for the running season.
func (d *DB) DailyStats(ctx context.Context) ([]draw.DayStats, error) {
	var stats []draw.DayStats
	err := d.Bun.NewSelect().
		TableExpr("participations").
		ColumnExpr("day").
		ColumnExpr("count(*) AS opens").
		ColumnExpr("sum(CASE WHEN outcome = ? THEN 1 ELSE 0 END) AS wins", models.OutcomeWon).
		GroupExpr("day").
		OrderExpr("day").
		Scan(ctx, &stats)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
