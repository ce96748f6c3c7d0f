package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"ms-advent/internal/draw"
	"ms-advent/internal/models"
)

// DB implements draw.ParticipationStore and draw.RewardLedger on bun.
// Season keys the budget counter row.
type DB struct {
	Bun    *bun.DB
	Season int
}

func (d *DB) Find(ctx context.Context, userID string, day int) (*models.Participation, error) {
	var p models.Participation
	err := d.Bun.NewSelect().
		Model(&p).
		Where("user_id = ?", userID).
		Where("day = ?", day).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateIfAbsent inserts the record unless one already exists for the
// (user_id, day) pair. The unique index makes the existence check and the
// insert a single atomic step; on conflict the stored record is re-read
// and returned with created=false.
func (d *DB) CreateIfAbsent(ctx context.Context, p *models.Participation) (*models.Participation, bool, error) {
	res, err := d.Bun.NewInsert().
		Model(p).
		On("CONFLICT (user_id, day) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if rows > 0 {
		return p, true, nil
	}

	existing, err := d.Find(ctx, p.UserID, p.Day)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("participation for user %s day %d: %w", p.UserID, p.Day, draw.ErrConflict)
	}
	return existing, false, nil
}

// SetOutcome moves a pending record to its terminal outcome. The WHERE on
// outcome = 'pending' is what makes the transition happen exactly once.
func (d *DB) SetOutcome(ctx context.Context, userID string, day int, outcome string) error {
	res, err := d.Bun.NewUpdate().
		Model((*models.Participation)(nil)).
		Set("outcome = ?", outcome).
		Where("user_id = ?", userID).
		Where("day = ?", day).
		Where("outcome = ?", models.OutcomePending).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return draw.ErrOutcomeAlreadySet
	}
	return nil
}

func (d *DB) ListByUser(ctx context.Context, userID string) ([]models.Participation, error) {
	var records []models.Participation
	err := d.Bun.NewSelect().
		Model(&records).
		Where("user_id = ?", userID).
		Order("day").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return records, nil
}
