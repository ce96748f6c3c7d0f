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

// EnsureBudget seeds the season's counter row if it does not exist yet and
// applies cap changes across restarts: remaining shifts by the same delta,
// so already-awarded prizes keep counting against the new cap. Safe to call
// on every startup.
func (d *DB) EnsureBudget(ctx context.Context, prizeCap int) error {
	budget := &models.SeasonBudget{Season: d.Season, Cap: prizeCap, Remaining: prizeCap}
	_, err := d.Bun.NewInsert().
		Model(budget).
		On("CONFLICT (season) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return err
	}

	var stored models.SeasonBudget
	if err := d.Bun.NewSelect().Model(&stored).Where("season = ?", d.Season).Scan(ctx); err != nil {
		return fmt.Errorf("budget row for season %d: %w", d.Season, err)
	}
	if stored.Cap == prizeCap {
		return nil
	}

	remaining := stored.Remaining + (prizeCap - stored.Cap)
	if remaining < 0 {
		remaining = 0
	}
	_, err = d.Bun.NewUpdate().
		Model((*models.SeasonBudget)(nil)).
		Set("cap = ?", prizeCap).
		Set("remaining = ?", remaining).
		Where("season = ?", d.Season).
		Where("cap = ?", stored.Cap).
		Exec(ctx)
	return err
}

func (d *DB) CountRewards(ctx context.Context) (int, error) {
	return d.Bun.NewSelect().
		Model((*models.Reward)(nil)).
		Where("season = ?", d.Season).
		Count(ctx)
}

func (d *DB) RemainingBudget(ctx context.Context) (int, error) {
	var budget models.SeasonBudget
	err := d.Bun.NewSelect().
		Model(&budget).
		Where("season = ?", d.Season).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return 0, fmt.Errorf("budget row for season %d: %w", d.Season, err)
	}
	return budget.Remaining, nil
}

// ReserveAndCreate takes one budget unit and persists the reward in a
// single transaction. The conditional decrement (remaining > 0) is the
// atomic reservation: once remaining hits zero, concurrent winning draws
// all see zero rows affected and fail with ErrBudgetExhausted.
func (d *DB) ReserveAndCreate(ctx context.Context, reward *models.Reward) error {
	reward.Season = d.Season
	return d.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*models.SeasonBudget)(nil)).
			Set("remaining = remaining - 1").
			Where("season = ?", d.Season).
			Where("remaining > 0").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("reserve budget unit: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return draw.ErrBudgetExhausted
		}

		if _, err := tx.NewInsert().Model(reward).Exec(ctx); err != nil {
			return fmt.Errorf("insert reward %s: %w", reward.RewardID, err)
		}

		var budget models.SeasonBudget
		if err := tx.NewSelect().Model(&budget).Where("season = ?", d.Season).Scan(ctx); err != nil {
			return err
		}
		count, err := tx.NewSelect().Model((*models.Reward)(nil)).Where("season = ?", d.Season).Count(ctx)
		if err != nil {
			return err
		}
		if count > budget.Cap {
			// The storage layer broke the reservation contract; roll the
			// whole thing back.
			return fmt.Errorf("%d rewards with cap %d: %w", count, budget.Cap, draw.ErrBudgetInvariant)
		}
		return nil
	})
}

// Release undoes a reservation: deletes the reward and hands the budget
// unit back. Used when a winning draw loses the outcome-commit race.
func (d *DB) Release(ctx context.Context, rewardID string) error {
	return d.Bun.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().
			Model((*models.Reward)(nil)).
			Where("reward_id = ?", rewardID).
			Exec(ctx)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return nil // nothing reserved under this id
		}
		_, err = tx.NewUpdate().
			Model((*models.SeasonBudget)(nil)).
			Set("remaining = remaining + 1").
			Where("season = ?", d.Season).
			Exec(ctx)
		return err
	})
}

func (d *DB) FindReward(ctx context.Context, userID string, day int) (*models.Reward, error) {
	var reward models.Reward
	err := d.Bun.NewSelect().
		Model(&reward).
		Where("season = ?", d.Season).
		Where("user_id = ?", userID).
		Where("day = ?", day).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s day %d: %w", userID, day, draw.ErrNoReward)
	}
	if err != nil {
		return nil, err
	}
	return &reward, nil
}

func (d *DB) GetRewardByID(ctx context.Context, rewardID string) (*models.Reward, error) {
	var reward models.Reward
	err := d.Bun.NewSelect().
		Model(&reward).
		Where("reward_id = ?", rewardID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &reward, nil
}

func (d *DB) ListRewardsByUser(ctx context.Context, userID string) ([]models.Reward, error) {
	var list []models.Reward
	err := d.Bun.NewSelect().
		Model(&list).
		Where("user_id = ?", userID).
		Order("day").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return list, nil
}

// MarkRedeemed flips the redeemed flag once. The redemption scanner is the
// only caller; the draw engine never touches this.
func (d *DB) MarkRedeemed(ctx context.Context, rewardID string) error {
	res, err := d.Bun.NewUpdate().
		Model((*models.Reward)(nil)).
		Set("redeemed = ?", true).
		Where("reward_id = ?", rewardID).
		Where("redeemed = ? OR redeemed IS NULL", false).
		Exec(ctx)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errors.New("reward already redeemed or unknown")
	}
	return nil
}
