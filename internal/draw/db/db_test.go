package db_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"ms-advent/internal/calendar"
	"ms-advent/internal/database"
	"ms-advent/internal/draw"
	drawdb "ms-advent/internal/draw/db"
	"ms-advent/internal/models"
)

func setupStore(t *testing.T, budget int) *drawdb.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { bunDB.Close() })

	ctx := context.Background()
	require.NoError(t, database.CreateSchema(ctx, bunDB))

	store := &drawdb.DB{Bun: bunDB, Season: 2023}
	require.NoError(t, store.EnsureBudget(ctx, budget))
	return store
}

func newReward(userID string, day int) *models.Reward {
	return &models.Reward{
		RewardID:        uuid.NewString(),
		UserID:          userID,
		Day:             day,
		PrizeName:       "Freigetränk",
		RedemptionToken: uuid.NewString(),
		IssuedAt:        time.Now(),
	}
}

func TestCreateIfAbsent(t *testing.T) {
	store := setupStore(t, 10)
	ctx := context.Background()

	first := &models.Participation{
		UserID:   "user-a",
		Day:      5,
		OpenedAt: time.Now(),
		Outcome:  models.OutcomePending,
	}
	stored, created, err := store.CreateIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.OutcomePending, stored.Outcome)

	// Second insert for the same user-day hits the unique index and
	// returns the existing record.
	dup := &models.Participation{
		UserID:   "user-a",
		Day:      5,
		OpenedAt: time.Now(),
		Outcome:  models.OutcomePending,
	}
	existing, created, err := store.CreateIfAbsent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, stored.ID, existing.ID)

	// A different day for the same user is a fresh record.
	_, created, err = store.CreateIfAbsent(ctx, &models.Participation{
		UserID:   "user-a",
		Day:      6,
		OpenedAt: time.Now(),
		Outcome:  models.OutcomePending,
	})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestSetOutcomeHappensOnce(t *testing.T) {
	store := setupStore(t, 10)
	ctx := context.Background()

	_, _, err := store.CreateIfAbsent(ctx, &models.Participation{
		UserID:   "user-a",
		Day:      5,
		OpenedAt: time.Now(),
		Outcome:  models.OutcomePending,
	})
	require.NoError(t, err)

	require.NoError(t, store.SetOutcome(ctx, "user-a", 5, models.OutcomeWon))

	// The second transition fails: pending -> terminal happens exactly once.
	err = store.SetOutcome(ctx, "user-a", 5, models.OutcomeNoPrize)
	assert.ErrorIs(t, err, draw.ErrOutcomeAlreadySet)

	stored, err := store.Find(ctx, "user-a", 5)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeWon, stored.Outcome)
}

func TestFindMissingReturnsNil(t *testing.T) {
	store := setupStore(t, 10)

	stored, err := store.Find(context.Background(), "nobody", 3)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestReserveAndCreateExhaustsBudget(t *testing.T) {
	store := setupStore(t, 2)
	ctx := context.Background()

	require.NoError(t, store.ReserveAndCreate(ctx, newReward("user-a", 1)))
	require.NoError(t, store.ReserveAndCreate(ctx, newReward("user-b", 1)))

	remaining, err := store.RemainingBudget(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	err = store.ReserveAndCreate(ctx, newReward("user-c", 1))
	assert.ErrorIs(t, err, draw.ErrBudgetExhausted)

	count, err := store.CountRewards(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestReleaseRestoresBudget(t *testing.T) {
	store := setupStore(t, 1)
	ctx := context.Background()

	reward := newReward("user-a", 4)
	require.NoError(t, store.ReserveAndCreate(ctx, reward))

	remaining, _ := store.RemainingBudget(ctx)
	require.Equal(t, 0, remaining)

	require.NoError(t, store.Release(ctx, reward.RewardID))

	remaining, err := store.RemainingBudget(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	count, _ := store.CountRewards(ctx)
	assert.Equal(t, 0, count)

	// Releasing an unknown id is a no-op.
	require.NoError(t, store.Release(ctx, "no-such-reward"))
	remaining, _ = store.RemainingBudget(ctx)
	assert.Equal(t, 1, remaining)
}

func TestRewardsAreScopedBySeason(t *testing.T) {
	store := setupStore(t, 5)
	ctx := context.Background()

	// A record from an earlier season must not count against this
	// season's budget.
	legacy := drawdb.DB{Bun: store.Bun, Season: 2022}
	require.NoError(t, legacy.EnsureBudget(ctx, 5))
	require.NoError(t, legacy.ReserveAndCreate(ctx, newReward("user-a", 3)))

	count, err := store.CountRewards(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = store.FindReward(ctx, "user-a", 3)
	assert.ErrorIs(t, err, draw.ErrNoReward)

	reward, err := legacy.FindReward(ctx, "user-a", 3)
	require.NoError(t, err)
	assert.Equal(t, 2022, reward.Season)
}

func TestFindReward(t *testing.T) {
	store := setupStore(t, 5)
	ctx := context.Background()

	reward := newReward("user-a", 7)
	require.NoError(t, store.ReserveAndCreate(ctx, reward))

	found, err := store.FindReward(ctx, "user-a", 7)
	require.NoError(t, err)
	assert.Equal(t, reward.RewardID, found.RewardID)
	assert.Equal(t, reward.RedemptionToken, found.RedemptionToken)

	_, err = store.FindReward(ctx, "user-a", 8)
	assert.ErrorIs(t, err, draw.ErrNoReward)
}

func TestMarkRedeemedFlipsOnce(t *testing.T) {
	store := setupStore(t, 5)
	ctx := context.Background()

	reward := newReward("user-a", 2)
	require.NoError(t, store.ReserveAndCreate(ctx, reward))

	require.NoError(t, store.MarkRedeemed(ctx, reward.RewardID))

	stored, err := store.GetRewardByID(ctx, reward.RewardID)
	require.NoError(t, err)
	assert.True(t, stored.Redeemed)

	assert.Error(t, store.MarkRedeemed(ctx, reward.RewardID))
	assert.Error(t, store.MarkRedeemed(ctx, "no-such-reward"))
}

func TestListRewardsByUser(t *testing.T) {
	store := setupStore(t, 5)
	ctx := context.Background()

	require.NoError(t, store.ReserveAndCreate(ctx, newReward("user-a", 9)))
	require.NoError(t, store.ReserveAndCreate(ctx, newReward("user-a", 3)))
	require.NoError(t, store.ReserveAndCreate(ctx, newReward("user-b", 3)))

	list, err := store.ListRewardsByUser(ctx, "user-a")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 3, list[0].Day)
	assert.Equal(t, 9, list[1].Day)
}

func TestEnsureBudgetIsIdempotent(t *testing.T) {
	store := setupStore(t, 3)
	ctx := context.Background()

	require.NoError(t, store.ReserveAndCreate(ctx, newReward("user-a", 1)))

	// A second seed on startup must not reset the counter.
	require.NoError(t, store.EnsureBudget(ctx, 3))

	remaining, err := store.RemainingBudget(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
}

func TestEnsureBudgetAppliesCapChange(t *testing.T) {
	store := setupStore(t, 3)
	ctx := context.Background()

	require.NoError(t, store.ReserveAndCreate(ctx, newReward("user-a", 1)))

	// Raising the cap across a restart adds the delta to remaining, so the
	// already-awarded prize still counts.
	require.NoError(t, store.EnsureBudget(ctx, 5))
	remaining, err := store.RemainingBudget(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, remaining)

	// Lowering it below what was already awarded floors remaining at zero.
	require.NoError(t, store.EnsureBudget(ctx, 1))
	remaining, err = store.RemainingBudget(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	err = store.ReserveAndCreate(ctx, newReward("user-b", 2))
	assert.ErrorIs(t, err, draw.ErrBudgetExhausted)
}

func TestDailyStats(t *testing.T) {
	store := setupStore(t, 5)
	ctx := context.Background()

	open := func(userID string, day int, outcome string) {
		_, _, err := store.CreateIfAbsent(ctx, &models.Participation{
			UserID:   userID,
			Day:      day,
			OpenedAt: time.Now(),
			Outcome:  models.OutcomePending,
		})
		require.NoError(t, err)
		require.NoError(t, store.SetOutcome(ctx, userID, day, outcome))
	}
	open("user-a", 3, models.OutcomeWon)
	open("user-b", 3, models.OutcomeNoPrize)
	open("user-a", 4, models.OutcomeNoPrize)

	stats, err := store.DailyStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, draw.DayStats{Day: 3, Opens: 2, Wins: 1}, stats[0])
	assert.Equal(t, draw.DayStats{Day: 4, Opens: 1, Wins: 0}, stats[1])
}

// A request can crash after its reward is persisted but before the won
// outcome commits. A later open of the same door must surface that reward,
// not re-draw: a losing redraw would orphan it and a winning one would
// collide with the per-day unique index.
func TestRecoveryOfInterruptedWin(t *testing.T) {
	for name, roll := range map[string]float64{"losing redraw": 0.99, "winning redraw": 0} {
		t.Run(name, func(t *testing.T) {
			store := setupStore(t, 10)
			ctx := context.Background()

			now := time.Date(2023, time.December, 5, 13, 0, 0, 0, time.UTC)
			_, _, err := store.CreateIfAbsent(ctx, &models.Participation{
				UserID:   "user-a",
				Day:      5,
				OpenedAt: now.Add(-5 * time.Minute),
				Outcome:  models.OutcomePending,
			})
			require.NoError(t, err)

			orphan := newReward("user-a", 5)
			require.NoError(t, store.ReserveAndCreate(ctx, orphan))

			season := calendar.NewSeason(2023, time.UTC, 10, nil)
			engine := draw.NewEngine(store, store, season, nil)
			engine.Prize = draw.PrizeInfo{Name: "Freigetränk"}
			engine.Rand = func() float64 { return roll }

			result, err := engine.OpenDoor(ctx, "user-a", 5, now)
			require.NoError(t, err)

			assert.Equal(t, draw.StatusWon, result.Status)
			require.NotNil(t, result.Reward)
			assert.Equal(t, orphan.RewardID, result.Reward.RewardID)

			stored, err := store.Find(ctx, "user-a", 5)
			require.NoError(t, err)
			assert.Equal(t, models.OutcomeWon, stored.Outcome)

			count, _ := store.CountRewards(ctx)
			assert.Equal(t, 1, count)
			remaining, _ := store.RemainingBudget(ctx)
			assert.Equal(t, 9, remaining)
		})
	}
}
