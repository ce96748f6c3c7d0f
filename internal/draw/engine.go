package draw

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"ms-advent/internal/calendar"
	"ms-advent/internal/logger"
	"ms-advent/internal/models"
	"ms-advent/internal/rewards"
)

var (
	// ErrInvalidDay is returned for a day outside the 1..24 calendar.
	ErrInvalidDay = errors.New("day outside the calendar")

	// ErrDoorNotYetAvailable is returned when a door is opened before its
	// unlock date. User-visible and non-retryable until the date passes.
	ErrDoorNotYetAvailable = errors.New("door not yet available")

	// ErrBudgetExhausted is returned by a RewardLedger when the season
	// budget cannot fund another reward. Not an error to the end user:
	// the draw resolves as no_prize instead.
	ErrBudgetExhausted = errors.New("season prize budget exhausted")

	// ErrConflict marks a transient storage write conflict. The engine
	// retries these a bounded number of times.
	ErrConflict = errors.New("storage write conflict")

	// ErrOutcomeAlreadySet is returned by SetOutcome when the outcome was
	// decided by a concurrent request. pending -> terminal happens once.
	ErrOutcomeAlreadySet = errors.New("participation outcome already set")

	// ErrNoReward is returned by FindReward when no reward exists for the
	// (user, day) pair.
	ErrNoReward = errors.New("no reward for user and day")

	// ErrBudgetInvariant means the reward count exceeds the season cap.
	// That indicates the storage layer broke the atomic-reservation
	// contract; it is fatal, never retried.
	ErrBudgetInvariant = errors.New("reward count exceeds season cap")
)

// ParticipationStore tracks which user opened which calendar day.
type ParticipationStore interface {
	Find(ctx context.Context, userID string, day int) (*models.Participation, error)
	CreateIfAbsent(ctx context.Context, p *models.Participation) (*models.Participation, bool, error)
	SetOutcome(ctx context.Context, userID string, day int, outcome string) error
	ListByUser(ctx context.Context, userID string) ([]models.Participation, error)
}

// RewardLedger is the durable record of awarded prizes.
type RewardLedger interface {
	CountRewards(ctx context.Context) (int, error)
	RemainingBudget(ctx context.Context) (int, error)
	// ReserveAndCreate atomically takes one unit of budget and persists the
	// reward. Returns ErrBudgetExhausted when no budget is left.
	ReserveAndCreate(ctx context.Context, reward *models.Reward) error
	// Release undoes a reservation made by ReserveAndCreate.
	Release(ctx context.Context, rewardID string) error
	// FindReward returns ErrNoReward when the pair has no reward.
	FindReward(ctx context.Context, userID string, day int) (*models.Reward, error)
}

// RewardPublisher announces committed wins on the event stream. Optional;
// publish failures never fail a draw.
type RewardPublisher interface {
	PublishRewardIssued(reward models.Reward) error
}

// DoorLock suppresses duplicate rapid requests for the same user and day.
// Advisory only: correctness rests on the store's unique index and the
// ledger's conditional decrement.
type DoorLock interface {
	LockDoor(ctx context.Context, userID string, day int) (bool, error)
	UnlockDoor(ctx context.Context, userID string, day int) error
}

type Status string

const (
	StatusAlreadyOpened Status = "already_opened"
	StatusNoPrize       Status = "no_prize"
	StatusWon           Status = "won"
)

// Result is the uniform return contract of OpenDoor. The web layer renders
// the three cases differently.
type Result struct {
	Status   Status         `json:"status"`
	Outcome  string         `json:"outcome"`
	Reward   *models.Reward `json:"reward,omitempty"`
	Replayed bool           `json:"replayed"`
}

// BudgetStatus is the read-only answer of RemainingBudget.
type BudgetStatus struct {
	Cap       int `json:"cap"`
	Awarded   int `json:"awarded"`
	Remaining int `json:"remaining"`
	DaysLeft  int `json:"days_left"`
}

// DayStats aggregates door activity for one calendar day.
type DayStats struct {
	Day   int `bun:"day" json:"day"`
	Opens int `bun:"opens" json:"opens"`
	Wins  int `bun:"wins" json:"wins"`
}

// PrizeInfo is copied onto every issued reward.
type PrizeInfo struct {
	Name        string
	Sponsor     string
	SponsorLink string
}

const (
	// reserveRetries bounds local retries of transient reservation
	// conflicts before surfacing a failure.
	reserveRetries = 3

	// pendingGrace is how long an undecided record is considered owned by
	// the request that created it. Duplicates inside the window replay the
	// pending outcome instead of drawing; after the window the record is
	// treated as abandoned (crashed mid-draw) and resolved.
	pendingGrace = time.Minute
)

// Engine decides, for a single door-open request, whether the opener wins a
// prize. Stateless between calls except for what it reads and writes
// through the two stores.
type Engine struct {
	Store  ParticipationStore
	Ledger RewardLedger
	Season *calendar.Season
	Locks  DoorLock        // optional
	Events RewardPublisher // optional; wins are announced only after the outcome commits
	Prize  PrizeInfo
	Logger *logger.Logger

	// Rand returns a uniform float in [0, 1). Injected so draws replay
	// deterministically in tests; defaults to math/rand.
	Rand func() float64

	// Tokens mints redemption tokens. Defaults to rewards.NewRedemptionToken.
	Tokens func() (string, error)
}

func NewEngine(store ParticipationStore, ledger RewardLedger, season *calendar.Season, log *logger.Logger) *Engine {
	return &Engine{
		Store:  store,
		Ledger: ledger,
		Season: season,
		Logger: log,
		Rand:   rand.Float64,
		Tokens: rewards.NewRedemptionToken,
	}
}

// OpenDoor runs one draw for (userID, day) at the injected instant now.
//
// It fails with ErrDoorNotYetAvailable before the day's unlock date and
// replays the stored outcome when the user already opened the door. A
// fresh draw can only win inside the season's reveal hours and while the
// budget has prizes left; success probability is remaining prizes divided
// by remaining days including today, recomputed per draw.
func (e *Engine) OpenDoor(ctx context.Context, userID string, day int, now time.Time) (*Result, error) {
	if !e.Season.ValidDay(day) {
		return nil, fmt.Errorf("day %d: %w", day, ErrInvalidDay)
	}
	if !e.Season.DoorUnlocked(day, now) {
		return nil, fmt.Errorf("door %d unlocks on %s: %w",
			day, e.Season.UnlockDate(day).Format("2006-01-02"), ErrDoorNotYetAvailable)
	}

	if e.Locks != nil {
		if ok, err := e.Locks.LockDoor(ctx, userID, day); err == nil && ok {
			defer e.Locks.UnlockDoor(ctx, userID, day)
		}
	}

	record := &models.Participation{
		UserID:   userID,
		Day:      day,
		OpenedAt: now,
		Outcome:  models.OutcomePending,
	}
	stored, created, err := e.Store.CreateIfAbsent(ctx, record)
	if err != nil {
		return nil, fmt.Errorf("create participation for day %d: %w", day, err)
	}

	if !created {
		if stored.Outcome != models.OutcomePending {
			return e.replay(ctx, stored)
		}
		if now.Sub(stored.OpenedAt) < pendingGrace {
			// Another request for this user-day is still deciding.
			return &Result{Status: StatusAlreadyOpened, Outcome: models.OutcomePending, Replayed: true}, nil
		}
		// Abandoned by a crashed request; finish the decision now.
		return e.recoverAbandoned(ctx, stored, now)
	}

	return e.resolve(ctx, stored, now)
}

// RemainingBudget reports the unallocated prize count and days left. Read
// only, no side effects.
func (e *Engine) RemainingBudget(ctx context.Context, now time.Time) (*BudgetStatus, error) {
	remaining, err := e.Ledger.RemainingBudget(ctx)
	if err != nil {
		return nil, fmt.Errorf("remaining budget: %w", err)
	}
	awarded, err := e.Ledger.CountRewards(ctx)
	if err != nil {
		return nil, fmt.Errorf("count rewards: %w", err)
	}
	if awarded > e.Season.PrizeCap {
		return nil, fmt.Errorf("%d rewards with cap %d: %w", awarded, e.Season.PrizeCap, ErrBudgetInvariant)
	}
	return &BudgetStatus{
		Cap:       e.Season.PrizeCap,
		Awarded:   awarded,
		Remaining: remaining,
		DaysLeft:  e.Season.RemainingDays(now),
	}, nil
}

func (e *Engine) replay(ctx context.Context, stored *models.Participation) (*Result, error) {
	res := &Result{Status: StatusAlreadyOpened, Outcome: stored.Outcome, Replayed: true}
	if stored.Outcome == models.OutcomeWon {
		reward, err := e.Ledger.FindReward(ctx, stored.UserID, stored.Day)
		if err != nil {
			return nil, fmt.Errorf("reward for replayed win on day %d: %w", stored.Day, err)
		}
		res.Reward = reward
	}
	return res, nil
}

// recoverAbandoned finishes the decision a crashed request left behind. The
// crash may have happened after the reward was reserved but before the won
// outcome committed, so a stored reward takes precedence over a fresh draw:
// re-drawing would either orphan that reward or collide with it.
func (e *Engine) recoverAbandoned(ctx context.Context, rec *models.Participation, now time.Time) (*Result, error) {
	reward, err := e.Ledger.FindReward(ctx, rec.UserID, rec.Day)
	if err != nil && !errors.Is(err, ErrNoReward) {
		return nil, fmt.Errorf("check reward for abandoned day %d: %w", rec.Day, err)
	}
	if reward == nil {
		return e.resolve(ctx, rec, now)
	}

	if err := e.Store.SetOutcome(ctx, rec.UserID, rec.Day, models.OutcomeWon); err != nil {
		if errors.Is(err, ErrOutcomeAlreadySet) {
			return e.replayStored(ctx, rec)
		}
		return nil, fmt.Errorf("commit recovered win for day %d: %w", rec.Day, err)
	}
	if e.Logger != nil {
		e.Logger.LogDraw(rec.UserID, rec.Day, "recovered interrupted win "+reward.RewardID)
	}
	e.announceWin(reward)
	return &Result{Status: StatusWon, Outcome: models.OutcomeWon, Reward: reward}, nil
}

func (e *Engine) resolve(ctx context.Context, rec *models.Participation, now time.Time) (*Result, error) {
	if !e.Season.WinWindowOpen(now) {
		// No prize before the reveal window, regardless of random outcome.
		return e.concludeNoPrize(ctx, rec)
	}

	remaining, err := e.Ledger.RemainingBudget(ctx)
	if err != nil {
		return nil, fmt.Errorf("remaining budget: %w", err)
	}
	if remaining <= 0 {
		// Doors still open after the prizes run out; they just never win.
		return e.concludeNoPrize(ctx, rec)
	}

	if e.random() >= e.winProbability(remaining, now) {
		return e.concludeNoPrize(ctx, rec)
	}

	reward, err := e.issueReward(ctx, rec, now)
	if errors.Is(err, ErrBudgetExhausted) {
		// A concurrent draw took the last prize between the budget read
		// and the reservation.
		return e.concludeNoPrize(ctx, rec)
	}
	if err != nil {
		return nil, err
	}

	if err := e.Store.SetOutcome(ctx, rec.UserID, rec.Day, models.OutcomeWon); err != nil {
		if errors.Is(err, ErrOutcomeAlreadySet) {
			// Lost the decision race; hand the budget unit back.
			if relErr := e.Ledger.Release(ctx, reward.RewardID); relErr != nil {
				return nil, fmt.Errorf("release reward %s: %w", reward.RewardID, relErr)
			}
			return e.replayStored(ctx, rec)
		}
		return nil, fmt.Errorf("record win for day %d: %w", rec.Day, err)
	}

	if e.Logger != nil {
		e.Logger.LogDraw(rec.UserID, rec.Day, "won "+reward.PrizeName)
	}
	e.announceWin(reward)
	return &Result{Status: StatusWon, Outcome: models.OutcomeWon, Reward: reward}, nil
}

// announceWin publishes a committed win. Called only after SetOutcome(won)
// succeeded, so the stream never sees a reward a lost race later released.
func (e *Engine) announceWin(reward *models.Reward) {
	if e.Events == nil {
		return
	}
	if err := e.Events.PublishRewardIssued(*reward); err != nil && e.Logger != nil {
		e.Logger.Warn("KAFKA", fmt.Sprintf("reward-issued publish failed for %s: %v", reward.RewardID, err))
	}
}

// winProbability implements the without-replacement allocation policy:
// expected total prizes over the season converge to the cap without the
// count ever exceeding it.
func (e *Engine) winProbability(remaining int, now time.Time) float64 {
	days := e.Season.RemainingDays(now)
	if days < 1 {
		days = 1
	}
	p := float64(remaining) / float64(days)
	if p > 1 {
		p = 1
	}
	return p
}

func (e *Engine) concludeNoPrize(ctx context.Context, rec *models.Participation) (*Result, error) {
	err := e.Store.SetOutcome(ctx, rec.UserID, rec.Day, models.OutcomeNoPrize)
	if errors.Is(err, ErrOutcomeAlreadySet) {
		return e.replayStored(ctx, rec)
	}
	if err != nil {
		return nil, fmt.Errorf("record no_prize for day %d: %w", rec.Day, err)
	}
	return &Result{Status: StatusNoPrize, Outcome: models.OutcomeNoPrize}, nil
}

// replayStored re-reads the record after losing a decision race and
// returns the outcome the winner of the race committed.
func (e *Engine) replayStored(ctx context.Context, rec *models.Participation) (*Result, error) {
	stored, err := e.Store.Find(ctx, rec.UserID, rec.Day)
	if err != nil {
		return nil, fmt.Errorf("reload participation for day %d: %w", rec.Day, err)
	}
	if stored == nil {
		return nil, fmt.Errorf("participation for day %d vanished: %w", rec.Day, ErrConflict)
	}
	return e.replay(ctx, stored)
}

func (e *Engine) issueReward(ctx context.Context, rec *models.Participation, now time.Time) (*models.Reward, error) {
	var lastErr error
	for attempt := 0; attempt < reserveRetries; attempt++ {
		token, err := e.mintToken()
		if err != nil {
			return nil, fmt.Errorf("mint redemption token: %w", err)
		}
		reward := &models.Reward{
			RewardID:        uuid.NewString(),
			UserID:          rec.UserID,
			Day:             rec.Day,
			PrizeName:       e.Prize.Name,
			Sponsor:         e.Prize.Sponsor,
			SponsorLink:     e.Prize.SponsorLink,
			RedemptionToken: token,
			IssuedAt:        now,
		}
		err = e.Ledger.ReserveAndCreate(ctx, reward)
		if err == nil {
			return reward, nil
		}
		if errors.Is(err, ErrBudgetExhausted) || errors.Is(err, ErrBudgetInvariant) {
			return nil, err
		}
		lastErr = err
		if e.Logger != nil {
			e.Logger.Warn("DRAW", fmt.Sprintf("reward reservation attempt %d failed: %v", attempt+1, err))
		}
	}
	return nil, fmt.Errorf("reserve reward after %d attempts: %w", reserveRetries, lastErr)
}

func (e *Engine) random() float64 {
	if e.Rand != nil {
		return e.Rand()
	}
	return rand.Float64()
}

func (e *Engine) mintToken() (string, error) {
	if e.Tokens != nil {
		return e.Tokens()
	}
	return rewards.NewRedemptionToken()
}
