package calendar

import (
	"fmt"
	"math/rand"
	"time"
)

const (
	// FirstDay and LastDay bound the calendar: one door per December day.
	FirstDay = 1
	LastDay  = 24

	// DefaultPrizeCap is the fixed number of prizes per season.
	DefaultPrizeCap = 10
)

// DefaultRevealHours are the local hours during which a draw may resolve as
// a win. Outside these hours a door can still be opened, but never wins.
var DefaultRevealHours = []int{12, 13, 14, 15, 16, 17, 18, 19, 20, 21}

// Season is the static calendar configuration the engine treats as
// read-only input. Loaded once at startup.
type Season struct {
	Year        int
	Location    *time.Location
	PrizeCap    int
	RevealHours []int
}

func NewSeason(year int, loc *time.Location, cap int, revealHours []int) *Season {
	if loc == nil {
		loc = time.UTC
	}
	if cap <= 0 {
		cap = DefaultPrizeCap
	}
	if len(revealHours) == 0 {
		revealHours = DefaultRevealHours
	}
	return &Season{
		Year:        year,
		Location:    loc,
		PrizeCap:    cap,
		RevealHours: revealHours,
	}
}

// ValidDay reports whether day identifies a door of this calendar.
func (s *Season) ValidDay(day int) bool {
	return day >= FirstDay && day <= LastDay
}

// UnlockDate returns the local midnight at which the given door becomes
// eligible: door d unlocks on December d of the season year.
func (s *Season) UnlockDate(day int) time.Time {
	return time.Date(s.Year, time.December, day, 0, 0, 0, 0, s.Location)
}

// DoorUnlocked reports whether the door may be opened at the given instant.
func (s *Season) DoorUnlocked(day int, now time.Time) bool {
	return !now.In(s.Location).Before(s.UnlockDate(day))
}

// WinWindowOpen reports whether a draw at the given instant is allowed to
// resolve as a win. Openers outside the reveal hours structurally cannot
// win, which spreads the winning chances over the day.
func (s *Season) WinWindowOpen(now time.Time) bool {
	hour := now.In(s.Location).Hour()
	for _, h := range s.RevealHours {
		if h == hour {
			return true
		}
	}
	return false
}

// EarliestReveal returns the first instant of the given day at which a win
// is possible.
func (s *Season) EarliestReveal(day int) time.Time {
	earliest := s.RevealHours[0]
	for _, h := range s.RevealHours[1:] {
		if h < earliest {
			earliest = h
		}
	}
	return time.Date(s.Year, time.December, day, earliest, 0, 0, 0, s.Location)
}

// RemainingDays returns the number of season days left including today,
// clamped to [0, LastDay]. Used as the denominator of the draw probability.
func (s *Season) RemainingDays(now time.Time) int {
	local := now.In(s.Location)
	if local.Before(s.UnlockDate(FirstDay)) {
		return LastDay
	}
	if local.Year() > s.Year || local.Month() != time.December || local.Day() > LastDay {
		return 0
	}
	return LastDay - local.Day() + 1
}

// CurrentDay returns the door number matching the given instant, or 0 when
// the instant falls outside the season.
func (s *Season) CurrentDay(now time.Time) int {
	local := now.In(s.Location)
	if local.Year() != s.Year || local.Month() != time.December || local.Day() > LastDay {
		return 0
	}
	return local.Day()
}

// DoorOrder returns the shuffled display order of all doors. The same seed
// always yields the same order, so the calendar layout is stable for a
// season while still looking scrambled.
func (s *Season) DoorOrder(seed int64) []int {
	order := make([]int, LastDay)
	for i := range order {
		order[i] = i + FirstDay
	}
	rand.New(rand.NewSource(seed)).Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	return order
}

func (s *Season) String() string {
	return fmt.Sprintf("season %d (cap %d, %d reveal hours)", s.Year, s.PrizeCap, len(s.RevealHours))
}
