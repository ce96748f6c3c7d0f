package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"ms-advent/internal/auth"
	"ms-advent/internal/calendar"
	"ms-advent/internal/draw"
	"ms-advent/internal/logger"
	"ms-advent/internal/models"
	"ms-advent/internal/rewards/qr"
)

// DrawEngine is the core the handlers delegate every open request to.
type DrawEngine interface {
	OpenDoor(ctx context.Context, userID string, day int, now time.Time) (*draw.Result, error)
	RemainingBudget(ctx context.Context, now time.Time) (*draw.BudgetStatus, error)
}

type UserStore interface {
	FindOrCreate(ctx context.Context, email, displayName string) (*models.User, bool, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
}

type ParticipationReader interface {
	ListByUser(ctx context.Context, userID string) ([]models.Participation, error)
}

type RewardStore interface {
	ListRewardsByUser(ctx context.Context, userID string) ([]models.Reward, error)
	GetRewardByID(ctx context.Context, rewardID string) (*models.Reward, error)
	MarkRedeemed(ctx context.Context, rewardID string) error
}

// EventPublisher streams door-open events; optional.
type EventPublisher interface {
	PublishDoorOpened(rec models.Participation) error
}

// StatsReader supplies the per-day activity breakdown for the status
// display; optional.
type StatsReader interface {
	DailyStats(ctx context.Context) ([]draw.DayStats, error)
}

type Handler struct {
	Engine         DrawEngine
	Users          UserStore
	Participations ParticipationReader
	Rewards        RewardStore
	Events         EventPublisher // optional
	Stats          StatsReader    // optional
	Season         *calendar.Season
	QRGenerator    *qr.QRGenerator
	Logger         *logger.Logger
	SessionSecret  string
	SessionTTL     time.Duration
	DoorSeed       int64

	// Now is the clock for door decisions; injectable for tests.
	Now func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// CreateSession finds or creates the account for the submitted email and
// returns a session token. Password-based login is intentionally not part
// of this service's surface.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string `json:"email"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.Email == "" || req.DisplayName == "" {
		http.Error(w, "email and display_name are required", http.StatusBadRequest)
		return
	}

	user, created, err := h.Users.FindOrCreate(r.Context(), req.Email, req.DisplayName)
	if err != nil {
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}
	if created && h.Logger != nil {
		h.Logger.Info("AUTH", "new account for "+user.Email)
	}

	token, err := auth.NewSessionToken(user.ID, h.SessionSecret, h.SessionTTL)
	if err != nil {
		http.Error(w, "failed to issue session token", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  time.Now().Add(h.SessionTTL),
		HttpOnly: true,
	})
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"user":  user,
	})
}

// DoorView is one entry of the calendar listing.
type DoorView struct {
	Day      int    `json:"day"`
	Unlocked bool   `json:"unlocked"`
	Opened   bool   `json:"opened"`
	Outcome  string `json:"outcome,omitempty"`
}

// GetCalendar lists all doors in their shuffled display order with the
// caller's per-door state.
func (h *Handler) GetCalendar(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "no session", http.StatusUnauthorized)
		return
	}

	records, err := h.Participations.ListByUser(r.Context(), userID)
	if err != nil {
		http.Error(w, "failed to load calendar", http.StatusInternalServerError)
		return
	}
	byDay := make(map[int]models.Participation, len(records))
	for _, rec := range records {
		byDay[rec.Day] = rec
	}

	now := h.now()
	doors := make([]DoorView, 0, calendar.LastDay)
	for _, day := range h.Season.DoorOrder(h.DoorSeed) {
		view := DoorView{
			Day:      day,
			Unlocked: h.Season.DoorUnlocked(day, now),
		}
		if rec, opened := byDay[day]; opened {
			view.Opened = true
			view.Outcome = rec.Outcome
		}
		doors = append(doors, view)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"season": h.Season.Year,
		"doors":  doors,
	})
}

// OpenDoor runs the draw for one door.
func (h *Handler) OpenDoor(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "no session", http.StatusUnauthorized)
		return
	}

	day, err := strconv.Atoi(chi.URLParam(r, "day"))
	if err != nil {
		http.Error(w, "invalid day", http.StatusBadRequest)
		return
	}

	result, err := h.Engine.OpenDoor(r.Context(), userID, day, h.now())
	switch {
	case errors.Is(err, draw.ErrInvalidDay):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, draw.ErrDoorNotYetAvailable):
		respondJSON(w, http.StatusForbidden, map[string]interface{}{
			"error":   "door_not_yet_available",
			"message": "Dieses Türchen kann heute noch nicht geöffnet werden.",
		})
		return
	case err != nil:
		if h.Logger != nil {
			h.Logger.Error("API", fmt.Sprintf("open door %d for %s: %v", day, userID, err))
		}
		http.Error(w, "draw failed", http.StatusInternalServerError)
		return
	}

	if h.Events != nil && !result.Replayed {
		rec := models.Participation{UserID: userID, Day: day, OpenedAt: h.now(), Outcome: result.Outcome}
		if err := h.Events.PublishDoorOpened(rec); err != nil && h.Logger != nil {
			h.Logger.Warn("KAFKA", "door-opened publish failed: "+err.Error())
		}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   result.Status,
		"outcome":  result.Outcome,
		"replayed": result.Replayed,
		"reward":   result.Reward,
		"message":  resultMessage(result),
	})
}

func resultMessage(result *draw.Result) string {
	switch {
	case result.Status == draw.StatusWon:
		return "Glückwunsch! Du hast ein Freigetränk in der Clubstation gewonnen."
	case result.Status == draw.StatusAlreadyOpened && result.Outcome == models.OutcomeWon:
		return "Du hast dieses Türchen bereits geöffnet - und gewonnen!"
	case result.Status == draw.StatusAlreadyOpened:
		return "Du hast dieses Türchen heute bereits geöffnet!"
	default:
		return "Du hattest heute leider kein Glück, versuche es morgen noch einmal!"
	}
}

// ListRewards returns the caller's rewards, without the QR bytes.
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "no session", http.StatusUnauthorized)
		return
	}

	list, err := h.Rewards.ListRewardsByUser(r.Context(), userID)
	if err != nil {
		http.Error(w, "failed to load rewards", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"rewards": list})
}

// GetRewardQR serves the PNG for one of the caller's rewards.
func (h *Handler) GetRewardQR(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "no session", http.StatusUnauthorized)
		return
	}

	rewardID := chi.URLParam(r, "rewardID")
	reward, err := h.Rewards.GetRewardByID(r.Context(), rewardID)
	if err != nil || reward.UserID != userID {
		http.Error(w, "reward not found", http.StatusNotFound)
		return
	}
	if len(reward.QRCode) == 0 {
		http.Error(w, "no QR code stored for this reward", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "reward-"+rewardID+".png"))
	w.Write(reward.QRCode)
}

// RedeemReward is the scanner endpoint at the club station: it decrypts a
// presented QR payload, checks the credential and marks the reward
// redeemed. One redemption per reward.
func (h *Handler) RedeemReward(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EncryptedQR string `json:"encrypted_qr"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.EncryptedQR == "" {
		http.Error(w, "encrypted_qr is required", http.StatusBadRequest)
		return
	}

	payload, err := h.QRGenerator.DecryptPayload(req.EncryptedQR)
	if err != nil {
		http.Error(w, "invalid QR payload", http.StatusBadRequest)
		return
	}

	reward, err := h.Rewards.GetRewardByID(r.Context(), payload.RewardID)
	if err != nil {
		http.Error(w, "reward not found", http.StatusNotFound)
		return
	}
	if reward.RedemptionToken != payload.RedemptionToken {
		http.Error(w, "credential mismatch", http.StatusForbidden)
		return
	}

	if err := h.Rewards.MarkRedeemed(r.Context(), reward.RewardID); err != nil {
		http.Error(w, "reward already redeemed", http.StatusConflict)
		return
	}

	if h.Logger != nil {
		h.Logger.LogLedger("REDEEM", fmt.Sprintf("reward %s redeemed (day %d)", reward.RewardID, reward.Day))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"redeemed":   true,
		"reward_id":  reward.RewardID,
		"day":        reward.Day,
		"prize_name": reward.PrizeName,
	})
}

// Status reports the remaining prize budget, days left and the per-day
// activity breakdown.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.Engine.RemainingBudget(r.Context(), h.now())
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("API", "status: "+err.Error())
		}
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}

	payload := map[string]interface{}{
		"cap":       status.Cap,
		"awarded":   status.Awarded,
		"remaining": status.Remaining,
		"days_left": status.DaysLeft,
	}
	if h.Stats != nil {
		days, err := h.Stats.DailyStats(r.Context())
		if err != nil {
			if h.Logger != nil {
				h.Logger.Error("API", "daily stats: "+err.Error())
			}
		} else {
			payload["days"] = days
		}
	}
	respondJSON(w, http.StatusOK, payload)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
