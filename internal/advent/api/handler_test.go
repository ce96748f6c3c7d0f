package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ms-advent/internal/advent/api"
	"ms-advent/internal/auth"
	"ms-advent/internal/calendar"
	"ms-advent/internal/draw"
	"ms-advent/internal/models"
	"ms-advent/internal/rewards/qr"
)

const testSecret = "test-session-secret"

type fakeEngine struct {
	openDoor func(ctx context.Context, userID string, day int, now time.Time) (*draw.Result, error)
	budget   func(ctx context.Context, now time.Time) (*draw.BudgetStatus, error)
}

func (f *fakeEngine) OpenDoor(ctx context.Context, userID string, day int, now time.Time) (*draw.Result, error) {
	return f.openDoor(ctx, userID, day, now)
}

func (f *fakeEngine) RemainingBudget(ctx context.Context, now time.Time) (*draw.BudgetStatus, error) {
	return f.budget(ctx, now)
}

type fakeUsers struct {
	users map[string]*models.User // by email
}

func (f *fakeUsers) FindOrCreate(_ context.Context, email, displayName string) (*models.User, bool, error) {
	if u, ok := f.users[email]; ok {
		return u, false, nil
	}
	u := &models.User{ID: "user-" + email, Email: email, DisplayName: displayName}
	f.users[email] = u
	return u, true, nil
}

func (f *fakeUsers) FindByID(_ context.Context, id string) (*models.User, error) {
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, errors.New("not found")
}

type fakeParticipations struct {
	records []models.Participation
}

func (f *fakeParticipations) ListByUser(_ context.Context, userID string) ([]models.Participation, error) {
	var list []models.Participation
	for _, rec := range f.records {
		if rec.UserID == userID {
			list = append(list, rec)
		}
	}
	return list, nil
}

type fakeRewards struct {
	rewards  map[string]*models.Reward
	redeemed map[string]bool
}

func newFakeRewards() *fakeRewards {
	return &fakeRewards{rewards: make(map[string]*models.Reward), redeemed: make(map[string]bool)}
}

func (f *fakeRewards) ListRewardsByUser(_ context.Context, userID string) ([]models.Reward, error) {
	var list []models.Reward
	for _, r := range f.rewards {
		if r.UserID == userID {
			list = append(list, *r)
		}
	}
	return list, nil
}

func (f *fakeRewards) GetRewardByID(_ context.Context, rewardID string) (*models.Reward, error) {
	r, ok := f.rewards[rewardID]
	if !ok {
		return nil, errors.New("not found")
	}
	return r, nil
}

func (f *fakeRewards) MarkRedeemed(_ context.Context, rewardID string) error {
	if f.redeemed[rewardID] {
		return errors.New("already redeemed")
	}
	f.redeemed[rewardID] = true
	return nil
}

type fixture struct {
	handler *api.Handler
	users   *fakeUsers
	rewards *fakeRewards
	engine  *fakeEngine
	router  chi.Router
}

func setupHandler(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		users:   &fakeUsers{users: make(map[string]*models.User)},
		rewards: newFakeRewards(),
		engine: &fakeEngine{
			openDoor: func(context.Context, string, int, time.Time) (*draw.Result, error) {
				return &draw.Result{Status: draw.StatusNoPrize, Outcome: models.OutcomeNoPrize}, nil
			},
			budget: func(context.Context, time.Time) (*draw.BudgetStatus, error) {
				return &draw.BudgetStatus{Cap: 10, Awarded: 2, Remaining: 8, DaysLeft: 20}, nil
			},
		},
	}
	f.handler = &api.Handler{
		Engine:         f.engine,
		Users:          f.users,
		Participations: &fakeParticipations{},
		Rewards:        f.rewards,
		Season:         calendar.NewSeason(2023, time.UTC, 10, nil),
		QRGenerator:    qr.NewQRGenerator("qr-secret"),
		SessionSecret:  testSecret,
		SessionTTL:     time.Hour,
		DoorSeed:       42,
		Now: func() time.Time {
			return time.Date(2023, time.December, 5, 13, 0, 0, 0, time.UTC)
		},
	}

	r := chi.NewRouter()
	r.Post("/api/session", f.handler.CreateSession)
	r.Post("/api/redemptions", f.handler.RedeemReward)
	r.Get("/api/status", f.handler.Status)
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(testSecret))
		r.Get("/api/calendar", f.handler.GetCalendar)
		r.Post("/api/doors/{day}/open", f.handler.OpenDoor)
		r.Get("/api/rewards", f.handler.ListRewards)
		r.Get("/api/rewards/{rewardID}/qr", f.handler.GetRewardQR)
	})
	f.router = r
	return f
}

func authedRequest(t *testing.T, method, target string, body string) *http.Request {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, target, reader)
	token, err := auth.NewSessionToken("user-1", testSecret, time.Hour)
	require.NoError(t, err)
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestCreateSession(t *testing.T) {
	f := setupHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/session",
		bytes.NewBufferString(`{"email":"erika@example.org","display_name":"Erika"}`))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)

	userID, err := auth.VerifySessionToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "user-erika@example.org", userID)

	// Session cookie set alongside the token.
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, auth.SessionCookie, cookies[0].Name)
}

func TestCreateSessionValidation(t *testing.T) {
	f := setupHandler(t)

	for _, body := range []string{`{}`, `{"email":"a@b.c"}`, `not json`} {
		req := httptest.NewRequest(http.MethodPost, "/api/session", strings.NewReader(body))
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestAuthedRoutesRejectAnonymous(t *testing.T) {
	f := setupHandler(t)

	for _, target := range []string{"/api/calendar", "/api/rewards"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code, target)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/doors/5/open", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestOpenDoorWin(t *testing.T) {
	f := setupHandler(t)
	f.engine.openDoor = func(_ context.Context, userID string, day int, _ time.Time) (*draw.Result, error) {
		assert.Equal(t, "user-1", userID)
		assert.Equal(t, 5, day)
		return &draw.Result{
			Status:  draw.StatusWon,
			Outcome: models.OutcomeWon,
			Reward:  &models.Reward{RewardID: "r-1", UserID: userID, Day: day, PrizeName: "Freigetränk"},
		}, nil
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, authedRequest(t, http.MethodPost, "/api/doors/5/open", ""))

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "won", body["status"])
	assert.Contains(t, body["message"], "Glückwunsch")
	require.NotNil(t, body["reward"])
}

func TestOpenDoorNoPrizeMessage(t *testing.T) {
	f := setupHandler(t)

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, authedRequest(t, http.MethodPost, "/api/doors/5/open", ""))

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "no_prize", body["status"])
	assert.Contains(t, body["message"], "kein Glück")
}

func TestOpenDoorNotYetAvailable(t *testing.T) {
	f := setupHandler(t)
	f.engine.openDoor = func(context.Context, string, int, time.Time) (*draw.Result, error) {
		return nil, draw.ErrDoorNotYetAvailable
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, authedRequest(t, http.MethodPost, "/api/doors/20/open", ""))

	require.Equal(t, http.StatusForbidden, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "door_not_yet_available", body["error"])
	assert.Contains(t, body["message"], "Türchen")
}

func TestOpenDoorInvalidDayValues(t *testing.T) {
	f := setupHandler(t)
	f.engine.openDoor = func(context.Context, string, int, time.Time) (*draw.Result, error) {
		return nil, draw.ErrInvalidDay
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, authedRequest(t, http.MethodPost, "/api/doors/99/open", ""))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, authedRequest(t, http.MethodPost, "/api/doors/abc/open", ""))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetCalendar(t *testing.T) {
	f := setupHandler(t)
	f.handler.Participations = &fakeParticipations{records: []models.Participation{
		{UserID: "user-1", Day: 3, Outcome: models.OutcomeWon},
		{UserID: "user-1", Day: 4, Outcome: models.OutcomeNoPrize},
		{UserID: "someone-else", Day: 5, Outcome: models.OutcomeWon},
	}}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, authedRequest(t, http.MethodGet, "/api/calendar", ""))

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Season int            `json:"season"`
		Doors  []api.DoorView `json:"doors"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2023, body.Season)
	require.Len(t, body.Doors, calendar.LastDay)

	byDay := make(map[int]api.DoorView)
	for _, d := range body.Doors {
		byDay[d.Day] = d
	}
	assert.True(t, byDay[3].Opened)
	assert.Equal(t, models.OutcomeWon, byDay[3].Outcome)
	assert.True(t, byDay[4].Opened)
	assert.False(t, byDay[5].Opened, "other users' records stay invisible")

	// Clock is Dec 5: doors 1-5 unlocked, later ones not.
	assert.True(t, byDay[5].Unlocked)
	assert.False(t, byDay[6].Unlocked)

	// The shuffled order is stable for the seed.
	second := httptest.NewRecorder()
	f.router.ServeHTTP(second, authedRequest(t, http.MethodGet, "/api/calendar", ""))
	assert.Equal(t, w.Body.String(), second.Body.String())
}

func TestListRewards(t *testing.T) {
	f := setupHandler(t)
	f.rewards.rewards["r-1"] = &models.Reward{RewardID: "r-1", UserID: "user-1", Day: 3, PrizeName: "Freigetränk"}
	f.rewards.rewards["r-2"] = &models.Reward{RewardID: "r-2", UserID: "other", Day: 4, PrizeName: "Freigetränk"}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, authedRequest(t, http.MethodGet, "/api/rewards", ""))

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Rewards []models.Reward `json:"rewards"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Rewards, 1)
	assert.Equal(t, "r-1", body.Rewards[0].RewardID)
}

func TestGetRewardQR(t *testing.T) {
	f := setupHandler(t)
	f.rewards.rewards["r-1"] = &models.Reward{
		RewardID: "r-1",
		UserID:   "user-1",
		Day:      3,
		QRCode:   []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a},
	}
	f.rewards.rewards["r-2"] = &models.Reward{RewardID: "r-2", UserID: "other", Day: 4, QRCode: []byte{1}}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, authedRequest(t, http.MethodGet, "/api/rewards/r-1/qr", ""))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))

	// Someone else's reward is a 404, not a 403, to avoid confirming it
	// exists.
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, authedRequest(t, http.MethodGet, "/api/rewards/r-2/qr", ""))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, authedRequest(t, http.MethodGet, "/api/rewards/missing/qr", ""))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRedeemReward(t *testing.T) {
	f := setupHandler(t)
	f.rewards.rewards["r-1"] = &models.Reward{
		RewardID:        "r-1",
		UserID:          "user-1",
		Day:             3,
		PrizeName:       "Freigetränk",
		RedemptionToken: "tok-abc",
	}

	encrypted, err := f.handler.QRGenerator.EncryptPayload(qr.Payload{
		RewardID:        "r-1",
		UserID:          "user-1",
		Day:             3,
		RedemptionToken: "tok-abc",
	})
	require.NoError(t, err)

	body, err := json.Marshal(map[string]string{"encrypted_qr": encrypted})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/redemptions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, true, resp["redeemed"])
	assert.Equal(t, "r-1", resp["reward_id"])
	assert.True(t, f.rewards.redeemed["r-1"])

	// A second presentation of the same code conflicts.
	req = httptest.NewRequest(http.MethodPost, "/api/redemptions", bytes.NewReader(body))
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRedeemRewardRejectsTamperedToken(t *testing.T) {
	f := setupHandler(t)
	f.rewards.rewards["r-1"] = &models.Reward{
		RewardID:        "r-1",
		UserID:          "user-1",
		RedemptionToken: "tok-abc",
	}

	encrypted, err := f.handler.QRGenerator.EncryptPayload(qr.Payload{
		RewardID:        "r-1",
		RedemptionToken: "tok-forged",
	})
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"encrypted_qr": encrypted})
	req := httptest.NewRequest(http.MethodPost, "/api/redemptions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, f.rewards.redeemed["r-1"])
}

func TestRedeemRewardRejectsGarbage(t *testing.T) {
	f := setupHandler(t)

	for _, body := range []string{`{}`, `{"encrypted_qr":"garbage"}`, `nope`} {
		req := httptest.NewRequest(http.MethodPost, "/api/redemptions", strings.NewReader(body))
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestStatus(t *testing.T) {
	f := setupHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var status draw.BudgetStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, 10, status.Cap)
	assert.Equal(t, 8, status.Remaining)
	assert.Equal(t, 20, status.DaysLeft)
}

type fakeStats struct {
	days []draw.DayStats
}

func (f *fakeStats) DailyStats(context.Context) ([]draw.DayStats, error) {
	return f.days, nil
}

func TestStatusIncludesDailyBreakdown(t *testing.T) {
	f := setupHandler(t)
	f.handler.Stats = &fakeStats{days: []draw.DayStats{
		{Day: 1, Opens: 4, Wins: 1},
		{Day: 2, Opens: 2, Wins: 0},
	}}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Cap  int             `json:"cap"`
		Days []draw.DayStats `json:"days"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 10, body.Cap)
	require.Len(t, body.Days, 2)
	assert.Equal(t, draw.DayStats{Day: 1, Opens: 4, Wins: 1}, body.Days[0])
}
