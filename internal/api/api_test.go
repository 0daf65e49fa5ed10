package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling-assistant/internal/appointment"
	"github.com/hackgods/clinic-scheduling-assistant/internal/availability"
	"github.com/hackgods/clinic-scheduling-assistant/internal/booking"
	"github.com/hackgods/clinic-scheduling-assistant/internal/conversation"
	redisclient "github.com/hackgods/clinic-scheduling-assistant/internal/redis"
	"github.com/hackgods/clinic-scheduling-assistant/internal/secretary"
	"github.com/hackgods/clinic-scheduling-assistant/internal/whatsapp"
	"github.com/hackgods/clinic-scheduling-assistant/pkg/logging"
)

type stubTurns struct {
	mu    sync.Mutex
	texts []string
	out   secretary.Outcome
	err   error
}

func (s *stubTurns) ProcessTurn(_ context.Context, _ uuid.UUID, text string) (secretary.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return s.out, s.err
}

type apiFixture struct {
	handler  http.Handler
	repo     *appointment.MemoryRepository
	convs    *conversation.MemoryStore
	tokens   *booking.TokenService
	turns    *stubTurns
	echoes   *whatsapp.MemoryEchoRegistry
	practice uuid.UUID
	day      time.Time
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	practice := uuid.New()
	repo := appointment.NewMemoryRepository()
	convs := conversation.NewMemoryStore()
	locker := redisclient.NewLocalLocker()
	schedules := availability.NewMemoryScheduleRepository(availability.ScheduleConfig{
		PracticeID:   practice,
		SlotDuration: 30 * time.Minute,
		Location:     time.UTC,
		WorkingDays:  availability.StandardWeek(),
	})
	tokens := booking.NewTokenService(repo, locker, booking.TokenConfig{PublicBaseURL: "https://clinic.example"}, logging.Discard(), nil)
	appts := appointment.NewService(repo, nil, logging.Discard())
	scheduler := booking.NewScheduler(booking.SchedulerDeps{
		Tokens:       tokens,
		Availability: availability.NewService(schedules, repo, 30*time.Minute),
		Appointments: appts,
		Locker:       locker,
		LockWait:     time.Second,
		Logger:       logging.Discard(),
	})
	turns := &stubTurns{out: secretary.Outcome{Text: "Hi! How can I help?", Sent: true, Route: secretary.RouteFreeConversation}}
	echoes := whatsapp.NewMemoryEchoRegistry(0)

	day := time.Now().UTC().AddDate(0, 0, 7)
	for day.Weekday() != time.Tuesday {
		day = day.AddDate(0, 0, 1)
	}
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	h := NewRouter(RouterConfig{
		PracticeID:     practice,
		Location:       time.UTC,
		Appointments:   appts,
		Conversations:  convs,
		Secretary:      turns,
		Booking:        scheduler,
		Echoes:         echoes,
		AdminJWTSecret: adminSecret,
		Logger:         logging.Discard(),
		Env:            "test",
		Version:        "v0",
	})
	return &apiFixture{
		handler: h, repo: repo, convs: convs, tokens: tokens, turns: turns,
		echoes: echoes, practice: practice, day: day,
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) issue(t *testing.T) (appointment.Contact, string) {
	t.Helper()
	c, err := f.repo.CreateContact(context.Background(), appointment.Contact{PracticeID: f.practice, Phone: "5511988887777", Name: "Jane Doe"})
	require.NoError(t, err)
	tok, err := f.tokens.IssueOrReuse(context.Background(), *c, booking.DraftDetails{AppointmentType: "private", PatientName: "Jane Doe"})
	require.NoError(t, err)
	return *c, tok.Token
}

const adminSecret = "admin-secret"

func adminToken(t *testing.T, secret string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "front-desk",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func adminAuth(t *testing.T) []string {
	return []string{"Authorization", "Bearer " + adminToken(t, adminSecret, 5*time.Minute)}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestWebhookProcessesTurn(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/webhooks/whatsapp", map[string]any{
		"from": "+55 11 98888-7777", "to": "5511300000000", "text": "hello", "push_name": "Jane",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[WebhookResponse](t, rec)
	assert.Equal(t, "processed", resp.Status)
	assert.Equal(t, "Hi! How can I help?", resp.Reply)
	assert.True(t, resp.Sent)
	assert.Equal(t, []string{"hello"}, f.turns.texts)

	contact, err := f.repo.GetContactByPhone(context.Background(), f.practice, "5511988887777")
	require.NoError(t, err)
	assert.Equal(t, "Jane", contact.Name)

	// the next message lands in the same conversation
	rec = f.do(t, http.MethodPost, "/webhooks/whatsapp", map[string]any{"from": "5511988887777", "text": "again"})
	second := decode[WebhookResponse](t, rec)
	assert.Equal(t, resp.ConversationID, second.ConversationID)
}

func TestWebhookIgnoresAndRejects(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/webhooks/whatsapp", map[string]any{
		"event": "messages.upsert",
		"data":  map[string]any{"key": map[string]any{"remoteJid": "status@broadcast"}},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", decode[WebhookResponse](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/webhooks/whatsapp", map[string]any{"from": "5511988887777"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.turns.texts)
}

func TestWebhookFromMeHandsOff(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/webhooks/whatsapp", map[string]any{"from": "5511988887777", "text": "hi"})
	convID := uuid.MustParse(decode[WebhookResponse](t, rec).ConversationID)

	// echo of something this service sent
	require.NoError(t, f.echoes.Remember(context.Background(), "5511988887777", "Hi! How can I help?"))
	rec = f.do(t, http.MethodPost, "/webhooks/whatsapp", map[string]any{"from": "5511988887777", "text": "Hi! How can I help?", "from_me": true})
	assert.Equal(t, "ignored", decode[WebhookResponse](t, rec).Status)
	conv, err := f.convs.Get(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusAI, conv.Status)

	rec = f.do(t, http.MethodPost, "/webhooks/whatsapp", map[string]any{"from": "5511988887777", "text": "Dr. Ana here, I'll call you", "from_me": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "handed_off", decode[WebhookResponse](t, rec).Status)
	conv, err = f.convs.Get(context.Background(), convID)
	require.NoError(t, err)
	assert.Equal(t, conversation.StatusHuman, conv.Status)
	assert.Len(t, f.turns.texts, 1)
}

func TestWebhookTurnErrors(t *testing.T) {
	f := newAPIFixture(t)

	f.turns.err = redisclient.ErrLockNotAcquired
	rec := f.do(t, http.MethodPost, "/webhooks/whatsapp", map[string]any{"from": "5511988887777", "text": "hi"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conversation_busy", decode[ErrorResponse](t, rec).Error)

	f.turns.err = errors.New("db down")
	rec = f.do(t, http.MethodPost, "/webhooks/whatsapp", map[string]any{"from": "5511988887777", "text": "hi"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "turn_failed", decode[ErrorResponse](t, rec).Error)
}

func TestPublicBookingFlow(t *testing.T) {
	f := newAPIFixture(t)
	_, token := f.issue(t)
	date := f.day.Format("2006-01-02")

	rec := f.do(t, http.MethodGet, "/book/"+token+"/availability?date="+date, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	avail := decode[AvailabilityResponse](t, rec)
	assert.Equal(t, date, avail.Date)
	assert.Len(t, avail.AvailableTimes, 18)
	assert.Equal(t, "08:00", avail.AvailableTimes[0])
	assert.NotContains(t, avail.AvailableTimes, "12:00")

	rec = f.do(t, http.MethodGet, "/book/"+token+"/dates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dates := decode[AvailableDatesResponse](t, rec)
	require.NotEmpty(t, dates.Dates)
	for _, d := range dates.Dates {
		assert.NotEqual(t, "Sunday", d.Weekday)
		assert.NotEmpty(t, d.AvailableTimes)
	}

	rec = f.do(t, http.MethodPost, "/book/"+token, BookRequest{Date: date, Time: "10:30"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	appt := decode[AppointmentResponse](t, rec)
	assert.Equal(t, "pending", appt.Status)
	assert.Equal(t, date, appt.Date)
	assert.Equal(t, "10:30", appt.Time)

	rec = f.do(t, http.MethodPost, "/book/"+token, BookRequest{Date: date, Time: "11:00"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "token_used", decode[ErrorResponse](t, rec).Error)
}

func TestPublicBookingErrors(t *testing.T) {
	f := newAPIFixture(t)
	date := f.day.Format("2006-01-02")

	rec := f.do(t, http.MethodGet, "/book/nope/availability?date="+date, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "token_invalid", decode[ErrorResponse](t, rec).Error)

	_, token := f.issue(t)
	rec = f.do(t, http.MethodGet, "/book/"+token+"/availability", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/book/"+token, BookRequest{Date: date, Time: "12:30"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "slot_no_longer_available", decode[ErrorResponse](t, rec).Error)

	rec = f.do(t, http.MethodPost, "/book/"+token, BookRequest{Date: "10/03/2025", Time: "09:00"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_selection", decode[ErrorResponse](t, rec).Error)

	// the link stays usable after a rejected time
	rec = f.do(t, http.MethodPost, "/book/"+token, BookRequest{Date: date, Time: "09:00"})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestPublicBookingExpiredToken(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	contact, err := f.repo.CreateContact(ctx, appointment.Contact{PracticeID: f.practice, Phone: "5511900000000"})
	require.NoError(t, err)
	draft, err := f.repo.CreateDraft(ctx, appointment.Appointment{PracticeID: f.practice, ContactID: contact.ID})
	require.NoError(t, err)
	_, err = f.repo.CreateToken(ctx, appointment.BookingToken{
		AppointmentID: draft.ID,
		ContactID:     contact.ID,
		Token:         "stale",
		ExpiresAt:     time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/book/stale", BookRequest{Date: f.day.Format("2006-01-02"), Time: "09:00"})
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "token_expired", decode[ErrorResponse](t, rec).Error)
}

func TestAdminConfirm(t *testing.T) {
	f := newAPIFixture(t)
	_, token := f.issue(t)
	rec := f.do(t, http.MethodPost, "/book/"+token, BookRequest{Date: f.day.Format("2006-01-02"), Time: "14:00"})
	require.Equal(t, http.StatusCreated, rec.Code)
	appt := decode[AppointmentResponse](t, rec)
	path := "/admin/appointments/" + strconv.FormatInt(appt.ID, 10) + "/confirm"

	rec = f.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, path, nil, "Authorization", "Bearer "+adminToken(t, "other-secret", time.Minute))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "wrong signing key")

	rec = f.do(t, http.MethodPost, path, nil, "Authorization", "Bearer "+adminToken(t, adminSecret, -time.Minute))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "expired token")

	rec = f.do(t, http.MethodPost, path, nil, adminAuth(t)...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "confirmed", decode[AppointmentResponse](t, rec).Status)

	rec = f.do(t, http.MethodPost, path, nil, adminAuth(t)...)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/appointments/999/confirm", nil, adminAuth(t)...)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminConversationStatus(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/webhooks/whatsapp", map[string]any{"from": "5511988887777", "text": "hi"})
	id := decode[WebhookResponse](t, rec).ConversationID
	auth := adminAuth(t)

	rec = f.do(t, http.MethodPost, "/admin/conversations/"+id+"/status", ConversationStatusRequest{Status: "closed"}, auth...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "closed", decode[ConversationResponse](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/admin/conversations/"+id+"/status", ConversationStatusRequest{Status: "ai"}, auth...)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/conversations/"+id+"/status", ConversationStatusRequest{Status: "paused"}, auth...)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/conversations/"+uuid.NewString()+"/status", ConversationStatusRequest{Status: "human"}, auth...)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	h := NewRouter(RouterConfig{
		Logger: logging.Discard(),
		Checks: []DependencyCheck{
			{Name: "postgres", Critical: true, Ping: func(context.Context) error { return nil }},
			{Name: "redis", Ping: func(context.Context) error { return errors.New("refused") }},
		},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	ready := decode[ReadinessResponse](t, rec)
	assert.Equal(t, "degraded", ready.Status)
	assert.Equal(t, map[string]string{"postgres": "ok", "redis": "down"}, ready.Dependencies)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, "# metrics", rec.Body.String())
}

func TestReadinessFailsOnCriticalDependency(t *testing.T) {
	h := NewHealthHandler([]DependencyCheck{
		{Name: "postgres", Critical: true, Ping: func(context.Context) error { return errors.New("down") }},
	}, "test", "v0")
	rec := httptest.NewRecorder()
	h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
