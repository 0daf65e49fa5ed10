package booking

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling-assistant/internal/appointment"
	redisclient "github.com/hackgods/clinic-scheduling-assistant/internal/redis"
	"github.com/hackgods/clinic-scheduling-assistant/pkg/logging"
)

func newTokenService(t *testing.T, repo appointment.Repository, locker redisclient.Locker) *TokenService {
	t.Helper()
	if locker == nil {
		locker = redisclient.NewLocalLocker()
	}
	return NewTokenService(repo, locker, TokenConfig{
		TTL:           48 * time.Hour,
		LockWait:      5 * time.Second,
		PublicBaseURL: "https://clinic.example",
	}, logging.Discard(), nil)
}

func newContact(t *testing.T, repo *appointment.MemoryRepository, practiceID uuid.UUID) appointment.Contact {
	t.Helper()
	c, err := repo.CreateContact(context.Background(), appointment.Contact{
		PracticeID: practiceID,
		Phone:      "+55119" + uuid.NewString()[:8],
		Name:       "Jane Doe",
	})
	require.NoError(t, err)
	return *c
}

func validTokens(repo *appointment.MemoryRepository, contactID uuid.UUID, now time.Time) int {
	n := 0
	for _, tok := range repo.Tokens(contactID) {
		if !tok.Valid(now) {
			continue
		}
		appt, err := repo.GetAppointmentByID(context.Background(), tok.AppointmentID)
		if err == nil && appt.Status == appointment.StatusDraft {
			n++
		}
	}
	return n
}

func TestIssueOrReuseReturnsSameToken(t *testing.T) {
	repo := appointment.NewMemoryRepository()
	svc := newTokenService(t, repo, nil)
	contact := newContact(t, repo, uuid.New())
	ctx := context.Background()

	first, err := svc.IssueOrReuse(ctx, contact, DraftDetails{AppointmentType: "private", PatientName: "Jane Doe"})
	require.NoError(t, err)
	second, err := svc.IssueOrReuse(ctx, contact, DraftDetails{})
	require.NoError(t, err)

	assert.Equal(t, first.Token, second.Token)
	assert.Equal(t, first.AppointmentID, second.AppointmentID)
	assert.Equal(t, svc.URL(first.Token), svc.URL(second.Token))
	assert.WithinDuration(t, time.Now().Add(48*time.Hour), first.ExpiresAt, time.Minute)

	draft, err := repo.GetAppointmentByID(ctx, first.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusDraft, draft.Status)
	assert.Equal(t, "private", draft.AppointmentType)
	assert.Equal(t, "Jane Doe", draft.PatientName)

	var kinds []string
	for _, ev := range repo.Events() {
		kinds = append(kinds, ev.EventType)
	}
	assert.Equal(t, []string{appointment.EventTokenIssued, appointment.EventTokenReused}, kinds)
}

func TestIssueOrReuseTokenShape(t *testing.T) {
	repo := appointment.NewMemoryRepository()
	svc := newTokenService(t, repo, nil)
	contact := newContact(t, repo, uuid.New())

	tok, err := svc.IssueOrReuse(context.Background(), contact, DraftDetails{})
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(tok.Token)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
	assert.Equal(t, "https://clinic.example/book/"+tok.Token, svc.URL(tok.Token))
	assert.False(t, strings.ContainsAny(tok.Token, "+/="))
}

func TestIssueOrReuseConcurrentSingleDraft(t *testing.T) {
	repo := appointment.NewMemoryRepository()
	svc := newTokenService(t, repo, nil)
	contact := newContact(t, repo, uuid.New())

	const callers = 8
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := svc.IssueOrReuse(context.Background(), contact, DraftDetails{})
			if assert.NoError(t, err) {
				results[i] = tok.Token
			}
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
	assert.Equal(t, 1, validTokens(repo, contact.ID, time.Now()))
}

func TestIssueOrReusePurgesExpiredDraft(t *testing.T) {
	repo := appointment.NewMemoryRepository()
	svc := newTokenService(t, repo, nil)
	contact := newContact(t, repo, uuid.New())
	ctx := context.Background()

	old, err := svc.IssueOrReuse(ctx, contact, DraftDetails{})
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(49 * time.Hour) }
	fresh, err := svc.IssueOrReuse(ctx, contact, DraftDetails{})
	require.NoError(t, err)

	assert.NotEqual(t, old.Token, fresh.Token)
	_, err = repo.GetAppointmentByID(ctx, old.AppointmentID)
	assert.ErrorIs(t, err, appointment.ErrAppointmentNotFound)
	_, err = repo.GetTokenByValue(ctx, old.Token)
	assert.ErrorIs(t, err, appointment.ErrTokenNotFound)
	assert.Len(t, repo.Tokens(contact.ID), 1)
}

func TestIssueOrReuseAfterConsumeIssuesNew(t *testing.T) {
	repo := appointment.NewMemoryRepository()
	svc := newTokenService(t, repo, nil)
	contact := newContact(t, repo, uuid.New())
	ctx := context.Background()

	first, err := svc.IssueOrReuse(ctx, contact, DraftDetails{})
	require.NoError(t, err)
	_, err = repo.ScheduleDraft(ctx, first.AppointmentID, time.Now().Add(24*time.Hour))
	require.NoError(t, err)
	require.NoError(t, svc.Consume(ctx, repo, first.Token))

	second, err := svc.IssueOrReuse(ctx, contact, DraftDetails{})
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, second.Token)

	// the booked appointment survives the purge
	booked, err := repo.GetAppointmentByID(ctx, first.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusPending, booked.Status)
}

// usedOnReadRepo reports every token as used when read back by value.
type usedOnReadRepo struct {
	*appointment.MemoryRepository
}

func (r usedOnReadRepo) GetTokenByValue(ctx context.Context, token string) (*appointment.BookingToken, error) {
	tok, err := r.MemoryRepository.GetTokenByValue(ctx, token)
	if err != nil {
		return nil, err
	}
	tok.Used = true
	return tok, nil
}

func TestIssueOrReuseVerificationFailure(t *testing.T) {
	mem := appointment.NewMemoryRepository()
	svc := newTokenService(t, usedOnReadRepo{mem}, nil)
	contact := newContact(t, mem, uuid.New())

	tok, err := svc.IssueOrReuse(context.Background(), contact, DraftDetails{})
	assert.Nil(t, tok)
	assert.ErrorIs(t, err, ErrTokenVerification)
}

func TestValidate(t *testing.T) {
	repo := appointment.NewMemoryRepository()
	svc := newTokenService(t, repo, nil)
	contact := newContact(t, repo, uuid.New())
	ctx := context.Background()

	tok, err := svc.IssueOrReuse(ctx, contact, DraftDetails{})
	require.NoError(t, err)

	appt, got, err := svc.Validate(ctx, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, tok.AppointmentID, appt.ID)
	assert.Equal(t, tok.Token, got.Token)

	_, _, err = svc.Validate(ctx, "nope")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	later := svc.now
	svc.now = func() time.Time { return time.Now().Add(72 * time.Hour) }
	_, _, err = svc.Validate(ctx, tok.Token)
	assert.ErrorIs(t, err, ErrTokenExpired)
	svc.now = later

	ok, err := repo.ConsumeToken(ctx, tok.Token)
	require.NoError(t, err)
	require.True(t, ok)
	_, _, err = svc.Validate(ctx, tok.Token)
	assert.ErrorIs(t, err, ErrTokenAlreadyUsed)
	assert.ErrorIs(t, svc.Consume(ctx, repo, tok.Token), ErrTokenAlreadyUsed)
}

func TestValidateMissingAppointment(t *testing.T) {
	repo := appointment.NewMemoryRepository()
	svc := newTokenService(t, repo, nil)
	contact := newContact(t, repo, uuid.New())
	ctx := context.Background()

	tok, err := svc.IssueOrReuse(ctx, contact, DraftDetails{})
	require.NoError(t, err)

	// deleting the draft takes the token with it
	require.NoError(t, repo.DeleteAppointment(ctx, tok.AppointmentID))
	_, _, err = svc.Validate(ctx, tok.Token)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestPurgeStale(t *testing.T) {
	repo := appointment.NewMemoryRepository()
	svc := newTokenService(t, repo, nil)
	ctx := context.Background()
	practice := uuid.New()

	for i := 0; i < 3; i++ {
		_, err := svc.IssueOrReuse(ctx, newContact(t, repo, practice), DraftDetails{})
		require.NoError(t, err)
	}

	n, err := svc.PurgeStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	svc.now = func() time.Time { return time.Now().Add(50 * time.Hour) }
	n, err = svc.PurgeStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
