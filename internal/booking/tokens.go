// Package booking issues single-use self-scheduling links and commits the
// slot a patient picks through them.
package booking

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/hackgods/clinic-scheduling-assistant/internal/appointment"
	"github.com/hackgods/clinic-scheduling-assistant/internal/observability/metrics"
	redisclient "github.com/hackgods/clinic-scheduling-assistant/internal/redis"
	"github.com/hackgods/clinic-scheduling-assistant/pkg/logging"
)

const tokenBytes = 32

var (
	ErrTokenNotFound     = appointment.ErrTokenNotFound
	ErrTokenExpired      = errors.New("booking token expired")
	ErrTokenAlreadyUsed  = errors.New("booking token already used")
	ErrTokenVerification = errors.New("booking token failed verification after issue")
)

type TokenConfig struct {
	TTL           time.Duration
	LockWait      time.Duration
	PublicBaseURL string
}

type TokenService struct {
	repo     appointment.Repository
	locker   redisclient.Locker
	cfg      TokenConfig
	logger   *logging.Logger
	metrics  *metrics.SchedulingMetrics
	now      func() time.Time
	newToken func() (string, error)
}

func NewTokenService(repo appointment.Repository, locker redisclient.Locker, cfg TokenConfig, logger *logging.Logger, m *metrics.SchedulingMetrics) *TokenService {
	if cfg.TTL <= 0 {
		cfg.TTL = 48 * time.Hour
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &TokenService{
		repo:     repo,
		locker:   locker,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		newToken: newTokenValue,
	}
}

// DraftDetails is what the conversation collected before asking for a link.
type DraftDetails struct {
	AppointmentType string
	PatientName     string
}

// IssueOrReuse returns the contact's valid token, creating a draft appointment
// and a fresh token when none exists. A contact never holds more than one
// valid token: callers are serialized on the contact lock and the create
// transaction re-checks under a row lock.
func (s *TokenService) IssueOrReuse(ctx context.Context, contact appointment.Contact, details DraftDetails) (*appointment.BookingToken, error) {
	var (
		result *appointment.BookingToken
		reused bool
	)

	err := s.locker.WithLockWait(ctx, redisclient.ContactKey(contact.ID), s.cfg.LockWait, func(lockCtx context.Context) error {
		now := s.now()

		existing, err := s.repo.FindValidToken(lockCtx, contact.ID, now)
		switch {
		case err == nil:
			result, reused = existing, true
			return nil
		case !errors.Is(err, appointment.ErrTokenNotFound):
			return fmt.Errorf("find valid token: %w", err)
		}

		purged, err := s.repo.DeleteStaleDrafts(lockCtx, &contact.ID, now)
		if err != nil {
			return fmt.Errorf("purge stale tokens: %w", err)
		}
		if purged > 0 {
			s.metrics.ObserveSwept(purged)
			appointment.RecordEvent(lockCtx, s.repo, s.logger, nil, appointment.EventTokensPurged, map[string]any{
				"contact_id": contact.ID.String(),
				"count":      purged,
			})
		}

		value, err := s.newToken()
		if err != nil {
			return fmt.Errorf("generate token: %w", err)
		}

		return s.repo.InTx(lockCtx, func(tx appointment.Repository) error {
			if err := tx.LockContact(lockCtx, contact.ID); err != nil {
				return fmt.Errorf("lock contact: %w", err)
			}

			again, err := tx.FindValidToken(lockCtx, contact.ID, now)
			if err == nil {
				result, reused = again, true
				return nil
			}
			if !errors.Is(err, appointment.ErrTokenNotFound) {
				return fmt.Errorf("recheck valid token: %w", err)
			}

			draft, err := tx.CreateDraft(lockCtx, appointment.Appointment{
				PracticeID:      contact.PracticeID,
				ContactID:       contact.ID,
				AppointmentType: details.AppointmentType,
				PatientName:     details.PatientName,
			})
			if err != nil {
				return fmt.Errorf("create draft appointment: %w", err)
			}

			tok, err := tx.CreateToken(lockCtx, appointment.BookingToken{
				AppointmentID: draft.ID,
				ContactID:     contact.ID,
				Token:         value,
				ExpiresAt:     now.Add(s.cfg.TTL),
			})
			if err != nil {
				return fmt.Errorf("create booking token: %w", err)
			}
			result = tok
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	verified, err := s.verify(ctx, result.Token)
	if err != nil {
		s.logger.Error("issued token failed verification", "contact_id", contact.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrTokenVerification, err)
	}

	eventType := appointment.EventTokenIssued
	if reused {
		eventType = appointment.EventTokenReused
	}
	appointment.RecordEvent(ctx, s.repo, s.logger, &verified.AppointmentID, eventType, map[string]any{
		"contact_id": contact.ID.String(),
		"expires_at": verified.ExpiresAt,
	})
	s.metrics.ObserveToken(reused)

	return verified, nil
}

// verify re-reads the token by value and checks it can still be redeemed.
func (s *TokenService) verify(ctx context.Context, value string) (*appointment.BookingToken, error) {
	tok, err := s.repo.GetTokenByValue(ctx, value)
	if err != nil {
		return nil, fmt.Errorf("reload token: %w", err)
	}
	if tok.Used {
		return nil, errors.New("token already used")
	}
	if !tok.ExpiresAt.After(s.now()) {
		return nil, errors.New("token already expired")
	}
	appt, err := s.repo.GetAppointmentByID(ctx, tok.AppointmentID)
	if err != nil {
		return nil, fmt.Errorf("reload draft: %w", err)
	}
	if appt.Status != appointment.StatusDraft {
		return nil, fmt.Errorf("appointment %d is %s, not draft", appt.ID, appt.Status)
	}
	return tok, nil
}

// Validate resolves a token to its appointment.
func (s *TokenService) Validate(ctx context.Context, value string) (*appointment.Appointment, *appointment.BookingToken, error) {
	tok, err := s.repo.GetTokenByValue(ctx, value)
	if err != nil {
		if errors.Is(err, appointment.ErrTokenNotFound) {
			return nil, nil, ErrTokenNotFound
		}
		return nil, nil, fmt.Errorf("load token: %w", err)
	}
	if tok.Used {
		return nil, nil, ErrTokenAlreadyUsed
	}
	if !tok.ExpiresAt.After(s.now()) {
		return nil, nil, ErrTokenExpired
	}

	appt, err := s.repo.GetAppointmentByID(ctx, tok.AppointmentID)
	if err != nil {
		if errors.Is(err, appointment.ErrAppointmentNotFound) {
			return nil, nil, ErrTokenNotFound
		}
		return nil, nil, fmt.Errorf("load appointment: %w", err)
	}
	return appt, tok, nil
}

// Consume marks the token used. It must run inside the commit transaction,
// after the appointment time is written.
func (s *TokenService) Consume(ctx context.Context, repo appointment.Repository, value string) error {
	ok, err := repo.ConsumeToken(ctx, value)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTokenAlreadyUsed
	}
	return nil
}

// URL is the public self-scheduling link for a token.
func (s *TokenService) URL(value string) string {
	return s.cfg.PublicBaseURL + "/book/" + value
}

// PurgeStale removes every draft whose token is used or expired.
func (s *TokenService) PurgeStale(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteStaleDrafts(ctx, nil, s.now())
	if err != nil {
		return 0, fmt.Errorf("purge stale drafts: %w", err)
	}
	if n > 0 {
		s.metrics.ObserveSwept(n)
		appointment.RecordEvent(ctx, s.repo, s.logger, nil, appointment.EventTokensPurged, map[string]any{
			"count": n,
			"scope": "all",
		})
	}
	return n, nil
}

func newTokenValue() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
