package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/clinic-scheduling-assistant/internal/db"
)

type PgRepository struct {
	conn db.DBTX
	inTx bool
}

func NewPgRepository(conn db.DBTX) *PgRepository {
	return &PgRepository{conn: conn}
}

const appointmentColumns = `id, practice_id, contact_id, scheduled_for, status, appointment_type, patient_name, calendar_event_id, created_at, updated_at`

const tokenColumns = `id, appointment_id, contact_id, token, expires_at, used, created_at`

// Helpers

func scanContact(row pgx.Row) (*Contact, error) {
	var c Contact
	err := row.Scan(
		&c.ID,
		&c.PracticeID,
		&c.Phone,
		&c.Name,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrContactNotFound
		}
		return nil, err
	}
	return &c, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var scheduledFor *time.Time
	var eventID *string

	err := row.Scan(
		&a.ID,
		&a.PracticeID,
		&a.ContactID,
		&scheduledFor,
		&a.Status,
		&a.AppointmentType,
		&a.PatientName,
		&eventID,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.ScheduledFor = scheduledFor
	a.CalendarEventID = eventID
	return &a, nil
}

func scanToken(row pgx.Row) (*BookingToken, error) {
	var t BookingToken
	err := row.Scan(
		&t.ID,
		&t.AppointmentID,
		&t.ContactID,
		&t.Token,
		&t.ExpiresAt,
		&t.Used,
		&t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, err
	}
	return &t, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Contacts

func (r *PgRepository) GetContactByID(ctx context.Context, id uuid.UUID) (*Contact, error) {
	row := r.conn.QueryRow(ctx, `
		SELECT id, practice_id, phone, name, created_at, updated_at
		FROM contacts
		WHERE id = $1
	`, id)
	return scanContact(row)
}

func (r *PgRepository) GetContactByPhone(ctx context.Context, practiceID uuid.UUID, phone string) (*Contact, error) {
	row := r.conn.QueryRow(ctx, `
		SELECT id, practice_id, phone, name, created_at, updated_at
		FROM contacts
		WHERE practice_id = $1 AND phone = $2
	`, practiceID, phone)
	return scanContact(row)
}

func (r *PgRepository) CreateContact(ctx context.Context, c Contact) (*Contact, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	row := r.conn.QueryRow(ctx, `
		INSERT INTO contacts (id, practice_id, phone, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (practice_id, phone) DO UPDATE
		SET name = CASE WHEN contacts.name = '' THEN EXCLUDED.name ELSE contacts.name END,
		    updated_at = now()
		RETURNING id, practice_id, phone, name, created_at, updated_at
	`, c.ID, c.PracticeID, c.Phone, c.Name)
	return scanContact(row)
}

func (r *PgRepository) LockContact(ctx context.Context, id uuid.UUID) error {
	var locked uuid.UUID
	err := r.conn.QueryRow(ctx, `
		SELECT id FROM contacts WHERE id = $1 FOR UPDATE
	`, id).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrContactNotFound
		}
		return fmt.Errorf("lock contact: %w", err)
	}
	return nil
}

// Appointments

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id int64) (*Appointment, error) {
	row := r.conn.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListByContact(ctx context.Context, contactID uuid.UUID) ([]Appointment, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE contact_id = $1
		ORDER BY scheduled_for NULLS LAST, id
	`, contactID)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListBookedBetween(ctx context.Context, practiceID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	rows, err := r.conn.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE practice_id = $1
		  AND scheduled_for IS NOT NULL
		  AND scheduled_for >= $2
		  AND scheduled_for < $3
		  AND status IN ('draft', 'pending', 'confirmed')
		ORDER BY scheduled_for
	`, practiceID, from, to)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) CreateDraft(ctx context.Context, a Appointment) (*Appointment, error) {
	row := r.conn.QueryRow(ctx, `
		INSERT INTO appointments (practice_id, contact_id, status, appointment_type, patient_name, created_at, updated_at)
		VALUES ($1, $2, 'draft', $3, $4, now(), now())
		RETURNING `+appointmentColumns+`
	`, a.PracticeID, a.ContactID, a.AppointmentType, a.PatientName)
	return scanAppointment(row)
}

func (r *PgRepository) ScheduleDraft(ctx context.Context, id int64, at time.Time) (*Appointment, error) {
	// date and time columns are derived from the same instant so they never diverge
	row := r.conn.QueryRow(ctx, `
		UPDATE appointments
		SET scheduled_for = $2,
		    date = $3::date,
		    time = $4::time,
		    status = 'pending',
		    updated_at = now()
		WHERE id = $1
		  AND status = 'draft'
		RETURNING `+appointmentColumns+`
	`, id, at, at.Format("2006-01-02"), at.Format("15:04"))

	a, err := scanAppointment(row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, ErrSlotTaken
		}
		return nil, err
	}
	return a, nil
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id int64, from, to Status) (*Appointment, error) {
	row := r.conn.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns+`
	`, id, to, from)
	return scanAppointment(row)
}

func (r *PgRepository) SetCalendarEventID(ctx context.Context, id int64, eventID string) error {
	tag, err := r.conn.Exec(ctx, `
		UPDATE appointments
		SET calendar_event_id = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, eventID)
	if err != nil {
		return fmt.Errorf("set calendar event id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) DeleteAppointment(ctx context.Context, id int64) error {
	tag, err := r.conn.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

// Booking tokens

func (r *PgRepository) CreateToken(ctx context.Context, t BookingToken) (*BookingToken, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	row := r.conn.QueryRow(ctx, `
		INSERT INTO booking_tokens (id, appointment_id, contact_id, token, expires_at, used, created_at)
		VALUES ($1, $2, $3, $4, $5, false, now())
		RETURNING `+tokenColumns+`
	`, t.ID, t.AppointmentID, t.ContactID, t.Token, t.ExpiresAt)
	return scanToken(row)
}

func (r *PgRepository) GetTokenByValue(ctx context.Context, token string) (*BookingToken, error) {
	row := r.conn.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM booking_tokens
		WHERE token = $1
	`, token)
	return scanToken(row)
}

func (r *PgRepository) FindValidToken(ctx context.Context, contactID uuid.UUID, now time.Time) (*BookingToken, error) {
	row := r.conn.QueryRow(ctx, `
		SELECT t.id, t.appointment_id, t.contact_id, t.token, t.expires_at, t.used, t.created_at
		FROM booking_tokens t
		JOIN appointments a ON a.id = t.appointment_id
		WHERE t.contact_id = $1
		  AND t.used = false
		  AND t.expires_at > $2
		  AND a.status = 'draft'
		ORDER BY t.created_at DESC
		LIMIT 1
	`, contactID, now)
	return scanToken(row)
}

func (r *PgRepository) ConsumeToken(ctx context.Context, token string) (bool, error) {
	tag, err := r.conn.Exec(ctx, `
		UPDATE booking_tokens
		SET used = true
		WHERE token = $1
		  AND used = false
	`, token)
	if err != nil {
		return false, fmt.Errorf("consume token: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) DeleteStaleDrafts(ctx context.Context, contactID *uuid.UUID, now time.Time) (int64, error) {
	// booking_tokens.appointment_id cascades, so the stale tokens go with their drafts
	tag, err := r.conn.Exec(ctx, `
		DELETE FROM appointments a
		USING booking_tokens t
		WHERE t.appointment_id = a.id
		  AND a.status = 'draft'
		  AND (t.used OR t.expires_at <= $1)
		  AND ($2::uuid IS NULL OR t.contact_id = $2)
	`, now, contactID)
	if err != nil {
		return 0, fmt.Errorf("delete stale drafts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.conn.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func (r *PgRepository) InTx(ctx context.Context, fn func(repo Repository) error) error {
	if r.inTx {
		return fn(r)
	}
	return db.WithTx(ctx, r.conn, func(tx pgx.Tx) error {
		return fn(&PgRepository{conn: tx, inTx: true})
	})
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
