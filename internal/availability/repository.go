package availability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/clinic-scheduling-assistant/internal/db"
)

var ErrScheduleNotFound = errors.New("schedule configuration not found")

type ScheduleRepository interface {
	LoadSchedule(ctx context.Context, practiceID uuid.UUID) (ScheduleConfig, error)
}

type PgScheduleRepository struct {
	conn db.DBTX
}

func NewPgScheduleRepository(conn db.DBTX) *PgScheduleRepository {
	return &PgScheduleRepository{conn: conn}
}

func (r *PgScheduleRepository) LoadSchedule(ctx context.Context, practiceID uuid.UUID) (ScheduleConfig, error) {
	cfg := ScheduleConfig{PracticeID: practiceID}

	var tz string
	var slotMinutes int
	err := r.conn.QueryRow(ctx, `
		SELECT timezone, slot_minutes
		FROM schedule_configs
		WHERE practice_id = $1
	`, practiceID).Scan(&tz, &slotMinutes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ScheduleConfig{}, ErrScheduleNotFound
		}
		return ScheduleConfig{}, fmt.Errorf("load schedule config: %w", err)
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return ScheduleConfig{}, fmt.Errorf("schedule timezone %q: %w", tz, err)
	}
	cfg.Location = loc
	cfg.SlotDuration = time.Duration(slotMinutes) * time.Minute

	rows, err := r.conn.Query(ctx, `
		SELECT weekday, active,
		       to_char(start_time, 'HH24:MI'),
		       to_char(end_time, 'HH24:MI'),
		       to_char(lunch_start, 'HH24:MI'),
		       to_char(lunch_end, 'HH24:MI')
		FROM working_days
		WHERE practice_id = $1
		ORDER BY weekday
	`, practiceID)
	if err != nil {
		return ScheduleConfig{}, fmt.Errorf("load working days: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			weekday              int
			active               bool
			start, end           string
			lunchStart, lunchEnd *string
		)
		if err := rows.Scan(&weekday, &active, &start, &end, &lunchStart, &lunchEnd); err != nil {
			return ScheduleConfig{}, fmt.Errorf("scan working day: %w", err)
		}
		wd, err := buildWorkingDay(weekday, active, start, end, lunchStart, lunchEnd)
		if err != nil {
			return ScheduleConfig{}, err
		}
		cfg.WorkingDays = append(cfg.WorkingDays, wd)
	}
	if err := rows.Err(); err != nil {
		return ScheduleConfig{}, err
	}

	blocked, err := r.conn.Query(ctx, `
		SELECT day, reason
		FROM blocked_days
		WHERE practice_id = $1
		ORDER BY day
	`, practiceID)
	if err != nil {
		return ScheduleConfig{}, fmt.Errorf("load blocked days: %w", err)
	}
	defer blocked.Close()

	for blocked.Next() {
		var b BlockedDay
		if err := blocked.Scan(&b.Date, &b.Reason); err != nil {
			return ScheduleConfig{}, fmt.Errorf("scan blocked day: %w", err)
		}
		cfg.BlockedDays = append(cfg.BlockedDays, b)
	}
	if err := blocked.Err(); err != nil {
		return ScheduleConfig{}, err
	}

	return cfg, nil
}

// SaveSchedule replaces the practice's schedule. Used by the seed command.
func (r *PgScheduleRepository) SaveSchedule(ctx context.Context, cfg ScheduleConfig) error {
	return db.WithTx(ctx, r.conn, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO schedule_configs (practice_id, timezone, slot_minutes)
			VALUES ($1, $2, $3)
			ON CONFLICT (practice_id) DO UPDATE
			SET timezone = EXCLUDED.timezone, slot_minutes = EXCLUDED.slot_minutes
		`, cfg.PracticeID, cfg.Location.String(), int(cfg.SlotDuration/time.Minute))
		if err != nil {
			return fmt.Errorf("upsert schedule config: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM working_days WHERE practice_id = $1`, cfg.PracticeID); err != nil {
			return fmt.Errorf("clear working days: %w", err)
		}
		for _, wd := range cfg.WorkingDays {
			_, err := tx.Exec(ctx, `
				INSERT INTO working_days (practice_id, weekday, active, start_time, end_time, lunch_start, lunch_end)
				VALUES ($1, $2, $3, $4::time, $5::time, $6::time, $7::time)
			`, cfg.PracticeID, int(wd.Weekday), wd.Active, wd.Start.String(), wd.End.String(),
				optionalClock(wd.LunchStart), optionalClock(wd.LunchEnd))
			if err != nil {
				return fmt.Errorf("insert working day: %w", err)
			}
		}

		if _, err := tx.Exec(ctx, `DELETE FROM blocked_days WHERE practice_id = $1`, cfg.PracticeID); err != nil {
			return fmt.Errorf("clear blocked days: %w", err)
		}
		for _, b := range cfg.BlockedDays {
			_, err := tx.Exec(ctx, `
				INSERT INTO blocked_days (practice_id, day, reason)
				VALUES ($1, $2::date, $3)
			`, cfg.PracticeID, b.Date.Format("2006-01-02"), b.Reason)
			if err != nil {
				return fmt.Errorf("insert blocked day: %w", err)
			}
		}
		return nil
	})
}

func buildWorkingDay(weekday int, active bool, start, end string, lunchStart, lunchEnd *string) (WorkingDay, error) {
	wd := WorkingDay{Weekday: time.Weekday(weekday), Active: active}
	var err error
	if wd.Start, err = ParseTimeOfDay(start); err != nil {
		return WorkingDay{}, err
	}
	if wd.End, err = ParseTimeOfDay(end); err != nil {
		return WorkingDay{}, err
	}
	if lunchStart != nil && lunchEnd != nil {
		ls, err := ParseTimeOfDay(*lunchStart)
		if err != nil {
			return WorkingDay{}, err
		}
		le, err := ParseTimeOfDay(*lunchEnd)
		if err != nil {
			return WorkingDay{}, err
		}
		wd.LunchStart, wd.LunchEnd = &ls, &le
	}
	return wd, nil
}

func optionalClock(t *TimeOfDay) *string {
	if t == nil {
		return nil
	}
	s := t.String()
	return &s
}

// MemoryScheduleRepository serves schedules held in process.
type MemoryScheduleRepository struct {
	mu        sync.RWMutex
	schedules map[uuid.UUID]ScheduleConfig
}

func NewMemoryScheduleRepository(cfgs ...ScheduleConfig) *MemoryScheduleRepository {
	r := &MemoryScheduleRepository{schedules: make(map[uuid.UUID]ScheduleConfig)}
	for _, c := range cfgs {
		r.schedules[c.PracticeID] = c
	}
	return r
}

func (r *MemoryScheduleRepository) LoadSchedule(_ context.Context, practiceID uuid.UUID) (ScheduleConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.schedules[practiceID]
	if !ok {
		return ScheduleConfig{}, ErrScheduleNotFound
	}
	return cfg, nil
}

func (r *MemoryScheduleRepository) SaveSchedule(_ context.Context, cfg ScheduleConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schedules[cfg.PracticeID] = cfg
	return nil
}

// StandardWeek is a Monday to Friday 08:00-18:00 week with a 12:00-13:00 lunch.
func StandardWeek() []WorkingDay {
	ls, le := NewTimeOfDay(12, 0), NewTimeOfDay(13, 0)
	var days []WorkingDay
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		active := wd != time.Saturday && wd != time.Sunday
		days = append(days, WorkingDay{
			Weekday:    wd,
			Active:     active,
			Start:      NewTimeOfDay(8, 0),
			End:        NewTimeOfDay(18, 0),
			LunchStart: &ls,
			LunchEnd:   &le,
		})
	}
	return days
}
