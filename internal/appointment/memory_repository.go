package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps everything in process. It backs USE_MEMORY_STORE
// runs and the service tests. InTx undoes only the writes made through the
// transaction when fn fails; writes from outside it are left alone.
type MemoryRepository struct {
	txMu sync.Mutex
	st   *memState
	undo *undoLog // set on the repository handed to InTx callbacks
}

type memState struct {
	mu           sync.Mutex
	contacts     map[uuid.UUID]Contact
	appointments map[int64]Appointment
	tokens       map[string]BookingToken
	events       []EventLog
	nextID       int64
	nextEvent    int64
}

// undoLog holds the inverse of each write made inside one InTx call.
type undoLog struct {
	ops []func()
}

// record must be called with st.mu held.
func (r *MemoryRepository) record(op func()) {
	if r.undo != nil {
		r.undo.ops = append(r.undo.ops, op)
	}
}

func putEntry[K comparable, V any](r *MemoryRepository, m map[K]V, k K, v V) {
	prev, had := m[k]
	m[k] = v
	r.record(func() {
		if had {
			m[k] = prev
		} else {
			delete(m, k)
		}
	})
}

func deleteEntry[K comparable, V any](r *MemoryRepository, m map[K]V, k K) {
	prev, had := m[k]
	if !had {
		return
	}
	delete(m, k)
	r.record(func() { m[k] = prev })
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{st: &memState{
		contacts:     make(map[uuid.UUID]Contact),
		appointments: make(map[int64]Appointment),
		tokens:       make(map[string]BookingToken),
		nextID:       1,
		nextEvent:    1,
	}}
}

// Events returns a copy of the recorded event log.
func (r *MemoryRepository) Events() []EventLog {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	out := make([]EventLog, len(r.st.events))
	copy(out, r.st.events)
	return out
}

// Tokens returns every stored token for a contact.
func (r *MemoryRepository) Tokens(contactID uuid.UUID) []BookingToken {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []BookingToken
	for _, t := range r.st.tokens {
		if t.ContactID == contactID {
			out = append(out, t)
		}
	}
	return out
}

func (r *MemoryRepository) GetContactByID(_ context.Context, id uuid.UUID) (*Contact, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	c, ok := r.st.contacts[id]
	if !ok {
		return nil, ErrContactNotFound
	}
	return &c, nil
}

func (r *MemoryRepository) GetContactByPhone(_ context.Context, practiceID uuid.UUID, phone string) (*Contact, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, c := range r.st.contacts {
		if c.PracticeID == practiceID && c.Phone == phone {
			c := c
			return &c, nil
		}
	}
	return nil, ErrContactNotFound
}

func (r *MemoryRepository) CreateContact(_ context.Context, c Contact) (*Contact, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for id, existing := range r.st.contacts {
		if existing.PracticeID == c.PracticeID && existing.Phone == c.Phone {
			if existing.Name == "" && c.Name != "" {
				existing.Name = c.Name
				existing.UpdatedAt = time.Now()
				putEntry(r, r.st.contacts, id, existing)
			}
			return &existing, nil
		}
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	putEntry(r, r.st.contacts, c.ID, c)
	return &c, nil
}

func (r *MemoryRepository) LockContact(_ context.Context, id uuid.UUID) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if _, ok := r.st.contacts[id]; !ok {
		return ErrContactNotFound
	}
	return nil
}

func (r *MemoryRepository) GetAppointmentByID(_ context.Context, id int64) (*Appointment, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	a, ok := r.st.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *MemoryRepository) ListByContact(_ context.Context, contactID uuid.UUID) ([]Appointment, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []Appointment
	for _, a := range r.st.appointments {
		if a.ContactID == contactID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i], out[j]
		switch {
		case ai.HasTime() && aj.HasTime() && !ai.ScheduledFor.Equal(*aj.ScheduledFor):
			return ai.ScheduledFor.Before(*aj.ScheduledFor)
		case ai.HasTime() != aj.HasTime():
			return ai.HasTime()
		default:
			return ai.ID < aj.ID
		}
	})
	return out, nil
}

func (r *MemoryRepository) ListBookedBetween(_ context.Context, practiceID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []Appointment
	for _, a := range r.st.appointments {
		if a.PracticeID != practiceID || !a.Occupies() {
			continue
		}
		if a.ScheduledFor.Before(from) || !a.ScheduledFor.Before(to) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(*out[j].ScheduledFor) })
	return out, nil
}

func (r *MemoryRepository) CreateDraft(_ context.Context, a Appointment) (*Appointment, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if _, ok := r.st.contacts[a.ContactID]; !ok {
		return nil, ErrContactNotFound
	}
	now := time.Now()
	a.ID = r.st.nextID
	r.st.nextID++
	a.Status = StatusDraft
	a.ScheduledFor = nil
	a.CreatedAt, a.UpdatedAt = now, now
	putEntry(r, r.st.appointments, a.ID, a)
	return &a, nil
}

func (r *MemoryRepository) ScheduleDraft(_ context.Context, id int64, at time.Time) (*Appointment, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	a, ok := r.st.appointments[id]
	if !ok || a.Status != StatusDraft {
		return nil, ErrAppointmentNotFound
	}
	for _, other := range r.st.appointments {
		if other.ID == id || other.PracticeID != a.PracticeID || !other.HasTime() {
			continue
		}
		if (other.Status == StatusPending || other.Status == StatusConfirmed) && other.ScheduledFor.Equal(at) {
			return nil, ErrSlotTaken
		}
	}
	a.ScheduledFor = &at
	a.Status = StatusPending
	a.UpdatedAt = time.Now()
	putEntry(r, r.st.appointments, id, a)
	return &a, nil
}

func (r *MemoryRepository) UpdateStatus(_ context.Context, id int64, from, to Status) (*Appointment, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	a, ok := r.st.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	putEntry(r, r.st.appointments, id, a)
	return &a, nil
}

func (r *MemoryRepository) SetCalendarEventID(_ context.Context, id int64, eventID string) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	a, ok := r.st.appointments[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	a.CalendarEventID = &eventID
	putEntry(r, r.st.appointments, id, a)
	return nil
}

func (r *MemoryRepository) DeleteAppointment(_ context.Context, id int64) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if _, ok := r.st.appointments[id]; !ok {
		return ErrAppointmentNotFound
	}
	deleteEntry(r, r.st.appointments, id)
	for value, t := range r.st.tokens {
		if t.AppointmentID == id {
			deleteEntry(r, r.st.tokens, value)
		}
	}
	return nil
}

func (r *MemoryRepository) CreateToken(_ context.Context, t BookingToken) (*BookingToken, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if _, ok := r.st.appointments[t.AppointmentID]; !ok {
		return nil, ErrAppointmentNotFound
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.Used = false
	t.CreatedAt = time.Now()
	putEntry(r, r.st.tokens, t.Token, t)
	return &t, nil
}

func (r *MemoryRepository) GetTokenByValue(_ context.Context, token string) (*BookingToken, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	t, ok := r.st.tokens[token]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return &t, nil
}

func (r *MemoryRepository) FindValidToken(_ context.Context, contactID uuid.UUID, now time.Time) (*BookingToken, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var best *BookingToken
	for _, t := range r.st.tokens {
		if t.ContactID != contactID || !t.Valid(now) {
			continue
		}
		a, ok := r.st.appointments[t.AppointmentID]
		if !ok || a.Status != StatusDraft {
			continue
		}
		if best == nil || t.CreatedAt.After(best.CreatedAt) {
			t := t
			best = &t
		}
	}
	if best == nil {
		return nil, ErrTokenNotFound
	}
	return best, nil
}

func (r *MemoryRepository) ConsumeToken(_ context.Context, token string) (bool, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	t, ok := r.st.tokens[token]
	if !ok || t.Used {
		return false, nil
	}
	t.Used = true
	putEntry(r, r.st.tokens, token, t)
	return true, nil
}

func (r *MemoryRepository) DeleteStaleDrafts(_ context.Context, contactID *uuid.UUID, now time.Time) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var n int64
	for value, t := range r.st.tokens {
		if contactID != nil && t.ContactID != *contactID {
			continue
		}
		if t.Valid(now) {
			continue
		}
		a, ok := r.st.appointments[t.AppointmentID]
		if !ok || a.Status != StatusDraft {
			continue
		}
		deleteEntry(r, r.st.appointments, a.ID)
		deleteEntry(r, r.st.tokens, value)
		n++
	}
	return n, nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	ev.ID = r.st.nextEvent
	r.st.nextEvent++
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	r.st.events = append(r.st.events, ev)
	r.record(func() {
		for i := range r.st.events {
			if r.st.events[i].ID == ev.ID {
				r.st.events = append(r.st.events[:i], r.st.events[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (r *MemoryRepository) InTx(ctx context.Context, fn func(repo Repository) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	log := &undoLog{}
	tx := &memTx{&MemoryRepository{st: r.st, undo: log}}
	if err := fn(tx); err != nil {
		r.st.mu.Lock()
		for i := len(log.ops) - 1; i >= 0; i-- {
			log.ops[i]()
		}
		r.st.mu.Unlock()
		return err
	}
	return nil
}

// memTx is handed to InTx callbacks so nested InTx calls do not re-lock txMu
// and their writes land in the same undo log.
type memTx struct {
	*MemoryRepository
}

func (t *memTx) InTx(_ context.Context, fn func(repo Repository) error) error {
	return fn(t)
}
