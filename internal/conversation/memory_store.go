package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the in-process Store used for local runs and tests.
type MemoryStore struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]Conversation
	turns         map[int64]Turn
	nextTurn      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[uuid.UUID]Conversation),
		turns:         make(map[int64]Turn),
		nextTurn:      1,
	}
}

func (s *MemoryStore) Open(_ context.Context, c Conversation) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *Conversation
	for _, existing := range s.conversations {
		if existing.ContactID != c.ContactID || existing.Status == StatusClosed {
			continue
		}
		if latest == nil || existing.CreatedAt.After(latest.CreatedAt) {
			existing := existing
			latest = &existing
		}
	}
	if latest != nil {
		return latest, nil
	}

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now()
	c.Status = StatusAI
	c.Step = StepNone
	c.CreatedAt, c.UpdatedAt = now, now
	s.conversations[c.ID] = c
	return &c, nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return &c, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || c.Status != from {
		return nil, ErrConversationNotFound
	}
	c.Status = to
	c.UpdatedAt = time.Now()
	s.conversations[id] = c
	return &c, nil
}

func (s *MemoryStore) SaveState(_ context.Context, c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.conversations[c.ID]
	if !ok {
		return ErrConversationNotFound
	}
	stored.Step = c.Step
	stored.Summary = c.Summary
	stored.PatientName = c.PatientName
	stored.AppointmentType = c.AppointmentType
	stored.UpdatedAt = time.Now()
	s.conversations[c.ID] = stored
	return nil
}

func (s *MemoryStore) CreateTurn(_ context.Context, conversationID uuid.UUID, content string) (*Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrConversationNotFound
	}
	now := time.Now()
	t := Turn{
		ID:               s.nextTurn,
		ConversationID:   conversationID,
		Content:          content,
		ProcessingStatus: TurnPending,
		ReceivedAt:       now,
		UpdatedAt:        now,
	}
	s.nextTurn++
	s.turns[t.ID] = t
	return &t, nil
}

func (s *MemoryStore) MarkProcessing(_ context.Context, turnID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.turns[turnID]
	if !ok {
		return ErrTurnNotFound
	}
	if t.ProcessingStatus != TurnPending {
		return ErrTurnFinished
	}
	t.ProcessingStatus = TurnProcessing
	t.UpdatedAt = time.Now()
	s.turns[turnID] = t
	return nil
}

func (s *MemoryStore) CompleteTurn(_ context.Context, turnID int64, response *string, note string) error {
	return s.finish(turnID, TurnCompleted, response, note)
}

func (s *MemoryStore) FailTurn(_ context.Context, turnID int64, note string) error {
	return s.finish(turnID, TurnFailed, nil, note)
}

func (s *MemoryStore) finish(turnID int64, status TurnStatus, response *string, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.turns[turnID]
	if !ok {
		return ErrTurnNotFound
	}
	if t.Finished() {
		return ErrTurnFinished
	}
	t.ProcessingStatus = status
	t.Response = response
	t.Note = note
	t.UpdatedAt = time.Now()
	s.turns[turnID] = t
	return nil
}

func (s *MemoryStore) RecentTurns(_ context.Context, conversationID uuid.UUID, limit int) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Turn
	for _, t := range s.turns {
		if t.ConversationID == conversationID && t.Finished() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Turn returns a stored turn, for inspection in tests and admin tooling.
func (s *MemoryStore) Turn(id int64) (Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.turns[id]
	return t, ok
}
