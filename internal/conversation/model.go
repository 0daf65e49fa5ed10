// Package conversation stores WhatsApp conversations and their turns, and
// decides whether automation may still speak in one.
package conversation

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusAI     Status = "ai"
	StatusHuman  Status = "human"
	StatusClosed Status = "closed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAI, StatusHuman, StatusClosed:
		return true
	}
	return false
}

// Step marks a multi-turn flow waiting on the patient's next message.
type Step string

const (
	StepNone                 Step = ""
	StepAwaitingCancelID     Step = "awaiting_cancel_id"
	StepAwaitingRescheduleID Step = "awaiting_reschedule_id"
	StepAwaitingScheduleData Step = "awaiting_schedule_data"
)

type TurnStatus string

const (
	TurnPending    TurnStatus = "pending"
	TurnProcessing TurnStatus = "processing"
	TurnCompleted  TurnStatus = "completed"
	TurnFailed     TurnStatus = "failed"
)

// Notes recorded on turns.
const (
	NoteSuppressedByGuard = "suppressed:guard"
	NoteFallback          = "fallback"
	NoteHandedOff         = "handoff"
	NoteDeliveryFailed    = "delivery_failed"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrTurnNotFound         = errors.New("turn not found")
	ErrTurnFinished         = errors.New("turn already finished")
	ErrInvalidTransition    = errors.New("invalid conversation status transition")
)

type Conversation struct {
	ID              uuid.UUID
	PracticeID      uuid.UUID
	ContactID       uuid.UUID
	FromNumber      string
	ToNumber        string
	Status          Status
	Step            Step
	Summary         string
	PatientName     string
	AppointmentType string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Turn struct {
	ID               int64
	ConversationID   uuid.UUID
	Content          string
	Response         *string
	ProcessingStatus TurnStatus
	Note             string
	ReceivedAt       time.Time
	UpdatedAt        time.Time
}

// Finished reports whether the turn reached a terminal status.
func (t Turn) Finished() bool {
	return t.ProcessingStatus == TurnCompleted || t.ProcessingStatus == TurnFailed
}

// CanRespond is the guard: automation may only act while the conversation is
// in AI mode. Callers check it again against a fresh read right before sending.
func CanRespond(c *Conversation) bool {
	return c != nil && c.Status == StatusAI
}

// transitions lists the allowed status moves. A conversation never goes back
// to AI once a human has it, and closed is final.
var transitions = map[Status][]Status{
	StatusAI:     {StatusHuman, StatusClosed},
	StatusHuman:  {StatusClosed},
	StatusClosed: {},
}

// CanTransition reports whether a conversation may move from one status to
// another. Staying in place is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
