package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Store persists conversations and turns.
type Store interface {
	// Open returns the contact's open conversation, creating one in AI mode when none exists.
	Open(ctx context.Context, c Conversation) (*Conversation, error)
	Get(ctx context.Context, id uuid.UUID) (*Conversation, error)
	// UpdateStatus moves from -> to; ErrConversationNotFound when the row is no longer in from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Conversation, error)
	// SaveState writes the flow fields (step, summary, collected data). Status is untouched.
	SaveState(ctx context.Context, c *Conversation) error

	CreateTurn(ctx context.Context, conversationID uuid.UUID, content string) (*Turn, error)
	MarkProcessing(ctx context.Context, turnID int64) error
	// CompleteTurn and FailTurn finish a turn exactly once; ErrTurnFinished afterwards.
	CompleteTurn(ctx context.Context, turnID int64, response *string, note string) error
	FailTurn(ctx context.Context, turnID int64, note string) error
	// RecentTurns returns up to limit finished turns, oldest first.
	RecentTurns(ctx context.Context, conversationID uuid.UUID, limit int) ([]Turn, error)
}

// Transition applies a status change if it is allowed. Moving to the current
// status is a no-op, which makes handoff idempotent.
func Transition(ctx context.Context, store Store, id uuid.UUID, to Status) (*Conversation, error) {
	if !to.Valid() {
		return nil, ErrInvalidTransition
	}
	for attempt := 0; attempt < 3; attempt++ {
		c, err := store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if c.Status == to {
			return c, nil
		}
		if !CanTransition(c.Status, to) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
		}
		updated, err := store.UpdateStatus(ctx, id, c.Status, to)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrConversationNotFound) {
			return nil, err
		}
		// status changed underneath us, re-read and decide again
	}
	return nil, fmt.Errorf("%w: concurrent updates", ErrInvalidTransition)
}
