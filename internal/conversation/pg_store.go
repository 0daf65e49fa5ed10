package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/clinic-scheduling-assistant/internal/db"
)

var tracer = otel.Tracer("clinic.internal.conversation")

type PgStore struct {
	conn db.DBTX
}

func NewPgStore(conn db.DBTX) *PgStore {
	return &PgStore{conn: conn}
}

const conversationColumns = `id, practice_id, contact_id, from_number, to_number, status, step, summary, patient_name, appointment_type, created_at, updated_at`

const turnColumns = `id, conversation_id, content, response, processing_status, note, received_at, updated_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(
		&c.ID,
		&c.PracticeID,
		&c.ContactID,
		&c.FromNumber,
		&c.ToNumber,
		&c.Status,
		&c.Step,
		&c.Summary,
		&c.PatientName,
		&c.AppointmentType,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return &c, nil
}

func scanTurn(row pgx.Row) (*Turn, error) {
	var t Turn
	err := row.Scan(
		&t.ID,
		&t.ConversationID,
		&t.Content,
		&t.Response,
		&t.ProcessingStatus,
		&t.Note,
		&t.ReceivedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTurnNotFound
		}
		return nil, err
	}
	return &t, nil
}

// Open returns the contact's open conversation or creates one. The partial
// unique index conversations_open_uniq makes a concurrent create lose with
// DO NOTHING, after which the winner's row is read back.
func (s *PgStore) Open(ctx context.Context, c Conversation) (*Conversation, error) {
	ctx, span := tracer.Start(ctx, "conversation.open")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.contact_id", c.ContactID.String()))

	existing, err := s.findOpen(ctx, c.ContactID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrConversationNotFound) {
		span.RecordError(err)
		return nil, fmt.Errorf("find open conversation: %w", err)
	}

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	created, err := scanConversation(s.conn.QueryRow(ctx, `
		INSERT INTO conversations (id, practice_id, contact_id, from_number, to_number, status, step, summary, patient_name, appointment_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'ai', '', '', '', '', now(), now())
		ON CONFLICT (contact_id) WHERE status <> 'closed' DO NOTHING
		RETURNING `+conversationColumns+`
	`, c.ID, c.PracticeID, c.ContactID, c.FromNumber, c.ToNumber))
	switch {
	case err == nil:
		return created, nil
	case errors.Is(err, ErrConversationNotFound):
		span.AddEvent("open conversation created concurrently")
		existing, err = s.findOpen(ctx, c.ContactID)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("reload open conversation: %w", err)
		}
		return existing, nil
	default:
		span.RecordError(err)
		return nil, fmt.Errorf("create conversation: %w", err)
	}
}

func (s *PgStore) findOpen(ctx context.Context, contactID uuid.UUID) (*Conversation, error) {
	return scanConversation(s.conn.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE contact_id = $1 AND status <> 'closed'
		ORDER BY created_at DESC
		LIMIT 1
	`, contactID))
}

func (s *PgStore) Get(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	return scanConversation(s.conn.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE id = $1
	`, id))
}

func (s *PgStore) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Conversation, error) {
	return scanConversation(s.conn.QueryRow(ctx, `
		UPDATE conversations
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+conversationColumns+`
	`, id, to, from))
}

func (s *PgStore) SaveState(ctx context.Context, c *Conversation) error {
	tag, err := s.conn.Exec(ctx, `
		UPDATE conversations
		SET step = $2,
		    summary = $3,
		    patient_name = $4,
		    appointment_type = $5,
		    updated_at = now()
		WHERE id = $1
	`, c.ID, c.Step, c.Summary, c.PatientName, c.AppointmentType)
	if err != nil {
		return fmt.Errorf("save conversation state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *PgStore) CreateTurn(ctx context.Context, conversationID uuid.UUID, content string) (*Turn, error) {
	return scanTurn(s.conn.QueryRow(ctx, `
		INSERT INTO turns (conversation_id, content, processing_status, note, received_at, updated_at)
		VALUES ($1, $2, 'pending', '', now(), now())
		RETURNING `+turnColumns+`
	`, conversationID, content))
}

func (s *PgStore) MarkProcessing(ctx context.Context, turnID int64) error {
	tag, err := s.conn.Exec(ctx, `
		UPDATE turns
		SET processing_status = 'processing',
		    updated_at = now()
		WHERE id = $1
		  AND processing_status = 'pending'
	`, turnID)
	if err != nil {
		return fmt.Errorf("mark turn processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTurnFinished
	}
	return nil
}

func (s *PgStore) CompleteTurn(ctx context.Context, turnID int64, response *string, note string) error {
	return s.finishTurn(ctx, turnID, TurnCompleted, response, note)
}

func (s *PgStore) FailTurn(ctx context.Context, turnID int64, note string) error {
	return s.finishTurn(ctx, turnID, TurnFailed, nil, note)
}

func (s *PgStore) finishTurn(ctx context.Context, turnID int64, status TurnStatus, response *string, note string) error {
	tag, err := s.conn.Exec(ctx, `
		UPDATE turns
		SET processing_status = $2,
		    response = $3,
		    note = $4,
		    updated_at = now()
		WHERE id = $1
		  AND processing_status IN ('pending', 'processing')
	`, turnID, status, response, note)
	if err != nil {
		return fmt.Errorf("finish turn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTurnFinished
	}
	return nil
}

func (s *PgStore) RecentTurns(ctx context.Context, conversationID uuid.UUID, limit int) ([]Turn, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT `+turnColumns+`
		FROM (
			SELECT `+turnColumns+`
			FROM turns
			WHERE conversation_id = $1
			  AND processing_status IN ('completed', 'failed')
			ORDER BY id DESC
			LIMIT $2
		) recent
		ORDER BY id
	`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
