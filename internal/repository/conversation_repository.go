package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"forecastloop/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"
)

// ConversationRepository stores learning conversations as one row each, with the transcript,
// extracted insights and applied updates held in JSONB columns.
type ConversationRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewConversationRepository(pool PgxPool, tracer trace.Tracer) *ConversationRepository {
	return &ConversationRepository{pool: pool, tracer: tracer}
}

func (r *ConversationRepository) RunMigrations(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "conversation-repo.run-migrations")
	defer span.End()

	return runStatements(ctx, r.pool, []string{
		`CREATE TABLE IF NOT EXISTS learning_conversations (
			id                 TEXT PRIMARY KEY,
			agent_id           TEXT NOT NULL,
			user_id            TEXT NOT NULL,
			status             TEXT NOT NULL DEFAULT 'active',
			focus_type         TEXT NOT NULL DEFAULT '',
			focus_reference    TEXT NOT NULL DEFAULT '',
			messages           JSONB NOT NULL DEFAULT '[]',
			extracted_insights JSONB NOT NULL DEFAULT '[]',
			applied_updates    JSONB NOT NULL DEFAULT '[]',
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at       TIMESTAMPTZ,
			version            INT NOT NULL DEFAULT 0
		)`,
		`ALTER TABLE learning_conversations ADD COLUMN IF NOT EXISTS version INT NOT NULL DEFAULT 0`,
		`CREATE INDEX IF NOT EXISTS idx_learning_conversations_agent ON learning_conversations (agent_id, status)`,
	})
}

type conversationJSON struct {
	messages []byte
	insights []byte
	updates  []byte
}

func encodeConversation(c domain.LearningConversation) (conversationJSON, error) {
	var out conversationJSON
	var err error
	if out.messages, err = jsonColumn(c.Messages); err != nil {
		return out, err
	}
	if out.insights, err = jsonColumn(c.ExtractedInsights); err != nil {
		return out, err
	}
	if out.updates, err = jsonColumn(c.AppliedUpdates); err != nil {
		return out, err
	}
	return out, nil
}

func (r *ConversationRepository) InsertConversation(ctx context.Context, c domain.LearningConversation) (*domain.LearningConversation, error) {
	_, span := r.tracer.Start(ctx, "conversation-repo.insert")
	defer span.End()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	enc, err := encodeConversation(c)
	if err != nil {
		return nil, err
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO learning_conversations (id, agent_id, user_id, status, focus_type, focus_reference,
		     messages, extracted_insights, applied_updates, created_at, updated_at, completed_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		c.ID,
		c.AgentID,
		c.UserID,
		string(c.Status),
		c.FocusType,
		c.FocusReference,
		enc.messages,
		enc.insights,
		enc.updates,
		c.CreatedAt,
		c.UpdatedAt,
		c.CompletedAt,
		c.Version,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *ConversationRepository) GetConversation(ctx context.Context, id string) (*domain.LearningConversation, error) {
	_, span := r.tracer.Start(ctx, "conversation-repo.get")
	defer span.End()

	var c domain.LearningConversation
	var status string
	var messages, insights, updates []byte
	err := r.pool.QueryRow(ctx,
		`SELECT id, agent_id, user_id, status, focus_type, focus_reference, messages, extracted_insights,
		        applied_updates, created_at, updated_at, completed_at, version
		 FROM learning_conversations WHERE id = $1`,
		id,
	).Scan(
		&c.ID,
		&c.AgentID,
		&c.UserID,
		&status,
		&c.FocusType,
		&c.FocusReference,
		&messages,
		&insights,
		&updates,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.CompletedAt,
		&c.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Status = domain.ConversationStatus(status)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()

	c.Messages = []domain.ConversationMessage{}
	c.AppliedUpdates = []domain.AppliedUpdate{}
	if len(messages) > 0 {
		if err := json.Unmarshal(messages, &c.Messages); err != nil {
			return nil, fmt.Errorf("decode conversation %s messages: %w", id, err)
		}
	}
	if c.ExtractedInsights, err = decodeStrings(insights); err != nil {
		return nil, fmt.Errorf("decode conversation %s insights: %w", id, err)
	}
	if len(updates) > 0 {
		if err := json.Unmarshal(updates, &c.AppliedUpdates); err != nil {
			return nil, fmt.Errorf("decode conversation %s updates: %w", id, err)
		}
	}
	return &c, nil
}

// UpdateConversation rewrites the mutable columns when the stored version still matches
// c.Version. Terminal conversations are left untouched so a late write cannot reopen them.
func (r *ConversationRepository) UpdateConversation(ctx context.Context, c domain.LearningConversation) error {
	ctx, span := r.tracer.Start(ctx, "conversation-repo.update")
	defer span.End()

	enc, err := encodeConversation(c)
	if err != nil {
		return err
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE learning_conversations
		 SET status = $2, messages = $3, extracted_insights = $4, applied_updates = $5,
		     updated_at = $6, completed_at = $7, version = version + 1
		 WHERE id = $1 AND status = 'active' AND version = $8`,
		c.ID,
		string(c.Status),
		enc.messages,
		enc.insights,
		enc.updates,
		c.UpdatedAt,
		c.CompletedAt,
		c.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var status string
	err = r.pool.QueryRow(ctx, `SELECT status FROM learning_conversations WHERE id = $1`, c.ID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && status != string(domain.ConversationActive)) {
		return fmt.Errorf("conversation %s: %w", c.ID, domain.ErrInvalidTransition)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("conversation %s: %w", c.ID, domain.ErrVersionConflict)
}
