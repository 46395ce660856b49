package repository

import (
	"context"
	"time"

	"forecastloop/internal/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// LearningRepository holds the two smaller learning feeds: insights extracted from
// conversations and missed opportunities.
type LearningRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewLearningRepository(pool PgxPool, tracer trace.Tracer) *LearningRepository {
	return &LearningRepository{pool: pool, tracer: tracer}
}

func (r *LearningRepository) RunMigrations(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "learning-repo.run-migrations")
	defer span.End()

	return runStatements(ctx, r.pool, []string{
		`CREATE TABLE IF NOT EXISTS agent_insights (
			id              TEXT PRIMARY KEY,
			agent_id        TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			insight         TEXT NOT NULL,
			applied         BOOLEAN NOT NULL DEFAULT FALSE,
			applied_at      TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS missed_opportunities (
			id          TEXT PRIMARY KEY,
			agent_id    TEXT NOT NULL,
			instrument  TEXT NOT NULL,
			move_pct    DOUBLE PRECISION NOT NULL,
			lesson      TEXT NOT NULL,
			applied     BOOLEAN NOT NULL DEFAULT FALSE,
			applied_at  TIMESTAMPTZ,
			detected_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_insights_unapplied ON agent_insights (agent_id, applied)`,
		`CREATE INDEX IF NOT EXISTS idx_missed_opportunities_unapplied ON missed_opportunities (agent_id, applied)`,
	})
}

func (r *LearningRepository) InsertInsight(ctx context.Context, in domain.AgentInsight) (*domain.AgentInsight, error) {
	_, span := r.tracer.Start(ctx, "learning-repo.insert-insight")
	defer span.End()

	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO agent_insights (id, agent_id, conversation_id, insight, applied, applied_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		in.ID, in.AgentID, in.ConversationID, in.Insight, in.Applied, in.AppliedAt, in.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func (r *LearningRepository) ListUnappliedInsights(ctx context.Context, agentID string) ([]domain.AgentInsight, error) {
	_, span := r.tracer.Start(ctx, "learning-repo.list-unapplied-insights")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT id, agent_id, conversation_id, insight, applied, applied_at, created_at
		 FROM agent_insights
		 WHERE agent_id = $1 AND applied = FALSE
		 ORDER BY created_at ASC`,
		agentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.AgentInsight, 0)
	for rows.Next() {
		var in domain.AgentInsight
		if err := rows.Scan(&in.ID, &in.AgentID, &in.ConversationID, &in.Insight, &in.Applied, &in.AppliedAt, &in.CreatedAt); err != nil {
			return nil, err
		}
		in.CreatedAt = in.CreatedAt.UTC()
		out = append(out, in)
	}
	return out, rows.Err()
}

func (r *LearningRepository) MarkInsightApplied(ctx context.Context, id string, at time.Time) error {
	_, span := r.tracer.Start(ctx, "learning-repo.mark-insight-applied")
	defer span.End()

	_, err := r.pool.Exec(ctx,
		`UPDATE agent_insights SET applied = TRUE, applied_at = COALESCE(applied_at, $2) WHERE id = $1`,
		id, at.UTC(),
	)
	return err
}

func (r *LearningRepository) InsertMissedOpportunity(ctx context.Context, m domain.MissedOpportunity) (*domain.MissedOpportunity, error) {
	_, span := r.tracer.Start(ctx, "learning-repo.insert-missed-opportunity")
	defer span.End()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.DetectedAt.IsZero() {
		m.DetectedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO missed_opportunities (id, agent_id, instrument, move_pct, lesson, applied, applied_at, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.AgentID, m.Instrument, m.MovePct, m.Lesson, m.Applied, m.AppliedAt, m.DetectedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *LearningRepository) ListUnappliedMissedOpportunities(ctx context.Context, agentID string) ([]domain.MissedOpportunity, error) {
	_, span := r.tracer.Start(ctx, "learning-repo.list-unapplied-missed-opportunities")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT id, agent_id, instrument, move_pct, lesson, applied, applied_at, detected_at
		 FROM missed_opportunities
		 WHERE agent_id = $1 AND applied = FALSE
		 ORDER BY detected_at ASC`,
		agentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.MissedOpportunity, 0)
	for rows.Next() {
		var m domain.MissedOpportunity
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Instrument, &m.MovePct, &m.Lesson, &m.Applied, &m.AppliedAt, &m.DetectedAt); err != nil {
			return nil, err
		}
		m.DetectedAt = m.DetectedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *LearningRepository) MarkMissedOpportunityApplied(ctx context.Context, id string, at time.Time) error {
	_, span := r.tracer.Start(ctx, "learning-repo.mark-missed-opportunity-applied")
	defer span.End()

	_, err := r.pool.Exec(ctx,
		`UPDATE missed_opportunities SET applied = TRUE, applied_at = COALESCE(applied_at, $2) WHERE id = $1`,
		id, at.UTC(),
	)
	return err
}
