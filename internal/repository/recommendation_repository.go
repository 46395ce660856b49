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

// RecommendationRepository stores recommendations together with the specialist analyses
// that informed them, so a later postmortem can score each specialist.
type RecommendationRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewRecommendationRepository(pool PgxPool, tracer trace.Tracer) *RecommendationRepository {
	return &RecommendationRepository{pool: pool, tracer: tracer}
}

func (r *RecommendationRepository) RunMigrations(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "recommendation-repo.run-migrations")
	defer span.End()

	return runStatements(ctx, r.pool, []string{
		`CREATE TABLE IF NOT EXISTS recommendations (
			id                  TEXT PRIMARY KEY,
			agent_id            TEXT NOT NULL,
			instrument          TEXT NOT NULL,
			action              TEXT NOT NULL,
			confidence          DOUBLE PRECISION NOT NULL,
			sizing              TEXT NOT NULL DEFAULT '',
			rationale           TEXT NOT NULL DEFAULT '',
			timing_window       TEXT NOT NULL DEFAULT '',
			entry_style         TEXT NOT NULL DEFAULT '',
			target_price        DOUBLE PRECISION,
			evidence            JSONB NOT NULL DEFAULT '[]',
			specialist_analyses JSONB NOT NULL DEFAULT '[]',
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recommendations_agent ON recommendations (agent_id, instrument, created_at DESC)`,
	})
}

func (r *RecommendationRepository) InsertRecommendation(
	ctx context.Context,
	rec domain.Recommendation,
	analyses []domain.SpecialistAnalysis,
) (*domain.Recommendation, error) {
	_, span := r.tracer.Start(ctx, "recommendation-repo.insert")
	defer span.End()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	evidence, err := jsonColumn(rec.Evidence)
	if err != nil {
		return nil, err
	}
	specialists, err := jsonColumn(analyses)
	if err != nil {
		return nil, err
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO recommendations (id, agent_id, instrument, action, confidence, sizing, rationale,
		     timing_window, entry_style, target_price, evidence, specialist_analyses, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID,
		rec.AgentID,
		rec.Instrument,
		string(rec.Action),
		rec.Confidence,
		rec.Sizing,
		rec.Rationale,
		rec.TimingWindow,
		rec.EntryStyle,
		rec.TargetPrice,
		evidence,
		specialists,
		rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetRecommendation returns the recommendation and its specialist analyses, or nil when the
// id is unknown.
func (r *RecommendationRepository) GetRecommendation(
	ctx context.Context,
	id string,
) (*domain.Recommendation, []domain.SpecialistAnalysis, error) {
	_, span := r.tracer.Start(ctx, "recommendation-repo.get")
	defer span.End()

	var rec domain.Recommendation
	var action string
	var evidence, specialists []byte
	err := r.pool.QueryRow(ctx,
		`SELECT id, agent_id, instrument, action, confidence, sizing, rationale, timing_window,
		        entry_style, target_price, evidence, specialist_analyses, created_at
		 FROM recommendations WHERE id = $1`,
		id,
	).Scan(
		&rec.ID,
		&rec.AgentID,
		&rec.Instrument,
		&action,
		&rec.Confidence,
		&rec.Sizing,
		&rec.Rationale,
		&rec.TimingWindow,
		&rec.EntryStyle,
		&rec.TargetPrice,
		&evidence,
		&specialists,
		&rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	rec.Action = domain.Action(action)
	rec.CreatedAt = rec.CreatedAt.UTC()
	if rec.Evidence, err = decodeStrings(evidence); err != nil {
		return nil, nil, fmt.Errorf("decode recommendation %s evidence: %w", id, err)
	}
	var analyses []domain.SpecialistAnalysis
	if len(specialists) > 0 {
		if err := json.Unmarshal(specialists, &analyses); err != nil {
			return nil, nil, fmt.Errorf("decode recommendation %s analyses: %w", id, err)
		}
	}
	return &rec, analyses, nil
}
