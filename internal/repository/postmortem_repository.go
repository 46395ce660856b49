package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"forecastloop/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"
)

type PostmortemRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewPostmortemRepository(pool PgxPool, tracer trace.Tracer) *PostmortemRepository {
	return &PostmortemRepository{pool: pool, tracer: tracer}
}

const postmortemColumns = `id, agent_id, recommendation_id, outcome_id, instrument, domain, what_worked, what_failed,
	root_cause, specialist_accuracy, key_learnings, missing_context, suggested_improvements,
	predicted_confidence, actual_accuracy, calibration_error, applied_to_context, applied_at, created_at`

func (r *PostmortemRepository) RunMigrations(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "postmortem-repo.run-migrations")
	defer span.End()

	return runStatements(ctx, r.pool, []string{
		`CREATE TABLE IF NOT EXISTS postmortem_analyses (
			id                     TEXT PRIMARY KEY,
			agent_id               TEXT NOT NULL,
			recommendation_id      TEXT NOT NULL,
			outcome_id             TEXT NOT NULL DEFAULT '',
			instrument             TEXT NOT NULL,
			domain                 TEXT NOT NULL DEFAULT '',
			what_worked            JSONB NOT NULL DEFAULT '[]',
			what_failed            JSONB NOT NULL DEFAULT '[]',
			root_cause             TEXT,
			specialist_accuracy    JSONB NOT NULL DEFAULT '{}',
			key_learnings          JSONB NOT NULL DEFAULT '[]',
			missing_context        JSONB NOT NULL DEFAULT '[]',
			suggested_improvements JSONB NOT NULL DEFAULT '[]',
			predicted_confidence   DOUBLE PRECISION NOT NULL,
			actual_accuracy        DOUBLE PRECISION NOT NULL,
			calibration_error      DOUBLE PRECISION NOT NULL,
			applied_to_context     BOOLEAN NOT NULL DEFAULT FALSE,
			applied_at             TIMESTAMPTZ,
			created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_postmortems_unapplied ON postmortem_analyses (agent_id, applied_to_context, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_postmortems_outcome ON postmortem_analyses (outcome_id) WHERE outcome_id <> ''`,
	})
}

// InsertPostmortem stores one postmortem per outcome. When the outcome already has one, that
// row is returned and nothing is written.
func (r *PostmortemRepository) InsertPostmortem(ctx context.Context, p domain.PostmortemAnalysis) (*domain.PostmortemAnalysis, error) {
	_, span := r.tracer.Start(ctx, "postmortem-repo.insert")
	defer span.End()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	lists := make([][]byte, 0, 5)
	for _, l := range [][]string{p.WhatWorked, p.WhatFailed, p.KeyLearnings, p.MissingContext, p.SuggestedImprovements} {
		b, err := jsonColumn(l)
		if err != nil {
			return nil, err
		}
		lists = append(lists, b)
	}
	accuracy, err := json.Marshal(p.SpecialistAccuracy)
	if err != nil {
		return nil, err
	}
	if p.SpecialistAccuracy == nil {
		accuracy = []byte("{}")
	}

	tag, err := r.pool.Exec(ctx,
		`INSERT INTO postmortem_analyses (`+postmortemColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		 ON CONFLICT (outcome_id) WHERE outcome_id <> '' DO NOTHING`,
		p.ID,
		p.AgentID,
		p.RecommendationID,
		p.OutcomeID,
		p.Instrument,
		string(p.Domain),
		lists[0],
		lists[1],
		p.RootCause,
		accuracy,
		lists[2],
		lists[3],
		lists[4],
		p.PredictedConfidence,
		p.ActualAccuracy,
		p.CalibrationError,
		p.AppliedToContext,
		p.AppliedAt,
		p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 1 || p.OutcomeID == "" {
		return &p, nil
	}
	existing, err := r.GetPostmortemByOutcome(ctx, p.OutcomeID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("postmortem for outcome %s conflicted but was not found", p.OutcomeID)
	}
	return existing, nil
}

func (r *PostmortemRepository) GetPostmortemByOutcome(ctx context.Context, outcomeID string) (*domain.PostmortemAnalysis, error) {
	_, span := r.tracer.Start(ctx, "postmortem-repo.get-by-outcome")
	defer span.End()

	p, err := scanPostmortem(r.pool.QueryRow(ctx,
		`SELECT `+postmortemColumns+` FROM postmortem_analyses WHERE outcome_id = $1`, outcomeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListUnappliedPostmortems returns postmortems not yet folded into the agent context, oldest first.
func (r *PostmortemRepository) ListUnappliedPostmortems(ctx context.Context, agentID string) ([]domain.PostmortemAnalysis, error) {
	_, span := r.tracer.Start(ctx, "postmortem-repo.list-unapplied")
	defer span.End()

	return r.list(ctx,
		`SELECT `+postmortemColumns+`
		 FROM postmortem_analyses
		 WHERE agent_id = $1 AND applied_to_context = FALSE
		 ORDER BY created_at ASC`,
		agentID)
}

// MarkPostmortemApplied is idempotent: the first applied_at is kept.
func (r *PostmortemRepository) MarkPostmortemApplied(ctx context.Context, id string, at time.Time) error {
	_, span := r.tracer.Start(ctx, "postmortem-repo.mark-applied")
	defer span.End()

	_, err := r.pool.Exec(ctx,
		`UPDATE postmortem_analyses
		 SET applied_to_context = TRUE, applied_at = COALESCE(applied_at, $2)
		 WHERE id = $1`,
		id, at.UTC(),
	)
	return err
}

func (r *PostmortemRepository) ListRecentPostmortems(ctx context.Context, agentID, instrument string, limit int) ([]domain.PostmortemAnalysis, error) {
	_, span := r.tracer.Start(ctx, "postmortem-repo.list-recent")
	defer span.End()

	args := []any{agentID}
	var sb strings.Builder
	sb.WriteString(`SELECT ` + postmortemColumns + ` FROM postmortem_analyses WHERE agent_id = $1`)
	if instrument != "" {
		args = append(args, instrument)
		sb.WriteString(fmt.Sprintf(" AND instrument = $%d", len(args)))
	}
	if limit <= 0 {
		limit = 5
	}
	args = append(args, limit)
	sb.WriteString(fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args)))

	return r.list(ctx, sb.String(), args...)
}

func (r *PostmortemRepository) list(ctx context.Context, sql string, args ...any) ([]domain.PostmortemAnalysis, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.PostmortemAnalysis, 0)
	for rows.Next() {
		p, err := scanPostmortem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPostmortem(row pgx.Row) (*domain.PostmortemAnalysis, error) {
	var p domain.PostmortemAnalysis
	var dom string
	var worked, failed, accuracy, learnings, missing, improvements []byte
	if err := row.Scan(
		&p.ID,
		&p.AgentID,
		&p.RecommendationID,
		&p.OutcomeID,
		&p.Instrument,
		&dom,
		&worked,
		&failed,
		&p.RootCause,
		&accuracy,
		&learnings,
		&missing,
		&improvements,
		&p.PredictedConfidence,
		&p.ActualAccuracy,
		&p.CalibrationError,
		&p.AppliedToContext,
		&p.AppliedAt,
		&p.CreatedAt,
	); err != nil {
		return nil, err
	}
	p.Domain = domain.InstrumentDomain(dom)
	p.CreatedAt = p.CreatedAt.UTC()

	var err error
	for _, f := range []struct {
		raw []byte
		dst *[]string
	}{
		{worked, &p.WhatWorked},
		{failed, &p.WhatFailed},
		{learnings, &p.KeyLearnings},
		{missing, &p.MissingContext},
		{improvements, &p.SuggestedImprovements},
	} {
		if *f.dst, err = decodeStrings(f.raw); err != nil {
			return nil, fmt.Errorf("decode postmortem %s: %w", p.ID, err)
		}
	}
	if len(accuracy) > 0 {
		if err := json.Unmarshal(accuracy, &p.SpecialistAccuracy); err != nil {
			return nil, fmt.Errorf("decode postmortem %s specialist accuracy: %w", p.ID, err)
		}
	}
	return &p, nil
}
