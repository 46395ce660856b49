package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"forecastloop/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"
)

type OutcomeRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewOutcomeRepository(pool PgxPool, tracer trace.Tracer) *OutcomeRepository {
	return &OutcomeRepository{pool: pool, tracer: tracer}
}

const outcomeColumns = `o.id, o.recommendation_id, o.instrument, o.outcome, o.actual_return_pct, o.benchmark_return_pct,
	o.entry_price, o.exit_price, o.entry_at, o.exit_at, o.evaluation_method, o.notes,
	o.market_resolution, o.resolution_timestamp, o.evaluated_at`

func (r *OutcomeRepository) RunMigrations(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "outcome-repo.run-migrations")
	defer span.End()

	return runStatements(ctx, r.pool, []string{
		`CREATE TABLE IF NOT EXISTS outcome_evaluations (
			id                   TEXT PRIMARY KEY,
			recommendation_id    TEXT NOT NULL UNIQUE,
			instrument           TEXT NOT NULL,
			outcome              TEXT NOT NULL,
			actual_return_pct    DOUBLE PRECISION,
			benchmark_return_pct DOUBLE PRECISION,
			entry_price          DOUBLE PRECISION,
			exit_price           DOUBLE PRECISION,
			entry_at             TIMESTAMPTZ,
			exit_at              TIMESTAMPTZ,
			evaluation_method    TEXT NOT NULL,
			notes                TEXT NOT NULL DEFAULT '',
			market_resolution    TEXT,
			resolution_timestamp TIMESTAMPTZ,
			evaluated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	})
}

// InsertOutcome stores one evaluation per recommendation. A second evaluation of the same
// recommendation is ignored and the stored one is returned.
func (r *OutcomeRepository) InsertOutcome(ctx context.Context, res domain.OutcomeEvaluationResult) (*domain.OutcomeEvaluationResult, error) {
	_, span := r.tracer.Start(ctx, "outcome-repo.insert")
	defer span.End()

	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if res.EvaluatedAt.IsZero() {
		res.EvaluatedAt = time.Now().UTC()
	}

	tag, err := r.pool.Exec(ctx,
		`INSERT INTO outcome_evaluations (id, recommendation_id, instrument, outcome, actual_return_pct,
		     benchmark_return_pct, entry_price, exit_price, entry_at, exit_at, evaluation_method, notes,
		     market_resolution, resolution_timestamp, evaluated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (recommendation_id) DO NOTHING`,
		res.ID,
		res.RecommendationID,
		res.Instrument,
		string(res.Outcome),
		res.ActualReturnPct,
		res.BenchmarkReturnPct,
		res.EntryPrice,
		res.ExitPrice,
		res.EntryAt,
		res.ExitAt,
		string(res.Method),
		res.Notes,
		res.MarketResolution,
		res.ResolutionTimestamp,
		res.EvaluatedAt,
	)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 1 {
		return &res, nil
	}
	return r.GetByRecommendation(ctx, res.RecommendationID)
}

func (r *OutcomeRepository) GetByRecommendation(ctx context.Context, recommendationID string) (*domain.OutcomeEvaluationResult, error) {
	_, span := r.tracer.Start(ctx, "outcome-repo.get-by-recommendation")
	defer span.End()

	res, err := scanOutcome(r.pool.QueryRow(ctx,
		`SELECT `+outcomeColumns+` FROM outcome_evaluations o WHERE o.recommendation_id = $1`,
		recommendationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return res, err
}

// ListRecentOutcomes returns an agent's latest evaluations, newest first, optionally for a
// single instrument.
func (r *OutcomeRepository) ListRecentOutcomes(ctx context.Context, agentID, instrument string, limit int) ([]domain.OutcomeEvaluationResult, error) {
	_, span := r.tracer.Start(ctx, "outcome-repo.list-recent")
	defer span.End()

	args := []any{agentID}
	var sb strings.Builder
	sb.WriteString(`SELECT ` + outcomeColumns + `
		FROM outcome_evaluations o
		JOIN recommendations rec ON rec.id = o.recommendation_id
		WHERE rec.agent_id = $1`)
	if instrument != "" {
		args = append(args, instrument)
		sb.WriteString(fmt.Sprintf(" AND o.instrument = $%d", len(args)))
	}
	if limit <= 0 {
		limit = 5
	}
	args = append(args, limit)
	sb.WriteString(fmt.Sprintf(" ORDER BY o.evaluated_at DESC LIMIT $%d", len(args)))

	rows, err := r.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.OutcomeEvaluationResult, 0, limit)
	for rows.Next() {
		res, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}

func scanOutcome(row pgx.Row) (*domain.OutcomeEvaluationResult, error) {
	var res domain.OutcomeEvaluationResult
	var outcome, method string
	if err := row.Scan(
		&res.ID,
		&res.RecommendationID,
		&res.Instrument,
		&outcome,
		&res.ActualReturnPct,
		&res.BenchmarkReturnPct,
		&res.EntryPrice,
		&res.ExitPrice,
		&res.EntryAt,
		&res.ExitAt,
		&method,
		&res.Notes,
		&res.MarketResolution,
		&res.ResolutionTimestamp,
		&res.EvaluatedAt,
	); err != nil {
		return nil, err
	}
	res.Outcome = domain.OutcomeClass(outcome)
	res.Method = domain.EvaluationMethod(method)
	res.EvaluatedAt = res.EvaluatedAt.UTC()
	return &res, nil
}
