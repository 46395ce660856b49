package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"forecastloop/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"
)

type PredictorRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewPredictorRepository(pool PgxPool, tracer trace.Tracer) *PredictorRepository {
	return &PredictorRepository{pool: pool, tracer: tracer}
}

const predictorColumns = `id, target_id, signal_id, direction, strength, confidence, reasoning,
	analyst_assessment, status, expires_at, is_test, consumed_by, created_at`

func (r *PredictorRepository) RunMigrations(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "predictor-repo.run-migrations")
	defer span.End()

	return runStatements(ctx, r.pool, []string{
		`CREATE TABLE IF NOT EXISTS predictors (
			id                 TEXT PRIMARY KEY,
			target_id          TEXT NOT NULL,
			signal_id          TEXT NOT NULL,
			direction          TEXT NOT NULL,
			strength           INT NOT NULL,
			confidence         DOUBLE PRECISION NOT NULL,
			reasoning          TEXT NOT NULL DEFAULT '',
			analyst_assessment JSONB NOT NULL DEFAULT '[]',
			status             TEXT NOT NULL DEFAULT 'active',
			expires_at         TIMESTAMPTZ NOT NULL,
			is_test            BOOLEAN NOT NULL DEFAULT FALSE,
			consumed_by        TEXT,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_predictors_active ON predictors (status, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_predictors_target ON predictors (target_id, status)`,
	})
}

func (r *PredictorRepository) InsertPredictor(ctx context.Context, p domain.Predictor) (*domain.Predictor, error) {
	_, span := r.tracer.Start(ctx, "predictor-repo.insert")
	defer span.End()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	assessment := []byte(p.AnalystAssessment)
	if len(assessment) == 0 {
		assessment = []byte("[]")
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO predictors (`+predictorColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		p.ID,
		p.TargetID,
		p.SignalID,
		string(p.Direction),
		p.Strength,
		p.Confidence,
		p.Reasoning,
		assessment,
		string(p.Status),
		p.ExpiresAt.UTC(),
		p.IsTest,
		p.ConsumedBy,
		p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// InsertSettlingSignal inserts the predictor and settles its pending signal as
// predictor_created in one statement. False means the signal was no longer pending and
// nothing was written.
func (r *PredictorRepository) InsertSettlingSignal(
	ctx context.Context,
	p domain.Predictor,
	urgency domain.Urgency,
	evaluation domain.SignalEvaluation,
) (*domain.Predictor, bool, error) {
	_, span := r.tracer.Start(ctx, "predictor-repo.insert-settling-signal")
	defer span.End()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	assessment := []byte(p.AnalystAssessment)
	if len(assessment) == 0 {
		assessment = []byte("[]")
	}
	eval, err := json.Marshal(evaluation)
	if err != nil {
		return nil, false, err
	}

	tag, err := r.pool.Exec(ctx,
		`WITH settled AS (
			UPDATE signals
			SET disposition = $14, urgency = $15, evaluation_result = $16
			WHERE id = $3 AND disposition = 'pending'
			RETURNING id
		 )
		 INSERT INTO predictors (`+predictorColumns+`)
		 SELECT $1::text, $2::text, settled.id, $4::text, $5::int, $6::double precision, $7::text,
		        $8::jsonb, $9::text, $10::timestamptz, $11::boolean, $12::text, $13::timestamptz
		 FROM settled`,
		p.ID,
		p.TargetID,
		p.SignalID,
		string(p.Direction),
		p.Strength,
		p.Confidence,
		p.Reasoning,
		assessment,
		string(p.Status),
		p.ExpiresAt.UTC(),
		p.IsTest,
		p.ConsumedBy,
		p.CreatedAt,
		string(domain.DispositionPredictorCreated),
		string(urgency),
		eval,
	)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() != 1 {
		return nil, false, nil
	}
	return &p, true, nil
}

func (r *PredictorRepository) GetPredictor(ctx context.Context, id string) (*domain.Predictor, error) {
	_, span := r.tracer.Start(ctx, "predictor-repo.get")
	defer span.End()

	p, err := scanPredictor(r.pool.QueryRow(ctx,
		`SELECT `+predictorColumns+` FROM predictors WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// MarkConsumed flips an active, unexpired predictor to consumed. False means the predictor
// is missing or not active any more.
func (r *PredictorRepository) MarkConsumed(ctx context.Context, id, recommendationID string) (bool, error) {
	_, span := r.tracer.Start(ctx, "predictor-repo.mark-consumed")
	defer span.End()

	tag, err := r.pool.Exec(ctx,
		`UPDATE predictors
		 SET status = 'consumed', consumed_by = $2
		 WHERE id = $1 AND status = 'active' AND expires_at > NOW()`,
		id, recommendationID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PredictorRepository) ExpireActiveBefore(ctx context.Context, now time.Time) (int64, error) {
	_, span := r.tracer.Start(ctx, "predictor-repo.expire-active-before")
	defer span.End()

	tag, err := r.pool.Exec(ctx,
		`UPDATE predictors SET status = 'expired' WHERE status = 'active' AND expires_at <= $1`,
		now.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *PredictorRepository) ListActive(ctx context.Context, targetID string, now time.Time) ([]domain.Predictor, error) {
	_, span := r.tracer.Start(ctx, "predictor-repo.list-active")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT `+predictorColumns+`
		 FROM predictors
		 WHERE target_id = $1 AND status = 'active' AND expires_at > $2
		 ORDER BY strength DESC, created_at ASC`,
		targetID, now.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Predictor, 0)
	for rows.Next() {
		p, err := scanPredictor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPredictor(row pgx.Row) (*domain.Predictor, error) {
	var p domain.Predictor
	var direction, status string
	var assessment []byte
	if err := row.Scan(
		&p.ID,
		&p.TargetID,
		&p.SignalID,
		&direction,
		&p.Strength,
		&p.Confidence,
		&p.Reasoning,
		&assessment,
		&status,
		&p.ExpiresAt,
		&p.IsTest,
		&p.ConsumedBy,
		&p.CreatedAt,
	); err != nil {
		return nil, err
	}
	p.Direction = domain.Direction(direction)
	p.Status = domain.PredictorStatus(status)
	p.AnalystAssessment = assessment
	p.ExpiresAt = p.ExpiresAt.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}
