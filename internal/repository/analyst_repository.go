package repository

import (
	"context"
	"fmt"
	"time"

	"forecastloop/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
)

// AnalystRepository stores daily analyst performance rows and reads the per-analyst solo
// positions the rollup sums into solo P&L.
type AnalystRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewAnalystRepository(pool PgxPool, tracer trace.Tracer) *AnalystRepository {
	return &AnalystRepository{pool: pool, tracer: tracer}
}

func (r *AnalystRepository) RunMigrations(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "analyst-repo.run-migrations")
	defer span.End()

	return runStatements(ctx, r.pool, []string{
		`CREATE TABLE IF NOT EXISTS analyst_positions (
			id           BIGSERIAL PRIMARY KEY,
			fork         TEXT NOT NULL,
			analyst      TEXT NOT NULL,
			instrument   TEXT NOT NULL,
			realized_pnl NUMERIC(20, 8) NOT NULL,
			closed_at    TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_analyst_positions_day ON analyst_positions (fork, analyst, closed_at)`,
		`CREATE TABLE IF NOT EXISTS analyst_performance (
			analyst          TEXT NOT NULL,
			fork             TEXT NOT NULL,
			date             DATE NOT NULL,
			solo_pnl         NUMERIC(20, 8) NOT NULL,
			contribution_pnl NUMERIC(20, 8) NOT NULL,
			dissent_accuracy DOUBLE PRECISION,
			dissent_count    INT NOT NULL DEFAULT 0,
			rank             INT NOT NULL,
			total_analysts   INT NOT NULL,
			PRIMARY KEY (analyst, fork, date)
		)`,
	})
}

// RecordSoloPosition books one closed position of an analyst's solo portfolio.
func (r *AnalystRepository) RecordSoloPosition(
	ctx context.Context,
	fork domain.Fork,
	analyst, instrument string,
	pnl decimal.Decimal,
	closedAt time.Time,
) error {
	_, span := r.tracer.Start(ctx, "analyst-repo.record-solo-position")
	defer span.End()

	_, err := r.pool.Exec(ctx,
		`INSERT INTO analyst_positions (fork, analyst, instrument, realized_pnl, closed_at)
		 VALUES ($1, $2, $3, $4::numeric, $5)`,
		string(fork), analyst, instrument, pnl.String(), closedAt.UTC(),
	)
	return err
}

// RealizedPnL returns the realized P&L of every solo position the analyst closed on date.
func (r *AnalystRepository) RealizedPnL(ctx context.Context, fork domain.Fork, date time.Time, analyst string) ([]decimal.Decimal, error) {
	_, span := r.tracer.Start(ctx, "analyst-repo.realized-pnl")
	defer span.End()

	day := date.UTC().Truncate(24 * time.Hour)
	rows, err := r.pool.Query(ctx,
		`SELECT realized_pnl::text
		 FROM analyst_positions
		 WHERE fork = $1 AND analyst = $2 AND closed_at >= $3 AND closed_at < $4
		 ORDER BY closed_at ASC`,
		string(fork), analyst, day, day.Add(24*time.Hour),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]decimal.Decimal, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("parse realized pnl %q: %w", raw, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertAnalystMetrics replaces the day's rows so a rerun of the rollup overwrites rather
// than duplicates.
func (r *AnalystRepository) UpsertAnalystMetrics(ctx context.Context, metrics []domain.AnalystPerformanceMetrics) error {
	if len(metrics) == 0 {
		return nil
	}

	_, span := r.tracer.Start(ctx, "analyst-repo.upsert-metrics")
	defer span.End()

	batch := &pgx.Batch{}
	for _, m := range metrics {
		batch.Queue(
			`INSERT INTO analyst_performance (analyst, fork, date, solo_pnl, contribution_pnl,
			     dissent_accuracy, dissent_count, rank, total_analysts)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (analyst, fork, date) DO UPDATE SET
			     solo_pnl = EXCLUDED.solo_pnl,
			     contribution_pnl = EXCLUDED.contribution_pnl,
			     dissent_accuracy = EXCLUDED.dissent_accuracy,
			     dissent_count = EXCLUDED.dissent_count,
			     rank = EXCLUDED.rank,
			     total_analysts = EXCLUDED.total_analysts`,
			m.Analyst,
			string(m.Fork),
			m.Date.UTC().Truncate(24*time.Hour),
			m.SoloPnL,
			m.ContributionPnL,
			m.DissentAccuracy,
			m.DissentCount,
			m.Rank,
			m.TotalAnalysts,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range metrics {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (r *AnalystRepository) ListAnalystMetrics(ctx context.Context, fork domain.Fork, date time.Time) ([]domain.AnalystPerformanceMetrics, error) {
	_, span := r.tracer.Start(ctx, "analyst-repo.list-metrics")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT analyst, fork, date, solo_pnl::float8, contribution_pnl::float8, dissent_accuracy,
		        dissent_count, rank, total_analysts
		 FROM analyst_performance
		 WHERE fork = $1 AND date = $2
		 ORDER BY rank ASC`,
		string(fork), date.UTC().Truncate(24*time.Hour),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.AnalystPerformanceMetrics, 0)
	for rows.Next() {
		var m domain.AnalystPerformanceMetrics
		var f string
		if err := rows.Scan(
			&m.Analyst,
			&f,
			&m.Date,
			&m.SoloPnL,
			&m.ContributionPnL,
			&m.DissentAccuracy,
			&m.DissentCount,
			&m.Rank,
			&m.TotalAnalysts,
		); err != nil {
			return nil, err
		}
		m.Fork = domain.Fork(f)
		m.Date = m.Date.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}
