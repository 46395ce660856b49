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

type SignalRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewSignalRepository(pool PgxPool, tracer trace.Tracer) *SignalRepository {
	return &SignalRepository{pool: pool, tracer: tracer}
}

func (r *SignalRepository) RunMigrations(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "signal-repo.run-migrations")
	defer span.End()

	return runStatements(ctx, r.pool, []string{
		`CREATE TABLE IF NOT EXISTS targets (
			id     TEXT PRIMARY KEY,
			symbol TEXT NOT NULL UNIQUE,
			name   TEXT NOT NULL DEFAULT '',
			domain TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id                TEXT PRIMARY KEY,
			target_id         TEXT NOT NULL REFERENCES targets(id),
			source_id         TEXT NOT NULL DEFAULT '',
			content           TEXT NOT NULL,
			direction_hint    TEXT,
			detected_at       TIMESTAMPTZ NOT NULL,
			metadata          JSONB NOT NULL DEFAULT '{}',
			disposition       TEXT NOT NULL DEFAULT 'pending',
			urgency           TEXT,
			evaluation_result JSONB,
			expires_at        TIMESTAMPTZ,
			is_test           BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_target_disposition ON signals (target_id, disposition, detected_at)`,
	})
}

// UpsertTarget registers an instrument, keyed by its upper-cased symbol.
func (r *SignalRepository) UpsertTarget(ctx context.Context, t domain.Target) (*domain.Target, error) {
	_, span := r.tracer.Start(ctx, "signal-repo.upsert-target")
	defer span.End()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))

	err := r.pool.QueryRow(ctx,
		`INSERT INTO targets (id, symbol, name, domain)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (symbol) DO UPDATE SET
		     name = EXCLUDED.name,
		     domain = EXCLUDED.domain
		 RETURNING id`,
		t.ID, t.Symbol, t.Name, string(t.Domain),
	).Scan(&t.ID)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *SignalRepository) GetTargetBySymbol(ctx context.Context, symbol string) (*domain.Target, error) {
	_, span := r.tracer.Start(ctx, "signal-repo.get-target-by-symbol")
	defer span.End()

	var t domain.Target
	var dom string
	err := r.pool.QueryRow(ctx,
		`SELECT id, symbol, name, domain FROM targets WHERE symbol = $1`,
		strings.ToUpper(strings.TrimSpace(symbol)),
	).Scan(&t.ID, &t.Symbol, &t.Name, &dom)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.Domain = domain.InstrumentDomain(dom)
	return &t, nil
}

// InsertSignals stores new signals as pending and returns them with ids assigned.
func (r *SignalRepository) InsertSignals(ctx context.Context, signals []domain.Signal) ([]domain.Signal, error) {
	if len(signals) == 0 {
		return nil, nil
	}

	_, span := r.tracer.Start(ctx, "signal-repo.insert-signals")
	defer span.End()

	out := make([]domain.Signal, len(signals))
	copy(out, signals)

	batch := &pgx.Batch{}
	for i := range out {
		s := &out[i]
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		s.Disposition = domain.DispositionPending
		metadata, err := json.Marshal(s.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal signal metadata: %w", err)
		}
		if s.Metadata == nil {
			metadata = []byte("{}")
		}
		var hint *string
		if s.DirectionHint != nil {
			h := string(*s.DirectionHint)
			hint = &h
		}
		batch.Queue(
			`INSERT INTO signals (id, target_id, source_id, content, direction_hint, detected_at, metadata, expires_at, is_test)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			s.ID,
			s.TargetID,
			s.SourceID,
			s.Content,
			hint,
			s.DetectedAt.UTC(),
			metadata,
			s.ExpiresAt,
			s.IsTest,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range out {
		if _, err := br.Exec(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *SignalRepository) ListPendingSignals(ctx context.Context, targetID string, limit int) ([]domain.Signal, error) {
	_, span := r.tracer.Start(ctx, "signal-repo.list-pending-signals")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, target_id, source_id, content, direction_hint, detected_at, metadata, expires_at, is_test
		 FROM signals
		 WHERE target_id = $1
		   AND disposition = 'pending'
		   AND (expires_at IS NULL OR expires_at > NOW())
		 ORDER BY detected_at ASC
		 LIMIT $2`,
		targetID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	signals := make([]domain.Signal, 0, limit)
	for rows.Next() {
		var s domain.Signal
		var hint *string
		var metadata []byte
		var detectedAt time.Time
		if err := rows.Scan(
			&s.ID,
			&s.TargetID,
			&s.SourceID,
			&s.Content,
			&hint,
			&detectedAt,
			&metadata,
			&s.ExpiresAt,
			&s.IsTest,
		); err != nil {
			return nil, err
		}
		if hint != nil && *hint != "" {
			d := domain.Direction(*hint)
			s.DirectionHint = &d
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
				return nil, fmt.Errorf("decode signal %s metadata: %w", s.ID, err)
			}
		}
		s.DetectedAt = detectedAt.UTC()
		s.Disposition = domain.DispositionPending
		signals = append(signals, s)
	}

	return signals, rows.Err()
}

// UpdateDisposition settles a pending signal. It reports false when the signal was already
// settled or does not exist, so concurrent triage of the same signal cannot double-write.
func (r *SignalRepository) UpdateDisposition(
	ctx context.Context,
	signalID string,
	disposition domain.SignalDisposition,
	urgency domain.Urgency,
	evaluation domain.SignalEvaluation,
) (bool, error) {
	_, span := r.tracer.Start(ctx, "signal-repo.update-disposition")
	defer span.End()

	eval, err := json.Marshal(evaluation)
	if err != nil {
		return false, err
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE signals
		 SET disposition = $2, urgency = $3, evaluation_result = $4
		 WHERE id = $1 AND disposition = 'pending'`,
		signalID, string(disposition), string(urgency), eval,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
