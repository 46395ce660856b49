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

// AgentRepository owns the agent context documents. Writes are versioned so concurrent
// context mutations never overwrite each other.
type AgentRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewAgentRepository(pool PgxPool, tracer trace.Tracer) *AgentRepository {
	return &AgentRepository{pool: pool, tracer: tracer}
}

func (r *AgentRepository) RunMigrations(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "agent-repo.run-migrations")
	defer span.End()

	return runStatements(ctx, r.pool, []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			context         JSONB NOT NULL DEFAULT '{}',
			context_version BIGINT NOT NULL DEFAULT 0,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	})
}

func (r *AgentRepository) CreateAgent(ctx context.Context, a domain.Agent) (*domain.Agent, error) {
	_, span := r.tracer.Start(ctx, "agent-repo.create")
	defer span.End()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if len(a.Context) == 0 {
		a.Context = json.RawMessage("{}")
	}
	a.ContextVersion = 0
	a.UpdatedAt = time.Now().UTC()

	_, err := r.pool.Exec(ctx,
		`INSERT INTO agents (id, name, context, context_version, updated_at) VALUES ($1, $2, $3, 0, $4)`,
		a.ID, a.Name, []byte(a.Context), a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AgentRepository) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	_, span := r.tracer.Start(ctx, "agent-repo.get")
	defer span.End()

	a, err := scanAgent(r.pool.QueryRow(ctx,
		`SELECT id, name, context, context_version, updated_at FROM agents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (r *AgentRepository) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	_, span := r.tracer.Start(ctx, "agent-repo.list")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT id, name, context, context_version, updated_at FROM agents ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateAgentContext writes doc only if the stored version still equals expectedVersion and
// bumps the version. False means another writer got there first.
func (r *AgentRepository) UpdateAgentContext(ctx context.Context, id string, doc json.RawMessage, expectedVersion int64) (bool, error) {
	_, span := r.tracer.Start(ctx, "agent-repo.update-context")
	defer span.End()

	tag, err := r.pool.Exec(ctx,
		`UPDATE agents
		 SET context = $2, context_version = context_version + 1, updated_at = NOW()
		 WHERE id = $1 AND context_version = $3`,
		id, []byte(doc), expectedVersion,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanAgent(row pgx.Row) (*domain.Agent, error) {
	var a domain.Agent
	var doc []byte
	if err := row.Scan(&a.ID, &a.Name, &doc, &a.ContextVersion, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Context = json.RawMessage(doc)
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}
