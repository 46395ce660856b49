package agentctx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"forecastloop/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const maxWriteAttempts = 3

type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	// UpdateAgentContext writes only if the stored version still equals expectedVersion.
	UpdateAgentContext(ctx context.Context, id string, doc json.RawMessage, expectedVersion int64) (bool, error)
}

type UpdateResult struct {
	Success       bool      `json:"success"`
	PreviousValue []string  `json:"previous_value"`
	NewValue      []string  `json:"new_value"`
	AppliedAt     time.Time `json:"applied_at"`
	Error         string    `json:"error,omitempty"`
}

type Metrics interface {
	ObserveContextUpdate(source string, success bool)
}

type Mutator struct {
	tracer  trace.Tracer
	agents  AgentStore
	sources []LearningSource
	metrics Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewMutator(tracer trace.Tracer, agents AgentStore, logger *zap.Logger, sources ...LearningSource) *Mutator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mutator{tracer: tracer, agents: agents, sources: sources, logger: logger, now: time.Now}
}

func (m *Mutator) WithMetrics(metrics Metrics) *Mutator {
	m.metrics = metrics
	return m
}

// ApplyUpdate performs one read-modify-write on a context section. It never returns an error;
// failures are reported in the result so batch callers can move on.
func (m *Mutator) ApplyUpdate(ctx context.Context, agentID string, update domain.ContextUpdate) UpdateResult {
	ctx, span := m.tracer.Start(ctx, "agentctx.apply-update")
	defer span.End()
	span.SetAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("context.section", update.Section),
		attribute.String("context.update_type", string(update.UpdateType)),
	)

	res, err := m.applyUpdate(ctx, agentID, update)
	if err != nil {
		span.RecordError(err)
		m.logger.Warn("context update failed",
			zap.String("agent_id", agentID),
			zap.String("section", update.Section),
			zap.Error(err))
		res.Success = false
		res.Error = err.Error()
	}
	if m.metrics != nil {
		m.metrics.ObserveContextUpdate(update.SourceType, res.Success)
	}
	return res
}

func (m *Mutator) applyUpdate(ctx context.Context, agentID string, update domain.ContextUpdate) (UpdateResult, error) {
	if strings.TrimSpace(update.Section) == "" {
		return UpdateResult{}, domain.Invalid("section is required")
	}
	if update.Section == RunnerConfigKey {
		return UpdateResult{}, domain.Invalid("section %q cannot be edited as a list", RunnerConfigKey)
	}
	if !update.UpdateType.IsValid() {
		return UpdateResult{}, domain.Invalid("unknown update type %q", update.UpdateType)
	}

	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		agent, err := m.agents.GetAgent(ctx, agentID)
		if err != nil {
			return UpdateResult{}, domain.NewOpError("get", "agent", agentID, err)
		}
		if agent == nil {
			return UpdateResult{}, domain.NotFound("agent", agentID)
		}

		doc, err := parseDocument(agent.Context)
		if err != nil {
			return UpdateResult{}, domain.NewOpError("parse-context", "agent", agentID, err)
		}
		if _, ok := doc.other[update.Section]; ok {
			return UpdateResult{}, domain.Invalid("section %q is not a list", update.Section)
		}

		previous := append([]string{}, doc.sections[update.Section]...)
		next := mutate(previous, update)
		doc.sections[update.Section] = next

		raw, err := doc.encode()
		if err != nil {
			return UpdateResult{}, fmt.Errorf("encode agent context: %w", err)
		}
		ok, err := m.agents.UpdateAgentContext(ctx, agentID, raw, agent.ContextVersion)
		if err != nil {
			return UpdateResult{}, domain.NewOpError("update-context", "agent", agentID, err)
		}
		if ok {
			return UpdateResult{
				Success:       true,
				PreviousValue: previous,
				NewValue:      next,
				AppliedAt:     m.now().UTC(),
			}, nil
		}
		m.logger.Debug("context version conflict, retrying",
			zap.String("agent_id", agentID), zap.Int("attempt", attempt))
	}
	return UpdateResult{}, domain.NewOpError("update-context", "agent", agentID,
		fmt.Errorf("%w after %d attempts", domain.ErrVersionConflict, maxWriteAttempts))
}

func mutate(current []string, update domain.ContextUpdate) []string {
	switch update.UpdateType {
	case domain.UpdateAppend:
		return append(append([]string{}, current...), update.Content)
	case domain.UpdateReplace:
		return parseReplacement(update.Content)
	case domain.UpdateRemove:
		out := make([]string, 0, len(current))
		for _, item := range current {
			if item != update.Content {
				out = append(out, item)
			}
		}
		return out
	}
	return current
}

// parseReplacement reads content as a JSON array when it looks like one, otherwise as a
// single entry.
func parseReplacement(content string) []string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
		if items, ok := decodeList(json.RawMessage(trimmed)); ok {
			return items
		}
	}
	return []string{content}
}
