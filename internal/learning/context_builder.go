package learning

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"forecastloop/internal/agentctx"
	"forecastloop/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

const recentLimit = 5

// LearningContext is the material a conversation is grounded in.
type LearningContext struct {
	AgentID           string
	AgentName         string
	InstrumentFilter  string
	Sections          map[string][]string
	RunnerConfig      *domain.RunnerConfig
	RecentPostmortems []domain.PostmortemAnalysis
	RecentOutcomes    []domain.OutcomeEvaluationResult
}

type ContextBuilder interface {
	BuildContext(ctx context.Context, agentID, instrumentFilter string) (*LearningContext, error)
	FormatContextForPrompt(lc *LearningContext) string
}

type AgentReader interface {
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
}

type PostmortemReader interface {
	ListRecentPostmortems(ctx context.Context, agentID, instrument string, limit int) ([]domain.PostmortemAnalysis, error)
}

type OutcomeReader interface {
	ListRecentOutcomes(ctx context.Context, agentID, instrument string, limit int) ([]domain.OutcomeEvaluationResult, error)
}

// RepositoryContextBuilder assembles a LearningContext from the record store.
type RepositoryContextBuilder struct {
	tracer      trace.Tracer
	agents      AgentReader
	postmortems PostmortemReader
	outcomes    OutcomeReader
}

func NewRepositoryContextBuilder(
	tracer trace.Tracer,
	agents AgentReader,
	postmortems PostmortemReader,
	outcomes OutcomeReader,
) *RepositoryContextBuilder {
	return &RepositoryContextBuilder{tracer: tracer, agents: agents, postmortems: postmortems, outcomes: outcomes}
}

func (b *RepositoryContextBuilder) BuildContext(ctx context.Context, agentID, instrumentFilter string) (*LearningContext, error) {
	ctx, span := b.tracer.Start(ctx, "learning.build-context")
	defer span.End()

	agent, err := b.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, domain.NewOpError("get", "agent", agentID, err)
	}
	if agent == nil {
		return nil, domain.NotFound("agent", agentID)
	}
	sections, rc, err := agentctx.ParseContextSections(agent.Context)
	if err != nil {
		return nil, domain.NewOpError("parse-context", "agent", agentID, err)
	}

	lc := &LearningContext{
		AgentID:          agentID,
		AgentName:        agent.Name,
		InstrumentFilter: instrumentFilter,
		Sections:         sections,
		RunnerConfig:     rc,
	}
	if b.postmortems != nil {
		lc.RecentPostmortems, err = b.postmortems.ListRecentPostmortems(ctx, agentID, instrumentFilter, recentLimit)
		if err != nil {
			return nil, domain.NewOpError("list", "postmortem", agentID, err)
		}
	}
	if b.outcomes != nil {
		lc.RecentOutcomes, err = b.outcomes.ListRecentOutcomes(ctx, agentID, instrumentFilter, recentLimit)
		if err != nil {
			return nil, domain.NewOpError("list", "outcome", agentID, err)
		}
	}
	return lc, nil
}

func (b *RepositoryContextBuilder) FormatContextForPrompt(lc *LearningContext) string {
	if lc == nil {
		return ""
	}
	var sb strings.Builder
	name := lc.AgentName
	if name == "" {
		name = lc.AgentID
	}
	fmt.Fprintf(&sb, "Agent: %s\n", name)
	if lc.InstrumentFilter != "" {
		fmt.Fprintf(&sb, "Focus instrument: %s\n", lc.InstrumentFilter)
	}
	if rc := lc.RunnerConfig; rc != nil {
		fmt.Fprintf(&sb, "Runner: %s, risk profile %s, instruments %s\n",
			rc.RunnerType, rc.RiskProfile, strings.Join(rc.Instruments, ", "))
	}

	names := make([]string, 0, len(lc.Sections))
	for k := range lc.Sections {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		items := lc.Sections[k]
		if len(items) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "\n## %s\n", k)
		for _, item := range items {
			fmt.Fprintf(&sb, "- %s\n", item)
		}
	}

	if len(lc.RecentOutcomes) > 0 {
		sb.WriteString("\n## Recent outcomes\n")
		for _, o := range lc.RecentOutcomes {
			fmt.Fprintf(&sb, "- %s: %s", o.Instrument, o.Outcome)
			if o.ActualReturnPct != nil {
				fmt.Fprintf(&sb, " (%+.2f%%)", *o.ActualReturnPct)
			}
			sb.WriteString("\n")
		}
	}
	if len(lc.RecentPostmortems) > 0 {
		sb.WriteString("\n## Recent postmortems\n")
		for _, pm := range lc.RecentPostmortems {
			rootCause := "unknown"
			if pm.RootCause != nil {
				rootCause = *pm.RootCause
			}
			fmt.Fprintf(&sb, "- %s: root cause %s; calibration error %.2f\n", pm.Instrument, rootCause, pm.CalibrationError)
			for _, l := range pm.KeyLearnings {
				fmt.Fprintf(&sb, "  - %s\n", l)
			}
		}
	}
	return sb.String()
}
