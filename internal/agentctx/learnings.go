package agentctx

import (
	"context"
	"time"

	"forecastloop/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Context sections that learnings are written to.
const (
	SectionLearnings    = "learnings"
	SectionImprovements = "improvements"
	SectionLessons      = "lessons"
	SectionInsights     = "insights"
)

// PendingLearning is one not-yet-applied source record and the updates it implies.
type PendingLearning struct {
	SourceType string
	SourceID   string
	Updates    []domain.ContextUpdate
}

type LearningSource interface {
	SourceType() string
	Pending(ctx context.Context, agentID string) ([]PendingLearning, error)
	// MarkApplied must be idempotent.
	MarkApplied(ctx context.Context, sourceID string, at time.Time) error
}

type LearningResult struct {
	SourceType string         `json:"source_type"`
	SourceID   string         `json:"source_id"`
	Applied    bool           `json:"applied"`
	Updates    []UpdateResult `json:"updates"`
	Error      string         `json:"error,omitempty"`
}

type BulkResult struct {
	Applied int              `json:"applied"`
	Failed  int              `json:"failed"`
	Results []LearningResult `json:"results"`
}

// ApplyAllUnappliedLearnings installs every pending learning for the agent. A record is marked
// applied only once all of its updates succeeded; one failing record does not stop the rest.
func (m *Mutator) ApplyAllUnappliedLearnings(ctx context.Context, agentID string) BulkResult {
	ctx, span := m.tracer.Start(ctx, "agentctx.apply-all-learnings")
	defer span.End()
	span.SetAttributes(attribute.String("agent.id", agentID))

	out := BulkResult{Results: []LearningResult{}}
	for _, src := range m.sources {
		pending, err := src.Pending(ctx, agentID)
		if err != nil {
			m.logger.Warn("list pending learnings failed",
				zap.String("agent_id", agentID),
				zap.String("source", src.SourceType()),
				zap.Error(err))
			out.Failed++
			out.Results = append(out.Results, LearningResult{SourceType: src.SourceType(), Error: err.Error()})
			continue
		}
		for _, p := range pending {
			res := m.applyLearning(ctx, agentID, src, p)
			if res.Applied {
				out.Applied++
			} else {
				out.Failed++
			}
			out.Results = append(out.Results, res)
		}
	}

	span.SetAttributes(attribute.Int("learnings.applied", out.Applied), attribute.Int("learnings.failed", out.Failed))
	m.logger.Info("applied pending learnings",
		zap.String("agent_id", agentID),
		zap.Int("applied", out.Applied),
		zap.Int("failed", out.Failed))
	return out
}

func (m *Mutator) applyLearning(ctx context.Context, agentID string, src LearningSource, p PendingLearning) LearningResult {
	res := LearningResult{SourceType: p.SourceType, SourceID: p.SourceID}
	for _, u := range p.Updates {
		r := m.ApplyUpdate(ctx, agentID, u)
		res.Updates = append(res.Updates, r)
		if !r.Success {
			res.Error = r.Error
			return res
		}
	}
	if err := src.MarkApplied(ctx, p.SourceID, m.now().UTC()); err != nil {
		res.Error = domain.NewOpError("mark-applied", p.SourceType, p.SourceID, err).Error()
		return res
	}
	res.Applied = true
	return res
}

type PostmortemStore interface {
	ListUnappliedPostmortems(ctx context.Context, agentID string) ([]domain.PostmortemAnalysis, error)
	MarkPostmortemApplied(ctx context.Context, id string, at time.Time) error
}

type postmortemSource struct{ store PostmortemStore }

// PostmortemSource feeds key learnings and suggested improvements into the agent context.
func PostmortemSource(store PostmortemStore) LearningSource { return postmortemSource{store: store} }

func (postmortemSource) SourceType() string { return domain.SourcePostmortem }

func (s postmortemSource) Pending(ctx context.Context, agentID string) ([]PendingLearning, error) {
	rows, err := s.store.ListUnappliedPostmortems(ctx, agentID)
	if err != nil {
		return nil, err
	}
	out := make([]PendingLearning, 0, len(rows))
	for _, pm := range rows {
		p := PendingLearning{SourceType: domain.SourcePostmortem, SourceID: pm.ID}
		for _, l := range pm.KeyLearnings {
			p.Updates = append(p.Updates, appendUpdate(SectionLearnings, l, domain.SourcePostmortem, pm.ID,
				"postmortem for "+pm.Instrument))
		}
		for _, imp := range pm.SuggestedImprovements {
			p.Updates = append(p.Updates, appendUpdate(SectionImprovements, imp, domain.SourcePostmortem, pm.ID,
				"postmortem for "+pm.Instrument))
		}
		out = append(out, p)
	}
	return out, nil
}

func (s postmortemSource) MarkApplied(ctx context.Context, id string, at time.Time) error {
	return s.store.MarkPostmortemApplied(ctx, id, at)
}

type MissedOpportunityStore interface {
	ListUnappliedMissedOpportunities(ctx context.Context, agentID string) ([]domain.MissedOpportunity, error)
	MarkMissedOpportunityApplied(ctx context.Context, id string, at time.Time) error
}

type missedSource struct{ store MissedOpportunityStore }

func MissedOpportunitySource(store MissedOpportunityStore) LearningSource {
	return missedSource{store: store}
}

func (missedSource) SourceType() string { return domain.SourceMissedOpportunity }

func (s missedSource) Pending(ctx context.Context, agentID string) ([]PendingLearning, error) {
	rows, err := s.store.ListUnappliedMissedOpportunities(ctx, agentID)
	if err != nil {
		return nil, err
	}
	out := make([]PendingLearning, 0, len(rows))
	for _, mo := range rows {
		p := PendingLearning{SourceType: domain.SourceMissedOpportunity, SourceID: mo.ID}
		if mo.Lesson != "" {
			p.Updates = append(p.Updates, appendUpdate(SectionLessons, mo.Lesson, domain.SourceMissedOpportunity, mo.ID,
				"missed move on "+mo.Instrument))
		}
		out = append(out, p)
	}
	return out, nil
}

func (s missedSource) MarkApplied(ctx context.Context, id string, at time.Time) error {
	return s.store.MarkMissedOpportunityApplied(ctx, id, at)
}

type InsightStore interface {
	ListUnappliedInsights(ctx context.Context, agentID string) ([]domain.AgentInsight, error)
	MarkInsightApplied(ctx context.Context, id string, at time.Time) error
}

type insightSource struct{ store InsightStore }

func InsightSource(store InsightStore) LearningSource { return insightSource{store: store} }

func (insightSource) SourceType() string { return domain.SourceInsight }

func (s insightSource) Pending(ctx context.Context, agentID string) ([]PendingLearning, error) {
	rows, err := s.store.ListUnappliedInsights(ctx, agentID)
	if err != nil {
		return nil, err
	}
	out := make([]PendingLearning, 0, len(rows))
	for _, in := range rows {
		out = append(out, PendingLearning{
			SourceType: domain.SourceInsight,
			SourceID:   in.ID,
			Updates: []domain.ContextUpdate{
				appendUpdate(SectionInsights, in.Insight, domain.SourceInsight, in.ID, "learning conversation "+in.ConversationID),
			},
		})
	}
	return out, nil
}

func (s insightSource) MarkApplied(ctx context.Context, id string, at time.Time) error {
	return s.store.MarkInsightApplied(ctx, id, at)
}

func appendUpdate(section, content, sourceType, sourceID, reason string) domain.ContextUpdate {
	return domain.ContextUpdate{
		Section:    section,
		UpdateType: domain.UpdateAppend,
		Content:    content,
		Reason:     reason,
		SourceType: sourceType,
		SourceID:   sourceID,
	}
}
