// Package review closes the loop on a recommendation: evaluate its outcome, then write the
// postmortem that feeds the agent's context.
package review

import (
	"context"
	"strings"
	"time"

	"forecastloop/internal/domain"
	"forecastloop/internal/policy"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type RecommendationStore interface {
	InsertRecommendation(ctx context.Context, rec domain.Recommendation, analyses []domain.SpecialistAnalysis) (*domain.Recommendation, error)
	GetRecommendation(ctx context.Context, id string) (*domain.Recommendation, []domain.SpecialistAnalysis, error)
}

type PredictorConsumer interface {
	Consume(ctx context.Context, predictorIDs []string, recommendationID string) error
}

type OutcomeEvaluator interface {
	EvaluateAndStore(ctx context.Context, rec domain.Recommendation, instrumentDomain domain.InstrumentDomain, entryPrice, exitPrice *float64) (*domain.OutcomeEvaluationResult, error)
	EvaluatePredictionMarketAndStore(ctx context.Context, rec domain.Recommendation, resolution string, resolvedAt time.Time) (*domain.OutcomeEvaluationResult, error)
}

type PostmortemWriter interface {
	CreatePostmortem(
		ctx context.Context,
		rec domain.Recommendation,
		outcome domain.OutcomeEvaluationResult,
		analyses []domain.SpecialistAnalysis,
		agentID string,
		instrumentDomain domain.InstrumentDomain,
	) (*domain.PostmortemAnalysis, error)
}

// Input carries prices for directional recommendations or a resolution for prediction-market bets.
type Input struct {
	Domain     domain.InstrumentDomain `json:"domain"`
	EntryPrice *float64                `json:"entry_price,omitempty"`
	ExitPrice  *float64                `json:"exit_price,omitempty"`
	Resolution string                  `json:"resolution,omitempty"`
	ResolvedAt *time.Time              `json:"resolved_at,omitempty"`
}

type Result struct {
	Outcome    *domain.OutcomeEvaluationResult `json:"outcome"`
	Postmortem *domain.PostmortemAnalysis      `json:"postmortem,omitempty"`
}

type Service struct {
	tracer          trace.Tracer
	recommendations RecommendationStore
	predictors      PredictorConsumer
	outcomes        OutcomeEvaluator
	postmortems     PostmortemWriter
	logger          *zap.Logger
	now             func() time.Time
}

func NewService(
	tracer trace.Tracer,
	recommendations RecommendationStore,
	predictors PredictorConsumer,
	outcomes OutcomeEvaluator,
	postmortems PostmortemWriter,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		tracer:          tracer,
		recommendations: recommendations,
		predictors:      predictors,
		outcomes:        outcomes,
		postmortems:     postmortems,
		logger:          logger,
		now:             time.Now,
	}
}

// Record stores a recommendation with the specialist analyses behind it and consumes the
// predictors it was built from. A predictor that can no longer be consumed fails the call after
// the recommendation is stored.
func (s *Service) Record(
	ctx context.Context,
	rec domain.Recommendation,
	analyses []domain.SpecialistAnalysis,
	predictorIDs []string,
) (*domain.Recommendation, error) {
	ctx, span := s.tracer.Start(ctx, "review.record")
	defer span.End()

	if strings.TrimSpace(rec.AgentID) == "" || strings.TrimSpace(rec.Instrument) == "" {
		return nil, domain.Invalid("agent id and instrument are required")
	}
	rec.Action = domain.Action(strings.ToLower(strings.TrimSpace(string(rec.Action))))
	if !policy.IsHoldAction(rec.Action) && !policy.IsDirectionalAction(rec.Action) && !policy.IsBetAction(rec.Action) {
		return nil, domain.Invalid("unknown action %q", rec.Action)
	}
	if rec.Confidence < 0 || rec.Confidence > 1 {
		return nil, domain.Invalid("confidence must be within [0, 1]")
	}

	stored, err := s.recommendations.InsertRecommendation(ctx, rec, analyses)
	if err != nil {
		return nil, domain.NewOpError("insert", "recommendation", rec.AgentID, err)
	}
	span.SetAttributes(attribute.String("recommendation.id", stored.ID), attribute.Int("predictors", len(predictorIDs)))

	if len(predictorIDs) > 0 && s.predictors != nil {
		if err := s.predictors.Consume(ctx, predictorIDs, stored.ID); err != nil {
			s.logger.Warn("recommendation stored but predictors not consumed",
				zap.String("recommendation_id", stored.ID),
				zap.Error(err))
			return stored, err
		}
	}
	return stored, nil
}

// Review evaluates the recommendation and writes its postmortem. Inconclusive outcomes carry
// no signal about the agent's reasoning, so no postmortem is written for them. Reviewing again
// returns the stored outcome and postmortem.
func (s *Service) Review(ctx context.Context, recommendationID string, in Input) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "review.recommendation")
	defer span.End()
	span.SetAttributes(attribute.String("recommendation.id", recommendationID))

	rec, analyses, err := s.recommendations.GetRecommendation(ctx, recommendationID)
	if err != nil {
		return nil, domain.NewOpError("get", "recommendation", recommendationID, err)
	}
	if rec == nil {
		return nil, domain.NotFound("recommendation", recommendationID)
	}

	instrumentDomain := in.Domain
	if instrumentDomain == "" {
		instrumentDomain = domain.DomainEquities
	}

	var outcome *domain.OutcomeEvaluationResult
	if policy.IsBetAction(rec.Action) {
		if strings.TrimSpace(in.Resolution) == "" {
			return nil, domain.Invalid("resolution is required for %s recommendations", rec.Action)
		}
		resolvedAt := s.now().UTC()
		if in.ResolvedAt != nil {
			resolvedAt = in.ResolvedAt.UTC()
		}
		outcome, err = s.outcomes.EvaluatePredictionMarketAndStore(ctx, *rec, in.Resolution, resolvedAt)
		instrumentDomain = domain.DomainPredictionMarkets
	} else {
		outcome, err = s.outcomes.EvaluateAndStore(ctx, *rec, instrumentDomain, in.EntryPrice, in.ExitPrice)
	}
	if err != nil {
		return nil, err
	}

	res := &Result{Outcome: outcome}
	if outcome.Outcome == domain.OutcomeInconclusive {
		s.logger.Info("skipping postmortem for inconclusive outcome", zap.String("recommendation_id", rec.ID))
		return res, nil
	}

	pm, err := s.postmortems.CreatePostmortem(ctx, *rec, *outcome, analyses, rec.AgentID, instrumentDomain)
	if err != nil {
		return nil, err
	}
	res.Postmortem = pm
	return res, nil
}
