package outcome

import (
	"context"
	"time"

	"forecastloop/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Store persists at most one outcome per recommendation. InsertOutcome returns the stored row,
// which is the pre-existing one when the recommendation was already evaluated.
type Store interface {
	InsertOutcome(ctx context.Context, res domain.OutcomeEvaluationResult) (*domain.OutcomeEvaluationResult, error)
}

type Metrics interface {
	ObserveOutcome(outcome domain.OutcomeClass)
}

type Service struct {
	tracer    trace.Tracer
	evaluator *Evaluator
	store     Store
	metrics   Metrics
	logger    *zap.Logger
}

func NewService(tracer trace.Tracer, evaluator *Evaluator, store Store, logger *zap.Logger) *Service {
	if evaluator == nil {
		evaluator = NewEvaluator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{tracer: tracer, evaluator: evaluator, store: store, logger: logger}
}

func (s *Service) WithMetrics(m Metrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) EvaluateAndStore(
	ctx context.Context,
	rec domain.Recommendation,
	instrumentDomain domain.InstrumentDomain,
	entryPrice, exitPrice *float64,
) (*domain.OutcomeEvaluationResult, error) {
	ctx, span := s.tracer.Start(ctx, "outcome.evaluate")
	defer span.End()
	span.SetAttributes(attribute.String("recommendation.id", rec.ID))

	res := s.evaluator.EvaluateOutcome(rec, instrumentDomain, entryPrice, exitPrice)
	return s.persist(ctx, span, res)
}

func (s *Service) EvaluatePredictionMarketAndStore(
	ctx context.Context,
	rec domain.Recommendation,
	resolution string,
	resolvedAt time.Time,
) (*domain.OutcomeEvaluationResult, error) {
	ctx, span := s.tracer.Start(ctx, "outcome.evaluate-market")
	defer span.End()
	span.SetAttributes(attribute.String("recommendation.id", rec.ID))

	res, err := s.evaluator.EvaluatePredictionMarketOutcome(rec, resolution, resolvedAt)
	if err != nil {
		return nil, domain.NewOpError("evaluate", "recommendation", rec.ID, err)
	}
	return s.persist(ctx, span, res)
}

func (s *Service) persist(
	ctx context.Context,
	span trace.Span,
	res domain.OutcomeEvaluationResult,
) (*domain.OutcomeEvaluationResult, error) {
	stored, err := s.store.InsertOutcome(ctx, res)
	if err != nil {
		span.RecordError(err)
		return nil, domain.NewOpError("insert", "outcome", res.RecommendationID, err)
	}
	if stored == nil {
		return nil, domain.NotFound("outcome", res.RecommendationID)
	}
	span.SetAttributes(attribute.String("outcome.class", string(stored.Outcome)))
	if s.metrics != nil {
		s.metrics.ObserveOutcome(stored.Outcome)
	}
	s.logger.Info("outcome evaluated",
		zap.String("recommendation_id", stored.RecommendationID),
		zap.String("outcome", string(stored.Outcome)))
	return stored, nil
}
