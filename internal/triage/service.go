package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"forecastloop/internal/domain"
	"forecastloop/internal/policy"
	"forecastloop/internal/predictor"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	maxFactors        = 5
	evaluatorEnsemble = "ensemble"
	defaultTTL        = 24 * time.Hour
)

type Ensemble interface {
	RunEnsemble(ctx context.Context, target domain.Target, in domain.EnsembleInput) (*domain.EnsembleResult, error)
}

type SignalStore interface {
	UpdateDisposition(
		ctx context.Context,
		signalID string,
		disposition domain.SignalDisposition,
		urgency domain.Urgency,
		evaluation domain.SignalEvaluation,
	) (bool, error)
}

// PredictorCreator creates the predictor for an accepted signal and settles the signal in
// the same write, so a predictor never exists for a signal this call did not settle.
type PredictorCreator interface {
	CreateForSignal(
		ctx context.Context,
		d predictor.Draft,
		urgency domain.Urgency,
		evaluation domain.SignalEvaluation,
	) (*domain.Predictor, error)
}

// Metrics receives triage decisions. A nil Metrics is allowed.
type Metrics interface {
	ObserveTriage(accepted bool, urgency domain.Urgency)
	ObserveEnsembleFailure()
}

type Result struct {
	Accepted   bool              `json:"accepted"`
	Urgency    domain.Urgency    `json:"urgency"`
	Confidence float64           `json:"confidence"`
	Direction  domain.Direction  `json:"direction"`
	KeyFactors []string          `json:"key_factors"`
	Risks      []string          `json:"risks"`
	Predictor  *domain.Predictor `json:"predictor,omitempty"`
}

type Service struct {
	tracer     trace.Tracer
	ensemble   Ensemble
	signals    SignalStore
	predictors PredictorCreator
	metrics    Metrics
	logger     *zap.Logger
	ttl        time.Duration
	now        func() time.Time
}

func NewService(
	tracer trace.Tracer,
	ensemble Ensemble,
	signals SignalStore,
	predictors PredictorCreator,
	ttl time.Duration,
	logger *zap.Logger,
) *Service {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		tracer:     tracer,
		ensemble:   ensemble,
		signals:    signals,
		predictors: predictors,
		logger:     logger,
		ttl:        ttl,
		now:        time.Now,
	}
}

func (s *Service) WithMetrics(m Metrics) *Service {
	s.metrics = m
	return s
}

// ProcessSignal runs the ensemble over a pending signal, records its disposition and,
// when accepted, creates a predictor.
func (s *Service) ProcessSignal(ctx context.Context, signal domain.Signal, target domain.Target) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "triage.process-signal")
	defer span.End()
	span.SetAttributes(attribute.String("signal.id", signal.ID), attribute.String("target.id", target.ID))

	if s.ensemble == nil || s.signals == nil || s.predictors == nil {
		return nil, fmt.Errorf("triage service is not fully initialized")
	}
	if signal.Disposition != "" && signal.Disposition != domain.DispositionPending {
		return nil, domain.NewOpError("process", "signal", signal.ID,
			fmt.Errorf("%w: disposition is already %s", domain.ErrInvalidTransition, signal.Disposition))
	}

	input := domain.EnsembleInput{
		TargetID: signal.TargetID,
		Content:  BuildContent(signal),
		Metadata: signal.Metadata,
	}
	if signal.DirectionHint != nil {
		input.Direction = string(*signal.DirectionHint)
	}

	ensembleResult, err := s.ensemble.RunEnsemble(ctx, target, input)
	if err != nil || ensembleResult == nil {
		span.RecordError(fmt.Errorf("ensemble: %v", err))
		s.logger.Warn("ensemble unavailable, rejecting signal",
			zap.String("signal_id", signal.ID), zap.Error(err))
		if s.metrics != nil {
			s.metrics.ObserveEnsembleFailure()
		}
		ensembleResult = &domain.EnsembleResult{
			Direction: string(domain.DirectionNeutral),
			Reasoning: fmt.Sprintf("ensemble unavailable: %v", err),
		}
	}

	direction := policy.NormalizeDirection(ensembleResult.Direction)
	accepted := policy.Accept(ensembleResult.Confidence, ensembleResult.ConsensusStrength)
	urgency := policy.UrgencyFor(ensembleResult.Confidence)
	factors, risks := collectFactors(ensembleResult.Assessments)

	result := &Result{
		Accepted:   accepted,
		Urgency:    urgency,
		Confidence: ensembleResult.Confidence,
		Direction:  direction,
		KeyFactors: factors,
		Risks:      risks,
	}

	evaluation := domain.SignalEvaluation{
		Confidence:  ensembleResult.Confidence,
		Reasoning:   ensembleResult.Reasoning,
		EvaluatorID: evaluatorEnsemble,
	}
	if accepted {
		p, err := s.predictors.CreateForSignal(ctx, predictor.Draft{
			TargetID:    signal.TargetID,
			SignalID:    signal.ID,
			Direction:   direction,
			Strength:    policy.PredictorStrength(ensembleResult.Confidence),
			Confidence:  ensembleResult.Confidence,
			Reasoning:   ensembleResult.Reasoning,
			Assessments: ensembleResult.Assessments,
			ExpiresAt:   s.now().UTC().Add(s.ttl),
			IsTest:      signal.IsTest,
		}, urgency, evaluation)
		if err != nil {
			return nil, err
		}
		result.Predictor = p
	} else {
		updated, err := s.signals.UpdateDisposition(ctx, signal.ID, domain.DispositionRejected, urgency, evaluation)
		if err != nil {
			return nil, domain.NewOpError("update-disposition", "signal", signal.ID, err)
		}
		if !updated {
			return nil, domain.NewOpError("update-disposition", "signal", signal.ID,
				fmt.Errorf("%w: signal is no longer pending", domain.ErrInvalidTransition))
		}
	}

	if s.metrics != nil {
		s.metrics.ObserveTriage(accepted, urgency)
	}
	span.SetAttributes(
		attribute.Bool("triage.accepted", accepted),
		attribute.String("triage.urgency", string(urgency)),
	)
	return result, nil
}

// BuildContent renders the text the ensemble sees for a signal.
func BuildContent(signal domain.Signal) string {
	hint := "none"
	if signal.DirectionHint != nil && *signal.DirectionHint != "" {
		hint = string(*signal.DirectionHint)
	}
	metadata := "{}"
	if len(signal.Metadata) > 0 {
		if b, err := json.Marshal(signal.Metadata); err == nil {
			metadata = string(b)
		}
	}

	var sb strings.Builder
	sb.WriteString("Source: ")
	sb.WriteString(signal.SourceID)
	sb.WriteString("\nDirection hint: ")
	sb.WriteString(hint)
	sb.WriteString("\nContent: ")
	sb.WriteString(signal.Content)
	sb.WriteString("\nMetadata: ")
	sb.WriteString(metadata)
	return sb.String()
}

func collectFactors(assessments []domain.EnsembleAssessment) ([]string, []string) {
	factors := make([]string, 0, maxFactors)
	risks := make([]string, 0, maxFactors)
	seenFactors := make(map[string]struct{})
	seenRisks := make(map[string]struct{})
	for _, a := range assessments {
		factors = appendUnique(factors, seenFactors, a.KeyFactors)
		risks = appendUnique(risks, seenRisks, a.Risks)
	}
	return factors, risks
}

func appendUnique(dst []string, seen map[string]struct{}, values []string) []string {
	for _, v := range values {
		if len(dst) >= maxFactors {
			return dst
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		dst = append(dst, v)
	}
	return dst
}
