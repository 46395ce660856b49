// Package postmortem turns an evaluated outcome into a structured retrospective.
package postmortem

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"forecastloop/internal/domain"
	"forecastloop/internal/llm"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	neutralBandPct       = 2.0
	calibrationTolerance = 0.20
	defaultLLMTimeout    = 30 * time.Second
)

type Store interface {
	InsertPostmortem(ctx context.Context, p domain.PostmortemAnalysis) (*domain.PostmortemAnalysis, error)
	GetPostmortemByOutcome(ctx context.Context, outcomeID string) (*domain.PostmortemAnalysis, error)
}

type Metrics interface {
	ObservePostmortemFallback()
}

type Analyzer struct {
	tracer     trace.Tracer
	llm        llm.Client
	store      Store
	metrics    Metrics
	logger     *zap.Logger
	llmTimeout time.Duration
	now        func() time.Time
}

func NewAnalyzer(tracer trace.Tracer, client llm.Client, store Store, llmTimeout time.Duration, logger *zap.Logger) *Analyzer {
	if llmTimeout <= 0 {
		llmTimeout = defaultLLMTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		tracer:     tracer,
		llm:        client,
		store:      store,
		logger:     logger,
		llmTimeout: llmTimeout,
		now:        time.Now,
	}
}

func (a *Analyzer) WithMetrics(m Metrics) *Analyzer {
	a.metrics = m
	return a
}

// CreatePostmortem scores each specialist, asks the LLM for a root cause and persists the
// result. The LLM part is best effort; the deterministic part is always stored. An outcome
// gets one postmortem: a repeat call returns the stored one.
func (a *Analyzer) CreatePostmortem(
	ctx context.Context,
	rec domain.Recommendation,
	outcome domain.OutcomeEvaluationResult,
	analyses []domain.SpecialistAnalysis,
	agentID string,
	instrumentDomain domain.InstrumentDomain,
) (*domain.PostmortemAnalysis, error) {
	ctx, span := a.tracer.Start(ctx, "postmortem.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("recommendation.id", rec.ID),
		attribute.String("agent.id", agentID),
	)

	if strings.TrimSpace(agentID) == "" {
		return nil, domain.Invalid("agent id is required")
	}
	if outcome.ID != "" {
		existing, err := a.store.GetPostmortemByOutcome(ctx, outcome.ID)
		if err != nil {
			return nil, domain.NewOpError("get", "postmortem", outcome.ID, err)
		}
		if existing != nil {
			a.logger.Debug("postmortem already exists for outcome",
				zap.String("outcome_id", outcome.ID), zap.String("postmortem_id", existing.ID))
			return existing, nil
		}
	}

	actual := 0.0
	if outcome.ActualReturnPct != nil {
		actual = *outcome.ActualReturnPct
	}

	accuracy := make(map[string]domain.SpecialistVerdict, len(analyses))
	var worked, failed []string
	for _, sa := range analyses {
		verdict := ScoreSpecialist(sa, actual)
		accuracy[sa.Specialist] = verdict
		if verdict.WasCorrect {
			worked = append(worked, fmt.Sprintf("%s: %s conclusion correct", sa.Specialist, sa.Conclusion))
			if len(sa.KeyClaims) > 0 {
				worked = append(worked, fmt.Sprintf("%s: signals valid (%s)", sa.Specialist, strings.Join(sa.KeyClaims, "; ")))
			}
			continue
		}
		failed = append(failed, fmt.Sprintf("%s: %s conclusion incorrect", sa.Specialist, sa.Conclusion))
		for _, risk := range sa.RiskFactors {
			failed = append(failed, fmt.Sprintf("%s: flagged risk %s", sa.Specialist, risk))
		}
	}

	summary := outcomeSentence(rec, outcome)
	if outcome.Outcome == domain.OutcomeCorrect {
		worked = append(worked, summary)
	} else {
		failed = append(failed, summary)
	}

	actualAccuracy := 0.0
	if outcome.Outcome == domain.OutcomeCorrect {
		actualAccuracy = 1.0
	}

	pm := domain.PostmortemAnalysis{
		AgentID:               agentID,
		RecommendationID:      rec.ID,
		OutcomeID:             outcome.ID,
		Instrument:            rec.Instrument,
		Domain:                instrumentDomain,
		WhatWorked:            nonNil(worked),
		WhatFailed:            nonNil(failed),
		SpecialistAccuracy:    accuracy,
		KeyLearnings:          []string{},
		MissingContext:        []string{},
		SuggestedImprovements: []string{},
		PredictedConfidence:   rec.Confidence,
		ActualAccuracy:        actualAccuracy,
		CalibrationError:      math.Abs(rec.Confidence - actualAccuracy),
		CreatedAt:             a.now().UTC(),
	}

	if ins, ok := a.generateInsights(ctx, rec, outcome, pm); ok {
		pm.RootCause = ins.RootCause
		pm.KeyLearnings = nonNil(ins.KeyLearnings)
		pm.MissingContext = nonNil(ins.MissingContext)
		pm.SuggestedImprovements = nonNil(ins.SuggestedImprovements)
	}

	stored, err := a.store.InsertPostmortem(ctx, pm)
	if err != nil {
		span.RecordError(err)
		return nil, domain.NewOpError("insert", "postmortem", rec.ID, err)
	}
	a.logger.Info("postmortem created",
		zap.String("postmortem_id", stored.ID),
		zap.String("recommendation_id", rec.ID),
		zap.Float64("calibration_error", stored.CalibrationError))
	return stored, nil
}

// ScoreSpecialist grades a specialist conclusion against the realised return. The neutral
// band is a fixed percentage regardless of instrument class.
func ScoreSpecialist(sa domain.SpecialistAnalysis, actualReturn float64) domain.SpecialistVerdict {
	var correct bool
	switch domain.Direction(strings.ToLower(string(sa.Conclusion))) {
	case domain.DirectionBullish:
		correct = actualReturn > 0
	case domain.DirectionBearish:
		correct = actualReturn <= 0
	case domain.DirectionNeutral:
		correct = math.Abs(actualReturn) < neutralBandPct
	}
	target := 0.0
	if correct {
		target = 1.0
	}
	return domain.SpecialistVerdict{
		Conclusion:              sa.Conclusion,
		WasCorrect:              correct,
		ConfidenceWasCalibrated: math.Abs(sa.Confidence-target) < calibrationTolerance,
	}
}

type insights struct {
	RootCause             *string  `json:"rootCause"`
	KeyLearnings          []string `json:"keyLearnings"`
	MissingContext        []string `json:"missingContext"`
	SuggestedImprovements []string `json:"suggestedImprovements"`
}

func (a *Analyzer) generateInsights(
	ctx context.Context,
	rec domain.Recommendation,
	outcome domain.OutcomeEvaluationResult,
	pm domain.PostmortemAnalysis,
) (insights, bool) {
	if a.llm == nil {
		a.fallback(rec.ID, fmt.Errorf("no llm configured"))
		return insights{}, false
	}

	llmCtx, cancel := context.WithTimeout(ctx, a.llmTimeout)
	defer cancel()

	raw, err := a.llm.GenerateResponse(llmCtx, systemPrompt, buildUserPrompt(rec, outcome, pm), llm.Options{})
	if err != nil {
		a.fallback(rec.ID, err)
		return insights{}, false
	}
	ins, err := parseInsights(raw)
	if err != nil {
		a.fallback(rec.ID, err)
		return insights{}, false
	}
	return ins, true
}

func (a *Analyzer) fallback(recID string, err error) {
	a.logger.Warn("postmortem llm analysis unavailable, storing deterministic fields only",
		zap.String("recommendation_id", recID), zap.Error(err))
	if a.metrics != nil {
		a.metrics.ObservePostmortemFallback()
	}
}

// parseInsights pulls the first JSON object out of a free-text reply, tolerating code fences.
func parseInsights(raw string) (insights, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return insights{}, fmt.Errorf("no json object in llm response")
	}
	var out insights
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return insights{}, fmt.Errorf("decode llm insights: %w", err)
	}
	if out.RootCause != nil && strings.TrimSpace(*out.RootCause) == "" {
		out.RootCause = nil
	}
	return out, nil
}

const systemPrompt = `You review trading and forecasting recommendations after the outcome is known.
Reply with a single JSON object and nothing else:
{"rootCause": string, "keyLearnings": [string], "missingContext": [string], "suggestedImprovements": [string]}`

func buildUserPrompt(rec domain.Recommendation, outcome domain.OutcomeEvaluationResult, pm domain.PostmortemAnalysis) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Instrument: %s (%s)\n", rec.Instrument, pm.Domain)
	fmt.Fprintf(&sb, "Action: %s at confidence %.2f\n", rec.Action, rec.Confidence)
	fmt.Fprintf(&sb, "Rationale: %s\n", rec.Rationale)
	fmt.Fprintf(&sb, "Outcome: %s\n", outcome.Outcome)
	if outcome.ActualReturnPct != nil {
		fmt.Fprintf(&sb, "Actual return: %.2f%%\n", *outcome.ActualReturnPct)
	}
	if outcome.BenchmarkReturnPct != nil {
		fmt.Fprintf(&sb, "Benchmark return: %.2f%%\n", *outcome.BenchmarkReturnPct)
	}
	if len(pm.WhatWorked) > 0 {
		fmt.Fprintf(&sb, "What worked:\n- %s\n", strings.Join(pm.WhatWorked, "\n- "))
	}
	if len(pm.WhatFailed) > 0 {
		fmt.Fprintf(&sb, "What failed:\n- %s\n", strings.Join(pm.WhatFailed, "\n- "))
	}
	return sb.String()
}

func outcomeSentence(rec domain.Recommendation, outcome domain.OutcomeEvaluationResult) string {
	if outcome.ActualReturnPct == nil {
		return fmt.Sprintf("%s %s was %s", rec.Action, rec.Instrument, outcome.Outcome)
	}
	return fmt.Sprintf("%s %s was %s with a %+.2f%% return", rec.Action, rec.Instrument, outcome.Outcome, *outcome.ActualReturnPct)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
