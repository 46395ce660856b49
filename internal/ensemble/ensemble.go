// Package ensemble polls a panel of LLM analysts about a signal and aggregates their votes.
package ensemble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"forecastloop/internal/domain"
	"forecastloop/internal/llm"
	"forecastloop/internal/policy"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrNoAssessments = errors.New("no analyst produced an assessment")

type Analyst struct {
	Name   string
	Weight float64
	Tier   string
	Focus  string
}

// DefaultAnalysts is used when no panel is configured.
var DefaultAnalysts = []Analyst{
	{Name: "fundamental", Weight: 1.0, Tier: "core", Focus: "earnings, valuation and business fundamentals"},
	{Name: "technical", Weight: 1.0, Tier: "core", Focus: "price action, trend and momentum"},
	{Name: "sentiment", Weight: 0.75, Tier: "support", Focus: "news flow, positioning and crowd sentiment"},
	{Name: "macro", Weight: 0.75, Tier: "support", Focus: "rates, liquidity and the macro backdrop"},
}

// ParseAnalysts reads "name:weight[:tier],..." as found in ENSEMBLE_ANALYSTS.
func ParseAnalysts(raw string) ([]Analyst, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultAnalysts, nil
	}
	var out []Analyst
	for _, part := range strings.Split(raw, ",") {
		fields := strings.Split(strings.TrimSpace(part), ":")
		if len(fields) < 2 || strings.TrimSpace(fields[0]) == "" {
			return nil, fmt.Errorf("invalid analyst spec %q", part)
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil || w <= 0 {
			return nil, fmt.Errorf("invalid weight in analyst spec %q", part)
		}
		a := Analyst{Name: strings.TrimSpace(fields[0]), Weight: w, Tier: "core"}
		if len(fields) > 2 && strings.TrimSpace(fields[2]) != "" {
			a.Tier = strings.TrimSpace(fields[2])
		}
		out = append(out, a)
	}
	return out, nil
}

type LLMEnsemble struct {
	tracer      trace.Tracer
	llm         llm.Client
	analysts    []Analyst
	logger      *zap.Logger
	concurrency int
}

func NewLLMEnsemble(tracer trace.Tracer, client llm.Client, analysts []Analyst, logger *zap.Logger) *LLMEnsemble {
	if len(analysts) == 0 {
		analysts = DefaultAnalysts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMEnsemble{tracer: tracer, llm: client, analysts: analysts, logger: logger, concurrency: 4}
}

type analystReply struct {
	Direction  string   `json:"direction"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	KeyFactors []string `json:"keyFactors"`
	Risks      []string `json:"risks"`
}

// RunEnsemble asks every analyst in parallel. Analysts that fail or reply with malformed JSON
// are left out of the vote; the call fails only if none replied.
func (e *LLMEnsemble) RunEnsemble(ctx context.Context, target domain.Target, in domain.EnsembleInput) (*domain.EnsembleResult, error) {
	ctx, span := e.tracer.Start(ctx, "ensemble.run")
	defer span.End()
	span.SetAttributes(attribute.String("target.id", in.TargetID), attribute.Int("ensemble.analysts", len(e.analysts)))

	replies := make([]*domain.EnsembleAssessment, len(e.analysts))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, a := range e.analysts {
		g.Go(func() error {
			assessment, err := e.ask(ctx, a, target, in)
			if err != nil {
				e.logger.Warn("analyst unavailable", zap.String("analyst", a.Name), zap.Error(err))
				return nil
			}
			replies[i] = assessment
			return nil
		})
	}
	_ = g.Wait()

	var assessments []domain.EnsembleAssessment
	for _, r := range replies {
		if r != nil {
			assessments = append(assessments, *r)
		}
	}
	if len(assessments) == 0 {
		return nil, ErrNoAssessments
	}
	return Aggregate(assessments), nil
}

func (e *LLMEnsemble) ask(ctx context.Context, a Analyst, target domain.Target, in domain.EnsembleInput) (*domain.EnsembleAssessment, error) {
	system := fmt.Sprintf(analystPrompt, a.Name, a.Focus)
	user := fmt.Sprintf("Instrument: %s (%s, %s)\n%s", target.Symbol, target.Name, target.Domain, in.Content)

	raw, err := e.llm.GenerateResponse(ctx, system, user, llm.Options{})
	if err != nil {
		return nil, err
	}
	start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no json in analyst reply")
	}
	var reply analystReply
	if err := json.Unmarshal([]byte(raw[start:end+1]), &reply); err != nil {
		return nil, fmt.Errorf("decode analyst reply: %w", err)
	}
	return &domain.EnsembleAssessment{
		Analyst:    a.Name,
		Weight:     a.Weight,
		Tier:       a.Tier,
		Direction:  string(policy.NormalizeDirection(reply.Direction)),
		Confidence: clamp01(reply.Confidence),
		Reasoning:  reply.Reasoning,
		KeyFactors: reply.KeyFactors,
		Risks:      reply.Risks,
	}, nil
}

// Aggregate is a weighted vote. The winning direction's weight share is the consensus
// strength; confidence is the weighted mean confidence of the analysts who backed it. A
// zero-weight analyst does not move the vote.
func Aggregate(assessments []domain.EnsembleAssessment) *domain.EnsembleResult {
	votes := make(map[string]float64)
	var totalWeight float64
	for _, a := range assessments {
		w := math.Max(a.Weight, 0)
		votes[a.Direction] += w
		totalWeight += w
	}

	directions := make([]string, 0, len(votes))
	for d := range votes {
		directions = append(directions, d)
	}
	sort.Strings(directions)
	winner := string(domain.DirectionNeutral)
	best := -1.0
	for _, d := range directions {
		if votes[d] > best {
			winner, best = d, votes[d]
		}
	}

	var confSum, confWeight float64
	var reasons []string
	for _, a := range assessments {
		if a.Direction != winner {
			continue
		}
		w := math.Max(a.Weight, 0)
		confSum += w * a.Confidence
		confWeight += w
		if a.Reasoning != "" {
			reasons = append(reasons, a.Analyst+": "+a.Reasoning)
		}
	}

	res := &domain.EnsembleResult{
		Direction:   winner,
		Assessments: assessments,
		Reasoning:   strings.Join(reasons, "\n"),
	}
	if totalWeight > 0 {
		res.ConsensusStrength = best / totalWeight
	}
	if confWeight > 0 {
		res.Confidence = confSum / confWeight
	}
	return res
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

const analystPrompt = `You are the %s analyst on a forecasting panel. Your focus: %s.
Assess the signal below and reply with one JSON object only:
{"direction": "bullish|bearish|neutral", "confidence": 0.0-1.0, "reasoning": string, "keyFactors": [string], "risks": [string]}`
