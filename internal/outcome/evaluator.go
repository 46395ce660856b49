// Package outcome scores recommendations against realised prices or market resolutions.
package outcome

import (
	"fmt"
	"strings"
	"time"

	"forecastloop/internal/domain"
	"forecastloop/internal/policy"
)

const (
	ResolutionYes = "yes"
	ResolutionNo  = "no"

	minBetConfidence = 0.01
	lostBetReturn    = -100.0
)

// Evaluator is stateless apart from its clock.
type Evaluator struct {
	now func() time.Time
}

func NewEvaluator() *Evaluator {
	return &Evaluator{now: time.Now}
}

// EvaluateOutcome classifies a price-based recommendation. Missing or unusable prices yield an
// inconclusive result with no returns.
func (e *Evaluator) EvaluateOutcome(
	rec domain.Recommendation,
	instrumentDomain domain.InstrumentDomain,
	entryPrice, exitPrice *float64,
) domain.OutcomeEvaluationResult {
	res := domain.OutcomeEvaluationResult{
		RecommendationID: rec.ID,
		Instrument:       rec.Instrument,
		EntryPrice:       entryPrice,
		ExitPrice:        exitPrice,
		Method:           domain.EvaluationAuto,
		EvaluatedAt:      e.now().UTC(),
	}

	if entryPrice == nil || exitPrice == nil || *entryPrice <= 0 {
		res.Outcome = domain.OutcomeInconclusive
		res.Notes = fmt.Sprintf("%s %s: missing price data, outcome inconclusive", rec.Action, rec.Instrument)
		return res
	}

	actual := policy.ActualReturn(rec.Action, *entryPrice, *exitPrice)
	benchmark := policy.BenchmarkReturn(*entryPrice, *exitPrice)
	res.ActualReturnPct = &actual
	res.BenchmarkReturnPct = &benchmark
	res.Outcome = policy.ClassifyReturn(rec.Action, actual, benchmark, policy.ThresholdsFor(instrumentDomain))
	res.Notes = priceNotes(rec, *entryPrice, *exitPrice, actual, benchmark, res.Outcome)
	return res
}

// EvaluatePredictionMarketOutcome scores a bet against the market's resolution. Only correct
// and incorrect are produced.
func (e *Evaluator) EvaluatePredictionMarketOutcome(
	rec domain.Recommendation,
	resolution string,
	resolvedAt time.Time,
) (domain.OutcomeEvaluationResult, error) {
	res := domain.OutcomeEvaluationResult{}
	if !policy.IsBetAction(rec.Action) {
		return res, domain.Invalid("action %q is not a prediction market bet", rec.Action)
	}
	normalized := strings.ToLower(strings.TrimSpace(resolution))
	if normalized != ResolutionYes && normalized != ResolutionNo {
		return res, domain.Invalid("unknown market resolution %q", resolution)
	}

	action := domain.Action(strings.ToLower(string(rec.Action)))
	correct := (action == domain.ActionBetYes && normalized == ResolutionYes) ||
		(action == domain.ActionBetNo && normalized == ResolutionNo)

	confidence := rec.Confidence
	if confidence < minBetConfidence {
		confidence = minBetConfidence
	}

	actual := lostBetReturn
	outcome := domain.OutcomeIncorrect
	if correct {
		actual = (1/confidence - 1) * 100
		outcome = domain.OutcomeCorrect
	}

	resolved := resolvedAt.UTC()
	res = domain.OutcomeEvaluationResult{
		RecommendationID:    rec.ID,
		Instrument:          rec.Instrument,
		Outcome:             outcome,
		ActualReturnPct:     &actual,
		Method:              domain.EvaluationMarketClose,
		MarketResolution:    &normalized,
		ResolutionTimestamp: &resolved,
		EvaluatedAt:         e.now().UTC(),
		Notes: fmt.Sprintf("%s %s at %.0f%% confidence, market resolved %s: %s (%+.2f%%)",
			action, rec.Instrument, rec.Confidence*100, normalized, outcome, actual),
	}
	return res, nil
}

func priceNotes(
	rec domain.Recommendation,
	entry, exit, actual, benchmark float64,
	outcome domain.OutcomeClass,
) string {
	if policy.IsHoldAction(rec.Action) {
		return fmt.Sprintf("%s %s: price moved %+.2f%% (%.4g -> %.4g), %s",
			rec.Action, rec.Instrument, benchmark, entry, exit, outcome)
	}
	return fmt.Sprintf("%s %s: return %+.2f%% vs benchmark %+.2f%% (%.4g -> %.4g), %s",
		rec.Action, rec.Instrument, actual, benchmark, entry, exit, outcome)
}
