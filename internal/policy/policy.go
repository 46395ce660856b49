// Package policy holds the pure decision rules shared by triage and outcome evaluation.
package policy

import (
	"math"
	"strings"

	"forecastloop/internal/domain"
)

const (
	MinAcceptConfidence  = 0.5
	MinConsensusStrength = 0.6

	urgentConfidence  = 0.90
	notableConfidence = 0.70
)

// Accept reports whether an ensemble verdict is strong enough to become a predictor.
func Accept(confidence, consensus float64) bool {
	return confidence >= MinAcceptConfidence && consensus >= MinConsensusStrength
}

// UrgencyFor buckets an accepted signal by ensemble confidence: urgent from 0.90, notable
// from 0.70, routine below.
func UrgencyFor(confidence float64) domain.Urgency {
	switch {
	case confidence >= urgentConfidence:
		return domain.UrgencyUrgent
	case confidence >= notableConfidence:
		return domain.UrgencyNotable
	default:
		return domain.UrgencyRoutine
	}
}

// NormalizeDirection maps free-form ensemble output onto the signal direction vocabulary.
// Unknown values are returned lower-cased rather than coerced.
func NormalizeDirection(raw string) domain.Direction {
	d := strings.ToLower(strings.TrimSpace(raw))
	switch d {
	case "up", "bullish":
		return domain.DirectionBullish
	case "down", "bearish":
		return domain.DirectionBearish
	case "neutral":
		return domain.DirectionNeutral
	default:
		return domain.Direction(d)
	}
}

// PredictorStrength scales confidence onto the 1 to 10 strength a predictor carries.
func PredictorStrength(confidence float64) int {
	s := int(math.Round(confidence * 10))
	if s < 1 {
		return 1
	}
	if s > 10 {
		return 10
	}
	return s
}

// Thresholds are the return bands, in percent, that decide an outcome for one instrument
// domain.
type Thresholds struct {
	MinPositiveReturn float64
	MinNegativeReturn float64
	HoldThreshold     float64
}

var (
	defaultThresholds = Thresholds{MinPositiveReturn: 2.0, MinNegativeReturn: 2.0, HoldThreshold: 3.0}

	domainThresholds = map[domain.InstrumentDomain]Thresholds{
		domain.DomainEquities:          {MinPositiveReturn: 1.0, MinNegativeReturn: 1.0, HoldThreshold: 2.0},
		domain.DomainCrypto:            {MinPositiveReturn: 3.0, MinNegativeReturn: 3.0, HoldThreshold: 5.0},
		domain.DomainPredictionMarkets: {MinPositiveReturn: 0.5, MinNegativeReturn: 0.5, HoldThreshold: 1.0},
	}

	domainAliases = map[string]domain.InstrumentDomain{
		"stocks":      domain.DomainEquities,
		"stock":       domain.DomainEquities,
		"equity":      domain.DomainEquities,
		"polymarket":  domain.DomainPredictionMarkets,
		"kalshi":      domain.DomainPredictionMarkets,
		"predictions": domain.DomainPredictionMarkets,
	}
)

// ParseDomain normalizes an instrument class name, resolving common aliases.
func ParseDomain(raw string) domain.InstrumentDomain {
	d := strings.ToLower(strings.TrimSpace(raw))
	if alias, ok := domainAliases[d]; ok {
		return alias
	}
	return domain.InstrumentDomain(d)
}

// ThresholdsFor returns the bands for d, or the defaults for an unknown domain.
func ThresholdsFor(d domain.InstrumentDomain) Thresholds {
	if t, ok := domainThresholds[ParseDomain(string(d))]; ok {
		return t
	}
	return defaultThresholds
}

type actionFamily int

const (
	familyUnknown actionFamily = iota
	familyLong
	familyShort
	familyHold
	familyBet
)

func familyOf(a domain.Action) actionFamily {
	switch domain.Action(strings.ToLower(string(a))) {
	case domain.ActionBuy, domain.ActionAccumulate:
		return familyLong
	case domain.ActionSell, domain.ActionReduce:
		return familyShort
	case domain.ActionHold, domain.ActionWait:
		return familyHold
	case domain.ActionBetYes, domain.ActionBetNo:
		return familyBet
	default:
		return familyUnknown
	}
}

// IsHoldAction reports whether a is hold or wait.
func IsHoldAction(a domain.Action) bool { return familyOf(a) == familyHold }

// IsDirectionalAction reports whether a takes a long or short position.
func IsDirectionalAction(a domain.Action) bool {
	f := familyOf(a)
	return f == familyLong || f == familyShort
}

// IsBetAction reports whether a is a prediction-market bet.
func IsBetAction(a domain.Action) bool { return familyOf(a) == familyBet }

// PriceChangePct is the percent move from entry to exit. Callers guard a zero entry.
func PriceChangePct(entry, exit float64) float64 {
	return (exit - entry) / entry * 100
}

// ActualReturn is the return realised by following the action; sells are treated as shorts.
func ActualReturn(action domain.Action, entry, exit float64) float64 {
	change := PriceChangePct(entry, exit)
	switch familyOf(action) {
	case familyLong:
		return change
	case familyShort:
		return -change
	default:
		return 0
	}
}

// BenchmarkReturn is buy-and-hold over the same window regardless of action.
func BenchmarkReturn(entry, exit float64) float64 {
	return PriceChangePct(entry, exit)
}

// ClassifyReturn applies domain thresholds. Hold-family misses are partial in either direction.
func ClassifyReturn(action domain.Action, actualReturn, benchmarkReturn float64, t Thresholds) domain.OutcomeClass {
	switch familyOf(action) {
	case familyHold:
		if math.Abs(benchmarkReturn) < t.HoldThreshold {
			return domain.OutcomeCorrect
		}
		return domain.OutcomePartial
	case familyLong, familyShort:
		switch {
		case actualReturn > t.MinPositiveReturn:
			return domain.OutcomeCorrect
		case actualReturn < -t.MinNegativeReturn:
			return domain.OutcomeIncorrect
		default:
			return domain.OutcomePartial
		}
	default:
		return domain.OutcomeInconclusive
	}
}
