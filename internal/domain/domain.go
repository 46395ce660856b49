package domain

import (
	"encoding/json"
	"time"
)

type Direction string

const (
	DirectionBullish Direction = "bullish"
	DirectionBearish Direction = "bearish"
	DirectionNeutral Direction = "neutral"
)

// InstrumentDomain is the instrument class used to pick outcome thresholds.
type InstrumentDomain string

const (
	DomainEquities          InstrumentDomain = "equities"
	DomainCrypto            InstrumentDomain = "crypto"
	DomainPredictionMarkets InstrumentDomain = "prediction_markets"
)

type SignalDisposition string

const (
	DispositionPending          SignalDisposition = "pending"
	DispositionPredictorCreated SignalDisposition = "predictor_created"
	DispositionRejected         SignalDisposition = "rejected"
)

type Urgency string

const (
	UrgencyRoutine Urgency = "routine"
	UrgencyNotable Urgency = "notable"
	UrgencyUrgent  Urgency = "urgent"
)

type SignalEvaluation struct {
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
	EvaluatorID string  `json:"evaluator_id"`
}

type Signal struct {
	ID            string            `json:"id"`
	TargetID      string            `json:"target_id"`
	SourceID      string            `json:"source_id"`
	Content       string            `json:"content"`
	DirectionHint *Direction        `json:"direction_hint,omitempty"`
	DetectedAt    time.Time         `json:"detected_at"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
	Disposition   SignalDisposition `json:"disposition"`
	Urgency       *Urgency          `json:"urgency,omitempty"`
	Evaluation    *SignalEvaluation `json:"evaluation_result,omitempty"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
	IsTest        bool              `json:"is_test"`
}

// Target is the instrument a signal or predictor is about.
type Target struct {
	ID     string           `json:"id"`
	Symbol string           `json:"symbol"`
	Name   string           `json:"name"`
	Domain InstrumentDomain `json:"domain"`
}

type EnsembleAssessment struct {
	Analyst          string   `json:"analyst"`
	Weight           float64  `json:"weight"`
	Tier             string   `json:"tier"`
	Direction        string   `json:"direction"`
	Confidence       float64  `json:"confidence"`
	Reasoning        string   `json:"reasoning"`
	KeyFactors       []string `json:"key_factors,omitempty"`
	Risks            []string `json:"risks,omitempty"`
	LearningsApplied []string `json:"learnings_applied,omitempty"`
}

// UnmarshalJSON treats a missing weight as 1. An explicit zero is kept.
func (a *EnsembleAssessment) UnmarshalJSON(data []byte) error {
	type plain EnsembleAssessment
	p := plain{Weight: 1}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = EnsembleAssessment(p)
	return nil
}

type EnsembleResult struct {
	Direction         string               `json:"direction"`
	Confidence        float64              `json:"confidence"`
	ConsensusStrength float64              `json:"consensus_strength"`
	Reasoning         string               `json:"reasoning"`
	Assessments       []EnsembleAssessment `json:"assessments"`
}

type EnsembleInput struct {
	TargetID  string         `json:"target_id"`
	Content   string         `json:"content"`
	Direction string         `json:"direction,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type PredictorStatus string

const (
	PredictorActive   PredictorStatus = "active"
	PredictorConsumed PredictorStatus = "consumed"
	PredictorExpired  PredictorStatus = "expired"
)

type Predictor struct {
	ID                string          `json:"id"`
	TargetID          string          `json:"target_id"`
	SignalID          string          `json:"signal_id"`
	Direction         Direction       `json:"direction"`
	Strength          int             `json:"strength"`
	Confidence        float64         `json:"confidence"`
	Reasoning         string          `json:"reasoning"`
	AnalystAssessment json.RawMessage `json:"analyst_assessment,omitempty"`
	Status            PredictorStatus `json:"status"`
	ExpiresAt         time.Time       `json:"expires_at"`
	IsTest            bool            `json:"is_test"`
	ConsumedBy        *string         `json:"consumed_by,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

type Action string

const (
	ActionBuy        Action = "buy"
	ActionSell       Action = "sell"
	ActionHold       Action = "hold"
	ActionAccumulate Action = "accumulate"
	ActionReduce     Action = "reduce"
	ActionWait       Action = "wait"
	ActionBetYes     Action = "bet_yes"
	ActionBetNo      Action = "bet_no"
)

type Recommendation struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	Instrument   string    `json:"instrument"`
	Action       Action    `json:"action"`
	Confidence   float64   `json:"confidence"`
	Sizing       string    `json:"sizing,omitempty"`
	Rationale    string    `json:"rationale"`
	TimingWindow string    `json:"timing_window,omitempty"`
	EntryStyle   string    `json:"entry_style,omitempty"`
	TargetPrice  *float64  `json:"target_price,omitempty"`
	Evidence     []string  `json:"evidence,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type OutcomeClass string

const (
	OutcomeCorrect      OutcomeClass = "correct"
	OutcomeIncorrect    OutcomeClass = "incorrect"
	OutcomePartial      OutcomeClass = "partial"
	OutcomeInconclusive OutcomeClass = "inconclusive"
)

type EvaluationMethod string

const (
	EvaluationAuto        EvaluationMethod = "auto"
	EvaluationManual      EvaluationMethod = "manual"
	EvaluationMarketClose EvaluationMethod = "market_close"
)

type OutcomeEvaluationResult struct {
	ID                  string           `json:"id,omitempty"`
	RecommendationID    string           `json:"recommendation_id"`
	Instrument          string           `json:"instrument"`
	Outcome             OutcomeClass     `json:"outcome"`
	ActualReturnPct     *float64         `json:"actual_return_pct"`
	BenchmarkReturnPct  *float64         `json:"benchmark_return_pct"`
	EntryPrice          *float64         `json:"entry_price,omitempty"`
	ExitPrice           *float64         `json:"exit_price,omitempty"`
	EntryAt             *time.Time       `json:"entry_at,omitempty"`
	ExitAt              *time.Time       `json:"exit_at,omitempty"`
	Method              EvaluationMethod `json:"evaluation_method"`
	Notes               string           `json:"notes"`
	MarketResolution    *string          `json:"market_resolution,omitempty"`
	ResolutionTimestamp *time.Time       `json:"resolution_timestamp,omitempty"`
	EvaluatedAt         time.Time        `json:"evaluated_at"`
}

// SpecialistAnalysis is one specialist's view that informed a recommendation.
type SpecialistAnalysis struct {
	Specialist  string    `json:"specialist"`
	Conclusion  Direction `json:"conclusion"`
	Confidence  float64   `json:"confidence"`
	KeyClaims   []string  `json:"key_claims,omitempty"`
	RiskFactors []string  `json:"risk_factors,omitempty"`
}

type SpecialistVerdict struct {
	Conclusion              Direction `json:"conclusion"`
	WasCorrect              bool      `json:"wasCorrect"`
	ConfidenceWasCalibrated bool      `json:"confidenceWasCalibrated"`
}

type PostmortemAnalysis struct {
	ID                    string                       `json:"id"`
	AgentID               string                       `json:"agent_id"`
	RecommendationID      string                       `json:"recommendation_id"`
	OutcomeID             string                       `json:"outcome_id,omitempty"`
	Instrument            string                       `json:"instrument"`
	Domain                InstrumentDomain             `json:"domain"`
	WhatWorked            []string                     `json:"what_worked"`
	WhatFailed            []string                     `json:"what_failed"`
	RootCause             *string                      `json:"root_cause"`
	SpecialistAccuracy    map[string]SpecialistVerdict `json:"specialist_accuracy"`
	KeyLearnings          []string                     `json:"key_learnings"`
	MissingContext        []string                     `json:"missing_context"`
	SuggestedImprovements []string                     `json:"suggested_improvements"`
	PredictedConfidence   float64                      `json:"predicted_confidence"`
	ActualAccuracy        float64                      `json:"actual_accuracy"`
	CalibrationError      float64                      `json:"calibration_error"`
	AppliedToContext      bool                         `json:"applied_to_context"`
	AppliedAt             *time.Time                   `json:"applied_at,omitempty"`
	CreatedAt             time.Time                    `json:"created_at"`
}

// MissedOpportunity records a move the agent did not act on and the lesson drawn from it.
type MissedOpportunity struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agent_id"`
	Instrument string     `json:"instrument"`
	MovePct    float64    `json:"move_pct"`
	Lesson     string     `json:"lesson"`
	Applied    bool       `json:"applied"`
	AppliedAt  *time.Time `json:"applied_at,omitempty"`
	DetectedAt time.Time  `json:"detected_at"`
}

// Agent is the owning record of an AgentContext document.
type Agent struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Context        json.RawMessage `json:"context"`
	ContextVersion int64           `json:"context_version"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type RunnerConfig struct {
	RunnerType  string   `json:"runnerType"`
	Instruments []string `json:"instruments"`
	RiskProfile string   `json:"riskProfile"`
	Domain      string   `json:"domain,omitempty"`
}

type Fork string

const (
	ForkUser  Fork = "user"
	ForkAgent Fork = "agent"
)

func (f Fork) IsValid() bool {
	return f == ForkUser || f == ForkAgent
}

type DissentRecord struct {
	Analyst    string    `json:"analyst"`
	Fork       Fork      `json:"fork"`
	WasCorrect bool      `json:"was_correct"`
	Date       time.Time `json:"date"`
}

type AnalystPerformanceMetrics struct {
	Analyst         string    `json:"analyst"`
	Fork            Fork      `json:"fork"`
	Date            time.Time `json:"date"`
	SoloPnL         float64   `json:"solo_pnl"`
	ContributionPnL float64   `json:"contribution_pnl"`
	DissentAccuracy *float64  `json:"dissent_accuracy"`
	DissentCount    int       `json:"dissent_count"`
	Rank            int       `json:"rank"`
	TotalAnalysts   int       `json:"total_analysts"`
}
