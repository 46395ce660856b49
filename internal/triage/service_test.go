package triage

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"forecastloop/internal/domain"
	"forecastloop/internal/predictor"

	"go.opentelemetry.io/otel/trace"
)

func TestProcessSignalAcceptsAndCreatesPredictor(t *testing.T) {
	ens := &stubEnsemble{result: &domain.EnsembleResult{
		Direction:         "UP",
		Confidence:        0.92,
		ConsensusStrength: 0.75,
		Reasoning:         "earnings beat",
		Assessments: []domain.EnsembleAssessment{
			{Analyst: "fundamental", KeyFactors: []string{"eps beat", "guidance raised"}, Risks: []string{"macro"}},
			{Analyst: "technical", KeyFactors: []string{"eps beat", "breakout"}, Risks: []string{"macro", "overbought"}},
		},
	}}
	signals := &stubSignalStore{updated: true}
	creator := &stubCreator{}
	svc := NewService(trace.NewNoopTracerProvider().Tracer("test"), ens, signals, creator, 6*time.Hour, nil)
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	hint := domain.DirectionBullish
	sig := domain.Signal{
		ID:            "sig-1",
		TargetID:      "tgt-1",
		SourceID:      "newswire",
		Content:       "ACME beats estimates",
		DirectionHint: &hint,
		Metadata:      map[string]any{"headline": "beat"},
		Disposition:   domain.DispositionPending,
		IsTest:        true,
	}

	res, err := svc.ProcessSignal(context.Background(), sig, domain.Target{ID: "tgt-1", Symbol: "ACME"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Accepted || res.Urgency != domain.UrgencyUrgent || res.Direction != domain.DirectionBullish {
		t.Fatalf("unexpected result: %+v", res)
	}
	if creator.calls != 1 {
		t.Fatalf("expected one predictor, got %d", creator.calls)
	}
	if creator.last.Strength != 9 || !creator.last.IsTest {
		t.Fatalf("unexpected draft: %+v", creator.last)
	}
	if !creator.last.ExpiresAt.Equal(fixed.Add(6 * time.Hour)) {
		t.Fatalf("unexpected expiry %v", creator.last.ExpiresAt)
	}
	if signals.calls != 0 {
		t.Fatalf("accepted signal is settled with its predictor, got %d separate updates", signals.calls)
	}
	if creator.urgency != domain.UrgencyUrgent || creator.evaluation.EvaluatorID != "ensemble" {
		t.Fatalf("unexpected settlement: %s %+v", creator.urgency, creator.evaluation)
	}
	if !reflect.DeepEqual(res.KeyFactors, []string{"eps beat", "guidance raised", "breakout"}) {
		t.Fatalf("unexpected key factors %v", res.KeyFactors)
	}
	if !reflect.DeepEqual(res.Risks, []string{"macro", "overbought"}) {
		t.Fatalf("unexpected risks %v", res.Risks)
	}
	if !strings.Contains(ens.lastInput.Content, "Source: newswire") || ens.lastInput.Direction != "bullish" {
		t.Fatalf("unexpected ensemble input: %+v", ens.lastInput)
	}
}

func TestProcessSignalRejectsWeakConsensusButReportsUrgency(t *testing.T) {
	ens := &stubEnsemble{result: &domain.EnsembleResult{Direction: "down", Confidence: 0.95, ConsensusStrength: 0.4}}
	signals := &stubSignalStore{updated: true}
	creator := &stubCreator{}
	svc := NewService(trace.NewNoopTracerProvider().Tracer("test"), ens, signals, creator, 0, nil)

	res, err := svc.ProcessSignal(context.Background(), domain.Signal{ID: "s", TargetID: "t"}, domain.Target{ID: "t"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted {
		t.Fatal("expected rejection")
	}
	if res.Urgency != domain.UrgencyUrgent || res.Direction != domain.DirectionBearish {
		t.Fatalf("unexpected result: %+v", res)
	}
	if creator.calls != 0 {
		t.Fatal("no predictor expected on rejection")
	}
	if signals.disposition != domain.DispositionRejected {
		t.Fatalf("expected rejected, got %s", signals.disposition)
	}
}

func TestProcessSignalCapsFactorsAtFive(t *testing.T) {
	ens := &stubEnsemble{result: &domain.EnsembleResult{
		Direction: "bullish", Confidence: 0.6, ConsensusStrength: 0.6,
		Assessments: []domain.EnsembleAssessment{
			{KeyFactors: []string{"a", "b", "c"}},
			{KeyFactors: []string{"c", "d", "e", "f", "g"}},
		},
	}}
	svc := NewService(trace.NewNoopTracerProvider().Tracer("test"), ens, &stubSignalStore{updated: true}, &stubCreator{}, 0, nil)

	res, err := svc.ProcessSignal(context.Background(), domain.Signal{ID: "s", TargetID: "t"}, domain.Target{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(res.KeyFactors, []string{"a", "b", "c", "d", "e"}) {
		t.Fatalf("unexpected factors %v", res.KeyFactors)
	}
}

func TestProcessSignalEnsembleFailureDegradesToRejection(t *testing.T) {
	ens := &stubEnsemble{err: context.DeadlineExceeded}
	signals := &stubSignalStore{updated: true}
	creator := &stubCreator{}
	svc := NewService(trace.NewNoopTracerProvider().Tracer("test"), ens, signals, creator, 0, nil)

	res, err := svc.ProcessSignal(context.Background(), domain.Signal{ID: "s", TargetID: "t"}, domain.Target{})
	if err != nil {
		t.Fatalf("ensemble failure must not surface: %v", err)
	}
	if res.Accepted || res.Urgency != domain.UrgencyRoutine {
		t.Fatalf("unexpected result: %+v", res)
	}
	if signals.disposition != domain.DispositionRejected || !strings.Contains(signals.evaluation.Reasoning, "ensemble unavailable") {
		t.Fatalf("unexpected disposition write: %s %+v", signals.disposition, signals.evaluation)
	}
}

func TestProcessSignalPersistenceFailureIsHard(t *testing.T) {
	ens := &stubEnsemble{result: &domain.EnsembleResult{Direction: "bullish", Confidence: 0.3, ConsensusStrength: 0.3}}
	signals := &stubSignalStore{err: errors.New("connection refused")}
	svc := NewService(trace.NewNoopTracerProvider().Tracer("test"), ens, signals, &stubCreator{}, 0, nil)

	_, err := svc.ProcessSignal(context.Background(), domain.Signal{ID: "sig-9", TargetID: "t"}, domain.Target{})
	var opErr *domain.OpError
	if !errors.As(err, &opErr) || opErr.ID != "sig-9" {
		t.Fatalf("expected op error with signal id, got %v", err)
	}
}

func TestProcessSignalRefusesNonPending(t *testing.T) {
	ens := &stubEnsemble{result: &domain.EnsembleResult{}}
	signals := &stubSignalStore{updated: true}
	svc := NewService(trace.NewNoopTracerProvider().Tracer("test"), ens, signals, &stubCreator{}, 0, nil)

	_, err := svc.ProcessSignal(context.Background(), domain.Signal{ID: "s", Disposition: domain.DispositionRejected}, domain.Target{})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if ens.calls != 0 || signals.calls != 0 {
		t.Fatal("nothing should run for a processed signal")
	}
}

func TestProcessSignalLostClaimStoresNoPredictor(t *testing.T) {
	ens := &stubEnsemble{result: &domain.EnsembleResult{Direction: "bullish", Confidence: 0.8, ConsensusStrength: 0.8}}
	signals := &stubSignalStore{updated: false}
	creator := &stubCreator{settled: true}
	svc := NewService(trace.NewNoopTracerProvider().Tracer("test"), ens, signals, creator, 0, nil)

	res, err := svc.ProcessSignal(context.Background(), domain.Signal{ID: "s1", TargetID: "t"}, domain.Target{})
	if !errors.Is(err, domain.ErrInvalidTransition) || res != nil {
		t.Fatalf("expected invalid transition, got %+v %v", res, err)
	}
	if creator.stored != 0 || signals.calls != 0 {
		t.Fatalf("expected nothing written, predictors=%d disposition writes=%d", creator.stored, signals.calls)
	}
}

func TestProcessSignalTwiceCreatesOnePredictor(t *testing.T) {
	ens := &stubEnsemble{result: &domain.EnsembleResult{Direction: "bullish", Confidence: 0.8, ConsensusStrength: 0.8}}
	creator := &stubCreator{}
	svc := NewService(trace.NewNoopTracerProvider().Tracer("test"), ens, &stubSignalStore{updated: true}, creator, 0, nil)
	sig := domain.Signal{ID: "s1", TargetID: "t", Disposition: domain.DispositionPending}

	if _, err := svc.ProcessSignal(context.Background(), sig, domain.Target{}); err != nil {
		t.Fatalf("first triage: %v", err)
	}
	if _, err := svc.ProcessSignal(context.Background(), sig, domain.Target{}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected second triage to lose the claim, got %v", err)
	}
	if creator.stored != 1 {
		t.Fatalf("expected exactly one predictor, got %d", creator.stored)
	}
}

func TestProcessSignalPredictorWriteFailureLeavesSignalPending(t *testing.T) {
	ens := &stubEnsemble{result: &domain.EnsembleResult{Direction: "bullish", Confidence: 0.8, ConsensusStrength: 0.8}}
	signals := &stubSignalStore{updated: true}
	creator := &stubCreator{err: errors.New("connection reset")}
	svc := NewService(trace.NewNoopTracerProvider().Tracer("test"), ens, signals, creator, 0, nil)

	_, err := svc.ProcessSignal(context.Background(), domain.Signal{ID: "s1", TargetID: "t"}, domain.Target{})
	var opErr *domain.OpError
	if !errors.As(err, &opErr) || opErr.ID != "s1" {
		t.Fatalf("expected op error for s1, got %v", err)
	}
	if creator.stored != 0 || signals.calls != 0 {
		t.Fatal("a failed write must leave neither predictor nor disposition")
	}
}

func TestBuildContentWithoutHint(t *testing.T) {
	got := BuildContent(domain.Signal{SourceID: "rss", Content: "text"})
	want := "Source: rss\nDirection hint: none\nContent: text\nMetadata: {}"
	if got != want {
		t.Fatalf("unexpected content:\n%s", got)
	}
}

type stubEnsemble struct {
	result    *domain.EnsembleResult
	err       error
	calls     int
	lastInput domain.EnsembleInput
}

func (s *stubEnsemble) RunEnsemble(_ context.Context, _ domain.Target, in domain.EnsembleInput) (*domain.EnsembleResult, error) {
	s.calls++
	s.lastInput = in
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubSignalStore struct {
	calls       int
	updated     bool
	err         error
	disposition domain.SignalDisposition
	urgency     domain.Urgency
	evaluation  domain.SignalEvaluation
}

func (s *stubSignalStore) UpdateDisposition(
	_ context.Context,
	_ string,
	disposition domain.SignalDisposition,
	urgency domain.Urgency,
	evaluation domain.SignalEvaluation,
) (bool, error) {
	s.calls++
	if s.err != nil {
		return false, s.err
	}
	s.disposition = disposition
	s.urgency = urgency
	s.evaluation = evaluation
	return s.updated, nil
}

// stubCreator mirrors the store's settle-and-insert: when the signal is already settled or
// the write fails, nothing is stored.
type stubCreator struct {
	calls      int
	stored     int
	settled    bool
	err        error
	last       predictor.Draft
	urgency    domain.Urgency
	evaluation domain.SignalEvaluation
}

func (s *stubCreator) CreateForSignal(
	_ context.Context,
	d predictor.Draft,
	urgency domain.Urgency,
	evaluation domain.SignalEvaluation,
) (*domain.Predictor, error) {
	s.calls++
	s.last = d
	s.urgency = urgency
	s.evaluation = evaluation
	if s.err != nil {
		return nil, domain.NewOpError("insert", "predictor", d.SignalID, s.err)
	}
	if s.settled {
		return nil, domain.NewOpError("settle", "signal", d.SignalID,
			fmt.Errorf("%w: signal is no longer pending", domain.ErrInvalidTransition))
	}
	s.settled = true
	s.stored++
	return &domain.Predictor{ID: "pred-1", SignalID: d.SignalID, IsTest: d.IsTest, Status: domain.PredictorActive}, nil
}
