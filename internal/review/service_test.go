package review

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"forecastloop/internal/domain"
	"forecastloop/internal/llm"
	"forecastloop/internal/postmortem"

	"go.opentelemetry.io/otel/trace"
)

func newTestService(store *stubStore, outcomes *stubOutcomes, pms *stubPostmortems) *Service {
	return NewService(trace.NewNoopTracerProvider().Tracer("test"), store, &stubConsumer{}, outcomes, pms, nil)
}

func TestReviewDirectionalWritesPostmortem(t *testing.T) {
	store := &stubStore{
		rec:      &domain.Recommendation{ID: "r1", AgentID: "a1", Action: domain.ActionBuy},
		analyses: []domain.SpecialistAnalysis{{Specialist: "technical"}},
	}
	outcomes := &stubOutcomes{res: domain.OutcomeEvaluationResult{RecommendationID: "r1", Outcome: domain.OutcomeIncorrect}}
	pms := &stubPostmortems{}
	svc := newTestService(store, outcomes, pms)

	entry, exit := 100.0, 95.0
	res, err := svc.Review(context.Background(), "r1", Input{EntryPrice: &entry, ExitPrice: &exit})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcomes.directional != 1 || outcomes.market != 0 {
		t.Fatalf("expected directional evaluation, got %d/%d", outcomes.directional, outcomes.market)
	}
	if outcomes.lastDomain != domain.DomainEquities {
		t.Fatalf("expected equities default, got %q", outcomes.lastDomain)
	}
	if res.Postmortem == nil || pms.agentID != "a1" || len(pms.analyses) != 1 {
		t.Fatalf("expected postmortem for agent a1, got %+v", pms)
	}
}

func TestReviewTwiceKeepsOnePostmortemPerOutcome(t *testing.T) {
	store := &stubStore{rec: &domain.Recommendation{ID: "r1", AgentID: "a1", Instrument: "AAPL", Action: domain.ActionBuy, Confidence: 0.7}}
	outcomes := &stubOutcomes{res: domain.OutcomeEvaluationResult{ID: "o-1", RecommendationID: "r1", Outcome: domain.OutcomeCorrect}}
	pmStore := &memoryPostmortems{}
	tracer := trace.NewNoopTracerProvider().Tracer("test")
	analyzer := postmortem.NewAnalyzer(tracer, offlineLLM{}, pmStore, time.Second, nil)
	svc := NewService(tracer, store, &stubConsumer{}, outcomes, analyzer, nil)

	entry, exit := 100.0, 103.0
	first, err := svc.Review(context.Background(), "r1", Input{EntryPrice: &entry, ExitPrice: &exit})
	if err != nil {
		t.Fatalf("first review: %v", err)
	}
	second, err := svc.Review(context.Background(), "r1", Input{EntryPrice: &entry, ExitPrice: &exit})
	if err != nil {
		t.Fatalf("second review: %v", err)
	}
	if pmStore.inserts != 1 {
		t.Fatalf("expected one postmortem for outcome o-1, got %d", pmStore.inserts)
	}
	if first.Postmortem.ID != second.Postmortem.ID {
		t.Fatalf("expected the same postmortem, got %s and %s", first.Postmortem.ID, second.Postmortem.ID)
	}
}

func TestReviewBetRequiresResolution(t *testing.T) {
	store := &stubStore{rec: &domain.Recommendation{ID: "r2", Action: domain.ActionBetYes}}
	svc := newTestService(store, &stubOutcomes{}, &stubPostmortems{})

	_, err := svc.Review(context.Background(), "r2", Input{})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestReviewBetUsesMarketEvaluation(t *testing.T) {
	store := &stubStore{rec: &domain.Recommendation{ID: "r3", AgentID: "a1", Action: domain.ActionBetNo}}
	outcomes := &stubOutcomes{res: domain.OutcomeEvaluationResult{RecommendationID: "r3", Outcome: domain.OutcomeCorrect}}
	pms := &stubPostmortems{}
	svc := newTestService(store, outcomes, pms)
	resolved := time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC)

	if _, err := svc.Review(context.Background(), "r3", Input{Resolution: "NO", ResolvedAt: &resolved}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcomes.market != 1 || !outcomes.lastResolvedAt.Equal(resolved) {
		t.Fatalf("expected market evaluation at %v, got %d at %v", resolved, outcomes.market, outcomes.lastResolvedAt)
	}
	if pms.lastDom != domain.DomainPredictionMarkets {
		t.Fatalf("expected prediction market domain, got %q", pms.lastDom)
	}
}

func TestReviewSkipsPostmortemWhenInconclusive(t *testing.T) {
	store := &stubStore{rec: &domain.Recommendation{ID: "r4", Action: domain.ActionBuy}}
	outcomes := &stubOutcomes{res: domain.OutcomeEvaluationResult{RecommendationID: "r4", Outcome: domain.OutcomeInconclusive}}
	pms := &stubPostmortems{}
	svc := newTestService(store, outcomes, pms)

	res, err := svc.Review(context.Background(), "r4", Input{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Postmortem != nil || pms.calls != 0 {
		t.Fatal("inconclusive outcome should not produce a postmortem")
	}
}

func TestReviewMissingRecommendation(t *testing.T) {
	svc := newTestService(&stubStore{}, &stubOutcomes{}, &stubPostmortems{})
	if _, err := svc.Review(context.Background(), "nope", Input{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRecordConsumesPredictors(t *testing.T) {
	store := &stubStore{}
	consumer := &stubConsumer{}
	svc := NewService(trace.NewNoopTracerProvider().Tracer("test"), store, consumer, &stubOutcomes{}, &stubPostmortems{}, nil)

	rec, err := svc.Record(context.Background(),
		domain.Recommendation{AgentID: "a1", Instrument: "AAPL", Action: "BUY", Confidence: 0.7},
		nil, []string{"p1", "p2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ID != "rec-new" || rec.Action != domain.ActionBuy {
		t.Fatalf("unexpected recommendation %+v", rec)
	}
	if consumer.recID != "rec-new" || len(consumer.ids) != 2 {
		t.Fatalf("expected both predictors consumed, got %+v", consumer)
	}
}

func TestRecordRejectsInvalidInput(t *testing.T) {
	store := &stubStore{}
	svc := newTestService(store, &stubOutcomes{}, &stubPostmortems{})

	cases := []domain.Recommendation{
		{Instrument: "AAPL", Action: domain.ActionBuy},
		{AgentID: "a1", Instrument: "AAPL", Action: "yolo"},
		{AgentID: "a1", Instrument: "AAPL", Action: domain.ActionHold, Confidence: 1.5},
	}
	for _, rec := range cases {
		if _, err := svc.Record(context.Background(), rec, nil, nil); !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected validation error for %+v, got %v", rec, err)
		}
	}
	if len(store.inserted) != 0 {
		t.Fatal("invalid recommendations should not be stored")
	}
}

func TestRecordReturnsConsumeFailure(t *testing.T) {
	consumer := &stubConsumer{err: domain.NotFound("predictor", "p9")}
	svc := NewService(trace.NewNoopTracerProvider().Tracer("test"), &stubStore{}, consumer, &stubOutcomes{}, &stubPostmortems{}, nil)

	rec, err := svc.Record(context.Background(),
		domain.Recommendation{AgentID: "a1", Instrument: "AAPL", Action: domain.ActionSell}, nil, []string{"p9"})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if rec == nil {
		t.Fatal("stored recommendation should still be returned")
	}
}

type stubStore struct {
	rec      *domain.Recommendation
	analyses []domain.SpecialistAnalysis
	inserted []domain.Recommendation
}

func (s *stubStore) InsertRecommendation(_ context.Context, rec domain.Recommendation, _ []domain.SpecialistAnalysis) (*domain.Recommendation, error) {
	rec.ID = "rec-new"
	s.inserted = append(s.inserted, rec)
	return &rec, nil
}

type stubConsumer struct {
	ids   []string
	recID string
	err   error
}

func (s *stubConsumer) Consume(_ context.Context, ids []string, recID string) error {
	s.ids = ids
	s.recID = recID
	return s.err
}

func (s *stubStore) GetRecommendation(context.Context, string) (*domain.Recommendation, []domain.SpecialistAnalysis, error) {
	return s.rec, s.analyses, nil
}

type stubOutcomes struct {
	res            domain.OutcomeEvaluationResult
	directional    int
	market         int
	lastDomain     domain.InstrumentDomain
	lastResolvedAt time.Time
}

func (s *stubOutcomes) EvaluateAndStore(_ context.Context, _ domain.Recommendation, d domain.InstrumentDomain, _, _ *float64) (*domain.OutcomeEvaluationResult, error) {
	s.directional++
	s.lastDomain = d
	res := s.res
	return &res, nil
}

func (s *stubOutcomes) EvaluatePredictionMarketAndStore(_ context.Context, _ domain.Recommendation, _ string, resolvedAt time.Time) (*domain.OutcomeEvaluationResult, error) {
	s.market++
	s.lastResolvedAt = resolvedAt
	res := s.res
	return &res, nil
}

type offlineLLM struct{}

func (offlineLLM) GenerateResponse(context.Context, string, string, llm.Options) (string, error) {
	return "", errors.New("offline")
}

type memoryPostmortems struct {
	inserts int
	rows    []domain.PostmortemAnalysis
}

func (m *memoryPostmortems) InsertPostmortem(_ context.Context, p domain.PostmortemAnalysis) (*domain.PostmortemAnalysis, error) {
	m.inserts++
	p.ID = fmt.Sprintf("pm-%d", m.inserts)
	m.rows = append(m.rows, p)
	return &p, nil
}

func (m *memoryPostmortems) GetPostmortemByOutcome(_ context.Context, outcomeID string) (*domain.PostmortemAnalysis, error) {
	for _, p := range m.rows {
		if p.OutcomeID == outcomeID {
			out := p
			return &out, nil
		}
	}
	return nil, nil
}

type stubPostmortems struct {
	calls    int
	agentID  string
	analyses []domain.SpecialistAnalysis
	lastDom  domain.InstrumentDomain
}

func (s *stubPostmortems) CreatePostmortem(
	_ context.Context,
	rec domain.Recommendation,
	_ domain.OutcomeEvaluationResult,
	analyses []domain.SpecialistAnalysis,
	agentID string,
	d domain.InstrumentDomain,
) (*domain.PostmortemAnalysis, error) {
	s.calls++
	s.agentID = agentID
	s.analyses = analyses
	s.lastDom = d
	return &domain.PostmortemAnalysis{RecommendationID: rec.ID, AgentID: agentID}, nil
}
