package repository

import (
	"context"
	"strings"
	"testing"
	"time"

	"forecastloop/internal/domain"
)

func outcomeRow(id, recID string) []any {
	ts := time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)
	return []any{
		id, recID, "AAPL", "correct", 2.7778, 2.7778,
		180.0, 185.0, ts.Add(-24 * time.Hour), ts, "auto", "entry=180.0000 exit=185.0000",
		nil, nil, ts,
	}
}

func TestOutcomeInsertReturnsNewRow(t *testing.T) {
	pool := &stubPool{execTags: []string{"INSERT 0 1"}}
	repo := NewOutcomeRepository(pool, testTracer)

	res, err := repo.InsertOutcome(context.Background(), domain.OutcomeEvaluationResult{
		RecommendationID: "rec-1",
		Instrument:       "AAPL",
		Outcome:          domain.OutcomeCorrect,
		Method:           domain.EvaluationAuto,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ID == "" || res.EvaluatedAt.IsZero() {
		t.Fatalf("expected id and evaluated_at, got %+v", res)
	}
	if len(pool.rowSQL) != 0 {
		t.Fatal("did not expect a read-back for a fresh insert")
	}
}

func TestOutcomeInsertConflictReturnsStoredRow(t *testing.T) {
	pool := &stubPool{
		execTags: []string{"INSERT 0 0"},
		rowQueue: [][]any{outcomeRow("stored-id", "rec-1")},
	}
	repo := NewOutcomeRepository(pool, testTracer)

	res, err := repo.InsertOutcome(context.Background(), domain.OutcomeEvaluationResult{
		RecommendationID: "rec-1",
		Outcome:          domain.OutcomeIncorrect,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ID != "stored-id" || res.Outcome != domain.OutcomeCorrect {
		t.Fatalf("expected first evaluation to win, got %+v", res)
	}
	if res.ActualReturnPct == nil || *res.ActualReturnPct != 2.7778 || res.MarketResolution != nil {
		t.Fatalf("unexpected nullable columns %+v", res)
	}
}

func TestOutcomeListRecentFiltersInstrument(t *testing.T) {
	pool := &stubPool{rowsData: [][]any{outcomeRow("o-1", "rec-1")}}
	repo := NewOutcomeRepository(pool, testTracer)

	out, err := repo.ListRecentOutcomes(context.Background(), "agent-1", "AAPL", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].Method != domain.EvaluationAuto {
		t.Fatalf("unexpected outcomes %+v", out)
	}
	if !strings.Contains(pool.querySQL[0], "o.instrument = $2") || !strings.Contains(pool.querySQL[0], "LIMIT $3") {
		t.Fatalf("unexpected query %q", pool.querySQL[0])
	}
	if pool.queryArgs[0][2] != 5 {
		t.Fatalf("expected default limit 5, got %v", pool.queryArgs[0][2])
	}
}

func TestRecommendationRoundTripsAnalyses(t *testing.T) {
	pool := &stubPool{}
	repo := NewRecommendationRepository(pool, testTracer)

	rec, err := repo.InsertRecommendation(context.Background(), domain.Recommendation{
		AgentID:    "agent-1",
		Instrument: "AAPL",
		Action:     domain.ActionBuy,
		Confidence: 0.7,
	}, []domain.SpecialistAnalysis{{Specialist: "technical", Conclusion: domain.DirectionBullish, Confidence: 0.6}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected generated id")
	}
	if got := string(pool.execArgs[0][10].([]byte)); got != "[]" {
		t.Fatalf("expected empty evidence list, got %s", got)
	}

	pool.rowQueue = [][]any{{
		rec.ID, "agent-1", "AAPL", "buy", 0.7, "", "", "", "", nil,
		[]byte(`["earnings beat"]`), pool.execArgs[0][11], rec.CreatedAt,
	}}
	got, analyses, err := repo.GetRecommendation(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Action != domain.ActionBuy || len(got.Evidence) != 1 || got.TargetPrice != nil {
		t.Fatalf("unexpected recommendation %+v", got)
	}
	if len(analyses) != 1 || analyses[0].Specialist != "technical" {
		t.Fatalf("unexpected analyses %+v", analyses)
	}
}

func TestRecommendationGetMissing(t *testing.T) {
	repo := NewRecommendationRepository(&stubPool{}, testTracer)

	rec, analyses, err := repo.GetRecommendation(context.Background(), "nope")
	if err != nil || rec != nil || analyses != nil {
		t.Fatalf("expected all nil, got %+v %+v %v", rec, analyses, err)
	}
}
