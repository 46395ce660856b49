package repository

import (
	"context"
	"strings"
	"testing"
	"time"

	"forecastloop/internal/domain"

	"github.com/shopspring/decimal"
)

func TestAnalystRealizedPnLParsesNumeric(t *testing.T) {
	pool := &stubPool{rowsData: [][]any{{"12.50000000"}, {"-2.25000000"}}}
	repo := NewAnalystRepository(pool, testTracer)

	date := time.Date(2025, 3, 5, 17, 30, 0, 0, time.UTC)
	out, err := repo.RealizedPnL(context.Background(), domain.ForkUser, date, "technical")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 || !decimal.Sum(out[0], out[1:]...).Equal(decimal.RequireFromString("10.25")) {
		t.Fatalf("unexpected pnl %v", out)
	}
	from := pool.queryArgs[0][2].(time.Time)
	if !from.Equal(time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected day start, got %v", from)
	}
}

func TestAnalystRealizedPnLRejectsGarbage(t *testing.T) {
	repo := NewAnalystRepository(&stubPool{rowsData: [][]any{{"NaN?"}}}, testTracer)
	if _, err := repo.RealizedPnL(context.Background(), domain.ForkAgent, time.Now(), "macro"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestAnalystUpsertMetricsBatches(t *testing.T) {
	pool := &stubPool{}
	repo := NewAnalystRepository(pool, testTracer)

	acc := 0.75
	rows := []domain.AnalystPerformanceMetrics{
		{Analyst: "technical", Fork: domain.ForkUser, Date: time.Now(), SoloPnL: 10, Rank: 1, TotalAnalysts: 2, DissentAccuracy: &acc},
		{Analyst: "macro", Fork: domain.ForkUser, Date: time.Now(), SoloPnL: -3, Rank: 2, TotalAnalysts: 2},
	}
	if err := repo.UpsertAnalystMetrics(context.Background(), rows); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pool.queuedBatch.Len() != 2 || pool.batchResults.execCalls != 2 {
		t.Fatalf("expected 2 queued upserts, got %d/%d", pool.queuedBatch.Len(), pool.batchResults.execCalls)
	}
	if err := repo.UpsertAnalystMetrics(context.Background(), nil); err != nil {
		t.Fatalf("empty upsert should be a no-op: %v", err)
	}
}

func TestAnalystListMetrics(t *testing.T) {
	day := time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)
	pool := &stubPool{rowsData: [][]any{
		{"technical", "agent", day, 10.0, 4.0, 0.5, 2, 1, 2},
		{"macro", "agent", day, -3.0, -1.0, nil, 0, 2, 2},
	}}
	repo := NewAnalystRepository(pool, testTracer)

	out, err := repo.ListAnalystMetrics(context.Background(), domain.ForkAgent, day)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 || out[0].Fork != domain.ForkAgent || out[0].DissentAccuracy == nil || out[1].DissentAccuracy != nil {
		t.Fatalf("unexpected metrics %+v", out)
	}
}

func TestLearningRepositoryInsightsAndMissedOpportunities(t *testing.T) {
	ts := time.Date(2025, 3, 6, 0, 0, 0, 0, time.UTC)
	pool := &stubPool{rowsData: [][]any{{"i-1", "agent-1", "c-1", "watch guidance", false, nil, ts}}}
	repo := NewLearningRepository(pool, testTracer)

	in, err := repo.InsertInsight(context.Background(), domain.AgentInsight{AgentID: "agent-1", Insight: "watch guidance"})
	if err != nil || in.ID == "" {
		t.Fatalf("unexpected insert %+v %v", in, err)
	}
	insights, err := repo.ListUnappliedInsights(context.Background(), "agent-1")
	if err != nil || len(insights) != 1 || insights[0].Insight != "watch guidance" {
		t.Fatalf("unexpected insights %+v %v", insights, err)
	}
	if err := repo.MarkInsightApplied(context.Background(), "i-1", ts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pool.rowsData = [][]any{{"m-1", "agent-1", "NVDA", 12.5, "do not fade breakouts", false, nil, ts}}
	missed, err := repo.ListUnappliedMissedOpportunities(context.Background(), "agent-1")
	if err != nil || len(missed) != 1 || missed[0].MovePct != 12.5 {
		t.Fatalf("unexpected missed opportunities %+v %v", missed, err)
	}
	if err := repo.MarkMissedOpportunityApplied(context.Background(), "m-1", ts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, sql := range pool.execSQL[1:] {
		if !strings.Contains(sql, "COALESCE(applied_at, $2)") {
			t.Fatalf("expected idempotent mark, got %q", sql)
		}
	}
}
