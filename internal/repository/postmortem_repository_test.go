package repository

import (
	"context"
	"strings"
	"testing"
	"time"

	"forecastloop/internal/domain"
)

func postmortemRow(id string, rootCause any) []any {
	ts := time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)
	return []any{
		id, "agent-1", "rec-1", "o-1", "AAPL", "equities",
		[]byte(`["technical: bullish conclusion correct"]`), []byte(`[]`),
		rootCause, []byte(`{"technical":{"conclusion":"bullish","wasCorrect":true,"confidenceWasCalibrated":true}}`),
		[]byte(`["respect momentum"]`), []byte(`[]`), []byte(`["size smaller into earnings"]`),
		0.85, 1.0, 0.15, false, nil, ts,
	}
}

func TestPostmortemInsertEncodesEmptyLists(t *testing.T) {
	pool := &stubPool{}
	repo := NewPostmortemRepository(pool, testTracer)

	p, err := repo.InsertPostmortem(context.Background(), domain.PostmortemAnalysis{
		AgentID:          "agent-1",
		RecommendationID: "rec-1",
		Instrument:       "AAPL",
		WhatWorked:       []string{"timing"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID == "" {
		t.Fatal("expected generated id")
	}
	args := pool.execArgs[0]
	if string(args[6].([]byte)) != `["timing"]` || string(args[7].([]byte)) != "[]" {
		t.Fatalf("unexpected list encoding %s %s", args[6], args[7])
	}
	if string(args[9].([]byte)) != "{}" {
		t.Fatalf("expected empty accuracy object, got %s", args[9])
	}
}

func TestPostmortemListUnappliedDecodes(t *testing.T) {
	pool := &stubPool{rowsData: [][]any{postmortemRow("pm-1", "entered before the catalyst")}}
	repo := NewPostmortemRepository(pool, testTracer)

	out, err := repo.ListUnappliedPostmortems(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 postmortem, got %d", len(out))
	}
	p := out[0]
	if p.RootCause == nil || *p.RootCause != "entered before the catalyst" {
		t.Fatalf("unexpected root cause %v", p.RootCause)
	}
	if !p.SpecialistAccuracy["technical"].WasCorrect || len(p.KeyLearnings) != 1 || len(p.WhatFailed) != 0 {
		t.Fatalf("unexpected postmortem %+v", p)
	}
	if p.Domain != domain.DomainEquities {
		t.Fatalf("unexpected domain %q", p.Domain)
	}
}

func TestPostmortemMarkAppliedKeepsFirstTimestamp(t *testing.T) {
	pool := &stubPool{}
	repo := NewPostmortemRepository(pool, testTracer)

	if err := repo.MarkPostmortemApplied(context.Background(), "pm-1", time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(pool.execSQL[0], "COALESCE(applied_at, $2)") {
		t.Fatalf("expected idempotent update, got %q", pool.execSQL[0])
	}
}

func TestPostmortemListRecentWithoutInstrument(t *testing.T) {
	pool := &stubPool{rowsData: [][]any{postmortemRow("pm-1", nil), postmortemRow("pm-2", nil)}}
	repo := NewPostmortemRepository(pool, testTracer)

	out, err := repo.ListRecentPostmortems(context.Background(), "agent-1", "", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 || out[0].RootCause != nil {
		t.Fatalf("unexpected postmortems %+v", out)
	}
	if strings.Contains(pool.querySQL[0], "instrument =") {
		t.Fatalf("did not expect instrument filter in %q", pool.querySQL[0])
	}
}

func TestPostmortemInsertReturnsExistingForOutcome(t *testing.T) {
	pool := &stubPool{execTags: []string{"INSERT 0 0"}, rowQueue: [][]any{postmortemRow("pm-1", nil)}}
	repo := NewPostmortemRepository(pool, testTracer)

	p, err := repo.InsertPostmortem(context.Background(), domain.PostmortemAnalysis{
		AgentID:          "agent-1",
		RecommendationID: "rec-1",
		OutcomeID:        "o-1",
		Instrument:       "AAPL",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ID != "pm-1" {
		t.Fatalf("expected the stored postmortem, got %s", p.ID)
	}
	if !strings.Contains(pool.execSQL[0], "ON CONFLICT (outcome_id)") {
		t.Fatalf("expected insert guarded by outcome, got %s", pool.execSQL[0])
	}
	if len(pool.rowArgs) != 1 || pool.rowArgs[0][0] != "o-1" {
		t.Fatalf("expected lookup by outcome, got %v", pool.rowArgs)
	}
}

func TestPostmortemMigrationsEnforceOnePerOutcome(t *testing.T) {
	pool := &stubPool{}
	if err := NewPostmortemRepository(pool, testTracer).RunMigrations(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, stmt := range pool.execSQL {
		if strings.Contains(stmt, "UNIQUE INDEX") && strings.Contains(stmt, "(outcome_id)") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a unique index on outcome_id")
	}
}
