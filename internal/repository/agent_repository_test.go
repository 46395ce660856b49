package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"forecastloop/internal/domain"
)

func TestAgentUpdateContextIsVersioned(t *testing.T) {
	pool := &stubPool{execTags: []string{"UPDATE 1", "UPDATE 0"}}
	repo := NewAgentRepository(pool, testTracer)

	doc := json.RawMessage(`{"learnings":["a"]}`)
	ok, err := repo.UpdateAgentContext(context.Background(), "agent-1", doc, 3)
	if err != nil || !ok {
		t.Fatalf("expected write, got %v %v", ok, err)
	}
	ok, err = repo.UpdateAgentContext(context.Background(), "agent-1", doc, 3)
	if err != nil || ok {
		t.Fatalf("expected stale version to be refused, got %v %v", ok, err)
	}
	if !strings.Contains(pool.execSQL[0], "context_version = $3") || pool.execArgs[0][2] != int64(3) {
		t.Fatalf("expected version guard, got %q %v", pool.execSQL[0], pool.execArgs[0])
	}
}

func TestAgentGetAndList(t *testing.T) {
	ts := time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)
	row := []any{"agent-1", "momentum", []byte(`{"runnerConfig":{"runnerType":"pipeline"}}`), int64(7), ts}
	pool := &stubPool{rowQueue: [][]any{row}, rowsData: [][]any{row}}
	repo := NewAgentRepository(pool, testTracer)

	a, err := repo.GetAgent(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.ContextVersion != 7 || !strings.Contains(string(a.Context), "pipeline") {
		t.Fatalf("unexpected agent %+v", a)
	}

	agents, err := repo.ListAgents(context.Background())
	if err != nil || len(agents) != 1 || agents[0].Name != "momentum" {
		t.Fatalf("unexpected agents %+v %v", agents, err)
	}

	missing, err := repo.GetAgent(context.Background(), "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil agent, got %+v %v", missing, err)
	}
}

func TestAgentCreateDefaultsEmptyContext(t *testing.T) {
	pool := &stubPool{}
	repo := NewAgentRepository(pool, testTracer)

	a, err := repo.CreateAgent(context.Background(), domain.Agent{Name: "contrarian"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.ID == "" || string(a.Context) != "{}" {
		t.Fatalf("unexpected agent %+v", a)
	}

	pool.execErr = errors.New("unique violation")
	if _, err := repo.CreateAgent(context.Background(), domain.Agent{Name: "dup"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestConversationInsertAndGet(t *testing.T) {
	pool := &stubPool{}
	repo := NewConversationRepository(pool, testTracer)

	conv, err := repo.InsertConversation(context.Background(), domain.LearningConversation{
		AgentID: "agent-1",
		UserID:  "user-1",
		Status:  domain.ConversationActive,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conv.ID == "" || conv.UpdatedAt != conv.CreatedAt {
		t.Fatalf("unexpected conversation %+v", conv)
	}
	if string(pool.execArgs[0][6].([]byte)) != "[]" {
		t.Fatalf("expected empty transcript, got %s", pool.execArgs[0][6])
	}

	ts := time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)
	pool.rowQueue = [][]any{{
		conv.ID, "agent-1", "user-1", "completed", "instrument", "AAPL",
		[]byte(`[{"role":"user","content":"why did we miss?","created_at":"2025-03-04T10:00:00Z"}]`),
		[]byte(`["earnings gaps"]`),
		[]byte(`[{"update":{"section":"lessons","update_type":"append","content":"x"},"success":true,"applied_at":"2025-03-04T10:01:00Z"}]`),
		ts, ts, ts, 3,
	}}
	got, err := repo.GetConversation(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != domain.ConversationCompleted || got.CompletedAt == nil || got.Version != 3 {
		t.Fatalf("unexpected status %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != domain.RoleUser {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
	if len(got.ExtractedInsights) != 1 || len(got.AppliedUpdates) != 1 || !got.AppliedUpdates[0].Success {
		t.Fatalf("unexpected learning columns %+v", got)
	}
}

func TestConversationUpdateRefusesTerminal(t *testing.T) {
	pool := &stubPool{execTags: []string{"UPDATE 0"}, rowQueue: [][]any{{"completed"}}}
	repo := NewConversationRepository(pool, testTracer)

	err := repo.UpdateConversation(context.Background(), domain.LearningConversation{ID: "c-1", Status: domain.ConversationCompleted})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestConversationUpdateGuardsVersion(t *testing.T) {
	pool := &stubPool{execTags: []string{"UPDATE 1"}}
	repo := NewConversationRepository(pool, testTracer)

	conv := domain.LearningConversation{ID: "c-1", Status: domain.ConversationActive, Version: 4}
	if err := repo.UpdateConversation(context.Background(), conv); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(pool.execSQL[0], "version = $8") || !strings.Contains(pool.execSQL[0], "version = version + 1") {
		t.Fatalf("expected version guard, got %s", pool.execSQL[0])
	}
	if pool.execArgs[0][7] != 4 {
		t.Fatalf("expected expected-version arg 4, got %v", pool.execArgs[0][7])
	}
}

func TestConversationUpdateReportsStaleVersion(t *testing.T) {
	pool := &stubPool{execTags: []string{"UPDATE 0"}, rowQueue: [][]any{{"active"}}}
	repo := NewConversationRepository(pool, testTracer)

	err := repo.UpdateConversation(context.Background(), domain.LearningConversation{ID: "c-1", Status: domain.ConversationActive, Version: 1})
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}
