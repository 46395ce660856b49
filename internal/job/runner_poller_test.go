package job

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"forecastloop/internal/domain"
	"forecastloop/internal/runner"

	"go.opentelemetry.io/otel/trace"
)

func TestRunnerPollerRunsConfiguredAgents(t *testing.T) {
	reg := runner.NewRegistry()
	rn := &stubRunner{fail: map[string]bool{"agent-3": true}}
	if err := reg.Register(runner.TypePipeline, rn); err != nil {
		t.Fatalf("register: %v", err)
	}

	cfg := `{"runnerConfig":{"runnerType":"pipeline","instruments":["AAPL"],"riskProfile":"moderate"}}`
	agents := &stubAgents{agents: []domain.Agent{
		{ID: "agent-1", Context: json.RawMessage(cfg)},
		{ID: "agent-2", Context: json.RawMessage(`{"learnings":[]}`)},
		{ID: "agent-3", Context: json.RawMessage(cfg)},
		{ID: "agent-4", Context: json.RawMessage(`{"runnerConfig":{"runnerType":"paper","instruments":["X"],"riskProfile":"low"}}`)},
	}}
	m := &stubRunnerMetrics{}
	p := NewRunnerPoller(trace.NewNoopTracerProvider().Tracer("test"), agents, runner.NewFactory(reg), 0, nil).WithMetrics(m)

	reports := p.RunCycle(context.Background())
	if len(reports) != 1 || reports[0].AgentID != "agent-1" {
		t.Fatalf("expected only agent-1 to complete, got %+v", reports)
	}

	ran := rn.ranAgents()
	if len(ran) != 2 || ran[0] != "agent-1" || ran[1] != "agent-3" {
		t.Fatalf("expected agent-1 and agent-3 to run, got %v", ran)
	}
	if m.ok != 1 || m.failed != 1 {
		t.Fatalf("expected 1 ok and 1 failed run, got %d/%d", m.ok, m.failed)
	}
	if p.interval != defaultRunnerInterval {
		t.Fatalf("expected default interval, got %v", p.interval)
	}
}

func TestRunnerPollerListFailure(t *testing.T) {
	p := NewRunnerPoller(trace.NewNoopTracerProvider().Tracer("test"),
		&stubAgents{err: errors.New("db down")}, runner.NewFactory(runner.NewRegistry()), 1, nil)

	if reports := p.RunCycle(context.Background()); reports != nil {
		t.Fatalf("expected no reports, got %+v", reports)
	}
}

type stubAgents struct {
	agents []domain.Agent
	err    error
}

func (s *stubAgents) ListAgents(context.Context) ([]domain.Agent, error) { return s.agents, s.err }

type stubRunner struct {
	mu   sync.Mutex
	ran  []string
	fail map[string]bool
}

func (s *stubRunner) Run(_ context.Context, agent domain.Agent, _ domain.RunnerConfig) (*runner.Report, error) {
	s.mu.Lock()
	s.ran = append(s.ran, agent.ID)
	s.mu.Unlock()
	if s.fail[agent.ID] {
		return nil, errors.New("triage backend down")
	}
	return &runner.Report{AgentID: agent.ID, Processed: 1}, nil
}

func (s *stubRunner) ranAgents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.ran...)
	sort.Strings(out)
	return out
}

type stubRunnerMetrics struct {
	mu     sync.Mutex
	ok     int
	failed int
}

func (s *stubRunnerMetrics) ObserveRunner(_ string, _ float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failed++
		return
	}
	s.ok++
}

func TestAnalystRollupRunsBothForks(t *testing.T) {
	stub := &stubRollup{fail: domain.ForkUser}
	j := NewAnalystRollup(trace.NewNoopTracerProvider().Tracer("test"), stub, "5 0 * * *", nil)

	day := time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC)
	out := j.RunForDay(context.Background(), day)

	if len(stub.forks) != 2 || stub.forks[0] != domain.ForkUser || stub.forks[1] != domain.ForkAgent {
		t.Fatalf("expected both forks, got %v", stub.forks)
	}
	if _, ok := out[domain.ForkUser]; ok {
		t.Fatal("failed fork should be absent from results")
	}
	if len(out[domain.ForkAgent]) != 1 {
		t.Fatalf("unexpected agent fork rows %+v", out[domain.ForkAgent])
	}
}

func TestAnalystRollupStartRejectsBadSpec(t *testing.T) {
	j := NewAnalystRollup(trace.NewNoopTracerProvider().Tracer("test"), &stubRollup{}, "not a cron", nil)
	if err := j.Start(context.Background()); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestAnalystRollupStartStopsOnCancel(t *testing.T) {
	j := NewAnalystRollup(trace.NewNoopTracerProvider().Tracer("test"), &stubRollup{}, "5 0 * * *", nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rollup job did not stop")
	}
}

type stubRollup struct {
	forks []domain.Fork
	fail  domain.Fork
}

func (s *stubRollup) RunDailyRollup(_ context.Context, fork domain.Fork, date time.Time, _ []string) ([]domain.AnalystPerformanceMetrics, error) {
	s.forks = append(s.forks, fork)
	if fork == s.fail {
		return nil, errors.New("buffer unavailable")
	}
	return []domain.AnalystPerformanceMetrics{{Analyst: "technical", Fork: fork, Date: date, Rank: 1}}, nil
}
