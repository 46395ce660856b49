package runner

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"forecastloop/internal/domain"
	"forecastloop/internal/triage"

	"go.opentelemetry.io/otel/trace"
)

type nopRunner struct{}

func (nopRunner) Run(context.Context, domain.Agent, domain.RunnerConfig) (*Report, error) {
	return &Report{}, nil
}

func TestRegistryRejectsDuplicatesAndKeepsOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []Type{"pipeline", "backtest", "paper"} {
		if err := r.Register(name, nopRunner{}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	if err := r.Register("backtest", nopRunner{}); !errors.Is(err, ErrDuplicateRunner) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if got := r.List(); !reflect.DeepEqual(got, []Type{"pipeline", "backtest", "paper"}) {
		t.Fatalf("unexpected order %v", got)
	}
	if err := r.Register("", nopRunner{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFactoryValidationOrder(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(TypePipeline, nopRunner{})
	f := NewFactory(r)

	cases := []struct {
		name    string
		context string
		want    string
	}{
		{"no config", `{"learnings":[]}`, "missing runner config"},
		{"no type", `{"runnerConfig":{"instruments":[]}}`, "missing runnerType"},
		{"no instruments", `{"runnerConfig":{"runnerType":"pipeline"}}`, "no instruments"},
		{"no risk profile", `{"runnerConfig":{"runnerType":"pipeline","instruments":["AAPL"]}}`, "missing riskProfile"},
	}
	for _, tc := range cases {
		_, _, err := f.ForAgent(domain.Agent{ID: "agent-1", Context: json.RawMessage(tc.context)})
		if !errors.Is(err, domain.ErrValidation) || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected %q validation error, got %v", tc.name, tc.want, err)
		}
	}

	_, _, err := f.ForAgent(domain.Agent{ID: "agent-1", Context: json.RawMessage(
		`{"runnerConfig":{"runnerType":"quantum","instruments":["AAPL"],"riskProfile":"low"}}`)})
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.RunnerType != "quantum" || !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}

	rn, cfg, err := f.ForAgent(domain.Agent{ID: "agent-1", Context: json.RawMessage(
		`{"runnerConfig":{"runnerType":"pipeline","instruments":["AAPL"],"riskProfile":"low"}}`)})
	if err != nil || rn == nil || cfg.RiskProfile != "low" {
		t.Fatalf("expected resolved runner, got %v %+v %v", rn, cfg, err)
	}
}

func TestPipelineRunnerIsolatesSignalFailures(t *testing.T) {
	signals := &stubSignals{
		targets: map[string]*domain.Target{"AAPL": {ID: "t-1", Symbol: "AAPL"}},
		pending: map[string][]domain.Signal{"t-1": {{ID: "ok"}, {ID: "bad"}, {ID: "weak"}}},
	}
	tri := &stubTriager{}
	expirer := &stubExpirer{n: 2}
	p := NewPipelineRunner(trace.NewNoopTracerProvider().Tracer("test"), expirer, signals, tri, nil)

	report, err := p.Run(context.Background(), domain.Agent{ID: "agent-1"},
		domain.RunnerConfig{Instruments: []string{"AAPL", "UNKNOWN"}, Domain: "equities"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Report{AgentID: "agent-1", Expired: 2, Processed: 3, Accepted: 1, Failed: 1}
	if *report != want {
		t.Fatalf("unexpected report %+v", *report)
	}
	if tri.lastTarget.Domain != domain.DomainEquities {
		t.Fatalf("expected config domain applied to target, got %q", tri.lastTarget.Domain)
	}
}

type stubExpirer struct{ n int64 }

func (s *stubExpirer) ExpireStale(context.Context, time.Time) (int64, error) { return s.n, nil }

type stubSignals struct {
	targets map[string]*domain.Target
	pending map[string][]domain.Signal
}

func (s *stubSignals) GetTargetBySymbol(_ context.Context, symbol string) (*domain.Target, error) {
	return s.targets[symbol], nil
}

func (s *stubSignals) ListPendingSignals(_ context.Context, targetID string, _ int) ([]domain.Signal, error) {
	return s.pending[targetID], nil
}

type stubTriager struct{ lastTarget domain.Target }

func (s *stubTriager) ProcessSignal(_ context.Context, sig domain.Signal, target domain.Target) (*triage.Result, error) {
	s.lastTarget = target
	switch sig.ID {
	case "bad":
		return nil, errors.New("store down")
	case "ok":
		return &triage.Result{Accepted: true}, nil
	default:
		return &triage.Result{}, nil
	}
}
