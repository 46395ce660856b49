package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"forecastloop/internal/domain"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserversIncrementCounters(t *testing.T) {
	m := New()

	m.ObserveTriage(true, domain.UrgencyUrgent)
	m.ObserveTriage(true, domain.UrgencyUrgent)
	m.ObserveTriage(false, domain.UrgencyRoutine)
	m.ObserveEnsembleFailure()
	m.ObserveOutcome(domain.OutcomeCorrect)
	m.ObservePostmortemFallback()
	m.ObserveContextUpdate("", false)
	m.ObserveRunner("pipeline", 1.5, errors.New("boom"))

	if got := testutil.ToFloat64(m.SignalsTriaged.WithLabelValues("true", "urgent")); got != 2 {
		t.Fatalf("expected 2 accepted urgent signals, got %v", got)
	}
	if got := testutil.ToFloat64(m.EnsembleFailures); got != 1 {
		t.Fatalf("expected 1 ensemble failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.ContextUpdates.WithLabelValues(domain.SourceManual, "failed")); got != 1 {
		t.Fatalf("expected manual failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.RunnerRuns.WithLabelValues("pipeline", "error")); got != 1 {
		t.Fatalf("expected runner error, got %v", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.ObserveOutcome(domain.OutcomeIncorrect)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, `forecastloop_outcomes_total{outcome="incorrect"} 1`) {
		t.Fatalf("expected outcome counter in exposition, got:\n%s", body)
	}
}
