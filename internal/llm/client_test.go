package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openai/openai-go/option"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/trace"
)

func TestOpenAIClientReturnsFirstChoice(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel, _ = body["model"].(string)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"m",` +
			`"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"hello"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(trace.NewNoopTracerProvider().Tracer("test"), "key", "test-model", time.Second,
		option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))

	got, err := c.GenerateResponse(context.Background(), "system", "user", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
	if gotModel != "test-model" {
		t.Fatalf("expected model test-model, got %q", gotModel)
	}
}

func TestOpenAIClientEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"m","choices":[]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(trace.NewNoopTracerProvider().Tracer("test"), "key", "", 0,
		option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))
	if _, err := c.GenerateResponse(context.Background(), "s", "u", Options{}); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	next := &failingClient{err: errors.New("upstream 500")}
	b := NewBreakerClient("test", next, nil)

	for i := 0; i < 3; i++ {
		if _, err := b.GenerateResponse(context.Background(), "s", "u", Options{}); err == nil {
			t.Fatal("expected failure")
		}
	}
	if b.State() != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", b.State())
	}
	_, err := b.GenerateResponse(context.Background(), "s", "u", Options{})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open state error, got %v", err)
	}
	if next.calls != 3 {
		t.Fatalf("expected backend to be skipped while open, got %d calls", next.calls)
	}
}

type failingClient struct {
	err   error
	calls int
}

func (f *failingClient) GenerateResponse(context.Context, string, string, Options) (string, error) {
	f.calls++
	return "", f.err
}
