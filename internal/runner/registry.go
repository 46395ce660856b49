// Package runner maps an agent's configured runner type onto the implementation that drives it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"forecastloop/internal/agentctx"
	"forecastloop/internal/domain"
)

type Type string

const TypePipeline Type = "pipeline"

type Report struct {
	AgentID   string `json:"agent_id"`
	Expired   int64  `json:"expired"`
	Processed int    `json:"processed"`
	Accepted  int    `json:"accepted"`
	Failed    int    `json:"failed"`
}

type Runner interface {
	Run(ctx context.Context, agent domain.Agent, cfg domain.RunnerConfig) (*Report, error)
}

var ErrDuplicateRunner = errors.New("runner type already registered")

// NotFoundError is returned when an agent names a runner type nobody registered.
type NotFoundError struct {
	RunnerType Type
	AgentID    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("runner type %q not registered (agent %s)", e.RunnerType, e.AgentID)
}

func (e *NotFoundError) Unwrap() error { return domain.ErrNotFound }

// Registry is built once at startup and passed to whoever needs it.
type Registry struct {
	mu      sync.RWMutex
	order   []Type
	runners map[Type]Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[Type]Runner)}
}

func (r *Registry) Register(t Type, rn Runner) error {
	if strings.TrimSpace(string(t)) == "" || rn == nil {
		return domain.Invalid("runner type and implementation are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runners[t]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRunner, t)
	}
	r.runners[t] = rn
	r.order = append(r.order, t)
	return nil
}

func (r *Registry) Lookup(t Type) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.runners[t]
	return rn, ok
}

// List returns registered types in registration order.
func (r *Registry) List() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Type(nil), r.order...)
}

type Factory struct {
	registry *Registry
}

func NewFactory(registry *Registry) *Factory {
	return &Factory{registry: registry}
}

// ForAgent resolves the runner for an agent from its stored context. Checks run in a fixed
// order: config present, runner type, instruments, risk profile, then registry lookup.
func (f *Factory) ForAgent(agent domain.Agent) (Runner, *domain.RunnerConfig, error) {
	cfg, err := agentctx.RunnerConfigOf(agent.Context)
	if err != nil {
		return nil, nil, domain.NewOpError("parse-context", "agent", agent.ID, err)
	}
	if cfg == nil {
		return nil, nil, domain.NewOpError("resolve-runner", "agent", agent.ID, domain.Invalid("missing runner config"))
	}
	if strings.TrimSpace(cfg.RunnerType) == "" {
		return nil, nil, domain.NewOpError("resolve-runner", "agent", agent.ID, domain.Invalid("runner config is missing runnerType"))
	}
	if len(cfg.Instruments) == 0 {
		return nil, nil, domain.NewOpError("resolve-runner", "agent", agent.ID, domain.Invalid("runner config has no instruments"))
	}
	if strings.TrimSpace(cfg.RiskProfile) == "" {
		return nil, nil, domain.NewOpError("resolve-runner", "agent", agent.ID, domain.Invalid("runner config is missing riskProfile"))
	}
	rn, ok := f.registry.Lookup(Type(cfg.RunnerType))
	if !ok {
		return nil, nil, &NotFoundError{RunnerType: Type(cfg.RunnerType), AgentID: agent.ID}
	}
	return rn, cfg, nil
}
