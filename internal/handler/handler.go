package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"forecastloop/internal/agentctx"
	"forecastloop/internal/analyst"
	"forecastloop/internal/domain"
	"forecastloop/internal/learning"
	"forecastloop/internal/review"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
)

type AgentStore interface {
	CreateAgent(ctx context.Context, a domain.Agent) (*domain.Agent, error)
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
}

type SignalStore interface {
	UpsertTarget(ctx context.Context, t domain.Target) (*domain.Target, error)
	GetTargetBySymbol(ctx context.Context, symbol string) (*domain.Target, error)
	InsertSignals(ctx context.Context, signals []domain.Signal) ([]domain.Signal, error)
}

type ContextService interface {
	ApplyUpdate(ctx context.Context, agentID string, update domain.ContextUpdate) agentctx.UpdateResult
	ApplyAllUnappliedLearnings(ctx context.Context, agentID string) agentctx.BulkResult
}

type ConversationService interface {
	Start(ctx context.Context, agentID, userID, focusType, focusRef string) (*domain.LearningConversation, error)
	ProcessMessage(ctx context.Context, conversationID, message string) (*learning.MessageResult, error)
	ApplySuggestedUpdate(ctx context.Context, conversationID string, update domain.ContextUpdate) (*agentctx.UpdateResult, error)
	Complete(ctx context.Context, conversationID string) (*domain.LearningConversation, error)
	Abandon(ctx context.Context, conversationID string) (*domain.LearningConversation, error)
	Get(ctx context.Context, conversationID string) (*domain.LearningConversation, error)
}

type Reviewer interface {
	Record(ctx context.Context, rec domain.Recommendation, analyses []domain.SpecialistAnalysis, predictorIDs []string) (*domain.Recommendation, error)
	Review(ctx context.Context, recommendationID string, in review.Input) (*review.Result, error)
}

type AnalystService interface {
	RecordEnsembleOutcome(
		ctx context.Context,
		fork domain.Fork,
		date time.Time,
		result domain.EnsembleResult,
		ensemblePnl decimal.Decimal,
		actualDirection string,
	) (*analyst.RecordSummary, error)
	Rankings(ctx context.Context, fork domain.Fork, date time.Time) ([]domain.AnalystPerformanceMetrics, error)
	CompareForks(ctx context.Context, date time.Time) ([]analyst.ForkComparison, error)
}

type PositionBook interface {
	RecordSoloPosition(ctx context.Context, fork domain.Fork, analyst, instrument string, pnl decimal.Decimal, closedAt time.Time) error
}

type MissedOpportunityRecorder interface {
	InsertMissedOpportunity(ctx context.Context, m domain.MissedOpportunity) (*domain.MissedOpportunity, error)
}

// Services are the collaborators behind the HTTP surface. A nil entry disables its routes
// with 503.
type Services struct {
	Agents        AgentStore
	Signals       SignalStore
	Contexts      ContextService
	Conversations ConversationService
	Reviews       Reviewer
	Analysts      AnalystService
	Positions     PositionBook
	Missed        MissedOpportunityRecorder
}

type Handler struct {
	tracer        trace.Tracer
	agents        AgentStore
	signals       SignalStore
	contexts      ContextService
	conversations ConversationService
	reviews       Reviewer
	analysts      AnalystService
	positions     PositionBook
	missed        MissedOpportunityRecorder
}

func New(tracer trace.Tracer, svc Services) *Handler {
	return &Handler{
		tracer:        tracer,
		agents:        svc.Agents,
		signals:       svc.Signals,
		contexts:      svc.Contexts,
		conversations: svc.Conversations,
		reviews:       svc.Reviews,
		analysts:      svc.Analysts,
		positions:     svc.Positions,
		missed:        svc.Missed,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	api := r.Group("/api")
	api.POST("/agents", h.CreateAgent)
	api.GET("/agents/:id/context", h.GetAgentContext)
	api.POST("/agents/:id/context/updates", h.ApplyContextUpdate)
	api.POST("/agents/:id/learnings/apply", h.ApplyLearnings)
	api.POST("/agents/:id/missed-opportunities", h.RecordMissedOpportunity)

	api.POST("/targets", h.UpsertTarget)
	api.POST("/signals", h.IngestSignals)

	api.POST("/conversations", h.StartConversation)
	api.GET("/conversations/:id", h.GetConversation)
	api.POST("/conversations/:id/messages", h.SendMessage)
	api.POST("/conversations/:id/updates", h.ApplyConversationUpdate)
	api.POST("/conversations/:id/complete", h.CompleteConversation)
	api.POST("/conversations/:id/abandon", h.AbandonConversation)

	api.POST("/recommendations", h.RecordRecommendation)
	api.POST("/recommendations/:id/review", h.ReviewRecommendation)

	api.GET("/analysts/rankings", h.GetAnalystRankings)
	api.GET("/analysts/compare", h.CompareForks)
	api.POST("/analysts/ensemble-outcomes", h.RecordEnsembleOutcome)
	api.POST("/analysts/positions", h.RecordSoloPosition)
}

// Health godoc
// @Summary      Liveness check
// @Tags         health
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health [get]
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrVersionConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}

func unavailable(c *gin.Context, name string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": name + " unavailable"})
}
