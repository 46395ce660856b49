package handler

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"forecastloop/internal/agentctx"
	"forecastloop/internal/domain"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

type createAgentRequest struct {
	Name    string          `json:"name" binding:"required"`
	Context json.RawMessage `json:"context"`
}

// CreateAgent godoc
// @Summary      Create an agent
// @Description  Registers an agent with an optional initial context document
// @Tags         agents
// @Accept       json
// @Produce      json
// @Success      201  {object}  domain.Agent
// @Failure      400  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/agents [post]
func (h *Handler) CreateAgent(c *gin.Context) {
	if h.agents == nil {
		unavailable(c, "agent store")
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "handler.create-agent")
	defer span.End()

	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Context) > 0 {
		if _, _, err := agentctx.ParseContextSections(req.Context); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid context: " + err.Error()})
			return
		}
	}

	agent, err := h.agents.CreateAgent(ctx, domain.Agent{Name: strings.TrimSpace(req.Name), Context: req.Context})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

// GetAgentContext godoc
// @Summary      Get an agent's context sections
// @Tags         agents
// @Produce      json
// @Param        id  path  string  true  "Agent ID"
// @Success      200  {object}  map[string]interface{}
// @Failure      404  {object}  map[string]string
// @Router       /api/agents/{id}/context [get]
func (h *Handler) GetAgentContext(c *gin.Context) {
	if h.agents == nil {
		unavailable(c, "agent store")
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-agent-context")
	defer span.End()

	id := strings.TrimSpace(c.Param("id"))
	span.SetAttributes(attribute.String("agent.id", id))

	agent, err := h.agents.GetAgent(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	if agent == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	sections, runnerConfig, err := agentctx.ParseContextSections(agent.Context)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"agent_id":      agent.ID,
		"version":       agent.ContextVersion,
		"sections":      sections,
		"runner_config": runnerConfig,
	})
}

// ApplyContextUpdate godoc
// @Summary      Apply one context update
// @Description  Appends to, replaces, or removes from a context section
// @Tags         agents
// @Accept       json
// @Produce      json
// @Param        id  path  string  true  "Agent ID"
// @Success      200  {object}  agentctx.UpdateResult
// @Failure      422  {object}  agentctx.UpdateResult
// @Router       /api/agents/{id}/context/updates [post]
func (h *Handler) ApplyContextUpdate(c *gin.Context) {
	if h.contexts == nil {
		unavailable(c, "context mutator")
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "handler.apply-context-update")
	defer span.End()

	var update domain.ContextUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if update.SourceType == "" {
		update.SourceType = domain.SourceManual
	}

	res := h.contexts.ApplyUpdate(ctx, strings.TrimSpace(c.Param("id")), update)
	if !res.Success {
		c.JSON(http.StatusUnprocessableEntity, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ApplyLearnings godoc
// @Summary      Apply all pending learnings
// @Description  Installs every unapplied postmortem, missed opportunity and insight into the agent context
// @Tags         agents
// @Produce      json
// @Param        id  path  string  true  "Agent ID"
// @Success      200  {object}  agentctx.BulkResult
// @Router       /api/agents/{id}/learnings/apply [post]
func (h *Handler) ApplyLearnings(c *gin.Context) {
	if h.contexts == nil {
		unavailable(c, "context mutator")
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "handler.apply-learnings")
	defer span.End()

	c.JSON(http.StatusOK, h.contexts.ApplyAllUnappliedLearnings(ctx, strings.TrimSpace(c.Param("id"))))
}

type missedOpportunityRequest struct {
	Instrument string     `json:"instrument" binding:"required"`
	MovePct    float64    `json:"move_pct"`
	Lesson     string     `json:"lesson" binding:"required"`
	DetectedAt *time.Time `json:"detected_at"`
}

// RecordMissedOpportunity godoc
// @Summary      Record a missed opportunity
// @Description  Stores a move the agent did not act on; it is installed by the next learnings apply
// @Tags         agents
// @Accept       json
// @Produce      json
// @Param        id  path  string  true  "Agent ID"
// @Success      201  {object}  domain.MissedOpportunity
// @Failure      400  {object}  map[string]string
// @Router       /api/agents/{id}/missed-opportunities [post]
func (h *Handler) RecordMissedOpportunity(c *gin.Context) {
	if h.missed == nil {
		unavailable(c, "learning store")
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "handler.record-missed-opportunity")
	defer span.End()

	var req missedOpportunityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m := domain.MissedOpportunity{
		AgentID:    strings.TrimSpace(c.Param("id")),
		Instrument: strings.TrimSpace(req.Instrument),
		MovePct:    req.MovePct,
		Lesson:     strings.TrimSpace(req.Lesson),
	}
	if req.DetectedAt != nil {
		m.DetectedAt = req.DetectedAt.UTC()
	}

	stored, err := h.missed.InsertMissedOpportunity(ctx, m)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}
