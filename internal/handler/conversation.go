package handler

import (
	"net/http"
	"strings"

	"forecastloop/internal/domain"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

type startConversationRequest struct {
	AgentID        string `json:"agent_id" binding:"required"`
	UserID         string `json:"user_id"`
	FocusType      string `json:"focus_type"`
	FocusReference string `json:"focus_reference"`
}

type messageRequest struct {
	Message string `json:"message" binding:"required"`
}

// StartConversation godoc
// @Summary      Start a learning conversation
// @Tags         conversations
// @Accept       json
// @Produce      json
// @Success      201  {object}  domain.LearningConversation
// @Failure      400  {object}  map[string]string
// @Router       /api/conversations [post]
func (h *Handler) StartConversation(c *gin.Context) {
	if h.conversations == nil {
		unavailable(c, "learning service")
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "handler.start-conversation")
	defer span.End()

	var req startConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conv, err := h.conversations.Start(ctx, strings.TrimSpace(req.AgentID), req.UserID, req.FocusType, req.FocusReference)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// GetConversation godoc
// @Summary      Get a learning conversation
// @Tags         conversations
// @Produce      json
// @Param        id  path  string  true  "Conversation ID"
// @Success      200  {object}  domain.LearningConversation
// @Failure      404  {object}  map[string]string
// @Router       /api/conversations/{id} [get]
func (h *Handler) GetConversation(c *gin.Context) {
	if h.conversations == nil {
		unavailable(c, "learning service")
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-conversation")
	defer span.End()

	conv, err := h.conversations.Get(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// SendMessage godoc
// @Summary      Send a message to a learning conversation
// @Description  Returns the model reply and any suggested context update awaiting confirmation
// @Tags         conversations
// @Accept       json
// @Produce      json
// @Param        id  path  string  true  "Conversation ID"
// @Success      200  {object}  learning.MessageResult
// @Failure      400  {object}  map[string]string
// @Failure      409  {object}  map[string]string
// @Router       /api/conversations/{id}/messages [post]
func (h *Handler) SendMessage(c *gin.Context) {
	if h.conversations == nil {
		unavailable(c, "learning service")
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "handler.send-message")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", c.Param("id")))

	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.conversations.ProcessMessage(ctx, c.Param("id"), req.Message)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ApplyConversationUpdate godoc
// @Summary      Apply a confirmed update from a conversation
// @Tags         conversations
// @Accept       json
// @Produce      json
// @Param        id  path  string  true  "Conversation ID"
// @Success      200  {object}  agentctx.UpdateResult
// @Failure      409  {object}  map[string]string
// @Failure      422  {object}  agentctx.UpdateResult
// @Router       /api/conversations/{id}/updates [post]
func (h *Handler) ApplyConversationUpdate(c *gin.Context) {
	if h.conversations == nil {
		unavailable(c, "learning service")
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "handler.apply-conversation-update")
	defer span.End()

	var update domain.ContextUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.conversations.ApplySuggestedUpdate(ctx, c.Param("id"), update)
	if err != nil {
		writeError(c, err)
		return
	}
	if !res.Success {
		c.JSON(http.StatusUnprocessableEntity, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CompleteConversation godoc
// @Summary      Complete a learning conversation
// @Tags         conversations
// @Produce      json
// @Param        id  path  string  true  "Conversation ID"
// @Success      200  {object}  domain.LearningConversation
// @Failure      409  {object}  map[string]string
// @Router       /api/conversations/{id}/complete [post]
func (h *Handler) CompleteConversation(c *gin.Context) {
	if h.conversations == nil {
		unavailable(c, "learning service")
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "handler.complete-conversation")
	defer span.End()

	conv, err := h.conversations.Complete(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// AbandonConversation godoc
// @Summary      Abandon a learning conversation
// @Tags         conversations
// @Produce      json
// @Param        id  path  string  true  "Conversation ID"
// @Success      200  {object}  domain.LearningConversation
// @Failure      409  {object}  map[string]string
// @Router       /api/conversations/{id}/abandon [post]
func (h *Handler) AbandonConversation(c *gin.Context) {
	if h.conversations == nil {
		unavailable(c, "learning service")
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "handler.abandon-conversation")
	defer span.End()

	conv, err := h.conversations.Abandon(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}
