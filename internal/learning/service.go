package learning

import (
	"context"
	"fmt"
	"strings"
	"time"

	"forecastloop/internal/agentctx"
	"forecastloop/internal/domain"
	"forecastloop/internal/llm"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultMaxHistory = 20
	focusInstrument   = "instrument"
)

type ConversationStore interface {
	InsertConversation(ctx context.Context, c domain.LearningConversation) (*domain.LearningConversation, error)
	GetConversation(ctx context.Context, id string) (*domain.LearningConversation, error)
	UpdateConversation(ctx context.Context, c domain.LearningConversation) error
}

type InsightStore interface {
	InsertInsight(ctx context.Context, in domain.AgentInsight) (*domain.AgentInsight, error)
}

type ContextMutator interface {
	ApplyUpdate(ctx context.Context, agentID string, update domain.ContextUpdate) agentctx.UpdateResult
}

type MessageResult struct {
	Response          string                       `json:"response"`
	SuggestedUpdate   *domain.ContextUpdate        `json:"suggested_update,omitempty"`
	ShouldApplyUpdate bool                         `json:"should_apply_update"`
	Insight           *string                      `json:"insight,omitempty"`
	Conversation      *domain.LearningConversation `json:"conversation"`
}

type Service struct {
	tracer        trace.Tracer
	conversations ConversationStore
	insights      InsightStore
	builder       ContextBuilder
	llm           llm.Client
	parser        DirectiveParser
	mutator       ContextMutator
	logger        *zap.Logger
	maxHistory    int
	now           func() time.Time
}

func NewService(
	tracer trace.Tracer,
	conversations ConversationStore,
	insights InsightStore,
	builder ContextBuilder,
	client llm.Client,
	mutator ContextMutator,
	maxHistory int,
	logger *zap.Logger,
) *Service {
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		tracer:        tracer,
		conversations: conversations,
		insights:      insights,
		builder:       builder,
		llm:           client,
		parser:        TagParser{},
		mutator:       mutator,
		logger:        logger,
		maxHistory:    maxHistory,
		now:           time.Now,
	}
}

// WithParser swaps the directive format.
func (s *Service) WithParser(p DirectiveParser) *Service {
	s.parser = p
	return s
}

func (s *Service) Start(ctx context.Context, agentID, userID, focusType, focusRef string) (*domain.LearningConversation, error) {
	ctx, span := s.tracer.Start(ctx, "learning.start")
	defer span.End()

	if strings.TrimSpace(agentID) == "" {
		return nil, domain.Invalid("agent id is required")
	}
	now := s.now().UTC()
	conv, err := s.conversations.InsertConversation(ctx, domain.LearningConversation{
		AgentID:           agentID,
		UserID:            userID,
		Status:            domain.ConversationActive,
		FocusType:         focusType,
		FocusReference:    focusRef,
		Messages:          []domain.ConversationMessage{},
		ExtractedInsights: []string{},
		AppliedUpdates:    []domain.AppliedUpdate{},
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return nil, domain.NewOpError("insert", "conversation", agentID, err)
	}
	return conv, nil
}

// ProcessMessage sends one user turn to the model. Suggested context updates are returned for
// confirmation and never applied here.
func (s *Service) ProcessMessage(ctx context.Context, conversationID, message string) (*MessageResult, error) {
	ctx, span := s.tracer.Start(ctx, "learning.process-message")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.id", conversationID))

	if strings.TrimSpace(message) == "" {
		return nil, domain.Invalid("message is empty")
	}
	conv, err := s.activeConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	instrument := ""
	if conv.FocusType == focusInstrument {
		instrument = conv.FocusReference
	}
	lc, err := s.builder.BuildContext(ctx, conv.AgentID, instrument)
	if err != nil {
		return nil, err
	}

	system := systemPrompt + "\n\n" + s.builder.FormatContextForPrompt(lc)
	reply, err := s.llm.GenerateResponse(ctx, system, s.renderHistory(conv, message), llm.Options{})
	if err != nil {
		span.RecordError(err)
		return nil, domain.NewOpError("generate", "conversation", conversationID, err)
	}

	d := s.parser.Parse(reply)
	now := s.now().UTC()
	conv.Messages = append(conv.Messages,
		domain.ConversationMessage{Role: domain.RoleUser, Content: message, CreatedAt: now},
		domain.ConversationMessage{Role: domain.RoleAssistant, Content: d.Text, CreatedAt: now},
	)
	if d.Insight != nil {
		conv.ExtractedInsights = append(conv.ExtractedInsights, *d.Insight)
	}
	conv.UpdatedAt = now
	if err := s.save(ctx, conv); err != nil {
		return nil, err
	}

	// The turn is already stored, so an insight write failure is only logged.
	if d.Insight != nil && s.insights != nil {
		if _, err := s.insights.InsertInsight(ctx, domain.AgentInsight{
			AgentID:        conv.AgentID,
			ConversationID: conv.ID,
			Insight:        *d.Insight,
			CreatedAt:      now,
		}); err != nil {
			span.RecordError(err)
			s.logger.Warn("insight not stored",
				zap.String("conversation_id", conv.ID),
				zap.Error(err),
			)
		}
	}

	if d.Update != nil {
		d.Update.SourceID = conv.ID
	}
	return &MessageResult{
		Response:          d.Text,
		SuggestedUpdate:   d.Update,
		ShouldApplyUpdate: d.Update != nil,
		Insight:           d.Insight,
		Conversation:      conv,
	}, nil
}

// ApplySuggestedUpdate applies a confirmed update and records the attempt on the conversation.
func (s *Service) ApplySuggestedUpdate(ctx context.Context, conversationID string, update domain.ContextUpdate) (*agentctx.UpdateResult, error) {
	ctx, span := s.tracer.Start(ctx, "learning.apply-update")
	defer span.End()

	conv, err := s.activeConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	update.SourceType = domain.SourceConversation
	update.SourceID = conv.ID

	res := s.mutator.ApplyUpdate(ctx, conv.AgentID, update)
	appliedAt := res.AppliedAt
	if appliedAt.IsZero() {
		appliedAt = s.now().UTC()
	}
	conv.AppliedUpdates = append(conv.AppliedUpdates, domain.AppliedUpdate{
		Update:    update,
		Success:   res.Success,
		Error:     res.Error,
		AppliedAt: appliedAt,
	})
	conv.UpdatedAt = s.now().UTC()
	if err := s.save(ctx, conv); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *Service) Complete(ctx context.Context, conversationID string) (*domain.LearningConversation, error) {
	return s.finish(ctx, conversationID, domain.ConversationCompleted)
}

func (s *Service) Abandon(ctx context.Context, conversationID string) (*domain.LearningConversation, error) {
	return s.finish(ctx, conversationID, domain.ConversationAbandoned)
}

func (s *Service) Get(ctx context.Context, conversationID string) (*domain.LearningConversation, error) {
	conv, err := s.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, domain.NewOpError("get", "conversation", conversationID, err)
	}
	if conv == nil {
		return nil, domain.NotFound("conversation", conversationID)
	}
	return conv, nil
}

func (s *Service) finish(ctx context.Context, conversationID string, status domain.ConversationStatus) (*domain.LearningConversation, error) {
	ctx, span := s.tracer.Start(ctx, "learning.finish")
	defer span.End()
	span.SetAttributes(attribute.String("conversation.status", string(status)))

	conv, err := s.activeConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	conv.Status = status
	conv.CompletedAt = &now
	conv.UpdatedAt = now
	if err := s.save(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// save writes conv against the version it was read at. A concurrent writer makes it fail with
// ErrVersionConflict instead of dropping the other writer's turns.
func (s *Service) save(ctx context.Context, conv *domain.LearningConversation) error {
	if err := s.conversations.UpdateConversation(ctx, *conv); err != nil {
		return domain.NewOpError("update", "conversation", conv.ID, err)
	}
	conv.Version++
	return nil
}

func (s *Service) activeConversation(ctx context.Context, id string) (*domain.LearningConversation, error) {
	conv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Status != domain.ConversationActive {
		return nil, domain.NewOpError("continue", "conversation", id,
			fmt.Errorf("%w: conversation is %s", domain.ErrInvalidTransition, conv.Status))
	}
	return conv, nil
}

func (s *Service) renderHistory(conv *domain.LearningConversation, message string) string {
	history := conv.Messages
	if len(history) > s.maxHistory {
		history = history[len(history)-s.maxHistory:]
	}
	var sb strings.Builder
	for _, m := range history {
		switch m.Role {
		case domain.RoleUser:
			sb.WriteString("User: ")
		case domain.RoleAssistant:
			sb.WriteString("Assistant: ")
		default:
			continue
		}
		sb.WriteString(m.Content)
		sb.WriteString("\n\n")
	}
	sb.WriteString("User: ")
	sb.WriteString(message)
	return sb.String()
}

const systemPrompt = `You are helping a user refine how a forecasting agent reasons.
Discuss the agent's recent results and context candidly.
When the user agrees on a concrete change to the agent's context, propose it as:
[CONTEXT_UPDATE]
Section: <section name>
Type: append|replace|remove
Content: <text>
Reason: <why>
[/CONTEXT_UPDATE]
When you learn something durable about the user's preferences, record it as:
[INSIGHT]<one sentence>[/INSIGHT]`
