package domain

import "time"

type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationCompleted ConversationStatus = "completed"
	ConversationAbandoned ConversationStatus = "abandoned"
)

func (s ConversationStatus) IsTerminal() bool {
	return s == ConversationCompleted || s == ConversationAbandoned
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type ConversationMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type UpdateType string

const (
	UpdateAppend  UpdateType = "append"
	UpdateReplace UpdateType = "replace"
	UpdateRemove  UpdateType = "remove"
)

func (u UpdateType) IsValid() bool {
	return u == UpdateAppend || u == UpdateReplace || u == UpdateRemove
}

const (
	SourcePostmortem        = "postmortem"
	SourceMissedOpportunity = "missed_opportunity"
	SourceInsight           = "insight"
	SourceConversation      = "conversation"
	SourceManual            = "manual"
)

// ContextUpdate is a single section operation against an agent's context document.
type ContextUpdate struct {
	Section    string     `json:"section"`
	UpdateType UpdateType `json:"update_type"`
	Content    string     `json:"content"`
	Reason     string     `json:"reason,omitempty"`
	SourceType string     `json:"source_type,omitempty"`
	SourceID   string     `json:"source_id,omitempty"`
}

type AppliedUpdate struct {
	Update    ContextUpdate `json:"update"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	AppliedAt time.Time     `json:"applied_at"`
}

type LearningConversation struct {
	ID                string                `json:"id"`
	AgentID           string                `json:"agent_id"`
	UserID            string                `json:"user_id"`
	Status            ConversationStatus    `json:"status"`
	FocusType         string                `json:"focus_type,omitempty"`
	FocusReference    string                `json:"focus_reference,omitempty"`
	Messages          []ConversationMessage `json:"messages"`
	ExtractedInsights []string              `json:"extracted_insights"`
	AppliedUpdates    []AppliedUpdate       `json:"applied_updates"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
	CompletedAt       *time.Time            `json:"completed_at,omitempty"`
	// Version increments on every stored write.
	Version int `json:"version"`
}

// AgentInsight is an insight extracted from a learning conversation, pending installation.
type AgentInsight struct {
	ID             string     `json:"id"`
	AgentID        string     `json:"agent_id"`
	ConversationID string     `json:"conversation_id"`
	Insight        string     `json:"insight"`
	Applied        bool       `json:"applied"`
	AppliedAt      *time.Time `json:"applied_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
