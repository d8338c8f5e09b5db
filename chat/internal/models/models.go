package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	OperatorStatusReady = "ready"
	OperatorStatusBusy  = "busy"
	OperatorStatusLeave = "leave"
)

const (
	AuthorTypeVisitor  = "visitor"
	AuthorTypeOperator = "operator"
	AuthorTypeBot      = "bot"
	AuthorTypeSystem   = "system"
)

type Visitor struct {
	VisitorID             uuid.UUID
	Channel               string
	CurrentConversationID *uuid.UUID
	CreatedAt             time.Time
}

type Conversation struct {
	ConversationID uuid.UUID
	VisitorID      uuid.UUID
	OperatorID     *uuid.UUID
	Status         string
	LastActivityAt time.Time
	QueuedAt       *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Operator struct {
	OperatorID       uuid.UUID
	DisplayName      string
	Status           string
	ConcurrencyLimit int
	Workload         int
	UpdatedAt        time.Time
}

// CanTakeConversation reports whether the operator is an assignment
// candidate: ready and strictly under its concurrency limit.
func (o Operator) CanTakeConversation() bool {
	return o.Status == OperatorStatusReady && o.Workload < o.ConcurrencyLimit
}

type Message struct {
	MessageID      uuid.UUID
	ConversationID uuid.UUID
	AuthorType     string
	AuthorID       *uuid.UUID
	Content        string
	CreatedAt      time.Time
}

type ChatbotGraph struct {
	GraphID   uuid.UUID
	Name      string
	Enabled   bool
	Nodes     []ChatbotNode
	Edges     []ChatbotEdge
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ChatbotNode struct {
	NodeID string          `json:"node_id"`
	Kind   string          `json:"kind"`
	Config json.RawMessage `json:"config,omitempty"`
}

// ChatbotEdge connects a source pin to a target pin. Current node kinds only
// use the default pin but the shape allows multi-output nodes later.
type ChatbotEdge struct {
	SourceID  string `json:"source_id"`
	SourcePin string `json:"source_pin,omitempty"`
	TargetID  string `json:"target_id"`
	TargetPin string `json:"target_pin,omitempty"`
}
