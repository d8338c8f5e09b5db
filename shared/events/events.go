package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

const (
	TopicConversationEvents = "support.conversation.events"
	TopicMessageEvents      = "support.message.events"
)

const (
	AggregateTypeConversation = "conversation"
	AggregateTypeMessage      = "message"
)

const (
	EventConversationCreated = "conversation.created"
	EventConversationUpdated = "conversation.updated"
	EventMessageCreated      = "message.created"
)

type ConversationPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	VisitorID      uuid.UUID `json:"visitor_id"`
	Channel        string    `json:"channel,omitempty"`
	ChangedFields  []string  `json:"changed_fields,omitempty"`
}

type MessagePayload struct {
	MessageID      uuid.UUID `json:"message_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	AuthorType     string    `json:"author_type"`
}

func NewEnvelope(aggregateType string, aggregateID uuid.UUID, eventType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.New(),
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
	}, nil
}
