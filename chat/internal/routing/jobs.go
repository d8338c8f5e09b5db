package routing

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TaskConversationAssign = "conversation.assign"
	TaskConversationCheck  = "conversation.check"

	// Queue is the asynq queue for the assignment task family. The routing
	// worker consumes only this queue; task constructors stamp it so no
	// enqueue site can route an assignment job anywhere else.
	Queue = "routing"
)

type AssignPayload struct {
	ConversationID string `json:"conversation_id"`
}

// CheckPayload carries the attempt counter so rechecks stop at the
// configured budget instead of ping-ponging forever.
type CheckPayload struct {
	ConversationID string `json:"conversation_id"`
	Attempt        int    `json:"attempt"`
}

func NewAssignTask(conversationID uuid.UUID) *asynq.Task {
	payload, _ := json.Marshal(AssignPayload{ConversationID: conversationID.String()})
	return asynq.NewTask(TaskConversationAssign, payload, asynq.Queue(Queue))
}

func NewCheckTask(conversationID uuid.UUID, attempt int) *asynq.Task {
	payload, _ := json.Marshal(CheckPayload{ConversationID: conversationID.String(), Attempt: attempt})
	return asynq.NewTask(TaskConversationCheck, payload, asynq.Queue(Queue))
}
