package lifecycle

import "strings"

const (
	ConversationWaiting   = "waiting"
	ConversationInService = "in_service"
	ConversationClosed    = "closed"
)

const (
	EventConversationQueued   = "conversation_queued"
	EventConversationAssigned = "conversation_assigned"
	EventConversationClosed   = "conversation_closed"
)

// Transitions are monotonic: waiting -> in_service -> closed, with closing
// allowed straight from waiting. There is no path backward.
var conversationTransitions = map[string]map[string]string{
	ConversationWaiting: {
		ConversationInService: EventConversationAssigned,
		ConversationClosed:    EventConversationClosed,
	},
	ConversationInService: {
		ConversationClosed: EventConversationClosed,
	},
}

func NormalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeStatus(fromStatus)
	toStatus = NormalizeStatus(toStatus)
	if fromStatus == toStatus {
		return true
	}
	next := conversationTransitions[fromStatus]
	if next == nil {
		return false
	}
	_, ok := next[toStatus]
	return ok
}

func EventTypeForTransition(fromStatus string, toStatus string) string {
	fromStatus = NormalizeStatus(fromStatus)
	toStatus = NormalizeStatus(toStatus)
	if fromStatus == toStatus {
		return ""
	}
	next := conversationTransitions[fromStatus]
	if next == nil {
		return ""
	}
	return next[toStatus]
}

func AllConversationStatuses() []string {
	return []string{
		ConversationWaiting,
		ConversationInService,
		ConversationClosed,
	}
}
