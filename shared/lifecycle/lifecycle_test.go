package lifecycle

import "testing"

func TestCanTransition(t *testing.T) {
	if !CanTransition(ConversationWaiting, ConversationInService) {
		t.Fatalf("expected waiting -> in_service to be allowed")
	}
	if !CanTransition(ConversationWaiting, ConversationClosed) {
		t.Fatalf("expected waiting -> closed to be allowed")
	}
	if CanTransition(ConversationClosed, ConversationInService) {
		t.Fatalf("expected closed -> in_service to be blocked")
	}
	if CanTransition(ConversationInService, ConversationWaiting) {
		t.Fatalf("expected in_service -> waiting to be blocked")
	}
}

func TestEventTypeForTransition(t *testing.T) {
	ev := EventTypeForTransition(ConversationWaiting, ConversationInService)
	if ev != EventConversationAssigned {
		t.Fatalf("unexpected event type: %q", ev)
	}
	if ev := EventTypeForTransition(ConversationClosed, ConversationClosed); ev != "" {
		t.Fatalf("expected no event for same-status transition, got %q", ev)
	}
}
