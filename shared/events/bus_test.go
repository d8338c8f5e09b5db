package events

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	var delivered atomic.Int32
	bus.Subscribe(EventConversationCreated, func(ctx context.Context, envelope Envelope) {
		delivered.Add(1)
	})
	bus.Subscribe(EventConversationCreated, func(ctx context.Context, envelope Envelope) {
		delivered.Add(1)
	})
	bus.Subscribe(EventMessageCreated, func(ctx context.Context, envelope Envelope) {
		t.Error("message handler should not fire for conversation event")
	})

	envelope, err := NewEnvelope(AggregateTypeConversation, uuid.New(), EventConversationCreated, ConversationPayload{})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	bus.Publish(context.Background(), envelope)
	bus.Wait()

	if got := delivered.Load(); got != 2 {
		t.Fatalf("expected 2 deliveries, got %d", got)
	}
}

func TestBusNoSubscribersIsNoop(t *testing.T) {
	bus := NewBus()
	envelope, err := NewEnvelope(AggregateTypeMessage, uuid.New(), EventMessageCreated, MessagePayload{})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	bus.Publish(context.Background(), envelope)
	bus.Wait()
}
