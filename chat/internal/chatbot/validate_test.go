package chatbot

import (
	"encoding/json"
	"strings"
	"testing"

	"live-support-routing-system/chat/internal/models"
)

func node(id string, kind string, config string) models.ChatbotNode {
	n := models.ChatbotNode{NodeID: id, Kind: kind}
	if config != "" {
		n.Config = json.RawMessage(config)
	}
	return n
}

func edge(source string, target string) models.ChatbotEdge {
	return models.ChatbotEdge{SourceID: source, TargetID: target}
}

func TestValidateAcceptsLinearGraph(t *testing.T) {
	nodes := []models.ChatbotNode{
		node("trigger", NodeOnConversationCreated, ""),
		node("greet", NodeSendMessage, `{"text":"hello"}`),
		node("close", NodeCloseConversation, ""),
	}
	edges := []models.ChatbotEdge{edge("trigger", "greet"), edge("greet", "close")}
	if problems := Validate(nodes, edges); len(problems) != 0 {
		t.Fatalf("expected valid graph, got %v", problems)
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	nodes := []models.ChatbotNode{
		node("a", NodeSendMessage, `{"text":"a"}`),
		node("b", NodeSendMessage, `{"text":"b"}`),
		node("c", NodeSendMessage, `{"text":"c"}`),
	}
	edges := []models.ChatbotEdge{edge("a", "b"), edge("b", "c"), edge("c", "a")}
	problems := Validate(nodes, edges)
	if len(problems) != 1 || !strings.Contains(problems[0].Message, "loop") {
		t.Fatalf("expected loop rejection, got %v", problems)
	}
}

func TestValidateAcceptsDiamond(t *testing.T) {
	nodes := []models.ChatbotNode{
		node("a", NodeOnConversationCreated, ""),
		node("b", NodeSendMessage, `{"text":"b"}`),
		node("c", NodeSendMessage, `{"text":"c"}`),
		node("d", NodeCloseConversation, ""),
	}
	edges := []models.ChatbotEdge{edge("a", "b"), edge("a", "c"), edge("b", "d"), edge("c", "d")}
	if problems := Validate(nodes, edges); len(problems) != 0 {
		t.Fatalf("diamond is acyclic and must validate, got %v", problems)
	}
}

func TestValidateRejectsUnknownKind(t *testing.T) {
	nodes := []models.ChatbotNode{node("x", "launch_rocket", "")}
	problems := Validate(nodes, nil)
	if len(problems) != 1 || problems[0].NodeID != "x" {
		t.Fatalf("expected unknown kind rejection, got %v", problems)
	}
}

func TestValidateRejectsEmptyMessageText(t *testing.T) {
	nodes := []models.ChatbotNode{node("m", NodeSendMessage, `{}`)}
	problems := Validate(nodes, nil)
	if len(problems) != 1 || !strings.Contains(problems[0].Message, "text") {
		t.Fatalf("expected empty text rejection, got %v", problems)
	}
}

func TestValidateRejectsInactiveWithoutDuration(t *testing.T) {
	nodes := []models.ChatbotNode{node("t", NodeOnVisitorInactive, `{"inactive_minutes":0}`)}
	problems := Validate(nodes, nil)
	if len(problems) != 1 {
		t.Fatalf("expected inactive_minutes rejection, got %v", problems)
	}
	nodes = []models.ChatbotNode{node("t", NodeOnVisitorInactive, `{"inactive_minutes":15}`)}
	if problems := Validate(nodes, nil); len(problems) != 0 {
		t.Fatalf("expected valid trigger, got %v", problems)
	}
}

func TestValidateRejectsDanglingEdge(t *testing.T) {
	nodes := []models.ChatbotNode{node("a", NodeCloseConversation, "")}
	edges := []models.ChatbotEdge{edge("a", "ghost")}
	problems := Validate(nodes, edges)
	if len(problems) != 1 || !strings.Contains(problems[0].Message, "unknown node") {
		t.Fatalf("expected dangling edge rejection, got %v", problems)
	}
}

func TestValidateRejectsDuplicateNodeID(t *testing.T) {
	nodes := []models.ChatbotNode{
		node("a", NodeCloseConversation, ""),
		node("a", NodeCloseConversation, ""),
	}
	problems := Validate(nodes, nil)
	if len(problems) != 1 || !strings.Contains(problems[0].Message, "duplicate") {
		t.Fatalf("expected duplicate id rejection, got %v", problems)
	}
}

func TestValidateSelfLoop(t *testing.T) {
	nodes := []models.ChatbotNode{node("a", NodeSendMessage, `{"text":"a"}`)}
	edges := []models.ChatbotEdge{edge("a", "a")}
	problems := Validate(nodes, edges)
	if len(problems) != 1 || !strings.Contains(problems[0].Message, "loop") {
		t.Fatalf("expected self-loop rejection, got %v", problems)
	}
}
