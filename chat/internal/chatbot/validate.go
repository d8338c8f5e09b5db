package chatbot

import (
	"encoding/json"
	"fmt"

	"live-support-routing-system/chat/internal/models"
)

// Closed set of node kinds. Triggers start a walk from a lifecycle event,
// actions perform a side effect and forward execution.
const (
	NodeOnConversationCreated = "on_conversation_created"
	NodeOnVisitorInactive     = "on_visitor_inactive"
	NodeSendMessage           = "send_message"
	NodeCloseConversation     = "close_conversation"
)

type sendMessageConfig struct {
	Text string `json:"text"`
}

type visitorInactiveConfig struct {
	InactiveMinutes int `json:"inactive_minutes"`
}

type Problem struct {
	NodeID  string `json:"node_id,omitempty"`
	Message string `json:"message"`
}

// Validate checks a graph before it is persisted. It returns the full list
// of problems so the author can fix them in one round trip; an empty list
// means the graph is acceptable. Graphs never reach execution unvalidated.
func Validate(nodes []models.ChatbotNode, edges []models.ChatbotEdge) []Problem {
	var problems []Problem
	seen := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		if node.NodeID == "" {
			problems = append(problems, Problem{Message: "node id must not be empty"})
			continue
		}
		if seen[node.NodeID] {
			problems = append(problems, Problem{NodeID: node.NodeID, Message: "duplicate node id"})
			continue
		}
		seen[node.NodeID] = true
		problems = append(problems, validateNodeConfig(node)...)
	}
	for _, edge := range edges {
		if !seen[edge.SourceID] {
			problems = append(problems, Problem{NodeID: edge.SourceID, Message: "edge source references unknown node"})
		}
		if !seen[edge.TargetID] {
			problems = append(problems, Problem{NodeID: edge.TargetID, Message: "edge target references unknown node"})
		}
	}
	if len(problems) > 0 {
		return problems
	}
	if hasCycle(nodes, edges) {
		problems = append(problems, Problem{Message: "graph contains a loop"})
	}
	return problems
}

func validateNodeConfig(node models.ChatbotNode) []Problem {
	switch node.Kind {
	case NodeOnConversationCreated, NodeCloseConversation:
		return nil
	case NodeSendMessage:
		var cfg sendMessageConfig
		if err := json.Unmarshal(configOrEmpty(node), &cfg); err != nil {
			return []Problem{{NodeID: node.NodeID, Message: "invalid send_message config: " + err.Error()}}
		}
		if cfg.Text == "" {
			return []Problem{{NodeID: node.NodeID, Message: "send_message requires non-empty text"}}
		}
		return nil
	case NodeOnVisitorInactive:
		var cfg visitorInactiveConfig
		if err := json.Unmarshal(configOrEmpty(node), &cfg); err != nil {
			return []Problem{{NodeID: node.NodeID, Message: "invalid on_visitor_inactive config: " + err.Error()}}
		}
		if cfg.InactiveMinutes <= 0 {
			return []Problem{{NodeID: node.NodeID, Message: "on_visitor_inactive requires inactive_minutes > 0"}}
		}
		return nil
	default:
		return []Problem{{NodeID: node.NodeID, Message: fmt.Sprintf("unknown node kind %q", node.Kind)}}
	}
}

func configOrEmpty(node models.ChatbotNode) []byte {
	if len(node.Config) == 0 {
		return []byte("{}")
	}
	return node.Config
}

// hasCycle reports whether any directed cycle is reachable in the graph. The
// traversal is an iterative depth-first search over node indices with an
// explicit frame stack. The on-path set is cleared on backtrack, so diamonds
// (two paths converging on one node) are not mistaken for cycles.
func hasCycle(nodes []models.ChatbotNode, edges []models.ChatbotEdge) bool {
	index := make(map[string]int, len(nodes))
	for i, node := range nodes {
		index[node.NodeID] = i
	}
	adjacency := make([][]int, len(nodes))
	for _, edge := range edges {
		source, okSource := index[edge.SourceID]
		target, okTarget := index[edge.TargetID]
		if okSource && okTarget {
			adjacency[source] = append(adjacency[source], target)
		}
	}

	type frame struct {
		node int
		next int
	}
	onPath := make([]bool, len(nodes))
	done := make([]bool, len(nodes))
	for start := range nodes {
		if done[start] {
			continue
		}
		stack := []frame{{node: start}}
		onPath[start] = true
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next < len(adjacency[top.node]) {
				next := adjacency[top.node][top.next]
				top.next++
				if onPath[next] {
					return true
				}
				if done[next] {
					continue
				}
				onPath[next] = true
				stack = append(stack, frame{node: next})
				continue
			}
			onPath[top.node] = false
			done[top.node] = true
			stack = stack[:len(stack)-1]
		}
	}
	return false
}
