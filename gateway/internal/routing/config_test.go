package routing

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolverResolveCluster(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.json")
	data := `{
  "default_cluster": "cluster-a",
  "clusters": {
    "cluster-a": {"brokers": ["localhost:9092"]},
    "cluster-b": {"brokers": ["localhost:9093"]}
  },
  "routes": [
    {"channel": "whatsapp", "cluster": "cluster-b"}
  ]
}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write routes file: %v", err)
	}
	resolver, err := Load(path)
	if err != nil {
		t.Fatalf("load routes: %v", err)
	}
	if got, ok := resolver.ResolveCluster("WhatsApp"); !ok || got != "cluster-b" {
		t.Fatalf("expected cluster-b, got %q (ok=%v)", got, ok)
	}
	if got, ok := resolver.ResolveCluster("web"); !ok || got != "cluster-a" {
		t.Fatalf("expected default cluster-a, got %q (ok=%v)", got, ok)
	}
}

func TestResolverResolveTopic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.json")
	data := `{
  "default_topic": "support.conversation.events",
  "topic_map": {"message.created": "support.message.events"},
  "clusters": {
    "cluster-a": {"brokers": ["localhost:9092"]}
  }
}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write routes file: %v", err)
	}
	resolver, err := Load(path)
	if err != nil {
		t.Fatalf("load routes: %v", err)
	}
	if got := resolver.ResolveTopic("message.created", ""); got != "support.message.events" {
		t.Fatalf("topic map lookup failed, got %q", got)
	}
	if got := resolver.ResolveTopic("conversation.created", ""); got != "support.conversation.events" {
		t.Fatalf("default topic lookup failed, got %q", got)
	}
	if got := resolver.ResolveTopic("conversation.created", "override"); got != "override" {
		t.Fatalf("requested topic must win, got %q", got)
	}
}

func TestLoadRejectsUnknownCluster(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.json")
	data := `{
  "clusters": {"cluster-a": {"brokers": ["localhost:9092"]}},
  "routes": [{"channel": "web", "cluster": "missing"}]
}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write routes file: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown cluster")
	}
}
