package config

import "testing"

func TestParseCSV(t *testing.T) {
	got := parseCSV("a, b, ,c,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestParseAnyCSV(t *testing.T) {
	raw := []any{"x", " ", "y"}
	got := parseAnyCSV(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0] != "x" || got[1] != "y" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestAsBool(t *testing.T) {
	if b, ok := asBool("Yes"); !ok || !b {
		t.Fatalf("expected Yes to parse as true")
	}
	if b, ok := asBool("off"); !ok || b {
		t.Fatalf("expected off to parse as false")
	}
	if _, ok := asBool("maybe"); ok {
		t.Fatalf("expected maybe to be rejected")
	}
}

func TestApplyConfigMapQueueKeys(t *testing.T) {
	cfg := Config{}
	problems := make([]Problem, 0)
	applyConfigMap(&cfg, map[string]any{
		"QUEUE_CAPACITY":            float64(5),
		"QUEUE_FULL_MESSAGE_TEXT":   "busy",
		"ASSIGN_RECHECK_MAX":        float64(3),
		"AUTOCLOSE_TIMEOUT_SECONDS": "900",
	}, &problems)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.QueueCapacity != 5 || cfg.QueueFullMessage != "busy" {
		t.Fatalf("queue keys not applied: %#v", cfg)
	}
	if cfg.AssignRecheckMax != 3 || cfg.AutoCloseTimeoutSec != 900 {
		t.Fatalf("routing keys not applied: %#v", cfg)
	}
}
