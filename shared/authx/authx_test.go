package authx

import "testing"

func TestParseRolesMergesClaimsAndScopes(t *testing.T) {
	claims := map[string]any{
		"roles": []any{"admin", "operator", "admin"},
		"scp":   "chat.read chat.write",
	}
	roles := parseRoles(claims)
	if len(roles) != 4 {
		t.Fatalf("expected 4 distinct roles, got %v", roles)
	}
	if roles[0] != "admin" || roles[1] != "operator" {
		t.Fatalf("unexpected role order: %v", roles)
	}
}

func TestParseRolesEmptyClaims(t *testing.T) {
	if roles := parseRoles(map[string]any{}); len(roles) != 0 {
		t.Fatalf("expected no roles, got %v", roles)
	}
}

func TestNewJWTVerifierValidation(t *testing.T) {
	if _, err := NewJWTVerifier("", "aud", "", 60, 0); err == nil {
		t.Fatalf("expected error for missing issuer")
	}
	if _, err := NewJWTVerifier("https://issuer.example", "", "", 60, 0); err == nil {
		t.Fatalf("expected error for missing audience")
	}
	if _, err := NewJWTVerifier("https://issuer.example", "aud", "", 0, -5); err != nil {
		t.Fatalf("defaults should absorb bad ttl and skew: %v", err)
	}
}
