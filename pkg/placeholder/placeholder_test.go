package placeholder

import "testing"

func TestRender(t *testing.T) {
	values := FromMap(map[string]string{"alias": "jdoe", "env": "prod"})
	tests := []struct {
		in   string
		want string
	}{
		{"st{{alias}}001", "stjdoe001"},
		{"{{ alias }}-{{env}}", "jdoe-prod"},
		{"missing={{nope}}", "missing="},
		{"no tokens", "no tokens"},
	}
	for _, tt := range tests {
		if got := Render(tt.in, values); got != tt.want {
			t.Errorf("Render(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTokens(t *testing.T) {
	got := Tokens("{{a}} {{b}} {{a}}")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected tokens: %v", got)
	}
}
