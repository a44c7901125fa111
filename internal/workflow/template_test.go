package workflow

import (
	"errors"
	"testing"
)

func TestRender(t *testing.T) {
	vars := map[string]any{
		"name":  "billing",
		"count": float64(3),
		"ok":    true,
		"plan":  map[string]any{"region": "us-east-1", "zones": []any{"a", "b"}},
		"empty": nil,
	}
	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"no placeholders", "plain text", "plain text"},
		{"string", "deploy {{ name }}", "deploy billing"},
		{"no spaces", "{{name}}!", "billing!"},
		{"number", "{{ count }} replicas", "3 replicas"},
		{"bool", "ok={{ ok }}", "ok=true"},
		{"nested", "region {{ plan.region }}", "region us-east-1"},
		{"array index", "zone {{ plan.zones.1 }}", "zone b"},
		{"missing nested key", "[{{ plan.missing }}]", "[]"},
		{"nil value", "[{{ empty }}]", "[]"},
		{"map as json", "{{ plan.zones }}", `["a","b"]`},
		{"repeated", "{{ name }}/{{ name }}", "billing/billing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, vars)
			if err != nil {
				t.Fatalf("Render(%q) error = %v", tt.tmpl, err)
			}
			if got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.tmpl, got, tt.want)
			}
		})
	}
}

func TestRender_Errors(t *testing.T) {
	vars := map[string]any{"name": "x"}

	if _, err := Render("{{ missing }}", vars); !errors.Is(err, ErrUnbound) {
		t.Errorf("unbound root error = %v, want ErrUnbound", err)
	}
	if _, err := Render("{{ not valid }}", vars); err == nil {
		t.Error("malformed placeholder should fail")
	}
}

func TestTemplateRefs(t *testing.T) {
	refs, err := templateRefs("{{ a }} and {{ b.c }} and {{a}}")
	if err != nil {
		t.Fatalf("templateRefs() error = %v", err)
	}
	want := []string{"a", "b.c", "a"}
	if len(refs) != len(want) {
		t.Fatalf("templateRefs() = %v, want %v", refs, want)
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Errorf("refs[%d] = %q, want %q", i, refs[i], want[i])
		}
	}

	if _, err := templateRefs("{{ 1abc }}"); err == nil {
		t.Error("path starting with a digit should be rejected")
	}
}
