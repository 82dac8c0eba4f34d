package providers

import "testing"

func TestResolveAliases(t *testing.T) {
	r := NewResolver("gpt-4o", nil)

	cases := []struct {
		in         string
		wantModel  string
		wantFamily Family
	}{
		{"gpt-4o", "gpt-4o", FamilyOpenAI},
		{"GPT-4O", "gpt-4o", FamilyOpenAI},
		{"gpt_4o", "gpt-4o", FamilyOpenAI},
		{"sonnet", "claude-sonnet-4-20250514", FamilyAnthropic},
		{"Claude-Sonnet-4", "claude-sonnet-4-20250514", FamilyAnthropic},
		{"claude-3-5-haiku-20241022", "claude-3-5-haiku-20241022", FamilyAnthropic},
		{"haiku", "claude-3-5-haiku-20241022", FamilyAnthropic},
		{"o4-mini", "o4-mini", FamilyOpenAI},
	}
	for _, tc := range cases {
		model, family := r.Resolve(tc.in)
		if model != tc.wantModel || family != tc.wantFamily {
			t.Errorf("Resolve(%q) = (%q, %q), want (%q, %q)",
				tc.in, model, family, tc.wantModel, tc.wantFamily)
		}
	}
}

func TestResolveUnknownFallsBackToDefault(t *testing.T) {
	r := NewResolver("sonnet", nil)
	model, family := r.Resolve("some-future-model")
	if model != "claude-sonnet-4-20250514" || family != FamilyAnthropic {
		t.Errorf("unknown model resolved to (%q, %q)", model, family)
	}
}

func TestResolveEmptyUsesDefault(t *testing.T) {
	r := NewResolver("gpt-4o-mini", nil)
	model, family := r.Resolve("")
	if model != "gpt-4o-mini" || family != FamilyOpenAI {
		t.Errorf("empty model resolved to (%q, %q)", model, family)
	}
}

func TestResolveBadDefault(t *testing.T) {
	r := NewResolver("nonsense-default", nil)
	model, family := r.Resolve("")
	if model != "gpt-4o" || family != FamilyOpenAI {
		t.Errorf("bad default resolved to (%q, %q), want ultimate fallback", model, family)
	}
}
