package match

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ghostbot/internal/job"
)

func TestMatches(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		rule Rule
		text string
		want bool
	}{
		{"empty keywords never match", Rule{}, "anything", false},
		{"contains is case-insensitive", Rule{Keywords: []string{"Hello"}}, "well HELLO there", true},
		{"contains substring", Rule{Keywords: []string{"nit"}}, "menit", true},
		{"specific rejects substring", Rule{Keywords: []string{"nit"}, KeywordMatchMode: ModeSpecific}, "menit", false},
		{"specific accepts whole word", Rule{Keywords: []string{"nit"}, KeywordMatchMode: ModeSpecific}, "ini nit ya", true},
		{"specific at edges with punctuation", Rule{Keywords: []string{"nit"}, KeywordMatchMode: ModeSpecific}, "nit, menit", true},
		{"specific skips earlier partial hit", Rule{Keywords: []string{"nit"}, KeywordMatchMode: ModeSpecific}, "menit nit", true},
		{"specific unicode boundary", Rule{Keywords: []string{"café"}, KeywordMatchMode: ModeSpecific}, "un CAFÉ noir", true},
		{"specific unicode letter neighbour", Rule{Keywords: []string{"caf"}, KeywordMatchMode: ModeSpecific}, "café", false},
		{"specific digits are word chars", Rule{Keywords: []string{"10"}, KeywordMatchMode: ModeSpecific}, "100 items", false},
		{"any needs one", Rule{Keywords: []string{"a1", "b1"}}, "only b1", true},
		{"all needs every", Rule{Keywords: []string{"a1", "b1"}, KeywordLogic: LogicAll}, "only b1", false},
		{"all satisfied", Rule{Keywords: []string{"a1", "b1"}, KeywordLogic: LogicAll}, "b1 then a1", true},
		{"exclusion any blocks", Rule{Keywords: []string{"sale"}, Exclusions: []string{"spam", "scam"}}, "sale scam", false},
		{"exclusion all needs every word", Rule{Keywords: []string{"sale"}, Exclusions: []string{"spam", "scam"}, ExclusionLogic: LogicAll}, "sale scam", true},
		{"exclusion all blocks", Rule{Keywords: []string{"sale"}, Exclusions: []string{"spam", "scam"}, ExclusionLogic: LogicAll}, "sale scam spam", false},
		{"exclusion specific mode", Rule{Keywords: []string{"sale"}, Exclusions: []string{"ad"}, ExclusionMatchMode: ModeSpecific}, "sale already", true},
		{"blank words dropped", Rule{Keywords: []string{" ", ""}}, "anything", false},
		{"unknown mode falls back to contains", Rule{Keywords: []string{"nit"}, KeywordMatchMode: "fuzzy"}, "menit", true},
		{"mode is case-insensitive", Rule{Keywords: []string{"nit"}, KeywordMatchMode: "SPECIFIC"}, "menit", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, New(tc.rule).Matches(tc.text))
		})
	}
}

func TestAllLogicFalseWhenAnyKeywordMisses(t *testing.T) {
	t.Parallel()

	words := []string{"alpha", "beta", "gamma"}
	m := New(Rule{Keywords: words, KeywordLogic: LogicAll})
	for i := range words {
		text := ""
		for j, w := range words {
			if j != i {
				text += w + " "
			}
		}
		assert.False(t, m.Matches(text), text)
	}
	assert.True(t, m.Matches("gamma beta alpha"))
}

func TestMatcherIsDeterministic(t *testing.T) {
	t.Parallel()

	m := New(Rule{Keywords: []string{"x"}, Exclusions: []string{"y"}})
	for i := 0; i < 100; i++ {
		assert.True(t, m.Matches("x"))
		assert.False(t, m.Matches("x y"))
	}
}

func TestRuleFromDetails(t *testing.T) {
	t.Parallel()

	r := RuleFromDetails(job.Details{
		"keywords":             []any{"Hello", "hi"},
		"exclusions":           "bot",
		"keyword_match_mode":   "specific",
		"keyword_logic":        "all",
		"exclusion_match_mode": "contains",
		"exclusion_logic":      "any",
	})
	assert.Equal(t, []string{"Hello", "hi"}, r.Keywords)
	assert.Equal(t, []string{"bot"}, r.Exclusions)
	assert.Equal(t, ModeSpecific, r.KeywordMatchMode)
	assert.Equal(t, LogicAll, r.KeywordLogic)
	assert.True(t, New(r).Matches("hello hi"))
	assert.False(t, New(r).Matches("hello hi bot"))
}
