// Package match evaluates keyword/exclusion rules against message text.
//
// Matchers are pure: the same rule and text always give the same answer.
package match

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"ghostbot/internal/job"
)

type Mode string

const (
	// ModeContains matches a case-insensitive substring.
	ModeContains Mode = "contains"
	// ModeSpecific matches a case-insensitive whole word.
	ModeSpecific Mode = "specific"
)

type Logic string

const (
	LogicAny Logic = "any"
	LogicAll Logic = "all"
)

// Rule configures a Matcher. The zero value of each mode/logic field
// means contains/any.
type Rule struct {
	Keywords           []string `json:"keywords"`
	Exclusions         []string `json:"exclusions"`
	KeywordMatchMode   Mode     `json:"keyword_match_mode"`
	KeywordLogic       Logic    `json:"keyword_logic"`
	ExclusionMatchMode Mode     `json:"exclusion_match_mode"`
	ExclusionLogic     Logic    `json:"exclusion_logic"`
}

// RuleFromDetails reads a rule from the standard job details keys.
func RuleFromDetails(d job.Details) Rule {
	return Rule{
		Keywords:           d.Strings("keywords"),
		Exclusions:         d.Strings("exclusions"),
		KeywordMatchMode:   Mode(d.String("keyword_match_mode")),
		KeywordLogic:       Logic(d.String("keyword_logic")),
		ExclusionMatchMode: Mode(d.String("exclusion_match_mode")),
		ExclusionLogic:     Logic(d.String("exclusion_logic")),
	}
}

type wordSet struct {
	words []string
	mode  Mode
	logic Logic
}

// Matcher is an immutable compiled Rule.
type Matcher struct {
	keywords   wordSet
	exclusions wordSet
}

func New(r Rule) Matcher {
	return Matcher{
		keywords:   compile(r.Keywords, r.KeywordMatchMode, r.KeywordLogic),
		exclusions: compile(r.Exclusions, r.ExclusionMatchMode, r.ExclusionLogic),
	}
}

func compile(words []string, mode Mode, logic Logic) wordSet {
	ws := wordSet{mode: normalizeMode(mode), logic: normalizeLogic(logic)}
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			ws.words = append(ws.words, w)
		}
	}
	return ws
}

func normalizeMode(m Mode) Mode {
	if Mode(strings.ToLower(strings.TrimSpace(string(m)))) == ModeSpecific {
		return ModeSpecific
	}
	return ModeContains
}

func normalizeLogic(l Logic) Logic {
	if Logic(strings.ToLower(strings.TrimSpace(string(l)))) == LogicAll {
		return LogicAll
	}
	return LogicAny
}

// Empty reports whether the matcher has no keywords and so never matches.
func (m Matcher) Empty() bool { return len(m.keywords.words) == 0 }

// Matches reports whether text satisfies the keyword condition and is not
// blocked by the exclusion condition.
func (m Matcher) Matches(text string) bool {
	if len(m.keywords.words) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	if !m.keywords.hit(lower) {
		return false
	}
	if len(m.exclusions.words) == 0 {
		return true
	}
	return !m.exclusions.hit(lower)
}

func (ws wordSet) hit(lower string) bool {
	for _, w := range ws.words {
		found := ws.has(lower, w)
		if ws.logic == LogicAny && found {
			return true
		}
		if ws.logic == LogicAll && !found {
			return false
		}
	}
	return ws.logic == LogicAll
}

func (ws wordSet) has(lower, word string) bool {
	if ws.mode == ModeContains {
		return strings.Contains(lower, word)
	}
	return containsWord(lower, word)
}

// containsWord reports whether word occurs in s with no word character
// directly before or after it.
func containsWord(s, word string) bool {
	for off := 0; off <= len(s)-len(word); {
		i := strings.Index(s[off:], word)
		if i < 0 {
			return false
		}
		start := off + i
		end := start + len(word)
		if !wordBefore(s, start) && !wordAfter(s, end) {
			return true
		}
		_, size := utf8.DecodeRuneInString(s[start:])
		off = start + size
	}
	return false
}

func wordBefore(s string, i int) bool {
	if i == 0 {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return isWordRune(r)
}

func wordAfter(s string, i int) bool {
	if i >= len(s) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return isWordRune(r)
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r)
}
