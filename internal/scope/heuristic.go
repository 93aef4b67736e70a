package scope

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var arithmeticPattern = regexp.MustCompile(`\d+\s*[+\-*/×÷]\s*\d+`)

// Verdict is the outcome of the heuristic stage.
type Verdict struct {
	// Defer is true when the heuristic cannot rule the query out.
	Defer    bool
	Category string
}

type compiledCategory struct {
	name string
	re   *regexp.Regexp
}

// Heuristic is the stage-one keyword filter. It only rules a query out when
// a negative phrase matches and no professional-context signal is present.
type Heuristic struct {
	categories         []compiledCategory
	arithmeticCategory string
	positive           *regexp.Regexp
}

// NewHeuristic compiles rules. Extra positive signals (persona name, known
// entities) are matched like the rule file's own signals.
func NewHeuristic(rules *Rules, extraPositive ...string) *Heuristic {
	h := &Heuristic{arithmeticCategory: rules.ArithmeticCategory}
	for _, c := range rules.Categories {
		h.categories = append(h.categories, compiledCategory{name: c.Name, re: phrasePattern(c.Phrases)})
	}
	signals := append(append([]string(nil), rules.PositiveSignals...), extraPositive...)
	h.positive = phrasePattern(signals)
	return h
}

// Evaluate runs the heuristic on query.
func (h *Heuristic) Evaluate(query string) Verdict {
	q := strings.TrimSpace(query)
	if utf8.RuneCountInString(q) < 3 {
		return Verdict{Defer: true}
	}

	category := ""
	if arithmeticPattern.MatchString(q) {
		category = h.arithmeticCategory
	} else {
		for _, c := range h.categories {
			if c.re != nil && c.re.MatchString(q) {
				category = c.name
				break
			}
		}
	}
	if category == "" {
		return Verdict{Defer: true}
	}
	if h.positive != nil && h.positive.MatchString(q) {
		return Verdict{Defer: true}
	}
	return Verdict{Category: category}
}

// phrasePattern builds one case-insensitive alternation. Word boundaries are
// only anchored on ends that are word characters, so entity names like
// "Acme Inc." still match.
func phrasePattern(phrases []string) *regexp.Regexp {
	var alts []string
	for _, p := range phrases {
		p = strings.Join(strings.Fields(strings.ToLower(p)), " ")
		if p == "" {
			continue
		}
		var b strings.Builder
		if isWordRune(firstRune(p)) {
			b.WriteString(`\b`)
		}
		b.WriteString(strings.ReplaceAll(regexp.QuoteMeta(p), " ", `\s+`))
		if isWordRune(lastRune(p)) {
			b.WriteString(`\b`)
		}
		alts = append(alts, b.String())
	}
	if len(alts) == 0 {
		return nil
	}
	return regexp.MustCompile(`(?i)(?:` + strings.Join(alts, "|") + `)`)
}

func firstRune(s string) rune {
	r, _ := utf8.DecodeRuneInString(s)
	return r
}

func lastRune(s string) rune {
	r, _ := utf8.DecodeLastRuneInString(s)
	return r
}

func isWordRune(r rune) bool {
	return r == '_' || r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r))
}
