package scope

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

var (
	labeledEntity = regexp.MustCompile(`(?i)^\s*[-*]?\s*(?:\*\*)?(?:company|employer|organization|client)(?:\*\*)?\s*:\s*(?:\*\*)?(.+?)(?:\*\*)?\s*$`)
	atEntity      = regexp.MustCompile(`\b(?:at|@)\s+((?:[A-Z][A-Za-z0-9&.\-]*)(?:\s+[A-Z][A-Za-z0-9&.\-]*){0,3})`)
)

// Entities is the set of organizations the persona is known to have worked
// with. It is built once at startup and read concurrently afterwards.
type Entities struct {
	names []string
}

// NewEntities returns a deduplicated, sorted entity set.
func NewEntities(names ...string) *Entities {
	seen := make(map[string]bool)
	var out []string
	for _, n := range names {
		n = cleanEntity(n)
		if n == "" {
			continue
		}
		key := strings.ToLower(n)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return &Entities{names: out}
}

// LoadEntities extracts entity names from the persona file and merges extra
// names. A missing persona file yields only the extra names.
func LoadEntities(personaPath string, extra []string) (*Entities, error) {
	if personaPath == "" {
		return NewEntities(extra...), nil
	}
	f, err := os.Open(personaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewEntities(extra...), nil
		}
		return nil, fmt.Errorf("open persona: %w", err)
	}
	defer func() { _ = f.Close() }()

	names, err := extractEntities(bufio.NewScanner(f))
	if err != nil {
		return nil, fmt.Errorf("scan persona: %w", err)
	}
	return NewEntities(append(names, extra...)...), nil
}

// ExtractEntities finds organization names in free text: labeled lines such
// as "Company: Acme" and capitalized names following "at".
func ExtractEntities(text string) []string {
	names, _ := extractEntities(bufio.NewScanner(strings.NewReader(text)))
	return NewEntities(names...).Names()
}

func extractEntities(sc *bufio.Scanner) ([]string, error) {
	var names []string
	for sc.Scan() {
		line := sc.Text()
		if m := labeledEntity.FindStringSubmatch(line); m != nil {
			names = append(names, m[1])
			continue
		}
		for _, m := range atEntity.FindAllStringSubmatch(line, -1) {
			names = append(names, m[1])
		}
	}
	return names, sc.Err()
}

func cleanEntity(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "*_`\"'")
	s = strings.TrimRight(s, ".,;:)")
	return strings.TrimSpace(s)
}

// Names returns the entity names in sorted order.
func (e *Entities) Names() []string {
	if e == nil {
		return nil
	}
	return append([]string(nil), e.names...)
}

// Len returns the number of entities.
func (e *Entities) Len() int {
	if e == nil {
		return 0
	}
	return len(e.names)
}
