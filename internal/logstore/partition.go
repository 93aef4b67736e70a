package logstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// DateKeyLayout is the compact YYMMDD partition key.
const DateKeyLayout = "060102"

var partitionPattern = regexp.MustCompile(`^(\d{6})-(Queries|Usage)\.ndjson$`)

// Partition is one day of records of a single kind.
type Partition struct {
	Key  string
	Kind Kind
	Path string
}

// DateRange selects partitions by inclusive YYMMDD keys. An empty bound is open.
type DateRange struct {
	Start string
	End   string
}

// Contains reports whether key falls within the range.
func (r DateRange) Contains(key string) bool {
	if r.Start != "" && key < r.Start {
		return false
	}
	if r.End != "" && key > r.End {
		return false
	}
	return true
}

// DateKey formats t as a partition key.
func DateKey(t time.Time) string {
	return t.Format(DateKeyLayout)
}

// PartitionName returns the file name for a kind and date key.
func PartitionName(kind Kind, key string) string {
	return key + "-" + string(kind) + ".ndjson"
}

// ParseDateKey resolves "today", "yesterday" or an explicit YYMMDD key
// relative to now.
func ParseDateKey(s string, now time.Time) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "today":
		return DateKey(now), nil
	case "yesterday":
		return DateKey(now.AddDate(0, 0, -1)), nil
	}
	if len(s) != 6 {
		return "", fmt.Errorf("invalid date %q: expected YYMMDD, today or yesterday", s)
	}
	if _, err := time.Parse(DateKeyLayout, s); err != nil {
		return "", fmt.Errorf("invalid date %q: expected YYMMDD, today or yesterday", s)
	}
	return s, nil
}

// ResolveDate is ParseDateKey against the store's clock.
func (s *Store) ResolveDate(v string) (string, error) {
	return ParseDateKey(v, s.Now())
}

// Partitions lists partitions of kind within r in ascending date order.
// A missing directory yields no partitions.
func (s *Store) Partitions(kind Kind, r DateRange) ([]Partition, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list log directory: %w", err)
	}

	var parts []Partition
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := partitionPattern.FindStringSubmatch(e.Name())
		if m == nil || Kind(m[2]) != kind || !r.Contains(m[1]) {
			continue
		}
		parts = append(parts, Partition{
			Key:  m[1],
			Kind: kind,
			Path: filepath.Join(s.dir, e.Name()),
		})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Key < parts[j].Key })
	return parts, nil
}

// Prune removes partitions of every kind dated strictly before the key.
func (s *Store) Prune(before string) (int, error) {
	removed := 0
	for _, kind := range []Kind{KindInteraction, KindUsage} {
		parts, err := s.Partitions(kind, DateRange{})
		if err != nil {
			return removed, err
		}
		for _, p := range parts {
			if p.Key >= before {
				continue
			}
			if err := os.Remove(p.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return removed, fmt.Errorf("remove %s: %w", p.Path, err)
			}
			removed++
		}
	}
	s.metrics.PartitionsPruned(removed)
	return removed, nil
}
