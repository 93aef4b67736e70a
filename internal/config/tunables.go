package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Tunables are settings re-read from a JSON file on every turn so they can be
// changed without a restart.
type Tunables struct {
	ConversationHistoryLimit int `json:"conversation_history_limit"`
}

// TunablesLoader reads Tunables from a file, falling back to defaults.
type TunablesLoader struct {
	path     string
	defaults Tunables
}

// NewTunablesLoader creates a loader. An empty path always yields defaults.
func NewTunablesLoader(path string, defaults Tunables) *TunablesLoader {
	return &TunablesLoader{path: path, defaults: defaults}
}

// Load returns the current tunables. A missing file yields the defaults; an
// unreadable one yields the defaults and an error describing the problem.
// Keys absent from the file keep their default.
func (l *TunablesLoader) Load() (Tunables, error) {
	t := l.defaults
	if l.path == "" {
		return t, nil
	}

	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return l.defaults, fmt.Errorf("read tunables: %w", err)
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return l.defaults, fmt.Errorf("invalid JSON in %s: %w", l.path, err)
	}
	if t.ConversationHistoryLimit < 0 {
		return l.defaults, fmt.Errorf("conversation_history_limit must be >= 0, got %d", t.ConversationHistoryLimit)
	}
	return t, nil
}
