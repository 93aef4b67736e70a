package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Persona reads the system prompt from disk on every call so edits apply
// without a restart.
type Persona struct {
	path     string
	fallback string
	logger   *slog.Logger
}

// NewPersona creates a loader for path. When the file is missing the
// fallback prompt names personaName.
func NewPersona(path, personaName string, logger *slog.Logger) *Persona {
	if logger == nil {
		logger = slog.Default()
	}
	return &Persona{
		path:     path,
		fallback: fmt.Sprintf("You are a helpful assistant representing %s.", personaName),
		logger:   logger,
	}
}

// Prompt returns the current persona text.
func (p *Persona) Prompt() string {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("persona file unreadable, using fallback", "path", p.path, "error", err)
		}
		return p.fallback
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return p.fallback
	}
	return text
}
