// Package api provides HTTP helpers and the admin and health endpoints.
package api

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Format is the representation requested by an admin endpoint.
type Format int

// Formats.
const (
	FormatJSON Format = iota
	FormatHTML
)

// ParseFormat maps the format query parameter. structured and json select
// JSON; rendered, html and the empty string select an HTML page.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "structured", "json":
		return FormatJSON, nil
	case "", "rendered", "html":
		return FormatHTML, nil
	}
	return 0, fmt.Errorf(`Invalid format: %s. Use "structured", "json", "rendered", or "html".`, s)
}

// HTML writes a minimal page containing the rendered tables.
func HTML(w http.ResponseWriter, status int, title string, tables ...table.Writer) {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>")
	b.WriteString(html.EscapeString(title))
	b.WriteString("</title></head><body>\n<h1>")
	b.WriteString(html.EscapeString(title))
	b.WriteString("</h1>\n")
	for _, tw := range tables {
		b.WriteString(tw.RenderHTML())
		b.WriteString("\n")
	}
	b.WriteString("</body></html>\n")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(b.String()))
}
