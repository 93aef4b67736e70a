package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ashureev/personagate/internal/analytics"
	"github.com/ashureev/personagate/internal/domain"
	"github.com/ashureev/personagate/internal/identity"
	"github.com/ashureev/personagate/internal/logstore"
	"github.com/ashureev/personagate/internal/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/jedib0t/go-pretty/v6/table"
)

const (
	expensiveSessionLimit = 10
	expensiveSessionDays  = 30
	maxAdminBodySize      = 64 << 10
)

// SessionClearer removes a session and reports its previous counters.
type SessionClearer interface {
	ClearSession(ctx context.Context, sessionID string) (domain.Counters, error)
}

// Extensions resolves and lists extension requests.
type Extensions interface {
	Approve(ctx context.Context, requestID string, granted int) (*domain.ExtensionRequest, error)
	Deny(ctx context.Context, requestID string) (*domain.ExtensionRequest, error)
	List(ctx context.Context, status string) ([]*domain.ExtensionRequest, error)
}

// AdminHandler serves the key-protected admin endpoints.
type AdminHandler struct {
	sessions   SessionClearer
	extensions Extensions
	analytics  *analytics.Engine
	key        string
	logger     *slog.Logger
}

// NewAdminHandler creates an AdminHandler. An empty key disables every
// admin endpoint.
func NewAdminHandler(sessions SessionClearer, ext Extensions, engine *analytics.Engine, key string, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{sessions: sessions, extensions: ext, analytics: engine, key: key, logger: logger}
}

// RegisterRoutes registers admin routes, each behind the admin key.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	guard := func(endpoint string) func(http.Handler) http.Handler {
		return middleware.AdminKey(h.key, endpoint)
	}
	r.With(guard("Reset endpoint")).Get("/reset", h.Reset)
	r.With(guard("Dataset endpoint")).Get("/dataset", h.Dataset)
	r.With(guard("Usage stats endpoint")).Get("/usage-stats", h.UsageStats)
	r.With(guard("Usage API endpoint")).Get("/usage-api", h.UsageAPI)
	r.With(guard("Extension requests endpoint")).Get("/extension-requests", h.ExtensionRequests)
	r.With(guard("Reset approval")).Post("/approve-extension", h.ApproveExtension)
	r.With(guard("Extension denial")).Post("/deny-extension", h.DenyExtension)
}

// Reset clears the session named by session_id, or the caller's own.
func (h *AdminHandler) Reset(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		sessionID = identity.SessionIDFromContext(r.Context())
	}
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}

	prev, err := h.sessions.ClearSession(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("admin session reset failed", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to reset session")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"status":                      "success",
		"message":                     "Session reset successfully",
		"session_id":                  sessionID,
		"previous_in_scope_count":     prev.InScopeCount,
		"previous_out_of_scope_count": prev.OutOfScopeCount,
		"previous_total_turns":        prev.TotalTurns,
	})
}

type datasetFilters struct {
	Date      string `json:"date"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	SessionID string `json:"session_id"`
	Filtered  string `json:"filtered"`
}

// Dataset pages through the interaction log.
func (h *AdminHandler) Dataset(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format, err := ParseFormat(q.Get("format"))
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	f := datasetFilters{
		Date:      strings.TrimSpace(q.Get("date")),
		StartDate: strings.TrimSpace(q.Get("start_date")),
		EndDate:   strings.TrimSpace(q.Get("end_date")),
		SessionID: strings.TrimSpace(q.Get("session_id")),
		Filtered:  strings.TrimSpace(q.Get("filtered")),
	}
	rng, err := h.analytics.Range(f.Date, f.StartDate, f.EndDate)
	if err != nil {
		h.paramError(w, format, err)
		return
	}
	filter, err := analytics.ParseFilter(f.Filtered)
	if err != nil {
		h.paramError(w, format, err)
		return
	}
	f.Filtered = string(filter)

	page, err := h.analytics.Query(r.Context(), analytics.Query{
		Range:     rng,
		SessionID: f.SessionID,
		Filtered:  filter,
		Limit:     intParam(q.Get("limit"), analytics.DefaultLimit),
		Offset:    intParam(q.Get("offset"), 0),
	})
	if err != nil {
		h.internalError(w, "Error parsing logs", err)
		return
	}

	if format == FormatJSON {
		JSON(w, http.StatusOK, struct {
			*analytics.Page
			Filters datasetFilters `json:"filters"`
		}{page, f})
		return
	}
	HTML(w, http.StatusOK, "Dataset", analytics.PageTable(page))
}

// UsageStats reports token usage and estimated cost.
func (h *AdminHandler) UsageStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format, err := ParseFormat(q.Get("format"))
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	startDate := strings.TrimSpace(q.Get("start_date"))
	endDate := strings.TrimSpace(q.Get("end_date"))
	sessionID := strings.TrimSpace(q.Get("session_id"))
	rng, err := h.analytics.Range("", startDate, endDate)
	if err != nil {
		h.paramError(w, format, err)
		return
	}

	ctx := r.Context()
	usage, err := h.analytics.UsageStats(ctx, rng, sessionID)
	if err != nil {
		h.internalError(w, "Error analyzing usage", err)
		return
	}
	expensive, err := h.analytics.ExpensiveSessions(ctx, h.analytics.RecentRange(expensiveSessionDays), expensiveSessionLimit)
	if err != nil {
		h.internalError(w, "Error analyzing usage", err)
		return
	}
	summary, err := h.analytics.Stats(ctx, rng, sessionID)
	if err != nil {
		h.internalError(w, "Error analyzing usage", err)
		return
	}

	if format == FormatJSON {
		JSON(w, http.StatusOK, map[string]interface{}{
			"stats":              usage,
			"classification":     summary,
			"expensive_sessions": expensive,
			"filters": map[string]string{
				"start_date": startDate,
				"end_date":   endDate,
				"session_id": sessionID,
			},
		})
		return
	}
	HTML(w, http.StatusOK, "Usage statistics",
		analytics.UsageTable(usage, expensive),
		analytics.SummaryTable(summary),
		analytics.RecentTable(summary.RecentFiltered),
	)
}

// UsageAPI compares local usage records with the provider's usage report.
func (h *AdminHandler) UsageAPI(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format, err := ParseFormat(q.Get("format"))
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	rng, err := h.analytics.Range("", strings.TrimSpace(q.Get("start_date")), strings.TrimSpace(q.Get("end_date")))
	if err != nil {
		h.paramError(w, format, err)
		return
	}

	rep, err := h.analytics.Reconcile(r.Context(), rng)
	if errors.Is(err, analytics.ErrUsageAPIDisabled) {
		Error(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		h.internalError(w, "Error comparing usage", err)
		return
	}

	if format == FormatJSON {
		JSON(w, http.StatusOK, struct {
			*analytics.Reconciliation
			Filters logstore.DateRange `json:"filters"`
		}{rep, logstore.DateRange{Start: rep.Start, End: rep.End}})
		return
	}
	HTML(w, http.StatusOK, "Usage reconciliation", analytics.ReconciliationTable(rep))
}

// ExtensionRequests lists requests filtered by status (default pending).
func (h *AdminHandler) ExtensionRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format, err := ParseFormat(q.Get("format"))
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	status := strings.TrimSpace(q.Get("status"))
	if status == "" {
		status = string(domain.StatusPending)
	}

	reqs, err := h.extensions.List(r.Context(), status)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidStatus) {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		h.internalError(w, "Error listing requests", err)
		return
	}

	if format == FormatJSON {
		JSON(w, http.StatusOK, map[string]interface{}{
			"requests":      reqs,
			"status_filter": status,
		})
		return
	}
	HTML(w, http.StatusOK, "Extension requests", requestsTable(reqs))
}

func requestsTable(reqs []*domain.ExtensionRequest) table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Request", "Session", "Email", "Status", "Created", "Resolved"})
	for _, req := range reqs {
		resolved := ""
		if req.ResolvedAt != nil {
			resolved = req.ResolvedAt.Format(domain.TimestampLayout)
		}
		tw.AppendRow(table.Row{req.RequestID, req.SessionID, req.Email, req.Status,
			req.CreatedAt.Format(domain.TimestampLayout), resolved})
	}
	return tw
}

type resolveBody struct {
	RequestID      string `json:"request_id"`
	QueriesGranted *int   `json:"queries_granted"`
}

func decodeResolve(w http.ResponseWriter, r *http.Request) (*resolveBody, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodySize)
	var body resolveBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	body.RequestID = strings.TrimSpace(body.RequestID)
	if body.RequestID == "" {
		Error(w, http.StatusBadRequest, "request_id is required")
		return nil, false
	}
	return &body, true
}

// ApproveExtension approves a pending request; the reset applies on the
// session's next turn.
func (h *AdminHandler) ApproveExtension(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeResolve(w, r)
	if !ok {
		return
	}
	granted := 0
	if body.QueriesGranted != nil {
		granted = *body.QueriesGranted
	}

	req, err := h.extensions.Approve(r.Context(), body.RequestID, granted)
	if err != nil {
		h.resolveError(w, body.RequestID, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"status":     "success",
		"message":    "Reset approved - session will be cleared on next request",
		"session_id": req.SessionID,
	})
}

// DenyExtension denies a pending request.
func (h *AdminHandler) DenyExtension(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeResolve(w, r)
	if !ok {
		return
	}

	req, err := h.extensions.Deny(r.Context(), body.RequestID)
	if err != nil {
		h.resolveError(w, body.RequestID, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"status":     "success",
		"message":    "Extension request denied",
		"session_id": req.SessionID,
	})
}

func (h *AdminHandler) resolveError(w http.ResponseWriter, requestID string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		Error(w, http.StatusNotFound, "Request not found")
	case errors.Is(err, domain.ErrAlreadyResolved):
		Error(w, http.StatusConflict, "Request already resolved")
	default:
		h.logger.Error("resolving extension request failed", "request_id", requestID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to resolve request")
	}
}

func (h *AdminHandler) paramError(w http.ResponseWriter, format Format, err error) {
	var perr *analytics.ParamError
	if !errors.As(err, &perr) {
		h.internalError(w, "Error parsing parameters", err)
		return
	}
	if format == FormatJSON {
		JSON(w, http.StatusBadRequest, map[string]string{"error": perr.Message, "field": perr.Field})
		return
	}
	tw := table.NewWriter()
	tw.AppendRow(table.Row{perr.Field, perr.Message})
	HTML(w, http.StatusBadRequest, "Invalid parameter", tw)
}

func (h *AdminHandler) internalError(w http.ResponseWriter, prefix string, err error) {
	h.logger.Error(prefix, "error", err)
	Error(w, http.StatusInternalServerError, prefix+": "+err.Error())
}

// intParam parses an integer parameter, falling back on absent or
// malformed values.
func intParam(s string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return n
}
