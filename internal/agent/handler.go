package agent

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/personagate/internal/api"
	"github.com/ashureev/personagate/internal/identity"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (64KB).
const defaultMaxRequestBodySize = 64 << 10

// Handler serves the chat and status endpoints.
type Handler struct {
	svc       *Service
	logger    *slog.Logger
	rateLimit int
	window    time.Duration
}

// NewHandler creates a Handler. A rateLimit of zero disables per-IP limiting.
func NewHandler(svc *Service, rateLimit int, window time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger, rateLimit: rateLimit, window: window}
}

// RegisterRoutes registers chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.rateLimit > 0 {
			r.Use(httprate.Limit(h.rateLimit, h.window,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
					api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
				}),
			))
		}
		r.Post("/chat", h.HandleChat)
		r.Post("/vet", h.HandleVet)
	})
	r.Get("/status", h.HandleStatus)
}

// HandleChat handles POST /chat.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	if sessionID == "" {
		api.Error(w, http.StatusUnauthorized, "no session")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		req.Message = nil
	}

	message := ""
	if req.Message != nil {
		message = *req.Message
	}

	resp, err := h.svc.Chat(r.Context(), sessionID, message, req.Message != nil)
	if err != nil {
		h.writeError(w, r, sessionID, err)
		return
	}
	api.JSON(w, http.StatusOK, resp)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, sessionID string, err error) {
	var limitErr *LimitError
	var inputErr *InputError
	var convErr *ConversationError
	switch {
	case errors.As(err, &limitErr):
		api.JSON(w, http.StatusTooManyRequests, limitErr)
	case errors.As(err, &inputErr):
		api.JSON(w, http.StatusBadRequest, inputErr)
	case errors.As(err, &convErr):
		api.JSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Failed to get response",
			"message": convErr.Err.Error(),
		})
	default:
		h.logger.Error("chat turn failed",
			"session_id", sessionID,
			"request_id", chiMiddleware.GetReqID(r.Context()),
			"error", err,
		)
		api.Error(w, http.StatusInternalServerError, "internal error")
	}
}

// HandleVet handles POST /vet.
func (h *Handler) HandleVet(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	var req VetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		req.JobDescription = nil
	}

	jd := ""
	if req.JobDescription != nil {
		jd = *req.JobDescription
	}
	result, err := h.svc.Vet(r.Context(), sessionID, jd, req.JobDescription != nil)
	if err != nil {
		var vetErr *VettingError
		if errors.As(err, &vetErr) {
			api.JSON(w, http.StatusInternalServerError, map[string]string{
				"error":   "Failed to evaluate job description",
				"message": vetErr.Err.Error(),
			})
			return
		}
		h.writeError(w, r, sessionID, err)
		return
	}
	api.JSON(w, http.StatusOK, result)
}

// HandleStatus handles GET /status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	status, err := h.svc.Status(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("status lookup failed", "session_id", sessionID, "error", err)
		api.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	api.JSON(w, http.StatusOK, status)
}
