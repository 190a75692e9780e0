package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tjfontaine/streamchat/internal/core/domain"
	"github.com/tjfontaine/streamchat/internal/core/ports"
	"github.com/tjfontaine/streamchat/internal/engine"
	"github.com/tjfontaine/streamchat/internal/resilience"
)

// Handler exposes the engine's operations over REST.
type Handler struct {
	engine       *engine.Engine
	store        ports.StorageProvider
	source       ports.TokenSource
	logs         *resilience.LogBuffer
	defaultModel string
	logger       *slog.Logger
}

// HandlerOptions carries the collaborators the routes need.
type HandlerOptions struct {
	Engine       *engine.Engine
	Store        ports.StorageProvider
	Source       ports.TokenSource
	Logs         *resilience.LogBuffer
	DefaultModel string
	Logger       *slog.Logger
}

func NewHandler(opts HandlerOptions) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:       opts.Engine,
		store:        opts.Store,
		source:       opts.Source,
		logs:         opts.Logs,
		defaultModel: opts.DefaultModel,
		logger:       logger,
	}
}

// Mount attaches all routes under /v1.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/healthz", h.health)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/conversations", h.createConversation)
		r.Get("/conversations/{id}/messages", h.listMessages)
		r.Delete("/conversations/{id}", h.deleteConversation)
		r.Post("/conversations/{id}/generate", h.generate)

		r.Post("/sessions", h.createSession)
		r.Get("/sessions", h.listSessions)
		r.Get("/sessions/{id}", h.getSession)
		r.Post("/sessions/{id}/terminate", h.terminateSession)
		r.Post("/sessions/{id}/complete", h.completeSession)
		r.Delete("/sessions/{id}", h.deleteSession)
		r.Get("/sessions/{id}/events", h.listEvents)

		r.Get("/stats", h.stats)
		r.Get("/models", h.listModels)
		r.Get("/observability/logs", h.observabilityLogs)
		r.Get("/observability/metrics", h.observabilityMetrics)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)

	status := http.StatusInternalServerError
	var derr *domain.Error
	if errors.As(err, &derr) {
		status = derr.HTTPStatusCode()
	}

	var body errorBody
	body.Error.Kind = string(domain.KindOf(err))
	body.Error.Message = err.Error()
	writeJSON(w, status, body)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- conversations ---

type createConversationRequest struct {
	Title string `json:"title"`
}

func (h *Handler) createConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, domain.E(domain.KindInvalidArgument, "api.create_conversation", "invalid JSON body"))
		return
	}

	conv := &domain.Conversation{
		ID:    "conv_" + uuid.New().String(),
		Title: req.Title,
	}
	if err := h.store.CreateConversation(r.Context(), conv); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	convID := chi.URLParam(r, "id")
	if _, err := h.store.GetConversation(r.Context(), convID); err != nil {
		h.writeError(w, r, err)
		return
	}
	msgs, err := h.store.ListMessages(r.Context(), convID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (h *Handler) deleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteConversation(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- sessions ---

type createSessionRequest struct {
	ConversationID string `json:"conversation_id"`
	Model          string `json:"model"`
	TimeoutMs      int64  `json:"timeout_ms,omitempty"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, domain.E(domain.KindInvalidArgument, "api.create_session", "invalid JSON body"))
		return
	}

	sess, err := h.engine.CreateSession(r.Context(), req.ConversationID, req.Model,
		time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	AddLogField(r.Context(), "session_id", sess.ID)
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.engine.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" || status == string(domain.StatusActive) {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": h.engine.ListActiveSessions()})
		return
	}

	sessions, err := h.engine.ListSessionsByStatus(r.Context(), domain.SessionStatus(status), 100)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

type terminateSessionRequest struct {
	ConversationID string `json:"conversation_id"`
	Reason         string `json:"reason,omitempty"`
}

func (h *Handler) terminateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	var req terminateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, domain.E(domain.KindInvalidArgument, "api.terminate_session", "invalid JSON body"))
		return
	}

	outcome, err := h.engine.TerminateSession(r.Context(), sessionID, req.ConversationID,
		domain.TerminationReason(req.Reason))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	AddLogField(r.Context(), "session_id", sessionID)
	status := http.StatusOK
	if !outcome.Success {
		// Already terminal (or otherwise not terminable): the caller's
		// request conflicts with the session's state.
		status = http.StatusConflict
	}
	writeJSON(w, status, outcome)
}

func (h *Handler) completeSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.engine.CompleteSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.ListLifecycleEvents(r.Context(), chi.URLParam(r, "id"), 100)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// --- generation ---

type generateRequest struct {
	Model     string `json:"model,omitempty"`
	Message   string `json:"message"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

// generate records the user message, opens a session, and starts the
// generation loop in the background. The client polls the session (or
// terminates it) by ID.
func (h *Handler) generate(w http.ResponseWriter, r *http.Request) {
	const op = "api.generate"
	convID := chi.URLParam(r, "id")

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, domain.E(domain.KindInvalidArgument, op, "invalid JSON body"))
		return
	}
	if req.Message == "" {
		h.writeError(w, r, domain.E(domain.KindInvalidArgument, op, "message is required"))
		return
	}

	model := req.Model
	if model == "" {
		model = h.defaultModel
	}
	if model == "" {
		h.writeError(w, r, domain.E(domain.KindInvalidArgument, op, "model is required and no default is configured"))
		return
	}

	msg := &domain.Message{
		ID:             "msg_" + uuid.New().String(),
		ConversationID: convID,
		Role:           "user",
		Content:        req.Message,
	}
	if err := h.store.AddMessage(r.Context(), convID, msg); err != nil {
		h.writeError(w, r, err)
		return
	}

	sess, err := h.engine.CreateSession(r.Context(), convID, model,
		time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	AddLogField(r.Context(), "session_id", sess.ID)

	// The loop outlives this request; the session timeout and the stop
	// predicate bound it, not the request context.
	go func() {
		if err := h.engine.RunGeneration(context.Background(), h.source, sess.ID); err != nil {
			h.logger.Warn("background generation ended with error",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()))
		}
	}()

	writeJSON(w, http.StatusAccepted, sess)
}

// --- observability ---

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetSessionStats())
}

func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.source.ListModels(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (h *Handler) observabilityLogs(w http.ResponseWriter, r *http.Request) {
	if h.logs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []resilience.LogEntry{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": h.logs.Entries()})
}

func (h *Handler) observabilityMetrics(w http.ResponseWriter, r *http.Request) {
	metrics := h.engine.Executor().Metrics()
	writeJSON(w, http.StatusOK, map[string]any{
		"operations": metrics.OperationSnapshot(),
		"sessions":   metrics.SessionSnapshot(),
		"circuits":   h.engine.Executor().CircuitStates(),
	})
}
