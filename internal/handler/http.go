package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/squadnet/internal/domain"
	"github.com/squadnet/internal/retention"
	"github.com/squadnet/internal/service"
	"github.com/squadnet/internal/websocket"
)

// IdempotencyKeyHeader carries the gateway's command-delivery key.
const IdempotencyKeyHeader = "X-Idempotency-Key"

// Handler provides HTTP handlers for the squad ledger API
type Handler struct {
	ledger    *service.Ledger
	retention *retention.Scheduler
	hub       *websocket.Hub
	logger    *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(ledger *service.Ledger, retention *retention.Scheduler, hub *websocket.Hub, logger *slog.Logger) *Handler {
	return &Handler{
		ledger:    ledger,
		retention: retention,
		hub:       hub,
		logger:    logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Squad session operations
		r.Route("/squads", func(r chi.Router) {
			r.Post("/", h.CreateSquad)
			r.Get("/", h.ListOpenSquads)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSquad)
				r.Post("/join", h.JoinSquad)
				r.Post("/leave", h.LeaveSquad)
				r.Post("/cancel", h.CancelSquad)
			})
		})

		// Stat submission
		r.Post("/stats", h.SubmitStats)

		// Activity events
		r.Post("/activity/message", h.RecordMessage)

		// Leaderboard and engagement reads
		r.Get("/communities/{communityID}/leaderboard", h.GetLeaderboard)
		r.Get("/communities/{communityID}/leaderboard/top", h.GetTopRanks)
		r.Get("/communities/{communityID}/rank/{userID}", h.GetRank)
		r.Get("/users/{userID}/level", h.GetLevel)

		// Erasure
		r.Delete("/users/{userID}", h.DeleteUser)
		r.Delete("/communities/{communityID}", h.DeleteCommunity)

		// WebSocket info endpoint
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID, X-Idempotency-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeDomainError maps a domain error onto an HTTP status. User errors
// surface verbatim; anything else is masked as an internal error.
func (h *Handler) writeDomainError(w http.ResponseWriter, op string, err error) {
	switch {
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrRateLimited):
		h.writeError(w, http.StatusTooManyRequests, err)
	case errors.Is(err, domain.ErrNotAuthorized):
		h.writeError(w, http.StatusForbidden, err)
	case errors.Is(err, domain.ErrDuplicateActiveSession), errors.Is(err, domain.ErrAlreadyMember):
		h.writeError(w, http.StatusConflict, err)
	case domain.IsUserError(err):
		h.writeError(w, http.StatusBadRequest, err)
	default:
		h.logger.Error("command failed", "op", op, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// command decodes a command body and fills in the idempotency key from
// the request header.
func command(r *http.Request, body interface{}, cmd *service.CommandContext) error {
	if err := json.NewDecoder(r.Body).Decode(body); err != nil {
		return domain.ErrInvalidRequest
	}
	if cmd.CommunityID == "" || cmd.UserID == "" {
		return domain.ErrInvalidRequest
	}
	cmd.IdempotencyKey = r.Header.Get(IdempotencyKeyHeader)
	return nil
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections": h.hub.GetTotalConnections(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

type createSquadRequest struct {
	service.CommandContext
	Mission string `json:"mission"`
	Notes   string `json:"notes,omitempty"`
}

// CreateSquad opens a new squad session
func (h *Handler) CreateSquad(w http.ResponseWriter, r *http.Request) {
	var req createSquadRequest
	if err := command(r, &req, &req.CommandContext); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	session, err := h.ledger.CreateSquad(r.Context(), req.CommandContext, req.Mission, req.Notes)
	if err != nil {
		h.writeDomainError(w, "create squad", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Data:    session,
	})
}

// ListOpenSquads returns a community's joinable sessions
func (h *Handler) ListOpenSquads(w http.ResponseWriter, r *http.Request) {
	communityID := r.URL.Query().Get("community_id")
	if communityID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	h.writeSuccess(w, h.ledger.OpenSessions(communityID))
}

// GetSquad returns a session snapshot
func (h *Handler) GetSquad(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	session, err := h.ledger.Session(sessionID)
	if err != nil {
		h.writeDomainError(w, "get squad", err)
		return
	}

	h.writeSuccess(w, session)
}

type memberRequest struct {
	service.CommandContext
}

// JoinSquad adds the caller to a session
func (h *Handler) JoinSquad(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req memberRequest
	if err := command(r, &req, &req.CommandContext); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	session, err := h.ledger.JoinSquad(r.Context(), req.CommandContext, sessionID)
	if err != nil {
		h.writeDomainError(w, "join squad", err)
		return
	}

	h.writeSuccess(w, session)
}

// LeaveSquad removes the caller from a session
func (h *Handler) LeaveSquad(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req memberRequest
	if err := command(r, &req, &req.CommandContext); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	session, err := h.ledger.LeaveSquad(r.Context(), req.CommandContext, sessionID)
	if err != nil {
		h.writeDomainError(w, "leave squad", err)
		return
	}

	h.writeSuccess(w, session)
}

// CancelSquad cancels a session on the leader's behalf
func (h *Handler) CancelSquad(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req memberRequest
	if err := command(r, &req, &req.CommandContext); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.ledger.CancelSquad(r.Context(), req.CommandContext, sessionID); err != nil {
		h.writeDomainError(w, "cancel squad", err)
		return
	}

	h.writeSuccess(w, map[string]string{"status": "cancelled"})
}

type submitStatsRequest struct {
	service.CommandContext
	Mission string           `json:"mission,omitempty"`
	Stats   map[string]int64 `json:"stats"`
}

// SubmitStats validates and applies a stat submission
func (h *Handler) SubmitStats(w http.ResponseWriter, r *http.Request) {
	var req submitStatsRequest
	if err := command(r, &req, &req.CommandContext); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	sub, err := h.ledger.SubmitStats(r.Context(), req.CommandContext, domain.StatPayload{
		Mission: req.Mission,
		Stats:   req.Stats,
	})
	if err != nil {
		h.writeDomainError(w, "submit stats", err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, APIResponse{
		Success: true,
		Data:    sub,
	})
}

// RecordMessage credits chat activity toward engagement
func (h *Handler) RecordMessage(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := command(r, &req, &req.CommandContext); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	h.ledger.RecordMessage(r.Context(), req.CommunityID, req.UserID)
	h.writeSuccess(w, map[string]string{"status": "recorded"})
}

// GetLeaderboard returns a community's ranked view
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	communityID := chi.URLParam(r, "communityID")
	if communityID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	h.writeSuccess(w, h.ledger.Leaderboard(communityID, limit))
}

// GetTopRanks returns a rank-only preview of a community board
func (h *Handler) GetTopRanks(w http.ResponseWriter, r *http.Request) {
	communityID := chi.URLParam(r, "communityID")
	if communityID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	h.writeSuccess(w, h.ledger.TopRanks(r.Context(), communityID))
}

// GetRank returns a single member's rank on a community board
func (h *Handler) GetRank(w http.ResponseWriter, r *http.Request) {
	communityID := chi.URLParam(r, "communityID")
	userID := chi.URLParam(r, "userID")
	if communityID == "" || userID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	entry, err := h.ledger.Rank(r.Context(), communityID, userID)
	if err != nil {
		h.writeDomainError(w, "get rank", err)
		return
	}
	h.writeSuccess(w, entry)
}

// GetLevel returns a user's engagement score and level
func (h *Handler) GetLevel(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	user, err := h.ledger.Level(userID)
	if err != nil {
		h.writeDomainError(w, "get level", err)
		return
	}

	h.writeSuccess(w, user)
}

// DeleteUser erases a user everywhere
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	h.retention.DeleteUser(r.Context(), userID)
	h.writeSuccess(w, map[string]string{"status": "deleted"})
}

// DeleteCommunity erases a community and all of its data
func (h *Handler) DeleteCommunity(w http.ResponseWriter, r *http.Request) {
	communityID := chi.URLParam(r, "communityID")
	if communityID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	h.retention.DeleteCommunity(r.Context(), communityID)
	h.writeSuccess(w, map[string]string{"status": "deleted"})
}
