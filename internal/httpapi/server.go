package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/mirrorsync/internal/mirror"
)

const HeaderCorrelationID = "X-Correlation-Id"

type ServerConfig struct {
	JWTSecret       string
	WebhookSecret   string
	WebhookMaxSkew  time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	CORSOrigins     []string
	// Metrics is mounted at /metrics when set.
	Metrics  http.Handler
	Notifier *mirror.Broadcaster
	Logger   zerolog.Logger
	Clock    func() time.Time
}

type Server struct {
	engine      *mirror.Engine
	cfg         ServerConfig
	log         zerolog.Logger
	router      chi.Router
	rateLimiter *rateLimiter
	replayMu    sync.Mutex
	replaySeen  map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(engine *mirror.Engine, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.WebhookMaxSkew <= 0 {
		cfg.WebhookMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		engine:      engine,
		cfg:         cfg,
		log:         cfg.Logger.With().Str("component", "httpapi").Logger(),
		rateLimiter: limiter,
		replaySeen:  map[string]time.Time{},
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.correlate)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", HeaderCorrelationID},
			ExposedHeaders: []string{HeaderCorrelationID},
		}))
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/webhooks/{source}", s.handleWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(ScopeAdminSync))
			r.Post("/admin/sync", s.handleManualSync)
			r.Post("/admin/resync", s.handleForceResync)
			r.Post("/admin/snapshot", s.handleCaptureSnapshot)
			r.Get("/writebacks/pending", s.handlePendingWritebacks)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(ScopeAdminWorkspaces))
			r.Get("/workspaces", s.handleListWorkspaces)
			r.Post("/workspaces", s.handleAddWorkspace)
			r.Delete("/workspaces/{id}", s.handleDeleteWorkspace)
			r.Post("/workspaces/{id}/toggle", s.handleToggleWorkspace)
			r.Post("/workspaces/{id}/test", s.handleTestConnection)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(ScopeRecordsRead))
			r.Get("/records", s.handleListRecords)
			r.Get("/records/{source}/{externalID}", s.handleGetRecord)
			r.Get("/snapshots", s.handleListSnapshots)
			r.Get("/stats", s.handleStats)
			r.Get("/runs", s.handleListRuns)
			r.Get("/identity/resolve", s.handleResolveIdentity)
			r.Get("/events/ws", s.handleEventsWebsocket)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(ScopeRecordsWrite))
			r.Post("/records", s.handleCreateLocalRecord)
			r.Patch("/records/{source}/{externalID}", s.handleEditRecord)
		})
	})
	return r
}

type correlationKey struct{}

// correlate takes the caller's X-Correlation-Id or falls back to the request
// id, and echoes it on the response.
func (s *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderCorrelationID))
		if id == "" {
			id = middleware.GetReqID(r.Context())
		}
		w.Header().Set(HeaderCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, id)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		event := s.log.Debug()
		if ww.Status() >= http.StatusInternalServerError {
			event = s.log.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Str("correlation_id", getCorrelationID(r)).
			Dur("elapsed", time.Since(started)).
			Msg("request")
	})
}

func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := getCorrelationID(r)
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				// browsers cannot set headers on websocket upgrades
				if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
					authHeader = "Bearer " + token
				}
			}
			now := s.cfg.Clock()
			claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, scope, now)
			if authErr != nil {
				writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
				return
			}
			if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, now) {
				retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if s.cfg.WebhookSecret != "" {
		now := s.cfg.Clock()
		timestamp := r.Header.Get(HeaderWebhookTimestamp)
		signature := r.Header.Get(HeaderWebhookSignature)
		if authErr := verifyWebhookHMAC(s.cfg.WebhookSecret, timestamp, signature, body, now, s.cfg.WebhookMaxSkew); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		if !s.markReplaySeen(timestamp, signature, now) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "webhook replay detected", correlationID)
			return
		}
	}
	event, err := mirror.DecodeEvent(body)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	result, err := s.engine.ApplyEvent(r.Context(), chi.URLParam(r, "source"), event)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleManualSync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.TriggerManualSync(r.Context(), r.URL.Query().Get("source")))
}

func (s *Server) handleForceResync(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ForceResync(r.Context(), r.URL.Query().Get("source")))
}

func (s *Server) handleCaptureSnapshot(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.CaptureSnapshot(r.Context())
	if err != nil {
		writeEngineError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePendingWritebacks(w http.ResponseWriter, r *http.Request) {
	items, ok := s.engine.PendingWritebacks()
	if !ok {
		writeError(w, http.StatusNotImplemented, "not_implemented", "writeback queue cannot list pending items", getCorrelationID(r))
		return
	}
	if items == nil {
		items = []mirror.WritebackQueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	configs, err := s.engine.ListWorkspaces(r.Context(), r.URL.Query().Get("source"))
	if err != nil {
		writeEngineError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspaces": configs})
}

func (s *Server) handleAddWorkspace(w http.ResponseWriter, r *http.Request) {
	var req mirror.AddWorkspaceRequest
	if !s.decodeJSONBody(w, r, getCorrelationID(r), &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.engine.AddWorkspace(r.Context(), req))
}

func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.DeleteWorkspace(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) handleToggleWorkspace(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ToggleWorkspaceActive(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.TestConnection(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	query := r.URL.Query()
	includeCompleted, err := parseOptionalBool(query.Get("includeCompleted"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid includeCompleted", correlationID)
		return
	}
	limit, err := parseOptionalBoundedInt(query.Get("limit"), 0, 0, 10000)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
		return
	}
	records, err := s.engine.ListRecords(r.Context(), mirror.RecordQuery{
		Source:           query.Get("source"),
		WorkspaceID:      query.Get("workspaceId"),
		Kind:             mirror.RecordKind(query.Get("kind")),
		Team:             query.Get("team"),
		Project:          query.Get("project"),
		State:            query.Get("state"),
		IncludeCompleted: includeCompleted,
		Limit:            limit,
	})
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	record, err := s.engine.Store().GetRecord(r.Context(), chi.URLParam(r, "source"), chi.URLParam(r, "externalID"))
	if err != nil {
		writeEngineError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleCreateLocalRecord(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var record mirror.LocalRecord
	if !s.decodeJSONBody(w, r, correlationID, &record) {
		return
	}
	created, err := s.engine.CreateLocalRecord(r.Context(), record)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleEditRecord(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req mirror.EditRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	req.Source = chi.URLParam(r, "source")
	req.ExternalID = chi.URLParam(r, "externalID")
	if req.CorrelationID == "" {
		req.CorrelationID = correlationID
	}
	record, err := s.engine.EditRecord(r.Context(), req)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	query := r.URL.Query()
	from, err := parseOptionalTime(query.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid from: "+err.Error(), correlationID)
		return
	}
	to, err := parseOptionalTime(query.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid to: "+err.Error(), correlationID)
		return
	}
	rollup, err := parseOptionalBool(query.Get("rollup"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid rollup", correlationID)
		return
	}
	rows, err := s.engine.ListSnapshots(r.Context(), mirror.SnapshotQuery{
		From:            from,
		To:              to,
		DimensionPrefix: query.Get("dimension"),
		Rollup:          rollup,
	})
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": rows})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		writeEngineError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	limit, err := parseOptionalBoundedInt(r.URL.Query().Get("limit"), 50, 1, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
		return
	}
	runs, err := s.engine.ListSyncRuns(r.Context(), r.URL.Query().Get("source"), limit)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleResolveIdentity(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	query := r.URL.Query()
	key := mirror.IdentityKey{
		Link:     query.Get("link"),
		External: query.Get("external"),
		Username: query.Get("username"),
		Phone:    query.Get("phone"),
		Email:    query.Get("email"),
	}
	if key == (mirror.IdentityKey{}) {
		writeError(w, http.StatusBadRequest, "bad_request", "at least one identity signal is required", correlationID)
		return
	}
	record, found, err := s.engine.ResolveIdentity(r.Context(), key)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "no record matches the given signals", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func getCorrelationID(r *http.Request) string {
	if id, ok := r.Context().Value(correlationKey{}).(string); ok {
		return id
	}
	return r.Header.Get(HeaderCorrelationID)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

// writeEngineError maps engine sentinel errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, mirror.ErrUnknownSource):
		writeError(w, http.StatusNotFound, "unknown_source", err.Error(), correlationID)
	case errors.Is(err, mirror.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, mirror.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, mirror.ErrSyncInProgress):
		writeError(w, http.StatusConflict, "sync_in_progress", err.Error(), correlationID)
	case errors.Is(err, mirror.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	case errors.Is(err, mirror.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	case errors.Is(err, mirror.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	for replayKey, expiresAt := range s.replaySeen {
		if !now.Before(expiresAt) {
			delete(s.replaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.replaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.replaySeen[key] = now.Add(s.cfg.WebhookMaxSkew)
	return true
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, fmt.Errorf("out of range")
	}
	return parsed, nil
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	return strconv.ParseBool(trimmed)
}

func parseOptionalTime(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, trimmed)
}
