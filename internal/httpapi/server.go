package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/sheetgate/internal/sheetgate"
)

// Gateway is the part of *sheetgate.Gateway the HTTP surface drives.
type Gateway interface {
	Schemas() *sheetgate.SchemaSet
	FetchBatch(ctx context.Context, sourceID string, entityNames []string) (*sheetgate.BatchResult, error)
	Create(ctx context.Context, entity string, partial sheetgate.Record) (sheetgate.Record, error)
	Update(ctx context.Context, entity string, record sheetgate.Record) (sheetgate.Record, error)
	Delete(ctx context.Context, entity, key string) error
	ClearVolatileCache()
	InvalidateJournal(ctx context.Context, sourceID string) error
	Subscribe(buffer int) (<-chan sheetgate.InvalidationEvent, func())
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	Logger  sheetgate.Logger
	Now     func() time.Time
}

type Server struct {
	gateway     Gateway
	cfg         ServerConfig
	rateLimiter *rateLimiter
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

func NewServer(gateway Gateway) *Server {
	return NewServerWithConfig(gateway, ServerConfig{})
}

func NewServerWithConfig(gateway Gateway, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
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
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{gateway: gateway, cfg: cfg, rateLimiter: limiter}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.cfg.Metrics != nil {
		s.cfg.Metrics.ServeHTTP(w, r)
		return
	}

	parts, ok := pathSegments(r.URL)
	var sourceID, requiredScope, route string
	switch {
	case !ok:
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "cache" && parts[2] == "volatile" && parts[3] == "clear" && r.Method == http.MethodPost:
		requiredScope = scopeCacheAdmin
		route = "cache_clear"
	case len(parts) >= 4 && parts[0] == "v1" && parts[1] == "sources":
		sourceID = parts[2]
		switch {
		case len(parts) == 4 && parts[3] == "batch" && r.Method == http.MethodGet:
			requiredScope = scopeEntitiesRead
			route = "batch"
		case len(parts) == 4 && parts[3] == "watch" && r.Method == http.MethodGet:
			requiredScope = scopeEntitiesRead
			route = "watch"
		case len(parts) == 4 && parts[3] == "journal" && r.Method == http.MethodDelete:
			requiredScope = scopeCacheAdmin
			route = "journal_invalidate"
		case len(parts) == 5 && parts[3] == "entities" && r.Method == http.MethodPost:
			requiredScope = scopeEntitiesWrite
			route = "create"
		case len(parts) == 6 && parts[3] == "entities" && r.Method == http.MethodPut:
			requiredScope = scopeEntitiesWrite
			route = "update"
		case len(parts) == 6 && parts[3] == "entities" && r.Method == http.MethodDelete:
			requiredScope = scopeEntitiesWrite
			route = "delete"
		}
	}
	if route == "" || (route != "cache_clear" && sourceID == "") {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	now := s.cfg.Now().UTC()
	var claims tokenClaims
	var authErr *authError
	if route == "watch" && r.Header.Get("Authorization") == "" {
		// Browsers cannot set headers on websocket upgrades.
		claims, authErr = authorizeToken(r.URL.Query().Get("access_token"), s.cfg.JWTSecret, sourceID, requiredScope, now)
	} else {
		claims, authErr = authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, sourceID, requiredScope, now)
	}
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" && route != "watch" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := sourceID + "|" + claims.Subject
		if !s.rateLimiter.allow(key, now) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "cache_clear":
		s.gateway.ClearVolatileCache()
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	case "batch":
		s.handleBatch(w, r, sourceID, correlationID)
	case "watch":
		s.handleWatch(w, r, sourceID)
	case "journal_invalidate":
		s.handleJournalInvalidate(w, r, sourceID, correlationID)
	case "create":
		s.handleCreate(w, r, sourceID, parts[4], correlationID)
	case "update":
		s.handleUpdate(w, r, sourceID, parts[4], parts[5], correlationID)
	case "delete":
		s.handleDelete(w, r, sourceID, parts[4], parts[5], correlationID)
	}
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, sourceID, correlationID string) {
	var names []string
	for _, raw := range r.URL.Query()["entities"] {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
	}
	result, err := s.gateway.FetchBatch(r.Context(), sourceID, names)
	if err != nil {
		s.writeGatewayError(w, err, correlationID)
		return
	}
	etag := `"` + result.Checksum + `"`
	w.Header().Set("ETag", etag)
	if match := normalizeETag(r.Header.Get("If-None-Match")); match != "" && match == result.Checksum {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleJournalInvalidate(w http.ResponseWriter, r *http.Request, sourceID, correlationID string) {
	if err := s.gateway.InvalidateJournal(r.Context(), sourceID); err != nil {
		s.writeGatewayError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated", "sourceId": sourceID})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, sourceID, entity, correlationID string) {
	if _, ok := s.entityInSource(w, sourceID, entity, correlationID); !ok {
		return
	}
	var record sheetgate.Record
	if !s.decodeJSONBody(w, r, correlationID, &record) {
		return
	}
	created, err := s.gateway.Create(r.Context(), entity, record)
	if err != nil {
		s.writeGatewayError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, sourceID, entity, key, correlationID string) {
	schema, ok := s.entityInSource(w, sourceID, entity, correlationID)
	if !ok {
		return
	}
	var record sheetgate.Record
	if !s.decodeJSONBody(w, r, correlationID, &record) {
		return
	}
	if record == nil {
		record = sheetgate.Record{}
	}
	if existing, ok := record[schema.KeyField]; ok && strings.TrimSpace(fmt.Sprint(existing)) != key {
		writeError(w, http.StatusBadRequest, "invalid_input", "body key does not match path key", correlationID)
		return
	}
	record[schema.KeyField] = key
	updated, err := s.gateway.Update(r.Context(), entity, record)
	if err != nil {
		s.writeGatewayError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, sourceID, entity, key, correlationID string) {
	if _, ok := s.entityInSource(w, sourceID, entity, correlationID); !ok {
		return
	}
	if err := s.gateway.Delete(r.Context(), entity, key); err != nil {
		s.writeGatewayError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "entity": entity, "key": key})
}

// entityInSource rejects entities that exist but belong to another source,
// so a token scoped to one source cannot mutate another.
func (s *Server) entityInSource(w http.ResponseWriter, sourceID, entity, correlationID string) (*sheetgate.EntitySchema, bool) {
	schema, ok := s.gateway.Schemas().Entity(entity)
	if !ok || schema.SourceID != sourceID {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("entity %s not found in source %s", entity, sourceID), correlationID)
		return nil, false
	}
	return schema, true
}

func (s *Server) writeGatewayError(w http.ResponseWriter, err error, correlationID string) {
	status, code := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logf("sheetgate http: %s: %v", code, err)
	}
	if status == http.StatusServiceUnavailable {
		var remote *sheetgate.RemoteError
		if errors.As(err, &remote) && remote.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(remote.RetryAfter.Seconds()))))
		}
	}
	writeError(w, status, code, err.Error(), correlationID)
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, sheetgate.ErrValidation), errors.Is(err, sheetgate.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, sheetgate.ErrKeyNotFound):
		return http.StatusNotFound, "key_not_found"
	case errors.Is(err, sheetgate.ErrDuplicateKey):
		return http.StatusConflict, "duplicate_key"
	case errors.Is(err, sheetgate.ErrHeaderNotFound):
		return http.StatusUnprocessableEntity, "header_not_found"
	case errors.Is(err, sheetgate.ErrNotImplemented):
		return http.StatusNotImplemented, "not_implemented"
	case sheetgate.IsFatal(err):
		return http.StatusBadGateway, "remote_error"
	case sheetgate.IsTransient(err):
		return http.StatusServiceUnavailable, "remote_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
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

func normalizeETag(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if strings.HasPrefix(value, "W/") || strings.HasPrefix(value, "w/") {
		value = strings.TrimSpace(value[2:])
	}
	if len(value) >= 2 && strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"") {
		value = strings.TrimSpace(value[1 : len(value)-1])
	}
	return value
}

// pathSegments splits the escaped path so an encoded slash inside a key
// stays part of its segment.
func pathSegments(u *url.URL) ([]string, bool) {
	parts := strings.Split(strings.TrimPrefix(u.EscapedPath(), "/"), "/")
	for i, part := range parts {
		decoded, err := url.PathUnescape(part)
		if err != nil {
			return nil, false
		}
		parts[i] = decoded
	}
	return parts, true
}
