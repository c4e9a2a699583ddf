package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"threadlink/api/internal/auth"
	"threadlink/api/internal/chat"
	"threadlink/api/internal/search"
)

const maxEventBytes = 1 << 20

type HTTPConfig struct {
	// SigningSecret enables signature checks on /api/events when set.
	SigningSecret string
	// AdminTokenHash is the bcrypt hash guarding /api/links.
	AdminTokenHash string
	Metrics        http.Handler
	Logger         *slog.Logger
}

type HTTPServer struct {
	service        *Service
	signingSecret  []byte
	adminTokenHash string
	metrics        http.Handler
	logger         *slog.Logger
	now            func() time.Time
}

func NewHTTPServer(service *Service, cfg HTTPConfig) *HTTPServer {
	s := &HTTPServer{
		service:        service,
		adminTokenHash: cfg.AdminTokenHash,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		now:            time.Now,
	}
	if cfg.SigningSecret != "" {
		s.signingSecret = []byte(cfg.SigningSecret)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/events" {
		s.handleEvent(w, r)
		return
	}

	if r.URL.Path == "/api/issues" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if err := auth.CheckBearer(s.adminTokenHash, r.Header.Get("Authorization")); err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		s.handleSearchIssues(w, r)
		return
	}

	parts := splitPath(r.URL.EscapedPath())
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "links" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if err := auth.CheckBearer(s.adminTokenHash, r.Header.Get("Authorization")); err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		switch len(parts) {
		case 2:
			s.handleSearchLinks(w, r)
			return
		case 3:
			threadID, err := url.PathUnescape(parts[2])
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_THREAD_ID", "Invalid thread id", nil)
				return
			}
			view, err := s.service.Link(r.Context(), threadID)
			if err != nil {
				s.writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, view)
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "Could not read body", nil)
		return
	}
	if len(body) > maxEventBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "Event body too large", nil)
		return
	}
	if s.signingSecret != nil {
		err := auth.VerifySignature(s.signingSecret,
			r.Header.Get(auth.TimestampHeader), r.Header.Get(auth.SignatureHeader), body, s.now())
		if err != nil {
			s.logger.Warn("rejected unsigned event", "error", err)
			writeError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "Invalid request signature", nil)
			return
		}
	}

	var payload eventPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
		return
	}
	ev := payload.event()

	res, err := s.service.HandleEvent(r.Context(), ev)
	if err != nil {
		domainErr := mapError(err)
		if domainErr.Status >= http.StatusInternalServerError {
			s.logger.Error("event failed", "thread_id", ev.ThreadID, "error", err)
		}
		details := domainErr.Details
		if res.Status != "" {
			details = map[string]any{"result": res, "cause": domainErr.Details}
		}
		writeError(w, domainErr.Status, domainErr.Code, domainErr.Message, details)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// eventPayload accepts either a thread_id or the Slack channel and thread_ts
// it is made of.
type eventPayload struct {
	chat.Event
	Channel  string `json:"channel"`
	ThreadTS string `json:"thread_ts"`
}

func (p eventPayload) event() chat.Event {
	ev := p.Event
	if ev.ThreadID == "" && p.Channel != "" && p.ThreadTS != "" {
		ev.ThreadID = chat.ThreadID(p.Channel, p.ThreadTS)
	}
	return ev
}

func (s *HTTPServer) handleSearchLinks(w http.ResponseWriter, r *http.Request) {
	q := search.Query{Text: strings.TrimSpace(r.URL.Query().Get("q"))}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", nil)
			return
		}
		q.Limit = limit
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_OFFSET", "offset must be a positive integer", nil)
			return
		}
		q.Offset = offset
	}
	writeJSON(w, http.StatusOK, s.service.SearchLinks(r.Context(), q))
}

func (s *HTTPServer) handleSearchIssues(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}
	options, err := s.service.SearchIssues(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"issues": options})
}

func (s *HTTPServer) writeDomainError(w http.ResponseWriter, err error) {
	domainErr := mapError(err)
	if domainErr.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("Cache-Control", "no-store")
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request by the middleware, or ""
// outside an HTTP request.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	body := map[string]any{
		"code":    code,
		"message": message,
	}
	if details != nil {
		body["details"] = details
	}
	writeJSON(w, status, map[string]any{"error": body})
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
