package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaydoc/internal/docservice"
	"github.com/agentworkforce/relaydoc/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	// PublicBaseURL overrides the scheme://host derived from each request
	// when signing file links.
	PublicBaseURL string
	// MaxClaimWait caps the long poll of the internal claim route.
	MaxClaimWait time.Duration
	Signer       *docservice.URLSigner
	// Backends is reported verbatim by /v1/admin/backends.
	Backends map[string]string
	Logger   zerolog.Logger
}

type Server struct {
	svc                *docservice.Service
	cfg                ServerConfig
	logger             zerolog.Logger
	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
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

type BackendStatus struct {
	Tenant             string            `json:"tenant"`
	Backends           map[string]string `json:"backends"`
	ConvertQueueDepth  int               `json:"convertQueueDepth"`
	ResultQueueDepth   int               `json:"resultQueueDepth"`
	ShuttingDown       bool              `json:"shuttingDown"`
	ShutdownDocuments  []string          `json:"shutdownDocuments,omitempty"`
	ShutdownLookupFail string            `json:"shutdownLookupError,omitempty"`
}

type connRequest struct {
	ConnectionID     string `json:"connectionId"`
	Viewer           bool   `json:"viewer"`
	CloseCoAuthoring bool   `json:"closeCoAuthoring"`
	Encrypted        bool   `json:"encrypted"`
}

type openRequest struct {
	Cmd  docservice.Command `json:"cmd"`
	Conn connRequest        `json:"conn"`
}

type sessionRequest struct {
	UserID    string `json:"userid"`
	UserIndex int    `json:"userindex"`
	Encrypted bool   `json:"encrypted"`
	Type      int    `json:"type"`
	Value     string `json:"value"`
}

type commandServiceRequest struct {
	C   string `json:"c"`
	Key string `json:"key"`
}

func NewServer(svc *docservice.Service) *Server {
	return NewServerWithConfig(svc, ServerConfig{})
}

func NewServerWithConfig(svc *docservice.Service, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 100 << 20
	}
	if cfg.MaxClaimWait <= 0 {
		cfg.MaxClaimWait = 25 * time.Second
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		svc:                svc,
		cfg:                cfg,
		logger:             cfg.Logger.With().Str("component", "httpapi").Logger(),
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if strings.HasPrefix(r.URL.Path, "/v1/files/") && r.Method == http.MethodGet {
		s.handleFile(w, r)
		return
	}

	switch {
	case r.URL.Path == "/v1/internal/tasks/claim" && r.Method == http.MethodPost:
		s.handleInternalClaim(w, r)
		return
	case r.URL.Path == "/v1/internal/tasks/complete" && r.Method == http.MethodPost:
		s.handleInternalComplete(w, r)
		return
	case r.URL.Path == "/v1/command" && r.Method == http.MethodPost:
		s.handleCommandService(w, r)
		return
	case r.URL.Path == "/v1/admin/backends" && r.Method == http.MethodGet:
		s.handleAdminBackends(w, r)
		return
	case r.URL.Path == "/v1/admin/shutdown":
		s.handleAdminShutdown(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[0] != "v1" || parts[1] != "documents" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	docID := parts[2]
	correlationID := ensureCorrelationID(w, r)

	if r.Method == http.MethodGet && (parts[3] == "events" || parts[3] == "forcesave") {
		claims, authErr := s.authorize(r, docID, "documents:read")
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		if !s.allow(claims) {
			s.writeRateLimited(w, correlationID)
			return
		}
		if parts[3] == "events" {
			s.handleEvents(w, r, docID, correlationID)
		} else {
			s.handleForceSaveStatus(w, r, docID, correlationID)
		}
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	claims, authErr := s.authorize(r, docID, "documents:write")
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.allow(claims) {
		s.writeRateLimited(w, correlationID)
		return
	}

	ctx, span := observability.StartSpan(r.Context(), "httpapi."+parts[3],
		attribute.String("doc.id", docID),
		attribute.String("correlation.id", correlationID),
	)
	defer span.End()
	r = r.WithContext(ctx)

	switch parts[3] {
	case "open":
		s.handleOpen(w, r, docID, correlationID, false)
	case "reopen":
		s.handleOpen(w, r, docID, correlationID, true)
	case "save", "savefromorigin", "sendmm":
		s.handleUpload(w, r, docID, parts[3], correlationID)
	case "forcesave":
		s.handleForceSave(w, r, docID, correlationID)
	case "join":
		s.handleJoin(w, r, docID, correlationID)
	case "leave":
		s.handleLeave(w, r, docID, correlationID)
	case "saved":
		s.handleSaved(w, r, docID, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) authorize(r *http.Request, docID, scope string) (tokenClaims, *authError) {
	header := r.Header.Get("Authorization")
	if header == "" {
		// Browsers cannot set headers on a websocket upgrade.
		if token := r.URL.Query().Get("access_token"); token != "" {
			header = "Bearer " + token
		}
	}
	return authorizeBearer(header, s.cfg.JWTSecret, docID, scope, time.Now().UTC())
}

func (s *Server) allow(claims tokenClaims) bool {
	if s.rateLimiter == nil {
		return true
	}
	return s.rateLimiter.allow(claims.Subject, time.Now().UTC())
}

func (s *Server) writeRateLimited(w http.ResponseWriter, correlationID string) {
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request, docID, correlationID string, reopen bool) {
	var req openRequest
	if !s.decodeValidatedBody(w, r, correlationID, requestSchemas.open, &req) {
		return
	}
	req.Cmd.DocID = docID
	conn := &docservice.ConnInfo{
		ConnectionID:       req.Conn.ConnectionID,
		BaseURL:            s.baseURL(r),
		UserID:             req.Cmd.UserID,
		Viewer:             req.Conn.Viewer,
		IsCloseCoAuthoring: req.Conn.CloseCoAuthoring,
		Encrypted:          req.Conn.Encrypted,
	}
	var (
		out docservice.OutputData
		err error
	)
	if reopen {
		out, err = s.svc.DispatchReopen(r.Context(), conn, req.Cmd)
	} else {
		out, err = s.svc.DispatchOpen(r.Context(), conn, req.Cmd)
	}
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleUpload carries the command JSON in the cmd query parameter and the
// uploaded part as the raw body.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, docID, op, correlationID string) {
	raw := r.URL.Query().Get("cmd")
	if raw == "" {
		raw = "{}"
	}
	if err := validateJSON(requestSchemas.command, []byte(raw)); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var cmd docservice.Command
	if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid cmd parameter", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	cmd.DocID = docID
	cmd.Data = body

	var (
		out docservice.OutputData
		err error
	)
	switch op {
	case "save":
		out, err = s.svc.DispatchSave(r.Context(), cmd)
	case "savefromorigin":
		out, err = s.svc.DispatchSaveFromOrigin(r.Context(), cmd)
	default:
		if cmd.MailMergeSend == nil {
			writeError(w, http.StatusBadRequest, "bad_request", "mailmergesend is required", correlationID)
			return
		}
		out, err = s.svc.DispatchSendMailMerge(r.Context(), cmd)
	}
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleForceSave(w http.ResponseWriter, r *http.Request, docID, correlationID string) {
	var req sessionRequest
	if !s.decodeValidatedBody(w, r, correlationID, requestSchemas.session, &req) {
		return
	}
	sess := docservice.EditorSession{UserID: req.UserID, UserIndex: req.UserIndex, Encrypted: req.Encrypted}
	cp, queued, err := s.svc.StartForceSave(r.Context(), docID, docservice.ForceSaveType(req.Type), sess)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	if !queued {
		writeError(w, http.StatusNotFound, "not_found", "document not found", correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"checkpoint": cp,
		"queued":     queued,
	})
}

func (s *Server) handleForceSaveStatus(w http.ResponseWriter, r *http.Request, docID, correlationID string) {
	cp, found, err := s.svc.ForceSaveStatus(r.Context(), docID)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "no force save recorded", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request, docID, correlationID string) {
	var req sessionRequest
	if !s.decodeValidatedBody(w, r, correlationID, requestSchemas.session, &req) {
		return
	}
	sess := docservice.EditorSession{UserID: req.UserID, UserIndex: req.UserIndex, Encrypted: req.Encrypted}
	if err := s.svc.JoinEditor(r.Context(), docID, sess); err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"joined": true})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request, docID, correlationID string) {
	var req sessionRequest
	if !s.decodeValidatedBody(w, r, correlationID, requestSchemas.session, &req) {
		return
	}
	sess := docservice.EditorSession{UserID: req.UserID, UserIndex: req.UserIndex, Encrypted: req.Encrypted}
	saveQueued, err := s.svc.LeaveEditor(r.Context(), docID, sess)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"saveQueued": saveQueued})
}

func (s *Server) handleSaved(w http.ResponseWriter, r *http.Request, docID, correlationID string) {
	var req sessionRequest
	if !s.decodeValidatedBody(w, r, correlationID, requestSchemas.session, &req) {
		return
	}
	value := req.Value
	if value == "" {
		value = "1"
	}
	if err := s.svc.MarkSaved(r.Context(), docID, value); err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"saved": value})
}

func (s *Server) handleCommandService(w http.ResponseWriter, r *http.Request) {
	correlationID := ensureCorrelationID(w, r)
	claims, authErr := s.authorize(r, "", "commands")
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.allow(claims) {
		s.writeRateLimited(w, correlationID)
		return
	}
	var req commandServiceRequest
	if !s.decodeValidatedBody(w, r, correlationID, requestSchemas.commandService, &req) {
		return
	}
	var (
		res docservice.ForgottenResult
		err error
	)
	switch req.C {
	case "getForgotten":
		res, err = s.svc.GetForgotten(r.Context(), s.baseURL(r), req.Key)
	case "deleteForgotten":
		res, err = s.svc.DeleteForgotten(r.Context(), req.Key)
	case "getForgottenList":
		res, err = s.svc.GetForgottenList(r.Context())
	default:
		res = docservice.ForgottenResult{Key: req.Key, Error: docservice.CommandUnknownCommand}
	}
	if err != nil {
		s.logger.Error().Err(err).Str("command", req.C).Str("key", req.Key).Msg("command failed")
		res = docservice.ForgottenResult{Key: req.Key, Error: docservice.CommandUnknownError}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) verifyInternal(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return nil, false
	}
	now := time.Now().UTC()
	timestamp := r.Header.Get("X-Relay-Timestamp")
	signature := r.Header.Get("X-Relay-Signature")
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		timestamp,
		signature,
		r.Method,
		r.URL.Path,
		body,
		now,
		s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return nil, false
	}
	if !s.markInternalReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return nil, false
	}
	return body, true
}

// handleInternalClaim long-polls the conversion queue on behalf of a worker.
// 204 means nothing became ready within the wait.
func (s *Server) handleInternalClaim(w http.ResponseWriter, r *http.Request) {
	correlationID := ensureCorrelationID(w, r)
	if _, ok := s.verifyInternal(w, r, correlationID); !ok {
		return
	}
	wait := s.cfg.MaxClaimWait
	if raw := r.URL.Query().Get("wait"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid wait parameter", correlationID)
			return
		}
		if parsed < wait {
			wait = parsed
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	task, ok := s.svc.ClaimTask(ctx)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleInternalComplete(w http.ResponseWriter, r *http.Request) {
	correlationID := ensureCorrelationID(w, r)
	body, ok := s.verifyInternal(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateJSON(requestSchemas.task, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var task docservice.TaskQueueData
	if err := json.Unmarshal(body, &task); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if err := s.svc.SubmitResult(r.Context(), task); err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":        "queued",
		"id":            task.Cmd.DocID,
		"correlationId": correlationID,
	})
}

func (s *Server) handleAdminBackends(w http.ResponseWriter, r *http.Request) {
	correlationID := ensureCorrelationID(w, r)
	claims, authErr := s.authorize(r, "", "")
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !hasAnyScope(claims.Scopes, "admin:read", "admin:write") {
		writeError(w, http.StatusForbidden, "forbidden", "missing required scope: admin:read", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.backendStatus(r.Context()))
}

// handleAdminShutdown reports the documents whose final save is still in
// flight. POST toggles the shutting-down flag.
func (s *Server) handleAdminShutdown(w http.ResponseWriter, r *http.Request) {
	correlationID := ensureCorrelationID(w, r)
	switch r.Method {
	case http.MethodGet:
		claims, authErr := s.authorize(r, "", "")
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		if !hasAnyScope(claims.Scopes, "admin:read", "admin:write") {
			writeError(w, http.StatusForbidden, "forbidden", "missing required scope: admin:read", correlationID)
			return
		}
	case http.MethodPost:
		if _, authErr := s.authorize(r, "", "admin:write"); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		var req struct {
			ShuttingDown bool `json:"shuttingDown"`
		}
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
		s.svc.SetShuttingDown(req.ShuttingDown)
		s.logger.Info().Bool("shuttingDown", req.ShuttingDown).Msg("shutdown flag changed")
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	docs, err := s.svc.ShutdownDocuments(r.Context())
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	if docs == nil {
		docs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"shuttingDown": s.svc.ShuttingDown(),
		"documents":    docs,
	})
}

func (s *Server) backendStatus(ctx context.Context) BackendStatus {
	convert, result := s.svc.QueueDepths()
	status := BackendStatus{
		Tenant:            s.svc.Tenant(),
		Backends:          s.cfg.Backends,
		ConvertQueueDepth: convert,
		ResultQueueDepth:  result,
		ShuttingDown:      s.svc.ShuttingDown(),
	}
	if status.Backends == nil {
		status.Backends = map[string]string{}
	}
	docs, err := s.svc.ShutdownDocuments(ctx)
	if err != nil {
		status.ShutdownLookupFail = err.Error()
	} else {
		status.ShutdownDocuments = docs
	}
	return status
}

func (s *Server) baseURL(r *http.Request) string {
	if s.cfg.PublicBaseURL != "" {
		return strings.TrimRight(s.cfg.PublicBaseURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return scheme + "://" + host
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, docservice.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, docservice.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, docservice.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	case errors.Is(err, docservice.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	case errors.Is(err, docservice.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	default:
		s.logger.Error().Err(err).Str("correlationId", correlationID).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func ensureCorrelationID(w http.ResponseWriter, r *http.Request) string {
	id := getCorrelationID(r)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", id)
	return id
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

func (s *Server) decodeValidatedBody(w http.ResponseWriter, r *http.Request, correlationID string, sch *jsonschema.Schema, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := validateJSON(sch, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
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

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}
