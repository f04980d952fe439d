// Package proxy forwards authorized MCP traffic to registered upstream
// servers, preserving SSE framing on streaming responses.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mcp-gateway/mcpgw-go/internal/audit"
	"github.com/mcp-gateway/mcpgw-go/internal/auth"
	"github.com/mcp-gateway/mcpgw-go/internal/authz"
	"github.com/mcp-gateway/mcpgw-go/internal/config"
	"github.com/mcp-gateway/mcpgw-go/internal/registry"
	"github.com/mcp-gateway/mcpgw-go/internal/reqcontext"
	"github.com/mcp-gateway/mcpgw-go/internal/scopes"
)

// maxRPCBody bounds how much of a request body is buffered for envelope
// inspection.
const maxRPCBody = 10 << 20

// Proxy endpoint kinds.
const (
	endpointMCP = "mcp"
	endpointSSE = "sse"
)

// TokenValidator verifies bearer tokens.
type TokenValidator interface {
	Validate(ctx context.Context, raw string) (*auth.Identity, error)
}

// Auditor records authorization outcomes before the response is written.
type Auditor interface {
	Append(entry *audit.Entry) error
}

// Handler is the reverse proxy for /{server-path}/{mcp|sse}.
type Handler struct {
	servers   registry.ServerRepository
	policies  *scopes.Loader
	validator TokenValidator
	engine    *authz.Engine
	auditor   Auditor
	cfg       config.ProxyConfig
	logger    *zap.Logger
	client    *http.Client
}

// NewHandler creates the proxy handler with a pooled upstream transport.
func NewHandler(
	servers registry.ServerRepository,
	policies *scopes.Loader,
	validator TokenValidator,
	engine *authz.Engine,
	auditor Auditor,
	cfg config.ProxyConfig,
	logger *zap.Logger,
) *Handler {
	transport := &http.Transport{
		MaxIdleConns:        cfg.PoolSize,
		MaxIdleConnsPerHost: cfg.PoolSize,
		IdleConnTimeout:     cfg.PoolIdleTimeout,
	}
	return &Handler{
		servers:   servers,
		policies:  policies,
		validator: validator,
		engine:    engine,
		auditor:   auditor,
		cfg:       cfg,
		logger:    logger,
		// No client-level timeout: SSE streams live until either side
		// disconnects. Unary calls get a per-request context deadline.
		client: &http.Client{Transport: transport},
	}
}

// ServeHTTP runs the proxy pipeline: route, look up, authenticate,
// authorize, audit, forward.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := reqcontext.GetRequestID(ctx)

	serverPath, endpoint, ok := splitProxyPath(r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no such endpoint", requestID)
		return
	}

	record, err := h.servers.Get(ctx, serverPath)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "server_not_found", "no server registered at this path", requestID)
		return
	}
	if err != nil {
		h.logger.Error("Server lookup failed", zap.String("path", serverPath), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "storage failure", requestID)
		return
	}
	if !record.Enabled {
		writeError(w, http.StatusServiceUnavailable, "server_disabled", "server is disabled", requestID)
		return
	}

	identity, err := h.validator.Validate(ctx, bearerToken(r))
	if err != nil {
		code := "invalid_token"
		if errors.Is(err, auth.ErrExpiredToken) {
			code = "token_expired"
		} else if errors.Is(err, auth.ErrNoToken) {
			code = "missing_token"
		}
		writeError(w, http.StatusUnauthorized, code, "authentication failed", requestID)
		return
	}

	call, body, err := h.parseCall(r, serverPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), requestID)
		return
	}

	policy := h.policies.Snapshot()
	decision := h.engine.AuthorizeMCP(policy, identity, call)

	entry := &audit.Entry{
		RequestID: requestID,
		Subject:   identity.Subject,
		Action:    audit.ActionMCPCall,
		Target:    targetFor(call),
		Decision:  audit.DecisionAllow,
	}
	if !decision.Allow {
		entry.Decision = audit.DecisionDeny
		entry.Reason = decision.Reason
		entry.HTTPStatus = http.StatusForbidden
		if err := h.auditor.Append(entry); err != nil {
			h.logger.Error("Audit append failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error", "audit failure", requestID)
			return
		}
		// The error code is the engine's reason so callers can tell a
		// blocked method from a blocked tool.
		writeError(w, http.StatusForbidden, decision.Reason, "not permitted", requestID)
		return
	}

	h.forward(w, r, record, endpoint, body, requestID, entry)
}

// parseCall extracts the JSON-RPC envelope needed for authorization. SSE
// session establishment authorizes as initialize.
func (h *Handler) parseCall(r *http.Request, serverPath string) (authz.MCPCall, []byte, error) {
	call := authz.MCPCall{ServerPath: serverPath}

	if r.Method != http.MethodPost {
		call.Method = "initialize"
		return call, nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBody))
	if err != nil {
		return call, nil, fmt.Errorf("failed to read request body")
	}

	var envelope struct {
		Method string `json:"method"`
		Params struct {
			Name string `json:"name"`
		} `json:"params"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Method == "" {
		return call, nil, fmt.Errorf("request body is not a JSON-RPC message")
	}

	call.Method = envelope.Method
	call.Tool = envelope.Params.Name
	return call, body, nil
}

// forward relays the request upstream and streams the response back.
// There are no retries; MCP calls are not assumed idempotent. The allow
// entry is appended once the upstream status is known: before the
// response body for unary calls, at stream termination for SSE.
func (h *Handler) forward(
	w http.ResponseWriter,
	r *http.Request,
	record *registry.ServerRecord,
	endpoint string,
	body []byte,
	requestID string,
	entry *audit.Entry,
) {
	ctx := r.Context()
	streaming := endpoint == endpointSSE || wantsSSE(r)
	var cancel context.CancelFunc
	if streaming {
		ctx, cancel = context.WithCancel(ctx)
	} else {
		ctx, cancel = context.WithTimeout(ctx, h.cfg.RequestTimeout)
	}
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	upReq, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL(record.ProxyPassURL, endpoint), reader)
	if err != nil {
		if !h.appendAllow(w, entry, http.StatusBadGateway, requestID) {
			return
		}
		writeError(w, http.StatusBadGateway, "upstream_error", "failed to build upstream request", requestID)
		return
	}

	h.copyRequestHeaders(r, upReq, record)

	resp, err := h.client.Do(upReq)
	if err != nil {
		h.logger.Warn("Upstream request failed",
			zap.String("path", record.Path), zap.Error(err))
		if !h.appendAllow(w, entry, http.StatusBadGateway, requestID) {
			return
		}
		writeError(w, http.StatusBadGateway, "upstream_error", "upstream unreachable", requestID)
		return
	}
	defer resp.Body.Close()

	if contentType := resp.Header.Get("Content-Type"); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	if session := resp.Header.Get(h.sessionHeader()); session != "" {
		w.Header().Set(h.sessionHeader(), session)
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		w.WriteHeader(resp.StatusCode)
		h.streamSSE(w, resp.Body, cancel)
		// The stream is done; the entry can only be logged at this point.
		entry.HTTPStatus = resp.StatusCode
		if err := h.auditor.Append(entry); err != nil {
			h.logger.Error("Audit append failed", zap.Error(err))
		}
		return
	}

	if !h.appendAllow(w, entry, resp.StatusCode, requestID) {
		return
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Debug("Response copy interrupted", zap.Error(err))
	}
}

// appendAllow records the allow entry with the status the client is about
// to receive. Returns false when the append failed and the error response
// has already been written.
func (h *Handler) appendAllow(w http.ResponseWriter, entry *audit.Entry, status int, requestID string) bool {
	entry.HTTPStatus = status
	if err := h.auditor.Append(entry); err != nil {
		h.logger.Error("Audit append failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "audit failure", requestID)
		return false
	}
	return true
}

// streamSSE relays the event stream, flushing after every chunk so frames
// reach the client as the upstream emits them. cancel aborts the upstream
// request when no bytes arrive within the idle read timeout.
func (h *Handler) streamSSE(w http.ResponseWriter, upstream io.Reader, cancel context.CancelFunc) {
	flusher, canFlush := w.(http.Flusher)

	var idled atomic.Bool
	var idleTimer *time.Timer
	if h.cfg.IdleReadTimeout > 0 {
		idleTimer = time.AfterFunc(h.cfg.IdleReadTimeout, func() {
			idled.Store(true)
			cancel()
		})
		defer idleTimer.Stop()
	}

	buf := make([]byte, 4096)
	for {
		n, err := upstream.Read(buf)
		if idleTimer != nil {
			idleTimer.Reset(h.cfg.IdleReadTimeout)
		}
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			interrupted := !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled)
			if idled.Load() {
				interrupted = true
			}
			if interrupted {
				// Terminal frame so the client can distinguish upstream
				// failure from a clean close.
				_, _ = fmt.Fprintf(w, "event: error\ndata: {\"message\":%q}\n\n", "upstream stream interrupted")
				if canFlush {
					flusher.Flush()
				}
			}
			return
		}
	}
}

// copyRequestHeaders applies the allowlist and the server's configured
// header templates. Authorization and Host never cross to the upstream.
func (h *Handler) copyRequestHeaders(r *http.Request, upReq *http.Request, record *registry.ServerRecord) {
	for _, name := range []string{"Accept", "Content-Type", h.sessionHeader()} {
		if value := r.Header.Get(name); value != "" {
			upReq.Header.Set(name, value)
		}
	}
	for _, tmpl := range record.Headers {
		upReq.Header.Set(tmpl.Name, tmpl.Expand())
	}
}

func (h *Handler) sessionHeader() string {
	if h.cfg.SessionHeader != "" {
		return h.cfg.SessionHeader
	}
	return "Mcp-Session-Id"
}

// upstreamURL joins the registered upstream address with the endpoint
// segment, keeping any path prefix the address carries. "/x/mcp" and
// "/x/sse" must land on distinct upstream paths.
func upstreamURL(base, endpoint string) string {
	u, err := url.Parse(base)
	if err != nil {
		return strings.TrimSuffix(base, "/") + "/" + endpoint
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + endpoint
	return u.String()
}

// splitProxyPath separates "/fin/api/mcp" into "/fin/api" and "mcp".
func splitProxyPath(path string) (serverPath, endpoint string, ok bool) {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "", "", false
	}
	endpoint = path[idx+1:]
	if endpoint != endpointMCP && endpoint != endpointSSE {
		return "", "", false
	}
	return path[:idx], endpoint, true
}

// wantsSSE reports whether the client negotiated a streamed response.
func wantsSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func targetFor(call authz.MCPCall) string {
	if call.Tool != "" {
		return call.ServerPath + "#" + call.Tool
	}
	return call.ServerPath
}

// writeError emits the shared error envelope.
func writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":       code,
			"message":    message,
			"request_id": requestID,
		},
	})
}
