package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	DefaultServerURL = "http://localhost:8080/mcp"
	ProtocolVersion  = "2024-11-05"

	MethodInitialize = "initialize"
	MethodToolsCall  = "tools/call"

	HeaderSessionID = "Mcp-Session-Id"
)

// ClientInfo identifies this client during the handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// SessionOptions configures a Session.
type SessionOptions struct {
	ServerURL  string
	AuthToken  string
	Stateless  bool
	ClientInfo ClientInfo
	HTTPClient *http.Client // optional, must not reuse connections
	Logger     *slog.Logger
}

// Session is one logical connection to the tool server. It performs the
// initialize handshake lazily, tracks the server-issued session id and
// re-handshakes once when the server reports the session as gone.
type Session struct {
	url        string
	authToken  string
	stateless  bool
	clientInfo ClientInfo
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	sessionID string
}

type envelope struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewSession creates a session. No request is sent until the first Call.
func NewSession(opts SessionOptions) *Session {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:             http.ProxyFromEnvironment,
				DisableKeepAlives: true,
			},
		}
	}
	info := opts.ClientInfo
	if info.Name == "" {
		info = ClientInfo{Name: "moment-pipeline", Version: "0.1.0"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		url:        NormalizeServerURL(opts.ServerURL),
		authToken:  opts.AuthToken,
		stateless:  opts.Stateless,
		clientInfo: info,
		httpClient: httpClient,
		logger:     logger,
	}
}

// NormalizeServerURL applies the default URL and an http:// scheme when
// none is given.
func NormalizeServerURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultServerURL
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return "http://" + raw
	}
	return raw
}

// URL returns the normalized server URL.
func (s *Session) URL() string { return s.url }

// SessionID returns the current session id, empty before the handshake.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Session) setSessionID(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

// Initialize performs the handshake without a session header. It is a no-op
// for stateless sessions.
func (s *Session) Initialize(ctx context.Context) error {
	if s.stateless {
		return nil
	}
	env := newEnvelope(MethodInitialize, map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      s.clientInfo,
	})
	if _, err := s.post(ctx, env, false); err != nil {
		return fmt.Errorf("failed to initialize mcp session: %w", err)
	}
	s.logger.Debug("mcp session initialized", "url", s.url, "session_id", s.SessionID())
	return nil
}

// Call sends method with params and returns the raw result. A stateful
// session handshakes first when it has no session id, and on a session
// error re-handshakes once and resends the same envelope.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	env := newEnvelope(method, params)

	if !s.stateless && method != MethodInitialize && s.SessionID() == "" {
		if err := s.Initialize(ctx); err != nil {
			return nil, err
		}
	}

	// an explicit initialize starts a new session, never resumes one
	result, err := s.post(ctx, env, method != MethodInitialize)
	if err == nil || s.stateless || method == MethodInitialize || !IsSessionExpired(err) {
		return result, err
	}

	s.logger.Info("mcp session expired, re-initializing", "method", method)
	s.setSessionID("")
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	return s.post(ctx, env, true)
}

// IsSessionExpired reports whether err signals a lost session.
func IsSessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}

func newEnvelope(method string, params any) *envelope {
	return &envelope{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  method,
		Params:  params,
	}
}

func (s *Session) post(ctx context.Context, env *envelope, includeSession bool) (json.RawMessage, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", env.Method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, "+contentTypeEventStream)
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}
	if includeSession && !s.stateless {
		if id := s.SessionID(); id != "" {
			req.Header.Set(HeaderSessionID, id)
		}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s request: %w", env.Method, err)
	}
	defer resp.Body.Close()

	if !s.stateless {
		if id := resp.Header.Get(HeaderSessionID); id != "" {
			s.setSessionID(id)
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", env.Method, err)
	}

	rsp, decodeErr := decodeResponse(resp.Header.Get("Content-Type"), raw)
	if decodeErr != nil {
		if resp.StatusCode >= 400 {
			return nil, &ProtocolError{Method: env.Method, Status: resp.StatusCode, Message: statusMessage(resp, raw)}
		}
		return nil, &ProtocolError{Method: env.Method, Status: resp.StatusCode, Message: "malformed response: " + decodeErr.Error()}
	}

	if perr := remoteError(rsp.Error); perr != nil {
		perr.Method = env.Method
		perr.Status = resp.StatusCode
		return nil, perr
	}
	if resp.StatusCode >= 400 {
		return nil, &ProtocolError{Method: env.Method, Status: resp.StatusCode, Message: statusMessage(resp, raw)}
	}
	return rsp.Result, nil
}

func decodeResponse(contentType string, raw []byte) (*rpcResponse, error) {
	if strings.Contains(strings.ToLower(contentType), contentTypeEventStream) {
		payload, err := ParseEventStream(raw)
		if err != nil {
			return nil, err
		}
		raw = payload
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	var rsp rpcResponse
	if err := json.Unmarshal(raw, &rsp); err != nil {
		return nil, err
	}
	return &rsp, nil
}

// remoteError converts the envelope's error member. Servers send either a
// JSON-RPC error object or a bare string.
func remoteError(raw json.RawMessage) *ProtocolError {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	var obj rpcError
	if err := json.Unmarshal(trimmed, &obj); err == nil && obj.Message != "" {
		return &ProtocolError{Code: obj.Code, Message: obj.Message}
	}
	var str string
	if err := json.Unmarshal(trimmed, &str); err == nil {
		return &ProtocolError{Message: str}
	}
	return &ProtocolError{Message: string(trimmed)}
}

func statusMessage(resp *http.Response, raw []byte) string {
	msg := http.StatusText(resp.StatusCode)
	if msg == "" {
		msg = resp.Status
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		if len(text) > 512 {
			text = text[:512]
		}
		msg += ": " + text
	}
	return msg
}
