package mcp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

type recordedRequest struct {
	ID        string
	Method    string
	SessionID string
	Auth      string
	Params    json.RawMessage
}

type toolHandler func(w http.ResponseWriter, req recordedRequest)

// fakeServer is a minimal tool server: initialize hands out numbered
// session ids, tools/call is delegated to onTool.
type fakeServer struct {
	t      *testing.T
	srv    *httptest.Server
	mu     sync.Mutex
	reqs   []recordedRequest
	inits  int
	valid  map[string]bool
	onTool toolHandler
}

func newFakeServer(t *testing.T, onTool toolHandler) *fakeServer {
	t.Helper()
	f := &fakeServer{t: t, valid: map[string]bool{}, onTool: onTool}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) URL() string { return f.srv.URL + "/mcp" }

func (f *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	var env struct {
		ID     string          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	req := recordedRequest{
		ID:        env.ID,
		Method:    env.Method,
		SessionID: r.Header.Get(HeaderSessionID),
		Auth:      r.Header.Get("Authorization"),
		Params:    env.Params,
	}

	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	var sessionID string
	if env.Method == MethodInitialize {
		f.inits++
		sessionID = fmt.Sprintf("session-%d", f.inits)
		f.valid[sessionID] = true
	}
	f.mu.Unlock()

	if env.Method == MethodInitialize {
		w.Header().Set(HeaderSessionID, sessionID)
		writeResult(w, env.ID, map[string]any{"protocolVersion": ProtocolVersion})
		return
	}
	f.onTool(w, req)
}

func (f *fakeServer) handshakes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits
}

func (f *fakeServer) requests() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.reqs...)
}

func (f *fakeServer) isValid(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.valid[id]
}

func (f *fakeServer) expireAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid = map[string]bool{}
}

func writeResult(w http.ResponseWriter, id string, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func writeError(w http.ResponseWriter, status int, id string, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": msg},
	})
}

func toolArguments(t *testing.T, params json.RawMessage) (string, map[string]any) {
	t.Helper()
	var p struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	return p.Name, p.Arguments
}
