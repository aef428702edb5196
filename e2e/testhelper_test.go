package e2e

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/moment/internal/auth"
	"github.com/makeasinger/moment/internal/client"
	"github.com/makeasinger/moment/internal/config"
	"github.com/makeasinger/moment/internal/handler"
	"github.com/makeasinger/moment/internal/middleware"
	"github.com/makeasinger/moment/internal/model"
	"github.com/makeasinger/moment/internal/pipeline"
	"github.com/makeasinger/moment/internal/service"
	"github.com/makeasinger/moment/internal/store"
	"github.com/makeasinger/moment/internal/worker"
)

const testJWTSecret = "test-secret-for-e2e"

// toolServer is an in-memory tool server speaking JSON-RPC over HTTP.
type toolServer struct {
	*httptest.Server
	outDir string

	mu    sync.Mutex
	calls []string
}

func newToolServer(t *testing.T) *toolServer {
	t.Helper()
	ts := &toolServer{outDir: t.TempDir()}
	ts.Server = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *toolServer) handle(w http.ResponseWriter, r *http.Request) {
	var env struct {
		ID     string `json:"id"`
		Method string `json:"method"`
		Params struct {
			Name string `json:"name"`
		} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var result any
	switch env.Method {
	case "initialize":
		w.Header().Set("Mcp-Session-Id", "e2e-session")
		result = map[string]any{"protocolVersion": "2024-11-05"}
	case "tools/call":
		ts.mu.Lock()
		ts.calls = append(ts.calls, env.Params.Name)
		ts.mu.Unlock()
		if r.Header.Get("Mcp-Session-Id") != "e2e-session" {
			http.Error(w, "missing session", http.StatusBadRequest)
			return
		}
		switch env.Params.Name {
		case "validate_blueprint":
			result = map[string]any{"structuredContent": map[string]any{"ok": true, "errors": []any{}}}
		default:
			path := filepath.Join(ts.outDir, env.Params.Name+".mp3")
			os.WriteFile(path, []byte("ID3"), 0o644)
			result = map[string]any{"structuredContent": map[string]any{"ok": true, "output_path": path}}
		}
	default:
		result = map[string]any{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": env.ID, "result": result})
}

func (ts *toolServer) toolCalls() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.calls...)
}

// testApp holds all components needed for testing
type testApp struct {
	app   *fiber.App
	store store.JobStore
	tools *toolServer
}

// setupApp wires the API and an in-process pipeline the way main.go does,
// with a SQLite store, local file storage and a fake tool server.
func setupApp(t *testing.T, defaultVoice string) *testApp {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	js, err := store.OpenSQLite(filepath.Join(t.TempDir(), "moments.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { js.Close() })

	schema, err := model.LoadSchema("")
	if err != nil {
		t.Fatalf("failed to load schema: %v", err)
	}
	storage := client.NewLocalStorage(t.TempDir())
	tools := newToolServer(t)

	blueprints := service.NewBlueprintService(nil, schema, service.BlueprintOptions{
		DefaultVoiceID: defaultVoice,
		Logger:         logger,
	})
	stages := worker.NewStages(worker.Deps{
		Store:      js,
		Tools:      worker.NewToolFactory(config.MCPConfig{BaseURL: tools.URL + "/mcp", Timeout: 5 * time.Second}, logger),
		Blueprints: blueprints,
		Storage:    storage,
	}, worker.Options{OutputKind: worker.OutputPreview, TempDir: t.TempDir(), Logger: logger})

	reg := pipeline.NewRegistry()
	stages.Register(reg)
	exec := pipeline.NewLocalExecutor(reg, pipeline.LocalOptions{Concurrency: 2, Logger: logger})
	t.Cleanup(exec.Close)

	momentService := service.NewMomentService(js, storage, exec, worker.MomentGraph(), t.TempDir(), logger)
	momentHandler := handler.NewMomentHandler(momentService)
	authHandler := handler.NewAuthHandler(testJWTSecret)
	authMiddleware := middleware.NewAuthMiddleware(testJWTSecret)
	rateLimiter := middleware.NewRateLimiter(nil, logger)

	app := fiber.New(fiber.Config{
		BodyLimit: 50 * 1024 * 1024,
	})

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", handler.NewHealthHandler(map[string]bool{"llm": false, "auth": true}).Health)
	app.Get("/auth/verify", authHandler.Verify)

	v1 := app.Group("/v1", authMiddleware.Authenticate())
	v1.Post("/create-moment", rateLimiter.MomentLimit(10000), momentHandler.Create)
	v1.Get("/status/:jobId", momentHandler.Status)

	return &testApp{app: app, store: js, tools: tools}
}

// generateToken creates an HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	signed, err := auth.IssueToken("test-user-123", "test@example.com", testJWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequest(method, path, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) (*http.Response, error) {
	t.Helper()
	all := map[string]string{"Authorization": "Bearer " + generateToken(t)}
	for k, v := range headers {
		all[k] = v
	}
	return doRequest(app, method, path, body, all)
}

// createMoment uploads a small recording as jobID.
func createMoment(t *testing.T, app *fiber.App, jobID string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if jobID != "" {
		w.WriteField("job_id", jobID)
	}
	part, err := w.CreateFormFile("file", "audio.wav")
	if err != nil {
		t.Fatalf("failed to build form: %v", err)
	}
	part.Write([]byte("RIFF0000WAVE"))
	w.Close()

	resp, err := doAuthRequest(t, app, http.MethodPost, "/v1/create-moment", &buf, map[string]string{
		"Content-Type": w.FormDataContentType(),
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

// waitForStatus polls the status endpoint until the job reaches want.
func waitForStatus(t *testing.T, app *fiber.App, jobID string, want model.JobStatus) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last map[string]interface{}
	for time.Now().Before(deadline) {
		resp, err := doAuthRequest(t, app, http.MethodGet, "/v1/status/"+jobID, nil, nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		last = parseJSON(t, resp)
		if last["status"] == string(want) {
			return last
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach %s, last response: %v", jobID, want, last)
	return nil
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
