package worker

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/makeasinger/moment/internal/client"
	"github.com/makeasinger/moment/internal/mcp"
	"github.com/makeasinger/moment/internal/model"
	"github.com/makeasinger/moment/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T) store.JobStore {
	t.Helper()
	js, err := store.OpenSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { js.Close() })
	return js
}

// fakeTools answers every tool call from memory. Synthesis writes a file so
// the stage finds an existing output artifact.
type fakeTools struct {
	t        *testing.T
	dir      string
	calls    atomic.Int32
	rejected bool

	mu      sync.Mutex
	preview []mcp.PreviewRequest
	songs   []mcp.SongOptions
}

func newFakeTools(t *testing.T) *fakeTools {
	return &fakeTools{t: t, dir: t.TempDir()}
}

func (f *fakeTools) factory() ToolFactory {
	return func() Tools { return f }
}

func (f *fakeTools) ValidateBlueprint(ctx context.Context, bp *model.Blueprint) (*mcp.ToolResult, error) {
	f.calls.Add(1)
	return &mcp.ToolResult{StructuredContent: map[string]any{"ok": true, "errors": []any{}}}, nil
}

func (f *fakeTools) SynthesizePreview(ctx context.Context, req mcp.PreviewRequest) (*mcp.ToolResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.preview = append(f.preview, req)
	f.mu.Unlock()
	return f.synthesis("preview.mp3")
}

func (f *fakeTools) CreateSong(ctx context.Context, bp *model.Blueprint, opts mcp.SongOptions) (*mcp.ToolResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.songs = append(f.songs, opts)
	f.mu.Unlock()
	return f.synthesis("song.wav")
}

func (f *fakeTools) synthesis(name string) (*mcp.ToolResult, error) {
	if f.rejected {
		return &mcp.ToolResult{StructuredContent: map[string]any{"ok": false, "error": "quota exceeded"}}, nil
	}
	path := filepath.Join(f.dir, name)
	require.NoError(f.t, os.WriteFile(path, []byte("audio"), 0o644))
	return &mcp.ToolResult{StructuredContent: map[string]any{"ok": true, "output_path": path}}, nil
}

type fixedBlueprints struct {
	voice string
}

func (b fixedBlueprints) Generate(ctx context.Context, jobID, originalAudioURL string) (*model.Blueprint, error) {
	return &model.Blueprint{
		ID:       jobID,
		Style:    "placeholder",
		TempoBPM: 110,
		Key:      "C",
		Sections: []model.Section{{Name: "verse", Bars: 8}},
		Lyrics:   "la la la",
		Voice:    model.Voice{VoiceID: b.voice},
		Metadata: map[string]any{"original_audio_url": originalAudioURL},
	}, nil
}

func (b fixedBlueprints) DefaultVoiceID() string { return b.voice }

// eventLog records notifier events in order.
type eventLog struct {
	mu       sync.Mutex
	statuses []model.JobStatus
	complete []string
	errors   []string
}

func (e *eventLog) BroadcastStatus(jobID string, status model.JobStatus, stage string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.statuses = append(e.statuses, status)
}

func (e *eventLog) BroadcastComplete(jobID, finalAudioURL string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.complete = append(e.complete, finalAudioURL)
}

func (e *eventLog) BroadcastError(jobID string, code, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errors = append(e.errors, code)
}

func (e *eventLog) statusList() []model.JobStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.JobStatus(nil), e.statuses...)
}

func createJob(t *testing.T, js store.JobStore, id string, bp *model.Blueprint) {
	t.Helper()
	require.NoError(t, js.Create(context.Background(), &model.Job{
		ID:               id,
		OriginalAudioURL: "file:///uploads/" + id + ".wav",
		Blueprint:        bp,
	}))
}

func testBlueprint(id string) *model.Blueprint {
	return &model.Blueprint{
		ID:       id,
		Style:    "lofi",
		TempoBPM: 90,
		Key:      "Am",
		Sections: []model.Section{{Name: "verse", Bars: 8}},
		Lyrics:   "city lights",
		Voice:    model.Voice{VoiceID: "voice-1", ModelID: "eleven_multilingual_v2"},
		Metadata: map[string]any{},
	}
}

func localStorage(t *testing.T) *client.LocalStorage {
	return client.NewLocalStorage(t.TempDir())
}
