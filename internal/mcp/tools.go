package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/makeasinger/moment/internal/model"
)

const (
	ToolValidateBlueprint = "validate_blueprint"
	ToolSynthesizePreview = "synthesize_preview"
	ToolCreateSong        = "create_song"

	DefaultTimeout     = 30 * time.Second
	DefaultSongTimeout = 300 * time.Second
)

// ToolClient exposes the tool server's named operations. Each instance owns
// its Session and is meant to be used by one stage invocation.
type ToolClient struct {
	session     *Session
	timeout     time.Duration
	songTimeout time.Duration
}

// ToolClientOptions configures a ToolClient and its Session.
type ToolClientOptions struct {
	SessionOptions
	Timeout     time.Duration // validation and preview calls
	SongTimeout time.Duration // create_song
}

// NewToolClient creates a client with a fresh session.
func NewToolClient(opts ToolClientOptions) *ToolClient {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.SongTimeout <= 0 {
		opts.SongTimeout = DefaultSongTimeout
	}
	return &ToolClient{
		session:     NewSession(opts.SessionOptions),
		timeout:     opts.Timeout,
		songTimeout: opts.SongTimeout,
	}
}

// ToolResult is the result of a tools/call. Raw holds the result exactly as
// the server sent it.
type ToolResult struct {
	Content           []ContentItem   `json:"content,omitempty"`
	StructuredContent map[string]any  `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
	Raw               json.RawMessage `json:"-"`
}

// ContentItem is one entry of the unstructured tool output.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Synthesis is the structured payload returned by the synthesis tools.
type Synthesis struct {
	OK         bool   `json:"ok"`
	OutputPath string `json:"output_path"`
	Error      string `json:"error,omitempty"`
}

// Synthesis decodes structuredContent into a Synthesis. A missing ok flag
// decodes as false.
func (r *ToolResult) Synthesis() Synthesis {
	var s Synthesis
	if r == nil || r.StructuredContent == nil {
		return s
	}
	s.OK, _ = r.StructuredContent["ok"].(bool)
	s.OutputPath, _ = r.StructuredContent["output_path"].(string)
	s.Error, _ = r.StructuredContent["error"].(string)
	return s
}

// Structured returns structuredContent, or the whole raw result decoded as
// a map when the server sent none.
func (r *ToolResult) Structured() map[string]any {
	if r == nil {
		return nil
	}
	if r.StructuredContent != nil {
		return r.StructuredContent
	}
	var m map[string]any
	if err := json.Unmarshal(r.Raw, &m); err != nil {
		return nil
	}
	return m
}

// CallTool invokes a tool by name. The call is bounded by the interactive
// timeout.
func (c *ToolClient) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.callTool(ctx, name, arguments)
}

func (c *ToolClient) callTool(ctx context.Context, name string, arguments map[string]any) (*ToolResult, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	raw, err := c.session.Call(ctx, MethodToolsCall, map[string]any{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		return nil, err
	}

	raw = unwrapResult(raw)
	result := &ToolResult{Raw: raw}
	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		if err := json.Unmarshal(raw, result); err != nil {
			return nil, &ProtocolError{Method: MethodToolsCall, Message: fmt.Sprintf("malformed %s result: %v", name, err)}
		}
	}
	return result, nil
}

// unwrapResult returns result.result when the server nests it.
func unwrapResult(raw json.RawMessage) json.RawMessage {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return raw
	}
	inner, ok := probe["result"]
	if !ok {
		return raw
	}
	if _, structured := probe["structuredContent"]; structured {
		return raw
	}
	if trimmed := bytes.TrimSpace(inner); len(trimmed) > 0 && trimmed[0] == '{' {
		return inner
	}
	return raw
}

// ValidateBlueprint asks the server to validate bp.
func (c *ToolClient) ValidateBlueprint(ctx context.Context, bp *model.Blueprint) (*ToolResult, error) {
	return c.CallTool(ctx, ToolValidateBlueprint, map[string]any{"blueprint": bp})
}

// PreviewRequest holds the synthesize_preview arguments. Zero values are
// omitted from the call.
type PreviewRequest struct {
	Text              string
	Blueprint         *model.Blueprint
	VoiceID           string
	ModelID           string
	Stability         *float64
	SimilarityBoost   *float64
	StyleExaggeration *float64
	SpeakerBoost      *bool
}

// Arguments builds the argument map, leaving out unset fields.
func (r PreviewRequest) Arguments() map[string]any {
	args := map[string]any{}
	if r.Text != "" {
		args["text"] = r.Text
	}
	if r.Blueprint != nil {
		args["blueprint"] = r.Blueprint
	}
	if r.VoiceID != "" {
		args["voice_id"] = r.VoiceID
	}
	if r.ModelID != "" {
		args["model_id"] = r.ModelID
	}
	if r.Stability != nil {
		args["stability"] = *r.Stability
	}
	if r.SimilarityBoost != nil {
		args["similarity_boost"] = *r.SimilarityBoost
	}
	if r.StyleExaggeration != nil {
		args["style_exaggeration"] = *r.StyleExaggeration
	}
	if r.SpeakerBoost != nil {
		args["speaker_boost"] = *r.SpeakerBoost
	}
	return args
}

// SynthesizePreview renders a short spoken or sung preview.
func (c *ToolClient) SynthesizePreview(ctx context.Context, req PreviewRequest) (*ToolResult, error) {
	return c.CallTool(ctx, ToolSynthesizePreview, req.Arguments())
}

// SongOptions holds the optional create_song arguments.
type SongOptions struct {
	Prompt            string
	ModelID           string
	MusicLengthMs     *int
	ForceInstrumental *bool
	OutputFormat      string
}

// Arguments builds the argument map for bp, leaving out unset options.
func (o SongOptions) Arguments(bp *model.Blueprint) map[string]any {
	args := map[string]any{"blueprint": bp}
	if o.Prompt != "" {
		args["prompt"] = o.Prompt
	}
	if o.ModelID != "" {
		args["model_id"] = o.ModelID
	}
	if o.MusicLengthMs != nil {
		args["music_length_ms"] = *o.MusicLengthMs
	}
	if o.ForceInstrumental != nil {
		args["force_instrumental"] = *o.ForceInstrumental
	}
	if o.OutputFormat != "" {
		args["output_format"] = o.OutputFormat
	}
	return args
}

// CreateSong synthesizes a full song. It is bounded by the song timeout
// rather than the interactive one.
func (c *ToolClient) CreateSong(ctx context.Context, bp *model.Blueprint, opts SongOptions) (*ToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.songTimeout)
	defer cancel()
	return c.callTool(ctx, ToolCreateSong, opts.Arguments(bp))
}
