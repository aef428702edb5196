package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/makeasinger/moment/internal/client"
	"github.com/makeasinger/moment/internal/model"
)

// ErrLLMNotConfigured is returned by operations that need the LLM API when
// no key is configured.
var ErrLLMNotConfigured = errors.New("llm API is not configured")

// LLM is the part of the LLM client the blueprint service uses.
type LLM interface {
	ChatCompletion(ctx context.Context, system, user string, opts client.ChatOptions) (string, error)
	Transcribe(ctx context.Context, path string) (string, error)
	IsConfigured() bool
}

// Downloader fetches a URL into a local file.
type Downloader func(ctx context.Context, url, dest string) error

const (
	defaultStyle  = "original pop"
	defaultLyrics = "Placeholder lyrics."
	defaultTempo  = 110
	defaultKey    = "C"
	defaultBars   = 8
	maxStyleRunes = 120
)

// BlueprintService turns an uploaded recording into a song blueprint.
type BlueprintService struct {
	llm            LLM
	schema         *model.BlueprintSchema
	defaultVoiceID string
	tempDir        string
	download       Downloader
	logger         *slog.Logger
}

// BlueprintOptions configures a BlueprintService.
type BlueprintOptions struct {
	DefaultVoiceID string
	TempDir        string
	Download       Downloader
	Logger         *slog.Logger
}

// NewBlueprintService creates a blueprint service. llm may be nil, in which
// case every job gets the placeholder blueprint.
func NewBlueprintService(llm LLM, schema *model.BlueprintSchema, opts BlueprintOptions) *BlueprintService {
	if opts.Download == nil {
		opts.Download = client.DownloadFile
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &BlueprintService{
		llm:            llm,
		schema:         schema,
		defaultVoiceID: strings.TrimSpace(opts.DefaultVoiceID),
		tempDir:        opts.TempDir,
		download:       opts.Download,
		logger:         opts.Logger,
	}
}

// DefaultVoiceID returns the configured fallback voice.
func (s *BlueprintService) DefaultVoiceID() string { return s.defaultVoiceID }

// Generate builds a blueprint for a job. With an LLM configured the
// recording is transcribed and the blueprint generated from the transcript;
// without one the placeholder blueprint is used.
func (s *BlueprintService) Generate(ctx context.Context, jobID, originalAudioURL string) (*model.Blueprint, error) {
	if s.llm == nil || !s.llm.IsConfigured() {
		return s.Default(jobID, originalAudioURL)
	}

	transcript, err := s.Transcribe(ctx, originalAudioURL)
	if err != nil {
		return nil, err
	}
	bp, err := s.FromTranscript(ctx, transcript, jobID)
	if err != nil {
		return nil, err
	}
	bp.MergeMetadata(map[string]any{"original_audio_url": originalAudioURL})
	return bp, nil
}

// Transcribe downloads the recording at audioURL and returns its transcript.
func (s *BlueprintService) Transcribe(ctx context.Context, audioURL string) (string, error) {
	if s.llm == nil || !s.llm.IsConfigured() {
		return "", ErrLLMNotConfigured
	}

	path := filepath.Join(s.tempDir, "moment_"+uuid.New().String()+audioExtension(audioURL))
	if err := s.download(ctx, audioURL, path); err != nil {
		return "", fmt.Errorf("failed to download recording: %w", err)
	}
	defer os.Remove(path)

	text, err := s.llm.Transcribe(ctx, path)
	if err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	return text, nil
}

// FromTranscript asks the LLM for a blueprint and sanitizes the answer.
func (s *BlueprintService) FromTranscript(ctx context.Context, transcript, jobID string) (*model.Blueprint, error) {
	if s.llm == nil || !s.llm.IsConfigured() {
		return nil, ErrLLMNotConfigured
	}

	response, err := s.llm.ChatCompletion(ctx, blueprintSystemPrompt, s.blueprintPrompt(transcript, jobID),
		client.ChatOptions{Temperature: 0.4, JSON: true})
	if err != nil {
		return nil, fmt.Errorf("AI blueprint generation failed: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(extractJSON(response)), &raw); err != nil {
		s.logger.Warn("blueprint response is not JSON, sanitizing empty object", "job_id", jobID, "error", err)
		raw = nil
	}
	return s.Sanitize(raw, jobID, transcript)
}

// Default returns the schema-valid placeholder blueprint.
func (s *BlueprintService) Default(jobID, originalAudioURL string) (*model.Blueprint, error) {
	if s.defaultVoiceID == "" {
		return nil, missingVoiceError()
	}
	d := s.schema.Defaults
	energy := d.SectionEnergy
	boost := d.SpeakerBoost

	return &model.Blueprint{
		ID:            jobID,
		Style:         "placeholder",
		TempoBPM:      defaultTempo,
		Key:           defaultKey,
		TimeSignature: d.TimeSignature,
		Sections: []model.Section{
			{Name: "verse", Bars: defaultBars, Energy: &energy},
		},
		Lyrics: "Placeholder lyrics generated from uploaded audio.",
		Voice: model.Voice{
			VoiceID:      s.defaultVoiceID,
			ModelID:      d.VoiceModelID,
			SpeakerBoost: &boost,
		},
		Metadata: map[string]any{
			"source":             "api-placeholder",
			"original_audio_url": originalAudioURL,
		},
	}, nil
}

// Sanitize coerces an untrusted blueprint object into a valid Blueprint:
// numbers are clamped, malformed keys and time signatures fall back to C and
// 4/4, and missing text gets a default. Only the voice id cannot be
// invented; without one in raw or a configured default it fails.
func (s *BlueprintService) Sanitize(raw map[string]any, jobID, transcript string) (*model.Blueprint, error) {
	style := truncateRunes(stringOr(raw["style"], defaultStyle), maxStyleRunes)
	if style == "" {
		style = defaultStyle
	}

	key := stringOr(raw["key"], defaultKey)
	if !model.KeyPattern.MatchString(key) {
		key = defaultKey
	}
	timeSig := stringOr(raw["time_signature"], "4/4")
	if !model.TimeSignaturePattern.MatchString(timeSig) {
		timeSig = "4/4"
	}

	rawSections, _ := raw["sections"].([]any)
	if len(rawSections) == 0 {
		rawSections = []any{map[string]any{}}
	}
	sections := make([]model.Section, 0, len(rawSections))
	for i, item := range rawSections {
		sec, _ := item.(map[string]any)
		fallbackName := fmt.Sprintf("section %d", i+1)
		section := model.Section{
			Name:   stringOr(sec["name"], fallbackName),
			Bars:   clampInt(sec["bars"], 1, 256, defaultBars),
			Energy: clampFloat(sec["energy"], 0, 1),
		}
		if p, ok := sec["prompt"].(string); ok {
			section.Prompt = strings.TrimSpace(p)
		}
		sections = append(sections, section)
	}

	lyrics := stringOr(raw["lyrics"], defaultLyrics)

	voiceSrc, _ := raw["voice"].(map[string]any)
	voiceID := stringOr(voiceSrc["voice_id"], s.defaultVoiceID)
	if voiceID == "" {
		return nil, missingVoiceError()
	}
	voice := model.Voice{
		VoiceID:           voiceID,
		Stability:         clampFloat(voiceSrc["stability"], 0, 1),
		SimilarityBoost:   clampFloat(voiceSrc["similarity_boost"], 0, 1),
		StyleExaggeration: clampFloat(voiceSrc["style_exaggeration"], 0, 1),
	}
	if m, ok := voiceSrc["model_id"].(string); ok {
		voice.ModelID = strings.TrimSpace(m)
	}
	if b, ok := voiceSrc["speaker_boost"].(bool); ok {
		voice.SpeakerBoost = &b
	}

	metadata := make(map[string]any)
	if m, ok := raw["metadata"].(map[string]any); ok {
		for k, v := range m {
			metadata[k] = v
		}
	}
	if transcript != "" {
		metadata["transcript"] = transcript
	}

	return &model.Blueprint{
		ID:            jobID,
		Style:         style,
		TempoBPM:      clampInt(raw["tempo_bpm"], 40, 220, defaultTempo),
		Key:           key,
		TimeSignature: timeSig,
		Sections:      sections,
		Lyrics:        lyrics,
		Voice:         voice,
		Metadata:      metadata,
	}, nil
}

func missingVoiceError() error {
	return &model.ValidationError{
		Field:   "voice.voice_id",
		Message: "no voice id in blueprint and no default voice configured",
	}
}

const blueprintSystemPrompt = `You design short original songs from spoken recordings.
Always output a single valid JSON object and nothing else.`

func (s *BlueprintService) blueprintPrompt(transcript, jobID string) string {
	return strings.Join([]string{
		"Generate a Song Blueprint JSON that conforms to the blueprint schema used by this project.",
		"",
		"Hard requirements:",
		"- Output MUST be ONLY valid JSON (no markdown).",
		"- Top-level keys MUST be ONLY: id, style, tempo_bpm, key, time_signature, sections, lyrics, voice, metadata",
		"- sections items MUST ONLY contain: name, bars, energy, prompt",
		"- voice MUST contain voice_id. Other voice fields are optional.",
		"- Do not include null for numeric fields. Omit optional numeric fields if unknown.",
		"",
		"Intent extraction:",
		"- Infer musical intent from the transcript and include in metadata:",
		"  - mood: one short phrase",
		"  - energy: low|medium|high",
		"  - vibe: short phrase",
		"",
		"Safety:",
		"- Use a safe, original style description. Do not mention living artists.",
		"",
		s.identityLine(jobID),
		"",
		fmt.Sprintf(`Transcript: """%s"""`, transcript),
	}, "\n")
}

func (s *BlueprintService) identityLine(jobID string) string {
	line := fmt.Sprintf("Return ONLY JSON. Use id %q.", jobID)
	if s.defaultVoiceID != "" {
		line += fmt.Sprintf(" Use voice.voice_id %q.", s.defaultVoiceID)
	}
	return line + fmt.Sprintf(" Use voice.model_id %q.", s.schema.Defaults.VoiceModelID)
}

// extractJSON attempts to extract JSON from a response that may contain extra text
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")

	if start != -1 && end != -1 && end > start {
		return s[start : end+1]
	}
	return s
}

// stringOr returns v as trimmed text, or fallback when v is absent, empty,
// zero or false.
func stringOr(v any, fallback string) string {
	var s string
	switch t := v.(type) {
	case nil:
	case string:
		s = t
	case bool:
		if t {
			s = "True"
		}
	case float64:
		if t != 0 {
			s = strconv.FormatFloat(t, 'f', -1, 64)
		}
	default:
		s = fmt.Sprint(t)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	return s
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func clampInt(v any, lo, hi, fallback int) int {
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return fallback
	}
	n := int(math.RoundToEven(f))
	return max(lo, min(hi, n))
}

func clampFloat(v any, lo, hi float64) *float64 {
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) {
		return nil
	}
	f = math.Max(lo, math.Min(hi, f))
	return &f
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n]))
}

// audioExtension returns the file extension of the URL path, or .bin.
func audioExtension(raw string) string {
	path := raw
	if u, err := url.Parse(raw); err == nil {
		path = u.Path
	}
	if ext := filepath.Ext(path); ext != "" {
		return ext
	}
	return ".bin"
}
