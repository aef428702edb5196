// Package audio wraps the ffmpeg and demucs command line tools.
package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

const (
	SampleRate = 44100
	Channels   = 2
	// DemucsModel is the separation model passed to demucs.
	DemucsModel = "htdemucs"
)

// Processor decodes audio and separates stems on local files.
type Processor interface {
	DecodeToPCM(ctx context.Context, input string) (string, error)
	SeparateStems(ctx context.Context, input string) (map[string]string, error)
}

// Runner executes an external command.
type Runner func(ctx context.Context, name string, args ...string) error

// CommandProcessor shells out to ffmpeg and demucs.
type CommandProcessor struct {
	FFmpegPath string
	DemucsPath string
	Run        Runner
}

func NewCommandProcessor(ffmpegPath, demucsPath string) *CommandProcessor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if demucsPath == "" {
		demucsPath = "demucs"
	}
	return &CommandProcessor{FFmpegPath: ffmpegPath, DemucsPath: demucsPath, Run: execRunner}
}

// DecodeToPCM converts input to 16-bit stereo 44.1kHz WAV next to the input
// and returns the new path.
func (p *CommandProcessor) DecodeToPCM(ctx context.Context, input string) (string, error) {
	output := strings.TrimSuffix(input, filepath.Ext(input)) + ".pcm.wav"
	err := p.Run(ctx, p.FFmpegPath,
		"-y", "-i", input,
		"-ac", fmt.Sprint(Channels),
		"-ar", fmt.Sprint(SampleRate),
		"-c:a", "pcm_s16le",
		output,
	)
	if err != nil {
		return "", fmt.Errorf("ffmpeg decode failed: %w", err)
	}
	return output, nil
}

// SeparateStems runs demucs on input and returns stem name to file path.
func (p *CommandProcessor) SeparateStems(ctx context.Context, input string) (map[string]string, error) {
	outDir := filepath.Join(filepath.Dir(input), "stems")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, err
	}
	if err := p.Run(ctx, p.DemucsPath, "-n", DemucsModel, "-o", outDir, input); err != nil {
		return nil, fmt.Errorf("demucs failed: %w", err)
	}

	track := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	files, err := filepath.Glob(filepath.Join(outDir, DemucsModel, track, "*.wav"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("demucs produced no stems in %s", outDir)
	}
	sort.Strings(files)

	stems := make(map[string]string, len(files))
	for _, f := range files {
		name := strings.TrimSuffix(filepath.Base(f), ".wav")
		stems[name] = f
	}
	return stems, nil
}

func execRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return fmt.Errorf("%s: %w: %s", filepath.Base(name), err, msg)
	}
	return nil
}
