package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeToPCMArguments(t *testing.T) {
	var gotName string
	var gotArgs []string
	p := NewCommandProcessor("", "")
	p.Run = func(ctx context.Context, name string, args ...string) error {
		gotName, gotArgs = name, args
		return nil
	}

	out, err := p.DecodeToPCM(context.Background(), "/tmp/J1/final.mp3")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/J1/final.pcm.wav", out)
	assert.Equal(t, "ffmpeg", gotName)
	assert.Equal(t, []string{"-y", "-i", "/tmp/J1/final.mp3", "-ac", "2", "-ar", "44100", "-c:a", "pcm_s16le", "/tmp/J1/final.pcm.wav"}, gotArgs)
}

func TestSeparateStemsCollectsDemucsOutput(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "final.pcm.wav")

	p := NewCommandProcessor("ffmpeg", "/opt/demucs")
	p.Run = func(ctx context.Context, name string, args ...string) error {
		assert.Equal(t, "/opt/demucs", name)
		trackDir := filepath.Join(dir, "stems", DemucsModel, "final.pcm")
		require.NoError(t, os.MkdirAll(trackDir, 0o755))
		for _, stem := range []string{"vocals", "drums", "bass", "other"} {
			require.NoError(t, os.WriteFile(filepath.Join(trackDir, stem+".wav"), nil, 0o644))
		}
		return nil
	}

	stems, err := p.SeparateStems(context.Background(), input)
	require.NoError(t, err)
	assert.Len(t, stems, 4)
	assert.Equal(t, filepath.Join(dir, "stems", DemucsModel, "final.pcm", "vocals.wav"), stems["vocals"])
}

func TestSeparateStemsFailures(t *testing.T) {
	dir := t.TempDir()
	p := NewCommandProcessor("", "")

	p.Run = func(ctx context.Context, name string, args ...string) error { return errors.New("exit status 1") }
	_, err := p.SeparateStems(context.Background(), filepath.Join(dir, "a.wav"))
	assert.ErrorContains(t, err, "demucs failed")

	p.Run = func(ctx context.Context, name string, args ...string) error { return nil }
	_, err = p.SeparateStems(context.Background(), filepath.Join(dir, "a.wav"))
	assert.ErrorContains(t, err, "no stems")
}
