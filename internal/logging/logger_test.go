package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))

	assert.Equal(t, asynq.DebugLevel, AsynqLevel("debug"))
	assert.Equal(t, asynq.InfoLevel, AsynqLevel(""))
}

func TestProductionLogsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "production")
	logger.Debug("hidden")
	logger.Info("job status updated", "job_id", "J1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "job status updated", line["msg"])
	assert.Equal(t, "J1", line["job_id"])
}

func TestAsynqLoggerTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	l := NewAsynqLogger(NewWithWriter(&buf, "debug", "production"))
	l.Warn("retrying task ", "abc")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "asynq", line["component"])
	assert.Equal(t, "retrying task abc", line["msg"])
}
