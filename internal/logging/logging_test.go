package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestJSONSubsystem(t *testing.T) {
	var buf bytes.Buffer
	l, err := New("info", "json", &buf)
	require.NoError(t, err)
	For(l, "engine").Info("run finished", "run_id", "7")
	For(l, "engine").Debug("hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "engine", rec["subsystem"])
	assert.Equal(t, "7", rec["run_id"])
	assert.Equal(t, "run finished", rec["msg"])
}

func TestUnknownFormat(t *testing.T) {
	_, err := New("info", "xml", &bytes.Buffer{})
	assert.Error(t, err)
}
