package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, "/api", cfg.Server.BasePath)
	assert.Equal(t, int64(10<<20), cfg.Screenshots.MaxBytes)
	assert.Equal(t, 50, cfg.API.RunsPerPage)
	assert.False(t, cfg.Recorder.StrictDefinitionRefs)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("storage:\n  backend: document\n  path: data.json\nrecorder:\n  strict_definition_refs: true\n"))
	require.NoError(t, err)
	assert.Equal(t, BackendDocument, cfg.Storage.Backend)
	assert.Equal(t, "data.json", cfg.Storage.Path)
	assert.True(t, cfg.Recorder.StrictDefinitionRefs)
	assert.Equal(t, "screenshots", cfg.Screenshots.Dir)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"backend":     "storage:\n  backend: mongo\n",
		"aggregation": "storage:\n  aggregation: lazy\n",
		"max bytes":   "screenshots:\n  max_bytes: 0\n",
		"base path":   "server:\n  base_path: api\n",
		"log level":   "logging:\n  level: loud\n",
		"syntax":      "server: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadAndResolve(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "redstone.db", cfg.Storage.Path)

	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault()), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	cfg.Resolve(dir)
	assert.Equal(t, filepath.Join(dir, "redstone.db"), cfg.Storage.Path)
	assert.Equal(t, filepath.Join(dir, "screenshots"), cfg.Screenshots.Dir)
}
