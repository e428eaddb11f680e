package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadExpandsEnvAndValidates(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_LLM_KEY", "sk-test")

	appPath := writeFile(t, dir, "config.json", `{
		"sources": [{"channel_id": "@demo", "include_comments": true}],
		"llm": [{"type": "openai", "api_keys": ["${TEST_LLM_KEY}"], "models": ["gpt-4o-mini"]}],
		"stores": {"raw_path": "raw.db", "ingest_path": "ingest.db", "processed_path": "processed.db"}
	}`)

	cfg, sys, err := Load(appPath, filepath.Join(dir, "missing-system.json"))
	require.NoError(t, err)
	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, "@demo", cfg.Sources[0].ChannelID)
	assert.Contains(t, string(cfg.LLM), "sk-test")

	// system.json absent: full defaults.
	assert.Equal(t, DefaultSystemConfig(), sys)
}

func TestLoadRejectsMissingPieces(t *testing.T) {
	dir := t.TempDir()

	_, _, err := Load(filepath.Join(dir, "nope.json"), "")
	assert.Error(t, err)

	appPath := writeFile(t, dir, "config.json", `{
		"llm": [{"type": "openai", "models": ["m"]}],
		"stores": {"raw_path": "raw.db", "ingest_path": "", "processed_path": "p.db"}
	}`)
	_, _, err = Load(appPath, "")
	assert.Error(t, err)
}

func TestLoadSystemConfigOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "system.json", `{"batch_size": 25, "anchor_cap": 5}`)

	sys := LoadSystemConfig(path)
	assert.Equal(t, 25, sys.BatchSize)
	assert.Equal(t, 5, sys.AnchorCap)
	// Untouched fields keep defaults.
	assert.Equal(t, 0.75, sys.SingletonScore)
	assert.Equal(t, 3, sys.ProcessMaxAttempts)
}
