package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcsync/arcsync/internal/client/config"
	"github.com/arcsync/arcsync/internal/version"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, version.Detailed())

	out, err = runCLI(t, "version", "--json")
	require.NoError(t, err)
	var info version.Info
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, version.Get(), info)
}

func TestSetupInitStatus(t *testing.T) {
	tmp := t.TempDir()
	globalPath := filepath.Join(tmp, "global", "config.json")
	dir := filepath.Join(tmp, "docs")

	out, err := runCLI(t, "setup", "--config", globalPath, "--server", "http://127.0.0.1:7938", "--encoding", "json", "--token", "abcdefghijklmnop")
	require.NoError(t, err)
	assert.Contains(t, out, "abcd*****")
	assert.NotContains(t, out, "abcdefghijklmnop")

	g, err := config.LoadGlobal(globalPath)
	require.NoError(t, err)
	assert.Equal(t, "json", g.Encoding)

	_, err = runCLI(t, "init", dir, "--config", globalPath, "--endpoint", "docs", "--exclude", "**/*.bak")
	require.NoError(t, err)
	src, err := config.LoadSource(dir, g)
	require.NoError(t, err)
	assert.Equal(t, "docs", src.Endpoint)
	assert.Equal(t, []string{"**/*.bak"}, src.Excludes)
	assert.FileExists(t, src.StateDBPath())

	_, err = runCLI(t, "init", dir, "--config", globalPath, "--endpoint", "docs")
	assert.ErrorIs(t, err, config.ErrAlreadyInit)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.bak"), []byte("skip me"), 0o644))
	out, err = runCLI(t, "status", dir, "--config", globalPath, "--paths")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:   0")
	assert.Contains(t, out, "1 changes (+1 ~0 -0)")
	assert.Contains(t, out, "a.txt")
	assert.NotContains(t, out, "old.bak")
}

func TestSyncRequiresInit(t *testing.T) {
	_, err := runCLI(t, "sync", t.TempDir(), "--config", filepath.Join(t.TempDir(), "none.json"))
	assert.ErrorIs(t, err, config.ErrNotInitialized)
}
