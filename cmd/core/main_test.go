package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/shelfsync/internal/config"
	"github.com/kimhsiao/shelfsync/internal/logging"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "shelfsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestVersion(t *testing.T) {
	assert.NotEmpty(t, Version)
	assert.Equal(t, Version, newRootCommand().Version)
}

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"config", "env-file", "data-dir", "log-level", "listen"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "dataDir: /from/file\nlog:\n  level: warn\n")

	cfg, err := loadConfig(&rootOptions{
		ConfigPath: path,
		EnvFile:    filepath.Join(dir, "missing.env"),
	})
	require.Error(t, err, "an explicit env file must exist")
	assert.Nil(t, cfg)

	cfg, err = loadConfig(&rootOptions{
		ConfigPath: path,
		DataDir:    dir,
		LogLevel:   "debug",
		Listen:     "off",
	})
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Empty(t, cfg.API.Listen)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "sync:\n  strategy: newest\n")
	_, err := loadConfig(&rootOptions{ConfigPath: path})
	assert.ErrorIs(t, err, config.ErrInvalidStrategy)
}

func TestBuildRemote(t *testing.T) {
	cfg := config.DefaultConfig()
	log := logging.New(&bytes.Buffer{}, logging.LevelDebug)

	remote, err := buildRemote(cfg, log)
	require.NoError(t, err)
	assert.NotNil(t, remote)

	cfg.Remote.Provider = "minio"
	cfg.Remote.Endpoint = "localhost:9000"
	cfg.Remote.Bucket = "shelf"
	remote, err = buildRemote(cfg, log)
	require.NoError(t, err)
	assert.NotNil(t, remote)

	cfg.Remote.Provider = "r2"
	_, err = buildRemote(cfg, log)
	assert.Error(t, err, "r2 needs an account id")
}

func TestRun_ServesStatusUntilCancelled(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
dataDir: `+filepath.Join(dir, "data")+`
log:
  file: `+filepath.Join(dir, "shelfsync.log")+`
api:
  listen: 127.0.0.1:0
sync:
  remoteId: books
  autoSync: false
`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, &rootOptions{
			ConfigPath: path,
			onReady:    func(addr string) { ready <- addr },
		})
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not become ready")
	}

	resp, err := http.Get("http://" + addr + "/api/sync/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, true, status["initialized"])
	assert.Equal(t, true, status["remoteConfigured"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	_, err = os.Stat(filepath.Join(dir, "data"))
	assert.NoError(t, err, "data directory is created")
}
