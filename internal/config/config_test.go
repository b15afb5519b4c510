package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  http_port: ":9090"
storage:
  backend: local
  base_dir: /tmp/gifmark
kafka:
  brokers: ["k1:9092", "k2:9092"]
  topic: tasks
pipeline:
  max_frames: 50
  loop_count: 2
retry:
  delay: 250ms
`)
	t.Setenv("DB_HOST", "db.internal")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.Server.HTTPPort)
	require.Equal(t, StorageLocal, cfg.Storage.Backend)
	require.Equal(t, "/tmp/gifmark", cfg.Storage.BaseDir)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	require.Equal(t, 50, cfg.Pipeline.MaxFrames)
	require.NotNil(t, cfg.Pipeline.LoopCount)
	require.Equal(t, 2, *cfg.Pipeline.LoopCount)
	require.Equal(t, 250*time.Millisecond, cfg.Retry.Delay)
	require.Equal(t, "db.internal", cfg.Database.Master.Host)

	// defaults
	require.Equal(t, 10, cfg.Pipeline.Quality)
	require.Equal(t, 2, cfg.Tasks.MaxConcurrent)
	require.Equal(t, 3, cfg.Retry.Attempts)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "storage:\n  backend: floppy\n"))
	require.ErrorContains(t, err, "floppy")
}

func TestDSN(t *testing.T) {
	n := DatabaseNode{Host: "h", Port: "5432", User: "u", Pass: "p", Name: "d", SSLMode: "disable"}
	require.Equal(t, "postgres://u:p@h:5432/d?sslmode=disable", n.DSN())
}
