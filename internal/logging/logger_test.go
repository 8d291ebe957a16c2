package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"dropdrive/internal/config"
)

func TestLogWritesStructuredFile(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.File = filepath.Join(t.TempDir(), "logs", "wipe.log")
	cfg.Logging.Level = "INFO"

	l, err := NewEnterpriseLogger(cfg, false)
	require.NoError(t, err)

	l.Named("orchestrator").Log("INFO", "erase started", "device", "/dev/sdb", "level", "purge")
	l.Log("DEBUG", "below threshold")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(cfg.Logging.File)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "erase started", entry["msg"])
	assert.Equal(t, "/dev/sdb", entry["device"])
	assert.Equal(t, "orchestrator", entry["logger"])
	assert.Equal(t, "INFO", entry["level"])
}

func TestFatalDoesNotExit(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zap.DebugLevel)
	l := FromZap(zap.New(core))

	l.Log("FATAL", "ledger unavailable", "path", "/tmp/x.db")
	l.Log("warn", "lowercase level accepted")

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, "ledger unavailable", entries[0].Message)
	assert.Equal(t, "FATAL", entries[0].ContextMap()["severity"])
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
}

func TestNopIsSafe(t *testing.T) {
	t.Parallel()
	l := NewNop()
	l.Log("ERROR", "ignored")
	l.Named("x").Log("INFO", "ignored")
	assert.NoError(t, l.Close())

	var nilLogger *EnterpriseLogger
	nilLogger.Log("INFO", "ignored")
	assert.NoError(t, nilLogger.Close())
}
