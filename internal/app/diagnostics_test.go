package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dropdrive/internal/system"
	"dropdrive/internal/wipeerr"
)

func TestDiagnosticsConfigFollowsEvidenceSettings(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)

	dc := DiagnosticsConfig(cfg)
	assert.Equal(t, cfg.Evidence.CertificateDir, dc.CertificateDir)
	assert.Equal(t, cfg.Evidence.LedgerPath, dc.LedgerPath)
	assert.Equal(t, cfg.Logging.File, dc.LogFile)
	assert.NotEmpty(t, dc.Tools)

	cfg.Evidence.Enabled = false
	dc = DiagnosticsConfig(cfg)
	assert.Empty(t, dc.CertificateDir)
	assert.Empty(t, dc.LedgerPath)
}

func TestCheckHealthRefusesCriticalFailures(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	occupied := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(occupied, []byte("x"), 0644))
	cfg.Evidence.CertificateDir = filepath.Join(occupied, "certificates")

	diag, err := CheckHealth(context.Background(), DiagnosticsConfig(cfg), system.LevelQuick)
	require.Error(t, err)
	assert.True(t, wipeerr.IsValidation(err))
	assert.Contains(t, err.Error(), string(system.TestCertificates))
	require.NotNil(t, diag)
	assert.Equal(t, system.OverallCritical, diag.Overall)
}

func TestCheckHealthPassesWritableConfig(t *testing.T) {
	t.Parallel()
	diag, err := CheckHealth(context.Background(), DiagnosticsConfig(testConfig(t)), system.LevelQuick)
	require.NoError(t, err)
	assert.Empty(t, diag.CriticalFailures())
}
