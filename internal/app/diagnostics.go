package app

import (
	"context"
	"fmt"
	"strings"

	"dropdrive/internal/config"
	"dropdrive/internal/provider"
	"dropdrive/internal/security"
	"dropdrive/internal/system"
	"dropdrive/internal/wipeerr"
)

// DiagnosticsConfig maps the configuration onto the startup self-test: the
// erase tools of the command provider, elevation and the writable paths.
func DiagnosticsConfig(cfg *config.Config) system.DiagnosticsConfig {
	guard := security.NewGuard(cfg)
	dc := system.DiagnosticsConfig{
		SupportedOS: []string{"linux"},
		LogFile:     cfg.Logging.File,
		Elevation: func() (bool, string) {
			el := guard.CurrentElevation()
			return el.Elevated, el.Guidance
		},
	}
	for _, t := range provider.Tools {
		dc.Tools = append(dc.Tools, system.ToolRequirement{Name: t.Name, Required: t.Required})
	}
	if cfg.Evidence.Enabled {
		dc.CertificateDir = cfg.Evidence.CertificateDir
		dc.LedgerPath = cfg.Evidence.LedgerPath
	}
	return dc
}

// CheckHealth runs the startup self-test and refuses on any critical failure.
// The diagnostics are returned either way.
func CheckHealth(ctx context.Context, dc system.DiagnosticsConfig, level system.DiagnosticLevel) (*system.SystemDiagnostics, error) {
	diag, err := system.NewSystemDiagnosticsRunner(dc, level, "").RunDiagnostics(ctx)
	if err != nil {
		return diag, err
	}
	failures := diag.CriticalFailures()
	if len(failures) == 0 {
		return diag, nil
	}
	msgs := make([]string, 0, len(failures))
	for _, f := range failures {
		msgs = append(msgs, fmt.Sprintf("%s: %s", f.Test, f.Message))
	}
	return diag, wipeerr.New(wipeerr.KindValidation,
		"startup self-test failed: "+strings.Join(msgs, "; "),
		"run `dropdrive diagnose` for details")
}
