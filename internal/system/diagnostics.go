package system

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"
)

// DiagnosticLevel определяет набор проверок
type DiagnosticLevel string

const (
	// LevelQuick - пути и права, для команд без доступа к устройствам
	LevelQuick DiagnosticLevel = "quick"
	// LevelFull - всё, включая инструменты очистки
	LevelFull DiagnosticLevel = "full"
)

// DiagnosticTest определяет тип проверки
type DiagnosticTest string

const (
	TestTools        DiagnosticTest = "tools"
	TestPermissions  DiagnosticTest = "permissions"
	TestCertificates DiagnosticTest = "certificates"
	TestLedger       DiagnosticTest = "ledger"
	TestLogs         DiagnosticTest = "logs"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"

	OverallHealthy  = "HEALTHY"
	OverallWarning  = "WARNING"
	OverallCritical = "CRITICAL"
)

// DiagnosticResult содержит результат проверки. Critical FAIL блокирует запуск.
type DiagnosticResult struct {
	Test      DiagnosticTest `json:"test"`
	Status    string         `json:"status"`
	Critical  bool           `json:"critical"`
	Message   string         `json:"message"`
	Details   interface{}    `json:"details,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Timestamp time.Time      `json:"timestamp"`
}

// SystemDiagnostics содержит полную диагностику
type SystemDiagnostics struct {
	Level       DiagnosticLevel    `json:"level"`
	StartTime   time.Time          `json:"start_time"`
	EndTime     time.Time          `json:"end_time"`
	Duration    time.Duration      `json:"duration"`
	Overall     string             `json:"overall"`
	Results     []DiagnosticResult `json:"results"`
	Summary     DiagnosticSummary  `json:"summary"`
	Environment SystemEnvironment  `json:"environment"`
}

type DiagnosticSummary struct {
	TotalTests int `json:"total_tests"`
	Passed     int `json:"passed"`
	Failed     int `json:"failed"`
	Warnings   int `json:"warnings"`
}

type SystemEnvironment struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	Hostname     string `json:"hostname"`
	Elevated     bool   `json:"elevated"`
	CPUCount     int    `json:"cpu_count"`
	GoVersion    string `json:"go_version"`
}

// ToolRequirement - внешняя утилита и её обязательность
type ToolRequirement struct {
	Name     string
	Required bool
}

// DiagnosticsConfig describes what to check. Elevation and LookPath may be
// nil; GOOS defaults to the running platform. An empty CertificateDir skips
// the evidence checks.
type DiagnosticsConfig struct {
	Tools []ToolRequirement
	// SupportedOS lists the platforms the tools run on. Empty means any.
	SupportedOS    []string
	CertificateDir string
	LedgerPath     string
	LogFile        string
	Elevation      func() (elevated bool, guidance string)
	LookPath       func(name string) (string, error)
	GOOS           string
}

// SystemDiagnosticsRunner выполняет диагностику
type SystemDiagnosticsRunner struct {
	cfg   DiagnosticsConfig
	level DiagnosticLevel
	test  DiagnosticTest
}

// NewSystemDiagnosticsRunner создает runner. test, если задан, выполняется один.
func NewSystemDiagnosticsRunner(cfg DiagnosticsConfig, level DiagnosticLevel, test DiagnosticTest) *SystemDiagnosticsRunner {
	if cfg.LookPath == nil {
		cfg.LookPath = exec.LookPath
	}
	if cfg.GOOS == "" {
		cfg.GOOS = runtime.GOOS
	}
	return &SystemDiagnosticsRunner{cfg: cfg, level: level, test: test}
}

// RunDiagnostics выполняет проверки выбранного уровня
func (sdr *SystemDiagnosticsRunner) RunDiagnostics(ctx context.Context) (*SystemDiagnostics, error) {
	startTime := time.Now()

	diagnostics := &SystemDiagnostics{
		Level:       sdr.level,
		StartTime:   startTime,
		Results:     make([]DiagnosticResult, 0),
		Environment: sdr.collectEnvironmentInfo(),
	}

	for _, test := range sdr.getTestsForLevel() {
		select {
		case <-ctx.Done():
			return diagnostics, ctx.Err()
		default:
		}
		diagnostics.Results = append(diagnostics.Results, sdr.runTest(test))
	}

	diagnostics.EndTime = time.Now()
	diagnostics.Duration = diagnostics.EndTime.Sub(diagnostics.StartTime)
	diagnostics.Summary = calculateSummary(diagnostics.Results)
	diagnostics.Overall = determineOverallStatus(diagnostics.Results)

	return diagnostics, nil
}

// CriticalFailures returns the failed checks that block startup.
func (d *SystemDiagnostics) CriticalFailures() []DiagnosticResult {
	var out []DiagnosticResult
	for _, r := range d.Results {
		if r.Status == StatusFail && r.Critical {
			out = append(out, r)
		}
	}
	return out
}

func (sdr *SystemDiagnosticsRunner) getTestsForLevel() []DiagnosticTest {
	if sdr.test != "" {
		return []DiagnosticTest{sdr.test}
	}
	quick := []DiagnosticTest{TestPermissions}
	// Без каталога сертификатов выдача отключена
	if sdr.cfg.CertificateDir != "" {
		quick = append(quick, TestCertificates, TestLedger)
	}
	quick = append(quick, TestLogs)
	if sdr.level == LevelQuick {
		return quick
	}
	return append([]DiagnosticTest{TestTools}, quick...)
}

func (sdr *SystemDiagnosticsRunner) runTest(test DiagnosticTest) DiagnosticResult {
	startTime := time.Now()
	result := DiagnosticResult{Test: test, Timestamp: startTime}

	switch test {
	case TestTools:
		result.Status, result.Message, result.Details = sdr.testTools()
		result.Critical = true
	case TestPermissions:
		result.Status, result.Message, result.Details = sdr.testPermissions()
	case TestCertificates:
		result.Status, result.Message, result.Details = testWritableDir(sdr.cfg.CertificateDir, "certificate directory")
		result.Critical = true
	case TestLedger:
		result.Status, result.Message, result.Details = testLedger(sdr.cfg.LedgerPath)
	case TestLogs:
		if sdr.cfg.LogFile == "" {
			result.Status, result.Message = StatusPass, "File logging disabled"
			break
		}
		result.Status, result.Message, result.Details = testWritableDir(filepath.Dir(sdr.cfg.LogFile), "log directory")
		result.Critical = true
	default:
		result.Status, result.Message = StatusFail, fmt.Sprintf("Unknown diagnostic test %q", test)
	}

	result.Duration = time.Since(startTime)
	return result
}

func (sdr *SystemDiagnosticsRunner) testTools() (string, string, interface{}) {
	details := map[string]interface{}{"os": sdr.cfg.GOOS}
	if len(sdr.cfg.SupportedOS) > 0 && !contains(sdr.cfg.SupportedOS, sdr.cfg.GOOS) {
		details["supported_os"] = sdr.cfg.SupportedOS
		return StatusFail, fmt.Sprintf("Device erase tools are not available on %s", sdr.cfg.GOOS), details
	}

	var missingRequired, missingOptional []string
	found := map[string]string{}
	for _, tool := range sdr.cfg.Tools {
		path, err := sdr.cfg.LookPath(tool.Name)
		switch {
		case err == nil:
			found[tool.Name] = path
		case tool.Required:
			missingRequired = append(missingRequired, tool.Name)
		default:
			missingOptional = append(missingOptional, tool.Name)
		}
	}
	details["found"] = found
	details["missing"] = append(append([]string{}, missingRequired...), missingOptional...)

	if len(missingRequired) > 0 {
		return StatusFail, fmt.Sprintf("Required tools missing: %v", missingRequired), details
	}
	if len(missingOptional) > 0 {
		return StatusWarn, fmt.Sprintf("Hardware purge limited, tools missing: %v", missingOptional), details
	}
	return StatusPass, fmt.Sprintf("All %d erase tools found", len(sdr.cfg.Tools)), details
}

func (sdr *SystemDiagnosticsRunner) testPermissions() (string, string, interface{}) {
	if sdr.cfg.Elevation == nil {
		return StatusWarn, "Elevation could not be determined", nil
	}
	elevated, guidance := sdr.cfg.Elevation()
	details := map[string]interface{}{"elevated": elevated}
	if elevated {
		return StatusPass, "Running with elevated privileges", details
	}
	// Не критично: доступны пробные запуски
	if guidance != "" {
		details["guidance"] = guidance
	}
	return StatusWarn, "Not elevated: purge and destroy will be refused", details
}

// testWritableDir создаёт каталог при необходимости и проверяет запись
func testWritableDir(dir, what string) (string, string, interface{}) {
	details := map[string]interface{}{"path": dir}
	if dir == "" {
		return StatusFail, fmt.Sprintf("No %s configured", what), details
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return StatusFail, fmt.Sprintf("Cannot create %s: %v", what, err), details
	}
	f, err := os.CreateTemp(dir, ".write_test-*")
	if err != nil {
		return StatusFail, fmt.Sprintf("Cannot write to %s: %v", what, err), details
	}
	name := f.Name()
	f.Close()
	if err := os.Remove(name); err != nil {
		return StatusWarn, fmt.Sprintf("Write test file left in %s: %v", what, err), details
	}
	return StatusPass, fmt.Sprintf("Writable %s: %s", what, dir), details
}

// testLedger: без реестра сертификаты всё равно пишутся файлами
func testLedger(path string) (string, string, interface{}) {
	details := map[string]interface{}{"path": path}
	if path == "" {
		return StatusWarn, "No certificate ledger configured", details
	}
	status, msg, _ := testWritableDir(filepath.Dir(path), "ledger directory")
	if status != StatusPass {
		return StatusWarn, msg + ": certificates will not be indexed", details
	}
	if _, err := os.Stat(path); err == nil {
		f, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err != nil {
			return StatusWarn, fmt.Sprintf("Ledger is not writable: %v", err), details
		}
		f.Close()
	}
	return StatusPass, "Certificate ledger writable: " + path, details
}

func (sdr *SystemDiagnosticsRunner) collectEnvironmentInfo() SystemEnvironment {
	env := SystemEnvironment{
		OS:           sdr.cfg.GOOS,
		Architecture: runtime.GOARCH,
		CPUCount:     runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}
	env.Hostname, _ = os.Hostname()
	if sdr.cfg.Elevation != nil {
		env.Elevated, _ = sdr.cfg.Elevation()
	}
	return env
}

func calculateSummary(results []DiagnosticResult) DiagnosticSummary {
	summary := DiagnosticSummary{TotalTests: len(results)}
	for _, result := range results {
		switch result.Status {
		case StatusPass:
			summary.Passed++
		case StatusFail:
			summary.Failed++
		case StatusWarn:
			summary.Warnings++
		}
	}
	return summary
}

// determineOverallStatus: CRITICAL только при критическом FAIL
func determineOverallStatus(results []DiagnosticResult) string {
	overall := OverallHealthy
	for _, r := range results {
		switch {
		case r.Status == StatusFail && r.Critical:
			return OverallCritical
		case r.Status != StatusPass:
			overall = OverallWarning
		}
	}
	return overall
}

// SaveDiagnostics сохраняет диагностику в JSON
func SaveDiagnostics(diagnostics *SystemDiagnostics, outputPath string) error {
	if outputPath == "" {
		timestamp := diagnostics.StartTime.Format("20060102_150405")
		outputPath = filepath.Join(os.TempDir(), fmt.Sprintf("dropdrive_diagnostics_%s.json", timestamp))
	}

	data, err := json.MarshalIndent(diagnostics, "", "  ")
	if err != nil {
		return fmt.Errorf("ошибка сериализации JSON: %w", err)
	}
	if err := os.WriteFile(outputPath, data, 0644); err != nil {
		return fmt.Errorf("ошибка сохранения файла: %w", err)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
