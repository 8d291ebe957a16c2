package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SecurityConfig политика безопасности
type SecurityConfig struct {
	RequireAdminForPurge bool     `yaml:"require_admin_for_purge"`
	RequireConfirmation  bool     `yaml:"require_confirmation"`
	ProtectedDevices     []string `yaml:"protected_devices"`
}

// SanitizeConfig параметры оркестратора
type SanitizeConfig struct {
	ClearPattern      string `yaml:"clear_pattern"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	StallWarningAfter string `yaml:"stall_warning_after"`
	Retention         string `yaml:"retention"`
	LockDir           string `yaml:"lock_dir"`
	NvmeAction        string `yaml:"nvme_action"`
	AtaEnhanced       bool   `yaml:"ata_enhanced"`
}

type MountConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxFiles   int    `yaml:"max_files"`
	Structured bool   `yaml:"structured"`
}

// EvidenceConfig параметры выдачи сертификатов
type EvidenceConfig struct {
	Enabled        bool   `yaml:"enabled"`
	CertificateDir string `yaml:"certificate_dir"`
	LedgerPath     string `yaml:"ledger_path"`
	ToolVersion    string `yaml:"tool_version"`
	IssueRetries   int    `yaml:"issue_retries"`
}

// Config конфигурация DropDrive
type Config struct {
	Security SecurityConfig `yaml:"security"`
	Sanitize SanitizeConfig `yaml:"sanitize"`
	Mount    MountConfig    `yaml:"mount"`
	Logging  LoggingConfig  `yaml:"logging"`
	Evidence EvidenceConfig `yaml:"evidence"`
}

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	dataDir := defaultDataDir()

	return &Config{
		Security: SecurityConfig{
			RequireAdminForPurge: true,
			RequireConfirmation:  true,
			ProtectedDevices:     []string{},
		},
		Sanitize: SanitizeConfig{
			ClearPattern:      "zero",
			HeartbeatInterval: "2s",
			StallWarningAfter: "6h",
			Retention:         "15m",
			LockDir:           filepath.Join(dataDir, "locks"),
			NvmeAction:        "crypto",
			AtaEnhanced:       false,
		},
		Mount: MountConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:      "INFO",
			File:       filepath.Join(dataDir, "logs", "wipe.log"),
			MaxSizeMB:  100,
			MaxFiles:   5,
			Structured: true,
		},
		Evidence: EvidenceConfig{
			Enabled:        true,
			CertificateDir: filepath.Join(dataDir, "certificates"),
			LedgerPath:     filepath.Join(dataDir, "dropdrive.db"),
			ToolVersion:    "2.1.0",
			IssueRetries:   2,
		},
	}
}

// Load загружает конфигурацию из файла
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// Поля, отсутствующие в файле, берутся из Default
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate проверяет конфигурацию на валидность
func Validate(config *Config) error {
	validPatterns := map[string]bool{
		"zero":   true,
		"random": true,
		"nist":   true,
	}
	if !validPatterns[config.Sanitize.ClearPattern] {
		return fmt.Errorf("invalid clear pattern: %s", config.Sanitize.ClearPattern)
	}

	validActions := map[string]bool{
		"crypto":    true,
		"block":     true,
		"overwrite": true,
	}
	if !validActions[config.Sanitize.NvmeAction] {
		return fmt.Errorf("invalid nvme sanitize action: %s", config.Sanitize.NvmeAction)
	}

	durations := map[string]string{
		"heartbeat_interval":  config.Sanitize.HeartbeatInterval,
		"stall_warning_after": config.Sanitize.StallWarningAfter,
		"retention":           config.Sanitize.Retention,
	}
	for name, value := range durations {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s format: %s", name, value)
		}
		if d < 0 {
			return fmt.Errorf("%s cannot be negative, got %s", name, value)
		}
	}

	if config.Sanitize.LockDir == "" {
		return fmt.Errorf("lock dir must be set")
	}

	validLevels := map[string]bool{
		"DEBUG": true,
		"INFO":  true,
		"WARN":  true,
		"ERROR": true,
	}
	if !validLevels[config.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	if config.Logging.MaxSizeMB <= 0 || config.Logging.MaxSizeMB > 1000 {
		return fmt.Errorf("log max size must be between 1MB and 1000MB, got %d", config.Logging.MaxSizeMB)
	}

	if config.Logging.MaxFiles <= 0 || config.Logging.MaxFiles > 50 {
		return fmt.Errorf("log max files must be between 1 and 50, got %d", config.Logging.MaxFiles)
	}

	if config.Evidence.Enabled {
		if config.Evidence.CertificateDir == "" {
			return fmt.Errorf("certificate dir must be set when evidence is enabled")
		}
		if config.Evidence.IssueRetries < 0 || config.Evidence.IssueRetries > 10 {
			return fmt.Errorf("issue retries must be between 0 and 10, got %d", config.Evidence.IssueRetries)
		}
	}

	for _, dev := range config.Security.ProtectedDevices {
		if strings.TrimSpace(dev) == "" {
			return fmt.Errorf("empty protected device")
		}
	}

	return nil
}

// Save сохраняет конфигурацию в файл
func Save(config *Config, path string) error {
	if err := Validate(config); err != nil {
		return fmt.Errorf("cannot save invalid config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// HeartbeatInterval возвращает интервал heartbeat
func (config *Config) HeartbeatInterval() time.Duration {
	return parseDurationOr(config.Sanitize.HeartbeatInterval, 2*time.Second)
}

// StallWarningAfter returns 0 when stall warnings are disabled.
func (config *Config) StallWarningAfter() time.Duration {
	return parseDurationOr(config.Sanitize.StallWarningAfter, 0)
}

// Retention is how long finished operations stay queryable.
func (config *Config) Retention() time.Duration {
	return parseDurationOr(config.Sanitize.Retention, 15*time.Minute)
}

// IsProtected reports whether the device is listed in security.protected_devices.
func (config *Config) IsProtected(device string) bool {
	for _, p := range config.Security.ProtectedDevices {
		if strings.EqualFold(p, device) {
			return true
		}
	}
	return false
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// defaultDataDir возвращает каталог данных приложения
func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "DropDrive")
	}
	return "./dropdrive-data" // Fallback
}
