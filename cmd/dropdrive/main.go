package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"dropdrive/internal/app"
	"dropdrive/internal/config"
	"dropdrive/internal/logging"
	"dropdrive/internal/model"
	"dropdrive/internal/system"
	"dropdrive/internal/wipeerr"
)

const (
	Version = "2.1.0"
	AppName = "DropDrive"

	// Exit codes
	EXIT_SUCCESS = 0
	EXIT_ERROR   = 1
	EXIT_WARNING = 2
)

var (
	dryRun     bool
	verbose    bool
	jsonOutput bool
	configPath string
	profile    string
)

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	warnColor = color.New(color.FgYellow, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.Faint)
)

// exitError carries the process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:           "dropdrive",
	Short:         "DropDrive - санитизация накопителей по NIST 800-88",
	Long:          "Безопасная очистка физических накопителей (Clear / Purge / Destroy) с выдачей сертификатов",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Тестовый режим: никаких записей на устройство")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Подробный вывод")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Вывод в JSON")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Путь к конфигурации")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "Профиль работы (safe/standard/lab)")

	rootCmd.AddCommand(wipeCmd, probeCmd, infoCmd, elevationCmd, certsCmd, recoverCmd, configCmd, diagnoseCmd)
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "DropDrive", "config.yaml")
}

// loadConfig loads the configuration and applies the selected profile.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации: %w", err)
	}
	if profile != "" {
		if err := config.ApplyProfile(cfg, profile); err != nil {
			return nil, fmt.Errorf("ошибка применения профиля %s: %w", profile, err)
		}
	}
	return cfg, nil
}

// setup runs the startup self-test, then builds the logger and the service.
// Commands that touch devices pass system.LevelFull so that missing erase
// tools stop them early. The returned cleanup closes both.
func setup(ctx context.Context, level system.DiagnosticLevel) (*app.Service, *logging.EnterpriseLogger, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	if _, err := app.CheckHealth(ctx, app.DiagnosticsConfig(cfg), level); err != nil {
		return nil, nil, nil, err
	}
	logger, err := logging.NewEnterpriseLogger(cfg, verbose)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("ошибка инициализации логгера: %w", err)
	}
	if profile != "" {
		logger.Log("INFO", "Применён профиль", "profile", profile)
	}

	svc, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Close()
		return nil, nil, nil, err
	}
	cleanup := func() {
		if err := svc.Close(); err != nil {
			logger.Log("WARN", "Service shutdown failed", "error", err)
		}
		logger.Close()
	}
	return svc, logger, cleanup, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exitCodeFor maps a terminal result to the process exit code.
func exitCodeFor(res model.WipeResult) int {
	switch res.Status {
	case model.StatusSuccess:
		if res.EvidenceMissing {
			return EXIT_WARNING
		}
		return EXIT_SUCCESS
	case model.StatusSimulated:
		return EXIT_SUCCESS
	case model.StatusUnsupported, model.StatusCancelled:
		return EXIT_WARNING
	default:
		return EXIT_ERROR
	}
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		os.Exit(EXIT_SUCCESS)
	}

	var exit *exitError
	if errors.As(err, &exit) {
		if exit.err != nil && exit.code != EXIT_SUCCESS {
			failColor.Fprintf(os.Stderr, "✗ %v\n", exit.err)
		}
		os.Exit(exit.code)
	}

	failColor.Fprintf(os.Stderr, "✗ %v\n", err)
	for _, hint := range wipeerr.Hints(err) {
		dimColor.Fprintf(os.Stderr, "  → %s\n", hint)
	}
	os.Exit(EXIT_ERROR)
}
