package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dropdrive/internal/app"
	"dropdrive/internal/model"
	"dropdrive/internal/provider"
	"dropdrive/internal/system"
	"dropdrive/internal/wipe"
	"dropdrive/internal/worker"
)

var wipeCmd = &cobra.Command{
	Use:   "wipe <устройство>",
	Short: "Санитизация устройства (clear/purge/destroy)",
	Long: `Санитизация физического устройства по NIST 800-88.

  clear    программная перезапись
  purge    аппаратная очистка: Crypto Erase, NVMe Sanitize, ATA Secure Erase
  destroy  многопроходная перезапись и уничтожение таблицы разделов`,
	Args: cobra.ExactArgs(1),
	RunE: runWipe,
}

func init() {
	wipeCmd.Flags().StringP("level", "l", "clear", "Уровень санитизации (clear/purge/destroy)")
	wipeCmd.Flags().String("label", "", "Метка актива для сертификата")
	wipeCmd.Flags().String("serial", "", "Серийный номер из инвентаря")
	wipeCmd.Flags().String("confirm-serial", "", "Прервать, если серийный номер устройства отличается")
	wipeCmd.Flags().BoolP("force", "f", false, "Пропустить подтверждение")
}

func runWipe(cmd *cobra.Command, args []string) error {
	levelFlag, _ := cmd.Flags().GetString("level")
	level, err := model.ParseLevel(levelFlag)
	if err != nil {
		return err
	}
	label, _ := cmd.Flags().GetString("label")
	serial, _ := cmd.Flags().GetString("serial")
	confirmSerial, _ := cmd.Flags().GetString("confirm-serial")
	force, _ := cmd.Flags().GetBool("force")

	ctx := context.Background()
	svc, logger, cleanup, err := setup(ctx, system.LevelFull)
	if err != nil {
		return err
	}
	defer cleanup()

	req := model.WipeRequest{
		DevicePath: args[0],
		Level:      level,
		Simulate:   dryRun,
		Label:      label,
		DeviceInfo: model.DeviceDescriptor{Serial: serial, ConfirmedSerial: confirmSerial},
	}

	if !dryRun && !force && svc.Config().Security.RequireConfirmation {
		info, err := svc.DeviceInfo(ctx, req.DevicePath)
		if err != nil {
			logger.Log("WARN", "Device information unavailable for confirmation", "device", req.DevicePath, "error", err)
			info = provider.Info{}
		}
		if err := app.NewPrompter(os.Stdin, os.Stdout).ConfirmWipe(req, info); err != nil {
			if errors.Is(err, app.ErrNotConfirmed) {
				logger.Log("INFO", "Операция отменена пользователем", "device", req.DevicePath)
				warnColor.Println("Операция отменена")
				return nil
			}
			return err
		}
	}

	events, unsubscribe := svc.Subscribe("")
	defer unsubscribe()

	id, err := svc.Submit(req)
	if err != nil {
		return err
	}
	logger.Log("INFO", "Запуск санитизации", "operation", id, "device", req.DevicePath,
		"level", string(level), "dry_run", dryRun, "version", Version)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	watch(svc, id, events, sigChan)

	res, runErr := svc.Wait(ctx, id)
	if jsonOutput {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		printResult(res)
	}

	code := exitCodeFor(res)
	if runErr != nil {
		return &exitError{code: EXIT_ERROR, err: runErr}
	}
	if code != EXIT_SUCCESS {
		return &exitError{code: code, err: errors.New(res.Message)}
	}
	return nil
}

// watch prints the operation's events until its result arrives. An
// interrupt requests cancellation instead of killing the process.
func watch(svc *app.Service, id string, events <-chan wipe.Event, sigChan <-chan os.Signal) {
	progressShown := false
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.OperationID != id {
				continue
			}
			if jsonOutput {
				if e.Type == wipe.EventResult {
					return
				}
				continue
			}
			switch e.Type {
			case wipe.EventStatus:
				if progressShown {
					fmt.Println()
					progressShown = false
				}
				fmt.Printf("→ %s\n", e.Status)
			case wipe.EventLog:
				if verbose {
					if progressShown {
						fmt.Println()
						progressShown = false
					}
					dimColor.Println("  " + e.Message)
				} else if e.Level == "WARN" || e.Level == "ERROR" {
					warnColor.Println("  " + e.Message)
				}
			case wipe.EventHeartbeat:
				if e.Heartbeat != nil {
					fmt.Printf("\r  %s: ~%d%% (оценка), %s", e.Heartbeat.Progress.Stage,
						e.Heartbeat.Progress.Percent, e.Heartbeat.Elapsed.Truncate(time.Second))
					progressShown = true
				}
			case wipe.EventResult:
				if progressShown {
					fmt.Println()
				}
				return
			}

		case sig := <-sigChan:
			fmt.Printf("\n[INFO] Получен сигнал %s, запрашиваем отмену...\n", sig)
			switch err := svc.Cancel(id); {
			case err == nil:
				warnColor.Println("Отмена запрошена")
			case errors.Is(err, worker.ErrCommitted):
				warnColor.Println("Аппаратная команда уже выполняется и не может быть прервана, дождитесь завершения")
			default:
				warnColor.Printf("Отмена невозможна: %v\n", err)
			}
		}
	}
}

func printResult(res model.WipeResult) {
	fmt.Println("\nРезультат санитизации:")
	fmt.Println("======================")
	mark := okColor.Sprint("✓")
	switch exitCodeFor(res) {
	case EXIT_WARNING:
		mark = warnColor.Sprint("⚠")
	case EXIT_ERROR:
		mark = failColor.Sprint("✗")
	}
	fmt.Printf("%s %s - %s (%s, метод %s)\n", mark, res.DevicePath, res.Status, res.Level, res.MethodUsed)
	fmt.Printf("  %s\n", res.Message)

	if res.FallbackSuggested != nil {
		methods := make([]string, 0, len(res.FallbackSuggested.Methods))
		for _, m := range res.FallbackSuggested.Methods {
			methods = append(methods, string(m))
		}
		warnColor.Printf("  Рекомендуется: %s (%s)\n", strings.Join(methods, " или "), res.FallbackSuggested.Reason)
	}
	if res.DeviceStateIndeterminate {
		failColor.Println("  Состояние устройства не определено: повторите санитизацию")
	}
	if res.PrivilegeError {
		warnColor.Println("  Часть операций отклонена: требуются права администратора")
	}
	if res.Evidence != nil {
		okColor.Printf("  Сертификат %s\n", res.Evidence.ID)
		fmt.Printf("    %s\n    %s\n", res.Evidence.DocumentRef, res.Evidence.RenderingRef)
	}
	if res.EvidenceMissing {
		failColor.Println("  Сертификат не выпущен, выпустите его вручную")
	}
	fmt.Printf("  Операция %s, завершена %s\n", res.OperationID, res.CompletedAt.Format("2006-01-02 15:04:05Z"))
}
