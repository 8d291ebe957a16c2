package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"dropdrive/internal/app"
	"dropdrive/internal/config"
	"dropdrive/internal/evidence"
	"dropdrive/internal/purge"
	"dropdrive/internal/system"
)

var probeCmd = &cobra.Command{
	Use:   "probe <устройство>",
	Short: "Проверить, какой метод purge доступен (без записи)",
	Args:  cobra.ExactArgs(1),
	RunE:  runProbe,
}

var infoCmd = &cobra.Command{
	Use:   "info <устройство>",
	Short: "Показать информацию об устройстве",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

var elevationCmd = &cobra.Command{
	Use:   "elevation",
	Short: "Показать уровень привилегий процесса",
	RunE:  runElevation,
}

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Сертификаты санитизации",
}

var certsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Список выданных сертификатов",
	RunE:  runCertsList,
}

var certsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Показать сертификат",
	Args:  cobra.ExactArgs(1),
	RunE:  runCertsShow,
}

var certsVerifyCmd = &cobra.Command{
	Use:   "verify <id|файл>",
	Short: "Проверить целостность сертификата",
	Args:  cobra.ExactArgs(1),
	RunE:  runCertsVerify,
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Восстановить хранилище сертификатов после сбоя",
	RunE:  runRecover,
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Самодиагностика: инструменты, права, каталоги",
	RunE:  runDiagnose,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Управление конфигурацией",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Создать файл конфигурации по умолчанию",
	RunE:  runConfigInit,
}

func init() {
	certsCmd.AddCommand(certsListCmd, certsShowCmd, certsVerifyCmd)
	configInitCmd.Flags().BoolP("force", "f", false, "Перезаписать существующий файл")
	configCmd.AddCommand(configInitCmd)
	diagnoseCmd.Flags().StringP("output", "o", "", "Сохранить отчёт в JSON-файл")
	diagnoseCmd.Flags().String("test", "", "Выполнить одну проверку (tools/permissions/certificates/ledger/logs)")
}

func runProbe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, _, cleanup, err := setup(ctx, system.LevelFull)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := svc.ProbePurge(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(res)
	}
	fmt.Print(purge.Format(res))
	if verbose {
		for _, line := range res.Logs {
			dimColor.Println("  " + line)
		}
	}
	if !res.Succeeded {
		return &exitError{code: EXIT_WARNING, err: fmt.Errorf("no hardware purge available on %s", args[0])}
	}
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, _, cleanup, err := setup(ctx, system.LevelFull)
	if err != nil {
		return err
	}
	defer cleanup()

	info, err := svc.DeviceInfo(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(info)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Device:\t%s\n", info.Path)
	fmt.Fprintf(w, "Model:\t%s\n", info.Model)
	fmt.Fprintf(w, "Serial:\t%s\n", info.Serial)
	fmt.Fprintf(w, "Bus:\t%s\n", info.BusType)
	fmt.Fprintf(w, "Size:\t%d bytes (%.1f GB)\n", info.SizeBytes, float64(info.SizeBytes)/1e9)
	fmt.Fprintf(w, "Rotational:\t%t\n", info.Rotational)
	fmt.Fprintf(w, "Removable:\t%t\n", info.Removable)
	return w.Flush()
}

func runElevation(cmd *cobra.Command, args []string) error {
	svc, _, cleanup, err := setup(context.Background(), system.LevelQuick)
	if err != nil {
		return err
	}
	defer cleanup()

	el := svc.Elevation()
	if jsonOutput {
		return printJSON(el)
	}
	if el.Elevated {
		okColor.Printf("✓ %s (%s)\n", el.Message, el.Platform)
	} else {
		warnColor.Printf("⚠ %s (%s)\n", el.Message, el.Platform)
		if el.Guidance != "" {
			dimColor.Printf("  → %s\n", el.Guidance)
		}
	}
	fmt.Printf("  clear/destroy: %t  purge: %t  dry-run: %t  devices: %t\n",
		el.Capabilities.CanWipe, el.Capabilities.CanPurge, el.Capabilities.CanDryRun, el.Capabilities.CanViewDevices)
	return nil
}

func withIssuer(fn func(ctx context.Context, certs *evidence.Issuer) error) error {
	ctx := context.Background()
	svc, _, cleanup, err := setup(ctx, system.LevelQuick)
	if err != nil {
		return err
	}
	defer cleanup()

	certs, err := svc.Certificates()
	if err != nil {
		return err
	}
	return fn(ctx, certs)
}

func runCertsList(cmd *cobra.Command, args []string) error {
	return withIssuer(func(ctx context.Context, certs *evidence.Issuer) error {
		entries, err := certs.List(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("Сертификаты не найдены в", certs.Dir())
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCREATED\tPROFILE\tMETHOD\tDEVICE\tSERIAL\tINDEXED")
		for _, e := range entries {
			r := e.Record
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n", r.ID, r.CreatedAt.Format("2006-01-02 15:04"),
				r.WipeType, r.EraseMethod, r.DeviceModel, r.DeviceSerial, e.Indexed)
		}
		return w.Flush()
	})
}

func runCertsShow(cmd *cobra.Command, args []string) error {
	return withIssuer(func(ctx context.Context, certs *evidence.Issuer) error {
		doc, err := certs.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(doc)
		}
		out, err := evidence.Render(doc)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	})
}

func runCertsVerify(cmd *cobra.Command, args []string) error {
	target := args[0]
	var (
		doc evidence.Certificate
		err error
	)
	if _, statErr := os.Stat(target); statErr == nil {
		// Проверка отдельного файла не требует конфигурации
		doc, err = evidence.VerifyDocument(target)
	} else {
		err = withIssuer(func(ctx context.Context, certs *evidence.Issuer) error {
			var verr error
			doc, verr = certs.Verify(ctx, target)
			return verr
		})
	}
	if err != nil {
		failColor.Printf("✗ Сертификат недействителен: %s\n", target)
		return &exitError{code: EXIT_ERROR, err: err}
	}
	if jsonOutput {
		return printJSON(doc)
	}
	okColor.Printf("✓ Сертификат %s действителен\n", doc.CertificateID)
	fmt.Printf("  %s, %s, %s, %s\n", doc.NISTProfile, doc.EraseMethod, doc.DeviceInfo.SerialNumber, doc.TimestampUTC)
	return nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	return withIssuer(func(ctx context.Context, certs *evidence.Issuer) error {
		rep, err := certs.Recover(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(rep)
		}
		fmt.Printf("Удалено временных файлов: %d\n", len(rep.RemovedTemp))
		fmt.Printf("Удалено неполных сертификатов: %d\n", len(rep.RemovedOrphans))
		fmt.Printf("Переиндексировано: %d\n", len(rep.Reindexed))
		if len(rep.InvalidDocuments) > 0 {
			warnColor.Printf("Недействительные документы: %d\n", len(rep.InvalidDocuments))
			for _, p := range rep.InvalidDocuments {
				fmt.Println("  " + p)
			}
			return &exitError{code: EXIT_WARNING, err: fmt.Errorf("%d invalid certificate documents", len(rep.InvalidDocuments))}
		}
		return nil
	})
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("файл конфигурации уже существует: %s (используйте --force)", configPath)
	}
	cfg := config.Default()
	if profile != "" {
		if err := config.ApplyProfile(cfg, profile); err != nil {
			return err
		}
	}
	if err := config.Save(cfg, configPath); err != nil {
		return err
	}
	okColor.Printf("✓ Конфигурация сохранена: %s\n", configPath)
	return nil
}

func runDiagnose(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	test, _ := cmd.Flags().GetString("test")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	runner := system.NewSystemDiagnosticsRunner(app.DiagnosticsConfig(cfg), system.LevelFull, system.DiagnosticTest(test))
	diag, err := runner.RunDiagnostics(context.Background())
	if err != nil {
		return err
	}

	if jsonOutput {
		if err := printJSON(diag); err != nil {
			return err
		}
	} else {
		fmt.Println("Диагностика DropDrive:")
		fmt.Println("======================")
		for _, r := range diag.Results {
			switch {
			case r.Status == system.StatusPass:
				okColor.Printf("✓ %-13s", r.Test)
			case r.Status == system.StatusFail && r.Critical:
				failColor.Printf("✗ %-13s", r.Test)
			default:
				warnColor.Printf("⚠ %-13s", r.Test)
			}
			fmt.Printf(" %s\n", r.Message)
		}
		fmt.Printf("\nИтого: %s (пройдено %d, предупреждений %d, ошибок %d)\n",
			diag.Overall, diag.Summary.Passed, diag.Summary.Warnings, diag.Summary.Failed)
	}

	if output != "" {
		if err := system.SaveDiagnostics(diag, output); err != nil {
			return err
		}
		if !jsonOutput {
			dimColor.Printf("Отчёт сохранён: %s\n", output)
		}
	}

	switch diag.Overall {
	case system.OverallCritical:
		return &exitError{code: EXIT_ERROR, err: fmt.Errorf("%d critical checks failed", len(diag.CriticalFailures()))}
	case system.OverallWarning:
		return &exitError{code: EXIT_WARNING, err: fmt.Errorf("diagnostics finished with warnings")}
	}
	return nil
}
