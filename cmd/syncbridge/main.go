package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/syncbridge/internal/audit"
	"github.com/breeze-rmm/syncbridge/internal/config"
	"github.com/breeze-rmm/syncbridge/internal/console"
)

var (
	version   = "0.1.0.0"
	cfgFile   string
	assumeYes bool
	silent    bool
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "syncbridge",
	Short: "Application updater and plugin sync",
	Long:  `SyncBridge keeps the application up to date and mirrors a remote plugin folder into the local plugin registry.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run interactively with scheduled checks and push triggers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInteractive()
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check for an application update",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCheck(silent)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync plugins from the remote folder",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync()
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration (secrets omitted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the audit log hash chain, including retained backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.AuditLog == "" {
			return fmt.Errorf("audit logging is disabled (audit_log is empty)")
		}
		n, err := audit.Verify(cfg.AuditLog)
		if err != nil {
			return fmt.Errorf("audit log invalid after %d records: %w", n, err)
		}
		fmt.Printf("%s: %d records, chain intact\n", cfg.AuditLog, n)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("SyncBridge v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/syncbridge/syncbridge.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level regardless of log_level")
	checkCmd.Flags().BoolVar(&silent, "silent", false, "stay quiet unless an update is available")
	checkCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "install an available update without asking")
	syncCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "answer questions without prompting")

	configCmd.AddCommand(configShowCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func consoleMode() console.Mode {
	if assumeYes {
		return console.ModeAssumeYes
	}
	return console.ModeInteractive
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCheck(silent bool) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfgFile, consoleMode())
	if err != nil {
		return err
	}
	defer a.Close()

	a.updater.CheckForUpdates(silent)
	if err := a.queue.RunUntil(ctx, a.tick, a.updateSettled); err != nil {
		a.updater.Cancel()
		return err
	}
	return nil
}

func runSync() error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfgFile, consoleMode())
	if err != nil {
		return err
	}
	defer a.Close()

	var finished bool
	var syncErr error
	a.sync.OnFinish = func(err error) {
		finished = true
		syncErr = err
	}
	a.sync.Sync()
	if err := a.queue.RunUntil(ctx, a.tick, func() bool { return finished && a.quiet() }); err != nil {
		a.sync.Cancel()
		return err
	}
	return syncErr
}
