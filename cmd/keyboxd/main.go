// keyboxd manages the attestation credential override: the two persisted
// flags, the installed keybox file and the reload of the attestation
// service. keyboxctl talks to it over a Unix socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"keyboxd/internal/config"
	"keyboxd/internal/logging"
)

// Version is set by the linker.
var Version = "dev"

var cfgFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "keyboxd",
		Short:         "Attestation keybox override daemon",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context())
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default "+config.ConfigPath()+")")

	cmd.AddCommand(newConfigCmd())
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default configuration if none exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath()
			_, created, err := config.LoadOrCreate(path)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", path)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.NewLoader(configPath()).Load(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration OK")
			return nil
		},
	})

	return cmd
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if found := config.FindConfigFile(); found != "" {
		return found
	}
	return config.ConfigPath()
}

// newLogger builds the process logger from the logging section.
func newLogger(lc config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(lc.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     lc.Output,
		FilePath:   lc.FilePath,
		MaxSize:    int64(lc.MaxSizeMB),
		MaxAge:     lc.MaxAgeDays,
		MaxBackups: lc.MaxBackups,
		Compress:   lc.Compress,
		Component:  "keyboxd",
	})
}

func newAuditLogger(lc config.LoggingConfig) (*logging.AuditLogger, error) {
	if !lc.AuditEnabled {
		return nil, nil
	}
	cfg := logging.DefaultAuditConfig()
	cfg.FilePath = lc.AuditPath
	cfg.Compress = lc.Compress
	return logging.NewAuditLogger(cfg)
}

func runDaemon(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	loader := config.NewLoader(configPath())
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	audit, err := newAuditLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("set up audit log: %w", err)
	}
	defer audit.Close()

	daemon := NewDaemon(cfg, Version, logger, audit, nil)
	if err := daemon.Start(ctx); err != nil {
		logger.Error("startup failed", "error", err)
		return err
	}

	pidFile := config.GetDefaultPaths().PIDFile
	if err := writePIDFile(pidFile); err != nil {
		logger.Warn("could not write pid file", "path", pidFile, "error", err)
	} else {
		defer os.Remove(pidFile)
	}

	audit.LogStartup(ctx, Version, map[string]interface{}{
		"keybox_path":   cfg.Keybox.Path,
		"flags_backend": cfg.Flags.Backend,
		"attestation":   cfg.Attestation.Backend,
	})
	logger.Info("keyboxd started",
		"version", Version,
		"config", loader.Path(),
		"keybox", cfg.Keybox.Path,
		"socket", daemon.SocketPath())

	watchConfig(loader, logger, audit)
	defer loader.Close()

	reason := waitForSignal(ctx, logger, audit)

	logger.Info("shutting down", "reason", reason)
	audit.LogShutdown(context.Background(), reason)
	if err := daemon.Stop(); err != nil {
		logger.Error("error during shutdown", "error", err)
		return err
	}
	return nil
}

// watchConfig applies log level changes without a restart. Other settings
// take effect on the next start.
func watchConfig(loader *config.Loader, logger *logging.Logger, audit *logging.AuditLogger) {
	if _, err := os.Stat(loader.Path()); errors.Is(err, os.ErrNotExist) {
		return
	}

	loader.OnChange(func(old, cur *config.Config) {
		if old.Logging.Level == cur.Logging.Level {
			logger.Info("configuration changed, restart to apply")
			return
		}
		level, err := logging.ParseLevel(cur.Logging.Level)
		if err != nil {
			return
		}
		logger.SetLevel(level)
		logger.Info("log level changed", "level", cur.Logging.Level)
		audit.LogConfigChange(context.Background(), "logging.level", old.Logging.Level, cur.Logging.Level)
	})

	if err := loader.Watch(); err != nil {
		logger.Warn("config file watch unavailable", "error", err)
		return
	}
	go func() {
		for err := range loader.Errors() {
			logger.Warn("config reload rejected", "error", err)
		}
	}()
}

// waitForSignal blocks until the daemon should exit. SIGHUP rotates the
// log and audit files, or reopens them after an external logrotate.
func waitForSignal(ctx context.Context, logger *logging.Logger, audit *logging.AuditLogger) string {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			return "context cancelled"
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if err := logger.Rotate(); err != nil {
					logger.Warn("log rotation failed", "error", err)
				}
				if err := audit.Rotate(); err != nil {
					logger.Warn("audit log rotation failed", "error", err)
				}
				continue
			}
			return sig.String()
		}
	}
}
