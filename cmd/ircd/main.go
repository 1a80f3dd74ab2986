package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/presbrey/ircd/audit"
	"github.com/presbrey/ircd/config"
	"github.com/presbrey/ircd/server"
)

var (
	configFlag  string
	envDirFlag  string
	limitFlag   int
	stopTimeout = 5 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ircd",
		Short:         "Proxy-aware IRC server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.LoadEnvFiles(envDirFlag, "")
			return err
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Config file path or URL (yaml, toml or json)")
	rootCmd.PersistentFlags().StringVar(&envDirFlag, "env-dir", "", "Directory to search upwards for .env files (default: working directory)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the IRC server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration tools",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE:  runConfigCheck,
	})

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent sessions from the audit trail",
		Args:  cobra.NoArgs,
		RunE:  runSessions,
	}
	sessionsCmd.Flags().IntVarP(&limitFlag, "limit", "n", 20, "Number of sessions to list")

	rootCmd.AddCommand(serveCmd, configCmd, sessionsCmd)
	return rootCmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	var rec *audit.Recorder
	if cfg.Audit.Enabled {
		db, err := audit.Open(cfg.Audit.Driver, cfg.Audit.DSN)
		if err != nil {
			return err
		}
		rec = audit.NewRecorder(db, cfg.Audit.Queue, log)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, server.Options{Audit: rec, Log: log})
	if err := srv.Start(ctx); err != nil {
		rec.Close()
		return err
	}

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

func runConfigCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "config ok: %s\n", describeSource(cfg.Source))
	fmt.Fprintf(out, "  server:   %s (%s) on %s\n", cfg.Server.Name, cfg.Server.Network, cfg.ListenAddress())
	fmt.Fprintf(out, "  proxy:    %v\n", cfg.Listener.ProxyProtocol)
	if cfg.Status.Enabled {
		fmt.Fprintf(out, "  status:   %s\n", cfg.StatusAddress())
	}
	if cfg.Audit.Enabled {
		fmt.Fprintf(out, "  audit:    %s\n", cfg.Audit.Driver)
	}
	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return err
	}
	if !cfg.Audit.Enabled {
		return fmt.Errorf("audit trail is disabled")
	}
	db, err := audit.Open(cfg.Audit.Driver, cfg.Audit.DSN)
	if err != nil {
		return err
	}
	sessions, err := audit.Recent(db, limitFlag)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, s := range sessions {
		ended := "-"
		if s.EndedAt != nil {
			ended = s.EndedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(out, "%s\t%s!%s@%s\t%s\t%s\t%s\n",
			s.StartedAt.Format(time.RFC3339), s.Nick, s.User, s.Host, ended, s.EndReason, s.Caps)
	}
	return nil
}

func describeSource(source string) string {
	if source == "" {
		return "defaults"
	}
	return source
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(level)
	if cfg.Logging.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log, nil
}
