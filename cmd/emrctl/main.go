package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/medicore/emrctl/internal/deploy"
	"github.com/medicore/emrctl/internal/metrics"
)

var (
	version   = "1.0.0"
	commit    = ""
	buildDate = ""
)

// Create the root command. Bare invocation runs the full deploy pipeline;
// anything unrecognized prints usage and exits non-zero without side effects.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emrctl",
		Short: "emrctl: deployment orchestrator for the EMR web application",
		Long:  "emrctl sequences backup, code update, dependency sync, static collection, migration, restart and health verification as a fail-fast pipeline, with a separate rollback path.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				_ = cmd.Usage()
				return fmt.Errorf("unknown command: %s", args[0])
			}
			return runDeploy(cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: debug, info, warn, error, fatal")
	cmd.PersistentFlags().String("config", "", "config file")

	cmd.PersistentPreRunE = func(c *cobra.Command, args []string) error {
		levelStr, _ := c.Flags().GetString("log")
		switch levelStr {
		case "trace":
			zerolog.SetGlobalLevel(zerolog.TraceLevel)
		case "debug":
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		case "info":
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		case "warn":
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
		case "error":
			zerolog.SetGlobalLevel(zerolog.ErrorLevel)
		case "fatal":
			zerolog.SetGlobalLevel(zerolog.FatalLevel)
		default:
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		}
		return deploy.RefuseElevated(os.Geteuid())
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDeployCmd())
	cmd.AddCommand(newRollbackCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newBackupCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newTrustCmd())
	return cmd
}

// Create the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("emrctl %s (%s) %s\n", version, commit, buildDate)
		},
	}
}

// Setup the logger
func setupLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// Main entry point
func main() {
	setupLogger()
	metrics.InitGlobal(true)
	defer metrics.Shutdown()
	root := newRootCmd()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		metrics.Shutdown()
		os.Exit(1)
	}
}
