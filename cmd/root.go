package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/katasec/dstream-ingester-mysql/internal/config"
	"github.com/katasec/dstream-ingester-mysql/internal/ingester"
	"github.com/katasec/dstream-ingester-mysql/internal/logging"
	"github.com/katasec/dstream-ingester-mysql/internal/utils"
)

var (
	cfgFile  string
	logLevel string
	logJSON  bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dstream-ingester-mysql",
	Short: "Stream MySQL binlog changes to a message bus",
	Long: `dstream-ingester-mysql reads the MySQL binary log of one source, turns row
changes into change messages and publishes them to Kafka or Azure Service Bus.
The position of the last delivered change is checkpointed on shutdown.`,
	SilenceUsage: true,
	RunE:         run,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logging.GetLogger().Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "dstream.hcl", "config file (hcl, yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace|debug|info|warn|error), overrides the config file")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log in JSON format")
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON = logJSON
	}
	log := logging.Setup(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON})

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	ctx := context.Background()
	startCtx, stopWatch := utils.CancelOnSignal(ctx, signals)
	ing, err := ingester.New(startCtx, cfg, log)
	if sig := stopWatch(); sig != nil {
		log.Info("Interrupted during startup", "signal", sig)
		if ing != nil {
			if err := ing.Stop(); err != nil {
				log.Warn("Failed to stop ingester cleanly", "error", err)
			}
		}
		return nil
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := ing.Stop(); err != nil {
			log.Warn("Failed to stop ingester cleanly", "error", err)
		}
	}()

	return ing.Start(ctx, signals)
}
