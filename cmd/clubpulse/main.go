package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nkkko/clubpulse/internal/config"
	"github.com/nkkko/clubpulse/internal/engine"
	"github.com/nkkko/clubpulse/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configFile string
	dataDir    string
	serverAddr string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "clubpulse",
	Short:         "clubpulse - real-time club notifications daemon",
	Long:          "clubpulse keeps a STOMP connection to the club platform broker, merges pushed\nnotifications with the REST history and serves them on a local HTTP surface.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "path to a YAML configuration file")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for persistent local state")
	rootCmd.Flags().StringVar(&serverAddr, "addr", "", "listen address of the local HTTP surface")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(versionCmd)
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile, dataDir, serverAddr, logLevel)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	e, err := engine.CreateEngine(cfg)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("version", version).
		Str("broker", cfg.Broker.URL).
		Str("addr", cfg.Server.Addr).
		Msg("clubpulse starting")

	return e.Start(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
