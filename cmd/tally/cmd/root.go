package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/MeKo-Tech/tally/internal/config"
	"github.com/MeKo-Tech/tally/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Global configuration loader.
	configLoader *config.Loader
	// Global configuration.
	globalConfig *config.Config
	// Configuration file path.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "tally",
	Short: "Electoral tally sheet extraction pipeline",
	Long: `tally reads scanned electoral tally sheets (actas) and turns them into
structured vote counts.

Images flow through queued stages: validation, local OCR, an optional
remote fallback for low-confidence readings, and a results stage that
stores one terminal record per image.

Examples:
  tally worker
  tally serve --with-worker
  tally submit acta-001.jpg scans.pdf
  tally validate acta-001.jpg --extract
  tally replay --dlq anthropic_fallback_queue.dlq --target anthropic_fallback_queue
  tally export --out results.xlsx`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// GetRootCommand returns the root command for testing purposes.
func GetRootCommand() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is tally.yaml in ., $HOME, /etc/tally, $XDG_CONFIG_HOME/tally)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output (equivalent to --log-level=debug)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("broker", "", "broker driver (redis, memory)")
	rootCmd.PersistentFlags().String("redis-addr", "", "Redis address for the broker and result store")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("broker.driver", rootCmd.PersistentFlags().Lookup("broker"))
	_ = viper.BindPFlag("broker.redis.addr", rootCmd.PersistentFlags().Lookup("redis-addr"))

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return err
		}
		setupLogging(globalConfig)
		return nil
	}
}

// setupLogging installs the JSON slog handler at the configured level.
func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	} else {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// initConfig reads the config file, environment and bound flags.
func initConfig() error {
	configLoader = config.NewLoader()
	cfg, err := configLoader.LoadWithFile(cfgFile)
	if err != nil {
		return fmt.Errorf("error loading configuration: %w", err)
	}
	globalConfig = cfg
	return nil
}

// GetConfig returns the global configuration.
func GetConfig() *config.Config {
	if globalConfig == nil {
		if err := initConfig(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			cfg := config.DefaultConfig()
			return &cfg
		}
	}
	return globalConfig
}
