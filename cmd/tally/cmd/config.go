package cmd

import (
	"fmt"

	"github.com/MeKo-Tech/tally/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or generate configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [file]",
	Short: "Write the default configuration to a file (default: tally.yaml)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 1 {
			name = args[0]
		}
		if err := config.GenerateDefaultConfigFile(name); err != nil {
			return err
		}
		if name == "" {
			name = config.ConfigFileName + ".yaml"
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", name)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := *GetConfig()
		cfg.Fallback.APIKey = redact(cfg.Fallback.APIKey)
		cfg.Broker.Redis.Password = redact(cfg.Broker.Redis.Password)
		cfg.Results.Postgres.DSN = redact(cfg.Results.Postgres.DSN)

		if configLoader != nil && configLoader.GetConfigFileUsed() != "" {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", configLoader.GetConfigFileUsed())
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer func() { _ = enc.Close() }()
		return enc.Encode(cfg)
	},
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd)
}
