package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/polyledger/internal/config"
)

const (
	outputFlagName     = "output"
	outputFlagValJSON  = "json"
	outputFlagValHuman = "human"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "polyledger",
	Short:         "Bonding-curve instruments and prediction markets on a single ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "path to configuration file")
}

// loadConfig reads and validates the configuration and builds the logger
// it describes. The returned closer flushes a rotated log file.
func loadConfig() (*config.Config, *slog.Logger, io.Closer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}
	logger, closer := newLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)
	return cfg, logger, closer, nil
}

// printOutput renders v as indented JSON or through the human formatter.
func printOutput(cmd *cobra.Command, v any, human func(w io.Writer)) error {
	output, err := cmd.Flags().GetString(outputFlagName)
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	switch output {
	case outputFlagValHuman:
		human(w)
		return nil
	case outputFlagValJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("%s flag must be either %q or %q", outputFlagName, outputFlagValHuman, outputFlagValJSON)
	}
}

func addOutputFlag(cmd *cobra.Command) {
	cmd.Flags().String(outputFlagName, outputFlagValHuman, "Specify the output format: json,human")
}
