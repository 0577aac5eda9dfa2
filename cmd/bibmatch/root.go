package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/shubhsaxena/bibmatch/internal/config"
)

const defaultConfigPath = "bibmatch.yaml"

type globalFlags struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "bibmatch",
		Short: "Match bibliographic records against a record store",
		Long: `bibmatch classifies incoming MARC records as new, matched, ambiguous or
fuzzy by building search queries from configurable templates and
resolving the candidates a search service returns.

It runs as a batch tool over a file of records, or as a service that
accepts records over HTTP and from a Kafka topic.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Credentials usually come from a local .env file.
			_ = godotenv.Load()
		},
	}

	cmd.PersistentFlags().StringVar(&g.configPath, "config", defaultConfigPath, "path to the YAML configuration file")
	cmd.PersistentFlags().BoolVar(&g.verbose, "verbose", false, "log progress to stderr")

	cmd.AddCommand(newMatchCmd(g))
	cmd.AddCommand(newServeCmd(g))
	cmd.AddCommand(newIndexCmd(g))

	return cmd
}

// loadConfig reads the configuration file. A missing default file means
// built-in defaults; a missing file named explicitly is an error.
func loadConfig(cmd *cobra.Command, g *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		return config.DefaultConfig(), nil
	}
	return nil, fmt.Errorf("loading config: %w", err)
}
