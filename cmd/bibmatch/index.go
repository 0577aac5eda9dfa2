package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shubhsaxena/bibmatch/internal/elasticsearch"
	"github.com/shubhsaxena/bibmatch/internal/observability"
	"github.com/shubhsaxena/bibmatch/internal/record"
)

func newIndexCmd(g *globalFlags) *cobra.Command {
	var (
		input       string
		collections []string
	)

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Load MARC records into the local search index",
		Long: `Indexes records into the Elasticsearch index the local backend searches.
Records are keyed by their 001 control field; records without one are
skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			if len(collections) > 0 {
				cfg.Search.Collections = collections
			}

			logger, err := observability.NewCLILogger(g.verbose)
			if err != nil {
				return fmt.Errorf("creating logger: %w", err)
			}
			defer logger.Sync()

			in := io.Reader(cmd.InOrStdin())
			if input != "" && input != "-" {
				file, err := os.Open(input)
				if err != nil {
					return fmt.Errorf("opening input: %w", err)
				}
				defer file.Close()
				in = file
			}
			recs, rejected, err := record.ReadAll(in)
			if err != nil {
				return fmt.Errorf("reading records: %w", err)
			}
			for _, r := range rejected {
				logger.Warn("skipping unreadable record", zap.Int("index", r.Index), zap.String("reason", r.Reason))
			}

			es, err := elasticsearch.NewClient(cfg.Elasticsearch, cfg.Match.TagRegistry, logger)
			if err != nil {
				return fmt.Errorf("initializing elasticsearch: %w", err)
			}
			defer es.Close()

			n, err := es.IndexRecords(cmd.Context(), recs, cfg.Search.Collections)
			fmt.Fprintf(cmd.ErrOrStderr(), "indexed %d of %d records\n", n, len(recs)+len(rejected))
			return err
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "input file (default stdin)")
	cmd.Flags().StringArrayVarP(&collections, "collection", "c", nil, "collection the records belong to, repeatable")

	return cmd
}
