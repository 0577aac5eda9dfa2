package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shubhsaxena/bibmatch/internal/config"
	"github.com/shubhsaxena/bibmatch/internal/matcher"
	"github.com/shubhsaxena/bibmatch/internal/models"
	"github.com/shubhsaxena/bibmatch/internal/observability"
	"github.com/shubhsaxena/bibmatch/internal/record"
)

const passwordEnv = "BIBMATCH_PASSWORD"

type matchFlags struct {
	input       string
	print       int
	batchOutput string
	field       string
	queries     []string
	mode        string
	operator    string
	collections []string
	remote      string
	user        string
	noFuzzy     bool
	validate    bool
	modify      bool
	clean       bool
	ascii       bool
}

func newMatchCmd(g *globalFlags) *cobra.Command {
	f := &matchFlags{}

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Classify a file of MARC records",
		Long: `Reads MARCXML, line-MARC or text MARC records and classifies each one
against the configured record store. The selected partition is written to
stdout as annotated MARCXML and a summary is printed to stderr.`,
		Example: `  # Match against the local index, print new records
  bibmatch match -i records.xml

  # Print matched records, trying two strategies in order
  bibmatch match -i records.xml --print 1 -q title-author -q "[title] year:[year]"

  # Write all four partitions to out.*.xml, searching a remote instance
  bibmatch match -i records.xml -b out --remote https://inspirehep.net --user me`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMatch(cmd, g, f)
		},
	}

	bindMatchFlags(cmd, f)

	return cmd
}

func bindMatchFlags(cmd *cobra.Command, f *matchFlags) {
	fl := cmd.Flags()
	fl.StringVarP(&f.input, "input", "i", "", "input file (default stdin)")
	fl.IntVar(&f.print, "print", 0, "partition written to stdout: 0 new, 1 matched, 2 ambiguous, 3 fuzzy")
	fl.StringVarP(&f.batchOutput, "batch-output", "b", "", "write every partition to PREFIX.<class>.xml")
	fl.StringVarP(&f.field, "field", "f", "", "search field applied to every query")
	fl.StringArrayVarP(&f.queries, "query", "q", nil, "query template or template name, repeatable")
	fl.StringVarP(&f.mode, "mode", "m", "", "search mode: a, o, e, p or r")
	fl.StringVarP(&f.operator, "operator", "o", "", "operator joining template references: and or or")
	fl.StringArrayVarP(&f.collections, "collection", "c", nil, "restrict searches to a collection, repeatable")
	fl.StringVar(&f.remote, "remote", "", "search a remote instance at URL")
	fl.StringVar(&f.user, "user", "", "remote user name; the password is read from "+passwordEnv)
	fl.BoolVar(&f.noFuzzy, "no-fuzzy", false, "disable fuzzy matching")
	fl.BoolVar(&f.validate, "validate", false, "validate candidates against the input record")
	fl.BoolVar(&f.modify, "modify", false, "stamp matched records with the matched identifier")
	fl.BoolVar(&f.clean, "clean", false, "remove doubled quotes from the final query")
	fl.BoolVar(&f.ascii, "ascii", false, "fold values to ASCII before validation")
}

func runMatch(cmd *cobra.Command, g *globalFlags, f *matchFlags) error {
	if f.print < 0 || f.print >= len(models.Classifications) {
		return fmt.Errorf("--print must be between 0 and %d", len(models.Classifications)-1)
	}

	cfg, err := loadConfig(cmd, g)
	if err != nil {
		return err
	}
	applyMatchFlags(cmd, cfg, f)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	logger, err := observability.NewCLILogger(g.verbose)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	in := io.Reader(cmd.InOrStdin())
	if f.input != "" && f.input != "-" {
		file, err := os.Open(f.input)
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

	ctx := cmd.Context()
	svc, err := buildServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	m := svc.newMatcher(matcher.OptionsFromConfig(cfg.Match, cfg.Search.Collections))
	strategies := buildStrategies(cfg.Match, f.field, f.queries)
	logger.Info("matching records",
		zap.Int("records", len(recs)),
		zap.Int("strategies", len(strategies)),
		zap.String("backend", cfg.Search.Backend),
	)

	res, matchErr := m.MatchRecords(ctx, recs, strategies)
	if res == nil {
		res = &models.BatchResult{}
	}
	record.Reindex(res, len(recs), rejected)

	if f.batchOutput != "" {
		err = writeBatchOutputs(f.batchOutput, res)
	} else {
		err = writePartition(cmd.OutOrStdout(), res.Partition(models.Classifications[f.print]))
	}
	if err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	writeReport(cmd.ErrOrStderr(), res)

	if matchErr != nil {
		return fmt.Errorf("matching stopped after %d records: %w", res.Classified(), matchErr)
	}
	return nil
}

// applyMatchFlags layers the flags the user set over the loaded config.
func applyMatchFlags(cmd *cobra.Command, cfg *config.Config, f *matchFlags) {
	changed := cmd.Flags().Changed
	if changed("mode") {
		cfg.Match.Mode = f.mode
	}
	if changed("operator") {
		cfg.Match.Operator = strings.ToLower(f.operator)
	}
	if len(f.collections) > 0 {
		cfg.Search.Collections = f.collections
	}
	if f.remote != "" {
		cfg.Search.Backend = "remote"
		cfg.Invenio.URL = f.remote
	}
	if f.user != "" {
		cfg.Invenio.Username = f.user
		if pw := os.Getenv(passwordEnv); pw != "" {
			cfg.Invenio.Password = pw
		}
	}
	if f.noFuzzy {
		cfg.Match.Fuzzy = false
	}
	if f.validate {
		cfg.Match.Validate = true
	}
	if f.modify {
		cfg.Match.Modify = true
	}
	if f.clean {
		cfg.Match.Clean = true
	}
	if f.ascii {
		cfg.Match.ASCII = true
	}
}

// buildStrategies turns query flags into strategies. With no queries the
// default template is used.
func buildStrategies(m config.MatchConfig, field string, queries []string) []models.Strategy {
	if len(queries) == 0 {
		queries = []string{m.DefaultTemplate}
	}
	out := make([]models.Strategy, 0, len(queries))
	for _, q := range queries {
		out = append(out, models.Strategy{Field: field, Template: m.TemplateFor(q)})
	}
	return out
}

func writePartition(w io.Writer, part []models.RecordResult) error {
	xw := record.NewWriter(w)
	for _, r := range part {
		if err := xw.Write(r.Record, &r.Annotation); err != nil {
			return err
		}
	}
	return xw.Close()
}

func writeBatchOutputs(prefix string, res *models.BatchResult) error {
	for _, c := range models.Classifications {
		name := prefix + "." + c.String() + ".xml"
		file, err := os.Create(name)
		if err != nil {
			return err
		}
		if err := writePartition(file, res.Partition(c)); err != nil {
			file.Close()
			return fmt.Errorf("%s: %w", name, err)
		}
		if err := file.Close(); err != nil {
			return err
		}
	}
	return nil
}

func writeReport(w io.Writer, res *models.BatchResult) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, " Bibmatch report")
	fmt.Fprintln(w, strings.Repeat("=", 19))
	fmt.Fprintf(w, " New records      : %d\n", len(res.New))
	fmt.Fprintf(w, " Matched records  : %d\n", len(res.Matched))
	fmt.Fprintf(w, " Ambiguous records: %d\n", len(res.Ambiguous))
	fmt.Fprintf(w, " Fuzzy records    : %d\n", len(res.Fuzzy))
	fmt.Fprintf(w, " Rejected records : %d\n", len(res.Rejected))
	for _, r := range res.Rejected {
		fmt.Fprintf(w, "   record %d: %s\n", r.Index, r.Reason)
	}
	fmt.Fprintf(w, " Total records    : %d\n", res.Classified()+len(res.Rejected))
}
