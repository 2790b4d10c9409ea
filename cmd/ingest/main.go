package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"

	"search-ingest/internal/dataset"
	"search-ingest/internal/ingest"
	"search-ingest/internal/metrics"
	"search-ingest/internal/search"
)

// openIndex connects to the search cluster. Replaced in tests.
var openIndex = func(url, termsIndex string) (ingest.Index, error) {
	return search.New(url, search.WithTermsIndex(termsIndex))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		slog.Error("ingest failed", "component", "cli", "stage", ingest.StageOf(err), "error", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "ingest",
		Usage: "Load a dataset file into a search index and remove documents no longer in it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "es-url",
				Usage:   "Elasticsearch URL",
				Value:   "http://localhost:9200",
				EnvVars: []string{"ELASTICSEARCH_URL"},
			},
			&cli.StringFlag{
				Name:    "datasets",
				Usage:   "Path to the TOML dataset registry",
				Value:   "datasets.toml",
				EnvVars: []string{"DATASETS_FILE"},
			},
			&cli.StringFlag{
				Name:    "dataset",
				Aliases: []string{"d"},
				Usage:   "Registered dataset to ingest; without it --file, --index and --source-id describe the dataset",
			},
			&cli.StringFlag{
				Name:    "file",
				Aliases: []string{"f"},
				Usage:   "Source file (.jsonl, .jsonl.gz, .csv, .csv.gz)",
			},
			&cli.StringFlag{
				Name:  "index",
				Usage: "Target index",
			},
			&cli.StringFlag{
				Name:  "source-id",
				Usage: "Source id stamped on every document and used for reconciliation",
			},
			&cli.BoolFlag{
				Name:    "include-source-prefix",
				Usage:   "Prefix generated document ids with the source id",
				EnvVars: []string{"INCLUDE_SOURCE_PREFIX"},
			},
			&cli.BoolFlag{
				Name:  "skip-reconcile",
				Usage: "Do not delete documents missing from the file",
			},
			&cli.IntFlag{
				Name:    "bulk-limit",
				Usage:   "Documents per bulk request",
				Value:   ingest.DefaultBulkLimit,
				EnvVars: []string{"ELASTICSEARCH_BULK_LIMIT"},
			},
			&cli.StringFlag{
				Name:    "terms-index",
				Usage:   "Index receiving extracted terms",
				Value:   ingest.DefaultTermsIndex,
				EnvVars: []string{"ELASTICSEARCH_TERMS_INDEX"},
			},
			&cli.IntFlag{
				Name:    "delete-chunk-size",
				Usage:   "Document ids per reconcile delete request",
				Value:   ingest.DefaultDeleteChunkSize,
				EnvVars: []string{"ELASTICSEARCH_DELETE_CHUNK_SIZE"},
			},
			&cli.IntFlag{
				Name:    "concurrency",
				Usage:   "Bulk requests in flight at once",
				Value:   1,
				EnvVars: []string{"ELASTICSEARCH_FLUSH_CONCURRENCY"},
			},
			&cli.Float64Flag{
				Name:    "bulk-rps",
				Usage:   "Bulk requests per second (0 = unlimited)",
				EnvVars: []string{"ELASTICSEARCH_BULK_RPS"},
			},
			&cli.BoolFlag{
				Name:    "process-images",
				Usage:   "Drop image URLs that do not answer a HEAD request",
				EnvVars: []string{"PROCESS_IMAGES"},
			},
		},
		Before: setupLogger,
		Action: ingestCommand,
	}
}

func ingestCommand(c *cli.Context) error {
	cfg, err := resolveDataset(c)
	if err != nil {
		return err
	}

	ds := cfg.Dataset()
	if c.IsSet("include-source-prefix") {
		ds.IncludeSourcePrefix = c.Bool("include-source-prefix")
	}
	if c.Bool("skip-reconcile") {
		ds.SkipReconcile = true
	}

	index, err := openIndex(c.String("es-url"), c.String("terms-index"))
	if err != nil {
		return err
	}

	opts := []ingest.Option{
		ingest.WithLogger(slog.Default()),
		ingest.WithBulkLimit(c.Int("bulk-limit")),
		ingest.WithFlushConcurrency(c.Int("concurrency")),
		ingest.WithTermsIndex(c.String("terms-index")),
		ingest.WithDeleteChunkSize(c.Int("delete-chunk-size")),
	}
	if rps := c.Float64("bulk-rps"); rps > 0 {
		opts = append(opts, ingest.WithRateLimiter(rate.NewLimiter(rate.Limit(rps), 1)))
	}
	if c.Bool("process-images") {
		opts = append(opts, ingest.WithImageProcessor(dataset.NewImageChecker(nil)))
	}
	opts = append(opts, metrics.PipelineOptions()...)

	pipeline, err := ingest.NewPipeline(index, opts...)
	if err != nil {
		return err
	}

	sum, err := pipeline.Run(c.Context, ds)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s: %d records, %d documents, %d terms, %d deleted, %d parse errors, %d transform errors\n",
		ds.Name, sum.RecordsRead, sum.DocumentsQueued, sum.TermsWritten, sum.Deleted, sum.ParseErrors, sum.TransformErrors)
	return nil
}

// resolveDataset returns the registered dataset named by --dataset with flag
// overrides applied, or an ad-hoc dataset built from the flags alone.
func resolveDataset(c *cli.Context) (dataset.Config, error) {
	var cfg dataset.Config
	if name := c.String("dataset"); name != "" {
		reg, err := dataset.Load(c.String("datasets"))
		if err != nil {
			return cfg, err
		}
		if cfg, err = reg.Get(name); err != nil {
			return cfg, err
		}
	} else {
		cfg = dataset.Config{Name: "adhoc", IDField: "id", ListSeparator: ";"}
	}

	if f := c.String("file"); f != "" {
		cfg.File = f
	}
	if idx := c.String("index"); idx != "" {
		cfg.Index = idx
	}
	if sid := c.String("source-id"); sid != "" {
		cfg.SourceID = sid
	}

	var missing []string
	if cfg.File == "" {
		missing = append(missing, "--file")
	}
	if cfg.Index == "" {
		missing = append(missing, "--index")
	}
	if cfg.SourceID == "" && !c.Bool("skip-reconcile") {
		missing = append(missing, "--source-id")
	}
	if len(missing) > 0 {
		return cfg, errors.New("missing " + strings.Join(missing, ", ") + " (or --dataset)")
	}
	return cfg, nil
}

func setupLogger(c *cli.Context) error {
	var level slog.Level
	switch strings.ToLower(c.String("log-level")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", c.String("log-level"))
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}
