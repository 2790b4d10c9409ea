package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"search-ingest/internal/source"
)

// Record outcomes reported to a RecordObserver.
const (
	OutcomeQueued         = "queued"
	OutcomeSkipped        = "skipped"
	OutcomeParseError     = "parse_error"
	OutcomeTransformError = "transform_error"
)

// Summary is the per-run report.
type Summary struct {
	Dataset         string        `json:"dataset"`
	Index           string        `json:"index"`
	SourceID        string        `json:"source_id"`
	File            string        `json:"file"`
	RecordsRead     int           `json:"records_read"`
	ParseErrors     int           `json:"parse_errors"`
	TransformErrors int           `json:"transform_errors"`
	TermErrors      int           `json:"term_errors"`
	Skipped         int           `json:"skipped"`
	DocumentsQueued int           `json:"documents_queued"`
	ImagesDropped   int           `json:"images_dropped"`
	Batches         int           `json:"batches"`
	TermsWritten    int           `json:"terms_written"`
	ExistingIDs     int           `json:"existing_ids"`
	Deleted         int           `json:"deleted"`
	Duration        time.Duration `json:"duration_ns"`
}

// Pipeline runs datasets against one Index.
type Pipeline struct {
	index       Index
	logger      *slog.Logger
	bulkLimit   int
	concurrency int
	limiter     *rate.Limiter
	images      ImageProcessor
	termsIndex  string
	deleteChunk int

	onStage  func(ds Dataset, stage Stage)
	onRecord func(ds Dataset, outcome string)
	onFlush  func(ds Dataset, index string, ops int, elapsed time.Duration, err error)
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithLogger sets a custom logger. Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger != nil {
			p.logger = logger
		}
		return nil
	}
}

// WithBulkLimit sets the documents per bulk request. Values below 1 keep
// DefaultBulkLimit.
func WithBulkLimit(n int) Option {
	return func(p *Pipeline) error {
		if n < 1 {
			n = DefaultBulkLimit
		}
		p.bulkLimit = n
		return nil
	}
}

// WithFlushConcurrency sets how many bulk requests may be in flight. Default is 1.
func WithFlushConcurrency(n int) Option {
	return func(p *Pipeline) error {
		if n < 1 {
			n = 1
		}
		p.concurrency = n
		return nil
	}
}

// WithRateLimiter throttles every bulk request of a run.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(p *Pipeline) error {
		p.limiter = l
		return nil
	}
}

// WithImageProcessor enables image post-processing before documents are queued.
func WithImageProcessor(ip ImageProcessor) Option {
	return func(p *Pipeline) error {
		p.images = ip
		return nil
	}
}

// WithTermsIndex overrides the index that receives extracted terms.
func WithTermsIndex(name string) Option {
	return func(p *Pipeline) error {
		if name != "" {
			p.termsIndex = name
		}
		return nil
	}
}

// WithDeleteChunkSize overrides the ids per delete request.
func WithDeleteChunkSize(n int) Option {
	return func(p *Pipeline) error {
		if n > 0 {
			p.deleteChunk = n
		}
		return nil
	}
}

// WithStageHook is called whenever a run enters a stage.
func WithStageHook(fn func(ds Dataset, stage Stage)) Option {
	return func(p *Pipeline) error {
		p.onStage = fn
		return nil
	}
}

// WithRecordObserver is called once per record with its outcome.
func WithRecordObserver(fn func(ds Dataset, outcome string)) Option {
	return func(p *Pipeline) error {
		p.onRecord = fn
		return nil
	}
}

// WithBulkObserver is called after every bulk request, documents and terms alike.
func WithBulkObserver(fn func(ds Dataset, index string, ops int, elapsed time.Duration, err error)) Option {
	return func(p *Pipeline) error {
		p.onFlush = fn
		return nil
	}
}

// NewPipeline creates a pipeline writing to index.
func NewPipeline(index Index, opts ...Option) (*Pipeline, error) {
	if index == nil {
		return nil, fmt.Errorf("ingest: index required")
	}
	p := &Pipeline{
		index:       index,
		logger:      slog.Default(),
		bulkLimit:   DefaultBulkLimit,
		concurrency: 1,
		termsIndex:  DefaultTermsIndex,
		deleteChunk: DefaultDeleteChunkSize,
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Run ingests ds and reconciles its index. The returned Summary is filled in
// as far as the run got, also when it fails.
func (p *Pipeline) Run(ctx context.Context, ds Dataset) (sum Summary, err error) {
	start := time.Now()
	sum = Summary{Dataset: ds.Name, Index: ds.Index, SourceID: ds.SourceID, File: ds.File}
	log := p.logger.With("component", "ingest", "dataset", ds.Name, "index", ds.Index)
	defer func() {
		sum.Duration = time.Since(start)
		if err != nil {
			log.Error("ingest run failed", "stage", StageOf(err), "error", err)
		}
	}()

	if ds.Transformer == nil {
		return sum, &StageError{Stage: StageProvision, Err: ErrMissingTransformer}
	}
	if ds.IDGenerator == nil {
		return sum, &StageError{Stage: StageProvision, Err: ErrMissingIDGenerator}
	}
	if ds.SourceID == "" && !ds.SkipReconcile {
		return sum, &StageError{Stage: StageProvision, Err: ErrMissingSourceID}
	}

	reader, err := source.NewReader(ds.File,
		source.WithLogger(log),
		source.WithParseErrorHandler(func(*source.RecordParseError) {
			p.record(ds, OutcomeParseError)
		}),
	)
	if err != nil {
		return sum, &StageError{Stage: StageRead, Err: err}
	}

	log.Info("updating index from file", "file", ds.File, "format", reader.Format().String())

	p.stage(ds, StageProvision)
	if err := p.index.EnsureIndex(ctx, ds.Index); err != nil {
		return sum, &StageError{Stage: StageProvision, Err: fmt.Errorf("ensure index %s: %w", ds.Index, err)}
	}

	p.stage(ds, StageRead)
	batcher, err := NewBatcher(p.index, p.bulkLimit, p.batcherOptions(ds, ds.Index)...)
	if err != nil {
		return sum, &StageError{Stage: StageRead, Err: err}
	}

	current := make(map[string]struct{})
	terms := NewTermAccumulator()

	for rec, readErr := range reader.Records(ctx) {
		if readErr != nil {
			batcher.Discard()
			sum.ParseErrors = reader.ParseErrors()
			return sum, &StageError{Stage: StageRead, Err: readErr}
		}
		sum.RecordsRead++

		if err := p.processRecord(ctx, log, ds, rec, batcher, current, terms, &sum); err != nil {
			batcher.Discard()
			sum.ParseErrors = reader.ParseErrors()
			sum.Batches = batcher.Batches()
			return sum, &StageError{Stage: StageFlush, Err: err}
		}
	}
	sum.ParseErrors = reader.ParseErrors()

	p.stage(ds, StageFinalFlush)
	if err := batcher.Close(ctx); err != nil {
		sum.Batches = batcher.Batches()
		return sum, &StageError{Stage: StageFinalFlush, Err: err}
	}
	sum.Batches = batcher.Batches()
	log.Info("documents updated", "count", sum.DocumentsQueued, "batches", sum.Batches)

	p.stage(ds, StageTermWrite)
	written, err := writeTerms(ctx, p.index, terms, p.termsIndex, p.bulkLimit, p.batcherOptions(ds, p.termsIndex)...)
	sum.TermsWritten = written
	if err != nil {
		return sum, &StageError{Stage: StageTermWrite, Err: err}
	}
	if written > 0 {
		log.Info("terms updated", "index", p.termsIndex, "count", written)
	}

	if ds.SkipReconcile {
		log.Info("reconciliation skipped")
	} else {
		p.stage(ds, StageReconcile)
		rec := NewReconciler(p.index, SourceField, p.deleteChunk, log)
		res, err := rec.Reconcile(ctx, ds.Index, ds.SourceID, current)
		sum.ExistingIDs = res.Existing
		sum.Deleted = res.Deleted
		if err != nil {
			return sum, err
		}
	}

	p.stage(ds, StageDone)
	log.Info("ingest run complete",
		"records_read", sum.RecordsRead,
		"documents_updated", sum.DocumentsQueued,
		"parse_errors", sum.ParseErrors,
		"transform_errors", sum.TransformErrors,
		"skipped", sum.Skipped,
		"terms_written", sum.TermsWritten,
		"existing_ids", sum.ExistingIDs,
		"deleted", sum.Deleted,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return sum, nil
}

// processRecord transforms and queues one record. Only a failed flush is returned;
// every per-record problem is logged and counted.
func (p *Pipeline) processRecord(
	ctx context.Context,
	log *slog.Logger,
	ds Dataset,
	rec source.Record,
	batcher *Batcher,
	current map[string]struct{},
	terms *TermAccumulator,
	sum *Summary,
) error {
	doc, err := transform(ctx, ds.Transformer, rec)
	if err != nil {
		sum.TransformErrors++
		p.record(ds, OutcomeTransformError)
		log.Warn("transform failed", "record", sum.RecordsRead, "error", err)
		return nil
	}
	if len(doc) == 0 {
		sum.Skipped++
		p.record(ds, OutcomeSkipped)
		return nil
	}

	id := ds.IDGenerator.GenerateID(doc, ds.IncludeSourcePrefix)
	if id != "" {
		if p.images != nil {
			p.processImage(ctx, log, ds, doc, id, sum)
		}
		if err := batcher.Add(ctx, UpdateOperation(ds.Index, id, doc)); err != nil {
			return err
		}
		current[id] = struct{}{}
		sum.DocumentsQueued++
		p.record(ds, OutcomeQueued)
	} else {
		sum.Skipped++
		p.record(ds, OutcomeSkipped)
		log.Debug("no id generated, record skipped", "record", sum.RecordsRead)
	}

	if ds.TermExtractor != nil {
		extracted, err := ds.TermExtractor.ExtractTerms(ctx, doc)
		if err != nil {
			sum.TermErrors++
			log.Warn("term extraction failed", "record", sum.RecordsRead, "error", err)
			return nil
		}
		terms.Merge(extracted)
	}
	return nil
}

func (p *Pipeline) processImage(ctx context.Context, log *slog.Logger, ds Dataset, doc Document, id string, sum *Summary) {
	url := doc.ImageURL()
	if url == "" {
		return
	}
	ok, err := p.images.ProcessImage(ctx, url, id, ds.Index)
	if err != nil {
		log.Warn("image processing failed", "id", id, "url", url, "error", err)
	}
	if !ok || err != nil {
		doc.ClearImage()
		sum.ImagesDropped++
	}
}

func (p *Pipeline) batcherOptions(ds Dataset, index string) []BatcherOption {
	opts := []BatcherOption{WithConcurrency(p.concurrency)}
	if p.limiter != nil {
		opts = append(opts, WithLimiter(p.limiter))
	}
	if p.onFlush != nil {
		opts = append(opts, WithFlushObserver(func(ops int, elapsed time.Duration, err error) {
			p.onFlush(ds, index, ops, elapsed, err)
		}))
	}
	return opts
}

func (p *Pipeline) stage(ds Dataset, s Stage) {
	if p.onStage != nil {
		p.onStage(ds, s)
	}
}

func (p *Pipeline) record(ds Dataset, outcome string) {
	if p.onRecord != nil {
		p.onRecord(ds, outcome)
	}
}

// transform shields the run from a panicking transformer.
func transform(ctx context.Context, t Transformer, rec source.Record) (doc Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transformer panic: %v", r)
		}
	}()
	return t.Transform(ctx, rec)
}
