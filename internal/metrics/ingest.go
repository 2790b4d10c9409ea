package metrics

import (
	"time"

	"search-ingest/internal/ingest"
)

// PipelineOptions reports record outcomes and bulk flush latency of every run.
func PipelineOptions() []ingest.Option {
	return []ingest.Option{
		ingest.WithRecordObserver(func(ds ingest.Dataset, outcome string) {
			RecordsTotal.WithLabelValues(ds.Name, outcome).Inc()
		}),
		ingest.WithBulkObserver(func(_ ingest.Dataset, index string, _ int, elapsed time.Duration, _ error) {
			BulkFlushDuration.WithLabelValues(index).Observe(elapsed.Seconds())
		}),
	}
}

// ObserveRun records the outcome of a finished run.
func ObserveRun(dataset, status string, elapsed time.Duration, deleted int) {
	RunDuration.WithLabelValues(dataset, status).Observe(elapsed.Seconds())
	if deleted > 0 {
		DeletedDocumentsTotal.WithLabelValues(dataset).Add(float64(deleted))
	}
}
