package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"search-ingest/internal/dataset"
	"search-ingest/internal/models"
)

// publishTimeout caps how long a scheduled enqueue may wait on the broker.
const publishTimeout = 10 * time.Second

// JobPublisher enqueues jobs.
type JobPublisher interface {
	PublishJob(ctx context.Context, job *models.Job) error
}

// StartCronJobs registers one re-ingestion job per scheduled dataset and starts
// the scheduler. An invalid schedule string is returned as an error.
//
// The returned *cron.Cron must be stopped on shutdown:
//
//	c, err := StartCronJobs(datasets, publisher)
//	<-c.Stop().Done() // waits for a running enqueue
func StartCronJobs(datasets []dataset.Config, publisher JobPublisher) (*cron.Cron, error) {
	c := cron.New()

	scheduled := 0
	for _, ds := range datasets {
		if ds.Schedule == "" {
			continue
		}
		name := ds.Name
		if _, err := c.AddFunc(ds.Schedule, func() { enqueue(publisher, name) }); err != nil {
			return nil, err
		}
		scheduled++
		slog.Info("dataset scheduled", "component", "cron", "dataset", name, "schedule", ds.Schedule)
	}

	c.Start()
	slog.Info("cron scheduler started", "component", "cron", "datasets", scheduled)
	return c, nil
}

func enqueue(publisher JobPublisher, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	job := &models.Job{
		RunID:       uuid.New().String(),
		Dataset:     name,
		RequestedAt: time.Now().UTC(),
		Trigger:     models.TriggerCron,
	}
	if err := publisher.PublishJob(ctx, job); err != nil {
		slog.Error("scheduled enqueue failed", "component", "cron", "dataset", name, "error", err)
		return
	}
	slog.Info("scheduled run enqueued", "component", "cron", "dataset", name, "run_id", job.RunID)
}
