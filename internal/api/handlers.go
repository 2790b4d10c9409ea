package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"search-ingest/internal/database"
	"search-ingest/internal/dataset"
	"search-ingest/internal/ingest"
	"search-ingest/internal/models"
	"search-ingest/internal/search"
)

// ---------------------------------------------------------------------------
// Dependency interfaces
//
// Each interface captures exactly the methods this package needs.
// Callers (main, tests) inject the real implementations or fakes.
// ---------------------------------------------------------------------------

// RunCache is the run status cache contract.
type RunCache interface {
	SetRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
}

// RunStore is the durable run history contract.
type RunStore interface {
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListRuns(ctx context.Context, dataset string, limit int) ([]models.Run, error)
}

// JobQueue is the publish contract for the message broker.
type JobQueue interface {
	PublishJob(ctx context.Context, job *models.Job) error
}

// Datasets is the registry contract.
type Datasets interface {
	Get(name string) (dataset.Config, error)
	All() []dataset.Config
}

// DocumentCounter counts the documents a source owns in an index.
type DocumentCounter interface {
	Count(ctx context.Context, index, field, value string) (int64, error)
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Handler holds every dependency the HTTP layer needs.
type Handler struct {
	Runs      RunStore
	Cache     RunCache
	Publisher JobQueue
	Datasets  Datasets
	Search    DocumentCounter
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

type ingestRequest struct {
	Dataset             string `json:"dataset"`
	File                string `json:"file,omitempty"`
	IncludeSourcePrefix *bool  `json:"include_source_prefix,omitempty"`
	SkipReconcile       *bool  `json:"skip_reconcile,omitempty"`
}

// StartIngest handles POST /api/ingest
//
// Queues a run for a registered dataset:
//  1. Check the file override stays in the dataset's directory.
//  2. Assign a run id.
//  3. Cache the queued run so a GET can answer before a worker picks it up.
//  4. Publish to RabbitMQ.
//  5. Return 202 Accepted with the run id.
//
// A run reading an override file skips reconciliation unless the request
// sets skip_reconcile to false.
func (h *Handler) StartIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if req.Dataset == "" {
		http.Error(w, "missing required field: dataset", http.StatusBadRequest)
		return
	}

	cfg, err := h.Datasets.Get(req.Dataset)
	if errors.Is(err, dataset.ErrUnknownDataset) {
		http.Error(w, "dataset not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	file, err := cfg.ResolveFile(req.File)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job := &models.Job{
		RunID:               uuid.New().String(),
		Dataset:             cfg.Name,
		File:                req.File,
		IncludeSourcePrefix: req.IncludeSourcePrefix,
		SkipReconcile:       req.SkipReconcile,
		RequestedAt:         time.Now().UTC(),
		Trigger:             models.TriggerAPI,
	}
	run := &models.Run{
		ID:        job.RunID,
		Dataset:   cfg.Name,
		Index:     cfg.Index,
		SourceID:  cfg.SourceID,
		File:      file,
		Status:    models.StatusQueued,
		StartedAt: job.RequestedAt,
	}
	ctx := r.Context()

	if err := h.Cache.SetRun(ctx, run); err != nil {
		// Non-fatal: the worker records the run once it starts.
		slog.Error("cache write failed", "component", "api", "run_id", run.ID, "error", err)
	}

	if err := h.Publisher.PublishJob(ctx, job); err != nil {
		slog.Error("queue publish failed", "component", "api", "run_id", run.ID, "error", err)
		http.Error(w, "failed to enqueue run", http.StatusInternalServerError)
		return
	}

	slog.Info("run queued", "component", "api", "run_id", run.ID, "dataset", cfg.Name)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": models.StatusQueued,
		"run_id": run.ID,
	})
}

// GetRun handles GET /api/runs/{id}
//
// Read path:
//   - Redis HIT  → return instantly              (X-Cache: HIT)
//   - Redis MISS → Postgres lookup → back-fill   (X-Cache: MISS)
//   - sql.ErrNoRows → 404
//   - any other DB error → 500
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "missing run ID", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	if run, err := h.Cache.GetRun(ctx, id); err == nil {
		w.Header().Set("X-Cache", "HIT")
		writeJSON(w, http.StatusOK, run)
		return
	}

	run, err := h.Runs.GetRun(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("postgres read failed", "component", "api", "run_id", id, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	_ = h.Cache.SetRun(ctx, run) // back-fill; failure is non-fatal

	w.Header().Set("X-Cache", "MISS")
	writeJSON(w, http.StatusOK, run)
}

// ListRuns handles GET /api/runs?dataset={name}&limit={n}
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := database.DefaultListLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := h.Runs.ListRuns(r.Context(), q.Get("dataset"), limit)
	if err != nil {
		slog.Error("run history query failed", "component", "api", "error", err)
		http.Error(w, "failed to fetch runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// ---------------------------------------------------------------------------
// Datasets
// ---------------------------------------------------------------------------

// ListDatasets handles GET /api/datasets
func (h *Handler) ListDatasets(w http.ResponseWriter, r *http.Request) {
	datasets := h.Datasets.All()
	if datasets == nil {
		datasets = []dataset.Config{}
	}
	writeJSON(w, http.StatusOK, datasets)
}

// GetDataset handles GET /api/datasets/{name}
//
// Returns the registry entry with the number of documents its source owns.
// A missing index counts as zero documents.
func (h *Handler) GetDataset(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.Datasets.Get(r.PathValue("name"))
	if err != nil {
		http.Error(w, "dataset not found", http.StatusNotFound)
		return
	}

	count, err := h.Search.Count(r.Context(), cfg.Index, ingest.SourceField, cfg.SourceID)
	if err != nil && !errors.Is(err, search.ErrIndexNotFound) {
		slog.Error("document count failed", "component", "api", "dataset", cfg.Name, "error", err)
		http.Error(w, "search engine error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		dataset.Config
		Documents int64 `json:"documents"`
	}{cfg, count})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
