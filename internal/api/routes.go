package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes attaches all application routes to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Runs
	mux.HandleFunc("POST /api/ingest", h.StartIngest)
	mux.HandleFunc("GET /api/runs", h.ListRuns)
	mux.HandleFunc("GET /api/runs/{id}", h.GetRun)

	// Datasets
	mux.HandleFunc("GET /api/datasets", h.ListDatasets)
	mux.HandleFunc("GET /api/datasets/{name}", h.GetDataset)

	// Observability
	mux.Handle("GET /metrics", promhttp.Handler())
}
