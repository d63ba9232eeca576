// internal/api/handler.go
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	custom_errors "dh-github-snapshot/internal/errors"
	"dh-github-snapshot/internal/model"
	"dh-github-snapshot/internal/snapshot"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Store is the read side of the Snapshot Store.
type Store interface {
	Names() []string
	LoadCurrent(name string) (*model.Table, error)
	ListArchives(name string) ([]snapshot.ArchiveRef, error)
	LoadErrors(name string) ([]model.ErrorRecord, error)
	LoadThresholds(name string) ([]model.ThresholdRecord, error)
}

// Handler is the container for API dependencies.
type Handler struct {
	store  Store
	logger *slog.Logger
}

// DatasetSummary describes one dataset.
type DatasetSummary struct {
	Name        string     `json:"name"`
	Rows        int        `json:"rows"`
	Columns     int        `json:"columns"`
	Archives    int        `json:"archives"`
	LastArchive *time.Time `json:"last_archive,omitempty"`
	Errors      int        `json:"errors"`
	Thresholds  int        `json:"thresholds"`
}

// RowsPage is a slice of a dataset's current table.
type RowsPage struct {
	Name    string         `json:"name"`
	Total   int            `json:"total"`
	Offset  int            `json:"offset"`
	Limit   int            `json:"limit"`
	Columns []string       `json:"columns"`
	Rows    []model.Record `json:"rows"`
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(store Store, logger *slog.Logger) http.Handler {
	h := &Handler{
		store:  store,
		logger: logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.healthCheck)
	r.Route("/v1/datasets", func(r chi.Router) {
		r.Get("/", h.listDatasets)
		r.Get("/{name}", h.getRows)
		r.Get("/{name}/errors", h.getErrors)
		r.Get("/{name}/thresholds", h.getThresholds)
	})

	return r
}

// healthCheck is a simple health endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// listDatasets summarises every registered dataset.
// GET /v1/datasets
func (h *Handler) listDatasets(w http.ResponseWriter, r *http.Request) {
	names := h.store.Names()
	out := make([]DatasetSummary, 0, len(names))
	for _, name := range names {
		summary, err := h.summarise(name)
		if err != nil {
			h.logger.Error("Failed to summarise dataset", "dataset", name, "error", err)
			respondWithError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		out = append(out, summary)
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (h *Handler) summarise(name string) (DatasetSummary, error) {
	t, err := h.store.LoadCurrent(name)
	if err != nil {
		return DatasetSummary{}, err
	}
	refs, err := h.store.ListArchives(name)
	if err != nil {
		return DatasetSummary{}, err
	}
	errs, err := h.store.LoadErrors(name)
	if err != nil {
		return DatasetSummary{}, err
	}
	thresholds, err := h.store.LoadThresholds(name)
	if err != nil {
		return DatasetSummary{}, err
	}

	s := DatasetSummary{
		Name:       name,
		Rows:       t.Len(),
		Columns:    len(t.Columns),
		Archives:   len(refs),
		Errors:     len(model.LatestErrors(errs)),
		Thresholds: len(model.LatestThresholds(thresholds)),
	}
	if len(refs) > 0 {
		last := refs[len(refs)-1].Date
		s.LastArchive = &last
	}
	return s, nil
}

// getRows pages through the current table of a dataset.
// GET /v1/datasets/{name}?limit=N&offset=M
func (h *Handler) getRows(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	limit, ok := intParam(r, "limit", defaultLimit)
	if !ok || limit <= 0 || limit > maxLimit {
		respondWithError(w, http.StatusBadRequest, "Invalid 'limit' parameter. Must be an integer between 1 and 1000.")
		return
	}
	offset, ok := intParam(r, "offset", 0)
	if !ok || offset < 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid 'offset' parameter. Must be a non-negative integer.")
		return
	}

	t, err := h.store.LoadCurrent(name)
	if err != nil {
		h.storeError(w, name, err)
		return
	}

	page := RowsPage{Name: name, Total: t.Len(), Offset: offset, Limit: limit, Columns: t.Columns, Rows: []model.Record{}}
	if offset < t.Len() {
		end := min(offset+limit, t.Len())
		page.Rows = t.Rows[offset:end]
	}
	respondWithJSON(w, http.StatusOK, page)
}

// getErrors returns the latest Error Record per key.
// GET /v1/datasets/{name}/errors
func (h *Handler) getErrors(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	records, err := h.store.LoadErrors(name)
	if err != nil {
		h.storeError(w, name, err)
		return
	}
	respondWithJSON(w, http.StatusOK, model.LatestErrors(records))
}

// getThresholds returns the latest threshold record per key.
// GET /v1/datasets/{name}/thresholds
func (h *Handler) getThresholds(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	records, err := h.store.LoadThresholds(name)
	if err != nil {
		h.storeError(w, name, err)
		return
	}
	respondWithJSON(w, http.StatusOK, model.LatestThresholds(records))
}

func (h *Handler) storeError(w http.ResponseWriter, name string, err error) {
	var unknown *custom_errors.ErrUnknownDataset
	if errors.As(err, &unknown) {
		respondWithError(w, http.StatusNotFound, "Dataset not found")
		return
	}
	h.logger.Error("Failed to read dataset", "dataset", name, "error", err)
	respondWithError(w, http.StatusInternalServerError, "Internal server error")
}

func intParam(r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil
}
