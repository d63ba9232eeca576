// internal/reconcile/entity.go
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	custom_errors "dh-github-snapshot/internal/errors"
	"dh-github-snapshot/internal/model"
)

// DefaultCoolDown is how long an errored entity is left alone.
const DefaultCoolDown = 7 * 24 * time.Hour

// EntitySpec describes one entity table.
type EntitySpec struct {
	Kind    model.EntityKind
	Dataset string
	Schema  model.Schema
}

// Candidate is an entity that should be present in the table.
type Candidate struct {
	Key string
	URL string
}

// EntityOptions are the run-wide policies of the Entity Reconciler.
type EntityOptions struct {
	CoolDown    time.Duration
	Excluded    []string
	RetryErrors bool
	MaxArchives int
}

// EntityResult summarises one reconciliation pass.
type EntityResult struct {
	Table     *model.Table
	Fetched   int
	Failed    int
	Skipped   int
	Recovered int
}

// EntityReconciler brings an entity table up to date with a candidate set.
type EntityReconciler struct {
	store   Store
	fetcher EntityFetcher
	merger  *Merger
	logger  *slog.Logger
	opts    EntityOptions
	now     func() time.Time
}

// NewEntityReconciler creates an EntityReconciler.
func NewEntityReconciler(store Store, fetcher EntityFetcher, logger *slog.Logger, opts EntityOptions) *EntityReconciler {
	if opts.CoolDown <= 0 {
		opts.CoolDown = DefaultCoolDown
	}
	return &EntityReconciler{
		store:   store,
		fetcher: fetcher,
		merger:  NewMerger(store, logger),
		logger:  logger,
		opts:    opts,
		now:     time.Now,
	}
}

// Reconcile fetches the candidates missing from the persisted table, merges
// them in, recovers archived rows and saves the result. Fetch failures are
// recorded and skipped. Only ErrUnauthorized, cancellation and store failures
// abort the pass, in which case nothing is written.
func (r *EntityReconciler) Reconcile(ctx context.Context, spec EntitySpec, candidates []Candidate) (*EntityResult, error) {
	if err := spec.Schema.Validate(); err != nil {
		return nil, err
	}
	logger := r.logger.With("dataset", spec.Dataset, "kind", string(spec.Kind))
	now := r.now()
	keyFields := spec.Schema.KeyFields
	timeField := spec.Schema.TimeField

	stored, err := r.store.LoadCurrent(spec.Dataset)
	if err != nil {
		return nil, err
	}
	if extra := spec.Schema.Extra(stored); len(extra) > 0 {
		logger.Debug("Dropping undeclared columns from stored table", "columns", extra)
	}
	current := spec.Schema.ConformTable(stored)

	prevErrors, err := r.store.LoadErrors(spec.Dataset)
	if err != nil {
		return nil, err
	}
	suppressed := make(map[string]struct{})
	if !r.opts.RetryErrors {
		suppressed = SuppressedKeys(prevErrors, now, r.opts.CoolDown)
	}
	excluded := make(map[string]struct{}, len(r.opts.Excluded))
	for _, k := range r.opts.Excluded {
		excluded[k] = struct{}{}
	}

	have := current.KeySet(keyFields)
	missing := make([]Candidate, 0, len(candidates))
	attempted := make(map[string]struct{}, len(candidates))
	result := &EntityResult{}
	for _, c := range candidates {
		if c.Key == "" {
			continue
		}
		if _, ok := attempted[c.Key]; ok {
			continue
		}
		attempted[c.Key] = struct{}{}
		if _, ok := have[c.Key]; ok {
			continue
		}
		if _, ok := excluded[c.Key]; ok {
			result.Skipped++
			continue
		}
		if _, ok := suppressed[c.Key]; ok {
			result.Skipped++
			continue
		}
		missing = append(missing, c)
	}
	logger.Info("Computed missing entities", "candidates", len(candidates), "current", current.Len(), "missing", len(missing), "skipped", result.Skipped)

	fetched := make([]model.Record, 0, len(missing))
	var newErrors []model.ErrorRecord
	succeeded := make(map[string]struct{}, len(missing))
	for i, c := range missing {
		if strings.TrimSpace(c.URL) == "" {
			logger.Warn("Candidate has no URL", "key", c.Key)
			newErrors = append(newErrors, model.ErrorRecord{Key: c.Key, Time: now})
			result.Failed++
			continue
		}
		rec, err := r.fetcher.FetchEntity(ctx, c.URL)
		if err != nil {
			if errors.Is(err, custom_errors.ErrUnauthorized) {
				return nil, fmt.Errorf("fetch %s: %w", c.Key, err)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			logger.Error("Failed to fetch entity", "key", c.Key, "url", c.URL, "error", err)
			newErrors = append(newErrors, model.ErrorRecord{Key: c.Key, Time: now, URL: c.URL})
			result.Failed++
			continue
		}
		if len(rec) == 0 {
			logger.Debug("Entity fetch returned no content", "key", c.Key, "url", c.URL)
			continue
		}

		row := spec.Schema.Conform(rec)
		if len(keyFields) == 1 && row[keyFields[0]] == "" {
			row[keyFields[0]] = c.Key
		}
		row[timeField] = model.FormatTime(now)
		fetched = append(fetched, row)
		succeeded[c.Key] = struct{}{}

		if (i+1)%100 == 0 {
			logger.Info("Fetching entities", "done", i+1, "total", len(missing))
		}
	}
	result.Fetched = len(fetched)

	merged := model.NewTable(spec.Schema.Columns)
	merged.Rows = make([]model.Record, 0, current.Len()+len(fetched))
	merged.Rows = append(merged.Rows, current.Rows...)
	merged.Rows = append(merged.Rows, fetched...)
	merged = merged.DedupKeepLast(keyFields)

	if _, err := r.store.ArchiveCurrent(spec.Dataset); err != nil {
		return nil, err
	}

	failedNow := make(map[string]struct{}, len(newErrors))
	for _, e := range newErrors {
		failedNow[e.Key] = struct{}{}
	}
	final, stats, err := r.merger.Merge(ctx, spec.Dataset, merged, MergeOptions{
		KeyFields:   keyFields,
		TimeField:   timeField,
		Schema:      &spec.Schema,
		MaxArchives: r.opts.MaxArchives,
		Exclude: func(key string) bool {
			if _, ok := excluded[key]; ok {
				return true
			}
			if _, ok := suppressed[key]; ok {
				return true
			}
			_, ok := failedNow[key]
			return ok
		},
	})
	if err != nil {
		return nil, err
	}
	result.Recovered = stats.Recovered

	if err := r.store.SaveCurrent(spec.Dataset, final); err != nil {
		return nil, err
	}
	if err := saveErrorLog(r.store, spec.Dataset, prevErrors, newErrors, succeeded); err != nil {
		return nil, err
	}

	result.Table = final
	logger.Info("Entity reconciliation finished",
		"rows", final.Len(),
		"fetched", result.Fetched,
		"failed", result.Failed,
		"recovered", result.Recovered,
	)
	return result, nil
}

// SuppressedKeys returns the keys whose latest error is younger than coolDown.
func SuppressedKeys(records []model.ErrorRecord, now time.Time, coolDown time.Duration) map[string]struct{} {
	keys := make(map[string]struct{})
	for _, rec := range model.LatestErrors(records) {
		if rec.Time.IsZero() {
			continue
		}
		if now.Sub(rec.Time) < coolDown {
			keys[rec.Key] = struct{}{}
		}
	}
	return keys
}

// saveErrorLog rewrites the Error Record: entries for keys that succeeded are
// dropped, the rest are deduplicated keeping the latest.
func saveErrorLog(store Store, dataset string, prev, added []model.ErrorRecord, succeeded map[string]struct{}) error {
	if len(prev) == 0 && len(added) == 0 {
		return nil
	}
	kept := make([]model.ErrorRecord, 0, len(prev)+len(added))
	for _, rec := range prev {
		if _, ok := succeeded[rec.Key]; ok {
			continue
		}
		kept = append(kept, rec)
	}
	kept = append(kept, added...)
	return store.SaveErrors(dataset, model.LatestErrors(kept))
}
