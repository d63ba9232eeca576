// internal/reconcile/merge.go
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"dh-github-snapshot/internal/model"
	"dh-github-snapshot/internal/snapshot"
)

// Number of archives read from disk at the same time.
const archiveLoadConcurrency = 4

// MergeOptions parameterises a Historical Merge.
type MergeOptions struct {
	KeyFields []string
	TimeField string
	// Schema, when set, conforms recovered rows to the canonical header.
	Schema *model.Schema
	// Exclude drops recovered rows whose key it reports true for.
	Exclude func(key string) bool
	// MaxArchives bounds how many archives are read. Zero reads all of them.
	MaxArchives int
}

// MergeStats describes what a merge recovered.
type MergeStats struct {
	Archives    int
	Recovered   int
	Collisions  int
	Unparseable int
}

// Merger recovers rows that exist in archived snapshots but are missing from
// the current table.
type Merger struct {
	loader ArchiveLoader
	logger *slog.Logger
}

// NewMerger creates a Merger reading archives through loader.
func NewMerger(loader ArchiveLoader, logger *slog.Logger) *Merger {
	return &Merger{loader: loader, logger: logger}
}

// Merge returns current plus every archived row whose key is absent from
// current. When the same key is found in several archives the row with the
// latest parseable time wins. Archives are never modified.
func (m *Merger) Merge(ctx context.Context, dataset string, current *model.Table, opts MergeOptions) (*model.Table, MergeStats, error) {
	var stats MergeStats
	logger := m.logger.With("dataset", dataset)

	refs, err := m.loader.ListArchives(dataset)
	if err != nil {
		return nil, stats, err
	}
	refs = SelectArchives(refs, opts.MaxArchives)
	stats.Archives = len(refs)

	archives, err := m.loadAll(ctx, refs)
	if err != nil {
		return nil, stats, err
	}

	columns := current.Columns
	if opts.Schema != nil {
		columns = model.UnionColumns(columns, opts.Schema.Columns)
	}

	have := current.KeySet(opts.KeyFields)
	recovered := model.NewTable(nil)
	index := make(map[string]int)

	// Newest archive first, so that on equal times the fresher snapshot wins.
	for i := len(archives) - 1; i >= 0; i-- {
		archive := archives[i]
		if opts.Schema == nil {
			columns = model.UnionColumns(columns, archive.Columns)
		}
		for _, row := range archive.Rows {
			if !row.HasIdentity(opts.KeyFields) {
				continue
			}
			key := row.Key(opts.KeyFields)
			if _, ok := have[key]; ok {
				continue
			}
			if opts.Exclude != nil && opts.Exclude(key) {
				continue
			}
			if opts.Schema != nil {
				row = opts.Schema.Conform(row)
			} else {
				row = row.Clone()
			}
			if j, ok := index[key]; ok {
				if newer(row, recovered.Rows[j], opts.TimeField) {
					recovered.Rows[j] = row
				}
				continue
			}
			index[key] = len(recovered.Rows)
			recovered.Rows = append(recovered.Rows, row)
		}
	}

	for _, row := range recovered.Rows {
		if _, ok := model.ParseTime(row[opts.TimeField]); !ok {
			stats.Unparseable++
		}
	}
	if stats.Unparseable > 0 {
		logger.Warn("Recovered rows with unparseable query time, treating them as oldest", "count", stats.Unparseable)
	}

	merged := model.NewTable(columns)
	merged.Rows = make([]model.Record, 0, current.Len()+recovered.Len())
	merged.Rows = append(merged.Rows, current.Rows...)
	merged.Rows = append(merged.Rows, recovered.Rows...)

	var collisions int
	merged, collisions = ResolveLatest(merged, opts.KeyFields, opts.TimeField)
	if collisions > 0 {
		logger.Warn("Collapsed duplicate keys after merge", "count", collisions)
	}
	stats.Collisions = collisions
	stats.Recovered = recovered.Len()

	if stats.Recovered > 0 {
		logger.Info("Recovered rows from archives", "recovered", stats.Recovered, "archives", stats.Archives)
	}
	return merged, stats, nil
}

func (m *Merger) loadAll(ctx context.Context, refs []snapshot.ArchiveRef) ([]*model.Table, error) {
	tables := make([]*model.Table, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(archiveLoadConcurrency)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			t, err := m.loader.LoadArchive(ref)
			if err != nil {
				return fmt.Errorf("load archive %s: %w", ref.Path, err)
			}
			tables[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tables, nil
}

// SelectArchives bounds the archives read by a merge. The largest files are
// kept, more recent first among equal sizes, and the result is returned
// oldest first.
func SelectArchives(refs []snapshot.ArchiveRef, max int) []snapshot.ArchiveRef {
	if max <= 0 || len(refs) <= max {
		return refs
	}
	picked := make([]snapshot.ArchiveRef, len(refs))
	copy(picked, refs)
	sort.SliceStable(picked, func(i, j int) bool {
		if picked[i].Size != picked[j].Size {
			return picked[i].Size > picked[j].Size
		}
		return picked[i].Date.After(picked[j].Date)
	})
	picked = picked[:max]
	sort.SliceStable(picked, func(i, j int) bool { return picked[i].Date.Before(picked[j].Date) })
	return picked
}

// ResolveLatest keeps one row per key: the one with the latest parseable
// time. Unparseable times rank below every parseable time and ties keep the
// earlier row. It returns the number of rows dropped.
func ResolveLatest(t *model.Table, keyFields []string, timeField string) (*model.Table, int) {
	out := model.NewTable(t.Columns)
	index := make(map[string]int, len(t.Rows))
	dropped := 0
	for _, row := range t.Rows {
		key := row.Key(keyFields)
		if i, ok := index[key]; ok {
			dropped++
			if newer(row, out.Rows[i], timeField) {
				out.Rows[i] = row
			}
			continue
		}
		index[key] = len(out.Rows)
		out.Rows = append(out.Rows, row)
	}
	return out, dropped
}

// newer reports whether a is strictly more recent than b.
func newer(a, b model.Record, timeField string) bool {
	ta, okA := model.ParseTime(a[timeField])
	tb, okB := model.ParseTime(b[timeField])
	switch {
	case !okA:
		return false
	case !okB:
		return true
	default:
		return ta.After(tb)
	}
}
