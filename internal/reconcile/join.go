// internal/reconcile/join.go
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	custom_errors "dh-github-snapshot/internal/errors"
	"dh-github-snapshot/internal/model"
)

// JoinSpec describes one relation table and how to fill it from a source
// entity table.
type JoinSpec struct {
	Relation string
	// Schema is the join table layout. Its KeyFields are the filter fields.
	Schema model.Schema

	// Columns of the source entity table.
	SourceKeyField string
	SourceURLField string
	// CountField holds the expected number of relation rows. Empty means unknown.
	CountField string

	// Columns of the join table that carry the source entity.
	JoinSourceKey string
	JoinSourceURL string
	// IDField identifies a relation row within one source entity. Fresh rows
	// supersede stored rows with the same id.
	IDField string

	// Threshold skips sources whose expected count exceeds it. Zero disables the cap.
	Threshold int
	// Query is added to the relation URL, e.g. state=all.
	Query map[string]string
}

// JoinOptions are the run-wide policies of the Join Reconciler.
type JoinOptions struct {
	RetryErrors        bool
	OverwriteTempFiles bool
	MaxArchives        int
	RunID              string
}

// JoinResult summarises one reconciliation pass.
type JoinResult struct {
	Table       *model.Table
	Fetched     int
	Resumed     int
	Complete    int
	Empty       int
	Thresholded int
	Suppressed  int
	Failed      int
}

// JoinReconciler fills a relation table for every not-yet-complete source entity.
type JoinReconciler struct {
	store   Store
	fetcher PageFetcher
	merger  *Merger
	logger  *slog.Logger
	opts    JoinOptions
	now     func() time.Time
}

// NewJoinReconciler creates a JoinReconciler.
func NewJoinReconciler(store Store, fetcher PageFetcher, logger *slog.Logger, opts JoinOptions) *JoinReconciler {
	return &JoinReconciler{
		store:   store,
		fetcher: fetcher,
		merger:  NewMerger(store, logger),
		logger:  logger,
		opts:    opts,
		now:     time.Now,
	}
}

// Reconcile walks the source entities in order. Sources with a zero count
// are skipped, sources above the threshold are logged to the
// Threshold-exceeded record, and sources whose stored row count already
// reaches the expected count are left alone. Every other source is fetched
// page by page, merged with its stored rows and saved as a partial file
// before the next source starts.
func (r *JoinReconciler) Reconcile(ctx context.Context, spec JoinSpec, sources *model.Table) (*JoinResult, error) {
	if err := spec.Schema.Validate(); err != nil {
		return nil, err
	}
	logger := r.logger.With("dataset", spec.Relation)
	now := r.now()

	stored, err := r.store.LoadCurrent(spec.Relation)
	if err != nil {
		return nil, err
	}
	current := spec.Schema.ConformTable(stored)
	observed := current.CountBy(spec.JoinSourceKey)
	storedBySource := make(map[string][]model.Record)
	for _, row := range current.Rows {
		k := row[spec.JoinSourceKey]
		storedBySource[k] = append(storedBySource[k], row)
	}

	prevErrors, err := r.store.LoadErrors(spec.Relation)
	if err != nil {
		return nil, err
	}
	errored := make(map[string]struct{})
	if !r.opts.RetryErrors {
		for _, rec := range prevErrors {
			errored[rec.Key] = struct{}{}
		}
	}

	result := &JoinResult{}
	updated := make(map[string][]model.Record)
	var order []string
	var newErrors []model.ErrorRecord
	var thresholds []model.ThresholdRecord
	succeeded := make(map[string]struct{})
	seen := make(map[string]struct{})

	for _, src := range sources.Rows {
		key := src[spec.SourceKeyField]
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		srcLog := logger.With("source", key)

		expected, known := expectedCount(src, spec.CountField)
		if known && expected == 0 {
			result.Empty++
			continue
		}
		if known && spec.Threshold > 0 && expected > spec.Threshold {
			srcLog.Warn("Relation exceeds threshold, skipping", "count", expected, "threshold", spec.Threshold)
			thresholds = append(thresholds, model.ThresholdRecord{
				Key:       key,
				Count:     expected,
				Threshold: spec.Threshold,
				Date:      now,
				RunID:     r.opts.RunID,
			})
			result.Thresholded++
			continue
		}
		if _, ok := errored[key]; ok {
			result.Suppressed++
			continue
		}
		if known && observed[key] >= expected {
			result.Complete++
			continue
		}

		if !r.opts.OverwriteTempFiles {
			partial, ok, err := r.store.LoadPartial(spec.Relation, key)
			if err != nil {
				return nil, err
			}
			if ok {
				srcLog.Debug("Reusing partial result", "rows", partial.Len())
				updated[key] = spec.Schema.ConformTable(partial).Rows
				order = append(order, key)
				succeeded[key] = struct{}{}
				result.Resumed++
				continue
			}
		}

		fresh, failingURL, err := r.fetchAll(ctx, spec, src, key, now)
		if err != nil {
			if errors.Is(err, custom_errors.ErrUnauthorized) {
				return nil, fmt.Errorf("fetch %s of %s: %w", spec.Relation, key, err)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			srcLog.Error("Failed to fetch relation", "url", failingURL, "error", err)
			newErrors = append(newErrors, model.ErrorRecord{Key: key, Time: now, URL: failingURL})
			result.Failed++
			continue
		}

		merged := mergeSource(storedBySource[key], fresh, spec)
		partial := model.NewTable(spec.Schema.Columns)
		partial.Rows = merged
		if err := r.store.SavePartial(spec.Relation, key, partial); err != nil {
			return nil, err
		}
		updated[key] = merged
		order = append(order, key)
		succeeded[key] = struct{}{}
		result.Fetched++
		srcLog.Info("Fetched relation", "fetched", len(fresh), "rows", len(merged), "expected", expected)
	}

	combined := model.NewTable(spec.Schema.Columns)
	for _, row := range current.Rows {
		if _, ok := updated[row[spec.JoinSourceKey]]; ok {
			continue
		}
		combined.Rows = append(combined.Rows, row)
	}
	for _, key := range order {
		combined.Rows = append(combined.Rows, updated[key]...)
	}
	combined = combined.DedupKeepLast(spec.Schema.KeyFields)

	if _, err := r.store.ArchiveCurrent(spec.Relation); err != nil {
		return nil, err
	}
	final, _, err := r.merger.Merge(ctx, spec.Relation, combined, MergeOptions{
		KeyFields:   spec.Schema.KeyFields,
		TimeField:   spec.Schema.TimeField,
		Schema:      &spec.Schema,
		MaxArchives: r.opts.MaxArchives,
	})
	if err != nil {
		return nil, err
	}
	if err := r.store.SaveCurrent(spec.Relation, final); err != nil {
		return nil, err
	}

	if len(thresholds) > 0 {
		prev, err := r.store.LoadThresholds(spec.Relation)
		if err != nil {
			return nil, err
		}
		if err := r.store.SaveThresholds(spec.Relation, model.LatestThresholds(append(prev, thresholds...))); err != nil {
			return nil, err
		}
	}
	if err := saveErrorLog(r.store, spec.Relation, prevErrors, newErrors, succeeded); err != nil {
		return nil, err
	}
	if err := r.store.ClearPartials(spec.Relation); err != nil {
		return nil, err
	}

	result.Table = final
	logger.Info("Join reconciliation finished",
		"rows", final.Len(),
		"fetched", result.Fetched,
		"resumed", result.Resumed,
		"complete", result.Complete,
		"empty", result.Empty,
		"thresholded", result.Thresholded,
		"suppressed", result.Suppressed,
		"failed", result.Failed,
	)
	return result, nil
}

// fetchAll follows pagination for one source entity. On failure it returns
// the URL of the page that failed.
func (r *JoinReconciler) fetchAll(ctx context.Context, spec JoinSpec, src model.Record, key string, now time.Time) ([]model.Record, string, error) {
	base := ExpandURL(src[spec.SourceURLField])
	if base == "" {
		return nil, "", &custom_errors.FetchError{URL: "", Err: fmt.Errorf("source has no %s", spec.SourceURLField)}
	}
	next, err := withQuery(base, spec.Query)
	if err != nil {
		return nil, base, &custom_errors.FetchError{URL: base, Err: err}
	}

	stamp := model.FormatTime(now)
	var rows []model.Record
	visited := make(map[string]struct{})
	for next != "" {
		if _, ok := visited[next]; ok {
			break
		}
		visited[next] = struct{}{}

		page, err := r.fetcher.FetchPage(ctx, next)
		if err != nil {
			return nil, next, err
		}
		for _, rec := range page.Records {
			row := spec.Schema.Conform(rec)
			row[spec.JoinSourceKey] = key
			row[spec.JoinSourceURL] = base
			row[spec.Schema.TimeField] = stamp
			rows = append(rows, row)
		}
		next = page.Next
	}
	return rows, "", nil
}

// mergeSource combines the stored rows of one source with a fresh fetch.
// Stored rows whose id was fetched again are replaced, the others are kept
// as history.
func mergeSource(stored, fresh []model.Record, spec JoinSpec) []model.Record {
	idFields := []string{spec.IDField}
	if spec.IDField == "" {
		idFields = spec.Schema.KeyFields
	}
	freshIDs := make(map[string]struct{}, len(fresh))
	for _, row := range fresh {
		freshIDs[row.Key(idFields)] = struct{}{}
	}

	t := model.NewTable(spec.Schema.Columns)
	for _, row := range stored {
		if _, ok := freshIDs[row.Key(idFields)]; ok {
			continue
		}
		t.Rows = append(t.Rows, row)
	}
	t.Rows = append(t.Rows, fresh...)
	return t.DedupKeepLast(spec.Schema.KeyFields).Rows
}

// expectedCount reads the count column of a source. known is false when the
// column is not configured or holds no number.
func expectedCount(src model.Record, field string) (count int, known bool) {
	if field == "" {
		return 0, false
	}
	raw := strings.TrimSpace(src[field])
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil {
			return 0, false
		}
		n = int(f)
	}
	return n, true
}

var uriTemplate = regexp.MustCompile(`\{[^}]*\}`)

// ExpandURL drops RFC 6570 templates such as {/member} from an API URL.
func ExpandURL(raw string) string {
	return strings.TrimSpace(uriTemplate.ReplaceAllString(raw, ""))
}

func withQuery(raw string, params map[string]string) (string, error) {
	if len(params) == 0 {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
