// internal/snapshot/store.go
package snapshot

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	custom_errors "dh-github-snapshot/internal/errors"
	"dh-github-snapshot/internal/model"
)

// DateLayout is the date token embedded in archive file names.
const DateLayout = "2006_01_02"

// Dataset holds every path belonging to one logical dataset.
type Dataset struct {
	Name             string
	CurrentPath      string
	ArchiveDir       string
	ErrorLogPath     string
	ThresholdLogPath string
	TempDir          string
}

// DefaultDataset lays a dataset out under root:
//
//	<root>/<name>.csv
//	<root>/older_files/<name>/<name>_<YYYY_MM_DD>.csv
//	<root>/error_logs/<name>_errors.csv
//	<root>/error_logs/<name>_threshold_exceeded.csv
//	<root>/temp/<name>/
func DefaultDataset(root, name string) Dataset {
	return Dataset{
		Name:             name,
		CurrentPath:      filepath.Join(root, name+".csv"),
		ArchiveDir:       filepath.Join(root, "older_files", name),
		ErrorLogPath:     filepath.Join(root, "error_logs", name+"_errors.csv"),
		ThresholdLogPath: filepath.Join(root, "error_logs", name+"_threshold_exceeded.csv"),
		TempDir:          filepath.Join(root, "temp", name),
	}
}

// ArchiveRef points at one dated snapshot of a dataset.
type ArchiveRef struct {
	Dataset string
	Path    string
	Date    time.Time
	Size    int64
}

// Store reads and writes dated CSV snapshots.
type Store struct {
	root   string
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	datasets map[string]Dataset
}

// NewStore creates a store rooted at root. Datasets must be registered before use.
func NewStore(root string, logger *slog.Logger) *Store {
	return &Store{
		root:     root,
		logger:   logger,
		now:      time.Now,
		datasets: make(map[string]Dataset),
	}
}

// Root returns the data directory of the store.
func (s *Store) Root() string {
	return s.root
}

// Register adds a dataset using the default layout and returns it.
func (s *Store) Register(name string) Dataset {
	ds := DefaultDataset(s.root, name)
	s.RegisterDataset(ds)
	return ds
}

// RegisterDataset adds a dataset with explicit paths.
func (s *Store) RegisterDataset(ds Dataset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[ds.Name] = ds
}

// Dataset resolves a logical name.
func (s *Store) Dataset(name string) (Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.datasets[name]
	if !ok {
		return Dataset{}, &custom_errors.ErrUnknownDataset{Name: name}
	}
	return ds, nil
}

// Names lists the registered datasets in lexical order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.datasets))
	for name := range s.datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadCurrent returns the current table, or an empty one if none was saved yet.
func (s *Store) LoadCurrent(name string) (*model.Table, error) {
	ds, err := s.Dataset(name)
	if err != nil {
		return nil, err
	}
	t, err := readTable(ds.CurrentPath)
	if errors.Is(err, os.ErrNotExist) {
		return model.NewTable(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load current %s: %w", name, err)
	}
	return t, nil
}

// SaveCurrent replaces the current table.
func (s *Store) SaveCurrent(name string, t *model.Table) error {
	ds, err := s.Dataset(name)
	if err != nil {
		return err
	}
	if err := writeTable(ds.CurrentPath, t); err != nil {
		return fmt.Errorf("save current %s: %w", name, err)
	}
	s.logger.Debug("Saved current snapshot", "dataset", name, "rows", t.Len())
	return nil
}

// ArchiveCurrent copies the current file into the archive directory, stamped
// with today's date. It is a no-op when there is no current file or when
// today's archive already exists. The returned bool reports whether a copy was made.
func (s *Store) ArchiveCurrent(name string) (bool, error) {
	ds, err := s.Dataset(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(ds.CurrentPath); errors.Is(err, os.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("stat current %s: %w", name, err)
	}

	dst := filepath.Join(ds.ArchiveDir, fmt.Sprintf("%s_%s.csv", name, s.now().Format(DateLayout)))
	if _, err := os.Stat(dst); err == nil {
		return false, nil
	}
	if err := copyFile(ds.CurrentPath, dst); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("archive %s: %w", name, err)
	}
	s.logger.Info("Archived current snapshot", "dataset", name, "path", dst)
	return true, nil
}

// ListArchives returns the archived snapshots of a dataset, oldest first.
func (s *Store) ListArchives(name string) ([]ArchiveRef, error) {
	ds, err := s.Dataset(name)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(ds.ArchiveDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list archives of %s: %w", name, err)
	}

	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(name) + `_(\d{4}_\d{2}_\d{2})\.csv$`)
	var refs []ArchiveRef
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := pattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		date, err := time.Parse(DateLayout, m[1])
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat archive %s: %w", e.Name(), err)
		}
		refs = append(refs, ArchiveRef{
			Dataset: name,
			Path:    filepath.Join(ds.ArchiveDir, e.Name()),
			Date:    date,
			Size:    info.Size(),
		})
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Date.Equal(refs[j].Date) {
			return refs[i].Path < refs[j].Path
		}
		return refs[i].Date.Before(refs[j].Date)
	})
	return refs, nil
}

// LoadArchive reads one archived snapshot.
func (s *Store) LoadArchive(ref ArchiveRef) (*model.Table, error) {
	t, err := readTable(ref.Path)
	if err != nil {
		return nil, fmt.Errorf("load archive %s: %w", ref.Path, err)
	}
	return t, nil
}

var errorLogColumns = []string{"key", "time", "url"}

// LoadErrors reads the Error Record of a dataset.
func (s *Store) LoadErrors(name string) ([]model.ErrorRecord, error) {
	ds, err := s.Dataset(name)
	if err != nil {
		return nil, err
	}
	t, err := readTable(ds.ErrorLogPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load errors of %s: %w", name, err)
	}
	records := make([]model.ErrorRecord, 0, t.Len())
	for _, r := range t.Rows {
		// An unparseable time becomes the zero time, which is outside any cool-down.
		at, _ := model.ParseTime(r["time"])
		records = append(records, model.ErrorRecord{Key: r["key"], Time: at, URL: r["url"]})
	}
	return records, nil
}

// SaveErrors rewrites the Error Record of a dataset.
func (s *Store) SaveErrors(name string, records []model.ErrorRecord) error {
	ds, err := s.Dataset(name)
	if err != nil {
		return err
	}
	t := model.NewTable(errorLogColumns)
	for _, rec := range records {
		t.Append(model.Record{"key": rec.Key, "time": model.FormatTime(rec.Time), "url": rec.URL})
	}
	if err := writeTable(ds.ErrorLogPath, t); err != nil {
		return fmt.Errorf("save errors of %s: %w", name, err)
	}
	return nil
}

var thresholdLogColumns = []string{"key", "count", "threshold", "date", "run_id"}

// LoadThresholds reads the Threshold-exceeded log of a dataset.
func (s *Store) LoadThresholds(name string) ([]model.ThresholdRecord, error) {
	ds, err := s.Dataset(name)
	if err != nil {
		return nil, err
	}
	t, err := readTable(ds.ThresholdLogPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load thresholds of %s: %w", name, err)
	}
	records := make([]model.ThresholdRecord, 0, t.Len())
	for _, r := range t.Rows {
		count, _ := strconv.Atoi(r["count"])
		threshold, _ := strconv.Atoi(r["threshold"])
		date, _ := model.ParseTime(r["date"])
		records = append(records, model.ThresholdRecord{
			Key:       r["key"],
			Count:     count,
			Threshold: threshold,
			Date:      date,
			RunID:     r["run_id"],
		})
	}
	return records, nil
}

// SaveThresholds rewrites the Threshold-exceeded log of a dataset.
func (s *Store) SaveThresholds(name string, records []model.ThresholdRecord) error {
	ds, err := s.Dataset(name)
	if err != nil {
		return err
	}
	t := model.NewTable(thresholdLogColumns)
	for _, rec := range records {
		t.Append(model.Record{
			"key":       rec.Key,
			"count":     strconv.Itoa(rec.Count),
			"threshold": strconv.Itoa(rec.Threshold),
			"date":      model.FormatTime(rec.Date),
			"run_id":    rec.RunID,
		})
	}
	if err := writeTable(ds.ThresholdLogPath, t); err != nil {
		return fmt.Errorf("save thresholds of %s: %w", name, err)
	}
	return nil
}

func partialPath(ds Dataset, sourceKey string) string {
	return filepath.Join(ds.TempDir, url.PathEscape(sourceKey)+".csv")
}

// SavePartial persists the rows fetched for one source entity.
func (s *Store) SavePartial(name, sourceKey string, t *model.Table) error {
	ds, err := s.Dataset(name)
	if err != nil {
		return err
	}
	if err := writeTable(partialPath(ds, sourceKey), t); err != nil {
		return fmt.Errorf("save partial %s/%s: %w", name, sourceKey, err)
	}
	return nil
}

// LoadPartial returns the saved rows of one source entity. ok is false when
// nothing was saved for it.
func (s *Store) LoadPartial(name, sourceKey string) (t *model.Table, ok bool, err error) {
	ds, err := s.Dataset(name)
	if err != nil {
		return nil, false, err
	}
	t, err = readTable(partialPath(ds, sourceKey))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load partial %s/%s: %w", name, sourceKey, err)
	}
	return t, true, nil
}

// ClearPartials removes every partial file of a dataset.
func (s *Store) ClearPartials(name string) error {
	ds, err := s.Dataset(name)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(ds.TempDir); err != nil {
		return fmt.Errorf("clear partials of %s: %w", name, err)
	}
	return nil
}
