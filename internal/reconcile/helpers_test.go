// internal/reconcile/helpers_test.go
package reconcile

import (
	"context"
	"encoding/csv"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dh-github-snapshot/internal/model"
	"dh-github-snapshot/internal/snapshot"
)

var testNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestStore(t *testing.T, datasets ...string) *snapshot.Store {
	t.Helper()
	store := snapshot.NewStore(t.TempDir(), testLogger())
	for _, name := range datasets {
		store.Register(name)
	}
	return store
}

// writeArchive places a dated archive file for dataset, as ArchiveCurrent would.
func writeArchive(t *testing.T, store *snapshot.Store, dataset string, date time.Time, header []string, rows ...[]string) {
	t.Helper()
	ds, err := store.Dataset(dataset)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(ds.ArchiveDir, 0o755))
	path := filepath.Join(ds.ArchiveDir, dataset+"_"+date.Format(snapshot.DateLayout)+".csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	w := csv.NewWriter(f)
	require.NoError(t, w.Write(header))
	require.NoError(t, w.WriteAll(rows))
}

// MockEntityFetcher is a mock of EntityFetcher.
type MockEntityFetcher struct {
	mock.Mock
}

func (m *MockEntityFetcher) FetchEntity(ctx context.Context, url string) (model.Record, error) {
	args := m.Called(ctx, url)
	rec, _ := args.Get(0).(model.Record)
	return rec, args.Error(1)
}

// MockPageFetcher is a mock of PageFetcher.
type MockPageFetcher struct {
	mock.Mock
}

func (m *MockPageFetcher) FetchPage(ctx context.Context, url string) (model.Page, error) {
	args := m.Called(ctx, url)
	return args.Get(0).(model.Page), args.Error(1)
}

func keysOf(t *model.Table, field string) []string {
	keys := make([]string, 0, t.Len())
	for _, r := range t.Rows {
		keys = append(keys, r[field])
	}
	return keys
}
