// internal/reconcile/interfaces.go
package reconcile

import (
	"context"

	"dh-github-snapshot/internal/model"
	"dh-github-snapshot/internal/snapshot"
)

// EntityFetcher fetches the full profile of one entity. It may block for a
// long time while it backs off from rate limits.
type EntityFetcher interface {
	FetchEntity(ctx context.Context, url string) (model.Record, error)
}

// PageFetcher fetches one page of relation rows.
type PageFetcher interface {
	FetchPage(ctx context.Context, url string) (model.Page, error)
}

// ArchiveLoader gives read access to the archived snapshots of a dataset.
type ArchiveLoader interface {
	ListArchives(name string) ([]snapshot.ArchiveRef, error)
	LoadArchive(ref snapshot.ArchiveRef) (*model.Table, error)
}

// Store is the persistence surface the reconcilers need.
type Store interface {
	ArchiveLoader
	LoadCurrent(name string) (*model.Table, error)
	SaveCurrent(name string, t *model.Table) error
	ArchiveCurrent(name string) (bool, error)
	LoadErrors(name string) ([]model.ErrorRecord, error)
	SaveErrors(name string, records []model.ErrorRecord) error
	LoadThresholds(name string) ([]model.ThresholdRecord, error)
	SaveThresholds(name string, records []model.ThresholdRecord) error
	SavePartial(name, sourceKey string, t *model.Table) error
	LoadPartial(name, sourceKey string) (*model.Table, bool, error)
	ClearPartials(name string) error
}
