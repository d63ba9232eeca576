// internal/pipeline/pipeline.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	custom_errors "dh-github-snapshot/internal/errors"
	"dh-github-snapshot/internal/model"
	"dh-github-snapshot/internal/reconcile"
	"dh-github-snapshot/internal/snapshot"
)

const searchDataset = "search_results"

// Fetcher is everything the pipeline asks of GitHub.
type Fetcher interface {
	reconcile.EntityFetcher
	reconcile.PageFetcher
	SearchRepositories(ctx context.Context, query string) ([]model.Record, error)
}

// Publisher mirrors a reconciled table somewhere else, e.g. the warehouse.
type Publisher interface {
	Publish(ctx context.Context, schema model.Schema, t *model.Table) (int64, error)
}

// Options are the run policies, usually taken from config.
type Options struct {
	Queries            []string
	Topics             []string
	Relations          []string
	Excluded           []string
	CoolDown           time.Duration
	JoinThreshold      int
	StarredThreshold   int
	MaxArchives        int
	LoadExistingFiles  bool
	OverwriteTempFiles bool
	RetryErrors        bool
	Interval           time.Duration
}

// Summary reports the row count of every dataset touched by a run.
type Summary struct {
	RunID string
	Rows  map[string]int
}

// Pipeline orchestrates one collection run: search, entities, then relations.
type Pipeline struct {
	store     *snapshot.Store
	fetcher   Fetcher
	publisher Publisher
	logger    *slog.Logger
	opts      Options
	relations []Relation
}

// New creates a Pipeline and registers its datasets with the store.
// publisher may be nil.
func New(store *snapshot.Store, fetcher Fetcher, publisher Publisher, logger *slog.Logger, opts Options) (*Pipeline, error) {
	relations, err := selectRelations(Catalogue(opts.JoinThreshold, opts.StarredThreshold), opts.Relations)
	if err != nil {
		return nil, err
	}

	store.Register(searchDataset)
	for _, kind := range []model.EntityKind{model.KindRepo, model.KindUser, model.KindOrg} {
		store.Register(model.EntitySchema(kind).Name)
	}
	for _, rel := range relations {
		store.Register(rel.Spec.Relation)
	}

	return &Pipeline{
		store:     store,
		fetcher:   fetcher,
		publisher: publisher,
		logger:    logger,
		opts:      opts,
		relations: relations,
	}, nil
}

// Start runs the pipeline once and then on every tick of the interval until
// the context is cancelled. Without an interval it returns after one run.
// ErrUnauthorized stops the loop since no later run can succeed.
func (p *Pipeline) Start(ctx context.Context) error {
	p.logger.Info("Starting pipeline", "interval", p.opts.Interval.String(), "relations", len(p.relations))

	if _, err := p.Run(ctx); err != nil {
		if p.opts.Interval <= 0 || fatal(err) {
			return err
		}
		p.logger.Error("Run failed", "error", err)
	}
	if p.opts.Interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := p.Run(ctx); err != nil {
				if fatal(err) {
					return err
				}
				p.logger.Error("Run failed", "error", err)
			}
		case <-ctx.Done():
			p.logger.Info("Pipeline shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

func fatal(err error) bool {
	return errors.Is(err, custom_errors.ErrUnauthorized) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Run performs one full pass. Repo relations and org members are reconciled
// before orgs and users so that the accounts they name join the candidate sets.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	runID := uuid.NewString()
	logger := p.logger.With("run_id", runID)
	logger.Info("Starting new run")
	summary := &Summary{RunID: runID, Rows: make(map[string]int)}

	seeds, err := p.seed(ctx, logger)
	if err != nil {
		return nil, err
	}
	summary.Rows[searchDataset] = seeds.Len()
	if err := p.publish(ctx, logger, model.SearchResultSchema(), seeds); err != nil {
		return nil, err
	}

	entityOpts := reconcile.EntityOptions{
		CoolDown:    p.opts.CoolDown,
		Excluded:    p.opts.Excluded,
		RetryErrors: p.opts.RetryErrors,
		MaxArchives: p.opts.MaxArchives,
	}
	entities := reconcile.NewEntityReconciler(p.store, p.fetcher, logger, entityOpts)
	joins := reconcile.NewJoinReconciler(p.store, p.fetcher, logger, reconcile.JoinOptions{
		RetryErrors:        p.opts.RetryErrors,
		OverwriteTempFiles: p.opts.OverwriteTempFiles,
		MaxArchives:        p.opts.MaxArchives,
		RunID:              runID,
	})

	tables := make(map[model.EntityKind]*model.Table)
	reconcileEntities := func(kind model.EntityKind, candidates []reconcile.Candidate) error {
		spec := reconcile.EntitySpec{Kind: kind, Dataset: model.EntitySchema(kind).Name, Schema: model.EntitySchema(kind)}
		res, err := entities.Reconcile(ctx, spec, candidates)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", spec.Dataset, err)
		}
		tables[kind] = res.Table
		summary.Rows[spec.Dataset] = res.Table.Len()
		return p.publish(ctx, logger, spec.Schema, res.Table)
	}
	// reconcileJoins returns the user and org accounts found in the relation rows.
	reconcileJoins := func(source model.EntityKind) (users, orgs []reconcile.Candidate, err error) {
		for _, rel := range p.relations {
			if rel.Source != source {
				continue
			}
			res, err := joins.Reconcile(ctx, rel.Spec, tables[source])
			if err != nil {
				return nil, nil, fmt.Errorf("reconcile %s: %w", rel.Spec.Relation, err)
			}
			summary.Rows[rel.Spec.Relation] = res.Table.Len()
			if err := p.publish(ctx, logger, rel.Spec.Schema, res.Table); err != nil {
				return nil, nil, err
			}
			u, o := InteractionCandidates(res.Table, rel.Actor)
			users, orgs = append(users, u...), append(orgs, o...)
		}
		return users, orgs, nil
	}

	if err := reconcileEntities(model.KindRepo, RepoCandidates(seeds)); err != nil {
		return nil, err
	}
	userCandidates, orgCandidates := OwnerCandidates(tables[model.KindRepo])
	interactingUsers, interactingOrgs, err := reconcileJoins(model.KindRepo)
	if err != nil {
		return nil, err
	}

	if err := reconcileEntities(model.KindOrg, append(orgCandidates, interactingOrgs...)); err != nil {
		return nil, err
	}
	members, _, err := reconcileJoins(model.KindOrg)
	if err != nil {
		return nil, err
	}

	userCandidates = append(userCandidates, members...)
	userCandidates = append(userCandidates, interactingUsers...)
	if err := reconcileEntities(model.KindUser, userCandidates); err != nil {
		return nil, err
	}
	if _, _, err := reconcileJoins(model.KindUser); err != nil {
		return nil, err
	}

	logger.Info("Run finished", "datasets", len(summary.Rows))
	return summary, nil
}

// seed returns the search seed table. Persisted results are reused when
// LoadExistingFiles is set and any exist.
func (p *Pipeline) seed(ctx context.Context, logger *slog.Logger) (*model.Table, error) {
	schema := model.SearchResultSchema()
	stored, err := p.store.LoadCurrent(searchDataset)
	if err != nil {
		return nil, err
	}
	stored = schema.ConformTable(stored)
	if p.opts.LoadExistingFiles && stored.Len() > 0 {
		logger.Info("Reusing persisted search results", "rows", stored.Len())
		return stored, nil
	}

	queries := append([]string{}, p.opts.Queries...)
	for _, topic := range p.opts.Topics {
		queries = append(queries, "topic:"+topic)
	}

	stamp := model.FormatTime(time.Now())
	fresh := model.NewTable(schema.Columns)
	for _, q := range queries {
		records, err := p.fetcher.SearchRepositories(ctx, q)
		if err != nil {
			if fatal(err) {
				return nil, fmt.Errorf("search %q: %w", q, err)
			}
			logger.Error("Search failed", "query", q, "error", err)
			continue
		}
		logger.Info("Search finished", "query", q, "results", len(records))
		for _, rec := range records {
			row := schema.Conform(rec)
			row["search_query"] = q
			row["search_query_time"] = stamp
			fresh.Rows = append(fresh.Rows, row)
		}
	}

	combined := model.NewTable(schema.Columns)
	combined.Rows = append(append(combined.Rows, stored.Rows...), fresh.Rows...)
	combined = combined.Filter(func(r model.Record) bool { return r.HasIdentity(schema.KeyFields) }).DedupKeepLast(schema.KeyFields)

	if _, err := p.store.ArchiveCurrent(searchDataset); err != nil {
		return nil, err
	}
	if err := p.store.SaveCurrent(searchDataset, combined); err != nil {
		return nil, err
	}
	return combined, nil
}

func (p *Pipeline) publish(ctx context.Context, logger *slog.Logger, schema model.Schema, t *model.Table) error {
	if p.publisher == nil {
		return nil
	}
	n, err := p.publisher.Publish(ctx, schema, t)
	if err != nil {
		return fmt.Errorf("publish %s: %w", schema.Name, err)
	}
	logger.Debug("Published dataset", "dataset", schema.Name, "rows", n)
	return nil
}

// RepoCandidates turns search results into repo candidates keyed by id.
func RepoCandidates(seeds *model.Table) []reconcile.Candidate {
	out := make([]reconcile.Candidate, 0, seeds.Len())
	for _, row := range seeds.Rows {
		if row["id"] == "" || row["url"] == "" {
			continue
		}
		out = append(out, reconcile.Candidate{Key: row["id"], URL: row["url"]})
	}
	return out
}

// OwnerCandidates splits repo owners into user and org candidates by owner.type.
func OwnerCandidates(repos *model.Table) (users, orgs []reconcile.Candidate) {
	for _, row := range repos.Rows {
		login, ownerURL := row["owner.login"], row["owner.url"]
		if login == "" || ownerURL == "" {
			continue
		}
		if row["owner.type"] == "Organization" {
			orgs = append(orgs, reconcile.Candidate{Key: login, URL: orgURL(ownerURL)})
			continue
		}
		users = append(users, reconcile.Candidate{Key: login, URL: ownerURL})
	}
	return users, orgs
}

// InteractionCandidates turns the accounts named by relation rows into user
// and org candidates. Rows of type Organization become org candidates.
func InteractionCandidates(rows *model.Table, actor Actor) (users, orgs []reconcile.Candidate) {
	if actor.Login == "" || rows == nil {
		return nil, nil
	}
	for _, row := range rows.Rows {
		login, accountURL := row[actor.Login], row[actor.URL]
		if login == "" || accountURL == "" {
			continue
		}
		if actor.Type != "" && row[actor.Type] == "Organization" {
			orgs = append(orgs, reconcile.Candidate{Key: login, URL: orgURL(accountURL)})
			continue
		}
		users = append(users, reconcile.Candidate{Key: login, URL: accountURL})
	}
	return users, orgs
}

// orgURL points an owner URL (.../users/<login>) at the organization endpoint.
func orgURL(ownerURL string) string {
	return strings.Replace(ownerURL, "/users/", "/orgs/", 1)
}

func selectRelations(all []Relation, names []string) ([]Relation, error) {
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]Relation, len(all))
	for _, rel := range all {
		byName[rel.Spec.Relation] = rel
	}
	wanted := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := byName[name]; !ok {
			return nil, &custom_errors.ErrUnknownRelation{Name: name}
		}
		wanted[name] = struct{}{}
	}
	// Keep catalogue order regardless of the configured order.
	out := make([]Relation, 0, len(wanted))
	for _, rel := range all {
		if _, ok := wanted[rel.Spec.Relation]; ok {
			out = append(out, rel)
		}
	}
	return out, nil
}
