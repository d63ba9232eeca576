// internal/pipeline/pipeline_test.go
package pipeline

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	custom_errors "dh-github-snapshot/internal/errors"
	"dh-github-snapshot/internal/model"
	"dh-github-snapshot/internal/snapshot"
)

// MockFetcher is a mock of the Fetcher interface.
type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) FetchEntity(ctx context.Context, url string) (model.Record, error) {
	args := m.Called(ctx, url)
	rec, _ := args.Get(0).(model.Record)
	return rec, args.Error(1)
}

func (m *MockFetcher) FetchPage(ctx context.Context, url string) (model.Page, error) {
	args := m.Called(ctx, url)
	return args.Get(0).(model.Page), args.Error(1)
}

func (m *MockFetcher) SearchRepositories(ctx context.Context, query string) ([]model.Record, error) {
	args := m.Called(ctx, query)
	recs, _ := args.Get(0).([]model.Record)
	return recs, args.Error(1)
}

// MockPublisher is a mock of the Publisher interface.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, schema model.Schema, t *model.Table) (int64, error) {
	args := m.Called(ctx, schema.Name, t.Len())
	return args.Get(0).(int64), args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

const api = "https://api.github.com"

func searchHits() []model.Record {
	return []model.Record{
		{"id": "1", "full_name": "alice/corpus", "url": api + "/repos/alice/corpus", "owner.login": "alice", "owner.type": "User", "owner.url": api + "/users/alice"},
		{"id": "2", "full_name": "dh-lab/tei", "url": api + "/repos/dh-lab/tei", "owner.login": "dh-lab", "owner.type": "Organization", "owner.url": api + "/users/dh-lab"},
	}
}

func expectEntities(f *MockFetcher) {
	f.On("FetchEntity", mock.Anything, api+"/repos/alice/corpus").Return(model.Record{
		"id": "1", "full_name": "alice/corpus", "owner.login": "alice", "owner.type": "User", "owner.url": api + "/users/alice",
		"stargazers_count": "1", "stargazers_url": api + "/repos/alice/corpus/stargazers",
	}, nil).Once()
	f.On("FetchEntity", mock.Anything, api+"/repos/dh-lab/tei").Return(model.Record{
		"id": "2", "full_name": "dh-lab/tei", "owner.login": "dh-lab", "owner.type": "Organization", "owner.url": api + "/users/dh-lab",
		"stargazers_count": "0", "stargazers_url": api + "/repos/dh-lab/tei/stargazers",
	}, nil).Once()
	f.On("FetchEntity", mock.Anything, api+"/orgs/dh-lab").Return(model.Record{"login": "dh-lab", "id": "20"}, nil).Once()
	f.On("FetchEntity", mock.Anything, api+"/users/alice").Return(model.Record{"login": "alice", "id": "10"}, nil).Once()
}

func TestPipeline_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("runs search, entities and relations in order", func(t *testing.T) {
		store := snapshot.NewStore(t.TempDir(), testLogger())
		fetcher := new(MockFetcher)
		fetcher.On("SearchRepositories", mock.Anything, "digital humanities").Return(searchHits(), nil).Once()
		fetcher.On("SearchRepositories", mock.Anything, "topic:digital-humanities").Return(searchHits()[:1], nil).Once()
		expectEntities(fetcher)
		fetcher.On("FetchPage", mock.Anything, api+"/repos/alice/corpus/stargazers").Return(model.Page{
			Records: []model.Record{{"login": "bob", "id": "30"}},
		}, nil).Once()

		publisher := new(MockPublisher)
		publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(int64(1), nil)

		p, err := New(store, fetcher, publisher, testLogger(), Options{
			Queries:       []string{"digital humanities"},
			Topics:        []string{"digital-humanities"},
			Relations:     []string{"repo_stargazers"},
			JoinThreshold: 1000,
		})
		require.NoError(t, err)

		summary, err := p.Run(ctx)

		require.NoError(t, err)
		assert.NotEmpty(t, summary.RunID)
		assert.Equal(t, map[string]int{
			"search_results":  2,
			"repos":           2,
			"orgs":            1,
			"users":           1,
			"repo_stargazers": 1,
		}, summary.Rows)
		fetcher.AssertExpectations(t)
		fetcher.AssertNotCalled(t, "FetchPage", mock.Anything, api+"/repos/dh-lab/tei/stargazers")
		publisher.AssertNumberOfCalls(t, "Publish", 5)

		stars, err := store.LoadCurrent("repo_stargazers")
		require.NoError(t, err)
		require.Equal(t, 1, stars.Len())
		assert.Equal(t, "alice/corpus", stars.Rows[0]["repo_full_name"])
		assert.Equal(t, "bob", stars.Rows[0]["login"])

		seeds, err := store.LoadCurrent("search_results")
		require.NoError(t, err)
		assert.Equal(t, "topic:digital-humanities", seeds.Rows[0]["search_query"], "the later query wins for a repeated hit")
	})

	t.Run("reuses persisted search results", func(t *testing.T) {
		store := snapshot.NewStore(t.TempDir(), testLogger())
		fetcher := new(MockFetcher)
		expectEntities(fetcher)

		p, err := New(store, fetcher, nil, testLogger(), Options{
			Queries:           []string{"digital humanities"},
			Relations:         []string{"repo_forks"},
			LoadExistingFiles: true,
		})
		require.NoError(t, err)
		seeds := model.NewTable(model.SearchResultSchema().Columns)
		seeds.Append(searchHits()...)
		require.NoError(t, store.SaveCurrent("search_results", seeds))

		summary, err := p.Run(ctx)

		require.NoError(t, err)
		assert.Equal(t, 2, summary.Rows["repos"])
		fetcher.AssertNotCalled(t, "SearchRepositories", mock.Anything, mock.Anything)
	})

	t.Run("keeps going after a failed search query", func(t *testing.T) {
		store := snapshot.NewStore(t.TempDir(), testLogger())
		fetcher := new(MockFetcher)
		fetcher.On("SearchRepositories", mock.Anything, "broken").Return(nil, &custom_errors.FetchError{Status: 422}).Once()
		fetcher.On("SearchRepositories", mock.Anything, "digital humanities").Return(searchHits()[:1], nil).Once()
		fetcher.On("FetchEntity", mock.Anything, api+"/repos/alice/corpus").Return(model.Record{"id": "1", "owner.login": "alice", "owner.url": api + "/users/alice"}, nil).Once()
		fetcher.On("FetchEntity", mock.Anything, api+"/users/alice").Return(model.Record{"login": "alice"}, nil).Once()

		p, err := New(store, fetcher, nil, testLogger(), Options{
			Queries:   []string{"broken", "digital humanities"},
			Relations: []string{"repo_forks"},
		})
		require.NoError(t, err)

		summary, err := p.Run(ctx)

		require.NoError(t, err)
		assert.Equal(t, 1, summary.Rows["search_results"])
		fetcher.AssertExpectations(t)
	})

	t.Run("expands relation accounts into users and orgs", func(t *testing.T) {
		store := snapshot.NewStore(t.TempDir(), testLogger())
		fetcher := new(MockFetcher)
		fetcher.On("SearchRepositories", mock.Anything, "digital humanities").Return(searchHits()[:1], nil).Once()
		fetcher.On("FetchEntity", mock.Anything, api+"/repos/alice/corpus").Return(model.Record{
			"id": "1", "full_name": "alice/corpus", "owner.login": "alice", "owner.type": "User", "owner.url": api + "/users/alice",
			"stargazers_count": "1", "stargazers_url": api + "/repos/alice/corpus/stargazers",
			"forks_count": "1", "forks_url": api + "/repos/alice/corpus/forks",
			"pulls_url": api + "/repos/alice/corpus/pulls{/number}",
		}, nil).Once()
		fetcher.On("FetchPage", mock.Anything, api+"/repos/alice/corpus/stargazers").Return(model.Page{
			Records: []model.Record{{"login": "bob", "id": "30", "type": "User", "url": api + "/users/bob"}},
		}, nil).Once()
		fetcher.On("FetchPage", mock.Anything, api+"/repos/alice/corpus/forks").Return(model.Page{
			Records: []model.Record{{"id": "7", "full_name": "hum-lab/corpus", "owner.login": "hum-lab", "owner.type": "Organization", "owner.url": api + "/users/hum-lab"}},
		}, nil).Once()
		fetcher.On("FetchPage", mock.Anything, api+"/repos/alice/corpus/pulls?state=all").Return(model.Page{
			Records: []model.Record{
				{"id": "900", "number": "1", "user.login": "carol", "user.url": api + "/users/carol"},
				{"id": "901", "number": "2", "user.login": "bob", "user.url": api + "/users/bob"},
			},
		}, nil).Once()
		fetcher.On("FetchEntity", mock.Anything, api+"/orgs/hum-lab").Return(model.Record{"login": "hum-lab", "id": "40"}, nil).Once()
		fetcher.On("FetchEntity", mock.Anything, api+"/users/alice").Return(model.Record{"login": "alice", "id": "10"}, nil).Once()
		fetcher.On("FetchEntity", mock.Anything, api+"/users/bob").Return(model.Record{"login": "bob", "id": "30"}, nil).Once()
		fetcher.On("FetchEntity", mock.Anything, api+"/users/carol").Return(model.Record{"login": "carol", "id": "31"}, nil).Once()

		p, err := New(store, fetcher, nil, testLogger(), Options{
			Queries:       []string{"digital humanities"},
			Relations:     []string{"repo_stargazers", "repo_forks", "repo_pulls"},
			JoinThreshold: 1000,
		})
		require.NoError(t, err)

		summary, err := p.Run(ctx)

		require.NoError(t, err)
		assert.Equal(t, 3, summary.Rows["users"])
		assert.Equal(t, 1, summary.Rows["orgs"])
		fetcher.AssertExpectations(t)

		users, err := store.LoadCurrent("users")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, loginsOf(users))

		// Nothing is missing on the next run, so no entity is fetched again.
		fetcher.On("FetchPage", mock.Anything, mock.Anything).Maybe().Return(model.Page{}, nil)
		fetcher.On("SearchRepositories", mock.Anything, "digital humanities").Return(searchHits()[:1], nil).Once()
		summary, err = p.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, summary.Rows["users"])
		fetcher.AssertNumberOfCalls(t, "FetchEntity", 5)
	})

	t.Run("aborts on unauthorized", func(t *testing.T) {
		store := snapshot.NewStore(t.TempDir(), testLogger())
		fetcher := new(MockFetcher)
		fetcher.On("SearchRepositories", mock.Anything, "digital humanities").Return(nil, custom_errors.ErrUnauthorized)

		p, err := New(store, fetcher, nil, testLogger(), Options{Queries: []string{"digital humanities"}})
		require.NoError(t, err)

		_, err = p.Run(ctx)
		assert.ErrorIs(t, err, custom_errors.ErrUnauthorized)

		err = p.Start(ctx)
		assert.ErrorIs(t, err, custom_errors.ErrUnauthorized)
	})
}

func TestNew_UnknownRelation(t *testing.T) {
	store := snapshot.NewStore(t.TempDir(), testLogger())

	_, err := New(store, new(MockFetcher), nil, testLogger(), Options{Relations: []string{"repo_stargazers", "repo_watchers"}})

	var unknown *custom_errors.ErrUnknownRelation
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "repo_watchers", unknown.Name)
}

func TestCatalogue(t *testing.T) {
	relations := Catalogue(1000, 2500)
	require.Len(t, relations, len(RelationNames()))

	byName := make(map[string]Relation)
	for _, rel := range relations {
		require.NoError(t, rel.Spec.Schema.Validate(), rel.Spec.Relation)
		byName[rel.Spec.Relation] = rel
	}

	stars := byName["repo_stargazers"]
	assert.Equal(t, model.KindRepo, stars.Source)
	assert.Equal(t, "full_name", stars.Spec.SourceKeyField)
	assert.Equal(t, []string{"repo_full_name", "login"}, stars.Spec.Schema.KeyFields)
	assert.Equal(t, "repo_stargazers_url", stars.Spec.JoinSourceURL)
	assert.Equal(t, "repo_stargazers_query_time", stars.Spec.Schema.TimeField)
	assert.Equal(t, 1000, stars.Spec.Threshold)

	assert.Equal(t, 2500, byName["user_starred"].Spec.Threshold)
	assert.Equal(t, []string{"user_login", "id"}, byName["user_starred"].Spec.Schema.KeyFields)
	assert.Equal(t, map[string]string{"state": "all"}, byName["repo_pulls"].Spec.Query)
	assert.Equal(t, "", byName["repo_contributors"].Spec.CountField)
	assert.Equal(t, []string{"org_login", "login"}, byName["org_members"].Spec.Schema.KeyFields)
}

func loginsOf(t *model.Table) []string {
	out := make([]string, 0, t.Len())
	for _, row := range t.Rows {
		out = append(out, row["login"])
	}
	return out
}

func TestInteractionCandidates(t *testing.T) {
	byName := make(map[string]Relation)
	for _, rel := range Catalogue(1000, 2500) {
		byName[rel.Spec.Relation] = rel
	}

	comments := model.NewTable([]string{"id", "user.login", "user.url"})
	comments.Append(
		model.Record{"id": "1", "user.login": "carol", "user.url": api + "/users/carol"},
		model.Record{"id": "2", "user.login": "ghost", "user.url": ""},
	)
	users, orgs := InteractionCandidates(comments, byName["repo_issue_comments"].Actor)
	require.Len(t, users, 1)
	assert.Equal(t, "carol", users[0].Key)
	assert.Empty(t, orgs)

	forks := model.NewTable([]string{"id", "owner.login", "owner.type", "owner.url"})
	forks.Append(model.Record{"id": "7", "owner.login": "hum-lab", "owner.type": "Organization", "owner.url": api + "/users/hum-lab"})
	users, orgs = InteractionCandidates(forks, byName["repo_forks"].Actor)
	assert.Empty(t, users)
	require.Len(t, orgs, 1)
	assert.Equal(t, api+"/orgs/hum-lab", orgs[0].URL)

	users, orgs = InteractionCandidates(forks, byName["user_starred"].Actor)
	assert.Nil(t, users)
	assert.Nil(t, orgs)
}

func TestOwnerCandidates(t *testing.T) {
	repos := model.NewTable([]string{"owner.login", "owner.type", "owner.url"})
	repos.Append(
		model.Record{"owner.login": "alice", "owner.type": "User", "owner.url": api + "/users/alice"},
		model.Record{"owner.login": "dh-lab", "owner.type": "Organization", "owner.url": api + "/users/dh-lab"},
		model.Record{"owner.login": "", "owner.type": "User", "owner.url": ""},
	)

	users, orgs := OwnerCandidates(repos)

	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Key)
	require.Len(t, orgs, 1)
	assert.Equal(t, api+"/orgs/dh-lab", orgs[0].URL)
}
