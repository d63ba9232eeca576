// internal/pipeline/catalogue.go
package pipeline

import (
	"dh-github-snapshot/internal/model"
	"dh-github-snapshot/internal/reconcile"
)

// Relation is one join table of the catalogue together with the entity
// table its sources come from.
type Relation struct {
	Source model.EntityKind
	Spec   reconcile.JoinSpec
	// Actor names the columns holding the account behind each row. Empty for
	// relations whose rows are not expanded into entity candidates.
	Actor  Actor
}

// Actor locates the login, URL and account type of a relation row.
type Actor struct {
	Login string
	URL   string
	Type  string
}

var (
	userActor   = Actor{Login: "login", URL: "url", Type: "type"}
	authorActor = Actor{Login: "user.login", URL: "user.url"}
	ownerActor  = Actor{Login: "owner.login", URL: "owner.url", Type: "owner.type"}
)

type relationDef struct {
	name       string
	source     model.EntityKind
	urlField   string
	countField string
	idField    string
	payload    []string
	query      map[string]string
	starred    bool
	actor      Actor
}

var relationDefs = []relationDef{
	{name: "repo_stargazers", source: model.KindRepo, urlField: "stargazers_url", countField: "stargazers_count", idField: "login", payload: model.UserPayload, actor: userActor},
	{name: "repo_forks", source: model.KindRepo, urlField: "forks_url", countField: "forks_count", idField: "id", payload: model.RepoPayload, actor: ownerActor},
	{name: "repo_contributors", source: model.KindRepo, urlField: "contributors_url", idField: "login", payload: model.ContributorPayload, actor: userActor},
	{name: "repo_subscribers", source: model.KindRepo, urlField: "subscribers_url", countField: "subscribers_count", idField: "login", payload: model.UserPayload, actor: userActor},
	{name: "repo_pulls", source: model.KindRepo, urlField: "pulls_url", idField: "id", payload: model.PullPayload, query: map[string]string{"state": "all"}, actor: authorActor},
	{name: "repo_issues", source: model.KindRepo, urlField: "issues_url", idField: "id", payload: model.IssuePayload, query: map[string]string{"state": "all"}, actor: authorActor},
	{name: "repo_issue_comments", source: model.KindRepo, urlField: "issue_comment_url", idField: "id", payload: model.CommentPayload, actor: authorActor},
	{name: "user_followers", source: model.KindUser, urlField: "followers_url", countField: "followers", idField: "login", payload: model.UserPayload},
	{name: "user_following", source: model.KindUser, urlField: "following_url", countField: "following", idField: "login", payload: model.UserPayload},
	{name: "user_starred", source: model.KindUser, urlField: "starred_url", idField: "id", payload: model.RepoPayload, starred: true},
	{name: "user_orgs", source: model.KindUser, urlField: "organizations_url", idField: "login", payload: model.OrgPayload},
	{name: "org_members", source: model.KindOrg, urlField: "members_url", idField: "login", payload: model.UserPayload, actor: userActor},
}

// RelationNames lists every relation of the catalogue in run order.
func RelationNames() []string {
	names := make([]string, len(relationDefs))
	for i, d := range relationDefs {
		names[i] = d.name
	}
	return names
}

// Catalogue builds the join specs. joinThreshold caps every relation with a
// known count, starredThreshold caps user_starred.
func Catalogue(joinThreshold, starredThreshold int) []Relation {
	out := make([]Relation, 0, len(relationDefs))
	for _, d := range relationDefs {
		out = append(out, Relation{Source: d.source, Spec: d.spec(joinThreshold, starredThreshold), Actor: d.actor})
	}
	return out
}

func (d relationDef) spec(joinThreshold, starredThreshold int) reconcile.JoinSpec {
	prefix := string(d.source) + "_"
	sourceKey, joinKey := "login", prefix+"login"
	if d.source == model.KindRepo {
		sourceKey, joinKey = "full_name", prefix+"full_name"
	}
	joinURL := prefix + d.urlField

	threshold := joinThreshold
	if d.starred {
		threshold = starredThreshold
	}

	return reconcile.JoinSpec{
		Relation:       d.name,
		Schema:         model.JoinSchema(d.name, joinKey, joinURL, d.payload, []string{joinKey, d.idField}),
		SourceKeyField: sourceKey,
		SourceURLField: d.urlField,
		CountField:     d.countField,
		JoinSourceKey:  joinKey,
		JoinSourceURL:  joinURL,
		IDField:        d.idField,
		Threshold:      threshold,
		Query:          d.query,
	}
}
