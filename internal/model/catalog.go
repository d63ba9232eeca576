// internal/model/catalog.go
package model

// EntityKind is the type of a top-level entity table.
type EntityKind string

const (
	KindRepo EntityKind = "repo"
	KindUser EntityKind = "user"
	KindOrg  EntityKind = "org"
)

var repoColumns = []string{
	"id", "name", "full_name", "private", "owner.login", "owner.id", "owner.type", "owner.url",
	"html_url", "description", "fork", "url", "created_at", "updated_at", "pushed_at", "homepage",
	"size", "stargazers_count", "watchers_count", "language", "has_issues", "has_wiki", "has_pages",
	"forks_count", "archived", "disabled", "open_issues_count", "license.name", "topics",
	"default_branch", "subscribers_count", "network_count",
	"forks_url", "stargazers_url", "contributors_url", "subscribers_url", "pulls_url",
	"issues_url", "issue_comment_url",
}

var userColumns = []string{
	"login", "id", "type", "site_admin", "name", "company", "blog", "location", "email", "hireable",
	"bio", "twitter_username", "public_repos", "public_gists", "followers", "following",
	"created_at", "updated_at", "html_url", "url", "followers_url", "following_url", "starred_url",
	"subscriptions_url", "organizations_url", "repos_url",
}

var orgColumns = []string{
	"login", "id", "url", "html_url", "name", "company", "blog", "location", "email", "description",
	"is_verified", "public_repos", "public_gists", "followers", "following", "created_at",
	"updated_at", "type", "members_url", "repos_url",
}

// Relation payloads, copied from the API item of each relation row.
var (
	UserPayload        = []string{"login", "id", "type", "site_admin", "url", "html_url"}
	ContributorPayload = append(append([]string{}, UserPayload...), "contributions")
	RepoPayload        = []string{
		"id", "full_name", "owner.login", "owner.type", "owner.url", "html_url", "url", "description",
		"language", "fork", "created_at", "updated_at", "stargazers_count", "forks_count",
	}
	OrgPayload  = []string{"login", "id", "url", "description"}
	PullPayload = []string{
		"id", "number", "title", "state", "user.login", "user.id", "user.url", "author_association",
		"created_at", "updated_at", "closed_at", "merged_at", "html_url", "url",
	}
	IssuePayload = []string{
		"id", "number", "title", "state", "user.login", "user.url", "author_association", "comments",
		"created_at", "updated_at", "closed_at", "html_url", "url", "pull_request.url",
	}
	CommentPayload = []string{
		"id", "user.login", "user.url", "author_association", "created_at", "updated_at", "html_url",
		"issue_url", "body",
	}
)

// EntitySchema returns the canonical schema of an entity table.
func EntitySchema(kind EntityKind) Schema {
	switch kind {
	case KindRepo:
		return Schema{
			Name:      "repos",
			Columns:   append(append([]string{}, repoColumns...), "repo_query_time"),
			KeyFields: []string{"id"},
			TimeField: "repo_query_time",
		}
	case KindUser:
		return Schema{
			Name:      "users",
			Columns:   append(append([]string{}, userColumns...), "user_query_time"),
			KeyFields: []string{"login"},
			TimeField: "user_query_time",
		}
	case KindOrg:
		return Schema{
			Name:      "orgs",
			Columns:   append(append([]string{}, orgColumns...), "org_query_time"),
			KeyFields: []string{"login"},
			TimeField: "org_query_time",
		}
	}
	return Schema{}
}

// SearchResultSchema is the layout of the persisted search seed.
func SearchResultSchema() Schema {
	cols := append(append([]string{}, repoColumns...), "search_query", "search_query_time")
	return Schema{
		Name:      "search_results",
		Columns:   cols,
		KeyFields: []string{"id"},
		TimeField: "search_query_time",
	}
}

// JoinSchema builds the schema of a relation table. The source columns come
// first, then the relation payload, then the query time.
func JoinSchema(name, sourceKey, sourceURL string, payload []string, filterFields []string) Schema {
	timeField := name + "_query_time"
	cols := make([]string, 0, len(payload)+3)
	cols = append(cols, sourceKey, sourceURL)
	cols = append(cols, payload...)
	cols = append(cols, timeField)
	return Schema{
		Name:      name,
		Columns:   cols,
		KeyFields: append([]string{}, filterFields...),
		TimeField: timeField,
	}
}
