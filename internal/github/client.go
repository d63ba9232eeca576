// internal/github/client.go
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v62/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	custom_errors "dh-github-snapshot/internal/errors"
	"dh-github-snapshot/internal/model"
)

const (
	defaultMaxRetries = 3
	defaultBackoff    = 2 * time.Second
	perPage           = 100
	// The Search API never returns more than this many results per query.
	searchResultCap = 1000
	requestTimeout  = 30 * time.Second
)

// Options configures a Client. It replaces any process-wide token or header state.
type Options struct {
	Token             string
	BaseURL           string
	RequestsPerSecond float64
	MaxRetries        int
}

// Client is the fetch capability used by the reconcilers. It wraps go-github,
// paces requests and retries transient failures.
type Client struct {
	gh         *github.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	maxRetries int
	backoff    time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewClient creates and configures a new Client instance.
// A non-empty token is used to create an authenticated http.Client.
func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	var hc *http.Client
	if opts.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token})
		hc = oauth2.NewClient(context.Background(), ts)
	} else {
		hc = &http.Client{}
	}
	hc.Timeout = requestTimeout

	gh := github.NewClient(hc)
	if opts.BaseURL != "" {
		base := opts.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse GitHub base URL: %w", err)
		}
		gh.BaseURL = u
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	return &Client{
		gh:         gh,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
		maxRetries: maxRetries,
		backoff:    defaultBackoff,
		sleep:      sleepContext,
	}, nil
}

// FetchEntity fetches one API object, e.g. a user profile, and flattens it
// into a record. A 204 response yields a nil record and no error.
func (c *Client) FetchEntity(ctx context.Context, rawURL string) (model.Record, error) {
	var raw json.RawMessage
	resp, err := c.get(ctx, rawURL, &raw)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent || len(raw) == 0 {
		return nil, nil
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return nil, &custom_errors.FetchError{URL: rawURL, Status: resp.StatusCode, Err: err}
	}
	return rec, nil
}

// FetchPage fetches one page of a list endpoint. Next points at the following
// page and is empty on the last one.
func (c *Client) FetchPage(ctx context.Context, rawURL string) (model.Page, error) {
	pageURL, err := setQuery(rawURL, map[string]string{"per_page": strconv.Itoa(perPage)}, false)
	if err != nil {
		return model.Page{}, &custom_errors.FetchError{URL: rawURL, Err: err}
	}

	var raw json.RawMessage
	resp, err := c.get(ctx, pageURL, &raw)
	if err != nil {
		return model.Page{}, err
	}
	if resp.StatusCode == http.StatusNoContent || len(raw) == 0 {
		return model.Page{}, nil
	}

	records, err := decodeRecords(raw)
	if err != nil {
		return model.Page{}, &custom_errors.FetchError{URL: pageURL, Status: resp.StatusCode, Err: err}
	}

	page := model.Page{Records: records}
	switch {
	case resp.NextPage != 0:
		page.Next, err = setQuery(pageURL, map[string]string{"page": strconv.Itoa(resp.NextPage)}, true)
	case resp.After != "":
		page.Next, err = setQuery(pageURL, map[string]string{"after": resp.After}, true)
	}
	if err != nil {
		return model.Page{}, &custom_errors.FetchError{URL: pageURL, Err: err}
	}
	c.logger.Debug("Fetched page", "url", pageURL, "records", len(records), "next", page.Next)
	return page, nil
}

// SearchRepositories runs a repository search and returns every result up to
// the Search API cap.
func (c *Client) SearchRepositories(ctx context.Context, query string) ([]model.Record, error) {
	opts := &github.SearchOptions{
		Sort:        "stars",
		Order:       "desc",
		ListOptions: github.ListOptions{PerPage: perPage, Page: 1},
	}

	var records []model.Record
	for {
		c.logger.Debug("Fetching search page", "query", query, "page", opts.Page)

		var result *github.RepositoriesSearchResult
		resp, err := c.withRetry(ctx, "search/repositories?q="+query, func() (*github.Response, error) {
			var resp *github.Response
			var err error
			result, resp, err = c.gh.Search.Repositories(ctx, query, opts)
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		if result.GetIncompleteResults() {
			c.logger.Warn("Search returned incomplete results", "query", query, "page", opts.Page)
		}

		for _, repo := range result.Repositories {
			raw, err := json.Marshal(repo)
			if err != nil {
				return nil, fmt.Errorf("encode search result: %w", err)
			}
			rec, err := decodeRecord(raw)
			if err != nil {
				return nil, fmt.Errorf("decode search result: %w", err)
			}
			records = append(records, rec)
		}

		if resp.NextPage == 0 {
			break
		}
		if resp.NextPage*perPage > searchResultCap {
			c.logger.Warn("GitHub API only provides access to the first 1,000 search results", "query", query, "total", result.GetTotal())
			break
		}
		opts.Page = resp.NextPage
	}
	return records, nil
}

func (c *Client) get(ctx context.Context, rawURL string, v any) (*github.Response, error) {
	return c.withRetry(ctx, rawURL, func() (*github.Response, error) {
		req, err := c.gh.NewRequest(http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		return c.gh.Do(ctx, req, v)
	})
}

// withRetry paces and retries call. Rate limits wait for the reset time,
// server errors back off exponentially. 401 is returned as ErrUnauthorized.
func (c *Client) withRetry(ctx context.Context, target string, call func() (*github.Response, error)) (*github.Response, error) {
	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		resp, err := call()
		if err == nil {
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		wait, ferr := c.classify(target, attempt, err)
		var fe *custom_errors.FetchError
		if !errors.As(ferr, &fe) || !fe.Retriable || attempt >= c.maxRetries {
			return resp, ferr
		}

		c.logger.Warn("Retrying GitHub request", "url", target, "attempt", attempt, "status", fe.Status, "wait", wait.String(), "error", err)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// classify maps a go-github error to the fetch error taxonomy and the delay
// before the next attempt.
func (c *Client) classify(target string, attempt int, err error) (time.Duration, error) {
	backoff := c.backoff * time.Duration(1<<(attempt-1))

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		wait := time.Until(rateErr.Rate.Reset.Time)
		if wait <= 0 {
			wait = backoff
		}
		return wait, &custom_errors.FetchError{URL: target, Status: http.StatusForbidden, Retriable: true, Err: err}
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		wait := backoff
		if d := abuseErr.GetRetryAfter(); d > 0 {
			wait = d
		}
		return wait, &custom_errors.FetchError{URL: target, Status: http.StatusForbidden, Retriable: true, Err: err}
	}

	var acceptedErr *github.AcceptedError
	if errors.As(err, &acceptedErr) {
		return backoff, &custom_errors.FetchError{URL: target, Status: http.StatusAccepted, Retriable: true, Err: err}
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		status := respErr.Response.StatusCode
		if status == http.StatusUnauthorized {
			return 0, fmt.Errorf("fetch %s: %w", target, custom_errors.ErrUnauthorized)
		}
		return backoff, &custom_errors.FetchError{
			URL:       target,
			Status:    status,
			Retriable: status >= http.StatusInternalServerError || status == http.StatusTooManyRequests,
			Err:       err,
		}
	}

	// Transport failures and timeouts.
	return backoff, &custom_errors.FetchError{URL: target, Retriable: true, Err: err}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// setQuery sets params on rawURL. Existing values are kept unless overwrite is set.
func setQuery(rawURL string, params map[string]string, overwrite bool) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range params {
		if !overwrite && q.Get(k) != "" {
			continue
		}
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
