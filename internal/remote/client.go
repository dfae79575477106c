// Package remote issues authenticated, read-only requests against the GitHub
// REST API on behalf of the materialization cache.
//
// The client wraps github.com/google/go-github/v67. Every request carries
// the configured User-Agent and the bearer token. Non-2xx responses are
// returned as platform errors (see package errs) rather than as values.
package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v67/github"
	"github.com/jmgilman/go/errors"

	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/errs"
	"github.com/AndrewShidel/Virtual-Git-FileSystem/internal/logging"
)

const rawMediaType = "application/vnd.github.raw"

// Client talks to the GitHub API.
type Client struct {
	gh      *github.Client
	perPage int
	log     *logging.Logger
}

// config holds configuration for Client.
type config struct {
	baseURL    string
	userAgent  string
	timeout    time.Duration
	perPage    int
	httpClient *http.Client
	log        *logging.Logger
}

// Option configures the client.
type Option func(*config) error

// WithBaseURL points the client at a different API root, e.g. a test server.
func WithBaseURL(raw string) Option {
	return func(cfg *config) error {
		if raw == "" {
			return errs.Invalid("base_url", "must not be empty")
		}
		cfg.baseURL = raw
		return nil
	}
}

// WithUserAgent sets the client identifier sent on every request.
func WithUserAgent(ua string) Option {
	return func(cfg *config) error {
		if ua == "" {
			return errs.Invalid("user_agent", "must not be empty")
		}
		cfg.userAgent = ua
		return nil
	}
}

// WithTimeout bounds every HTTP request.
func WithTimeout(d time.Duration) Option {
	return func(cfg *config) error {
		cfg.timeout = d
		return nil
	}
}

// WithPerPage sets the page size used for paginated listings.
func WithPerPage(n int) Option {
	return func(cfg *config) error {
		if n <= 0 || n > 100 {
			return errs.Invalid("per_page", "must be between 1 and 100")
		}
		cfg.perPage = n
		return nil
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(cfg *config) error {
		if hc == nil {
			return errs.Invalid("http_client", "must not be nil")
		}
		cfg.httpClient = hc
		return nil
	}
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *logging.Logger) Option {
	return func(cfg *config) error {
		cfg.log = l
		return nil
	}
}

// New creates a client authenticated with token.
func New(token string, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, errs.Invalid("token", "must not be empty")
	}

	cfg := &config{
		userAgent: "gitfs",
		timeout:   30 * time.Second,
		perPage:   100,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{Timeout: cfg.timeout}
	}
	if cfg.log == nil {
		cfg.log = logging.Discard()
	}

	gh := github.NewClient(cfg.httpClient).WithAuthToken(token)
	gh.UserAgent = cfg.userAgent

	if cfg.baseURL != "" {
		raw := cfg.baseURL
		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}
		base, err := url.Parse(raw)
		if err != nil {
			return nil, errs.Invalid("base_url", err.Error())
		}
		gh.BaseURL = base
	}

	return &Client{
		gh:      gh,
		perPage: cfg.perPage,
		log:     cfg.log.WithPrefix("remote"),
	}, nil
}

// ListRepositories lists every repository of owner, following pagination.
func (c *Client) ListRepositories(ctx context.Context, owner string) ([]Repository, error) {
	endpoint := fmt.Sprintf("users/%s/repos", owner)
	opts := &github.RepositoryListByUserOptions{
		ListOptions: github.ListOptions{PerPage: c.perPage},
	}

	var result []Repository
	for {
		c.log.Debug("GET %s page=%d", endpoint, opts.Page)
		repos, resp, err := c.gh.Repositories.ListByUser(ctx, owner, opts)
		if err != nil {
			return nil, c.classify(err, resp, endpoint)
		}
		for _, repo := range repos {
			if repo.GetName() == "" {
				return nil, errors.WithContext(errs.Invalid("repository", "missing name"), "endpoint", endpoint)
			}
			result = append(result, Repository{
				Owner:    owner,
				Name:     repo.GetName(),
				CloneURL: repo.GetCloneURL(),
			})
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return result, nil
}

// LatestCommitBefore returns the newest commit of the default branch
// committed at or before asOf. The API lists commits newest first.
func (c *Client) LatestCommitBefore(ctx context.Context, owner, repo string, asOf time.Time) (Commit, error) {
	endpoint := fmt.Sprintf("repos/%s/%s/commits", owner, repo)
	opts := &github.CommitsListOptions{
		Until:       asOf,
		ListOptions: github.ListOptions{PerPage: 1},
	}

	c.log.Debug("GET %s until=%s", endpoint, asOf.Format(time.RFC3339))
	commits, resp, err := c.gh.Repositories.ListCommits(ctx, owner, repo, opts)
	if err != nil {
		// An empty repository answers 409 Conflict.
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return Commit{}, errors.WithContext(errs.NotFound("commit", owner+"/"+repo), "endpoint", endpoint)
		}
		return Commit{}, c.classify(err, resp, endpoint)
	}
	if len(commits) == 0 {
		return Commit{}, errors.WithContext(errs.NotFound("commit", owner+"/"+repo), "endpoint", endpoint)
	}

	sha := commits[0].GetSHA()
	if sha == "" {
		return Commit{}, errors.WithContext(errs.Invalid("commit", "missing sha"), "endpoint", endpoint)
	}
	return Commit{
		SHA:  sha,
		Date: commits[0].GetCommit().GetCommitter().GetDate().Time,
	}, nil
}

// GetTree fetches a single level of the tree identified by sha. A commit
// sha is accepted and resolves to that commit's root tree.
func (c *Client) GetTree(ctx context.Context, owner, repo, sha string) (*Tree, error) {
	endpoint := fmt.Sprintf("repos/%s/%s/git/trees/%s", owner, repo, sha)

	c.log.Debug("GET %s", endpoint)
	tree, resp, err := c.gh.Git.GetTree(ctx, owner, repo, sha, false)
	if err != nil {
		return nil, c.classify(err, resp, endpoint)
	}
	if tree == nil || tree.GetSHA() == "" {
		return nil, errors.WithContext(errs.Invalid("tree", "missing sha"), "endpoint", endpoint)
	}

	result := &Tree{
		SHA:     tree.GetSHA(),
		Entries: make([]TreeEntry, 0, len(tree.Entries)),
	}
	for _, entry := range tree.Entries {
		if entry.GetPath() == "" || entry.GetSHA() == "" {
			return nil, errors.WithContext(errs.Invalid("tree entry", "missing path or sha"), "endpoint", endpoint)
		}
		result.Entries = append(result.Entries, TreeEntry{
			Path: entry.GetPath(),
			Mode: entry.GetMode(),
			Type: entry.GetType(),
			SHA:  entry.GetSHA(),
			Size: int64(entry.GetSize()),
		})
	}
	return result, nil
}

// DownloadBlob streams the raw content of the blob sha into w and returns
// the number of bytes written.
func (c *Client) DownloadBlob(ctx context.Context, owner, repo, sha string, w io.Writer) (int64, error) {
	endpoint := fmt.Sprintf("repos/%s/%s/git/blobs/%s", owner, repo, sha)

	req, err := c.gh.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, c.classify(err, nil, endpoint)
	}
	req.Header.Set("Accept", rawMediaType)

	counter := &countingWriter{w: w}
	c.log.Debug("GET %s (raw)", endpoint)
	resp, err := c.gh.Do(ctx, req, counter)
	if err != nil {
		return counter.n, c.classify(err, resp, endpoint)
	}
	return counter.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}
