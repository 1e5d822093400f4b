package gitrepo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
	"golang.org/x/sync/errgroup"
)

var (
	ErrRateLimited  = errors.New("github rate limit exceeded")
	ErrRepoNotFound = errors.New("repository not found or not accessible")
)

const (
	defaultDirSampleLimit = 10
	defaultConcurrency    = 5
	defaultMaxFileBytes   = 1 << 20
)

// Lockfiles carry no signal for code questions and are skipped by the loader.
var ignoredFiles = map[string]struct{}{
	"package-lock.json": {},
	"yarn.lock":         {},
	"pnpm-lock.yaml":    {},
}

// File is one loaded repository file.
type File struct {
	Path    string
	Content string
}

// CommitInfo is commit metadata as reported by the hosting API.
type CommitInfo struct {
	Hash         string
	Message      string
	AuthorName   string
	AuthorAvatar string
	Date         time.Time
}

type Options struct {
	// BaseURL overrides the API root (GitHub Enterprise, tests).
	BaseURL        string
	HTTPClient     *http.Client
	DirSampleLimit int
	Concurrency    int
	MaxFileBytes   int
	Logger         *slog.Logger
}

// Client reads repositories through the GitHub REST API.
type Client struct {
	opts Options
	log  *slog.Logger
}

// NewClient builds a client with defaults filled in.
func NewClient(opts Options) (*Client, error) {
	if opts.DirSampleLimit <= 0 {
		opts.DirSampleLimit = defaultDirSampleLimit
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = defaultMaxFileBytes
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.BaseURL != "" {
		if _, err := url.Parse(opts.BaseURL); err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{opts: opts, log: logger}, nil
}

// api returns a go-github client authenticated with token when one is given.
func (c *Client) api(token string) *github.Client {
	gh := github.NewClient(c.opts.HTTPClient)
	if t := strings.TrimSpace(token); t != "" {
		gh = gh.WithAuthToken(t)
	}
	if c.opts.BaseURL != "" {
		base := strings.TrimRight(c.opts.BaseURL, "/") + "/"
		if u, err := url.Parse(base); err == nil {
			gh.BaseURL = u
		}
	}
	return gh
}

// CountFiles estimates the number of files in the repository. At each level
// only the first DirSampleLimit subdirectories are walked; the remainder is
// extrapolated from the average of the sampled ones.
func (c *Client) CountFiles(ctx context.Context, repoURL, token string) (int, error) {
	repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return 0, err
	}
	return c.countPath(ctx, c.api(token), repo, "")
}

func (c *Client) countPath(ctx context.Context, gh *github.Client, repo Repo, dirPath string) (int, error) {
	file, dir, _, err := gh.Repositories.GetContents(ctx, repo.Owner, repo.Name, dirPath, nil)
	if err != nil {
		return 0, classify(err)
	}
	if file != nil {
		if file.GetType() == "file" {
			return 1, nil
		}
		return 0, nil
	}

	count := 0
	var dirs []string
	for _, item := range dir {
		if item.GetType() == "dir" {
			dirs = append(dirs, item.GetPath())
			continue
		}
		count++
	}
	if len(dirs) == 0 {
		return count, nil
	}

	sampled := dirs
	if len(sampled) > c.opts.DirSampleLimit {
		sampled = dirs[:c.opts.DirSampleLimit]
	}
	counts := make([]int, len(sampled))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, d := range sampled {
		g.Go(func() error {
			n, err := c.countPath(gctx, gh, repo, d)
			if err != nil {
				return err
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	for _, n := range counts {
		count += n
	}

	if skipped := len(dirs) - len(sampled); skipped > 0 {
		avg := float64(count) / float64(len(sampled))
		if avg == 0 {
			avg = 1
		}
		estimated := int(math.Round(float64(skipped) * avg))
		c.log.Debug("file count extrapolated",
			"repo", repo.String(),
			"path", dirPath,
			"sampled_dirs", len(sampled),
			"skipped_dirs", skipped,
			"estimated_files", estimated,
		)
		count += estimated
	}
	return count, nil
}

// LoadFiles fetches every text file on the default branch except lockfiles.
// Files that fail to download are logged and skipped.
func (c *Client) LoadFiles(ctx context.Context, repoURL, token string) ([]File, error) {
	repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return nil, err
	}
	gh := c.api(token)

	meta, _, err := gh.Repositories.Get(ctx, repo.Owner, repo.Name)
	if err != nil {
		return nil, classify(err)
	}
	branch := meta.GetDefaultBranch()
	if branch == "" {
		branch = "main"
	}
	tree, _, err := gh.Git.GetTree(ctx, repo.Owner, repo.Name, branch, true)
	if err != nil {
		return nil, classify(err)
	}
	if tree.GetTruncated() {
		c.log.Warn("repository tree truncated", "repo", repo.String(), "entries", len(tree.Entries))
	}

	var entries []*github.TreeEntry
	for _, entry := range tree.Entries {
		if entry.GetType() != "blob" {
			continue
		}
		if _, skip := ignoredFiles[path.Base(entry.GetPath())]; skip {
			continue
		}
		if entry.GetSize() > c.opts.MaxFileBytes {
			c.log.Warn("skipping large file", "repo", repo.String(), "path", entry.GetPath(), "size", entry.GetSize())
			continue
		}
		entries = append(entries, entry)
	}

	files := make([]*File, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, entry := range entries {
		g.Go(func() error {
			raw, _, err := gh.Git.GetBlobRaw(gctx, repo.Owner, repo.Name, entry.GetSHA())
			if err != nil {
				if errors.Is(classify(err), ErrRateLimited) {
					return classify(err)
				}
				c.log.Warn("load file failed", "repo", repo.String(), "path", entry.GetPath(), "err", err)
				return nil
			}
			if bytes.IndexByte(raw, 0) >= 0 {
				c.log.Warn("skipping binary file", "repo", repo.String(), "path", entry.GetPath())
				return nil
			}
			files[i] = &File{Path: entry.GetPath(), Content: string(raw)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]File, 0, len(files))
	for _, f := range files {
		if f != nil {
			out = append(out, *f)
		}
	}
	return out, nil
}

// RecentCommits returns up to limit commits from the default branch, newest first.
func (c *Client) RecentCommits(ctx context.Context, repoURL, token string, limit int) ([]CommitInfo, error) {
	repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return nil, err
	}
	perPage := limit
	if perPage < 30 {
		perPage = 30
	}
	commits, _, err := c.api(token).Repositories.ListCommits(ctx, repo.Owner, repo.Name, &github.CommitsListOptions{
		ListOptions: github.ListOptions{PerPage: perPage},
	})
	if err != nil {
		return nil, classify(err)
	}
	out := make([]CommitInfo, 0, len(commits))
	for _, rc := range commits {
		info := CommitInfo{
			Hash:         rc.GetSHA(),
			Message:      rc.GetCommit().GetMessage(),
			AuthorName:   rc.GetCommit().GetAuthor().GetName(),
			AuthorAvatar: rc.GetAuthor().GetAvatarURL(),
			Date:         rc.GetCommit().GetAuthor().GetDate().Time,
		}
		out = append(out, info)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CommitDiff returns the unified diff of a single commit.
func (c *Client) CommitDiff(ctx context.Context, repoURL, token, sha string) (string, error) {
	repo, err := ParseRepoURL(repoURL)
	if err != nil {
		return "", err
	}
	diff, _, err := c.api(token).Repositories.GetCommitRaw(ctx, repo.Owner, repo.Name, sha, github.RawOptions{Type: github.Diff})
	if err != nil {
		return "", classify(err)
	}
	return diff, nil
}

func classify(err error) error {
	var rl *github.RateLimitError
	if errors.As(err, &rl) {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	var resp *github.ErrorResponse
	if errors.As(err, &resp) && resp.Response != nil {
		switch resp.Response.StatusCode {
		case http.StatusForbidden, http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrRepoNotFound, err)
		}
	}
	return err
}
