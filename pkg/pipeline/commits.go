package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"commitly/internal/metrics"
	"commitly/pkg/domain"
	"commitly/pkg/gitrepo"
	"golang.org/x/sync/errgroup"
)

// CommitSource lists recent commits and their diffs.
type CommitSource interface {
	RecentCommits(ctx context.Context, repoURL, token string, limit int) ([]gitrepo.CommitInfo, error)
	CommitDiff(ctx context.Context, repoURL, token, sha string) (string, error)
}

// CommitStore persists commits.
type CommitStore interface {
	ListCommitHashes(projectID string) (map[string]struct{}, error)
	InsertCommits(commits []domain.Commit) (int, error)
}

// CommitPuller stores summaries of the newest commits not seen before.
type CommitPuller struct {
	source      CommitSource
	summarizer  *Summarizer
	store       CommitStore
	window      int
	token       string
	concurrency int
	log         *slog.Logger
}

type CommitPullerConfig struct {
	Source     CommitSource
	Summarizer *Summarizer
	Store      CommitStore
	// Window is how many of the newest commits are considered per pull.
	Window int
	// Token authenticates GitHub calls; empty uses anonymous limits.
	Token       string
	Concurrency int
	Logger      *slog.Logger
}

func NewCommitPuller(cfg CommitPullerConfig) (*CommitPuller, error) {
	if cfg.Source == nil || cfg.Summarizer == nil || cfg.Store == nil {
		return nil, fmt.Errorf("commit puller: source, summarizer and store are required")
	}
	window := cfg.Window
	if window <= 0 {
		window = 10
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CommitPuller{
		source:      cfg.Source,
		summarizer:  cfg.Summarizer,
		store:       cfg.Store,
		window:      window,
		token:       cfg.Token,
		concurrency: concurrency,
		log:         logger,
	}, nil
}

// PullCommits fetches the newest commits of the project's repository, drops
// the ones already stored, summarises each diff and bulk-inserts the rest.
// Returns how many rows were inserted.
func (p *CommitPuller) PullCommits(ctx context.Context, project domain.Project) (int, error) {
	if project.GithubURL == "" {
		return 0, fmt.Errorf("project %s has no github url", project.ID)
	}
	recent, err := p.source.RecentCommits(ctx, project.GithubURL, p.token, p.window)
	if err != nil {
		return 0, fmt.Errorf("list commits: %w", err)
	}
	seen, err := p.store.ListCommitHashes(project.ID)
	if err != nil {
		return 0, fmt.Errorf("list stored hashes: %w", err)
	}
	fresh := make([]gitrepo.CommitInfo, 0, len(recent))
	for _, c := range recent {
		if _, ok := seen[c.Hash]; ok {
			continue
		}
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	summaries := make([]string, len(fresh))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, c := range fresh {
		g.Go(func() error {
			diff, err := p.source.CommitDiff(gctx, project.GithubURL, p.token, c.Hash)
			if err != nil {
				p.log.Error("fetch diff failed", "project_id", project.ID, "commit", c.Hash, "err", err)
				metrics.CommitSummaryFailed()
				return nil
			}
			summaries[i] = p.summarizer.SummarizeDiff(gctx, c.Hash, diff)
			if summaries[i] == "" {
				metrics.CommitSummaryFailed()
			}
			return nil
		})
	}
	_ = g.Wait()

	rows := make([]domain.Commit, 0, len(fresh))
	for i, c := range fresh {
		rows = append(rows, domain.Commit{
			ProjectID:          project.ID,
			CommitHash:         c.Hash,
			CommitMessage:      c.Message,
			CommitAuthorName:   c.AuthorName,
			CommitAuthorAvatar: c.AuthorAvatar,
			CommitDate:         c.Date,
			Summary:            summaries[i],
		})
	}
	inserted, err := p.store.InsertCommits(rows)
	if err != nil {
		return 0, fmt.Errorf("insert commits: %w", err)
	}
	metrics.CommitsPulled(inserted)
	p.log.Info("commits pulled", "project_id", project.ID, "candidates", len(fresh), "inserted", inserted)
	return inserted, nil
}
