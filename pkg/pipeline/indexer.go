package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"commitly/internal/metrics"
	"commitly/pkg/ai"
	"commitly/pkg/domain"
	"commitly/pkg/gitrepo"
	"golang.org/x/sync/errgroup"
)

// FileLoader fetches repository contents.
type FileLoader interface {
	LoadFiles(ctx context.Context, repoURL, token string) ([]gitrepo.File, error)
}

// SourceFileWriter persists indexed files.
type SourceFileWriter interface {
	SaveSourceFile(domain.SourceFile) error
}

// IndexReport summarises one ingestion run.
type IndexReport struct {
	Files    int `json:"files"`
	Indexed  int `json:"indexed"`
	Failed   int `json:"failed"`
	Duration time.Duration
}

// Indexer loads a repository, summarises and embeds each file, and stores it.
type Indexer struct {
	loader      FileLoader
	summarizer  *Summarizer
	embedder    ai.Embedder
	store       SourceFileWriter
	concurrency int
	log         *slog.Logger
}

type IndexerConfig struct {
	Loader      FileLoader
	Summarizer  *Summarizer
	Embedder    ai.Embedder
	Store       SourceFileWriter
	Concurrency int
	Logger      *slog.Logger
}

func NewIndexer(cfg IndexerConfig) (*Indexer, error) {
	if cfg.Loader == nil || cfg.Summarizer == nil || cfg.Embedder == nil || cfg.Store == nil {
		return nil, fmt.Errorf("indexer: loader, summarizer, embedder and store are required")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		loader:      cfg.Loader,
		summarizer:  cfg.Summarizer,
		embedder:    cfg.Embedder,
		store:       cfg.Store,
		concurrency: concurrency,
		log:         logger,
	}, nil
}

// IndexRepo ingests every loadable file of the repository into projectID.
// A failing file is logged and counted, never aborting its siblings; only a
// failure to load the repository itself is returned.
func (ix *Indexer) IndexRepo(ctx context.Context, projectID, repoURL, token string) (IndexReport, error) {
	start := time.Now()
	files, err := ix.loader.LoadFiles(ctx, repoURL, token)
	if err != nil {
		return IndexReport{}, fmt.Errorf("load repository: %w", err)
	}

	var indexed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.concurrency)
	for i, f := range files {
		g.Go(func() error {
			stage, err := ix.indexFile(gctx, projectID, f)
			if err != nil {
				failed.Add(1)
				metrics.FileFailed(stage)
				ix.log.Warn("index file failed",
					"project_id", projectID,
					"file", f.Path,
					"stage", stage,
					"position", i+1,
					"total", len(files),
					"err", err,
				)
				return nil
			}
			indexed.Add(1)
			metrics.FileIndexed()
			return nil
		})
	}
	_ = g.Wait()

	report := IndexReport{
		Files:    len(files),
		Indexed:  int(indexed.Load()),
		Failed:   int(failed.Load()),
		Duration: time.Since(start),
	}
	ix.log.Info("repository indexed",
		"project_id", projectID,
		"files", report.Files,
		"indexed", report.Indexed,
		"failed", report.Failed,
		"duration_ms", report.Duration.Milliseconds(),
	)
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (ix *Indexer) indexFile(ctx context.Context, projectID string, f gitrepo.File) (string, error) {
	summary, err := ix.summarizer.SummarizeFile(ctx, f.Path, f.Content)
	if err != nil {
		return "summarize", err
	}
	if summary == "" {
		return "summarize", fmt.Errorf("empty summary")
	}
	embedding, err := ix.embedder.EmbedText(ctx, summary, ai.TaskRetrievalDocument)
	if err != nil {
		return "embed", err
	}
	if err := ix.store.SaveSourceFile(domain.SourceFile{
		ProjectID:  projectID,
		FileName:   f.Path,
		SourceCode: f.Content,
		Summary:    summary,
		Embedding:  embedding,
	}); err != nil {
		return "store", err
	}
	return "", nil
}
