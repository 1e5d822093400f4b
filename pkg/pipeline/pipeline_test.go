package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"commitly/pkg/domain"
	"commitly/pkg/gitrepo"
	"commitly/pkg/store"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type fakeGenerator struct {
	mu      sync.Mutex
	prompts []string
	fail    func(prompt string) bool
}

func (g *fakeGenerator) GenerateText(_ context.Context, _, prompt string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	if g.fail != nil && g.fail(prompt) {
		return "", errors.New("model overloaded")
	}
	return "summary of prompt", nil
}

type fakeEmbedder struct{ fail bool }

func (e fakeEmbedder) EmbedText(_ context.Context, _ string, _ string) ([]float32, error) {
	if e.fail {
		return nil, errors.New("embed down")
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeFiles struct {
	files []gitrepo.File
	err   error
}

func (f fakeFiles) LoadFiles(context.Context, string, string) ([]gitrepo.File, error) {
	return f.files, f.err
}

type memorySourceFiles struct {
	mu    sync.Mutex
	saved []domain.SourceFile
}

func (m *memorySourceFiles) SaveSourceFile(f domain.SourceFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, f)
	return nil
}

func TestIndexRepoIsolatesFileFailures(t *testing.T) {
	gen := &fakeGenerator{fail: func(p string) bool { return strings.Contains(p, "broken.go") }}
	sink := &memorySourceFiles{}
	ix, err := NewIndexer(IndexerConfig{
		Loader: fakeFiles{files: []gitrepo.File{
			{Path: "main.go", Content: "package main"},
			{Path: "broken.go", Content: "package broken"},
			{Path: "util.go", Content: "package util"},
		}},
		Summarizer:  NewSummarizer(gen, nil),
		Embedder:    fakeEmbedder{},
		Store:       sink,
		Concurrency: 2,
	})
	require.NoError(t, err)

	report, err := ix.IndexRepo(context.Background(), "p1", "https://github.com/acme/widgets", "")
	require.NoError(t, err)
	require.Equal(t, 3, report.Files)
	require.Equal(t, 2, report.Indexed)
	require.Equal(t, 1, report.Failed)
	require.Len(t, sink.saved, 2)
	for _, f := range sink.saved {
		require.Equal(t, "p1", f.ProjectID)
		require.Len(t, f.Embedding, 3, "vector is written with the row")
		require.NotEqual(t, "broken.go", f.FileName)
	}
}

func TestIndexRepoEmbedFailureSkipsAll(t *testing.T) {
	sink := &memorySourceFiles{}
	ix, err := NewIndexer(IndexerConfig{
		Loader:     fakeFiles{files: []gitrepo.File{{Path: "a.go", Content: "x"}}},
		Summarizer: NewSummarizer(&fakeGenerator{}, nil),
		Embedder:   fakeEmbedder{fail: true},
		Store:      sink,
	})
	require.NoError(t, err)

	report, err := ix.IndexRepo(context.Background(), "p1", "u", "")
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.Empty(t, sink.saved)
}

func TestIndexRepoLoadFailureIsReturned(t *testing.T) {
	ix, err := NewIndexer(IndexerConfig{
		Loader:     fakeFiles{err: gitrepo.ErrRepoNotFound},
		Summarizer: NewSummarizer(&fakeGenerator{}, nil),
		Embedder:   fakeEmbedder{},
		Store:      &memorySourceFiles{},
	})
	require.NoError(t, err)
	_, err = ix.IndexRepo(context.Background(), "p1", "u", "")
	require.ErrorIs(t, err, gitrepo.ErrRepoNotFound)
}

func TestIndexRepoTwiceKeepsOneRowPerFile(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, store.AutoMigrate(db))
	files := store.NewGormStoreWithDB(db, 3)

	ix, err := NewIndexer(IndexerConfig{
		Loader: fakeFiles{files: []gitrepo.File{
			{Path: "main.go", Content: "package main"},
			{Path: "util.go", Content: "package util"},
		}},
		Summarizer:  NewSummarizer(&fakeGenerator{}, nil),
		Embedder:    fakeEmbedder{},
		Store:       files,
		Concurrency: 2,
	})
	require.NoError(t, err)

	for run := 0; run < 2; run++ {
		report, err := ix.IndexRepo(context.Background(), "p1", "https://github.com/acme/widgets", "")
		require.NoError(t, err)
		require.Equal(t, 2, report.Indexed)
	}

	var rows int64
	require.NoError(t, db.Model(&store.SourceFileModel{}).Where("project_id = ?", "p1").Count(&rows).Error)
	require.EqualValues(t, 2, rows)
}

func TestCodeSummaryPromptTruncatesInput(t *testing.T) {
	code := strings.Repeat("a", maxSummaryInput+500)
	prompt := codeSummaryPrompt("big.go", code)
	require.Contains(t, prompt, "Explain the purpose of the file big.go in no more than 100 words.")
	require.Contains(t, prompt, "---\n"+strings.Repeat("a", maxSummaryInput)+"\n---")
	require.NotContains(t, prompt, strings.Repeat("a", maxSummaryInput+1))
	require.Equal(t, "h", truncateUTF8("héllo", 2))
	require.Equal(t, "hé", truncateUTF8("héllo", 3))
}

type fakeCommits struct {
	commits []gitrepo.CommitInfo
	diffs   map[string]string
}

func (f fakeCommits) RecentCommits(_ context.Context, _, _ string, limit int) ([]gitrepo.CommitInfo, error) {
	if len(f.commits) > limit {
		return f.commits[:limit], nil
	}
	return f.commits, nil
}

func (f fakeCommits) CommitDiff(_ context.Context, _, _, sha string) (string, error) {
	d, ok := f.diffs[sha]
	if !ok {
		return "", errors.New("diff unavailable")
	}
	return d, nil
}

type memoryCommits struct {
	hashes   map[string]struct{}
	inserted []domain.Commit
}

func (m *memoryCommits) ListCommitHashes(string) (map[string]struct{}, error) {
	return m.hashes, nil
}

func (m *memoryCommits) InsertCommits(commits []domain.Commit) (int, error) {
	m.inserted = append(m.inserted, commits...)
	return len(commits), nil
}

func TestPullCommitsFiltersProcessedAndNullsFailedSummaries(t *testing.T) {
	now := time.Now().UTC()
	source := fakeCommits{
		commits: []gitrepo.CommitInfo{
			{Hash: "c3", Message: "three", Date: now},
			{Hash: "c2", Message: "two", Date: now.Add(-time.Hour)},
			{Hash: "c1", Message: "one", Date: now.Add(-2 * time.Hour)},
		},
		diffs: map[string]string{
			"c3": "diff --git a/x b/x\n+fix",
			"c2": "   ",
		},
	}
	commitStore := &memoryCommits{hashes: map[string]struct{}{"c1": {}}}
	gen := &fakeGenerator{}
	puller, err := NewCommitPuller(CommitPullerConfig{
		Source:     source,
		Summarizer: NewSummarizer(gen, nil),
		Store:      commitStore,
		Window:     10,
	})
	require.NoError(t, err)

	n, err := puller.PullCommits(context.Background(), domain.Project{ID: "p1", GithubURL: "https://github.com/acme/widgets"})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, commitStore.inserted, 2)

	byHash := map[string]domain.Commit{}
	for _, c := range commitStore.inserted {
		byHash[c.CommitHash] = c
	}
	require.Equal(t, "summary of prompt", byHash["c3"].Summary)
	require.Equal(t, "", byHash["c2"].Summary, "empty diff yields empty summary")
	require.Len(t, gen.prompts, 1)
	require.True(t, strings.HasPrefix(gen.prompts[0], "You are an expert programmer and you are trying to summarise a git diff:\n\n"))
}

func TestPullCommitsNothingNew(t *testing.T) {
	source := fakeCommits{commits: []gitrepo.CommitInfo{{Hash: "c1"}}}
	commitStore := &memoryCommits{hashes: map[string]struct{}{"c1": {}}}
	puller, err := NewCommitPuller(CommitPullerConfig{Source: source, Summarizer: NewSummarizer(&fakeGenerator{}, nil), Store: commitStore})
	require.NoError(t, err)
	n, err := puller.PullCommits(context.Background(), domain.Project{ID: "p1", GithubURL: "u"})
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, commitStore.inserted)
}

type fixedCounter struct {
	n   int
	err error
}

func (c fixedCounter) CountFiles(context.Context, string, string) (int, error) { return c.n, c.err }

func TestCreditCheck(t *testing.T) {
	checker := NewCreditChecker(fixedCounter{n: 120})
	res, err := checker.Check(context.Background(), domain.User{Credits: 150}, "u", "")
	require.NoError(t, err)
	require.Equal(t, domain.CreditCheck{FileCount: 120, UserCredits: 150, HasEnoughCredits: true}, res)

	res, err = checker.Check(context.Background(), domain.User{Credits: 119}, "u", "")
	require.NoError(t, err)
	require.False(t, res.HasEnoughCredits)

	_, err = NewCreditChecker(fixedCounter{err: gitrepo.ErrRateLimited}).Check(context.Background(), domain.User{}, "u", "")
	require.ErrorIs(t, err, gitrepo.ErrRateLimited)
}
