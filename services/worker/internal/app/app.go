package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"commitly/internal/metrics"
	"commitly/pkg/domain"
	"commitly/pkg/gitrepo"
	"commitly/pkg/pipeline"
	"commitly/pkg/queue"
	"commitly/pkg/secret"
	"commitly/pkg/storage"
	"commitly/pkg/store"
	"commitly/pkg/transcribe"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrMeetingNotFound = errors.New("meeting not found")
	ErrNotConfigured   = errors.New("transcription not configured")
)

// Store is the persistence the worker needs.
type Store interface {
	GetProject(id string) (domain.Project, bool, error)
	GetMeeting(id string) (domain.Meeting, bool, error)
	CompleteMeeting(id string, issues []domain.Issue) (domain.Meeting, error)
}

// RepoIndexer ingests a repository's files.
type RepoIndexer interface {
	IndexRepo(ctx context.Context, projectID, repoURL, token string) (pipeline.IndexReport, error)
}

// CommitPuller stores summaries of a project's newest commits.
type CommitPuller interface {
	PullCommits(ctx context.Context, project domain.Project) (int, error)
}

// JobSource delivers queued jobs and reports their status.
type JobSource interface {
	Start(ctx context.Context, concurrency int, handler queue.Handler)
	GetJob(ctx context.Context, jobID string) (queue.JobStatus, bool, error)
}

// Config holds runtime configuration for the worker.
type Config struct {
	Store       Store
	Indexer     RepoIndexer
	Commits     CommitPuller
	Transcriber transcribe.Transcriber
	Objects     storage.ObjectStore
	Jobs        JobSource
	Logger      *slog.Logger
	// Tokens opens per-project GitHub tokens sealed by the API.
	Tokens *secret.Box
	// DefaultToken is used when a project carries no token of its own.
	DefaultToken string

	Concurrency    int
	MeetingTimeout time.Duration
}

// App processes background jobs published by the API.
type App struct {
	store          Store
	indexer        RepoIndexer
	commits        CommitPuller
	transcriber    transcribe.Transcriber
	objects        storage.ObjectStore
	jobs           JobSource
	log            *slog.Logger
	tokens         *secret.Box
	defaultToken   string
	concurrency    int
	meetingTimeout time.Duration
}

// New validates cfg and fills defaults.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Indexer == nil || cfg.Commits == nil {
		return nil, errors.New("indexer and commit puller required")
	}
	if cfg.Jobs == nil {
		return nil, errors.New("job source required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	timeout := cfg.MeetingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &App{
		store:          cfg.Store,
		indexer:        cfg.Indexer,
		commits:        cfg.Commits,
		transcriber:    cfg.Transcriber,
		objects:        cfg.Objects,
		jobs:           cfg.Jobs,
		log:            logger,
		tokens:         cfg.Tokens,
		defaultToken:   cfg.DefaultToken,
		concurrency:    concurrency,
		meetingTimeout: timeout,
	}, nil
}

// Start launches the consumers; they stop when ctx is cancelled.
func (a *App) Start(ctx context.Context) {
	a.jobs.Start(ctx, a.concurrency, a.Handle)
	a.log.Info("worker consuming jobs", "concurrency", a.concurrency)
}

// GetJob returns a job's status.
func (a *App) GetJob(ctx context.Context, id string) (queue.JobStatus, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return queue.JobStatus{}, false, nil
	}
	return a.jobs.GetJob(ctx, id)
}

// Handle dispatches one job by kind and records its outcome.
func (a *App) Handle(ctx context.Context, job queue.Job) error {
	start := time.Now()
	logger := a.log.With("job_id", job.ID, "kind", job.Kind, "subject_id", job.SubjectID, "attempt", job.Attempts)
	if job.RequestID != "" {
		// Ties worker logs to the API request that queued the job.
		logger = logger.With("request_id", job.RequestID)
	}
	var err error
	switch job.Kind {
	case queue.KindIndexRepo:
		err = a.indexRepo(ctx, logger, job)
	case queue.KindPullCommits:
		err = a.pullCommits(ctx, logger, job)
	case queue.KindProcessMeeting:
		err = a.processMeeting(ctx, logger, job)
	default:
		err = queue.Permanent(fmt.Errorf("unknown job kind %q", job.Kind))
	}
	outcome := "done"
	if err != nil {
		outcome = "error"
		logger.Warn("job failed", "err", err)
	}
	metrics.JobFinished(job.Kind, outcome, time.Since(start))
	return err
}

func (a *App) indexRepo(ctx context.Context, logger *slog.Logger, job queue.Job) error {
	var payload queue.IndexRepoPayload
	if err := job.Decode(&payload); err != nil {
		return queue.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	project, err := a.project(payload.ProjectID)
	if err != nil {
		return err
	}
	repoURL := payload.RepoURL
	if repoURL == "" {
		repoURL = project.GithubURL
	}
	report, err := a.indexer.IndexRepo(ctx, project.ID, repoURL, a.githubToken(logger, project))
	if err != nil {
		if errors.Is(err, gitrepo.ErrRepoNotFound) || errors.Is(err, gitrepo.ErrInvalidURL) {
			return queue.Permanent(err)
		}
		return err
	}
	logger.Info("repository indexed", "files", report.Files, "indexed", report.Indexed, "failed", report.Failed, "duration", report.Duration)
	return nil
}

// githubToken opens the project's own token, falling back to the server token.
func (a *App) githubToken(logger *slog.Logger, project domain.Project) string {
	if project.SealedGithubToken == "" {
		return a.defaultToken
	}
	if a.tokens == nil {
		logger.Warn("project has a sealed github token but no key is configured")
		return a.defaultToken
	}
	token, err := a.tokens.Open(project.SealedGithubToken, project.ID)
	if err != nil {
		logger.Warn("open github token failed", "err", err)
		return a.defaultToken
	}
	return token
}

func (a *App) pullCommits(ctx context.Context, logger *slog.Logger, job queue.Job) error {
	var payload queue.PullCommitsPayload
	if err := job.Decode(&payload); err != nil {
		return queue.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	project, err := a.project(payload.ProjectID)
	if err != nil {
		return err
	}
	if project.IsArchived {
		logger.Info("skipping commit pull for archived project")
		return nil
	}
	inserted, err := a.commits.PullCommits(ctx, project)
	if err != nil {
		if errors.Is(err, gitrepo.ErrRepoNotFound) {
			return queue.Permanent(err)
		}
		return err
	}
	logger.Info("commits pulled", "inserted", inserted)
	return nil
}

func (a *App) processMeeting(ctx context.Context, logger *slog.Logger, job queue.Job) error {
	if a.transcriber == nil {
		return queue.Permanent(ErrNotConfigured)
	}
	var payload queue.ProcessMeetingPayload
	if err := job.Decode(&payload); err != nil {
		return queue.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	meeting, ok, err := a.store.GetMeeting(payload.MeetingID)
	if err != nil {
		return fmt.Errorf("load meeting: %w", err)
	}
	if !ok {
		return queue.Permanent(ErrMeetingNotFound)
	}
	ctx, cancel := context.WithTimeout(ctx, a.meetingTimeout)
	defer cancel()

	audioURL, err := a.audioURL(ctx, meeting, payload.MeetingURL)
	if err != nil {
		return err
	}
	issues, err := a.transcriber.Issues(ctx, audioURL)
	if err != nil {
		return fmt.Errorf("transcribe meeting: %w", err)
	}
	completed, err := a.store.CompleteMeeting(meeting.ID, issues)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return queue.Permanent(ErrMeetingNotFound)
		}
		return fmt.Errorf("complete meeting: %w", err)
	}
	logger.Info("meeting processed", "issues", len(issues), "name", completed.Name)
	return nil
}

// audioURL prefers a fresh presigned link for recordings kept in object storage.
func (a *App) audioURL(ctx context.Context, meeting domain.Meeting, requested string) (string, error) {
	if meeting.StorageKey != "" && a.objects != nil {
		url, err := a.objects.PresignGet(ctx, meeting.StorageKey, time.Hour)
		if err != nil {
			return "", fmt.Errorf("presign recording: %w", err)
		}
		return url, nil
	}
	if url := strings.TrimSpace(requested); url != "" {
		return url, nil
	}
	if meeting.MeetingURL == "" {
		return "", queue.Permanent(errors.New("meeting has no recording url"))
	}
	return meeting.MeetingURL, nil
}

func (a *App) project(id string) (domain.Project, error) {
	project, ok, err := a.store.GetProject(id)
	if err != nil {
		return domain.Project{}, fmt.Errorf("load project: %w", err)
	}
	if !ok {
		return domain.Project{}, queue.Permanent(ErrProjectNotFound)
	}
	return project, nil
}
