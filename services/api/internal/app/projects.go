package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"commitly/internal/metrics"
	"commitly/pkg/domain"
	"commitly/pkg/gitrepo"
	"commitly/pkg/queue"
	"commitly/pkg/store"
)

// InsufficientCreditsError reports a repository larger than the caller's balance.
type InsufficientCreditsError struct {
	FileCount int
	Credits   int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("Insufficient credits: repository has %d files but you have %d credits", e.FileCount, e.Credits)
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

type CreateProjectInput struct {
	Name        string `json:"name"`
	GithubURL   string `json:"githubUrl"`
	GithubToken string `json:"githubToken,omitempty"`
}

func (in *CreateProjectInput) normalize() error {
	in.Name = strings.TrimSpace(in.Name)
	in.GithubURL = strings.TrimSpace(in.GithubURL)
	in.GithubToken = strings.TrimSpace(in.GithubToken)
	verr := &ValidationError{}
	if in.Name == "" {
		verr.add("name", "name is required")
	}
	if in.GithubURL == "" {
		verr.add("githubUrl", "githubUrl is required")
	} else if _, err := gitrepo.ParseRepoURL(in.GithubURL); err != nil {
		verr.add("githubUrl", "invalid GitHub repository URL")
	}
	return verr.orNil()
}

// ProjectCreated is a new project plus the background jobs that fill it.
type ProjectCreated struct {
	domain.Project
	IndexJobID   string `json:"indexJobId,omitempty"`
	CommitsJobID string `json:"commitsJobId,omitempty"`
}

// CheckCredits estimates the repository size and compares it with the caller's balance.
func (a *App) CheckCredits(ctx context.Context, user domain.User, githubURL, githubToken string) (domain.CreditCheck, error) {
	githubURL = strings.TrimSpace(githubURL)
	if githubURL == "" {
		return domain.CreditCheck{}, &ValidationError{Fields: map[string]string{"githubUrl": "GitHub URL is required"}}
	}
	check, err := a.credits.Check(ctx, user, githubURL, strings.TrimSpace(githubToken))
	if err != nil {
		return domain.CreditCheck{}, fmt.Errorf("check credits: %w", githubError(err))
	}
	return check, nil
}

// CreateProject charges one credit per repository file, creates the project
// with the caller as owner and queues ingestion and commit pulling.
func (a *App) CreateProject(ctx context.Context, user domain.User, in CreateProjectInput) (ProjectCreated, error) {
	if err := in.normalize(); err != nil {
		return ProjectCreated{}, err
	}
	check, err := a.CheckCredits(ctx, user, in.GithubURL, in.GithubToken)
	if err != nil {
		return ProjectCreated{}, err
	}
	if !check.HasEnoughCredits {
		return ProjectCreated{}, &InsufficientCreditsError{FileCount: check.FileCount, Credits: check.UserCredits}
	}

	draft := domain.Project{
		ID:        uuid.NewString(),
		Name:      in.Name,
		GithubURL: in.GithubURL,
	}
	if in.GithubToken != "" {
		if a.tokens == nil {
			a.log.Warn("github token key not configured; indexing will use the server token", "user_id", user.ID)
		} else if draft.SealedGithubToken, err = a.tokens.Seal(in.GithubToken, draft.ID); err != nil {
			return ProjectCreated{}, fmt.Errorf("seal github token: %w", err)
		}
	}
	project, err := a.store.CreateProjectWithCredits(draft, user.ID, check.FileCount)
	switch {
	case errors.Is(err, store.ErrInsufficientCredits):
		// Balance changed between the check and the deduction.
		current := check.UserCredits
		if u, ok, gerr := a.store.GetUser(user.ID); gerr == nil && ok {
			current = u.Credits
		}
		return ProjectCreated{}, &InsufficientCreditsError{FileCount: check.FileCount, Credits: current}
	case errors.Is(err, store.ErrNotFound):
		return ProjectCreated{}, ErrUserNotFound
	case err != nil:
		return ProjectCreated{}, fmt.Errorf("create project: %w", err)
	}
	metrics.CreditsSpent(check.FileCount)
	a.log.Info("project created", "project_id", project.ID, "user_id", user.ID, "cost", check.FileCount)

	out := ProjectCreated{Project: project}
	indexJob, err := a.jobs.Enqueue(ctx, queue.KindIndexRepo, project.ID, queue.IndexRepoPayload{
		ProjectID: project.ID,
		RepoURL:   project.GithubURL,
	})
	if err != nil {
		a.log.Error("enqueue index job failed", "project_id", project.ID, "err", err)
	} else {
		out.IndexJobID = indexJob.ID
	}
	commitsJob, err := a.jobs.Enqueue(ctx, queue.KindPullCommits, project.ID, queue.PullCommitsPayload{ProjectID: project.ID})
	if err != nil {
		a.log.Error("enqueue commit job failed", "project_id", project.ID, "err", err)
	} else {
		out.CommitsJobID = commitsJob.ID
	}
	return out, nil
}

// ListProjects returns the caller's active projects, newest first.
func (a *App) ListProjects(user domain.User) ([]domain.Project, error) {
	projects, err := a.store.ListProjectsByMember(user.ID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// ArchiveProject hides a project from the default listing. Its commits,
// files and questions stay in place.
func (a *App) ArchiveProject(user domain.User, projectID string) (domain.Project, error) {
	if _, err := a.memberProject(user, projectID); err != nil {
		return domain.Project{}, err
	}
	project, err := a.store.ArchiveProject(strings.TrimSpace(projectID))
	if errors.Is(err, store.ErrNotFound) {
		return domain.Project{}, ErrProjectNotFound
	}
	if err != nil {
		return domain.Project{}, fmt.Errorf("archive project: %w", err)
	}
	a.log.Info("project archived", "project_id", project.ID, "user_id", user.ID)
	return project, nil
}

// JoinProject adds the caller to a project through its invite link. Joining twice is a no-op.
func (a *App) JoinProject(user domain.User, projectID string) (domain.Project, bool, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return domain.Project{}, false, &ValidationError{Fields: map[string]string{"projectId": "projectId is required"}}
	}
	project, ok, err := a.store.GetProject(projectID)
	if err != nil {
		return domain.Project{}, false, fmt.Errorf("load project: %w", err)
	}
	if !ok || project.IsArchived {
		return domain.Project{}, false, ErrProjectNotFound
	}
	joined, err := a.store.AddMember(project.ID, user.ID)
	if err != nil {
		return domain.Project{}, false, fmt.Errorf("join project: %w", err)
	}
	if joined {
		a.log.Info("project joined", "project_id", project.ID, "user_id", user.ID)
	}
	return project, joined, nil
}

// ListTeamMembers returns the project's members with their profiles.
func (a *App) ListTeamMembers(user domain.User, projectID string) ([]domain.Member, error) {
	project, err := a.memberProject(user, projectID)
	if err != nil {
		return nil, err
	}
	members, err := a.store.ListMembers(project.ID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

// ListCommits returns stored commits newest first. A project without any
// stored commits is pulled once synchronously.
func (a *App) ListCommits(ctx context.Context, user domain.User, projectID string) ([]domain.Commit, error) {
	project, err := a.memberProject(user, projectID)
	if err != nil {
		return nil, err
	}
	commits, err := a.store.ListCommits(project.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	if len(commits) > 0 || a.commits == nil {
		return commits, nil
	}
	if _, err := a.commits.PullCommits(ctx, project); err != nil {
		a.log.Warn("initial commit pull failed", "project_id", project.ID, "err", err)
		return commits, nil
	}
	commits, err = a.store.ListCommits(project.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	return commits, nil
}

// RequestCommitPull queues a background pull of the newest commits.
func (a *App) RequestCommitPull(ctx context.Context, user domain.User, projectID string) (queue.JobStatus, error) {
	project, err := a.memberProject(user, projectID)
	if err != nil {
		return queue.JobStatus{}, err
	}
	job, err := a.jobs.Enqueue(ctx, queue.KindPullCommits, project.ID, queue.PullCommitsPayload{ProjectID: project.ID})
	if err != nil {
		return queue.JobStatus{}, fmt.Errorf("enqueue commit pull: %w", err)
	}
	return job, nil
}
