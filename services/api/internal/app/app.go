package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"commitly/pkg/ai"
	"commitly/pkg/billing"
	"commitly/pkg/domain"
	"commitly/pkg/gitrepo"
	"commitly/pkg/queue"
	"commitly/pkg/secret"
	"commitly/pkg/storage"
	"commitly/pkg/store"
)

// CreditChecker counts a repository's files against a user's balance.
type CreditChecker interface {
	Check(ctx context.Context, user domain.User, repoURL, token string) (domain.CreditCheck, error)
}

// CommitPuller stores summaries of a project's newest commits.
type CommitPuller interface {
	PullCommits(ctx context.Context, project domain.Project) (int, error)
}

// JobQueue publishes background work for the worker service.
type JobQueue interface {
	Enqueue(ctx context.Context, kind, subjectID string, payload any) (queue.JobStatus, error)
}

// Payments sells credits and reads completed purchases.
type Payments interface {
	CreateCheckoutSession(ctx context.Context, userID string, credits int) (string, error)
	ParseWebhook(payload []byte, signature string) (billing.Purchase, bool, error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	Store      store.Store
	Credits    CreditChecker
	Commits    CommitPuller
	Jobs       JobQueue
	Generator  ai.Generator
	Embedder   ai.Embedder
	Payments   Payments
	Objects    storage.ObjectStore
	Cloudinary *storage.CloudinaryConfig
	// Tokens seals per-project GitHub tokens. Without it user tokens are
	// only used for the credit check and indexing falls back to the server token.
	Tokens *secret.Box
	Logger *slog.Logger
	Now    func() time.Time

	DefaultCredits      int
	SimilarityThreshold float64
	TopK                int
	RecentCommits       int
	UploadURLExpiry     time.Duration
}

// App implements the API operations.
type App struct {
	store      store.Store
	credits    CreditChecker
	commits    CommitPuller
	jobs       JobQueue
	generator  ai.Generator
	embedder   ai.Embedder
	payments   Payments
	objects    storage.ObjectStore
	cloudinary *storage.CloudinaryConfig
	tokens     *secret.Box
	log        *slog.Logger
	now        func() time.Time

	defaultCredits      int
	similarityThreshold float64
	topK                int
	recentCommits       int
	uploadURLExpiry     time.Duration
}

// New validates cfg and fills defaults.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Credits == nil {
		return nil, errors.New("credit checker required")
	}
	if cfg.Jobs == nil {
		return nil, errors.New("job queue required")
	}
	if cfg.Generator == nil || cfg.Embedder == nil {
		return nil, errors.New("generator and embedder required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	defaultCredits := cfg.DefaultCredits
	if defaultCredits <= 0 {
		defaultCredits = 150
	}
	threshold := cfg.SimilarityThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 10
	}
	recent := cfg.RecentCommits
	if recent <= 0 {
		recent = 8
	}
	expiry := cfg.UploadURLExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &App{
		store:               cfg.Store,
		credits:             cfg.Credits,
		commits:             cfg.Commits,
		jobs:                cfg.Jobs,
		generator:           cfg.Generator,
		embedder:            cfg.Embedder,
		payments:            cfg.Payments,
		objects:             cfg.Objects,
		cloudinary:          cfg.Cloudinary,
		tokens:              cfg.Tokens,
		log:                 logger,
		now:                 now,
		defaultCredits:      defaultCredits,
		similarityThreshold: threshold,
		topK:                topK,
		recentCommits:       recent,
		uploadURLExpiry:     expiry,
	}, nil
}

// Identity is the authenticated caller as described by the identity provider.
type Identity struct {
	UserID    string
	Email     string
	FirstName string
	LastName  string
	ImageURL  string
}

// EnsureUser provisions the caller on first sight and refreshes a changed profile.
func (a *App) EnsureUser(id Identity) (domain.User, error) {
	userID := strings.TrimSpace(id.UserID)
	if userID == "" {
		return domain.User{}, ErrUnauthorized
	}
	existing, ok, err := a.store.GetUser(userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if ok && !profileChanged(existing, id) {
		return existing, nil
	}
	user, err := a.store.EnsureUser(domain.User{
		ID:           userID,
		EmailAddress: id.Email,
		FirstName:    id.FirstName,
		LastName:     id.LastName,
		ImageURL:     id.ImageURL,
		Credits:      a.defaultCredits,
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("ensure user: %w", err)
	}
	if !ok {
		a.log.Info("user provisioned", "user_id", userID, "credits", user.Credits)
	}
	return user, nil
}

func profileChanged(u domain.User, id Identity) bool {
	// Tokens without profile claims never blank out stored fields.
	if id.Email == "" && id.FirstName == "" && id.LastName == "" && id.ImageURL == "" {
		return false
	}
	return u.EmailAddress != id.Email || u.FirstName != id.FirstName || u.LastName != id.LastName || u.ImageURL != id.ImageURL
}

// memberProject resolves projectID for user, hiding projects the user cannot see.
func (a *App) memberProject(user domain.User, projectID string) (domain.Project, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return domain.Project{}, &ValidationError{Fields: map[string]string{"projectId": "projectId is required"}}
	}
	project, ok, err := a.store.GetMemberProject(projectID, user.ID)
	if err != nil {
		return domain.Project{}, fmt.Errorf("load project: %w", err)
	}
	if !ok {
		return domain.Project{}, ErrProjectNotFound
	}
	return project, nil
}

// githubError maps repository client failures onto API errors.
func githubError(err error) error {
	switch {
	case errors.Is(err, gitrepo.ErrRateLimited):
		return ErrRateLimited
	case errors.Is(err, gitrepo.ErrRepoNotFound):
		return ErrRepoNotFound
	case errors.Is(err, gitrepo.ErrInvalidURL):
		return &ValidationError{Fields: map[string]string{"githubUrl": "invalid GitHub repository URL"}}
	default:
		return err
	}
}
