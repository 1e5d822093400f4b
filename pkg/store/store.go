package store

import (
	"errors"

	"commitly/pkg/domain"
)

var (
	// ErrNotFound indicates the addressed row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientCredits indicates a balance lower than the requested deduction.
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// Store defines persistence operations for users, projects, and their indexed artifacts.
type Store interface {
	// users
	EnsureUser(domain.User) (domain.User, error)
	GetUser(id string) (domain.User, bool, error)

	// projects & membership
	CreateProjectWithCredits(project domain.Project, ownerID string, cost int) (domain.Project, error)
	GetProject(id string) (domain.Project, bool, error)
	GetMemberProject(projectID, userID string) (domain.Project, bool, error)
	ListProjectsByMember(userID string) ([]domain.Project, error)
	ArchiveProject(id string) (domain.Project, error)
	AddMember(projectID, userID string) (bool, error)
	ListMembers(projectID string) ([]domain.Member, error)

	// commits
	ListCommitHashes(projectID string) (map[string]struct{}, error)
	InsertCommits(commits []domain.Commit) (int, error)
	ListCommits(projectID string, limit int) ([]domain.Commit, error)

	// source files
	SaveSourceFile(domain.SourceFile) error
	SearchSourceFiles(projectID string, embedding []float32, minSimilarity float64, limit int) ([]domain.SourceFile, error)
	GetSourceFilesByNames(projectID string, names []string) ([]domain.SourceFile, error)

	// questions
	SaveQuestion(domain.Question) error
	ListQuestions(projectID string) ([]domain.Question, error)

	// meetings
	CreateMeeting(domain.Meeting) error
	GetMeeting(id string) (domain.Meeting, bool, error)
	ListMeetings(projectID string) ([]domain.Meeting, error)
	DeleteMeeting(id string) (domain.Meeting, bool, error)
	CompleteMeeting(id string, issues []domain.Issue) (domain.Meeting, error)

	// billing
	RecordPurchase(userID string, credits int) (domain.StripeTransaction, error)
	ListTransactions(userID string) ([]domain.StripeTransaction, error)
}
