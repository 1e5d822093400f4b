package store

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string `gorm:"primaryKey"`
	EmailAddress string `gorm:"not null;index"`
	FirstName    string
	LastName     string
	ImageURL     string
	Credits      int       `gorm:"not null;default:150"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time
}

type ProjectModel struct {
	ID        string `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	GithubURL string `gorm:"not null"`
	// Sealed per-project access token, empty when the server token is used.
	GithubToken string `gorm:"column:github_token_sealed;not null;default:''"`
	IsArchived  bool   `gorm:"not null;default:false;index"`
	ArchivedAt  *time.Time
	DeletedAt   *time.Time `gorm:"index"`
	CreatedAt   time.Time  `gorm:"not null;index"`
	UpdatedAt   time.Time  `gorm:"not null"`
}

type MemberModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;uniqueIndex:idx_member_user_project"`
	ProjectID string    `gorm:"not null;uniqueIndex:idx_member_user_project;index"`
	CreatedAt time.Time `gorm:"not null"`
}

type CommitModel struct {
	ID                 string    `gorm:"primaryKey"`
	ProjectID          string    `gorm:"not null;uniqueIndex:idx_commit_project_hash"`
	CommitHash         string    `gorm:"not null;uniqueIndex:idx_commit_project_hash"`
	CommitMessage      string    `gorm:"type:text;not null"`
	CommitAuthorName   string    `gorm:"not null"`
	CommitAuthorAvatar string    `gorm:"not null"`
	CommitDate         time.Time `gorm:"not null;index"`
	Summary            string    `gorm:"type:text"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time
}

type SourceFileModel struct {
	ID               string           `gorm:"primaryKey"`
	ProjectID        string           `gorm:"not null;uniqueIndex:idx_source_project_file"`
	FileName         string           `gorm:"not null;uniqueIndex:idx_source_project_file"`
	SourceCode       string           `gorm:"type:text;not null"`
	Summary          string           `gorm:"type:text;not null"`
	SummaryEmbedding *pgvector.Vector `gorm:"type:vector(768)"`
	CreatedAt        time.Time        `gorm:"not null"`
	UpdatedAt        time.Time
}

type MeetingModel struct {
	ID                 string `gorm:"primaryKey"`
	ProjectID          string `gorm:"not null;index"`
	Name               string `gorm:"not null"`
	MeetingURL         string `gorm:"type:text;not null"`
	CloudinaryPublicID string
	StorageKey         string
	Status             string    `gorm:"not null"`
	CreatedAt          time.Time `gorm:"not null;index"`
	UpdatedAt          time.Time
}

type IssueModel struct {
	ID        string `gorm:"primaryKey"`
	MeetingID string `gorm:"not null;index"`
	Start     string `gorm:"not null"`
	End       string `gorm:"not null"`
	Gist      string `gorm:"not null"`
	Headline  string `gorm:"not null"`
	Summary   string `gorm:"type:text;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type QuestionModel struct {
	ID              string         `gorm:"primaryKey"`
	ProjectID       string         `gorm:"not null;index"`
	UserID          string         `gorm:"not null;index"`
	Question        string         `gorm:"type:text;not null"`
	Answer          string         `gorm:"type:text;not null"`
	FilesReferences datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt       time.Time      `gorm:"not null;index"`
	UpdatedAt       time.Time
}

type StripeTransactionModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"not null;index"`
	Credits   int       `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

func allModels() []any {
	return []any{
		&UserModel{},
		&ProjectModel{},
		&MemberModel{},
		&CommitModel{},
		&SourceFileModel{},
		&MeetingModel{},
		&IssueModel{},
		&QuestionModel{},
		&StripeTransactionModel{},
	}
}

// AutoMigrate creates the relational schema on db. It skips the postgres
// extension and vector index setup that NewGormStore performs.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(allModels()...)
}
