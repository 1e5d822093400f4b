package domain

import "time"

type MeetingStatus string

const (
	MeetingProcessing MeetingStatus = "PROCESSING"
	MeetingCompleted  MeetingStatus = "COMPLETED"
)

// RefusalAnswer is returned verbatim when the context block cannot answer a question.
const RefusalAnswer = "I don't know — the provided project context is insufficient."

type User struct {
	ID           string    `json:"id"`
	EmailAddress string    `json:"emailAddress"`
	FirstName    string    `json:"firstName,omitempty"`
	LastName     string    `json:"lastName,omitempty"`
	ImageURL     string    `json:"imageUrl,omitempty"`
	Credits      int       `json:"credits"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	GithubURL string `json:"githubUrl"`
	// SealedGithubToken is the access token sealed for this project id; never serialized.
	SealedGithubToken string     `json:"-"`
	IsArchived        bool       `json:"isArchived"`
	ArchivedAt        *time.Time `json:"archivedAt,omitempty"`
	DeletedAt         *time.Time `json:"deletedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Member links a user to a project.
type Member struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ProjectID string    `json:"projectId"`
	User      *User     `json:"user,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Commit struct {
	ID                 string    `json:"id"`
	ProjectID          string    `json:"projectId"`
	CommitHash         string    `json:"commitHash"`
	CommitMessage      string    `json:"commitMessage"`
	CommitAuthorName   string    `json:"commitAuthorName"`
	CommitAuthorAvatar string    `json:"commitAuthorAvatar"`
	CommitDate         time.Time `json:"commitDate"`
	Summary            string    `json:"summary"`
	CreatedAt          time.Time `json:"createdAt"`
}

// SourceFile is one ingested repository file with its summary embedding.
type SourceFile struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId"`
	FileName   string    `json:"fileName"`
	SourceCode string    `json:"sourceCode"`
	Summary    string    `json:"summary"`
	Embedding  []float32 `json:"-"`
	Similarity float64   `json:"similarity,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// FileReference is the client-facing view of a source file cited by an answer.
type FileReference struct {
	FileName   string `json:"fileName"`
	SourceCode string `json:"sourceCode"`
	Summary    string `json:"summary"`
}

type Meeting struct {
	ID                 string        `json:"id"`
	ProjectID          string        `json:"projectId"`
	Name               string        `json:"name"`
	MeetingURL         string        `json:"meetingUrl"`
	CloudinaryPublicID string        `json:"cloudinaryPublicId,omitempty"`
	StorageKey         string        `json:"-"`
	Status             MeetingStatus `json:"status"`
	Issues             []Issue       `json:"issues,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

type Issue struct {
	ID        string    `json:"id"`
	MeetingID string    `json:"meetingId"`
	Start     string    `json:"start"`
	End       string    `json:"end"`
	Gist      string    `json:"gist"`
	Headline  string    `json:"headline"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Question struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"projectId"`
	UserID          string          `json:"userId"`
	Question        string          `json:"question"`
	Answer          string          `json:"answer"`
	FilesReferences []FileReference `json:"filesReferences"`
	User            *User           `json:"user,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

type StripeTransaction struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Credits   int       `json:"credits"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreditCheck is the outcome of comparing a repository's file count with a balance.
type CreditCheck struct {
	FileCount        int  `json:"fileCount"`
	UserCredits      int  `json:"userCredits"`
	HasEnoughCredits bool `json:"hasEnoughCredits"`
}

// Answer is a completed question/answer exchange.
type Answer struct {
	ProjectID       string          `json:"projectId"`
	Question        string          `json:"question"`
	Answer          string          `json:"answer"`
	Structured      bool            `json:"structured"`
	Files           []string        `json:"files,omitempty"`
	Commits         []string        `json:"commits,omitempty"`
	FilesReferences []FileReference `json:"filesReferences"`
}
