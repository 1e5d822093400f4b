package app

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"commitly/pkg/billing"
	"commitly/pkg/domain"
	"commitly/pkg/queue"
	"commitly/pkg/secret"
	"commitly/pkg/store"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// testStore serves similarity search from a fixed list; sqlite has no vector operators.
type testStore struct {
	*store.GormStore
	matches []domain.SourceFile
}

func (s *testStore) SearchSourceFiles(_ string, _ []float32, _ float64, limit int) ([]domain.SourceFile, error) {
	if len(s.matches) > limit {
		return s.matches[:limit], nil
	}
	return s.matches, nil
}

type fakeCredits struct{ fileCount int }

func (f fakeCredits) Check(_ context.Context, user domain.User, _, _ string) (domain.CreditCheck, error) {
	return domain.CreditCheck{
		FileCount:        f.fileCount,
		UserCredits:      user.Credits,
		HasEnoughCredits: user.Credits >= f.fileCount,
	}, nil
}

type enqueued struct {
	kind      string
	subjectID string
	payload   any
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs []enqueued
}

func (f *fakeJobs) Enqueue(_ context.Context, kind, subjectID string, payload any) (queue.JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, enqueued{kind: kind, subjectID: subjectID, payload: payload})
	return queue.JobStatus{ID: fmt.Sprintf("job-%d", len(f.jobs)), Kind: kind, SubjectID: subjectID, Status: queue.StatusQueued}, nil
}

type fakeGenerator struct {
	jsonReply   string
	jsonErr     error
	chunks      []string
	lastPrompt  string
	streamCalls int
}

func (g *fakeGenerator) GenerateText(context.Context, string, string) (string, error) {
	return "", errors.New("not used")
}

func (g *fakeGenerator) GenerateJSON(_ context.Context, _, prompt string) (string, error) {
	g.lastPrompt = prompt
	return g.jsonReply, g.jsonErr
}

func (g *fakeGenerator) StreamText(_ context.Context, _, prompt string, onDelta func(string) error) (string, error) {
	g.streamCalls++
	g.lastPrompt = prompt
	var b strings.Builder
	for _, c := range g.chunks {
		if err := onDelta(c); err != nil {
			return "", err
		}
		b.WriteString(c)
	}
	return b.String(), nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedText(context.Context, string, string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakePayments struct {
	purchase billing.Purchase
	ok       bool
	err      error
}

func (f fakePayments) CreateCheckoutSession(_ context.Context, userID string, credits int) (string, error) {
	return fmt.Sprintf("https://checkout.stripe.test/%s/%d", userID, credits), nil
}

func (f fakePayments) ParseWebhook([]byte, string) (billing.Purchase, bool, error) {
	return f.purchase, f.ok, f.err
}

type fakeObjects struct {
	deleted []string
}

func (f *fakeObjects) PresignPut(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://minio.test/put/" + key, nil
}

func (f *fakeObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://minio.test/get/" + key, nil
}

func (f *fakeObjects) Delete(_ context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}

type fixture struct {
	app     *App
	store   *testStore
	jobs    *fakeJobs
	gen     *fakeGenerator
	objects *fakeObjects
	tokens  *secret.Box
}

func newFixture(t *testing.T, fileCount int, payments Payments) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, store.AutoMigrate(db))

	tokens, err := secret.NewBox(base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))
	require.NoError(t, err)
	f := &fixture{
		tokens:  tokens,
		store:   &testStore{GormStore: store.NewGormStoreWithDB(db, 3)},
		jobs:    &fakeJobs{},
		gen:     &fakeGenerator{},
		objects: &fakeObjects{},
	}
	f.app, err = New(Config{
		Store:     f.store,
		Credits:   fakeCredits{fileCount: fileCount},
		Jobs:      f.jobs,
		Generator: f.gen,
		Embedder:  fakeEmbedder{},
		Payments:  payments,
		Objects:   f.objects,
		Tokens:    f.tokens,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) user(t *testing.T, id string, credits int) domain.User {
	t.Helper()
	u, err := f.store.EnsureUser(domain.User{ID: id, EmailAddress: id + "@example.com", Credits: credits})
	require.NoError(t, err)
	return u
}

func (f *fixture) project(t *testing.T, owner domain.User) domain.Project {
	t.Helper()
	p, err := f.store.CreateProjectWithCredits(domain.Project{Name: "demo", GithubURL: "https://github.com/acme/demo"}, owner.ID, 0)
	require.NoError(t, err)
	return p
}

func TestEnsureUserProvisionsDefaultCredits(t *testing.T) {
	f := newFixture(t, 0, nil)

	u, err := f.app.EnsureUser(Identity{UserID: "user_1", Email: "ada@example.com", FirstName: "Ada"})
	require.NoError(t, err)
	require.Equal(t, 150, u.Credits)
	require.Equal(t, "Ada", u.FirstName)

	again, err := f.app.EnsureUser(Identity{UserID: "user_1"})
	require.NoError(t, err)
	require.Equal(t, "ada@example.com", again.EmailAddress)

	_, err = f.app.EnsureUser(Identity{UserID: "  "})
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestCreateProjectRejectsInsufficientCredits(t *testing.T) {
	f := newFixture(t, 120, nil)
	u := f.user(t, "user_1", 100)

	_, err := f.app.CreateProject(context.Background(), u, CreateProjectInput{Name: "big", GithubURL: "https://github.com/acme/big"})
	require.ErrorIs(t, err, ErrInsufficientCredits)
	require.Contains(t, err.Error(), "Insufficient credits: repository has 120 files but you have 100 credits")
	require.Empty(t, f.jobs.jobs)

	projects, err := f.app.ListProjects(u)
	require.NoError(t, err)
	require.Empty(t, projects)
}

func TestCreateProjectValidatesInput(t *testing.T) {
	f := newFixture(t, 1, nil)
	u := f.user(t, "user_1", 100)

	_, err := f.app.CreateProject(context.Background(), u, CreateProjectInput{GithubURL: "not a url at all"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "name")
	require.Contains(t, verr.Fields, "githubUrl")
}

func TestCreateProjectDeductsCreditsAndQueuesJobs(t *testing.T) {
	f := newFixture(t, 40, nil)
	u := f.user(t, "user_1", 150)

	created, err := f.app.CreateProject(context.Background(), u, CreateProjectInput{
		Name:        " demo ",
		GithubURL:   "https://github.com/acme/demo",
		GithubToken: "ghp_secret",
	})
	require.NoError(t, err)
	require.Equal(t, "demo", created.Name)
	require.Equal(t, "job-1", created.IndexJobID)
	require.Equal(t, "job-2", created.CommitsJobID)

	credits, err := f.app.GetUserCredits(u)
	require.NoError(t, err)
	require.Equal(t, 110, credits)

	require.Len(t, f.jobs.jobs, 2)
	require.Equal(t, queue.KindIndexRepo, f.jobs.jobs[0].kind)
	require.Equal(t, queue.IndexRepoPayload{ProjectID: created.ID, RepoURL: "https://github.com/acme/demo"}, f.jobs.jobs[0].payload)
	require.Equal(t, queue.KindPullCommits, f.jobs.jobs[1].kind)
	require.Equal(t, created.ID, f.jobs.jobs[1].subjectID)
}

func TestCreateProjectKeepsTokenOutOfJobPayloads(t *testing.T) {
	f := newFixture(t, 5, nil)
	u := f.user(t, "user_1", 150)

	created, err := f.app.CreateProject(context.Background(), u, CreateProjectInput{
		Name:        "demo",
		GithubURL:   "https://github.com/acme/demo",
		GithubToken: "ghp_secret",
	})
	require.NoError(t, err)

	for _, j := range f.jobs.jobs {
		raw, err := json.Marshal(j.payload)
		require.NoError(t, err)
		require.NotContains(t, string(raw), "ghp_secret")
		require.NotContains(t, string(raw), "githubToken")
	}
	body, err := json.Marshal(created)
	require.NoError(t, err)
	require.NotContains(t, string(body), "ghp_secret")

	stored, ok, err := f.store.GetProject(created.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, stored.SealedGithubToken)
	require.NotContains(t, stored.SealedGithubToken, "ghp_secret")
	plain, err := f.tokens.Open(stored.SealedGithubToken, created.ID)
	require.NoError(t, err)
	require.Equal(t, "ghp_secret", plain)
}

func TestCreateProjectWithoutTokenKeyDropsToken(t *testing.T) {
	f := newFixture(t, 5, nil)
	f.app.tokens = nil
	u := f.user(t, "user_1", 150)

	created, err := f.app.CreateProject(context.Background(), u, CreateProjectInput{
		Name:        "demo",
		GithubURL:   "https://github.com/acme/demo",
		GithubToken: "ghp_secret",
	})
	require.NoError(t, err)
	stored, ok, err := f.store.GetProject(created.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, stored.SealedGithubToken)
}

func TestArchiveProjectHidesItButKeepsCommits(t *testing.T) {
	f := newFixture(t, 0, nil)
	u := f.user(t, "user_1", 10)
	p := f.project(t, u)
	_, err := f.store.InsertCommits([]domain.Commit{{ProjectID: p.ID, CommitHash: "abc123", CommitMessage: "init", CommitDate: time.Now()}})
	require.NoError(t, err)

	archived, err := f.app.ArchiveProject(u, p.ID)
	require.NoError(t, err)
	require.True(t, archived.IsArchived)

	projects, err := f.app.ListProjects(u)
	require.NoError(t, err)
	require.Empty(t, projects)

	commits, err := f.app.ListCommits(context.Background(), u, p.ID)
	require.NoError(t, err)
	require.Len(t, commits, 1)
}

func TestMembershipScopesProjectAccess(t *testing.T) {
	f := newFixture(t, 0, nil)
	owner := f.user(t, "owner", 10)
	other := f.user(t, "other", 10)
	p := f.project(t, owner)

	_, err := f.app.ListCommits(context.Background(), other, p.ID)
	require.ErrorIs(t, err, ErrProjectNotFound)
	_, err = f.app.ArchiveProject(other, p.ID)
	require.ErrorIs(t, err, ErrProjectNotFound)

	joined, first, err := f.app.JoinProject(other, p.ID)
	require.NoError(t, err)
	require.True(t, first)
	require.Equal(t, p.ID, joined.ID)
	_, first, err = f.app.JoinProject(other, p.ID)
	require.NoError(t, err)
	require.False(t, first)

	members, err := f.app.ListTeamMembers(other, p.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)

	_, _, err = f.app.JoinProject(other, "missing")
	require.ErrorIs(t, err, ErrProjectNotFound)
}

func seedQA(t *testing.T, f *fixture) (domain.User, domain.Project) {
	t.Helper()
	u := f.user(t, "user_1", 10)
	p := f.project(t, u)
	for _, name := range []string{"auth/login.go", "db/store.go"} {
		require.NoError(t, f.store.SaveSourceFile(domain.SourceFile{ProjectID: p.ID, FileName: name, SourceCode: "package x", Summary: "handles " + name}))
	}
	f.store.matches = []domain.SourceFile{
		{FileName: "auth/login.go", SourceCode: "package auth", Summary: "login flow"},
		{FileName: "db/store.go", SourceCode: "package db", Summary: "storage"},
	}
	_, err := f.store.InsertCommits([]domain.Commit{{ProjectID: p.ID, CommitHash: "abc123", CommitMessage: "fix login", Summary: "fixes session expiry", CommitDate: time.Now()}})
	require.NoError(t, err)
	return u, p
}

func TestAskQuestionKeepsCitationsInsideContext(t *testing.T) {
	f := newFixture(t, 0, nil)
	u, p := seedQA(t, f)
	reply, err := json.Marshal(structuredAnswer{
		Answer:      "Sessions expire after an hour.",
		Explanation: "See the login handler.",
		Files:       []string{"auth/login.go", "ghost/invented.go", " auth/login.go "},
		Commits:     []string{"abc123", "deadbeef"},
	})
	require.NoError(t, err)
	f.gen.jsonReply = "```json\n" + string(reply) + "\n```"

	var chunks []string
	answer, err := f.app.AskQuestion(context.Background(), u, p.ID, "How long do sessions last?", func(s string) error {
		chunks = append(chunks, s)
		return nil
	})
	require.NoError(t, err)
	require.True(t, answer.Structured)
	require.Equal(t, []string{"auth/login.go"}, answer.Files)
	require.Equal(t, []string{"abc123"}, answer.Commits)
	require.Contains(t, answer.Answer, "**SOURCES**\n\nFiles: auth/login.go\nCommits: abc123")
	require.NotContains(t, answer.Answer, "ghost")
	require.Equal(t, []string{answer.Answer}, chunks)
	require.Len(t, answer.FilesReferences, 1)
	require.Equal(t, "auth/login.go", answer.FilesReferences[0].FileName)
	require.Contains(t, f.gen.lastPrompt, "- abc123: fix login\n  Summary: fixes session expiry\n")
	require.Contains(t, f.gen.lastPrompt, "source: db/store.go\nSummary: storage\nCode:\npackage db\n")
}

func TestAskQuestionStreamsWhenStructuredFails(t *testing.T) {
	f := newFixture(t, 0, nil)
	u, p := seedQA(t, f)
	f.gen.jsonReply = "this is not json"
	f.gen.chunks = []string{"Sessions ", "expire."}

	var chunks []string
	answer, err := f.app.AskQuestion(context.Background(), u, p.ID, "How long do sessions last?", func(s string) error {
		chunks = append(chunks, s)
		return nil
	})
	require.NoError(t, err)
	require.False(t, answer.Structured)
	require.Equal(t, "Sessions expire.", answer.Answer)
	require.Equal(t, []string{"Sessions ", "expire."}, chunks)
	require.Equal(t, 1, f.gen.streamCalls)
	require.Contains(t, f.gen.lastPrompt, domain.RefusalAnswer)
	require.Len(t, answer.FilesReferences, 2)
}

func TestAskQuestionRefusalDropsCitations(t *testing.T) {
	f := newFixture(t, 0, nil)
	u, p := seedQA(t, f)
	f.gen.jsonReply = fmt.Sprintf(`{"answer": %q, "explanation": "", "files": ["auth/login.go"], "commits": []}`, domain.RefusalAnswer)

	answer, err := f.app.AskQuestion(context.Background(), u, p.ID, "Who wrote the billing module?", nil)
	require.NoError(t, err)
	require.Equal(t, domain.RefusalAnswer, answer.Answer)
	require.Empty(t, answer.Files)
	require.Len(t, answer.FilesReferences, 2)
}

func TestAskQuestionRequiresQuestion(t *testing.T) {
	f := newFixture(t, 0, nil)
	u, p := seedQA(t, f)

	_, err := f.app.AskQuestion(context.Background(), u, p.ID, "   ", nil)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestSaveAnswerAndListQuestions(t *testing.T) {
	f := newFixture(t, 0, nil)
	u, p := seedQA(t, f)

	saved, err := f.app.SaveAnswer(u, SaveAnswerInput{ProjectID: p.ID, Question: "why?", Answer: "because"})
	require.NoError(t, err)
	require.NotEmpty(t, saved.ID)

	questions, err := f.app.ListQuestions(u, p.ID)
	require.NoError(t, err)
	require.Len(t, questions, 1)
	require.Equal(t, "why?", questions[0].Question)
	require.NotNil(t, questions[0].User)
	require.Equal(t, u.ID, questions[0].User.ID)
}

func TestSaveAnswerInputAcceptsBothReferenceKeys(t *testing.T) {
	for _, body := range []string{
		`{"projectId":"p1","question":"q","answer":"a","fileReferences":[{"fileName":"main.go"}]}`,
		`{"projectId":"p1","question":"q","answer":"a","filesReferences":[{"fileName":"main.go"}]}`,
	} {
		var in SaveAnswerInput
		require.NoError(t, json.Unmarshal([]byte(body), &in))
		require.Equal(t, "p1", in.ProjectID)
		require.Len(t, in.FilesReferences, 1, body)
		require.Equal(t, "main.go", in.FilesReferences[0].FileName)
	}
}

func TestSaveAnswerStoresSingularReferenceKey(t *testing.T) {
	f := newFixture(t, 0, nil)
	u, p := seedQA(t, f)

	var in SaveAnswerInput
	body := fmt.Sprintf(`{"projectId":%q,"question":"why?","answer":"because","fileReferences":[{"fileName":"auth/login.go","sourceCode":"func Login() {}","summary":"logs in"}]}`, p.ID)
	require.NoError(t, json.Unmarshal([]byte(body), &in))
	_, err := f.app.SaveAnswer(u, in)
	require.NoError(t, err)

	questions, err := f.app.ListQuestions(u, p.ID)
	require.NoError(t, err)
	require.Len(t, questions, 1)
	require.Len(t, questions[0].FilesReferences, 1)
	require.Equal(t, "auth/login.go", questions[0].FilesReferences[0].FileName)
}

func TestFilesByNamesTrimsAndDeduplicates(t *testing.T) {
	f := newFixture(t, 0, nil)
	u, p := seedQA(t, f)

	files, err := f.app.FilesByNames(u, p.ID, []string{" auth/login.go", "auth/login.go", "", "missing.go"})
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "auth/login.go", files[0].FileName)

	files, err = f.app.FilesByNames(u, p.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, files)
	require.Empty(t, files)
}

func TestMeetingLifecycle(t *testing.T) {
	f := newFixture(t, 0, nil)
	u := f.user(t, "user_1", 10)
	p := f.project(t, u)
	ctx := context.Background()

	target, err := f.app.MeetingUploadURL(ctx, u, p.ID, "standup.mp3")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(target.StorageKey, "meetings/"+p.ID+"/"))
	require.Equal(t, 900, target.ExpiresIn)

	meeting, err := f.app.CreateMeeting(ctx, u, CreateMeetingInput{ProjectID: p.ID, Name: "Standup", StorageKey: target.StorageKey})
	require.NoError(t, err)
	require.Equal(t, domain.MeetingProcessing, meeting.Status)
	require.Equal(t, "https://minio.test/get/"+target.StorageKey, meeting.MeetingURL)

	_, err = f.app.CreateMeeting(ctx, u, CreateMeetingInput{ProjectID: p.ID, Name: "Other", StorageKey: "meetings/elsewhere/x.mp3"})
	require.ErrorIs(t, err, ErrInvalidInput)

	job, err := f.app.ProcessMeeting(ctx, u, ProcessMeetingInput{MeetingID: meeting.ID, ProjectID: p.ID})
	require.NoError(t, err)
	require.Equal(t, queue.KindProcessMeeting, job.Kind)
	require.Equal(t, queue.ProcessMeetingPayload{MeetingID: meeting.ID, ProjectID: p.ID, MeetingURL: meeting.MeetingURL}, f.jobs.jobs[0].payload)

	stranger := f.user(t, "stranger", 10)
	_, err = f.app.GetMeeting(stranger, meeting.ID)
	require.ErrorIs(t, err, ErrMeetingNotFound)

	deleted, err := f.app.DeleteMeeting(ctx, u, meeting.ID)
	require.NoError(t, err)
	require.Equal(t, meeting.ID, deleted.ID)
	require.Equal(t, []string{target.StorageKey}, f.objects.deleted)

	_, err = f.app.GetMeeting(u, meeting.ID)
	require.ErrorIs(t, err, ErrMeetingNotFound)
}

func TestCloudinarySignRequiresConfig(t *testing.T) {
	f := newFixture(t, 0, nil)
	_, err := f.app.CloudinarySign(domain.User{ID: "user_1"})
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestHandleStripeWebhookCreditsUser(t *testing.T) {
	f := newFixture(t, 0, fakePayments{purchase: billing.Purchase{UserID: "user_1", Credits: 500}, ok: true})
	u := f.user(t, "user_1", 150)

	applied, err := f.app.HandleStripeWebhook([]byte(`{}`), "t=1,v1=sig")
	require.NoError(t, err)
	require.True(t, applied)

	credits, err := f.app.GetUserCredits(u)
	require.NoError(t, err)
	require.Equal(t, 650, credits)

	txs, err := f.app.ListTransactions(u)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, 500, txs[0].Credits)
}

func TestHandleStripeWebhookErrors(t *testing.T) {
	f := newFixture(t, 0, fakePayments{err: fmt.Errorf("%w: bad", billing.ErrInvalidSignature)})
	_, err := f.app.HandleStripeWebhook(nil, "")
	require.ErrorIs(t, err, ErrInvalidSignature)

	f = newFixture(t, 0, fakePayments{err: billing.ErrInvalidEvent})
	_, err = f.app.HandleStripeWebhook(nil, "")
	require.ErrorIs(t, err, ErrInvalidInput)

	f = newFixture(t, 0, fakePayments{})
	applied, err := f.app.HandleStripeWebhook(nil, "")
	require.NoError(t, err)
	require.False(t, applied)

	f = newFixture(t, 0, fakePayments{purchase: billing.Purchase{UserID: "ghost", Credits: 5}, ok: true})
	_, err = f.app.HandleStripeWebhook(nil, "")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestCreateCheckoutValidatesCredits(t *testing.T) {
	f := newFixture(t, 0, fakePayments{})
	u := f.user(t, "user_1", 0)

	_, err := f.app.CreateCheckout(context.Background(), u, 0)
	require.ErrorIs(t, err, ErrInvalidInput)

	url, err := f.app.CreateCheckout(context.Background(), u, 100)
	require.NoError(t, err)
	require.Equal(t, "https://checkout.stripe.test/user_1/100", url)
}
