package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"commitly/pkg/domain"
	"commitly/pkg/pipeline"
	"commitly/pkg/queue"
	"commitly/services/worker/internal/app"
	"github.com/alicebob/miniredis/v2"
)

type emptyStore struct{}

func (emptyStore) GetProject(string) (domain.Project, bool, error) {
	return domain.Project{}, false, nil
}
func (emptyStore) GetMeeting(string) (domain.Meeting, bool, error) {
	return domain.Meeting{}, false, nil
}
func (emptyStore) CompleteMeeting(string, []domain.Issue) (domain.Meeting, error) {
	return domain.Meeting{}, nil
}

type idleIndexer struct{}

func (idleIndexer) IndexRepo(context.Context, string, string, string) (pipeline.IndexReport, error) {
	return pipeline.IndexReport{}, nil
}

type idlePuller struct{}

func (idlePuller) PullCommits(context.Context, domain.Project) (int, error) { return 0, nil }

func newTestServer(t *testing.T) (*Server, *queue.RedisJobQueue) {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:   redisSrv.Addr(),
		Stream: "test:jobs",
		Group:  "test-workers",
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	a, err := app.New(app.Config{
		Store:   emptyStore{},
		Indexer: idleIndexer{},
		Commits: idlePuller{},
		Jobs:    q,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv, err := New(Config{App: a})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, q
}

func TestJobStatusRoute(t *testing.T) {
	srv, q := newTestServer(t)
	job, err := q.Enqueue(context.Background(), queue.KindPullCommits, "project-1", queue.PullCommitsPayload{ProjectID: "project-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var got queue.JobStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != job.ID || got.Kind != queue.KindPullCommits || got.SubjectID != "project-1" {
		t.Fatalf("unexpected job: %+v", got)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestJobStatusNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/unknown", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/jobs/unknown", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
}
