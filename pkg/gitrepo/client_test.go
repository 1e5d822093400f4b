package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseRepoURL(t *testing.T) {
	cases := []struct {
		in    string
		owner string
		name  string
	}{
		{"https://github.com/acme/widgets", "acme", "widgets"},
		{"https://github.com/acme/widgets.git", "acme", "widgets"},
		{"https://github.com/acme/widgets/", "acme", "widgets"},
		{"https://github.com/acme/widgets/tree/main/src", "acme", "widgets"},
		{"git@github.com:acme/widgets.git", "acme", "widgets"},
		{"ssh://git@github.com/acme/widgets.git", "acme", "widgets"},
		{"github.com/acme/widgets", "acme", "widgets"},
		{"acme/widgets", "acme", "widgets"},
	}
	for _, tc := range cases {
		repo, err := ParseRepoURL(tc.in)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if repo.Owner != tc.owner || repo.Name != tc.name {
			t.Fatalf("parse %q: got %s", tc.in, repo)
		}
	}
	for _, bad := range []string{"", "https://github.com/acme", "acme", "git@github.com", "github.com/acme"} {
		if _, err := ParseRepoURL(bad); !errors.Is(err, ErrInvalidURL) {
			t.Fatalf("expected ErrInvalidURL for %q, got %v", bad, err)
		}
	}
}

// fakeGitHub serves a tiny REST surface keyed by request path.
func fakeGitHub(t *testing.T, routes map[string]func(w http.ResponseWriter, r *http.Request)) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSuffix(r.URL.Path, "/")
		if h, ok := routes[key]; ok {
			h(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Not Found"}`))
	}))
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{BaseURL: srv.URL, DirSampleLimit: 2})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func listing(entries ...string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		items := make([]string, 0, len(entries))
		for _, e := range entries {
			kind, p, _ := strings.Cut(e, ":")
			items = append(items, fmt.Sprintf(`{"type":%q,"path":%q,"name":%q}`, kind, p, p))
		}
		_, _ = w.Write([]byte("[" + strings.Join(items, ",") + "]"))
	}
}

func TestCountFilesSamplesAndExtrapolates(t *testing.T) {
	c := fakeGitHub(t, map[string]func(http.ResponseWriter, *http.Request){
		"/repos/acme/widgets/contents":   listing("file:README.md", "dir:a", "dir:b", "dir:c", "dir:d"),
		"/repos/acme/widgets/contents/a": listing("file:a/1.go", "file:a/2.go"),
		"/repos/acme/widgets/contents/b": listing("file:b/1.go", "file:b/2.go", "file:b/3.go"),
	})

	// root: 1 file; sampled a+b = 5 files; count so far 6; avg 6/2 = 3; 2 skipped dirs -> +6.
	n, err := c.CountFiles(context.Background(), "https://github.com/acme/widgets", "")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 12 {
		t.Fatalf("expected 12, got %d", n)
	}
}

func TestCountFilesMapsHTTPErrors(t *testing.T) {
	c := fakeGitHub(t, map[string]func(http.ResponseWriter, *http.Request){
		"/repos/acme/limited/contents": func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"message":"API rate limit exceeded"}`))
		},
	})
	if _, err := c.CountFiles(context.Background(), "https://github.com/acme/limited", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if _, err := c.CountFiles(context.Background(), "https://github.com/acme/missing", ""); !errors.Is(err, ErrRepoNotFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
	if _, err := c.CountFiles(context.Background(), "nope", ""); !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("expected invalid url error, got %v", err)
	}
}

func TestLoadFilesSkipsLockfilesAndBinaries(t *testing.T) {
	c := fakeGitHub(t, map[string]func(http.ResponseWriter, *http.Request){
		"/repos/acme/widgets": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"name":"widgets","default_branch":"trunk"}`))
		},
		"/repos/acme/widgets/git/trees/trunk": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("recursive") == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(`{"sha":"t1","truncated":false,"tree":[
				{"path":"main.go","type":"blob","sha":"b1","size":12},
				{"path":"web/package-lock.json","type":"blob","sha":"b2","size":10},
				{"path":"logo.png","type":"blob","sha":"b3","size":4},
				{"path":"web","type":"tree","sha":"t2"}
			]}`))
		},
		"/repos/acme/widgets/git/blobs/b1": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("package main"))
		},
		"/repos/acme/widgets/git/blobs/b3": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte{0x89, 0x50, 0x00, 0x47})
		},
	})

	files, err := c.LoadFiles(context.Background(), "https://github.com/acme/widgets.git", "tok")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(files) != 1 || files[0].Path != "main.go" || files[0].Content != "package main" {
		t.Fatalf("unexpected files: %+v", files)
	}
}

func TestRecentCommitsSortedAndLimited(t *testing.T) {
	c := fakeGitHub(t, map[string]func(http.ResponseWriter, *http.Request){
		"/repos/acme/widgets/commits": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`[
				{"sha":"old","commit":{"message":"first","author":{"name":"Ann","date":"2024-01-01T00:00:00Z"}},"author":{"avatar_url":"https://a/1"}},
				{"sha":"new","commit":{"message":"third","author":{"name":"Bob","date":"2024-03-01T00:00:00Z"}},"author":{"avatar_url":"https://a/2"}},
				{"sha":"mid","commit":{"message":"second","author":{"name":"Ann","date":"2024-02-01T00:00:00Z"}}}
			]`))
		},
		"/repos/acme/widgets/commits/new": func(w http.ResponseWriter, r *http.Request) {
			if !strings.Contains(r.Header.Get("Accept"), "diff") {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte("diff --git a/x b/x\n+hello\n"))
		},
	})

	commits, err := c.RecentCommits(context.Background(), "https://github.com/acme/widgets", "", 2)
	if err != nil {
		t.Fatalf("commits: %v", err)
	}
	if len(commits) != 2 || commits[0].Hash != "new" || commits[1].Hash != "mid" {
		t.Fatalf("unexpected commits: %+v", commits)
	}
	if commits[0].AuthorAvatar != "https://a/2" || commits[0].AuthorName != "Bob" {
		t.Fatalf("unexpected author fields: %+v", commits[0])
	}
	if commits[1].AuthorAvatar != "" {
		t.Fatalf("expected empty avatar for missing author, got %q", commits[1].AuthorAvatar)
	}

	diff, err := c.CommitDiff(context.Background(), "https://github.com/acme/widgets", "", "new")
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if !strings.Contains(diff, "+hello") {
		t.Fatalf("unexpected diff: %q", diff)
	}
}
