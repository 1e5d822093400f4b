package gitrepo

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidURL is returned when a remote URL does not name an owner and repository.
var ErrInvalidURL = errors.New("invalid github repository url")

// Repo identifies a hosted repository.
type Repo struct {
	Owner string
	Name  string
}

func (r Repo) String() string {
	return r.Owner + "/" + r.Name
}

// ParseRepoURL accepts https, http, ssh:// and scp-style (git@host:owner/repo)
// remotes as well as bare owner/repo, with or without a trailing .git or slash.
func ParseRepoURL(raw string) (Repo, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Repo{}, ErrInvalidURL
	}

	var path string
	switch {
	case strings.HasPrefix(s, "git@"):
		idx := strings.Index(s, ":")
		if idx < 0 {
			return Repo{}, fmt.Errorf("%w: %q", ErrInvalidURL, raw)
		}
		path = s[idx+1:]
	case strings.Contains(s, "://"):
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return Repo{}, fmt.Errorf("%w: %q", ErrInvalidURL, raw)
		}
		path = u.Path
	default:
		// host/owner/repo or owner/repo
		path = s
		if first, rest, ok := strings.Cut(strings.Trim(s, "/"), "/"); ok && strings.Contains(first, ".") {
			path = rest
		}
	}

	path = strings.Trim(path, "/")
	path = strings.TrimSuffix(path, ".git")
	segments := strings.Split(path, "/")
	if len(segments) < 2 || segments[0] == "" || segments[1] == "" {
		return Repo{}, fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return Repo{
		Owner: segments[0],
		Name:  strings.TrimSuffix(segments[1], ".git"),
	}, nil
}
