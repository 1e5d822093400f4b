package app

import "errors"

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidInput    = errors.New("invalid input")
	ErrProjectNotFound = errors.New("project not found or not accessible")
	ErrMeetingNotFound = errors.New("meeting not found")
	ErrUserNotFound    = errors.New("user not found")
	// ErrInsufficientCredits is wrapped with the file count and balance.
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrRepoNotFound        = errors.New("repository not found or not accessible")
	ErrRateLimited         = errors.New("GitHub API rate limit exceeded. Please provide a GitHub token for higher limits.")
	// ErrNotConfigured means an optional integration was not set up for this deployment.
	ErrNotConfigured = errors.New("feature not configured")
)

// ValidationError carries per-field messages for a rejected request.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return "validation failed"
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	e.Fields[field] = msg
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}
