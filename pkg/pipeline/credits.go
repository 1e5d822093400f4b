package pipeline

import (
	"context"
	"fmt"

	"commitly/pkg/domain"
)

// FileCounter estimates the number of files in a repository.
type FileCounter interface {
	CountFiles(ctx context.Context, repoURL, token string) (int, error)
}

// CreditChecker compares a repository's file count with a user's balance.
type CreditChecker struct {
	counter FileCounter
}

func NewCreditChecker(counter FileCounter) *CreditChecker {
	return &CreditChecker{counter: counter}
}

// Check counts the repository's files and compares them with user.Credits.
// One credit is charged per file.
func (c *CreditChecker) Check(ctx context.Context, user domain.User, repoURL, token string) (domain.CreditCheck, error) {
	count, err := c.counter.CountFiles(ctx, repoURL, token)
	if err != nil {
		return domain.CreditCheck{}, fmt.Errorf("count files: %w", err)
	}
	return domain.CreditCheck{
		FileCount:        count,
		UserCredits:      user.Credits,
		HasEnoughCredits: count <= user.Credits,
	}, nil
}
