package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"commitly/pkg/ai"
)

// maxSummaryInput bounds how much of a file is sent to the model.
const maxSummaryInput = 10_000

// Summarizer turns source files and diffs into short natural-language summaries.
type Summarizer struct {
	gen ai.TextGenerator
	log *slog.Logger
}

func NewSummarizer(gen ai.TextGenerator, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{gen: gen, log: logger}
}

// SummarizeFile explains a file's purpose in at most 100 words.
func (s *Summarizer) SummarizeFile(ctx context.Context, fileName, code string) (string, error) {
	summary, err := s.gen.GenerateText(ctx, "", codeSummaryPrompt(fileName, code))
	if err != nil {
		return "", fmt.Errorf("summarise %s: %w", fileName, err)
	}
	return strings.TrimSpace(summary), nil
}

// SummarizeDiff summarises a commit diff. An empty diff or any upstream error
// yields an empty summary; the failure is only logged.
func (s *Summarizer) SummarizeDiff(ctx context.Context, hash, diff string) string {
	if strings.TrimSpace(diff) == "" {
		s.log.Warn("empty diff", "commit", hash)
		return ""
	}
	summary, err := s.gen.GenerateText(ctx, "", commitSummaryPrompt(diff))
	if err != nil {
		s.log.Error("summarise commit failed", "commit", hash, "err", err)
		return ""
	}
	return strings.TrimSpace(summary)
}

func codeSummaryPrompt(fileName, code string) string {
	if len(code) > maxSummaryInput {
		code = truncateUTF8(code, maxSummaryInput)
	}
	return fmt.Sprintf(`You are an intelligent senior software engineer onboarding a junior engineer.
Explain the purpose of the file %s in no more than 100 words.

---
%s
---`, fileName, code)
}

func commitSummaryPrompt(diff string) string {
	return "You are an expert programmer and you are trying to summarise a git diff:\n\n" + diff
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
