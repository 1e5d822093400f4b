package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"commitly/pkg/domain"
	assemblyai "github.com/AssemblyAI/assemblyai-go-sdk"
)

// Transcriber turns a meeting recording into chapter-level issues.
type Transcriber interface {
	Issues(ctx context.Context, audioURL string) ([]domain.Issue, error)
}

// AssemblyAI transcribes recordings with auto chapters enabled.
type AssemblyAI struct {
	client *assemblyai.Client
}

func NewAssemblyAI(apiKey string, opts ...assemblyai.ClientOption) (*AssemblyAI, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("assemblyai api key required")
	}
	opts = append([]assemblyai.ClientOption{assemblyai.WithAPIKey(apiKey)}, opts...)
	return &AssemblyAI{client: assemblyai.NewClientWithOptions(opts...)}, nil
}

// Issues submits audioURL, waits for the transcript and maps its chapters.
func (a *AssemblyAI) Issues(ctx context.Context, audioURL string) ([]domain.Issue, error) {
	transcript, err := a.client.Transcripts.TranscribeFromURL(ctx, audioURL, &assemblyai.TranscriptOptionalParams{
		AutoChapters: assemblyai.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	if transcript.Status == assemblyai.TranscriptStatusError {
		return nil, fmt.Errorf("transcribe: %s", assemblyai.ToString(transcript.Error))
	}
	return IssuesFromChapters(transcript.Chapters), nil
}

// IssuesFromChapters converts chapters to issues with mm:ss offsets.
func IssuesFromChapters(chapters []assemblyai.Chapter) []domain.Issue {
	issues := make([]domain.Issue, 0, len(chapters))
	for _, ch := range chapters {
		issues = append(issues, domain.Issue{
			Start:    FormatOffset(assemblyai.ToInt64(ch.Start)),
			End:      FormatOffset(assemblyai.ToInt64(ch.End)),
			Gist:     assemblyai.ToString(ch.Gist),
			Headline: assemblyai.ToString(ch.Headline),
			Summary:  assemblyai.ToString(ch.Summary),
		})
	}
	return issues
}

// FormatOffset renders milliseconds as zero-padded mm:ss.
func FormatOffset(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	secs := ms / 1000
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
