package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"commitly/internal/metrics"
	"commitly/internal/util"
	"commitly/pkg/ai"
	"commitly/pkg/domain"
)

const (
	maxContextCode = 3_000
	maxCitedFiles  = 20
)

// contextBlock is the grounding text handed to the model plus the items it names.
type contextBlock struct {
	text    string
	files   map[string]struct{}
	commits map[string]struct{}
}

func buildContext(project domain.Project, commits []domain.Commit, files []domain.SourceFile) contextBlock {
	block := contextBlock{
		files:   make(map[string]struct{}, len(files)),
		commits: make(map[string]struct{}, len(commits)),
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\nRepo: %s\n\nRecent commits:\n", orUnknown(project.Name), orUnknown(project.GithubURL))
	for _, c := range commits {
		summary := c.Summary
		if strings.TrimSpace(summary) == "" {
			summary = "no summary"
		}
		fmt.Fprintf(&b, "- %s: %s\n  Summary: %s\n", c.CommitHash, c.CommitMessage, summary)
		block.commits[c.CommitHash] = struct{}{}
	}
	b.WriteString("\nFiles in scope:\n")
	for _, f := range files {
		fmt.Fprintf(&b, "source: %s\nSummary: %s\nCode:\n%s\n\n", f.FileName, f.Summary, truncate(f.SourceCode, maxContextCode))
		block.files[f.FileName] = struct{}{}
	}
	block.text = b.String()
	return block
}

type structuredAnswer struct {
	Answer      string   `json:"answer"`
	Explanation string   `json:"explanation"`
	Files       []string `json:"files"`
	Commits     []string `json:"commits"`
	Sources     []string `json:"sources"`
}

// restrict drops every citation that does not appear in the context block.
func (s *structuredAnswer) restrict(block contextBlock) {
	s.Files = keepKnown(s.Files, block.files)
	s.Commits = keepKnown(s.Commits, block.commits)
	sources := make([]string, 0, len(s.Sources))
	for _, src := range uniqueTrimmed(s.Sources) {
		_, isFile := block.files[src]
		_, isCommit := block.commits[src]
		if isFile || isCommit {
			sources = append(sources, src)
		}
	}
	s.Sources = sources
}

func (s structuredAnswer) refusal() bool {
	return strings.TrimSpace(s.Answer) == domain.RefusalAnswer
}

func (s structuredAnswer) markdown() string {
	if s.refusal() {
		return domain.RefusalAnswer
	}
	var parts []string
	if len(s.Files) > 0 {
		parts = append(parts, "Files: "+strings.Join(s.Files, ", "))
	}
	if len(s.Commits) > 0 {
		parts = append(parts, "Commits: "+strings.Join(s.Commits, ", "))
	}
	if len(parts) == 0 && len(s.Sources) > 0 {
		parts = append(parts, strings.Join(s.Sources, ", "))
	}
	return fmt.Sprintf("**Answer**\n\n%s\n\n**Explanation**\n\n%s\n\n**SOURCES**\n\n%s",
		strings.TrimSpace(s.Answer), strings.TrimSpace(s.Explanation), strings.Join(parts, "\n"))
}

// AskQuestion answers question from the project's matched files and recent
// commits. onDelta receives the answer text as it is produced; a structured
// answer arrives as a single chunk.
func (a *App) AskQuestion(ctx context.Context, user domain.User, projectID, question string, onDelta func(string) error) (domain.Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return domain.Answer{}, &ValidationError{Fields: map[string]string{"question": "question is required"}}
	}
	project, err := a.memberProject(user, projectID)
	if err != nil {
		return domain.Answer{}, err
	}
	if onDelta == nil {
		onDelta = func(string) error { return nil }
	}
	logger := util.LoggerFromContext(ctx)

	vec, err := a.embedder.EmbedText(ctx, question, ai.TaskRetrievalQuery)
	if err != nil {
		return domain.Answer{}, fmt.Errorf("embed question: %w", err)
	}
	matches, err := a.store.SearchSourceFiles(project.ID, vec, a.similarityThreshold, a.topK)
	if err != nil {
		return domain.Answer{}, fmt.Errorf("search files: %w", err)
	}
	commits, err := a.store.ListCommits(project.ID, a.recentCommits)
	if err != nil {
		return domain.Answer{}, fmt.Errorf("recent commits: %w", err)
	}
	block := buildContext(project, commits, matches)

	answer := domain.Answer{ProjectID: project.ID, Question: question}
	structured, err := a.askStructured(ctx, block, question)
	if err != nil {
		logger.Warn("structured answer unavailable, streaming", "project_id", project.ID, "err", err)
		text, err := a.generator.StreamText(ctx, "", fallbackPrompt(block.text, question), onDelta)
		if err != nil {
			return domain.Answer{}, fmt.Errorf("stream answer: %w", err)
		}
		answer.Answer = text
		metrics.QuestionAnswered("streamed")
	} else {
		answer.Structured = true
		answer.Answer = structured.markdown()
		if !structured.refusal() {
			answer.Files = structured.Files
			answer.Commits = structured.Commits
		}
		if err := onDelta(answer.Answer); err != nil {
			return domain.Answer{}, err
		}
		metrics.QuestionAnswered("structured")
	}

	refs, err := a.fileReferences(project.ID, answer.Files, matches)
	if err != nil {
		return domain.Answer{}, err
	}
	answer.FilesReferences = refs
	return answer, nil
}

func (a *App) askStructured(ctx context.Context, block contextBlock, question string) (structuredAnswer, error) {
	raw, err := a.generator.GenerateJSON(ctx, structuredSystemPrompt, structuredPrompt(block.text, question))
	if err != nil {
		return structuredAnswer{}, err
	}
	var out structuredAnswer
	if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil {
		return structuredAnswer{}, fmt.Errorf("decode structured answer: %w", err)
	}
	if strings.TrimSpace(out.Answer) == "" {
		return structuredAnswer{}, errors.New("structured answer is empty")
	}
	out.restrict(block)
	return out, nil
}

// fileReferences prefers the files the model cited and falls back to the vector matches.
func (a *App) fileReferences(projectID string, cited []string, matches []domain.SourceFile) ([]domain.FileReference, error) {
	names := uniqueTrimmed(cited)
	if len(names) > maxCitedFiles {
		names = names[:maxCitedFiles]
	}
	if len(names) > 0 {
		files, err := a.store.GetSourceFilesByNames(projectID, names)
		if err != nil {
			return nil, fmt.Errorf("load cited files: %w", err)
		}
		if len(files) > 0 {
			return toReferences(files), nil
		}
	}
	return toReferences(matches), nil
}

// SaveAnswerInput is a question/answer pair the user chose to keep.
type SaveAnswerInput struct {
	ProjectID       string                 `json:"projectId"`
	Question        string                 `json:"question"`
	Answer          string                 `json:"answer"`
	FilesReferences []domain.FileReference `json:"filesReferences"`
}

// UnmarshalJSON also accepts the singular "fileReferences" key older clients send.
func (in *SaveAnswerInput) UnmarshalJSON(data []byte) error {
	type plain SaveAnswerInput
	var aux struct {
		plain
		FileReferences []domain.FileReference `json:"fileReferences"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*in = SaveAnswerInput(aux.plain)
	if in.FilesReferences == nil {
		in.FilesReferences = aux.FileReferences
	}
	return nil
}

// SaveAnswer stores a question and its answer for the project's history.
func (a *App) SaveAnswer(user domain.User, in SaveAnswerInput) (domain.Question, error) {
	verr := &ValidationError{}
	if strings.TrimSpace(in.Question) == "" {
		verr.add("question", "question is required")
	}
	if strings.TrimSpace(in.Answer) == "" {
		verr.add("answer", "answer is required")
	}
	if err := verr.orNil(); err != nil {
		return domain.Question{}, err
	}
	project, err := a.memberProject(user, in.ProjectID)
	if err != nil {
		return domain.Question{}, err
	}
	refs := in.FilesReferences
	if refs == nil {
		refs = []domain.FileReference{}
	}
	now := a.now().UTC()
	q := domain.Question{
		ID:              util.NewID(),
		ProjectID:       project.ID,
		UserID:          user.ID,
		Question:        strings.TrimSpace(in.Question),
		Answer:          in.Answer,
		FilesReferences: refs,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := a.store.SaveQuestion(q); err != nil {
		return domain.Question{}, fmt.Errorf("save question: %w", err)
	}
	return q, nil
}

// ListQuestions returns the project's saved answers newest first.
func (a *App) ListQuestions(user domain.User, projectID string) ([]domain.Question, error) {
	project, err := a.memberProject(user, projectID)
	if err != nil {
		return nil, err
	}
	questions, err := a.store.ListQuestions(project.ID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	return questions, nil
}

// FilesByNames looks up indexed files by name. names is trimmed, deduplicated
// and capped before the lookup.
func (a *App) FilesByNames(user domain.User, projectID string, names []string) ([]domain.FileReference, error) {
	project, err := a.memberProject(user, projectID)
	if err != nil {
		return nil, err
	}
	names = uniqueTrimmed(names)
	if len(names) == 0 {
		return []domain.FileReference{}, nil
	}
	if len(names) > maxCitedFiles {
		names = names[:maxCitedFiles]
	}
	files, err := a.store.GetSourceFilesByNames(project.ID, names)
	if err != nil {
		return nil, fmt.Errorf("load files: %w", err)
	}
	return toReferences(files), nil
}

const structuredSystemPrompt = `You are an expert code assistant answering questions about a software project.
Reply with a single JSON object and nothing else, using exactly these keys:
{"answer": string, "explanation": string, "files": [string], "commits": [string], "sources": [string]}
"files" lists file paths from lines starting with "source:" and "commits" lists commit hashes, only where they directly support the answer.
Use only information and items present in the CONTEXT BLOCK. Do NOT invent facts, files or commits.
If the answer cannot be determined from the context, set "answer" to exactly: "` + domain.RefusalAnswer + `" and leave the lists empty.`

func structuredPrompt(context, question string) string {
	return fmt.Sprintf("START CONTEXT BLOCK\n%s\nEND OF CONTEXT BLOCK\n\nSTART QUESTION\n%s\nEND OF QUESTION\n", context, question)
}

func fallbackPrompt(context, question string) string {
	return fmt.Sprintf(`You are an expert code assistant. When answering the question, you MUST only use information present in the provided CONTEXT BLOCK. If the answer cannot be determined from the context, reply exactly: "%s" Do NOT invent facts or guess.

START CONTEXT BLOCK
%s
END OF CONTEXT BLOCK

START QUESTION
%s
END OF QUESTION

At the end, include a SOURCES section listing both file paths (from lines starting with "source:") and commit hashes that directly support your answer. Use only items present in the CONTEXT.
`, domain.RefusalAnswer, context, question)
}

// stripFences removes a markdown code fence some models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func keepKnown(items []string, known map[string]struct{}) []string {
	out := make([]string, 0, len(items))
	for _, item := range uniqueTrimmed(items) {
		if _, ok := known[item]; ok {
			out = append(out, item)
		}
	}
	return out
}

func uniqueTrimmed(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}

func toReferences(files []domain.SourceFile) []domain.FileReference {
	refs := make([]domain.FileReference, 0, len(files))
	for _, f := range files {
		refs = append(refs, domain.FileReference{FileName: f.FileName, SourceCode: f.SourceCode, Summary: f.Summary})
	}
	return refs
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown"
	}
	return s
}
