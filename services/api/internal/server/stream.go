package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"commitly/internal/util"
	"commitly/pkg/domain"
)

// sseWriter emits server-sent events. Headers are committed on the first event
// so that failures before any output can still be reported as JSON errors.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

// send writes one event. Multi-line data is split across data: lines.
func (s *sseWriter) send(event, data string) error {
	s.start()
	var b strings.Builder
	if event != "" {
		fmt.Fprintf(&b, "event: %s\n", event)
	}
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	if _, err := s.w.Write([]byte(b.String())); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

type doneEvent struct {
	Answer          string                 `json:"answer"`
	Structured      bool                   `json:"structured"`
	Files           []string               `json:"files,omitempty"`
	Commits         []string               `json:"commits,omitempty"`
	FilesReferences []domain.FileReference `json:"filesReferences"`
}

// handleAsk streams an answer as text/event-stream: data chunks while the
// answer is produced, then a done event carrying the file references.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if network := util.ClientNetwork(r, s.trustedProxies); !s.allowRate(w, r, s.askNetLimiter, network, "too many questions from this network") {
		s.audit(r, "api.ask", "rate_limited", "user_id", user.ID, "network", network)
		return
	}
	if !s.allowRate(w, r, s.askLimiter, user.ID, "too many questions") {
		s.audit(r, "api.ask", "rate_limited", "user_id", user.ID)
		return
	}
	var req askRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	stream := &sseWriter{w: w, flusher: flusher}
	ctx := r.Context()
	answer, err := s.app.AskQuestion(ctx, user, req.ProjectID, req.Question, func(chunk string) error {
		if err := stream.send("", chunk); err != nil {
			return err
		}
		return ctx.Err()
	})
	if err != nil {
		if !stream.started {
			s.writeAppError(w, r, err)
			return
		}
		util.LoggerFromContext(ctx).Error("answer stream failed", "project_id", req.ProjectID, "err", err)
		_ = stream.send("error", `{"error":"answer failed"}`)
		return
	}
	refs := answer.FilesReferences
	if refs == nil {
		refs = []domain.FileReference{}
	}
	done, err := json.Marshal(doneEvent{
		Answer:          answer.Answer,
		Structured:      answer.Structured,
		Files:           answer.Files,
		Commits:         answer.Commits,
		FilesReferences: refs,
	})
	if err != nil {
		util.LoggerFromContext(ctx).Error("encode done event failed", "err", err)
		_ = stream.send("error", `{"error":"answer failed"}`)
		return
	}
	_ = stream.send("done", string(done))
}
