package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"commitly/internal/metrics"
	"commitly/internal/ratelimit"
	"commitly/internal/usertoken"
	"commitly/internal/util"
	"commitly/pkg/domain"
	"commitly/services/api/internal/app"
)

const maxBodyBytes = 1 << 20

// TokenVerifier validates identity-provider session tokens.
type TokenVerifier interface {
	Verify(token string) (usertoken.Identity, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                            *app.App
	TokenVerifier                  TokenVerifier
	RedisAddr                      string
	RedisPassword                  string
	AskRateLimitPerMinute          int
	CheckCreditsRateLimitPerMinute int
	CORSAllowedOrigins             []string
	TrustedProxyCIDRs              []string
}

// Server exposes the Commitly HTTP API.
type Server struct {
	app            *app.App
	tokenVerifier  TokenVerifier
	mux            *http.ServeMux
	allowedOrigins []string
	trustedProxies *util.TrustedProxies
	askLimiter     *ratelimit.FixedWindowLimiter
	askNetLimiter  *ratelimit.FixedWindowLimiter
	creditsLimiter *ratelimit.FixedWindowLimiter
}

// askNetworkFactor bounds how many users' worth of questions one client
// network may ask per window.
const askNetworkFactor = 3

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("token verifier required")
	}
	askLimit := cfg.AskRateLimitPerMinute
	if askLimit <= 0 {
		askLimit = 20
	}
	creditsLimit := cfg.CheckCreditsRateLimitPerMinute
	if creditsLimit <= 0 {
		creditsLimit = 10
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	rateWindow := time.Minute
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "commitly:api:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, rateWindow)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	askLimiter, err := newLimiter("ask", askLimit)
	if err != nil {
		return nil, err
	}
	askNetLimiter, err := newLimiter("ask_network", askLimit*askNetworkFactor)
	if err != nil {
		_ = askLimiter.Close()
		return nil, err
	}
	creditsLimiter, err := newLimiter("check_credits", creditsLimit)
	if err != nil {
		_ = askLimiter.Close()
		_ = askNetLimiter.Close()
		return nil, err
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		mux:            http.NewServeMux(),
		allowedOrigins: cfg.CORSAllowedOrigins,
		trustedProxies: trusted,
		askLimiter:     askLimiter,
		askNetLimiter:  askNetLimiter,
		creditsLimiter: creditsLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("api", util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.mux))))
}

// Close releases the rate limiter connections.
func (s *Server) Close() error {
	return errors.Join(s.askLimiter.Close(), s.askNetLimiter.Close(), s.creditsLimiter.Close())
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())

	// projects & team
	s.mux.Handle("/api/project", s.authenticated(s.handleProject))
	s.mux.Handle("/api/check-credits", s.authenticated(s.handleCheckCredits))
	s.mux.Handle("/api/archiveProject", s.authenticated(s.handleArchiveProject))
	s.mux.Handle("/api/join/", s.authenticated(s.handleJoin))
	s.mux.Handle("/api/getTeamMembers", s.authenticated(s.handleTeamMembers))
	s.mux.Handle("/api/commit", s.authenticated(s.handleCommits))

	// questions
	s.mux.Handle("/api/questions/ask", s.authenticated(s.handleAsk))
	s.mux.Handle("/api/answers", s.authenticated(s.handleSaveAnswer))
	s.mux.Handle("/api/get-questions", s.authenticated(s.handleListQuestions))
	s.mux.Handle("/api/get-files-by-names", s.authenticated(s.handleFilesByNames))

	// meetings
	s.mux.Handle("/api/cloudinary-sign", s.authenticated(s.handleCloudinarySign))
	s.mux.Handle("/api/meetings/upload-url", s.authenticated(s.handleMeetingUploadURL))
	s.mux.Handle("/api/uploadMeeting", s.authenticated(s.handleUploadMeeting))
	s.mux.Handle("/api/getMeetings", s.authenticated(s.handleListMeetings))
	s.mux.Handle("/api/meetings/", s.authenticated(s.handleMeetingByID))
	s.mux.Handle("/api/process-meeting", s.authenticated(s.handleProcessMeeting))

	// billing
	s.mux.Handle("/api/getUserCredits", s.authenticated(s.handleUserCredits))
	s.mux.Handle("/api/create-checkout-session", s.authenticated(s.handleCreateCheckout))
	s.mux.Handle("/api/transactions", s.authenticated(s.handleTransactions))
	s.mux.HandleFunc("/api/webhook/stripe", s.handleStripeWebhook)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "api.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		id, err := s.tokenVerifier.Verify(token)
		if err != nil {
			s.audit(r, "api.authorize", "fail", "reason", "invalid_signature_or_claims")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.app.EnsureUser(app.Identity{
			UserID:    id.Subject,
			Email:     id.Email,
			FirstName: id.FirstName,
			LastName:  id.LastName,
			ImageURL:  id.ImageURL,
		})
		if err != nil {
			s.audit(r, "api.authorize", "fail", "reason", "provision_failed")
			s.writeAppError(w, r, err)
			return
		}
		s.audit(r, "api.authorize", "success", "user_id", user.ID)
		next(w, r, user)
	})
}

// /api/project
func (s *Server) handleProject(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodPost:
		var req app.CreateProjectInput
		if !decodeJSON(w, r, &req) {
			return
		}
		created, err := s.app.CreateProject(r.Context(), user, req)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		projects, err := s.app.ListProjects(user)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeList(w, projects)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCheckCredits(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.creditsLimiter, user.ID, "too many credit checks") {
		s.audit(r, "api.check_credits", "rate_limited", "user_id", user.ID)
		return
	}
	var req checkCreditsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	check, err := s.app.CheckCredits(r.Context(), user, req.GithubURL, req.GithubToken)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (s *Server) handleArchiveProject(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req projectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	project, err := s.app.ArchiveProject(user, req.ProjectID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// /api/join/{projectId}
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/join/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	project, joined, err := s.app.JoinProject(user, id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": project, "joined": joined})
}

func (s *Server) handleTeamMembers(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	members, err := s.app.ListTeamMembers(user, r.URL.Query().Get("projectId"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeList(w, members)
}

// /api/commit lists commits; POST queues a fresh pull.
func (s *Server) handleCommits(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodGet:
		commits, err := s.app.ListCommits(r.Context(), user, r.URL.Query().Get("projectId"))
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeList(w, commits)
	case http.MethodPost:
		var req projectRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		job, err := s.app.RequestCommitPull(r.Context(), user, req.ProjectID)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleSaveAnswer(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req app.SaveAnswerInput
	if !decodeJSON(w, r, &req) {
		return
	}
	q, err := s.app.SaveAnswer(user, req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (s *Server) handleListQuestions(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	questions, err := s.app.ListQuestions(user, r.URL.Query().Get("projectId"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeList(w, questions)
}

func (s *Server) handleFilesByNames(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	files, err := s.app.FilesByNames(user, q.Get("projectId"), strings.Split(q.Get("files"), ","))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleCloudinarySign(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	sig, err := s.app.CloudinarySign(user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

func (s *Server) handleMeetingUploadURL(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req uploadURLRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	target, err := s.app.MeetingUploadURL(r.Context(), user, req.ProjectID, req.Filename)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (s *Server) handleUploadMeeting(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req app.CreateMeetingInput
	if !decodeJSON(w, r, &req) {
		return
	}
	meeting, err := s.app.CreateMeeting(r.Context(), user, req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, meeting)
}

func (s *Server) handleListMeetings(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	meetings, err := s.app.ListMeetings(user, r.URL.Query().Get("projectId"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeList(w, meetings)
}

// /api/meetings/{id}
func (s *Server) handleMeetingByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := strings.TrimPrefix(r.URL.Path, "/api/meetings/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		meeting, err := s.app.GetMeeting(user, id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, meeting)
	case http.MethodDelete:
		if _, err := s.app.DeleteMeeting(r.Context(), user, id); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleProcessMeeting(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req app.ProcessMeetingInput
	if !decodeJSON(w, r, &req) {
		return
	}
	job, err := s.app.ProcessMeeting(r.Context(), user, req)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleUserCredits(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	credits, err := s.app.GetUserCredits(user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"credits": credits})
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req checkoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	url, err := s.app.CreateCheckout(r.Context(), user, req.Credits)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	txs, err := s.app.ListTransactions(user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeList(w, txs)
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	applied, err := s.app.HandleStripeWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		s.audit(r, "api.stripe_webhook", "fail", "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "api.stripe_webhook", "success", "applied", applied)
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// writeAppError maps application errors onto HTTP statuses. Unexpected
// failures are logged and reported generically.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *app.ValidationError
	var credits *app.InsufficientCreditsError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid input", "details": verr.Fields})
	case errors.As(err, &credits):
		writeError(w, http.StatusBadRequest, credits.Error())
	case errors.Is(err, app.ErrInvalidSignature):
		writeError(w, http.StatusBadRequest, app.ErrInvalidSignature.Error())
	case errors.Is(err, app.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, app.ErrProjectNotFound):
		writeError(w, http.StatusNotFound, app.ErrProjectNotFound.Error())
	case errors.Is(err, app.ErrMeetingNotFound):
		writeError(w, http.StatusNotFound, app.ErrMeetingNotFound.Error())
	case errors.Is(err, app.ErrUserNotFound):
		writeError(w, http.StatusNotFound, app.ErrUserNotFound.Error())
	case errors.Is(err, app.ErrRepoNotFound):
		writeError(w, http.StatusNotFound, app.ErrRepoNotFound.Error())
	case errors.Is(err, app.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, app.ErrRateLimited.Error())
	case errors.Is(err, app.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, app.ErrNotConfigured.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

// allowRate limits per route and caller.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, caller, msg string) bool {
	key := r.URL.Path + "|" + caller
	if limiter.Allow(r.Context(), key) {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(limiter.Window().Seconds())))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if authHeader == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(authHeader, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeList[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type projectRequest struct {
	ProjectID string `json:"projectId"`
}

type checkCreditsRequest struct {
	GithubURL   string `json:"githubUrl"`
	GithubToken string `json:"githubToken,omitempty"`
}

type uploadURLRequest struct {
	ProjectID string `json:"projectId"`
	Filename  string `json:"filename"`
}

type checkoutRequest struct {
	Credits int `json:"credits"`
}

type askRequest struct {
	ProjectID string `json:"projectId"`
	Question  string `json:"question"`
}
