package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"commitly/pkg/domain"
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 51808841

const (
	defaultEmbeddingDim      = 768
	canonicalEmbeddingDimEnv = "COMMITLY_EMBEDDING_DIM"
)

const searchSourceFilesSQL = `
SELECT id, project_id, file_name, source_code, summary, created_at,
	1 - (summary_embedding <=> ?) AS similarity
FROM source_file_models
WHERE project_id = ?
	AND summary_embedding IS NOT NULL
	AND 1 - (summary_embedding <=> ?) > ?
ORDER BY similarity DESC
LIMIT ?`

type GormStoreOptions struct {
	EmbeddingDim int
}

type GormStoreOption func(*GormStoreOptions)

// WithEmbeddingDim sets the canonical embedding dimension used by storage.
func WithEmbeddingDim(dim int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.EmbeddingDim = dim
	}
}

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db           *gorm.DB
	embeddingDim int
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	embeddingDim, err := resolveEmbeddingDim(opts.EmbeddingDim)
	if err != nil {
		return nil, err
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create pgvector extension: %w", err)
		}
		// Older schemas allowed one row per ingestion run; keep the newest per file
		// so the unique (project_id, file_name) index can be created.
		if tx.Migrator().HasTable(&SourceFileModel{}) {
			if err := tx.Exec(`
				DELETE FROM source_file_models a
				USING source_file_models b
				WHERE a.project_id = b.project_id AND a.file_name = b.file_name
				AND (a.created_at, a.id) < (b.created_at, b.id)
			`).Error; err != nil {
				return fmt.Errorf("dedupe source files: %w", err)
			}
		}
		if err := tx.AutoMigrate(allModels()...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(fmt.Sprintf(`
			DO $$
			BEGIN
			IF EXISTS (
				SELECT 1 FROM information_schema.columns
				WHERE table_name = 'source_file_models' AND column_name = 'summary_embedding'
			) THEN
				ALTER TABLE source_file_models ALTER COLUMN summary_embedding TYPE vector(%d);
			END IF;
			END $$;
		`, embeddingDim)).Error; err != nil {
			return fmt.Errorf("alter summary embedding type: %w", err)
		}
		if err := tx.Exec(`
			CREATE INDEX IF NOT EXISTS source_file_models_summary_embedding_idx
			ON source_file_models USING hnsw (summary_embedding vector_cosine_ops)
		`).Error; err != nil {
			return fmt.Errorf("create embedding index: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'issue_models'
					AND constraint_name = 'issue_models_meeting_id_fkey'
				) THEN
					ALTER TABLE issue_models
					ADD CONSTRAINT issue_models_meeting_id_fkey
					FOREIGN KEY (meeting_id) REFERENCES meeting_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'source_file_models'
					AND constraint_name = 'source_file_models_project_id_fkey'
				) THEN
					ALTER TABLE source_file_models
					ADD CONSTRAINT source_file_models_project_id_fkey
					FOREIGN KEY (project_id) REFERENCES project_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'commit_models'
					AND constraint_name = 'commit_models_project_id_fkey'
				) THEN
					ALTER TABLE commit_models
					ADD CONSTRAINT commit_models_project_id_fkey
					FOREIGN KEY (project_id) REFERENCES project_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure project foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, embeddingDim: embeddingDim}, nil
}

// NewGormStoreWithDB wraps an already opened database. Callers own migrations.
func NewGormStoreWithDB(db *gorm.DB, embeddingDim int) *GormStore {
	return &GormStore{db: db, embeddingDim: embeddingDim}
}

// Ping verifies the database connection.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func resolveEmbeddingDim(configValue int) (int, error) {
	if configValue > 0 {
		return configValue, nil
	}
	raw := strings.TrimSpace(os.Getenv(canonicalEmbeddingDimEnv))
	if raw == "" {
		return defaultEmbeddingDim, nil
	}
	dim, err := strconv.Atoi(raw)
	if err != nil || dim <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", canonicalEmbeddingDimEnv, raw)
	}
	return dim, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// EnsureUser inserts the user on first sight and refreshes profile fields afterwards.
// Credits are only written on insert.
func (s *GormStore) EnsureUser(u domain.User) (domain.User, error) {
	now := time.Now().UTC()
	model := userToModel(u)
	if model.CreatedAt.IsZero() {
		model.CreatedAt = now
	}
	model.UpdatedAt = now
	if err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email_address", "first_name", "last_name", "image_url", "updated_at"}),
	}).Create(&model).Error; err != nil {
		return domain.User{}, err
	}
	user, ok, err := s.GetUser(u.ID)
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return user, nil
}

// GetUser returns a user by ID.
func (s *GormStore) GetUser(id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// CreateProjectWithCredits deducts cost from the owner's balance, creates the
// project and links the owner as its first member in one transaction.
func (s *GormStore) CreateProjectWithCredits(p domain.Project, ownerID string, cost int) (domain.Project, error) {
	if cost < 0 {
		return domain.Project{}, fmt.Errorf("negative credit cost %d", cost)
	}
	now := time.Now().UTC()
	model := projectToModel(p)
	if model.ID == "" {
		model.ID = uuid.NewString()
	}
	model.CreatedAt = now
	model.UpdatedAt = now
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&UserModel{}).
			Where("id = ? AND credits >= ?", ownerID, cost).
			Updates(map[string]any{
				"credits":    gorm.Expr("credits - ?", cost),
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&UserModel{}).Where("id = ?", ownerID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrNotFound
			}
			return ErrInsufficientCredits
		}
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("create project: %w", err)
		}
		member := MemberModel{
			ID:        uuid.NewString(),
			UserID:    ownerID,
			ProjectID: model.ID,
			CreatedAt: now,
		}
		if err := tx.Create(&member).Error; err != nil {
			return fmt.Errorf("link owner: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Project{}, err
	}
	return projectFromModel(model), nil
}

// GetProject returns a project by ID regardless of membership.
func (s *GormStore) GetProject(id string) (domain.Project, bool, error) {
	var model ProjectModel
	if err := s.db.First(&model, "id = ? AND deleted_at IS NULL", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Project{}, false, nil
		}
		return domain.Project{}, false, err
	}
	return projectFromModel(model), true, nil
}

// GetMemberProject returns the project only when userID is one of its members.
func (s *GormStore) GetMemberProject(projectID, userID string) (domain.Project, bool, error) {
	var model ProjectModel
	err := s.db.
		Where("id = ? AND deleted_at IS NULL", projectID).
		Where("id IN (?)", s.db.Model(&MemberModel{}).Select("project_id").Where("user_id = ?", userID)).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Project{}, false, nil
		}
		return domain.Project{}, false, err
	}
	return projectFromModel(model), true, nil
}

// ListProjectsByMember returns active projects visible to userID, newest first.
func (s *GormStore) ListProjectsByMember(userID string) ([]domain.Project, error) {
	var models []ProjectModel
	if err := s.db.
		Where("deleted_at IS NULL AND is_archived = ?", false).
		Where("id IN (?)", s.db.Model(&MemberModel{}).Select("project_id").Where("user_id = ?", userID)).
		Order("created_at DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	projects := make([]domain.Project, 0, len(models))
	for _, m := range models {
		projects = append(projects, projectFromModel(m))
	}
	return projects, nil
}

// ArchiveProject flags the project archived. Archiving twice keeps the first timestamp.
func (s *GormStore) ArchiveProject(id string) (domain.Project, error) {
	now := time.Now().UTC()
	err := s.db.Model(&ProjectModel{}).
		Where("id = ? AND deleted_at IS NULL AND is_archived = ?", id, false).
		Updates(map[string]any{
			"is_archived": true,
			"archived_at": now,
			"updated_at":  now,
		}).Error
	if err != nil {
		return domain.Project{}, err
	}
	project, ok, err := s.GetProject(id)
	if err != nil {
		return domain.Project{}, err
	}
	if !ok {
		return domain.Project{}, ErrNotFound
	}
	return project, nil
}

// AddMember links a user to a project. Returns false when the link already existed.
func (s *GormStore) AddMember(projectID, userID string) (bool, error) {
	model := MemberModel{
		ID:        uuid.NewString(),
		UserID:    userID,
		ProjectID: projectID,
		CreatedAt: time.Now().UTC(),
	}
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "project_id"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListMembers returns project members with their user records attached.
func (s *GormStore) ListMembers(projectID string) ([]domain.Member, error) {
	var models []MemberModel
	if err := s.db.Where("project_id = ?", projectID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	userIDs := make([]string, 0, len(models))
	for _, m := range models {
		userIDs = append(userIDs, m.UserID)
	}
	users, err := s.usersByID(userIDs)
	if err != nil {
		return nil, err
	}
	members := make([]domain.Member, 0, len(models))
	for _, m := range models {
		member := domain.Member{
			ID:        m.ID,
			UserID:    m.UserID,
			ProjectID: m.ProjectID,
			CreatedAt: m.CreatedAt,
		}
		if u, ok := users[m.UserID]; ok {
			u := u
			member.User = &u
		}
		members = append(members, member)
	}
	return members, nil
}

// ListCommitHashes returns the set of commit hashes already stored for a project.
func (s *GormStore) ListCommitHashes(projectID string) (map[string]struct{}, error) {
	var hashes []string
	if err := s.db.Model(&CommitModel{}).Where("project_id = ?", projectID).Pluck("commit_hash", &hashes).Error; err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	return set, nil
}

// InsertCommits bulk-inserts commits, skipping (project, hash) pairs that already exist.
func (s *GormStore) InsertCommits(commits []domain.Commit) (int, error) {
	if len(commits) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	models := make([]CommitModel, 0, len(commits))
	for _, c := range commits {
		m := commitToModel(c)
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		m.CreatedAt = now
		m.UpdatedAt = now
		models = append(models, m)
	}
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: "commit_hash"}},
		DoNothing: true,
	}).Create(&models)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// ListCommits returns commits newest first. limit <= 0 returns all.
func (s *GormStore) ListCommits(projectID string, limit int) ([]domain.Commit, error) {
	q := s.db.Where("project_id = ?", projectID).Order("commit_date DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []CommitModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	commits := make([]domain.Commit, 0, len(models))
	for _, m := range models {
		commits = append(commits, commitFromModel(m))
	}
	return commits, nil
}

// SaveSourceFile stores a file together with its summary embedding in a single
// statement. Re-indexing a file replaces its summary and embedding in place.
func (s *GormStore) SaveSourceFile(f domain.SourceFile) error {
	model := SourceFileModel{
		ID:         f.ID,
		ProjectID:  f.ProjectID,
		FileName:   f.FileName,
		SourceCode: f.SourceCode,
		Summary:    f.Summary,
		CreatedAt:  time.Now().UTC(),
	}
	if model.ID == "" {
		model.ID = uuid.NewString()
	}
	model.UpdatedAt = model.CreatedAt
	if len(f.Embedding) > 0 {
		if err := s.validateEmbeddingDim(f.Embedding); err != nil {
			return err
		}
		vec := pgvector.NewVector(f.Embedding)
		model.SummaryEmbedding = &vec
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: "file_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"source_code", "summary", "summary_embedding", "updated_at"}),
	}).Create(&model).Error
}

type sourceFileMatch struct {
	ID         string
	ProjectID  string
	FileName   string
	SourceCode string
	Summary    string
	CreatedAt  time.Time
	Similarity float64
}

// SearchSourceFiles returns files whose cosine similarity to embedding exceeds
// minSimilarity, most similar first.
func (s *GormStore) SearchSourceFiles(projectID string, embedding []float32, minSimilarity float64, limit int) ([]domain.SourceFile, error) {
	if limit <= 0 {
		return []domain.SourceFile{}, nil
	}
	if err := s.validateEmbeddingDim(embedding); err != nil {
		return nil, err
	}
	vec := pgvector.NewVector(embedding)
	var rows []sourceFileMatch
	if err := s.db.Raw(searchSourceFilesSQL, vec, projectID, vec, minSimilarity, limit).Scan(&rows).Error; err != nil {
		return nil, err
	}
	files := make([]domain.SourceFile, 0, len(rows))
	for _, r := range rows {
		files = append(files, domain.SourceFile{
			ID:         r.ID,
			ProjectID:  r.ProjectID,
			FileName:   r.FileName,
			SourceCode: r.SourceCode,
			Summary:    r.Summary,
			Similarity: r.Similarity,
			CreatedAt:  r.CreatedAt,
		})
	}
	return files, nil
}

// GetSourceFilesByNames returns the project's files whose names are in names.
func (s *GormStore) GetSourceFilesByNames(projectID string, names []string) ([]domain.SourceFile, error) {
	if len(names) == 0 {
		return []domain.SourceFile{}, nil
	}
	var models []SourceFileModel
	if err := s.db.
		Select("id", "project_id", "file_name", "source_code", "summary", "created_at").
		Where("project_id = ? AND file_name IN ?", projectID, names).
		Order("file_name ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	files := make([]domain.SourceFile, 0, len(models))
	for _, m := range models {
		files = append(files, domain.SourceFile{
			ID:         m.ID,
			ProjectID:  m.ProjectID,
			FileName:   m.FileName,
			SourceCode: m.SourceCode,
			Summary:    m.Summary,
			CreatedAt:  m.CreatedAt,
		})
	}
	return files, nil
}

// SaveQuestion persists a saved answer.
func (s *GormStore) SaveQuestion(q domain.Question) error {
	model, err := questionToModel(q)
	if err != nil {
		return err
	}
	if model.ID == "" {
		model.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if model.CreatedAt.IsZero() {
		model.CreatedAt = now
	}
	model.UpdatedAt = now
	return s.db.Create(&model).Error
}

// ListQuestions returns the project's saved questions newest first, with askers attached.
func (s *GormStore) ListQuestions(projectID string) ([]domain.Question, error) {
	var models []QuestionModel
	if err := s.db.Where("project_id = ?", projectID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	userIDs := make([]string, 0, len(models))
	for _, m := range models {
		userIDs = append(userIDs, m.UserID)
	}
	users, err := s.usersByID(userIDs)
	if err != nil {
		return nil, err
	}
	questions := make([]domain.Question, 0, len(models))
	for _, m := range models {
		q, err := questionFromModel(m)
		if err != nil {
			return nil, err
		}
		if u, ok := users[m.UserID]; ok {
			u := u
			q.User = &u
		}
		questions = append(questions, q)
	}
	return questions, nil
}

// CreateMeeting inserts a meeting record.
func (s *GormStore) CreateMeeting(m domain.Meeting) error {
	model := meetingToModel(m)
	if model.ID == "" {
		model.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if model.CreatedAt.IsZero() {
		model.CreatedAt = now
	}
	model.UpdatedAt = now
	return s.db.Create(&model).Error
}

// GetMeeting returns a meeting with its issues.
func (s *GormStore) GetMeeting(id string) (domain.Meeting, bool, error) {
	var model MeetingModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Meeting{}, false, nil
		}
		return domain.Meeting{}, false, err
	}
	meeting := meetingFromModel(model)
	issues, err := s.listIssues([]string{id})
	if err != nil {
		return domain.Meeting{}, false, err
	}
	meeting.Issues = issues[id]
	return meeting, true, nil
}

// ListMeetings returns the project's meetings newest first, each with its issues.
func (s *GormStore) ListMeetings(projectID string) ([]domain.Meeting, error) {
	var models []MeetingModel
	if err := s.db.Where("project_id = ?", projectID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.ID)
	}
	issues, err := s.listIssues(ids)
	if err != nil {
		return nil, err
	}
	meetings := make([]domain.Meeting, 0, len(models))
	for _, m := range models {
		meeting := meetingFromModel(m)
		meeting.Issues = issues[m.ID]
		meetings = append(meetings, meeting)
	}
	return meetings, nil
}

// DeleteMeeting removes a meeting and its issues, returning the removed meeting.
func (s *GormStore) DeleteMeeting(id string) (domain.Meeting, bool, error) {
	var deleted domain.Meeting
	found := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var model MeetingModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		found = true
		deleted = meetingFromModel(model)
		if err := tx.Delete(&IssueModel{}, "meeting_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&MeetingModel{}, "id = ?", id).Error
	})
	if err != nil {
		return domain.Meeting{}, false, err
	}
	return deleted, found, nil
}

// CompleteMeeting replaces the meeting's issues, renames it after the first
// headline and marks it COMPLETED in one transaction.
func (s *GormStore) CompleteMeeting(id string, issues []domain.Issue) (domain.Meeting, error) {
	now := time.Now().UTC()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var model MeetingModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if err := tx.Delete(&IssueModel{}, "meeting_id = ?", id).Error; err != nil {
			return err
		}
		if len(issues) > 0 {
			models := make([]IssueModel, 0, len(issues))
			for _, issue := range issues {
				m := issueToModel(issue)
				if m.ID == "" {
					m.ID = uuid.NewString()
				}
				m.MeetingID = id
				m.CreatedAt = now
				m.UpdatedAt = now
				models = append(models, m)
			}
			if err := tx.CreateInBatches(&models, 200).Error; err != nil {
				return err
			}
		}
		updates := map[string]any{
			"status":     string(domain.MeetingCompleted),
			"updated_at": now,
		}
		if len(issues) > 0 && strings.TrimSpace(issues[0].Headline) != "" {
			updates["name"] = strings.TrimSpace(issues[0].Headline)
		}
		return tx.Model(&MeetingModel{}).Where("id = ?", id).Updates(updates).Error
	})
	if err != nil {
		return domain.Meeting{}, err
	}
	meeting, ok, err := s.GetMeeting(id)
	if err != nil {
		return domain.Meeting{}, err
	}
	if !ok {
		return domain.Meeting{}, ErrNotFound
	}
	return meeting, nil
}

// RecordPurchase stores a purchase and credits the user's balance atomically.
func (s *GormStore) RecordPurchase(userID string, credits int) (domain.StripeTransaction, error) {
	if credits <= 0 {
		return domain.StripeTransaction{}, fmt.Errorf("invalid credit amount %d", credits)
	}
	now := time.Now().UTC()
	model := StripeTransactionModel{
		ID:        uuid.NewString(),
		UserID:    userID,
		Credits:   credits,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&UserModel{}).Where("id = ?", userID).Updates(map[string]any{
			"credits":    gorm.Expr("credits + ?", credits),
			"updated_at": now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Create(&model).Error
	})
	if err != nil {
		return domain.StripeTransaction{}, err
	}
	return transactionFromModel(model), nil
}

// ListTransactions returns the user's purchases newest first.
func (s *GormStore) ListTransactions(userID string) ([]domain.StripeTransaction, error) {
	var models []StripeTransactionModel
	if err := s.db.Where("user_id = ?", userID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.StripeTransaction, 0, len(models))
	for _, m := range models {
		out = append(out, transactionFromModel(m))
	}
	return out, nil
}

func (s *GormStore) usersByID(ids []string) (map[string]domain.User, error) {
	out := make(map[string]domain.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var models []UserModel
	if err := s.db.Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, err
	}
	for _, m := range models {
		out[m.ID] = userFromModel(m)
	}
	return out, nil
}

func (s *GormStore) listIssues(meetingIDs []string) (map[string][]domain.Issue, error) {
	out := make(map[string][]domain.Issue, len(meetingIDs))
	if len(meetingIDs) == 0 {
		return out, nil
	}
	var models []IssueModel
	if err := s.db.Where("meeting_id IN ?", meetingIDs).Order("created_at ASC, start ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	for _, m := range models {
		out[m.MeetingID] = append(out[m.MeetingID], issueFromModel(m))
	}
	return out, nil
}

func (s *GormStore) validateEmbeddingDim(embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("embedding vector is empty")
	}
	if s.embeddingDim > 0 && len(embedding) != s.embeddingDim {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), s.embeddingDim)
	}
	return nil
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		EmailAddress: u.EmailAddress,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		ImageURL:     u.ImageURL,
		Credits:      u.Credits,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		EmailAddress: m.EmailAddress,
		FirstName:    m.FirstName,
		LastName:     m.LastName,
		ImageURL:     m.ImageURL,
		Credits:      m.Credits,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func projectToModel(p domain.Project) ProjectModel {
	return ProjectModel{
		ID:          p.ID,
		Name:        p.Name,
		GithubURL:   p.GithubURL,
		GithubToken: p.SealedGithubToken,
		IsArchived:  p.IsArchived,
		ArchivedAt:  p.ArchivedAt,
		DeletedAt:   p.DeletedAt,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func projectFromModel(m ProjectModel) domain.Project {
	return domain.Project{
		ID:                m.ID,
		Name:              m.Name,
		GithubURL:         m.GithubURL,
		SealedGithubToken: m.GithubToken,
		IsArchived:        m.IsArchived,
		ArchivedAt:        m.ArchivedAt,
		DeletedAt:         m.DeletedAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func commitToModel(c domain.Commit) CommitModel {
	return CommitModel{
		ID:                 c.ID,
		ProjectID:          c.ProjectID,
		CommitHash:         c.CommitHash,
		CommitMessage:      c.CommitMessage,
		CommitAuthorName:   c.CommitAuthorName,
		CommitAuthorAvatar: c.CommitAuthorAvatar,
		CommitDate:         c.CommitDate,
		Summary:            c.Summary,
	}
}

func commitFromModel(m CommitModel) domain.Commit {
	return domain.Commit{
		ID:                 m.ID,
		ProjectID:          m.ProjectID,
		CommitHash:         m.CommitHash,
		CommitMessage:      m.CommitMessage,
		CommitAuthorName:   m.CommitAuthorName,
		CommitAuthorAvatar: m.CommitAuthorAvatar,
		CommitDate:         m.CommitDate,
		Summary:            m.Summary,
		CreatedAt:          m.CreatedAt,
	}
}

func meetingToModel(m domain.Meeting) MeetingModel {
	status := m.Status
	if status == "" {
		status = domain.MeetingProcessing
	}
	return MeetingModel{
		ID:                 m.ID,
		ProjectID:          m.ProjectID,
		Name:               m.Name,
		MeetingURL:         m.MeetingURL,
		CloudinaryPublicID: m.CloudinaryPublicID,
		StorageKey:         m.StorageKey,
		Status:             string(status),
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func meetingFromModel(m MeetingModel) domain.Meeting {
	return domain.Meeting{
		ID:                 m.ID,
		ProjectID:          m.ProjectID,
		Name:               m.Name,
		MeetingURL:         m.MeetingURL,
		CloudinaryPublicID: m.CloudinaryPublicID,
		StorageKey:         m.StorageKey,
		Status:             domain.MeetingStatus(m.Status),
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func issueToModel(i domain.Issue) IssueModel {
	return IssueModel{
		ID:        i.ID,
		MeetingID: i.MeetingID,
		Start:     i.Start,
		End:       i.End,
		Gist:      i.Gist,
		Headline:  i.Headline,
		Summary:   i.Summary,
	}
}

func issueFromModel(m IssueModel) domain.Issue {
	return domain.Issue{
		ID:        m.ID,
		MeetingID: m.MeetingID,
		Start:     m.Start,
		End:       m.End,
		Gist:      m.Gist,
		Headline:  m.Headline,
		Summary:   m.Summary,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func questionToModel(q domain.Question) (QuestionModel, error) {
	refs := q.FilesReferences
	if refs == nil {
		refs = []domain.FileReference{}
	}
	raw, err := json.Marshal(refs)
	if err != nil {
		return QuestionModel{}, fmt.Errorf("encode file references: %w", err)
	}
	return QuestionModel{
		ID:              q.ID,
		ProjectID:       q.ProjectID,
		UserID:          q.UserID,
		Question:        q.Question,
		Answer:          q.Answer,
		FilesReferences: raw,
		CreatedAt:       q.CreatedAt,
		UpdatedAt:       q.UpdatedAt,
	}, nil
}

func questionFromModel(m QuestionModel) (domain.Question, error) {
	refs := []domain.FileReference{}
	if len(m.FilesReferences) > 0 {
		if err := json.Unmarshal(m.FilesReferences, &refs); err != nil {
			return domain.Question{}, fmt.Errorf("decode file references: %w", err)
		}
	}
	return domain.Question{
		ID:              m.ID,
		ProjectID:       m.ProjectID,
		UserID:          m.UserID,
		Question:        m.Question,
		Answer:          m.Answer,
		FilesReferences: refs,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}, nil
}

func transactionFromModel(m StripeTransactionModel) domain.StripeTransaction {
	return domain.StripeTransaction{
		ID:        m.ID,
		UserID:    m.UserID,
		Credits:   m.Credits,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
