package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"commitly/internal/util"
	"commitly/pkg/domain"
	"commitly/pkg/queue"
	"commitly/pkg/storage"
)

// storedMeetingURLExpiry is the longest lifetime a SigV4 presigned URL may have.
const storedMeetingURLExpiry = 7 * 24 * time.Hour

// CloudinarySign returns upload parameters for the caller's meeting folder.
func (a *App) CloudinarySign(user domain.User) (storage.UploadSignature, error) {
	if a.cloudinary == nil {
		return storage.UploadSignature{}, ErrNotConfigured
	}
	return a.cloudinary.SignUpload("meetings/"+user.ID, a.now()), nil
}

// UploadTarget is a presigned URL the client PUTs meeting audio to.
type UploadTarget struct {
	UploadURL  string `json:"uploadUrl"`
	StorageKey string `json:"storageKey"`
	ExpiresIn  int    `json:"expiresIn"`
}

// MeetingUploadURL issues a presigned PUT URL for a recording of projectID.
func (a *App) MeetingUploadURL(ctx context.Context, user domain.User, projectID, filename string) (UploadTarget, error) {
	if a.objects == nil {
		return UploadTarget{}, ErrNotConfigured
	}
	project, err := a.memberProject(user, projectID)
	if err != nil {
		return UploadTarget{}, err
	}
	key := storage.MeetingObjectKey(project.ID, filename)
	url, err := a.objects.PresignPut(ctx, key, a.uploadURLExpiry)
	if err != nil {
		return UploadTarget{}, fmt.Errorf("presign upload: %w", err)
	}
	return UploadTarget{UploadURL: url, StorageKey: key, ExpiresIn: int(a.uploadURLExpiry.Seconds())}, nil
}

type CreateMeetingInput struct {
	ProjectID          string `json:"projectId"`
	Name               string `json:"name"`
	MeetingURL         string `json:"meetingUrl"`
	CloudinaryPublicID string `json:"cloudinaryPublicId,omitempty"`
	StorageKey         string `json:"storageKey,omitempty"`
}

// CreateMeeting records an uploaded recording in PROCESSING state. A
// recording stored in object storage may omit meetingUrl.
func (a *App) CreateMeeting(ctx context.Context, user domain.User, in CreateMeetingInput) (domain.Meeting, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.MeetingURL = strings.TrimSpace(in.MeetingURL)
	in.StorageKey = strings.TrimSpace(in.StorageKey)
	verr := &ValidationError{}
	if strings.TrimSpace(in.ProjectID) == "" {
		verr.add("projectId", "projectId is required")
	}
	if in.Name == "" {
		verr.add("name", "name is required")
	}
	if in.MeetingURL == "" && in.StorageKey == "" {
		verr.add("meetingUrl", "meetingUrl is required")
	}
	if err := verr.orNil(); err != nil {
		return domain.Meeting{}, err
	}
	project, err := a.memberProject(user, in.ProjectID)
	if err != nil {
		return domain.Meeting{}, err
	}
	if in.StorageKey != "" {
		if !strings.HasPrefix(in.StorageKey, "meetings/"+project.ID+"/") {
			return domain.Meeting{}, &ValidationError{Fields: map[string]string{"storageKey": "storageKey does not belong to this project"}}
		}
		if a.objects == nil {
			return domain.Meeting{}, ErrNotConfigured
		}
		if in.MeetingURL == "" {
			url, err := a.objects.PresignGet(ctx, in.StorageKey, storedMeetingURLExpiry)
			if err != nil {
				return domain.Meeting{}, fmt.Errorf("presign recording: %w", err)
			}
			in.MeetingURL = url
		}
	}
	now := a.now().UTC()
	meeting := domain.Meeting{
		ID:                 util.NewID(),
		ProjectID:          project.ID,
		Name:               in.Name,
		MeetingURL:         in.MeetingURL,
		CloudinaryPublicID: strings.TrimSpace(in.CloudinaryPublicID),
		StorageKey:         in.StorageKey,
		Status:             domain.MeetingProcessing,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := a.store.CreateMeeting(meeting); err != nil {
		return domain.Meeting{}, fmt.Errorf("create meeting: %w", err)
	}
	a.log.Info("meeting created", "meeting_id", meeting.ID, "project_id", project.ID, "user_id", user.ID)
	return meeting, nil
}

// ListMeetings returns the project's meetings newest first with their issues.
func (a *App) ListMeetings(user domain.User, projectID string) ([]domain.Meeting, error) {
	project, err := a.memberProject(user, projectID)
	if err != nil {
		return nil, err
	}
	meetings, err := a.store.ListMeetings(project.ID)
	if err != nil {
		return nil, fmt.Errorf("list meetings: %w", err)
	}
	return meetings, nil
}

// GetMeeting returns a meeting with its issues when the caller belongs to its project.
func (a *App) GetMeeting(user domain.User, meetingID string) (domain.Meeting, error) {
	meetingID = strings.TrimSpace(meetingID)
	if meetingID == "" {
		return domain.Meeting{}, &ValidationError{Fields: map[string]string{"meetingId": "meetingId is required"}}
	}
	meeting, ok, err := a.store.GetMeeting(meetingID)
	if err != nil {
		return domain.Meeting{}, fmt.Errorf("load meeting: %w", err)
	}
	if !ok {
		return domain.Meeting{}, ErrMeetingNotFound
	}
	if _, err := a.memberProject(user, meeting.ProjectID); err != nil {
		if errors.Is(err, ErrProjectNotFound) {
			return domain.Meeting{}, ErrMeetingNotFound
		}
		return domain.Meeting{}, err
	}
	return meeting, nil
}

// DeleteMeeting removes a meeting with its issues. The stored recording is removed best-effort.
func (a *App) DeleteMeeting(ctx context.Context, user domain.User, meetingID string) (domain.Meeting, error) {
	meeting, err := a.GetMeeting(user, meetingID)
	if err != nil {
		return domain.Meeting{}, err
	}
	deleted, ok, err := a.store.DeleteMeeting(meeting.ID)
	if err != nil {
		return domain.Meeting{}, fmt.Errorf("delete meeting: %w", err)
	}
	if !ok {
		return domain.Meeting{}, ErrMeetingNotFound
	}
	if deleted.StorageKey != "" && a.objects != nil {
		if err := a.objects.Delete(ctx, deleted.StorageKey); err != nil {
			a.log.Warn("delete recording failed", "meeting_id", deleted.ID, "key", deleted.StorageKey, "err", err)
		}
	}
	a.log.Info("meeting deleted", "meeting_id", deleted.ID, "user_id", user.ID)
	return deleted, nil
}

type ProcessMeetingInput struct {
	MeetingID  string `json:"meetingId"`
	ProjectID  string `json:"projectId"`
	MeetingURL string `json:"meetingUrl"`
}

// ProcessMeeting queues transcription of a meeting recording.
func (a *App) ProcessMeeting(ctx context.Context, user domain.User, in ProcessMeetingInput) (queue.JobStatus, error) {
	if strings.TrimSpace(in.MeetingID) == "" {
		return queue.JobStatus{}, &ValidationError{Fields: map[string]string{"meetingId": "meetingId is required"}}
	}
	meeting, err := a.GetMeeting(user, in.MeetingID)
	if err != nil {
		return queue.JobStatus{}, err
	}
	if pid := strings.TrimSpace(in.ProjectID); pid != "" && pid != meeting.ProjectID {
		return queue.JobStatus{}, ErrMeetingNotFound
	}
	url := strings.TrimSpace(in.MeetingURL)
	if url == "" {
		url = meeting.MeetingURL
	}
	job, err := a.jobs.Enqueue(ctx, queue.KindProcessMeeting, meeting.ID, queue.ProcessMeetingPayload{
		MeetingID:  meeting.ID,
		ProjectID:  meeting.ProjectID,
		MeetingURL: url,
	})
	if err != nil {
		return queue.JobStatus{}, fmt.Errorf("enqueue meeting job: %w", err)
	}
	return job, nil
}
