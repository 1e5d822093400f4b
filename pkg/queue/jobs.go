package queue

// IndexRepoPayload asks the worker to ingest a project's repository. Access
// tokens never ride in the stream; the worker reads them from the project row.
type IndexRepoPayload struct {
	ProjectID string `json:"projectId"`
	RepoURL   string `json:"repoUrl"`
}

type PullCommitsPayload struct {
	ProjectID string `json:"projectId"`
}

type ProcessMeetingPayload struct {
	MeetingID  string `json:"meetingId"`
	ProjectID  string `json:"projectId"`
	MeetingURL string `json:"meetingUrl"`
}
