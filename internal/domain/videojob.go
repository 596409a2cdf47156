package domain

import "time"

// JobStatus enumerates video job lifecycle states.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// LogLevel enumerates job log entry severities.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogEntry is one append-only progress note on a job. Entries are written by
// SQL as part of the same statement that mutates the job row, so a log line is
// never visible without its matching state change.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// VideoJob is one tracked request to produce a video artifact. Request
// parameters are immutable after creation; the runtime fields are mutated only
// by the worker that claimed the job, and never again once a terminal status
// is written.
type VideoJob struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`

	Prompt             string   `json:"prompt,omitempty"`
	Model              string   `json:"model"`
	Resolution         string   `json:"resolution"`
	AspectRatio        string   `json:"aspectRatio"`
	DurationSeconds    *int     `json:"durationSeconds,omitempty"`
	GenerateAudio      bool     `json:"generateAudio"`
	MockMode           bool     `json:"mockMode"`
	InitialImageKey    string   `json:"initialImageKey,omitempty"`
	EndFrameKey        string   `json:"endFrameKey,omitempty"`
	ReferenceImageKeys []string `json:"referenceImageKeys,omitempty"`

	Status             JobStatus  `json:"status"`
	StatusMessage      string     `json:"statusMessage,omitempty"`
	ErrorMessage       string     `json:"errorMessage,omitempty"`
	ProgressPercentage int        `json:"progressPercentage"`
	Logs               []LogEntry `json:"logs"`
	ArtifactURL        string     `json:"artifactUrl,omitempty"`
	TokensConsumed     int        `json:"tokensConsumed"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}
