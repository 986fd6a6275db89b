// Package jobs provides the durable background queue shared by the HTTP
// surface and the worker. Jobs survive process restarts and are retried
// with exponential backoff until they succeed, exhaust their attempts, or
// fail on their payload.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// JobType identifies the kind of work a job performs.
type JobType string

const (
	// JobTypeConvert turns a spooled upload into a dump database.
	JobTypeConvert JobType = "convert"
	// JobTypeUpdateTips refreshes visible_at_tip for every repository.
	JobTypeUpdateTips JobType = "update-tips"
)

// Job represents one unit of durable work with its retry state.
type Job struct {
	ID           string     `json:"id"`
	Type         JobType    `json:"type"`
	Payload      string     `json:"payload,omitempty"`
	Status       JobStatus  `json:"status"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"maxAttempts"`
	CreatedAt    time.Time  `json:"createdAt"`
	ProcessAfter time.Time  `json:"processAfter"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// ConvertPayload carries the arguments of a convert job.
type ConvertPayload struct {
	Repository string `json:"repository"`
	Commit     string `json:"commit"`
	Root       string `json:"root"`
	Filename   string `json:"filename"`
}

// NewConvertJob creates a queued convert job for a spooled upload.
func NewConvertJob(repository, commit, root, filename string, maxAttempts int) (*Job, error) {
	payload, err := json.Marshal(ConvertPayload{
		Repository: repository,
		Commit:     commit,
		Root:       root,
		Filename:   filename,
	})
	if err != nil {
		return nil, err
	}
	return newJob(JobTypeConvert, string(payload), maxAttempts), nil
}

// NewUpdateTipsJob creates a queued update-tips job.
func NewUpdateTipsJob(maxAttempts int) *Job {
	return newJob(JobTypeUpdateTips, "", maxAttempts)
}

func newJob(jobType JobType, payload string, maxAttempts int) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:           uuid.New().String(),
		Type:         jobType,
		Payload:      payload,
		Status:       JobQueued,
		MaxAttempts:  maxAttempts,
		CreatedAt:    now,
		ProcessAfter: now,
	}
}

// ParseConvertPayload decodes a convert job's payload.
func ParseConvertPayload(payload string) (*ConvertPayload, error) {
	var p ConvertPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// MarkCompleted transitions the job to completed state.
func (j *Job) MarkCompleted() {
	now := time.Now().UTC()
	j.Status = JobCompleted
	j.CompletedAt = &now
	j.Error = ""
}

// MarkFailed transitions the job to failed state; no further attempts run.
func (j *Job) MarkFailed(err error) {
	now := time.Now().UTC()
	j.Status = JobFailed
	j.CompletedAt = &now
	if err != nil {
		j.Error = err.Error()
	}
}

// MarkRetry returns the job to the queue with a delay before the next
// attempt. The last error is kept for operator inspection.
func (j *Job) MarkRetry(err error, delay time.Duration) {
	j.Status = JobQueued
	j.StartedAt = nil
	j.ProcessAfter = time.Now().UTC().Add(delay)
	if err != nil {
		j.Error = err.Error()
	}
}
