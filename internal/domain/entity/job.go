package entity

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "PENDING"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// ExportKind selects the trim output form.
type ExportKind string

const (
	// ExportKindVideo re-encodes each source into a clipped container.
	ExportKindVideo ExportKind = "video"
	// ExportKindSequence extracts each source as numbered still images.
	ExportKindSequence ExportKind = "sequence"
)

func (k ExportKind) Valid() bool {
	return k == ExportKindVideo || k == ExportKindSequence
}

// ExportJob is one multi-source synchronized export request, tracked across
// retries. SourceKeys and FrameOffsets are index-aligned; index 0 anchors the
// master timeline.
type ExportJob struct {
	ID           uuid.UUID
	UserID       string
	Kind         ExportKind
	SourceKeys   []string
	FrameOffsets []int64
	Status       JobStatus
	WindowStart  int64
	WindowEnd    int64
	FrameCount   int64
	ArtifactKeys []string
	Attempt      int
	MaxAttempts  int
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

func NewExportJob(userID string, kind ExportKind, sourceKeys []string, offsets []int64, maxAttempts int) *ExportJob {
	now := time.Now().UTC()
	return &ExportJob{
		ID:           uuid.New(),
		UserID:       userID,
		Kind:         kind,
		SourceKeys:   sourceKeys,
		FrameOffsets: offsets,
		Status:       JobStatusPending,
		Attempt:      0,
		MaxAttempts:  maxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (j *ExportJob) MarkProcessing() {
	j.Status = JobStatusProcessing
	j.Attempt++
	j.UpdatedAt = time.Now().UTC()
}

func (j *ExportJob) MarkCompleted(windowStart, windowEnd int64, artifactKeys []string) {
	now := time.Now().UTC()
	j.Status = JobStatusCompleted
	j.WindowStart = windowStart
	j.WindowEnd = windowEnd
	j.FrameCount = windowEnd - windowStart + 1
	j.ArtifactKeys = artifactKeys
	j.ErrorMessage = ""
	j.UpdatedAt = now
	j.CompletedAt = &now
}

func (j *ExportJob) MarkFailed(errMsg string) {
	j.Status = JobStatusFailed
	j.ErrorMessage = errMsg
	j.UpdatedAt = time.Now().UTC()
}

func (j *ExportJob) CanRetry() bool {
	return j.Attempt < j.MaxAttempts
}
