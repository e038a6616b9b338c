package entity

import "github.com/google/uuid"

// ExportSource is one input in an export request. FrameOffset places the
// source's local frame 0 at the given master-timeline frame.
type ExportSource struct {
	VideoKey    string `json:"video_key"`
	FrameOffset int64  `json:"frame_offset"`
}

// ExportRequestMessage is the inbound message from the export.request queue.
// TrimStart/TrimEnd optionally narrow the reconciled window; absent means the
// full overlap.
type ExportRequestMessage struct {
	JobID     uuid.UUID      `json:"job_id"`
	UserID    string         `json:"user_id"`
	UserEmail string         `json:"user_email"`
	Kind      ExportKind     `json:"export_kind"`
	Sources   []ExportSource `json:"sources"`
	TrimStart *int64         `json:"trim_start,omitempty"`
	TrimEnd   *int64         `json:"trim_end,omitempty"`
}

// ExportStatusMessage is the outbound message published to the export.status
// queue on every terminal transition.
type ExportStatusMessage struct {
	JobID        uuid.UUID  `json:"job_id"`
	UserID       string     `json:"user_id"`
	Status       JobStatus  `json:"status"`
	Kind         ExportKind `json:"export_kind"`
	SourceCount  int        `json:"source_count"`
	WindowStart  int64      `json:"window_start,omitempty"`
	WindowEnd    int64      `json:"window_end,omitempty"`
	FrameCount   int64      `json:"frame_count,omitempty"`
	ArtifactKeys []string   `json:"artifact_keys,omitempty"`
	// SourceResolutions holds each source's probed pixel dimensions
	// ("1920x1080"), index-aligned with the request's sources. Set on
	// completion only.
	SourceResolutions []string `json:"source_resolutions,omitempty"`
	ErrorMessage      string   `json:"error_message,omitempty"`
	Attempt           int      `json:"attempt"`
	MaxAttempts       int      `json:"max_attempts"`
}
